package recovery_test

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/agentcore/internal/broker/brokertest"
	"goa.design/agentcore/internal/config"
	"goa.design/agentcore/internal/ownership"
	"goa.design/agentcore/internal/recovery"
)

func TestSweep_ReclaimsOrphanAndResumes(t *testing.T) {
	t.Parallel()

	b := brokertest.New()
	cfg := config.Default()
	ctx := context.Background()

	require.NoError(t, b.SAdd(ctx, "runs:active", "run-orphan"))
	require.NoError(t, b.Set(ctx, "run:run-orphan:status", "running", cfg.ClaimTTL))
	// No heartbeat key written: FindOrphans treats a missing heartbeat the
	// same as one older than the orphan threshold.

	m := ownership.New(b, cfg, ownership.WithWorkerID("worker-2"))

	var mu sync.Mutex
	var resumed []string
	s := recovery.New(m, cfg, func(_ context.Context, runID string) {
		mu.Lock()
		resumed = append(resumed, runID)
		mu.Unlock()
	})

	res := s.Sweep(ctx)
	assert.Equal(t, 1, res.OrphansFound)
	assert.Equal(t, 1, res.Reclaimed)
	assert.Equal(t, 0, res.Skipped)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"run-orphan"}, resumed)
	assert.Contains(t, m.OwnedRuns(), "run-orphan")
}

func TestSweep_SkipsRunAnotherWorkerAlreadyOwns(t *testing.T) {
	t.Parallel()

	b := brokertest.New()
	cfg := config.Default()
	ctx := context.Background()

	require.NoError(t, b.SAdd(ctx, "runs:active", "run-contested"))
	require.NoError(t, b.Set(ctx, "run:run-contested:status", "running", cfg.ClaimTTL))
	// A rival worker already holds the owner key.
	claimed, err := b.SetNX(ctx, "run:run-contested:owner", "worker-rival", cfg.ClaimTTL)
	require.NoError(t, err)
	require.True(t, claimed)

	m := ownership.New(b, cfg, ownership.WithWorkerID("worker-2"))

	var resumeCalled bool
	s := recovery.New(m, cfg, func(context.Context, string) { resumeCalled = true })

	res := s.Sweep(ctx)
	assert.Equal(t, 1, res.OrphansFound)
	assert.Equal(t, 0, res.Reclaimed)
	assert.Equal(t, 1, res.Skipped)
	assert.False(t, resumeCalled)
}

func TestSweep_IgnoresHealthyRunsWithRecentHeartbeat(t *testing.T) {
	t.Parallel()

	b := brokertest.New()
	cfg := config.Default()
	ctx := context.Background()

	require.NoError(t, b.SAdd(ctx, "runs:active", "run-healthy"))
	require.NoError(t, b.Set(ctx, "run:run-healthy:status", "running", cfg.ClaimTTL))
	require.NoError(t, b.Set(ctx, "run:run-healthy:heartbeat", strconv.FormatInt(time.Now().Unix(), 10), cfg.HeartbeatTTL))

	m := ownership.New(b, cfg, ownership.WithWorkerID("worker-2"))
	s := recovery.New(m, cfg, nil)

	res := s.Sweep(ctx)
	assert.Equal(t, 0, res.OrphansFound)
}

func TestStartStop_RunsPeriodicSweepsUntilStopped(t *testing.T) {
	t.Parallel()

	b := brokertest.New()
	cfg := config.Default()
	ctx := context.Background()

	require.NoError(t, b.SAdd(ctx, "runs:active", "run-periodic"))
	require.NoError(t, b.Set(ctx, "run:run-periodic:status", "running", cfg.ClaimTTL))

	m := ownership.New(b, cfg, ownership.WithWorkerID("worker-2"))

	resumed := make(chan string, 4)
	s := recovery.New(m, cfg, func(_ context.Context, runID string) { resumed <- runID })
	s.Interval = 10 * time.Millisecond

	s.Start(ctx)
	defer s.Stop()

	select {
	case runID := <-resumed:
		assert.Equal(t, "run-periodic", runID)
	case <-time.After(time.Second):
		t.Fatal("sweep loop never reclaimed the orphaned run")
	}
}
