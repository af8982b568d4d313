package metrics_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/agentcore/internal/config"
	"goa.design/agentcore/internal/metrics"
)

func TestRecordRunLifecycle_UpdatesCountersAndGauge(t *testing.T) {
	t.Parallel()

	r := metrics.New()
	r.RecordRunStarted()
	r.RecordRunStarted()
	r.RecordRunCompleted(1.5)
	r.RecordRunFailed(2.5)

	snap := r.ToSnapshot()
	assert.EqualValues(t, 2, snap.RunsStarted)
	assert.EqualValues(t, 1, snap.RunsCompleted)
	assert.EqualValues(t, 1, snap.RunsFailed)
	assert.Equal(t, float64(0), snap.ActiveRuns)
	assert.InDelta(t, 2.0, snap.RunDurationAvg, 0.0001)
}

func TestHistogram_AvgAndPercentile(t *testing.T) {
	t.Parallel()

	r := metrics.New()
	for i := 1; i <= 100; i++ {
		r.RecordStep(float64(i))
	}

	snap := r.ToSnapshot()
	assert.InDelta(t, 50.5, snap.StepLatencyAvg, 0.0001)
	assert.InDelta(t, 99, snap.StepLatencyP99, 1)
}

func TestToPrometheus_EmitsTypedLines(t *testing.T) {
	t.Parallel()

	r := metrics.New()
	r.RecordRunStarted()
	r.UpdateOwnership(3)
	r.RecordWritesFlushed(5, 0.2)

	out := r.ToPrometheus()
	assert.True(t, strings.Contains(out, "# TYPE agentcore_runs_started counter"))
	assert.True(t, strings.Contains(out, "agentcore_runs_started 1"))
	assert.True(t, strings.Contains(out, "# TYPE agentcore_owned_runs gauge"))
	assert.True(t, strings.Contains(out, "# TYPE agentcore_flush_latency_seconds histogram"))
	assert.True(t, strings.Contains(out, "agentcore_flush_latency_seconds_count 1"))
}

func TestCheckHealth_FlagsThresholdBreaches(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	r := metrics.New()

	healthyBefore := r.CheckHealth(cfg)
	assert.True(t, healthyBefore.Healthy)
	assert.Empty(t, healthyBefore.Alerts)

	r.UpdateBuffer(cfg.PendingWritesWarningThreshold + 1)
	for i := 0; i < cfg.ActiveRunsWarningThreshold+1; i++ {
		r.RecordRunStarted()
	}

	health := r.CheckHealth(cfg)
	require.True(t, health.Healthy)
	require.Len(t, health.Alerts, 2)

	var metricsSeen []string
	for _, a := range health.Alerts {
		metricsSeen = append(metricsSeen, a.Metric)
	}
	assert.Contains(t, metricsSeen, "pending_writes")
	assert.Contains(t, metricsSeen, "active_runs")
}

func TestHistogram_RingBufferEvictsOldestBeyondCapacity(t *testing.T) {
	t.Parallel()

	r := metrics.New()
	for i := 0; i < 1200; i++ {
		r.RecordStep(float64(i))
	}

	snap := r.ToSnapshot()
	assert.Equal(t, float64(1199), r.StepLatency.Percentile(100))
	assert.True(t, snap.StepLatencyAvg > 600)
}
