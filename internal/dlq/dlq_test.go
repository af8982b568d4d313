package dlq_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/agentcore/internal/broker/brokertest"
	"goa.design/agentcore/internal/config"
	"goa.design/agentcore/internal/dlq"
	"goa.design/agentcore/internal/wal"
)

func TestSend_RecordsEntryAndNotifiesHandlers(t *testing.T) {
	t.Parallel()

	b := brokertest.New()
	q := dlq.New(b, config.Default(), nil)

	var notified []string
	q.OnEntry(func(_ context.Context, e dlq.Entry) {
		notified = append(notified, e.EntryID)
	})

	ctx := context.Background()
	ok := q.Send(ctx, "entry-1", "run-1", wal.WriteMessage, map[string]any{"content": "hi"}, "insert timed out", 3, time.Now())
	require.True(t, ok)
	assert.Equal(t, []string{"entry-1"}, notified)

	entries, err := q.GetEntries(ctx, 10, "")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "run-1", entries[0].RunID)
	assert.Equal(t, 3, entries[0].AttemptCount)
}

func TestGetEntries_FiltersByRun(t *testing.T) {
	t.Parallel()

	b := brokertest.New()
	q := dlq.New(b, config.Default(), nil)
	ctx := context.Background()

	q.Send(ctx, "e1", "run-1", wal.WriteMessage, map[string]any{}, "x", 1, time.Now())
	q.Send(ctx, "e2", "run-2", wal.WriteMessage, map[string]any{}, "x", 1, time.Now())

	entries, err := q.GetEntries(ctx, 10, "run-2")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "e2", entries[0].EntryID)
}

func TestRetryEntry_MovesBackToWAL(t *testing.T) {
	t.Parallel()

	b := brokertest.New()
	q := dlq.New(b, config.Default(), nil)
	w := wal.New(b, config.Default(), nil)
	ctx := context.Background()

	q.Send(ctx, "e1", "run-1", wal.WriteCredit, map[string]any{"amount": float64(5)}, "db down", 2, time.Now())

	ok := q.RetryEntry(ctx, w, "e1")
	require.True(t, ok)

	entries, err := q.GetEntries(ctx, 10, "")
	require.NoError(t, err)
	assert.Empty(t, entries)

	pending, err := w.GetPending(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, wal.WriteCredit, pending[0].WriteType)
}

func TestDeleteEntry_Discards(t *testing.T) {
	t.Parallel()

	b := brokertest.New()
	q := dlq.New(b, config.Default(), nil)
	ctx := context.Background()

	q.Send(ctx, "e1", "run-1", wal.WriteMessage, map[string]any{}, "x", 1, time.Now())
	ok := q.DeleteEntry(ctx, "e1")
	require.True(t, ok)

	entries, err := q.GetEntries(ctx, 10, "")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPurge_RemovesOnlyOlderThanCutoff(t *testing.T) {
	t.Parallel()

	b := brokertest.New()
	q := dlq.New(b, config.Default(), nil)
	ctx := context.Background()

	q.Send(ctx, "old", "run-1", wal.WriteMessage, map[string]any{}, "x", 1, time.Now())
	time.Sleep(20 * time.Millisecond)
	cutoff := 10 * time.Millisecond
	q.Send(ctx, "new", "run-1", wal.WriteMessage, map[string]any{}, "x", 1, time.Now())

	deleted := q.Purge(ctx, cutoff)
	assert.Equal(t, 1, deleted)

	entries, err := q.GetEntries(ctx, 10, "")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "new", entries[0].EntryID)
}

func TestPurge_ZeroDurationDeletesEntireQueue(t *testing.T) {
	t.Parallel()

	b := brokertest.New()
	q := dlq.New(b, config.Default(), nil)
	ctx := context.Background()

	q.Send(ctx, "e1", "run-1", wal.WriteMessage, map[string]any{}, "x", 1, time.Now())
	q.Send(ctx, "e2", "run-2", wal.WriteMessage, map[string]any{}, "x", 1, time.Now())

	deleted := q.Purge(ctx, 0)
	assert.Equal(t, 1, deleted)

	entries, err := q.GetEntries(ctx, 10, "")
	require.NoError(t, err)
	assert.Empty(t, entries)
}
