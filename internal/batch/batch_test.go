package batch_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/agentcore/internal/batch"
	"goa.design/agentcore/internal/broker/brokertest"
	"goa.design/agentcore/internal/config"
	"goa.design/agentcore/internal/dlq"
	"goa.design/agentcore/internal/retry"
	"goa.design/agentcore/internal/runmodel"
	"goa.design/agentcore/internal/store"
	"goa.design/agentcore/internal/wal"
)

type fakeStore struct {
	mu            sync.Mutex
	messages      []runmodel.Message
	deductions    []store.CreditDeduction
	insertErr     error
	deductErr     error
	failFirstN    int
	insertCalls   int
}

func (f *fakeStore) Name() string { return "fake-store" }

func (f *fakeStore) Ping(context.Context) error { return nil }

func (f *fakeStore) InsertMessage(_ context.Context, msg runmodel.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.insertCalls++
	if f.insertCalls <= f.failFirstN {
		return errors.New("transient insert failure")
	}
	if f.insertErr != nil {
		return f.insertErr
	}
	f.messages = append(f.messages, msg)
	return nil
}

func (f *fakeStore) DeductCredits(_ context.Context, d store.CreditDeduction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deductErr != nil {
		return f.deductErr
	}
	f.deductions = append(f.deductions, d)
	return nil
}

func (f *fakeStore) UpdateRunStatus(context.Context, string, runmodel.Status, string) error {
	return nil
}

func newWriter(t *testing.T, s *fakeStore) (*batch.Writer, *wal.WriteAheadLog) {
	t.Helper()
	b := brokertest.New()
	cfg := config.Default()
	w := wal.New(b, cfg, nil)
	q := dlq.New(b, cfg, nil)
	writer := batch.New(w, q, s)
	writer.RetryPolicy = retry.FixedDelay{Delay_: 0, MaxAttempts: 3, Retryable: func(error) bool { return true }}
	return writer, w
}

func TestFlushRun_PersistsMessagesAndDeductsCredits(t *testing.T) {
	t.Parallel()

	s := &fakeStore{}
	writer, w := newWriter(t, s)
	ctx := context.Background()

	w.Append(ctx, "run-1", wal.WriteMessage, map[string]any{
		"thread_id": "thread-1", "type": "assistant", "content": "hello", "message_id": "m1",
	})
	w.Append(ctx, "run-1", wal.WriteCredit, map[string]any{
		"thread_id": "thread-1", "run_id": "run-1", "amount": 1.5,
	})

	res, err := writer.FlushRun(ctx, "run-1", "acct-1", "thread-1")
	require.NoError(t, err)
	assert.Equal(t, 2, res.SuccessCount)
	assert.Equal(t, 0, res.FailedCount)
	require.Len(t, s.messages, 1)
	assert.Equal(t, "hello", s.messages[0].Content)
	require.Len(t, s.deductions, 1)
	assert.Equal(t, 1.5, s.deductions[0].Amount)

	remaining, err := w.GetPending(ctx, "run-1")
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestFlushRun_NoPendingEntriesReturnsEmptyResult(t *testing.T) {
	t.Parallel()

	writer, _ := newWriter(t, &fakeStore{})
	res, err := writer.FlushRun(context.Background(), "run-empty", "acct-1", "thread-1")
	require.NoError(t, err)
	assert.Equal(t, batch.Result{}, res)
}

func TestFlushRun_RetriesTransientFailureThenSucceeds(t *testing.T) {
	t.Parallel()

	s := &fakeStore{failFirstN: 2}
	writer, w := newWriter(t, s)
	ctx := context.Background()

	w.Append(ctx, "run-2", wal.WriteMessage, map[string]any{
		"thread_id": "thread-2", "type": "assistant", "content": "retried ok", "message_id": "m2",
	})

	res, err := writer.FlushRun(ctx, "run-2", "acct-1", "thread-2")
	require.NoError(t, err)
	assert.Equal(t, 1, res.SuccessCount)
	assert.Equal(t, 0, res.FailedCount)
	require.Len(t, s.messages, 1)
}

func TestFlushRun_SendsToDLQAfterExhaustingRetries(t *testing.T) {
	t.Parallel()

	s := &fakeStore{insertErr: errors.New("permanent failure")}
	writer, w := newWriter(t, s)
	ctx := context.Background()

	w.Append(ctx, "run-3", wal.WriteMessage, map[string]any{
		"thread_id": "thread-3", "type": "assistant", "content": "never lands", "message_id": "m3",
	})

	res, err := writer.FlushRun(ctx, "run-3", "acct-1", "thread-3")
	require.NoError(t, err)
	assert.Equal(t, 0, res.SuccessCount)
	assert.Equal(t, 1, res.FailedCount)
	assert.Equal(t, 1, res.DLQCount)

	remaining, err := w.GetPending(ctx, "run-3")
	require.NoError(t, err)
	assert.Empty(t, remaining, "entry sent to the DLQ must be cleared from the WAL")

	stats := writer.GetStats(ctx)
	assert.GreaterOrEqual(t, stats.DLQ.TotalEntries, int64(1))
}

func TestFlushRun_ZeroAmountCreditSkipsDeductionButSucceeds(t *testing.T) {
	t.Parallel()

	s := &fakeStore{}
	writer, w := newWriter(t, s)
	ctx := context.Background()

	w.Append(ctx, "run-4", wal.WriteCredit, map[string]any{
		"thread_id": "thread-4", "run_id": "run-4", "amount": 0,
	})

	res, err := writer.FlushRun(ctx, "run-4", "acct-1", "thread-4")
	require.NoError(t, err)
	assert.Equal(t, 1, res.SuccessCount)
	assert.Empty(t, s.deductions)
}
