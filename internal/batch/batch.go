// Package batch flushes a run's pending write-ahead-log entries to the
// relational store: messages and a credit deduction are committed
// concurrently, each individually retried, and whatever survives all
// retries is handed to the dead letter queue instead of being dropped.
package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"goa.design/agentcore/internal/dlq"
	"goa.design/agentcore/internal/resilience"
	"goa.design/agentcore/internal/retry"
	"goa.design/agentcore/internal/runmodel"
	"goa.design/agentcore/internal/store"
	"goa.design/agentcore/internal/telemetry"
	"goa.design/agentcore/internal/wal"
)

// Result is one flush cycle's outcome.
type Result struct {
	SuccessCount int
	FailedCount  int
	DLQCount     int
	Duration     time.Duration
}

// Writer flushes a single run's pending WAL entries to the store.
type Writer struct {
	WAL   *wal.WriteAheadLog
	DLQ   *dlq.Queue
	Store store.Client
	// Breaker guards every Store call; a tripped breaker fails the flush
	// fast without consuming retry budget against a store that's already
	// known to be down.
	Breaker *resilience.CircuitBreaker

	RetryPolicy retry.Policy

	// MaxConcurrentPersists bounds how many messages are persisted at
	// once; zero uses the conventional default of 20.
	MaxConcurrentPersists int

	Logger telemetry.Logger
}

// New returns a Writer with the conventional retry policy and concurrency
// cap; callers override fields as needed.
func New(w *wal.WriteAheadLog, q *dlq.Queue, s store.Client) *Writer {
	return &Writer{
		WAL:                   w,
		DLQ:                   q,
		Store:                 s,
		RetryPolicy:           retry.NewExponentialBackoff(),
		MaxConcurrentPersists: 20,
		Logger:                telemetry.NewNoopLogger(),
	}
}

// FlushRun drains runID's pending WAL entries and commits them to the
// store. Messages and the run's aggregate credit deduction are flushed
// concurrently, each store call retried under the retry policy. An entry
// whose call still fails has one attempt recorded against it in the WAL;
// once its attempt count across flushes reaches the policy's MaxAttempts
// it is sent to the dead letter queue and marked completed in the WAL so
// it is never retried again from there.
func (w *Writer) FlushRun(ctx context.Context, runID, accountID, threadID string) (Result, error) {
	start := time.Now()

	entries, err := w.WAL.GetPending(ctx, runID)
	if err != nil {
		return Result{}, fmt.Errorf("batch: get pending entries: %w", err)
	}
	if len(entries) == 0 {
		return Result{}, nil
	}

	var messages, credits []wal.Entry
	for _, e := range entries {
		switch e.WriteType {
		case wal.WriteMessage:
			messages = append(messages, e)
		case wal.WriteCredit:
			credits = append(credits, e)
		}
	}

	var wg sync.WaitGroup
	var msgSucceeded, creditSucceeded []string
	var msgFailed, creditFailed []entryFailure

	wg.Add(2)
	go func() {
		defer wg.Done()
		msgSucceeded, msgFailed = w.flushMessages(ctx, messages)
	}()
	go func() {
		defer wg.Done()
		creditSucceeded, creditFailed = w.flushCredits(ctx, credits, accountID, threadID, runID)
	}()
	wg.Wait()

	res := Result{}
	completed := append(append([]string(nil), msgSucceeded...), creditSucceeded...)
	res.SuccessCount = len(completed)

	for _, f := range append(msgFailed, creditFailed...) {
		res.FailedCount++
		w.handleFailure(ctx, f.entry, f.err)
		if f.entry.AttemptCount+1 >= maxRetries(w.RetryPolicy) {
			res.DLQCount++
		}
	}

	if len(completed) > 0 {
		if _, err := w.WAL.MarkCompleted(ctx, runID, completed); err != nil {
			w.Logger.Warn(ctx, "batch: mark completed failed", "run_id", runID, "error", err)
		}
	}

	res.Duration = time.Since(start)
	return res, nil
}

type entryFailure struct {
	entry wal.Entry
	err   error
}

// flushMessages persists each message entry under a concurrency-bounded
// semaphore, so one run's flush never saturates the store connection pool.
func (w *Writer) flushMessages(ctx context.Context, entries []wal.Entry) (succeeded []string, failed []entryFailure) {
	if len(entries) == 0 {
		return nil, nil
	}

	limit := w.MaxConcurrentPersists
	if limit <= 0 {
		limit = 20
	}
	sem := make(chan struct{}, limit)

	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, entry := range entries {
		entry := entry
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			err := w.persistMessage(ctx, entry)

			mu.Lock()
			if err != nil {
				failed = append(failed, entryFailure{entry: entry, err: err})
			} else {
				succeeded = append(succeeded, entry.EntryID)
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
	return succeeded, failed
}

func (w *Writer) persistMessage(ctx context.Context, entry wal.Entry) error {
	msg, err := messageFromEntry(entry)
	if err != nil {
		return err
	}

	do := func(ctx context.Context) (struct{}, error) {
		var insertErr error
		if w.Breaker != nil {
			insertErr = w.Breaker.Call(ctx, func(ctx context.Context) error {
				return w.Store.InsertMessage(ctx, msg)
			})
		} else {
			insertErr = w.Store.InsertMessage(ctx, msg)
		}
		return struct{}{}, insertErr
	}

	_, err = retry.Do(ctx, w.policy(), do, nil)
	return err
}

func messageFromEntry(entry wal.Entry) (runmodel.Message, error) {
	data := entry.Data
	role, _ := data["type"].(string)
	content, _ := data["content"].(string)
	threadID, _ := data["thread_id"].(string)

	msg := runmodel.Message{
		MessageID:    stringField(data, "message_id", entry.EntryID),
		ThreadID:     threadID,
		Role:         runmodel.Role(role),
		Content:      content,
		CreatedAt:    entry.CreatedAt,
		AgentID:      stringField(data, "agent_id", ""),
		IsLLMMessage: boolField(data, "is_llm_message", true),
	}
	if callID, ok := data["tool_call_id"].(string); ok {
		msg.Metadata.ToolCallID = callID
	}
	return msg, nil
}

func stringField(data map[string]any, key, def string) string {
	if v, ok := data[key].(string); ok && v != "" {
		return v
	}
	return def
}

func boolField(data map[string]any, key string, def bool) bool {
	if v, ok := data[key].(bool); ok {
		return v
	}
	return def
}

// flushCredits deducts the run's aggregate credit amount in one call,
// mirroring the ledger's preference for one entry per run over one per
// turn.
func (w *Writer) flushCredits(ctx context.Context, entries []wal.Entry, accountID, threadID, runID string) (succeeded []string, failed []entryFailure) {
	if len(entries) == 0 {
		return nil, nil
	}

	var total float64
	for _, e := range entries {
		total += floatField(e.Data, "amount", 0)
	}
	if total <= 0 {
		for _, e := range entries {
			succeeded = append(succeeded, e.EntryID)
		}
		return succeeded, nil
	}

	do := func(ctx context.Context) (struct{}, error) {
		var err error
		deduction := store.CreditDeduction{
			AccountID:   accountID,
			Amount:      total,
			ThreadID:    threadID,
			RunID:       runID,
			Description: fmt.Sprintf("agent run %s", runID),
		}
		if w.Breaker != nil {
			err = w.Breaker.Call(ctx, func(ctx context.Context) error {
				return w.Store.DeductCredits(ctx, deduction)
			})
		} else {
			err = w.Store.DeductCredits(ctx, deduction)
		}
		return struct{}{}, err
	}

	if _, err := retry.Do(ctx, w.policy(), do, nil); err != nil {
		for _, e := range entries {
			failed = append(failed, entryFailure{entry: e, err: err})
		}
		return nil, failed
	}
	for _, e := range entries {
		succeeded = append(succeeded, e.EntryID)
	}
	return succeeded, nil
}

func floatField(data map[string]any, key string, def float64) float64 {
	switch v := data[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return def
	}
}

// handleFailure records the failed attempt against the WAL entry; once its
// attempt count reaches the retry policy's limit the entry moves to the
// dead letter queue and is marked completed so the flusher never retries
// it from the WAL again.
func (w *Writer) handleFailure(ctx context.Context, entry wal.Entry, err error) {
	attempt := entry.AttemptCount + 1
	if attempt >= maxRetries(w.RetryPolicy) {
		if w.DLQ != nil {
			w.DLQ.Send(ctx, entry.EntryID, entry.RunID, entry.WriteType, entry.Data, err.Error(), attempt, entry.CreatedAt)
		}
		if _, markErr := w.WAL.MarkCompleted(ctx, entry.RunID, []string{entry.EntryID}); markErr != nil {
			w.Logger.Warn(ctx, "batch: mark completed after dlq failed", "run_id", entry.RunID, "error", markErr)
		}
		return
	}
	w.WAL.MarkFailed(ctx, entry.RunID, entry.EntryID, err.Error())
}

func (w *Writer) policy() retry.Policy {
	if w.RetryPolicy != nil {
		return w.RetryPolicy
	}
	return retry.NewExponentialBackoff()
}

func maxRetries(p retry.Policy) int {
	if eb, ok := p.(retry.ExponentialBackoff); ok && eb.MaxAttempts > 0 {
		return eb.MaxAttempts
	}
	if fd, ok := p.(retry.FixedDelay); ok && fd.MaxAttempts > 0 {
		return fd.MaxAttempts
	}
	return 3
}

// Stats summarizes the WAL and DLQ together, the way an admin dashboard
// reports flusher health.
type Stats struct {
	WAL wal.Stats
	DLQ dlq.Stats
}

// GetStats returns the combined WAL/DLQ statistics.
func (w *Writer) GetStats(ctx context.Context) Stats {
	return Stats{
		WAL: w.WAL.GetStats(ctx),
		DLQ: w.DLQ.GetStats(ctx),
	}
}
