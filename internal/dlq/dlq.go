// Package dlq holds pending writes that exhausted the batch flusher's retry
// budget, so an operator can inspect, retry, or discard them without losing
// the underlying data.
package dlq

import (
	"context"
	"encoding/json"
	"time"

	"goa.design/agentcore/internal/broker"
	"goa.design/agentcore/internal/config"
	"goa.design/agentcore/internal/telemetry"
	"goa.design/agentcore/internal/wal"
)

const queueKey = "dlq:failed_writes"

// Entry is one write that failed every retry attempt.
type Entry struct {
	EntryID      string         `json:"entry_id"`
	RunID        string         `json:"run_id"`
	WriteType    wal.WriteType  `json:"write_type"`
	Data         map[string]any `json:"data"`
	Error        string         `json:"error"`
	AttemptCount int            `json:"attempt_count"`
	CreatedAt    time.Time      `json:"created_at"`
	FailedAt     time.Time      `json:"failed_at"`
}

// Handler is notified whenever a new entry is sent to the queue, e.g. to
// page an operator or increment an alert counter.
type Handler func(ctx context.Context, entry Entry)

// Queue is the dead letter queue for writes the batch flusher could not
// commit after exhausting its retry policy.
type Queue struct {
	broker   broker.Client
	cfg      *config.Config
	logger   telemetry.Logger
	handlers []Handler
}

// New constructs a Queue backed by the given broker.
func New(b broker.Client, cfg *config.Config, logger telemetry.Logger) *Queue {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Queue{broker: b, cfg: cfg, logger: logger}
}

// OnEntry registers a handler invoked (best-effort) after every successful
// Send.
func (q *Queue) OnEntry(h Handler) {
	q.handlers = append(q.handlers, h)
}

// Send records a permanently-failed write. Handler errors are logged and
// never fail the call.
func (q *Queue) Send(ctx context.Context, entryID, runID string, writeType wal.WriteType, data map[string]any, writeErr string, attemptCount int, createdAt time.Time) bool {
	entry := Entry{
		EntryID:      entryID,
		RunID:        runID,
		WriteType:    writeType,
		Data:         data,
		Error:        writeErr,
		AttemptCount: attemptCount,
		CreatedAt:    createdAt,
		FailedAt:     time.Now(),
	}

	payload, err := json.Marshal(entry)
	if err != nil {
		q.logger.Error(ctx, "dlq marshal failed", "run_id", runID, "error", err)
		return false
	}

	if _, err := q.broker.XAdd(ctx, queueKey, q.cfg.DLQStreamMaxLen, map[string]any{"payload": string(payload)}); err != nil {
		q.logger.Error(ctx, "dlq send failed", "run_id", runID, "error", err)
		return false
	}
	if err := q.broker.Expire(ctx, queueKey, q.cfg.DLQRetention); err != nil {
		q.logger.Warn(ctx, "dlq expire failed", "error", err)
	}

	for _, h := range q.handlers {
		h(ctx, entry)
	}

	q.logger.Warn(ctx, "dlq entry added", "run_id", runID, "write_type", writeType, "error", writeErr)
	return true
}

func (q *Queue) scan(ctx context.Context) ([]broker.StreamEntry, error) {
	return q.broker.XRange(ctx, queueKey, "-", "+")
}

func decode(raw broker.StreamEntry) (Entry, bool) {
	payload, ok := raw.Fields["payload"].(string)
	if !ok {
		return Entry{}, false
	}
	var e Entry
	if err := json.Unmarshal([]byte(payload), &e); err != nil {
		return Entry{}, false
	}
	return e, true
}

// GetEntries returns up to count entries, optionally filtered to one run.
func (q *Queue) GetEntries(ctx context.Context, count int, runID string) ([]Entry, error) {
	raw, err := q.scan(ctx)
	if err != nil {
		return nil, err
	}

	var entries []Entry
	for _, r := range raw {
		e, ok := decode(r)
		if !ok {
			continue
		}
		if runID != "" && e.RunID != runID {
			continue
		}
		entries = append(entries, e)
		if len(entries) >= count {
			break
		}
	}
	return entries, nil
}

// RetryEntry re-enqueues an entry's write into the WAL and removes it from
// the dead letter queue. It does not itself trigger a flush; the caller
// (typically the admin surface) is expected to invoke the flusher
// afterward if it wants the retry committed immediately.
func (q *Queue) RetryEntry(ctx context.Context, w *wal.WriteAheadLog, entryID string) bool {
	raw, err := q.scan(ctx)
	if err != nil {
		q.logger.Warn(ctx, "dlq retry scan failed", "entry_id", entryID, "error", err)
		return false
	}

	for _, r := range raw {
		e, ok := decode(r)
		if !ok || e.EntryID != entryID {
			continue
		}
		if _, err := w.Append(ctx, e.RunID, e.WriteType, e.Data); err != nil {
			q.logger.Warn(ctx, "dlq retry wal append failed", "entry_id", entryID, "error", err)
			return false
		}
		if err := q.broker.XDel(ctx, queueKey, r.ID); err != nil {
			q.logger.Warn(ctx, "dlq retry delete failed", "entry_id", entryID, "error", err)
		}
		return true
	}
	return false
}

// DeleteEntry discards an entry without retrying it.
func (q *Queue) DeleteEntry(ctx context.Context, entryID string) bool {
	raw, err := q.scan(ctx)
	if err != nil {
		return false
	}
	for _, r := range raw {
		e, ok := decode(r)
		if !ok || e.EntryID != entryID {
			continue
		}
		return q.broker.XDel(ctx, queueKey, r.ID) == nil
	}
	return false
}

// Stats summarizes the current dead letter queue for the admin surface.
type Stats struct {
	TotalEntries    int64
	UniqueRuns      int
	ByType          map[wal.WriteType]int
	OldestEntryAge  time.Duration
	HasEntries      bool
}

// GetStats samples up to 100 entries to compute per-type and per-run
// breakdowns rather than scanning the full (potentially 10k-entry) queue
// on every call.
func (q *Queue) GetStats(ctx context.Context) Stats {
	length, err := q.broker.XLen(ctx, queueKey)
	if err != nil {
		q.logger.Warn(ctx, "dlq stats xlen failed", "error", err)
	}

	entries, err := q.GetEntries(ctx, 100, "")
	if err != nil {
		return Stats{TotalEntries: length, ByType: map[wal.WriteType]int{}}
	}

	stats := Stats{TotalEntries: length, ByType: map[wal.WriteType]int{}}
	runs := make(map[string]struct{})
	var oldest time.Time
	for _, e := range entries {
		runs[e.RunID] = struct{}{}
		stats.ByType[e.WriteType]++
		if oldest.IsZero() || e.CreatedAt.Before(oldest) {
			oldest = e.CreatedAt
		}
	}
	stats.UniqueRuns = len(runs)
	if !oldest.IsZero() {
		stats.HasEntries = true
		stats.OldestEntryAge = time.Since(oldest)
	}
	return stats
}

// Purge deletes the entire queue when olderThan is zero or negative,
// returning 1 once the queue key is deleted (not the number of entries it
// held); otherwise it removes only entries that failed before olderThan in
// the past and returns how many it removed.
func (q *Queue) Purge(ctx context.Context, olderThan time.Duration) int {
	if olderThan <= 0 {
		if err := q.broker.Del(ctx, queueKey); err != nil {
			q.logger.Warn(ctx, "dlq purge failed", "error", err)
			return 0
		}
		return 1
	}

	cutoff := time.Now().Add(-olderThan)
	raw, err := q.scan(ctx)
	if err != nil {
		return 0
	}

	deleted := 0
	for _, r := range raw {
		e, ok := decode(r)
		if !ok || !e.FailedAt.Before(cutoff) {
			continue
		}
		if err := q.broker.XDel(ctx, queueKey, r.ID); err == nil {
			deleted++
		}
	}
	return deleted
}
