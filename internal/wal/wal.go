// Package wal is the write-ahead log every pending database write passes
// through before it is batched and flushed. A broker outage degrades it to
// a bounded in-memory buffer rather than losing writes outright.
package wal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"goa.design/agentcore/internal/broker"
	"goa.design/agentcore/internal/config"
	"goa.design/agentcore/internal/telemetry"
)

// WriteType identifies what kind of pending database write an Entry holds.
type WriteType string

// The three write kinds the flusher understands.
const (
	WriteMessage WriteType = "message"
	WriteCredit  WriteType = "credit"
	WriteStatus  WriteType = "status"
)

// Entry is one pending write, durable in the broker stream until the
// flusher commits it and calls MarkCompleted.
type Entry struct {
	EntryID       string          `json:"entry_id"`
	RunID         string          `json:"run_id"`
	WriteType     WriteType       `json:"write_type"`
	Data          map[string]any  `json:"data"`
	CreatedAt     time.Time       `json:"created_at"`
	AttemptCount  int             `json:"attempt_count"`
	LastAttemptAt time.Time       `json:"last_attempt_at,omitempty"`
	LastError     string          `json:"last_error,omitempty"`
}

func streamKey(runID string) string { return "wal:run:" + runID }

// WriteAheadLog durably records every write destined for the database
// before it is batched, so a crash between "decided to write" and
// "committed to Mongo" never silently drops data.
type WriteAheadLog struct {
	broker  broker.Client
	cfg     *config.Config
	logger  telemetry.Logger

	mu     sync.Mutex
	order  []string // run ids, most-recently-used at the end
	local  map[string][]Entry
}

// New constructs a WriteAheadLog backed by the given broker.
func New(b broker.Client, cfg *config.Config, logger telemetry.Logger) *WriteAheadLog {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &WriteAheadLog{
		broker: b,
		cfg:    cfg,
		logger: logger,
		local:  make(map[string][]Entry),
	}
}

// Append durably records one pending write and returns its entry id. If the
// broker is unreachable the entry is held in a bounded local buffer instead;
// the oldest run's buffer is evicted once more than MaxLocalBufferRuns runs
// have pending local entries.
func (w *WriteAheadLog) Append(ctx context.Context, runID string, writeType WriteType, data map[string]any) (string, error) {
	entry := Entry{
		EntryID:   uuid.NewString(),
		RunID:     runID,
		WriteType: writeType,
		Data:      data,
		CreatedAt: time.Now(),
	}

	payload, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("wal: marshal entry: %w", err)
	}

	key := streamKey(runID)
	if _, err := w.broker.XAdd(ctx, key, w.cfg.WALStreamMaxLen, map[string]any{"payload": string(payload)}); err == nil {
		if err := w.broker.Expire(ctx, key, w.cfg.WALStreamTTL); err != nil {
			w.logger.Warn(ctx, "wal stream expire failed", "run_id", runID, "error", err)
		}
		return entry.EntryID, nil
	} else {
		w.logger.Warn(ctx, "wal broker append failed, using local buffer", "run_id", runID, "error", err)
	}

	w.appendLocal(runID, entry)
	return entry.EntryID, nil
}

func (w *WriteAheadLog) appendLocal(runID string, entry Entry) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.local[runID]; !ok {
		for len(w.order) >= w.cfg.MaxLocalBufferRuns {
			evicted := w.order[0]
			w.order = w.order[1:]
			delete(w.local, evicted)
			w.logger.Warn(context.Background(), "wal local buffer full, evicting run", "run_id", evicted)
		}
		w.order = append(w.order, runID)
	} else {
		w.touch(runID)
	}

	entries := w.local[runID]
	entries = append(entries, entry)
	if len(entries) > w.cfg.MaxLocalBufferPerRun {
		entries = entries[len(entries)-w.cfg.MaxLocalBufferPerRun:]
	}
	w.local[runID] = entries
}

func (w *WriteAheadLog) touch(runID string) {
	for i, id := range w.order {
		if id == runID {
			w.order = append(w.order[:i], w.order[i+1:]...)
			break
		}
	}
	w.order = append(w.order, runID)
}

// GetPending returns every entry recorded for a run, broker-backed entries
// first, then any entries held in the local fallback buffer.
func (w *WriteAheadLog) GetPending(ctx context.Context, runID string) ([]Entry, error) {
	var entries []Entry

	raw, err := w.broker.XRange(ctx, streamKey(runID), "-", "+")
	if err != nil {
		w.logger.Warn(ctx, "wal broker read failed", "run_id", runID, "error", err)
	}
	for _, r := range raw {
		payload, ok := r.Fields["payload"].(string)
		if !ok {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}

	w.mu.Lock()
	entries = append(entries, w.local[runID]...)
	w.mu.Unlock()

	return entries, nil
}

// MarkCompleted deletes the given entry ids from the run's log, whether
// they live in the broker stream or the local fallback buffer, and returns
// the number actually removed.
func (w *WriteAheadLog) MarkCompleted(ctx context.Context, runID string, entryIDs []string) (int, error) {
	if len(entryIDs) == 0 {
		return 0, nil
	}
	want := make(map[string]struct{}, len(entryIDs))
	for _, id := range entryIDs {
		want[id] = struct{}{}
	}

	completed := 0
	key := streamKey(runID)
	raw, err := w.broker.XRange(ctx, key, "-", "+")
	if err != nil {
		w.logger.Warn(ctx, "wal broker read for mark-completed failed", "run_id", runID, "error", err)
	}
	var toDelete []string
	for _, r := range raw {
		payload, ok := r.Fields["payload"].(string)
		if !ok {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			continue
		}
		if _, match := want[e.EntryID]; match {
			toDelete = append(toDelete, r.ID)
		}
	}
	if len(toDelete) > 0 {
		if err := w.broker.XDel(ctx, key, toDelete...); err != nil {
			w.logger.Warn(ctx, "wal broker delete failed", "run_id", runID, "error", err)
		} else {
			completed += len(toDelete)
		}
	}

	w.mu.Lock()
	if entries, ok := w.local[runID]; ok {
		kept := entries[:0]
		for _, e := range entries {
			if _, match := want[e.EntryID]; match {
				completed++
				continue
			}
			kept = append(kept, e)
		}
		w.local[runID] = kept
	}
	w.mu.Unlock()

	return completed, nil
}

// MarkFailed increments an entry's attempt count and records the latest
// error, leaving it in the log for the next flush attempt. Returns false if
// the entry could not be found.
func (w *WriteAheadLog) MarkFailed(ctx context.Context, runID, entryID, errMsg string) bool {
	key := streamKey(runID)
	raw, err := w.broker.XRange(ctx, key, "-", "+")
	if err == nil {
		for _, r := range raw {
			payload, ok := r.Fields["payload"].(string)
			if !ok {
				continue
			}
			var e Entry
			if err := json.Unmarshal([]byte(payload), &e); err != nil {
				continue
			}
			if e.EntryID != entryID {
				continue
			}
			e.AttemptCount++
			e.LastAttemptAt = time.Now()
			e.LastError = errMsg

			updated, marshalErr := json.Marshal(e)
			if marshalErr != nil {
				return false
			}
			if err := w.broker.XDel(ctx, key, r.ID); err != nil {
				w.logger.Warn(ctx, "wal mark-failed delete failed", "run_id", runID, "error", err)
				return false
			}
			if _, err := w.broker.XAdd(ctx, key, w.cfg.WALStreamMaxLen, map[string]any{"payload": string(updated)}); err != nil {
				w.logger.Warn(ctx, "wal mark-failed re-add failed", "run_id", runID, "error", err)
				return false
			}
			return true
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for i, e := range w.local[runID] {
		if e.EntryID == entryID {
			e.AttemptCount++
			e.LastAttemptAt = time.Now()
			e.LastError = errMsg
			w.local[runID][i] = e
			return true
		}
	}
	return false
}

// Stats summarizes outstanding WAL entries across every run, for the admin
// surface's health/metrics endpoints.
type Stats struct {
	TotalPending    int
	RunsWithPending int
	LocalBufferRuns int
}

// GetStats aggregates pending-entry counts across the broker and the local
// fallback buffer.
func (w *WriteAheadLog) GetStats(ctx context.Context) Stats {
	var stats Stats

	w.mu.Lock()
	stats.LocalBufferRuns = len(w.local)
	for _, entries := range w.local {
		if len(entries) > 0 {
			stats.RunsWithPending++
			stats.TotalPending += len(entries)
		}
	}
	w.mu.Unlock()

	_ = w.broker.Scan(ctx, "wal:run:*", func(key string) bool {
		n, err := w.broker.XLen(ctx, key)
		if err != nil {
			return true
		}
		if n > 0 {
			stats.RunsWithPending++
			stats.TotalPending += int(n)
		}
		return true
	})

	return stats
}

// CleanupRun deletes every entry recorded for a run, broker and local
// alike, once the run reaches a terminal state. Returns the number removed.
func (w *WriteAheadLog) CleanupRun(ctx context.Context, runID string) int {
	deleted := 0
	key := streamKey(runID)
	if n, err := w.broker.XLen(ctx, key); err == nil {
		deleted += int(n)
	}
	if err := w.broker.Del(ctx, key); err != nil {
		w.logger.Warn(ctx, "wal cleanup failed", "run_id", runID, "error", err)
	}

	w.mu.Lock()
	if entries, ok := w.local[runID]; ok {
		deleted += len(entries)
		delete(w.local, runID)
		w.touchRemove(runID)
	}
	w.mu.Unlock()

	return deleted
}

func (w *WriteAheadLog) touchRemove(runID string) {
	for i, id := range w.order {
		if id == runID {
			w.order = append(w.order[:i], w.order[i+1:]...)
			return
		}
	}
}
