package ownership

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"goa.design/agentcore/internal/broker"
)

// IdempotencyTracker guarantees that each (run, step, operation) triple is
// committed at most once, even across a crash-and-resume cycle, using
// set-if-absent broker keys with a bounded TTL.
//
// The TTL window is an accepted trade-off (see SPEC_FULL.md, "Open
// question — idempotency window"): markers are not separately persisted
// to the database, so a run recovered after the TTL has elapsed may
// re-execute a step's side effects.
type IdempotencyTracker struct {
	broker broker.Client
	ttl    time.Duration
}

// NewIdempotencyTracker constructs a tracker with the given broker key
// TTL.
func NewIdempotencyTracker(b broker.Client, ttl time.Duration) *IdempotencyTracker {
	return &IdempotencyTracker{broker: b, ttl: ttl}
}

// CheckAndMark returns true the first time it is called for a given
// (runID, step, operation) triple, and false on every subsequent call
// within the TTL window. On broker error it fails open (returns true) so
// a broker outage never silently blocks a step's side effects.
func (t *IdempotencyTracker) CheckAndMark(ctx context.Context, runID string, step int, operation string) bool {
	key := fmt.Sprintf("run:%s:idem:%d:%s", runID, step, operation)
	ok, err := t.broker.SetNX(ctx, key, "1", t.ttl)
	if err != nil {
		return true
	}
	return ok
}

// MarkStep records that a run reached a given step, for GetLastStep to
// discover on resume.
func (t *IdempotencyTracker) MarkStep(ctx context.Context, runID string, step int) {
	key := fmt.Sprintf("run:%s:step:%d", runID, step)
	_ = t.broker.Set(ctx, key, strconv.FormatInt(time.Now().Unix(), 10), t.ttl)
}

// GetLastStep scans for the highest step marker recorded for a run,
// returning 0 if none exist. Used by the recovery sweeper to resume
// execution past already-committed steps.
func (t *IdempotencyTracker) GetLastStep(ctx context.Context, runID string) int {
	prefix := fmt.Sprintf("run:%s:step:", runID)
	maxStep := 0
	_ = t.broker.Scan(ctx, prefix+"*", func(key string) bool {
		suffix := strings.TrimPrefix(key, prefix)
		if step, err := strconv.Atoi(suffix); err == nil && step > maxStep {
			maxStep = step
		}
		return true
	})
	return maxStep
}
