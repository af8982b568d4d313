package batch

import (
	"context"
	"sync"
	"time"

	"goa.design/agentcore/internal/runmodel"
)

// RunLister reports which runs currently need periodic flushing. The
// ownership manager's OwnedRuns satisfies this directly.
type RunLister interface {
	OwnedRuns() []string
}

// Loop periodically flushes every owned run's pending WAL entries, the way
// a background flusher keeps the database converging even while a run is
// still mid-execution rather than only at its end.
type Loop struct {
	Writer   *Writer
	Owned    RunLister
	Runs     *runmodel.Registry
	Interval time.Duration

	mu      sync.Mutex
	stop    chan struct{}
	done    chan struct{}
	running bool
}

// NewLoop returns a Loop; Interval defaults to 5s, matching the
// conventional flush cadence, if left zero.
func NewLoop(w *Writer, owned RunLister, runs *runmodel.Registry, interval time.Duration) *Loop {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Loop{Writer: w, Owned: owned, Runs: runs, Interval: interval}
}

// Start begins the periodic flush loop. Calling Start twice is a no-op.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return
	}
	l.running = true
	l.stop = make(chan struct{})
	l.done = make(chan struct{})

	go func() {
		defer close(l.done)
		ticker := time.NewTicker(l.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-l.stop:
				return
			case <-ticker.C:
				l.flushAll(ctx)
			}
		}
	}()
}

// Stop halts the flush loop and waits for the in-flight cycle, if any, to
// finish.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	close(l.stop)
	done := l.done
	l.mu.Unlock()
	<-done
}

// FlushAllOwned flushes every currently-owned run once; it is also what
// the periodic loop calls on each tick and what a graceful shutdown calls
// one final time before releasing ownership.
func (l *Loop) FlushAllOwned(ctx context.Context) {
	l.flushAll(ctx)
}

// FlushAllWithResults flushes every currently-owned run once and returns
// each run's Result, for the admin surface's flush_all action.
func (l *Loop) FlushAllWithResults(ctx context.Context) map[string]Result {
	return l.flushAll(ctx)
}

func (l *Loop) flushAll(ctx context.Context) map[string]Result {
	results := make(map[string]Result)
	for _, runID := range l.Owned.OwnedRuns() {
		run, ok := l.Runs.Get(runID)
		if !ok {
			continue
		}
		res, err := l.Writer.FlushRun(ctx, runID, run.AccountID, run.ThreadID)
		if err != nil {
			continue
		}
		results[runID] = res
	}
	return results
}
