// Package recovery periodically sweeps for orphaned runs — ones whose
// owning worker stopped sending heartbeats — and resumes whichever of
// them this worker can claim.
package recovery

import (
	"context"
	"sync"
	"time"

	"goa.design/agentcore/internal/config"
	"goa.design/agentcore/internal/ownership"
	"goa.design/agentcore/internal/telemetry"
)

// ResumeFunc re-enters the execution loop for a reclaimed run, picking up
// from its last idempotency-tracked step.
type ResumeFunc func(ctx context.Context, runID string)

// Sweeper runs the periodic orphan sweep and the once-per-boot startup
// recovery pass.
type Sweeper struct {
	Ownership *ownership.Manager
	Resume    ResumeFunc
	Interval  time.Duration
	Logger    telemetry.Logger
	Metrics   telemetry.Metrics

	mu      sync.Mutex
	stop    chan struct{}
	done    chan struct{}
	running bool
}

// New returns a Sweeper using cfg.RecoverySweepInterval as its cadence.
func New(m *ownership.Manager, cfg *config.Config, resume ResumeFunc) *Sweeper {
	interval := 60 * time.Second
	if cfg != nil && cfg.RecoverySweepInterval > 0 {
		interval = cfg.RecoverySweepInterval
	}
	return &Sweeper{
		Ownership: m,
		Resume:    resume,
		Interval:  interval,
		Logger:    telemetry.NewNoopLogger(),
		Metrics:   telemetry.NewNoopMetrics(),
	}
}

// Start begins the periodic sweep loop. Calling Start twice is a no-op.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})

	interval := s.Interval
	if interval <= 0 {
		interval = 60 * time.Second
	}

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-ticker.C:
				s.Sweep(ctx)
			}
		}
	}()
}

// Stop halts the sweep loop and waits for the in-flight sweep, if any, to
// finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stop)
	done := s.done
	s.mu.Unlock()
	<-done
}

// Result tallies one sweep's outcome.
type Result struct {
	OrphansFound int
	Reclaimed    int
	Skipped      int
}

// Sweep finds every orphaned run and attempts to claim each one. A run
// this worker successfully claims is resumed from its last
// idempotency-tracked step; a run another worker wins the claim race on
// is simply skipped, since that worker is now responsible for it.
func (s *Sweeper) Sweep(ctx context.Context) Result {
	orphans := s.Ownership.FindOrphans(ctx)
	res := Result{OrphansFound: len(orphans)}
	if len(orphans) == 0 {
		return res
	}

	s.Logger.Info(ctx, "recovery sweep found orphans", "count", len(orphans))
	for _, runID := range orphans {
		if s.Ownership.Claim(ctx, runID) {
			res.Reclaimed++
			s.Metrics.IncCounter("recovery_reclaimed_total", 1)
			if s.Resume != nil {
				s.Resume(ctx, runID)
			}
		} else {
			res.Skipped++
		}
	}
	return res
}

// ForceResume claims a single run out of band from the periodic sweep —
// the admin surface's force_resume action — and resumes it if the claim
// succeeds. It reports false if another worker already owns the run.
func (s *Sweeper) ForceResume(ctx context.Context, runID string) bool {
	if !s.Ownership.Claim(ctx, runID) {
		return false
	}
	s.Metrics.IncCounter("recovery_reclaimed_total", 1)
	if s.Resume != nil {
		s.Resume(ctx, runID)
	}
	return true
}

// RecoverOnStartup reclaims runs left `resumable` by a previous worker
// incarnation's graceful shutdown. It is the same sweep as Sweep, run once
// at boot before the periodic loop starts, so a resumable run is reclaimed
// only once its heartbeat is missing or older than OrphanThreshold; a run
// released moments before the restart is not picked up by this pass.
func (s *Sweeper) RecoverOnStartup(ctx context.Context) Result {
	return s.Sweep(ctx)
}
