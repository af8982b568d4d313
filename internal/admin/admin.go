// Package admin exposes the operator control plane: inspecting and
// force-transitioning individual runs, a dashboard snapshot, health and
// metrics reporting, and on-demand sweep/flush triggers. The package
// specifies these as a plain Go interface; NewHTTPHandler (http.go) wires a
// thin net/http adapter on top.
package admin

import (
	"context"
	"fmt"
	"time"

	"goa.design/agentcore/internal/batch"
	"goa.design/agentcore/internal/config"
	"goa.design/agentcore/internal/metrics"
	"goa.design/agentcore/internal/ownership"
	"goa.design/agentcore/internal/recovery"
	"goa.design/agentcore/internal/telemetry"
)

// StuckRun describes one run list_stuck surfaces to an operator.
type StuckRun struct {
	RunID        string
	Owner        string
	Status       string
	Heartbeat    *time.Time
	HeartbeatAge *time.Duration
	Start        *time.Time
	Duration     *time.Duration
	Reason       string
}

// RecoveryResult reports the outcome of a force_resume/force_complete/
// force_fail action.
type RecoveryResult struct {
	RunID   string
	Success bool
	Action  string
	Message string
	Error   string
}

// Dashboard is a single combined snapshot of the operationally relevant
// state: metrics, a shallow stuck-run count, and health.
type Dashboard struct {
	Metrics    metrics.Snapshot
	StuckCount int
	Healthy    bool
	Alerts     []metrics.Alert
}

// lifecycleHealth is satisfied by *lifecycle.Manager; narrowed to the one
// method Core needs so tests can fake it without standing up a full
// Manager.
type lifecycleHealth interface {
	IsHealthy() bool
}

// HealthStatus is the worker's self-reported liveness for an uptime
// monitor.
type HealthStatus struct {
	Status string
}

// FlushAllResult tallies a triggered flush_all action.
type FlushAllResult struct {
	Runs    int
	Total   int
	Details map[string]batch.Result
}

// Surface is the operator control plane the coordination core exposes.
// Every method is safe to call concurrently with the worker's normal
// operation.
type Surface interface {
	ListStuck(ctx context.Context, minAge time.Duration) ([]StuckRun, error)
	ForceResume(ctx context.Context, runID string) RecoveryResult
	ForceComplete(ctx context.Context, runID string, reason string) RecoveryResult
	ForceFail(ctx context.Context, runID string, errMsg string) RecoveryResult
	GetRunInfo(ctx context.Context, runID string) (ownership.Info, bool, error)
	Dashboard(ctx context.Context) (Dashboard, error)
	Health(ctx context.Context) HealthStatus
	Metrics(ctx context.Context) string
	Sweep(ctx context.Context) recovery.Result
	FlushAll(ctx context.Context) FlushAllResult
}

// Core is the Surface implementation wiring together the components an
// operator acts on.
type Core struct {
	Ownership *ownership.Manager
	Recovery  *recovery.Sweeper
	Flusher   *batch.Loop
	Lifecycle lifecycleHealth
	Stats     *metrics.Registry
	Config    *config.Config
	Logger    telemetry.Logger
}

// New returns a Core wiring the given components. Logger defaults to the
// no-op implementation if nil.
func New(own *ownership.Manager, rec *recovery.Sweeper, flusher *batch.Loop, lc lifecycleHealth, m *metrics.Registry, cfg *config.Config) *Core {
	return &Core{
		Ownership: own,
		Recovery:  rec,
		Flusher:   flusher,
		Lifecycle: lc,
		Stats:     m,
		Config:    cfg,
		Logger:    telemetry.NewNoopLogger(),
	}
}

// ListStuck scans every active run and reports those that have been
// running at least minAge without completing, annotated with why they
// look stuck: missing heartbeat, a heartbeat older than the orphan
// threshold, or otherwise "long_running" (having run at least minAge).
// Config.StuckRunThreshold is not consulted.
func (c *Core) ListStuck(ctx context.Context, minAge time.Duration) ([]StuckRun, error) {
	active, err := c.Ownership.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	var stuck []StuckRun
	for _, runID := range active {
		info, err := c.Ownership.GetInfo(ctx, runID)
		if err != nil {
			continue
		}
		if info.Status != "running" && info.Status != "resumable" {
			continue
		}
		if !info.HasStart || info.Duration < minAge {
			continue
		}

		reason := "long_running"
		switch {
		case !info.HasHeartbeat:
			reason = "no_heartbeat"
		case c.Config != nil && c.Config.OrphanThreshold > 0 && info.HeartbeatAge > c.Config.OrphanThreshold:
			reason = "stale_heartbeat"
		}

		sr := StuckRun{RunID: info.RunID, Owner: info.Owner, Status: info.Status, Reason: reason}
		if info.HasStart {
			start, dur := info.Start, info.Duration
			sr.Start, sr.Duration = &start, &dur
		}
		if info.HasHeartbeat {
			hb, age := info.Heartbeat, info.HeartbeatAge
			sr.Heartbeat, sr.HeartbeatAge = &hb, &age
		}
		stuck = append(stuck, sr)
	}
	return stuck, nil
}

// ForceResume claims runID out of band from the periodic sweep and
// resumes it, as if this worker had found it orphaned.
func (c *Core) ForceResume(ctx context.Context, runID string) RecoveryResult {
	if c.Recovery.ForceResume(ctx, runID) {
		return RecoveryResult{RunID: runID, Success: true, Action: "resumed", Message: "run reclaimed and resumed"}
	}
	return RecoveryResult{RunID: runID, Success: false, Action: "resume", Message: "could not claim run", Error: "claim failed"}
}

// ForceComplete marks runID completed regardless of its current
// execution state, for an operator clearing a run they've confirmed is
// actually done.
func (c *Core) ForceComplete(ctx context.Context, runID string, reason string) RecoveryResult {
	if c.Ownership.Release(ctx, runID, "completed") {
		return RecoveryResult{RunID: runID, Success: true, Action: "completed", Message: fmt.Sprintf("marked completed: %s", reason)}
	}
	return RecoveryResult{RunID: runID, Success: false, Action: "complete", Message: "release failed", Error: "release failed"}
}

// ForceFail marks runID failed with the given operator-supplied error.
func (c *Core) ForceFail(ctx context.Context, runID string, errMsg string) RecoveryResult {
	if c.Ownership.Release(ctx, runID, "failed") {
		return RecoveryResult{RunID: runID, Success: true, Action: "failed", Message: "marked failed", Error: errMsg}
	}
	return RecoveryResult{RunID: runID, Success: false, Action: "fail", Message: "release failed", Error: "release failed"}
}

// GetRunInfo returns the ownership record for runID, or found=false if no
// such record exists.
func (c *Core) GetRunInfo(ctx context.Context, runID string) (ownership.Info, bool, error) {
	info, err := c.Ownership.GetInfo(ctx, runID)
	if err != nil {
		return ownership.Info{}, false, err
	}
	if info.Owner == "" && info.Status == "" {
		return ownership.Info{}, false, nil
	}
	return info, true, nil
}

// Dashboard returns a single combined operational snapshot.
func (c *Core) Dashboard(ctx context.Context) (Dashboard, error) {
	stuck, err := c.ListStuck(ctx, 5*time.Second)
	if err != nil {
		return Dashboard{}, err
	}
	health := c.Stats.CheckHealth(c.Config)
	return Dashboard{
		Metrics:    health.Metrics,
		StuckCount: len(stuck),
		Healthy:    health.Healthy,
		Alerts:     health.Alerts,
	}, nil
}

// Health reports the worker's lifecycle health, for an uptime monitor.
func (c *Core) Health(ctx context.Context) HealthStatus {
	if !c.Lifecycle.IsHealthy() {
		return HealthStatus{Status: "unhealthy"}
	}
	return HealthStatus{Status: "healthy"}
}

// Metrics renders the current metrics as Prometheus text exposition.
func (c *Core) Metrics(ctx context.Context) string {
	return c.Stats.ToPrometheus()
}

// Sweep triggers an out-of-band recovery sweep.
func (c *Core) Sweep(ctx context.Context) recovery.Result {
	return c.Recovery.Sweep(ctx)
}

// FlushAll triggers an immediate flush of every owned run's pending WAL
// entries.
func (c *Core) FlushAll(ctx context.Context) FlushAllResult {
	details := c.Flusher.FlushAllWithResults(ctx)
	total := 0
	for _, r := range details {
		total += r.SuccessCount
	}
	return FlushAllResult{Runs: len(details), Total: total, Details: details}
}
