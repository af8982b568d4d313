// Package ownership guarantees at-most-one active worker per run and
// produces the liveness evidence the recovery sweeper relies on.
package ownership

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"goa.design/agentcore/internal/broker"
	"goa.design/agentcore/internal/config"
	"goa.design/agentcore/internal/telemetry"
)

const (
	keyOwner     = "run:%s:owner"
	keyStatus    = "run:%s:status"
	keyHeartbeat = "run:%s:heartbeat"
	keyStart     = "run:%s:start"
	keyActiveSet = "runs:active"
)

// Manager claims runs, emits heartbeats for the runs it owns, and releases
// them on terminal state. One Manager exists per worker process.
type Manager struct {
	broker   broker.Client
	cfg      *config.Config
	logger   telemetry.Logger
	metrics  telemetry.Metrics
	workerID string

	mu      sync.Mutex
	owned   map[string]time.Time
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// Option customizes a Manager built by New.
type Option func(*Manager)

// WithWorkerID overrides the generated worker id.
func WithWorkerID(id string) Option {
	return func(m *Manager) { m.workerID = id }
}

// WithLogger overrides the Manager's logger.
func WithLogger(l telemetry.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics overrides the Manager's metrics recorder.
func WithMetrics(ms telemetry.Metrics) Option {
	return func(m *Manager) { m.metrics = ms }
}

// New constructs a Manager backed by the given broker and configuration.
func New(b broker.Client, cfg *config.Config, opts ...Option) *Manager {
	m := &Manager{
		broker:   b,
		cfg:      cfg,
		logger:   telemetry.NewNoopLogger(),
		metrics:  telemetry.NewNoopMetrics(),
		workerID: uuid.NewString()[:8],
		owned:    make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// WorkerID returns this manager's worker identifier.
func (m *Manager) WorkerID() string { return m.workerID }

// OwnedCount returns the number of runs currently owned by this worker.
func (m *Manager) OwnedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.owned)
}

// OwnedRuns returns the run ids currently owned by this worker.
func (m *Manager) OwnedRuns() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.owned))
	for id := range m.owned {
		out = append(out, id)
	}
	return out
}

// Claim atomically becomes the owner of run_id if nobody else holds it.
// On success it also sets status=running, records the start time, adds
// the run to runs:active, and writes the first heartbeat. If the run is
// already owned by this same worker (idempotent retry), Claim returns true
// without re-initializing state.
func (m *Manager) Claim(ctx context.Context, runID string) bool {
	claimed, err := m.broker.SetNX(ctx, fmt.Sprintf(keyOwner, runID), m.workerID, m.cfg.ClaimTTL)
	if err != nil {
		m.logger.Error(ctx, "ownership claim failed", "run_id", runID, "error", err)
		return false
	}
	if claimed {
		if err := m.broker.Set(ctx, fmt.Sprintf(keyStatus, runID), "running", m.cfg.ClaimTTL); err != nil {
			m.logger.Error(ctx, "ownership claim status write failed", "run_id", runID, "error", err)
		}
		now := time.Now()
		if err := m.broker.Set(ctx, fmt.Sprintf(keyStart, runID), strconv.FormatInt(now.Unix(), 10), m.cfg.ClaimTTL); err != nil {
			m.logger.Error(ctx, "ownership claim start write failed", "run_id", runID, "error", err)
		}
		if err := m.broker.SAdd(ctx, keyActiveSet, runID); err != nil {
			m.logger.Error(ctx, "ownership claim active-set add failed", "run_id", runID, "error", err)
		}
		m.heartbeat(ctx, runID)

		m.mu.Lock()
		m.owned[runID] = now
		m.mu.Unlock()

		m.logger.Info(ctx, "claimed run", "run_id", runID, "worker_id", m.workerID)
		m.metrics.IncCounter("ownership_claims_total", 1)
		return true
	}

	current, ok, err := m.broker.Get(ctx, fmt.Sprintf(keyOwner, runID))
	if err != nil {
		m.logger.Error(ctx, "ownership claim re-read failed", "run_id", runID, "error", err)
		return false
	}
	return ok && current == m.workerID
}

// Release sets the run's terminal status, clears ownership, and (for
// terminal statuses) removes it from runs:active.
func (m *Manager) Release(ctx context.Context, runID string, status string) bool {
	if err := m.broker.Set(ctx, fmt.Sprintf(keyStatus, runID), status, m.cfg.ClaimTTL); err != nil {
		m.logger.Error(ctx, "ownership release status write failed", "run_id", runID, "error", err)
		return false
	}
	if err := m.broker.Del(ctx, fmt.Sprintf(keyOwner, runID)); err != nil {
		m.logger.Error(ctx, "ownership release owner delete failed", "run_id", runID, "error", err)
		return false
	}
	switch status {
	case "completed", "failed", "cancelled":
		if err := m.broker.SRem(ctx, keyActiveSet, runID); err != nil {
			m.logger.Error(ctx, "ownership release active-set remove failed", "run_id", runID, "error", err)
		}
	}
	m.mu.Lock()
	delete(m.owned, runID)
	m.mu.Unlock()
	m.logger.Info(ctx, "released run", "run_id", runID, "status", status)
	return true
}

// MarkResumable is used only during graceful shutdown: it sets
// status=resumable and clears ownership while leaving the run in
// runs:active so a sweeper can reclaim it.
func (m *Manager) MarkResumable(ctx context.Context, runID string) bool {
	if err := m.broker.Set(ctx, fmt.Sprintf(keyStatus, runID), string(statusResumable), m.cfg.ClaimTTL); err != nil {
		m.logger.Error(ctx, "mark resumable status write failed", "run_id", runID, "error", err)
		return false
	}
	if err := m.broker.Del(ctx, fmt.Sprintf(keyOwner, runID)); err != nil {
		m.logger.Error(ctx, "mark resumable owner delete failed", "run_id", runID, "error", err)
		return false
	}
	m.mu.Lock()
	delete(m.owned, runID)
	m.mu.Unlock()
	return true
}

const statusResumable = "resumable"

func (m *Manager) heartbeat(ctx context.Context, runID string) {
	now := strconv.FormatInt(time.Now().Unix(), 10)
	if err := m.broker.Set(ctx, fmt.Sprintf(keyHeartbeat, runID), now, m.cfg.HeartbeatTTL); err != nil {
		m.logger.Warn(ctx, "heartbeat failed", "run_id", runID, "error", err)
	}
}

// StartHeartbeats launches the background loop that refreshes every owned
// run's heartbeat every HeartbeatInterval. It is idempotent.
func (m *Manager) StartHeartbeats(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.mu.Unlock()

	go m.heartbeatLoop(loopCtx)
	m.logger.Info(ctx, "heartbeats started", "worker_id", m.workerID)
}

// StopHeartbeats halts the heartbeat loop and waits for it to exit.
func (m *Manager) StopHeartbeats() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	done := m.done
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (m *Manager) heartbeatLoop(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, runID := range m.OwnedRuns() {
				m.heartbeat(ctx, runID)
			}
		}
	}
}

// FindOrphans scans runs:active for entries whose status is running or
// resumable and whose heartbeat is missing or older than OrphanThreshold.
func (m *Manager) FindOrphans(ctx context.Context) []string {
	active, err := m.broker.SMembers(ctx, keyActiveSet)
	if err != nil {
		m.logger.Error(ctx, "find orphans failed", "error", err)
		return nil
	}

	var orphans []string
	for _, runID := range active {
		status, ok, err := m.broker.Get(ctx, fmt.Sprintf(keyStatus, runID))
		if err != nil || !ok {
			continue
		}
		if status != "running" && status != statusResumable {
			continue
		}

		hb, ok, err := m.broker.Get(ctx, fmt.Sprintf(keyHeartbeat, runID))
		if err != nil {
			continue
		}
		if !ok {
			orphans = append(orphans, runID)
			continue
		}
		hbUnix, err := strconv.ParseInt(hb, 10, 64)
		if err != nil {
			orphans = append(orphans, runID)
			continue
		}
		if time.Since(time.Unix(hbUnix, 0)) > m.cfg.OrphanThreshold {
			orphans = append(orphans, runID)
		}
	}
	return orphans
}

// Info is a snapshot of a run's ownership record, as returned by GetInfo.
type Info struct {
	RunID         string
	Owner         string
	Status        string
	Heartbeat     time.Time
	HeartbeatAge  time.Duration
	Start         time.Time
	Duration      time.Duration
	HasHeartbeat  bool
	HasStart      bool
}

// ListActive returns every run ID currently in runs:active, regardless of
// which worker owns it or whether it is stale. Used by the admin surface
// to enumerate candidates for a stuck-run scan.
func (m *Manager) ListActive(ctx context.Context) ([]string, error) {
	return m.broker.SMembers(ctx, keyActiveSet)
}

// GetInfo reads back the full ownership record for a run, for the admin
// surface's get_run_info.
func (m *Manager) GetInfo(ctx context.Context, runID string) (Info, error) {
	owner, _, err := m.broker.Get(ctx, fmt.Sprintf(keyOwner, runID))
	if err != nil {
		return Info{}, err
	}
	status, _, err := m.broker.Get(ctx, fmt.Sprintf(keyStatus, runID))
	if err != nil {
		return Info{}, err
	}
	info := Info{RunID: runID, Owner: owner, Status: status}

	if hb, ok, err := m.broker.Get(ctx, fmt.Sprintf(keyHeartbeat, runID)); err == nil && ok {
		if sec, err := strconv.ParseInt(hb, 10, 64); err == nil {
			info.Heartbeat = time.Unix(sec, 0)
			info.HeartbeatAge = time.Since(info.Heartbeat)
			info.HasHeartbeat = true
		}
	}
	if st, ok, err := m.broker.Get(ctx, fmt.Sprintf(keyStart, runID)); err == nil && ok {
		if sec, err := strconv.ParseInt(st, 10, 64); err == nil {
			info.Start = time.Unix(sec, 0)
			info.Duration = time.Since(info.Start)
			info.HasStart = true
		}
	}
	return info, nil
}

// ShutdownResult tallies the outcome of GracefulShutdown.
type ShutdownResult struct {
	Released int
	Failed   int
}

// FlushFunc flushes one run's WAL to the database; GracefulShutdown calls
// it for each owned run before marking it resumable.
type FlushFunc func(ctx context.Context, runID string) error

// GracefulShutdown stops the heartbeat loop, then for every owned run
// flushes its WAL and marks it resumable so another worker can reclaim it.
func (m *Manager) GracefulShutdown(ctx context.Context, flush FlushFunc) ShutdownResult {
	m.StopHeartbeats()

	result := ShutdownResult{}
	for _, runID := range m.OwnedRuns() {
		if err := flush(ctx, runID); err != nil {
			m.logger.Error(ctx, "shutdown flush failed", "run_id", runID, "error", err)
			result.Failed++
			continue
		}
		if !m.MarkResumable(ctx, runID) {
			result.Failed++
			continue
		}
		result.Released++
	}
	return result
}
