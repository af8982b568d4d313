// Package lifecycle orders a worker's startup and shutdown: installing
// signal handlers, starting the background loops the rest of the module
// depends on, running an orphan-recovery pass, and on shutdown draining
// in-flight runs within a fixed time budget.
package lifecycle

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"goa.design/agentcore/internal/batch"
	"goa.design/agentcore/internal/config"
	"goa.design/agentcore/internal/ownership"
	"goa.design/agentcore/internal/recovery"
	"goa.design/agentcore/internal/telemetry"
)

// Hook runs during startup or shutdown; a failing hook is logged and does
// not abort the remaining sequence.
type Hook func(ctx context.Context) error

// Result reports which steps an Initialize or Shutdown call completed.
type Result struct {
	Status    string
	Steps     []string
	Error     string
	Orphans   recovery.Result
	Ownership ownership.ShutdownResult
}

// Manager orders startup and shutdown across the flusher loop, the
// ownership heartbeat, and the recovery sweeper, and exposes the health
// state an admin surface reports.
type Manager struct {
	Ownership *ownership.Manager
	Flusher   *batch.Loop
	Recovery  *recovery.Sweeper
	Flush     ownership.FlushFunc

	ShutdownBudget time.Duration
	Logger         telemetry.Logger

	startupHooks  []Hook
	shutdownHooks []Hook

	mu              sync.Mutex
	initialized     bool
	shuttingDown    bool
	shutdownStarted bool
	shutdownEvent   chan struct{}
}

// New returns a Manager wired to the given components, with the shutdown
// budget taken from cfg (25s by default).
func New(own *ownership.Manager, flusher *batch.Loop, sweeper *recovery.Sweeper, flush ownership.FlushFunc, cfg *config.Config) *Manager {
	budget := 25 * time.Second
	if cfg != nil && cfg.ShutdownBudget > 0 {
		budget = cfg.ShutdownBudget
	}
	return &Manager{
		Ownership:      own,
		Flusher:        flusher,
		Recovery:       sweeper,
		Flush:          flush,
		ShutdownBudget: budget,
		Logger:         telemetry.NewNoopLogger(),
		shutdownEvent:  make(chan struct{}),
	}
}

// OnStartup registers a hook run once, last, during Initialize.
func (m *Manager) OnStartup(h Hook) { m.startupHooks = append(m.startupHooks, h) }

// OnShutdown registers a hook run once, last, during Shutdown.
func (m *Manager) OnShutdown(h Hook) { m.shutdownHooks = append(m.shutdownHooks, h) }

// IsInitialized reports whether Initialize has completed successfully.
func (m *Manager) IsInitialized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initialized
}

// IsShuttingDown reports whether Shutdown has been called.
func (m *Manager) IsShuttingDown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shuttingDown
}

// IsHealthy reports whether the worker has finished initializing and
// isn't shutting down.
func (m *Manager) IsHealthy() bool {
	return m.IsInitialized() && !m.IsShuttingDown()
}

// ListenForSignals installs SIGINT/SIGTERM handlers that mark the worker
// as shutting down and signal WaitForShutdown to return. Call once during
// Initialize's "signals" step.
func (m *Manager) ListenForSignals() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-ch
		m.Logger.Info(context.Background(), "lifecycle received signal", "signal", sig.String())
		m.signalShutdown()
	}()
}

// WaitForShutdown blocks until a signal handler or an explicit call to
// RequestShutdown fires.
func (m *Manager) WaitForShutdown(ctx context.Context) {
	select {
	case <-m.shutdownEvent:
	case <-ctx.Done():
	}
}

// RequestShutdown programmatically triggers the same signal WaitForShutdown
// blocks on, for callers (tests, admin actions) that aren't a real OS
// signal.
func (m *Manager) RequestShutdown() {
	m.signalShutdown()
}

func (m *Manager) signalShutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shuttingDown {
		return
	}
	m.shuttingDown = true
	close(m.shutdownEvent)
}

// Initialize runs the ordered startup sequence: signals, flusher,
// heartbeats, recovery, a one-time orphan-recovery pass, then every
// registered startup hook.
func (m *Manager) Initialize(ctx context.Context) Result {
	m.mu.Lock()
	if m.initialized {
		m.mu.Unlock()
		return Result{Status: "already_initialized"}
	}
	m.mu.Unlock()

	res := Result{Status: "initializing"}

	m.ListenForSignals()
	res.Steps = append(res.Steps, "signals")

	if m.Flusher != nil {
		m.Flusher.Start(ctx)
	}
	res.Steps = append(res.Steps, "flusher")

	if m.Ownership != nil {
		m.Ownership.StartHeartbeats(ctx)
	}
	res.Steps = append(res.Steps, "heartbeats")

	if m.Recovery != nil {
		m.Recovery.Start(ctx)
	}
	res.Steps = append(res.Steps, "recovery")

	if m.Recovery != nil {
		res.Orphans = m.Recovery.RecoverOnStartup(ctx)
	}
	res.Steps = append(res.Steps, "orphan_recovery")

	for _, hook := range m.startupHooks {
		if err := hook(ctx); err != nil {
			m.Logger.Error(ctx, "lifecycle startup hook failed", "error", err)
		}
	}
	res.Steps = append(res.Steps, "hooks")

	m.mu.Lock()
	m.initialized = true
	m.mu.Unlock()

	res.Status = "initialized"
	return res
}

// Shutdown runs the ordered shutdown sequence within ShutdownBudget:
// recovery stop, ownership graceful-shutdown (flush each owned run, mark
// it resumable), flusher stop, then every registered shutdown hook.
// Shutdown is idempotent; a second call returns immediately.
func (m *Manager) Shutdown(ctx context.Context) Result {
	m.mu.Lock()
	if m.shutdownStarted {
		m.mu.Unlock()
		return Result{Status: "already_shutting_down"}
	}
	m.shutdownStarted = true
	m.shuttingDown = true
	m.mu.Unlock()

	budgetCtx, cancel := context.WithTimeout(ctx, m.ShutdownBudget)
	defer cancel()

	done := make(chan Result, 1)
	go func() { done <- m.doShutdown(budgetCtx) }()

	select {
	case res := <-done:
		return res
	case <-budgetCtx.Done():
		return Result{
			Status: "shutdown_timeout",
			Error:  fmt.Sprintf("timed out after %s", m.ShutdownBudget),
		}
	}
}

func (m *Manager) doShutdown(ctx context.Context) Result {
	var res Result

	if m.Recovery != nil {
		m.Recovery.Stop()
	}
	res.Steps = append(res.Steps, "recovery")

	if m.Ownership != nil && m.Flush != nil {
		res.Ownership = m.Ownership.GracefulShutdown(ctx, m.Flush)
	}
	res.Steps = append(res.Steps, "ownership")

	if m.Flusher != nil {
		m.Flusher.FlushAllOwned(ctx)
		m.Flusher.Stop()
	}
	res.Steps = append(res.Steps, "flusher")

	for _, hook := range m.shutdownHooks {
		if err := hook(ctx); err != nil {
			m.Logger.Error(ctx, "lifecycle shutdown hook failed", "error", err)
		}
	}
	res.Steps = append(res.Steps, "hooks")

	res.Status = "shutdown_complete"
	return res
}
