// Package resilience supplements the coordination core with the circuit
// breaker and rate limiter the distilled spec omits but the original
// pipeline relies on to keep a struggling database or model provider from
// taking down every worker at once.
package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// State is a circuit breaker's current posture.
type State string

// The three states a breaker moves through.
const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// OpenError is returned by Call when the circuit is open or the half-open
// trial quota is exhausted.
type OpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit %q is open, retry after %s", e.Name, e.RetryAfter)
}

// CircuitConfig tunes a breaker's trip/recovery thresholds.
type CircuitConfig struct {
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
	HalfOpenMaxCalls int
	// Excluded reports whether an error should bypass the breaker
	// entirely (neither tripping it nor counting against it).
	Excluded func(error) bool
}

// DefaultCircuitConfig mirrors the coordination core's database breaker.
func DefaultCircuitConfig() CircuitConfig {
	return CircuitConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
		HalfOpenMaxCalls: 3,
	}
}

// Stats is a snapshot of a breaker's call counters.
type Stats struct {
	TotalCalls          int
	SuccessfulCalls     int
	FailedCalls         int
	RejectedCalls       int
	ConsecutiveFailures int
	ConsecutiveSuccesses int
	LastFailure         time.Time
	LastSuccess         time.Time
}

// CircuitBreaker trips open after FailureThreshold consecutive failures,
// rejects calls for Timeout, then allows a bounded number of half-open
// probe calls before fully closing again.
type CircuitBreaker struct {
	name   string
	cfg    CircuitConfig

	mu            sync.Mutex
	state         State
	stats         Stats
	openedAt      time.Time
	halfOpenCalls int
}

// NewCircuitBreaker constructs a closed breaker with the given config.
func NewCircuitBreaker(name string, cfg CircuitConfig) *CircuitBreaker {
	return &CircuitBreaker{name: name, cfg: cfg, state: StateClosed}
}

// State returns the breaker's current state.
func (b *CircuitBreaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns a snapshot of the breaker's counters.
func (b *CircuitBreaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// Call executes fn if the breaker permits it, recording the outcome. It
// returns *OpenError without calling fn if the circuit is open.
func (b *CircuitBreaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.before(); err != nil {
		return err
	}

	err := fn(ctx)
	if err != nil && b.cfg.Excluded != nil && b.cfg.Excluded(err) {
		return err
	}
	if err != nil {
		b.onFailure()
		return err
	}
	b.onSuccess()
	return nil
}

func (b *CircuitBreaker) before() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && !b.openedAt.IsZero() && time.Since(b.openedAt) >= b.cfg.Timeout {
		b.transitionLocked(StateHalfOpen)
	}

	switch b.state {
	case StateOpen:
		b.stats.RejectedCalls++
		return &OpenError{Name: b.name, RetryAfter: b.retryAfterLocked()}
	case StateHalfOpen:
		if b.halfOpenCalls >= b.cfg.HalfOpenMaxCalls {
			b.stats.RejectedCalls++
			return &OpenError{Name: b.name, RetryAfter: time.Second}
		}
		b.halfOpenCalls++
	}
	b.stats.TotalCalls++
	return nil
}

func (b *CircuitBreaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stats.SuccessfulCalls++
	b.stats.LastSuccess = time.Now()
	b.stats.ConsecutiveSuccesses++
	b.stats.ConsecutiveFailures = 0

	if b.state == StateHalfOpen && b.stats.ConsecutiveSuccesses >= b.cfg.SuccessThreshold {
		b.transitionLocked(StateClosed)
	}
}

func (b *CircuitBreaker) onFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stats.FailedCalls++
	b.stats.LastFailure = time.Now()
	b.stats.ConsecutiveFailures++
	b.stats.ConsecutiveSuccesses = 0

	switch b.state {
	case StateHalfOpen:
		b.transitionLocked(StateOpen)
	case StateClosed:
		if b.stats.ConsecutiveFailures >= b.cfg.FailureThreshold {
			b.transitionLocked(StateOpen)
		}
	}
}

func (b *CircuitBreaker) transitionLocked(to State) {
	b.state = to
	switch to {
	case StateOpen:
		b.openedAt = time.Now()
	case StateHalfOpen:
		b.halfOpenCalls = 0
	case StateClosed:
		b.openedAt = time.Time{}
		b.stats.ConsecutiveFailures = 0
	}
}

func (b *CircuitBreaker) retryAfterLocked() time.Duration {
	if b.openedAt.IsZero() {
		return b.cfg.Timeout
	}
	remaining := b.cfg.Timeout - time.Since(b.openedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Reset forces the breaker back to closed and clears its counters.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.openedAt = time.Time{}
	b.halfOpenCalls = 0
	b.stats = Stats{}
}

// Registry is a name-keyed collection of breakers shared across a worker
// process, e.g. one per downstream dependency (database, broker, model
// provider).
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewRegistry returns an empty breaker registry.
func NewRegistry() *Registry {
	return &Registry{breakers: make(map[string]*CircuitBreaker)}
}

// GetOrCreate returns the named breaker, creating it with cfg if absent.
func (r *Registry) GetOrCreate(name string, cfg CircuitConfig) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := NewCircuitBreaker(name, cfg)
	r.breakers[name] = b
	return b
}

// Get returns the named breaker, or nil if it does not exist.
func (r *Registry) Get(name string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.breakers[name]
}

// All returns a snapshot of every registered breaker.
func (r *Registry) All() map[string]*CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]*CircuitBreaker, len(r.breakers))
	for k, v := range r.breakers {
		out[k] = v
	}
	return out
}
