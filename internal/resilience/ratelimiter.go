package resilience

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter guards a call path with a token-bucket budget, used in front
// of LLM completions and MCP tool fetches so a burst of runs can't
// saturate the provider.
type RateLimiter struct {
	limiter *rate.Limiter

	mu             sync.Mutex
	totalAcquired  int
	totalRejected  int
}

// NewRateLimiter builds a token bucket refilling at ratePerSecond up to
// capacity tokens.
func NewRateLimiter(ratePerSecond float64, capacity int) *RateLimiter {
	return &RateLimiter{limiter: rate.NewLimiter(rate.Limit(ratePerSecond), capacity)}
}

// Acquire blocks until tokens tokens are available or ctx is cancelled.
func (r *RateLimiter) Acquire(ctx context.Context, tokens int) error {
	if err := r.limiter.WaitN(ctx, tokens); err != nil {
		r.mu.Lock()
		r.totalRejected += tokens
		r.mu.Unlock()
		return err
	}
	r.mu.Lock()
	r.totalAcquired += tokens
	r.mu.Unlock()
	return nil
}

// TryAcquire takes tokens tokens without blocking, returning false if the
// bucket doesn't currently hold enough.
func (r *RateLimiter) TryAcquire(tokens int) bool {
	ok := r.limiter.AllowN(time.Now(), tokens)
	r.mu.Lock()
	if ok {
		r.totalAcquired += tokens
	} else {
		r.totalRejected += tokens
	}
	r.mu.Unlock()
	return ok
}

// RateLimiterStats is a snapshot of a limiter's lifetime counters.
type RateLimiterStats struct {
	RatePerSecond float64
	Capacity      int
	TotalAcquired int
	TotalRejected int
}

// Stats returns a snapshot of the limiter's lifetime counters.
func (r *RateLimiter) Stats() RateLimiterStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RateLimiterStats{
		RatePerSecond: float64(r.limiter.Limit()),
		Capacity:      r.limiter.Burst(),
		TotalAcquired: r.totalAcquired,
		TotalRejected: r.totalRejected,
	}
}

// RateLimiterRegistry is a name-keyed collection of rate limiters, e.g. one
// per model provider.
type RateLimiterRegistry struct {
	mu       sync.Mutex
	limiters map[string]*RateLimiter
}

// NewRateLimiterRegistry returns an empty registry.
func NewRateLimiterRegistry() *RateLimiterRegistry {
	return &RateLimiterRegistry{limiters: make(map[string]*RateLimiter)}
}

// GetOrCreate returns the named limiter, creating it if absent.
func (r *RateLimiterRegistry) GetOrCreate(name string, ratePerSecond float64, capacity int) *RateLimiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.limiters[name]; ok {
		return l
	}
	l := NewRateLimiter(ratePerSecond, capacity)
	r.limiters[name] = l
	return l
}

// Get returns the named limiter, or nil if it does not exist.
func (r *RateLimiterRegistry) Get(name string) *RateLimiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.limiters[name]
}
