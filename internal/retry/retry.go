// Package retry provides the backoff policies the batch flusher and
// execution engine use when retrying a transient failure.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"net"
	"time"
)

// Policy decides whether and how long to wait before retrying an attempt.
type Policy interface {
	// Delay returns how long to wait before the given attempt number
	// (1-indexed).
	Delay(attempt int) time.Duration
	// ShouldRetry reports whether attempt should be retried given err.
	ShouldRetry(attempt int, err error) bool
}

// ExponentialBackoff doubles the delay on each attempt up to MaxDelay, with
// a random jitter fraction added to avoid thundering-herd retries.
type ExponentialBackoff struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	Jitter      float64
	Retryable   func(error) bool
}

// NewExponentialBackoff returns the conventional defaults: 100ms base delay
// doubling up to 30s, three attempts, 10% jitter, retrying only errors
// classified transient by IsTransient.
func NewExponentialBackoff() ExponentialBackoff {
	return ExponentialBackoff{
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		MaxAttempts: 3,
		Jitter:      0.1,
		Retryable:   IsTransient,
	}
}

// Delay implements Policy.
func (e ExponentialBackoff) Delay(attempt int) time.Duration {
	d := float64(e.BaseDelay) * math.Pow(2, float64(attempt))
	if max := float64(e.MaxDelay); d > max {
		d = max
	}
	jitter := d * e.Jitter * rand.Float64()
	return time.Duration(d + jitter)
}

// ShouldRetry implements Policy.
func (e ExponentialBackoff) ShouldRetry(attempt int, err error) bool {
	if attempt >= e.MaxAttempts {
		return false
	}
	if e.Retryable == nil {
		return true
	}
	return e.Retryable(err)
}

// FixedDelay retries at a constant interval.
type FixedDelay struct {
	Delay_      time.Duration
	MaxAttempts int
	Retryable   func(error) bool
}

// Delay implements Policy.
func (f FixedDelay) Delay(int) time.Duration { return f.Delay_ }

// ShouldRetry implements Policy.
func (f FixedDelay) ShouldRetry(attempt int, err error) bool {
	if attempt >= f.MaxAttempts {
		return false
	}
	if f.Retryable == nil {
		return true
	}
	return f.Retryable(err)
}

// IsTransient classifies connection resets, timeouts, and generic network
// errors as retryable. Callers with a richer error taxonomy (see
// internal/errors) should pass their own Retryable function instead.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// OnRetry is invoked before each sleep, so callers can log or record
// metrics about the retry.
type OnRetry func(attempt int, err error)

// Do runs fn, retrying per policy until it succeeds, the policy says stop,
// or ctx is cancelled. The last error is returned if retries are exhausted.
func Do[T any](ctx context.Context, policy Policy, fn func(ctx context.Context) (T, error), onRetry OnRetry) (T, error) {
	var attempt int
	for {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		attempt++
		if !policy.ShouldRetry(attempt, err) {
			return result, err
		}
		if onRetry != nil {
			onRetry(attempt, err)
		}
		delay := policy.Delay(attempt)
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-time.After(delay):
		}
	}
}
