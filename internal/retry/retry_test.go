package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/agentcore/internal/retry"
)

func TestDo_SucceedsWithoutRetry(t *testing.T) {
	t.Parallel()

	policy := retry.FixedDelay{Delay_: time.Millisecond, MaxAttempts: 3}
	calls := 0
	result, err := retry.Do(context.Background(), policy, func(context.Context) (int, error) {
		calls++
		return 42, nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, 42, result)
	assert.Equal(t, 1, calls)
}

func TestDo_RetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	policy := retry.FixedDelay{Delay_: time.Millisecond, MaxAttempts: 5, Retryable: func(error) bool { return true }}
	calls := 0
	var retries []int
	result, err := retry.Do(context.Background(), policy, func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("transient")
		}
		return "ok", nil
	}, func(attempt int, _ error) {
		retries = append(retries, attempt)
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retries)
}

func TestDo_StopsAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	policy := retry.FixedDelay{Delay_: time.Millisecond, MaxAttempts: 2, Retryable: func(error) bool { return true }}
	calls := 0
	_, err := retry.Do(context.Background(), policy, func(context.Context) (int, error) {
		calls++
		return 0, errors.New("always fails")
	}, nil)

	require.Error(t, err)
	assert.Equal(t, 2, calls) // initial attempt + 1 retry
}

func TestExponentialBackoff_DelayGrowsAndCaps(t *testing.T) {
	t.Parallel()

	b := retry.ExponentialBackoff{BaseDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond, Jitter: 0}
	assert.InDelta(t, 20*time.Millisecond, b.Delay(1), float64(time.Millisecond))
	assert.InDelta(t, 40*time.Millisecond, b.Delay(2), float64(time.Millisecond))
	assert.LessOrEqual(t, b.Delay(10), 50*time.Millisecond)
}
