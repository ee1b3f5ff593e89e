package resiliency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func alwaysRetryable(error) bool { return true }
func neverRetryable(error) bool  { return false }

func TestDoSucceedsWithoutRetryOnFirstAttempt(t *testing.T) {
	calls := 0
	err := Do(context.Background(), DefaultPolicy(), alwaysRetryable, func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}
	calls := 0
	err := Do(context.Background(), policy, alwaysRetryable, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoStopsImmediatelyOnNonRetryableError(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}
	calls := 0
	sentinel := errors.New("permanent")
	err := Do(context.Background(), policy, neverRetryable, func(context.Context) error {
		calls++
		return sentinel
	})
	assert.Equal(t, sentinel, err)
	assert.Equal(t, 1, calls)
}

func TestDoExhaustsBudgetAndReturnsWrappedLastError(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}
	calls := 0
	err := Do(context.Background(), policy, alwaysRetryable, func(context.Context) error {
		calls++
		return errors.New("still failing")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	policy := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}
	err := Do(ctx, policy, alwaysRetryable, func(context.Context) error {
		t.Fatal("fn should not be called with an already-cancelled context")
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker("oracle", 2, time.Hour)

	assert.True(t, cb.Allow())
	cb.Failure()
	assert.True(t, cb.Allow())
	cb.Failure()
	assert.False(t, cb.Allow(), "breaker should open once failure threshold is reached")
}

func TestCircuitBreakerHalfOpensAfterResetTimeout(t *testing.T) {
	cb := NewCircuitBreaker("oracle", 1, time.Millisecond)
	cb.Failure()
	require.False(t, cb.Allow())

	time.Sleep(5 * time.Millisecond)
	assert.True(t, cb.Allow(), "breaker should allow a half-open probe after reset timeout")
}

func TestCircuitBreakerSuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker("oracle", 2, time.Hour)
	cb.Failure()
	cb.Success()
	cb.Failure()
	assert.True(t, cb.Allow(), "a single failure after Success should not reopen the breaker")
}
