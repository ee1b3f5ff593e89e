package ratelimit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLimiterAllowsUpToBudget(t *testing.T) {
	l := newMemoryLimiter(map[string]int{"oracle": 3})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "oracle")
		require.NoError(t, err)
		assert.True(t, ok, "call %d should be within budget", i+1)
	}

	ok, err := l.Allow(ctx, "oracle")
	require.NoError(t, err)
	assert.False(t, ok, "call beyond the per-minute budget should fail fast")
}

func TestMemoryLimiterUnboundedBudgetAlwaysAllows(t *testing.T) {
	l := newMemoryLimiter(map[string]int{})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		ok, err := l.Allow(ctx, "kdf")
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestMemoryLimiterTracksBudgetsIndependently(t *testing.T) {
	l := newMemoryLimiter(map[string]int{"oracle": 1, "kdf": 1})
	ctx := context.Background()

	ok, err := l.Allow(ctx, "oracle")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.Allow(ctx, "oracle")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = l.Allow(ctx, "kdf")
	require.NoError(t, err)
	assert.True(t, ok, "kdf budget is independent of the exhausted oracle budget")
}

func TestNewLimiterFallsBackToMemoryWithoutRedisURL(t *testing.T) {
	l := NewLimiter("", map[string]int{"oracle": 1})
	_, ok := l.(*memoryLimiter)
	assert.True(t, ok)
}

func TestNewLimiterFallsBackToMemoryOnInvalidRedisURL(t *testing.T) {
	l := NewLimiter("not-a-valid-url", map[string]int{"oracle": 1})
	_, ok := l.(*memoryLimiter)
	assert.True(t, ok)
}
