// Package ratelimit implements the oracle-call and KDF-call budgets of
// spec §5 "Backpressure": when a budget is exhausted, callers fail fast
// rather than queue. Budgets are Redis-backed so the limit is shared
// across coordinator replicas; with no REDIS_URL configured, each
// process falls back to an in-process golang.org/x/time/rate limiter,
// which is still correct for a single-replica deployment.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Limiter grants or denies a call against a named budget.
type Limiter interface {
	// Allow reports whether a call against budget may proceed right now.
	// It does not block: callers must fail fast on false, per spec §5.
	Allow(ctx context.Context, budget string) (bool, error)
}

// NewLimiter returns a Redis-backed limiter when redisURL is non-empty,
// otherwise an in-memory limiter keyed by budget name.
func NewLimiter(redisURL string, perMinute map[string]int) Limiter {
	if redisURL == "" {
		return newMemoryLimiter(perMinute)
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return newMemoryLimiter(perMinute)
	}
	return &redisLimiter{
		client:    redis.NewClient(opts),
		perMinute: perMinute,
	}
}

// redisLimiter implements a fixed-window counter per budget per minute,
// using INCR + EXPIRE so concurrent coordinator replicas share one
// budget.
type redisLimiter struct {
	client    *redis.Client
	perMinute map[string]int
}

func (l *redisLimiter) Allow(ctx context.Context, budget string) (bool, error) {
	limit, ok := l.perMinute[budget]
	if !ok || limit <= 0 {
		return true, nil
	}

	window := time.Now().UTC().Truncate(time.Minute).Unix()
	key := fmt.Sprintf("ratelimit:%s:%d", budget, window)

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("ratelimit: redis incr: %w", err)
	}
	if count == 1 {
		l.client.Expire(ctx, key, 2*time.Minute)
	}
	return count <= int64(limit), nil
}

type memoryLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	perMin   map[string]int
}

func newMemoryLimiter(perMinute map[string]int) *memoryLimiter {
	return &memoryLimiter{limiters: make(map[string]*rate.Limiter), perMin: perMinute}
}

func (l *memoryLimiter) Allow(_ context.Context, budget string) (bool, error) {
	limit, ok := l.perMin[budget]
	if !ok || limit <= 0 {
		return true, nil
	}

	l.mu.Lock()
	lim, ok := l.limiters[budget]
	if !ok {
		// Burst equals the per-minute limit so a fresh minute's budget is
		// immediately available rather than trickling in.
		lim = rate.NewLimiter(rate.Limit(float64(limit)/60.0), limit)
		l.limiters[budget] = lim
	}
	l.mu.Unlock()

	return lim.Allow(), nil
}
