// Package resiliency provides the bounded, jittered retry used for the
// coordinator's two transient external dependencies: the threshold-KDF
// service and the analysis oracle. IntegrityFailure is never retried —
// callers must not pass it through Do.
package resiliency

import (
	"context"
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"sync"
	"time"
)

// RetryPolicy bounds how many attempts Do will make and how it backs off
// between them.
type RetryPolicy struct {
	MaxAttempts int           // total attempts, including the first
	BaseDelay   time.Duration // doubled each attempt, plus jitter
	MaxDelay    time.Duration
}

// DefaultPolicy returns a sane default: 3 attempts, 100ms base delay.
func DefaultPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: 5 * time.Second}
}

// Retryable is satisfied by errors that should be retried. Callers
// typically wrap coordinatorerr.Kind.Retryable() in a closure.
type Retryable func(err error) bool

// Do calls fn until it succeeds, the policy's attempt budget is
// exhausted, or ctx is done. The last error is returned if the budget is
// exhausted.
func Do(ctx context.Context, policy RetryPolicy, retryable Retryable, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !retryable(err) {
			return err
		}
		if attempt == policy.MaxAttempts-1 {
			break
		}

		delay := backoffDelay(policy, attempt)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("resiliency: retry budget (%d attempts) exhausted: %w", policy.MaxAttempts, lastErr)
}

func backoffDelay(policy RetryPolicy, attempt int) time.Duration {
	base := float64(policy.BaseDelay) * math.Pow(2, float64(attempt))
	d := time.Duration(base)
	if d > policy.MaxDelay {
		d = policy.MaxDelay
	}
	j, err := rand.Int(rand.Reader, big.NewInt(int64(policy.BaseDelay)+1))
	jitter := time.Duration(0)
	if err == nil {
		jitter = time.Duration(j.Int64())
	}
	return d + jitter
}

// CircuitBreaker is a simple three-state breaker (closed/open/half-open)
// guarding a single named external dependency.
type CircuitBreaker struct {
	mu           sync.Mutex
	name         string
	threshold    int
	resetTimeout time.Duration
	failures     int
	lastFailure  time.Time
	state        breakerState
}

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// NewCircuitBreaker opens after threshold consecutive failures and stays
// open for resetTimeout before allowing one half-open probe.
func NewCircuitBreaker(name string, threshold int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{name: name, threshold: threshold, resetTimeout: resetTimeout}
}

// Allow reports whether a call should be attempted right now.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == stateOpen {
		if time.Since(cb.lastFailure) > cb.resetTimeout {
			cb.state = stateHalfOpen
			return true
		}
		return false
	}
	if cb.state == stateHalfOpen {
		// a probe is already in flight; wait for its Success/Failure.
		return false
	}
	return true
}

// Success resets the failure count and closes the breaker.
func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.state = stateClosed
}

// Failure records a failed call, opening the breaker past threshold.
func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures++
	cb.lastFailure = time.Now()
	if cb.failures >= cb.threshold {
		cb.state = stateOpen
	}
}
