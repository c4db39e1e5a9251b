package engine

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// DefaultTimeout is the default per-resource operation timeout.
const DefaultTimeout = 30 * time.Minute

// DefaultRetryMax is the default maximum number of retries for transient errors.
const DefaultRetryMax = 3

// RetryPolicy defines retry behavior for transient cloud API errors.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryPolicy returns a sensible default retry policy.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxRetries: DefaultRetryMax,
		BaseDelay:  1 * time.Second,
		MaxDelay:   30 * time.Second,
	}
}

// WithTimeout wraps a context with a per-resource timeout.
func WithTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

// RetryWithBackoff executes fn with exponential backoff and jitter, retrying
// only while shouldRetry accepts the error. It returns the number of
// attempts made. Cancelling ctx stops further attempts but never interrupts
// one in progress.
func RetryWithBackoff(ctx context.Context, policy *RetryPolicy, fn func() error, shouldRetry func(error) bool) (int, error) {
	if policy == nil {
		policy = DefaultRetryPolicy()
	}

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		attempts++
		lastErr = fn()
		if lastErr == nil {
			return attempts, nil
		}

		if !shouldRetry(lastErr) {
			return attempts, lastErr
		}

		if attempt < policy.MaxRetries {
			delay := calculateBackoff(attempt, policy.BaseDelay, policy.MaxDelay)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return attempts, fmt.Errorf("retry cancelled after %d attempt(s): %w (last error: %v)", attempts, ctx.Err(), lastErr)
			case <-timer.C:
			}
		}
	}

	return attempts, fmt.Errorf("max retries (%d) exceeded: %w", policy.MaxRetries, lastErr)
}

// calculateBackoff returns exponential backoff with full jitter.
func calculateBackoff(attempt int, base, max time.Duration) time.Duration {
	backoff := float64(base) * math.Pow(2, float64(attempt))
	if backoff > float64(max) {
		backoff = float64(max)
	}
	if backoff <= 0 {
		return 0
	}
	return time.Duration(rand.Float64() * backoff)
}
