package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWithTimeout(t *testing.T) {
	ctx := context.Background()

	// Default timeout
	ctx2, cancel := WithTimeout(ctx, 0)
	defer cancel()
	deadline, ok := ctx2.Deadline()
	assert.True(t, ok)
	assert.True(t, deadline.After(time.Now().Add(DefaultTimeout-time.Minute)))

	// Custom timeout
	ctx3, cancel2 := WithTimeout(ctx, 5*time.Second)
	defer cancel2()
	deadline2, ok := ctx3.Deadline()
	assert.True(t, ok)
	assert.True(t, deadline2.Before(time.Now().Add(10*time.Second)))
}

func fastPolicy(retries int) *RetryPolicy {
	return &RetryPolicy{
		MaxRetries: retries,
		BaseDelay:  1 * time.Millisecond,
		MaxDelay:   10 * time.Millisecond,
	}
}

func TestRetryWithBackoff_Success(t *testing.T) {
	calls := 0
	attempts, err := RetryWithBackoff(context.Background(), fastPolicy(3), func() error {
		calls++
		if calls < 3 {
			return fmt.Errorf("throttled")
		}
		return nil
	}, func(err error) bool {
		return true
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, attempts)
}

func TestRetryWithBackoff_NonRetryable(t *testing.T) {
	calls := 0
	attempts, err := RetryWithBackoff(context.Background(), fastPolicy(5), func() error {
		calls++
		return fmt.Errorf("permanent error")
	}, func(err error) bool {
		return false
	})

	assert.EqualError(t, err, "permanent error")
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, attempts)
}

func TestRetryWithBackoff_MaxRetries(t *testing.T) {
	calls := 0
	attempts, err := RetryWithBackoff(context.Background(), fastPolicy(2), func() error {
		calls++
		return fmt.Errorf("always fails")
	}, func(err error) bool {
		return true
	})

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "max retries")
	assert.Equal(t, 3, calls) // 1 initial + 2 retries
	assert.Equal(t, 3, attempts)
}

func TestRetryWithBackoff_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	attempts, err := RetryWithBackoff(ctx, &RetryPolicy{
		MaxRetries: 5,
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   1 * time.Second,
	}, func() error {
		calls++
		return fmt.Errorf("would retry")
	}, func(err error) bool {
		return true
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Contains(t, err.Error(), "would retry")
	// The attempt in progress is never interrupted, only the next one.
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, attempts)
}

func TestCalculateBackoff_Capped(t *testing.T) {
	for attempt := 0; attempt < 10; attempt++ {
		d := calculateBackoff(attempt, time.Second, 30*time.Second)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, 30*time.Second)
	}
	assert.Equal(t, time.Duration(0), calculateBackoff(0, 0, time.Second))
}
