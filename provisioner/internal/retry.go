package internal

import (
	"context"
	"time"
)

// RetryBackoff is the delay before the second attempt, doubled on each retry.
var RetryBackoff = 100 * time.Millisecond

// Retry calls fn up to maxAttempts times with exponential backoff
// (100ms, 200ms, 400ms, 800ms, ...). Returns the last error if all attempts fail.
func Retry(maxAttempts int, fn func() error) error {
	return RetryWithContext(context.Background(), maxAttempts, fn)
}

// RetryWithContext is like Retry but respects context cancellation.
// Returns ctx.Err() if the context is cancelled before all attempts are exhausted.
func RetryWithContext(ctx context.Context, maxAttempts int, fn func() error) error {
	_, err := RetryResultWithContext(ctx, maxAttempts, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// RetryResultWithContext is like RetryWithContext but for functions that return a value.
func RetryResultWithContext[T any](ctx context.Context, maxAttempts int, fn func() (T, error)) (T, error) {
	var result T
	var err error
	for i := range maxAttempts {
		if result, err = fn(); err == nil {
			return result, nil
		}
		if i < maxAttempts-1 {
			select {
			case <-time.After(RetryBackoff << i):
			case <-ctx.Done():
				return result, ctx.Err()
			}
		}
	}
	return result, err
}
