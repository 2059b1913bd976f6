package provider

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

const (
	// DefaultMaxAttempts is the number of tries before Retry gives up.
	DefaultMaxAttempts = 3

	baseDelay = 500 * time.Millisecond
	maxDelay  = 5 * time.Second
)

// Retry executes fn up to maxAttempts times with exponential backoff and
// jitter, as long as retryable reports the error as transient. A nil
// retryable retries every error. Permanent errors are returned unwrapped.
func Retry(ctx context.Context, maxAttempts int, retryable func(error) bool, fn func(context.Context) error) error {
	var lastErr error
	for attempt := range maxAttempts {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry cancelled: %w", err)
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if retryable != nil && !retryable(lastErr) {
			return lastErr
		}

		if attempt < maxAttempts-1 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("retry cancelled: %w", ctx.Err())
			case <-time.After(backoffDelay(attempt)):
			}
		}
	}
	return fmt.Errorf("all %d attempts failed: %w", maxAttempts, lastErr)
}

// backoffDelay grows exponentially per attempt with 50-100 % jitter.
func backoffDelay(attempt int) time.Duration {
	delay := baseDelay * (1 << attempt)
	if delay > maxDelay {
		delay = maxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(delay) / 2)) //nolint:gosec // jitter does not need crypto/rand
	return delay/2 + jitter
}
