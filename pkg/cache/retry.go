package cache

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
)

// Retry policy for the cache operations, the fire-and-forget writer
// included; WaitForBlock's subscription does not go through it. Formula and bounds are fixed by the external contract, not
// operator-tunable, so they live as package constants rather than a
// RetryConfig struct.
const (
	maxAttempts       = 7
	initialRetryDelay = 100 * time.Millisecond
	perAttemptTimeout = 5 * time.Second
)

// withRetry runs fn up to maxAttempts times, doubling the delay between
// attempts starting at initialRetryDelay (100, 200, 400, ...ms), bounding
// each attempt with perAttemptTimeout. It surfaces the last error if every
// attempt fails, and stops early if ctx is canceled.
func withRetry[T any](ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	var (
		zero    T
		lastErr error
		delay   = initialRetryDelay
	)

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(delay):
			}

			delay *= 2
		}

		attemptCtx, cancel := context.WithTimeout(ctx, perAttemptTimeout)
		v, err := fn(attemptCtx)
		cancel()

		if err == nil {
			return v, nil
		}

		lastErr = err

		if !isRetryable(err) {
			return zero, err
		}
	}

	return zero, lastErr
}

// isRetryable classifies connection and timeout errors as retryable;
// redis.Nil (key absent) and anything else is treated as final.
func isRetryable(err error) bool {
	if errors.Is(err, redis.Nil) {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return false
}
