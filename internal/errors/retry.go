package errors

import (
	"context"
	"math/rand"
	"time"
)

var (
	contextCanceled = context.Canceled
	contextDeadline = context.DeadlineExceeded
)

// RetryConfig configures exponential-backoff retries.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration

	// MaxDelay caps the delay between retries.
	MaxDelay time.Duration

	// Jitter adds up to 50% randomness to each delay when set.
	Jitter bool
}

// DefaultRetryConfig matches the pipeline defaults: three attempts,
// 1s * 2^k backoff with jitter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     5 * time.Minute,
		Jitter:       true,
	}
}

// Backoff returns the delay before retry attempt k (0-indexed):
// min(MaxDelay, InitialDelay * 2^k), plus jitter when enabled.
// A RetryAfter hint on the error, when larger, takes precedence.
func (cfg RetryConfig) Backoff(k int, err error) time.Duration {
	d := cfg.InitialDelay
	for i := 0; i < k; i++ {
		d *= 2
		if d >= cfg.MaxDelay {
			d = cfg.MaxDelay
			break
		}
	}
	if cfg.Jitter {
		d += time.Duration(rand.Int63n(int64(d)/2 + 1))
	}
	if se, ok := As(err); ok && se.RetryAfter > d {
		d = se.RetryAfter
	}
	if d > cfg.MaxDelay {
		d = cfg.MaxDelay
	}
	return d
}

// Retry runs fn until it succeeds, returns a non-retryable error, or
// attempts are exhausted. Cancellation of ctx wins over any pending sleep.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	_, err := RetryWithResult(ctx, cfg, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// RetryWithResult is Retry for functions that return a value.
// Non-retryable errors (per IsRetryable) are returned immediately.
func RetryWithResult[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var zero T
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, Wrap(KindCancelled, "retry aborted", err)
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !IsRetryable(err) || attempt == cfg.MaxAttempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return zero, Wrap(KindCancelled, "retry aborted", ctx.Err())
		case <-time.After(cfg.Backoff(attempt, err)):
		}
	}
	return zero, lastErr
}
