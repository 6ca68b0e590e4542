// Package retry wraps exponential backoff in an explicit, shareable policy.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/italolelis/depmap_downloader/internal/logctx"
)

// Policy bounds how an operation is retried. Attempt n (1-based) waits
// BaseDelay * Multiplier^(n-1) before the next try, capped at MaxDelay.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
}

// Default matches the portal's tolerance: 3 attempts, doubling from one second.
func Default() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		Multiplier:  2,
		MaxDelay:    30 * time.Second,
	}
}

func (p Policy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.Multiplier = p.Multiplier
	b.MaxInterval = p.MaxDelay
	b.RandomizationFactor = 0

	if b.Multiplier < 1 {
		b.Multiplier = 1
	}

	if b.MaxInterval < b.InitialInterval {
		b.MaxInterval = b.InitialInterval
	}

	return b
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}

	return backoff.Permanent(err)
}

// Do runs fn until it succeeds, returns a permanent error, exhausts the
// policy or ctx is done. It reports how many attempts were made.
func Do[T any](ctx context.Context, p Policy, op string, fn func(ctx context.Context, attempt int) (T, error)) (T, int, error) {
	logger := logctx.LoggerFromContext(ctx)

	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	attempts := 0

	result, err := backoff.Retry(ctx,
		func() (T, error) {
			attempts++

			return fn(ctx, attempts)
		},
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(uint(maxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.WarnContext(ctx, "operation failed, retrying",
				"operation", op, "attempt", attempts, "max_attempts", maxAttempts, "retry_in", next.String(), "err", err)
		}),
	)

	return result, attempts, err
}
