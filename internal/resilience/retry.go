package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy bounds a retried operation.
type RetryPolicy struct {
	MaxAttempts int           // total attempts including the first
	BaseDelay   time.Duration // delay before the second attempt
	MaxDelay    time.Duration // cap on a single delay
	MaxElapsed  time.Duration // overall budget; 0 means unbounded
	Jitter      float64       // randomization factor in [0,1)
}

// RetryNotify is called before each wait with the attempt that just failed.
type RetryNotify func(attempt int, err error, wait time.Duration)

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Retry runs op until it succeeds, returns a permanent error, the attempts or
// elapsed budget run out, or ctx is done. Delays double from BaseDelay.
// The last operation error is returned on exhaustion.
func Retry[T any](ctx context.Context, p RetryPolicy, op func(ctx context.Context) (T, error), notify RetryNotify) (T, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.BaseDelay
	eb.Multiplier = 2
	eb.RandomizationFactor = p.Jitter
	if p.MaxDelay > 0 {
		eb.MaxInterval = p.MaxDelay
	}

	attempt := 0
	opts := []backoff.RetryOption{
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(uint(max(p.MaxAttempts, 1))), //nolint:gosec // bounded by config validation
		backoff.WithNotify(func(err error, wait time.Duration) {
			if notify != nil {
				notify(attempt, err, wait)
			}
		}),
	}

	if p.MaxElapsed > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(p.MaxElapsed))
	}

	return backoff.Retry(ctx, func() (T, error) {
		attempt++
		return op(ctx)
	}, opts...)
}
