package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy bounds and paces retries. Waits grow exponentially from
// InitialInterval up to MaxInterval with ±50% jitter.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func (p RetryPolicy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	b.RandomizationFactor = 0.5
	b.Multiplier = 2
	return b
}

// Retry calls op until it succeeds, returns an error retryable rejects, the
// attempt bound is hit or ctx is done. op receives the 1-based attempt
// number. onRetry, if set, runs before each wait. Retry returns op's last
// result and error along with the number of attempts made.
func Retry[T any](
	ctx context.Context,
	p RetryPolicy,
	op func(ctx context.Context, attempt int) (T, error),
	retryable func(error) bool,
	onRetry func(err error, attempt int, wait time.Duration),
) (T, int, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	attempt := 0
	operation := func() (T, error) {
		attempt++
		res, err := op(ctx, attempt)
		if err != nil && !retryable(err) {
			return res, backoff.Permanent(err)
		}
		return res, err
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(uint(maxAttempts)),
		backoff.WithMaxElapsedTime(0),
	}
	if onRetry != nil {
		opts = append(opts, backoff.WithNotify(func(err error, wait time.Duration) {
			onRetry(err, attempt, wait)
		}))
	}

	res, err := backoff.Retry(ctx, operation, opts...)
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Err
	}
	return res, attempt, err
}
