// File: internal/retry/retry.go
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrExhausted is returned when every attempt of a policy has failed.
// The last attempt's error is joined to it.
var ErrExhausted = errors.New("retry attempts exhausted")

// Policy bounds a retried operation. Backoff is a factory so one Policy value
// can drive many independent loops.
type Policy struct {
	MaxAttempts int
	Backoff     func() backoff.BackOff
}

// Fixed waits the same delay between each of n attempts.
func Fixed(n int, delay time.Duration) Policy {
	return Policy{
		MaxAttempts: n,
		Backoff:     func() backoff.BackOff { return backoff.NewConstantBackOff(delay) },
	}
}

// Jittered waits a uniformly random delay in [min, max] between each of n attempts.
func Jittered(n int, min, max time.Duration) Policy {
	if max < min {
		min, max = max, min
	}
	mid := (min + max) / 2
	factor := 0.0
	if mid > 0 {
		factor = float64(max-min) / 2 / float64(mid)
	}
	return Policy{
		MaxAttempts: n,
		Backoff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(mid),
				backoff.WithMaxInterval(mid),
				backoff.WithMultiplier(1),
				backoff.WithRandomizationFactor(factor),
				backoff.WithMaxElapsedTime(0),
			)
		},
	}
}

// Permanent marks err as not worth retrying. Do returns it immediately.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Notify is called after a failed attempt that will be retried.
type Notify func(attempt int, err error, wait time.Duration)

// Do runs op until it succeeds, returns a permanent error, the attempts run
// out or ctx is done. attempt is 1-based.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context, attempt int) (T, error), notify Notify) (T, error) {
	var zero T
	if p.MaxAttempts < 1 {
		return zero, fmt.Errorf("retry policy needs at least one attempt, got %d", p.MaxAttempts)
	}

	attempt := 0
	permanent := false
	operation := func() (T, error) {
		if err := ctx.Err(); err != nil {
			permanent = true
			return zero, backoff.Permanent(err)
		}
		attempt++
		v, err := op(ctx, attempt)
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			permanent = true
		}
		return v, err
	}

	b := backoff.WithContext(backoff.WithMaxRetries(p.Backoff(), uint64(p.MaxAttempts-1)), ctx)
	v, err := backoff.RetryNotifyWithData(operation, b, func(err error, wait time.Duration) {
		if notify != nil {
			notify(attempt, err, wait)
		}
	})
	if err == nil {
		return v, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && (permanent || errors.Is(err, ctxErr)) {
		return zero, ctxErr
	}
	if permanent {
		return zero, err
	}
	return zero, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempt, err)
}
