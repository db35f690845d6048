// Package retry holds the backoff policy shared by startup bootstrap and
// consumer persistence.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy bounds how often and how patiently an operation is retried.
type Policy struct {
	MaxAttempts int
	newBackOff  func() backoff.BackOff
}

// Fixed waits the same delay between every attempt.
func Fixed(maxAttempts int, delay time.Duration) Policy {
	return Policy{
		MaxAttempts: maxAttempts,
		newBackOff:  func() backoff.BackOff { return backoff.NewConstantBackOff(delay) },
	}
}

// Exponential doubles the wait from initial up to max, with jitter.
func Exponential(maxAttempts int, initial, max time.Duration) Policy {
	return Policy{
		MaxAttempts: maxAttempts,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = initial
			b.MaxInterval = max
			b.Multiplier = 2
			return b
		},
	}
}

// Attempt is reported after each failed try that will be retried.
type Attempt struct {
	Number int
	Err    error
	Next   time.Duration
}

// Permanent stops retrying and returns err unchanged.
func Permanent(err error) error { return backoff.Permanent(err) }

// Do runs op until it succeeds, returns a permanent error, the attempts run
// out, or ctx is done. The last error is returned.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error, onRetry func(Attempt)) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	newBackOff := p.newBackOff
	if newBackOff == nil {
		newBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	}

	n := 0
	var lastErr error
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		n++
		if err := ctx.Err(); err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		lastErr = op(ctx)
		return struct{}{}, lastErr
	},
		backoff.WithBackOff(newBackOff()),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			if onRetry != nil {
				onRetry(Attempt{Number: n, Err: err, Next: next})
			}
		}),
	)
	if err != nil && ctx.Err() != nil && lastErr != nil && !errors.Is(lastErr, ctx.Err()) {
		return fmt.Errorf("%w (last error: %w)", ctx.Err(), lastErr)
	}
	return err
}
