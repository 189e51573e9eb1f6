// Package retry runs fallible calls under a bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// ErrExhausted is returned once every attempt allowed by a Policy has failed.
var ErrExhausted = errors.New("retry attempts exhausted")

// Policy bounds a retry loop. Multiplier below 1 is treated as a fixed delay.
type Policy struct {
	MaxAttempts int
	Initial     time.Duration
	Max         time.Duration
	Multiplier  float64
	Jitter      float64
}

// Fixed polls at a constant interval.
func Fixed(attempts int, interval time.Duration) Policy {
	return Policy{MaxAttempts: attempts, Initial: interval, Max: interval, Multiplier: 1}
}

func (p Policy) attempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

func (p Policy) schedule() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Initial
	b.MaxInterval = p.Max
	if b.MaxInterval < b.InitialInterval {
		b.MaxInterval = b.InitialInterval
	}
	b.Multiplier = p.Multiplier
	if b.Multiplier < 1 {
		b.Multiplier = 1
	}
	b.RandomizationFactor = p.Jitter
	b.Reset()
	return b
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying; Do returns it unwrapped.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do calls fn until it succeeds, returns a Permanent error, the policy runs
// out of attempts or ctx is done. fn receives the 1-based attempt number.
func Do(ctx context.Context, policy Policy, fn func(ctx context.Context, attempt int) error) error {
	schedule := policy.schedule()
	max := policy.attempts()
	var last error
	for attempt := 1; attempt <= max; attempt++ {
		if err := ctx.Err(); err != nil {
			return joinCause(err, last)
		}
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		last = err
		if attempt == max {
			break
		}
		if err := sleep(ctx, schedule.NextBackOff()); err != nil {
			return joinCause(err, last)
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, max, last)
}

// Poll evaluates cond on the policy's schedule until it reports done, fails
// or the attempts run out. It returns ErrExhausted when cond never finished.
func Poll(ctx context.Context, policy Policy, cond func(ctx context.Context, attempt int) (bool, error)) error {
	schedule := policy.schedule()
	max := policy.attempts()
	for attempt := 1; attempt <= max; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		done, err := cond(ctx, attempt)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if attempt == max {
			break
		}
		if err := sleep(ctx, schedule.NextBackOff()); err != nil {
			return err
		}
	}
	return fmt.Errorf("%w after %d attempts", ErrExhausted, max)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func joinCause(ctxErr, last error) error {
	if last == nil {
		return ctxErr
	}
	return fmt.Errorf("%w (last error: %w)", ctxErr, last)
}
