// Package retry runs an operation under a bounded attempt budget.
//
// The same helper drives every retry level of a download: fetching the
// ticket, opening a data stream and re-running a whole ticket entry.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// Backoff returns how long to wait before the given attempt (2 or later).
type Backoff func(attempt int) time.Duration

// Constant waits the same duration between all attempts.
func Constant(d time.Duration) Backoff {
	return func(int) time.Duration {
		return d
	}
}

// Exponential doubles the wait on each attempt, capped at max, with
// 0.5x-1.5x jitter.
func Exponential(base, max time.Duration) Backoff {
	return func(attempt int) time.Duration {
		backoff := base * time.Duration(1<<uint(attempt-2))
		if backoff > max || backoff <= 0 {
			backoff = max
		}
		return time.Duration(float64(backoff) * (0.5 + rand.Float64()))
	}
}

// Policy bounds an operation's attempts.
type Policy struct {
	// Attempts is the total number of tries, including the first.
	// Values below 1 are treated as 1.
	Attempts int

	// Backoff computes the pause before each retry. Nil means no pause.
	Backoff Backoff

	// Notify, if set, is called after each failed attempt that will be
	// retried, with the wait before the next one.
	Notify func(attempt int, err error, wait time.Duration)
}

// ExhaustedError is returned when every attempt failed.
type ExhaustedError struct {
	Attempts int   // Number of attempts made
	Err      error // Error from the last attempt
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Do returns it still marked, so
// an enclosing Do stops as well; errors.Is and errors.As see through it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Do calls op until it succeeds, returns a permanent error, the context is
// done, or the attempt budget is spent. attempt starts at 1.
func Do(ctx context.Context, p Policy, op func(ctx context.Context, attempt int) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			var wait time.Duration
			if p.Backoff != nil {
				wait = p.Backoff(attempt)
			}
			if p.Notify != nil {
				p.Notify(attempt-1, lastErr, wait)
			}
			if err := sleep(ctx, wait); err != nil {
				return err
			}
		}

		err := op(ctx, attempt)
		if err == nil {
			return nil
		}

		if IsPermanent(err) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err
	}

	return &ExhaustedError{Attempts: attempts, Err: lastErr}
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
