// Package retry runs an operation a bounded number of times with an optional
// wait between attempts.
package retry

import (
	"context"
	"time"
)

// Policy configures Do.
//
// Backoff returns the wait before the given attempt (attempt >= 2). A nil
// Backoff never waits. Retryable decides whether a failed attempt may be
// followed by another; nil treats every error as retryable.
type Policy struct {
	MaxAttempts int
	Backoff     func(attempt int) time.Duration
	Retryable   func(err error) bool

	// OnAttempt is called before the wait that precedes each attempt.
	OnAttempt func(attempt, max int)

	// Sleep is the waiting primitive. Defaults to a timer honoring ctx.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Outcome reports how Do finished. Err is the last error seen, or nil on success.
type Outcome[T any] struct {
	Value    T
	Err      error
	Attempts int

	// Stopped is set when a non-retryable error ended the loop early.
	Stopped bool
}

// Linear waits (attempt-1)*step before each retry: step before attempt 2, 2*step before attempt 3.
func Linear(step time.Duration) func(attempt int) time.Duration {
	return func(attempt int) time.Duration {
		if attempt <= 1 {
			return 0
		}
		return time.Duration(attempt-1) * step
	}
}

// Do runs op until it succeeds, returns a non-retryable error, or MaxAttempts is reached.
// A cancelled ctx only interrupts the wait between attempts.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context, attempt int) (T, error)) Outcome[T] {
	max := p.MaxAttempts
	if max <= 0 {
		max = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = SleepContext
	}

	var out Outcome[T]
	for attempt := 1; attempt <= max; attempt++ {
		if p.OnAttempt != nil {
			p.OnAttempt(attempt, max)
		}
		if attempt > 1 && p.Backoff != nil {
			if d := p.Backoff(attempt); d > 0 {
				if err := sleep(ctx, d); err != nil {
					return out
				}
			}
		}

		out.Attempts = attempt
		v, err := op(ctx, attempt)
		if err == nil {
			out.Value = v
			out.Err = nil
			return out
		}
		out.Err = err

		if p.Retryable != nil && !p.Retryable(err) {
			out.Stopped = true
			return out
		}
	}
	return out
}

// SleepContext waits for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
