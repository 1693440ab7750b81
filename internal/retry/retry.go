// Package retry runs custody calls again after transient failures, doubling
// a jittered delay between attempts.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// PermanentError marks a failure that another attempt cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do returns it without retrying.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Policy describes how often and how eagerly to retry.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	// Retryable reports whether err is worth another attempt. Nil means
	// every non-permanent error is retried.
	Retryable func(err error) bool
}

// Do is Policy{MaxAttempts: maxAttempts, BaseDelay: baseDelay}.Do(ctx, fn).
func Do(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	return Policy{MaxAttempts: maxAttempts, BaseDelay: baseDelay}.Do(ctx, fn)
}

func (p Policy) attempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

// delay is the nominal pause before attempt n+1 (n counts from zero).
func (p Policy) delay(n int) time.Duration {
	return p.BaseDelay << n
}

// MaxBackoff is the longest total time Do can spend sleeping between
// attempts, with every jittered pause at its upper bound.
func (p Policy) MaxBackoff() time.Duration {
	var total time.Duration
	for n := 0; n < p.attempts()-1; n++ {
		d := p.delay(n)
		total += d + d/4
	}
	return total
}

// Do calls fn until it succeeds, fails permanently, is rejected by
// Retryable, runs out of attempts or ctx ends. Pauses are jittered by 25%
// either way. Permanent errors are returned unwrapped.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	last := p.attempts() - 1
	for n := 0; ; n++ {
		err := fn()
		if err == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}
		if n == last || (p.Retryable != nil && !p.Retryable(err)) {
			return err
		}

		timer := time.NewTimer(jitter(p.delay(n)))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func jitter(d time.Duration) time.Duration {
	spread := int64(d / 4)
	if spread <= 0 {
		return d
	}
	return d - time.Duration(spread) + time.Duration(rand.Int64N(2*spread+1))
}
