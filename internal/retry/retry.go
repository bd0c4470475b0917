// Package retry provides a bounded-attempt backoff policy shared by the
// incident store client and the action dispatcher.
package retry

import (
	"context"
	"errors"
	"time"
)

// Policy describes how many times an operation is attempted and how long to
// wait between attempts. The zero value runs an operation exactly once.
type Policy struct {
	MaxAttempts int
	Initial     time.Duration
	Max         time.Duration
	Multiplier  float64
}

// Default is used for remediation calls: 3 attempts, 500ms doubling to 10s.
var Default = Policy{MaxAttempts: 3, Initial: 500 * time.Millisecond, Max: 10 * time.Second, Multiplier: 2}

// Attempts returns the effective number of attempts, at least 1.
func (p Policy) Attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Delay returns the wait before attempt n+1, where n is the 1-based number of
// attempts already made.
func (p Policy) Delay(n int) time.Duration {
	if n < 1 || p.Initial <= 0 {
		return 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.Initial)
	for i := 1; i < n; i++ {
		d *= mult
		if p.Max > 0 && d >= float64(p.Max) {
			return p.Max
		}
	}
	if p.Max > 0 && time.Duration(d) > p.Max {
		return p.Max
	}
	return time.Duration(d)
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Do returns the wrapped error
// unchanged after the first permanent failure.
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

// Do calls fn until it succeeds, returns a permanent error, the attempt
// budget is spent, or ctx is done. It returns the number of attempts made
// and the last error, with any Permanent marker removed.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) (int, error) {
	return p.DoIf(ctx, nil, fn)
}

// DoIf is Do with an extra predicate deciding which errors are retryable.
// A nil predicate retries every non-permanent error.
func (p Policy) DoIf(ctx context.Context, retryable func(error) bool, fn func(ctx context.Context, attempt int) error) (int, error) {
	attempts := p.Attempts()
	var err error
	for n := 1; n <= attempts; n++ {
		err = fn(ctx, n)
		if err == nil {
			return n, nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return n, perm.err
		}
		if retryable != nil && !retryable(err) {
			return n, err
		}
		if n == attempts {
			return n, err
		}
		if d := p.Delay(n); d > 0 {
			t := time.NewTimer(d)
			select {
			case <-ctx.Done():
				t.Stop()
				return n, errors.Join(err, ctx.Err())
			case <-t.C:
			}
		} else if ctx.Err() != nil {
			return n, errors.Join(err, ctx.Err())
		}
	}
	return attempts, err
}
