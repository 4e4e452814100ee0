package wait

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds one wait
type Policy struct {
	// MaxWait is the ceiling after which the wait fails with *TimeoutError
	MaxWait time.Duration
	// Interval is the pause between evaluations
	Interval time.Duration
	// MaxInterval, when above Interval, lets the pause grow by Multiplier up to it
	MaxInterval time.Duration
	Multiplier  float64
}

// DefaultPolicy polls every 100ms for up to 40s
var DefaultPolicy = Policy{MaxWait: 40 * time.Second, Interval: 100 * time.Millisecond}

// Within returns a copy of p with MaxWait replaced
func (p Policy) Within(maxWait time.Duration) Policy {
	p.MaxWait = maxWait
	return p
}

func (p Policy) backoff() backoff.BackOff {
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultPolicy.Interval
	}
	if p.MaxInterval <= interval {
		return backoff.NewConstantBackOff(interval)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = interval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = p.Multiplier
	if b.Multiplier <= 1 {
		b.Multiplier = 1.5
	}
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Condition reports whether the awaited state has been reached. Errors are
// remembered and retried unless wrapped with Permanent.
type Condition func(ctx context.Context) (bool, error)

// TimeoutError is returned when a wait reaches its ceiling
type TimeoutError struct {
	Name    string
	MaxWait time.Duration
	// LastErr is the error of the final evaluation, if any
	LastErr error
	// LastValue is the value seen by the final evaluation
	LastValue any
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("timed out after %v waiting for %s", e.MaxWait, e.Name)
	if e.LastErr != nil {
		msg += ": " + e.LastErr.Error()
	} else if e.LastValue != nil {
		msg += fmt.Sprintf(" (last value: %v)", e.LastValue)
	}
	return msg
}

func (e *TimeoutError) Unwrap() error {
	return e.LastErr
}

// IsTimeout reports whether err is or wraps a *TimeoutError
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks a condition error that must end the wait immediately
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// For evaluates cond until it returns true, the policy ceiling passes, or ctx is done
func For(ctx context.Context, name string, p Policy, cond Condition) error {
	_, err := Value(ctx, name, p, func(ctx context.Context) (bool, bool, error) {
		ok, err := cond(ctx)
		return ok, ok, err
	})
	return err
}

// Value is For for conditions that produce a value. The last value seen is
// returned even on failure and recorded in the *TimeoutError.
func Value[T any](ctx context.Context, name string, p Policy, fn func(ctx context.Context) (T, bool, error)) (T, error) {
	maxWait := p.MaxWait
	if maxWait <= 0 {
		maxWait = DefaultPolicy.MaxWait
	}
	waitCtx, cancel := context.WithTimeout(ctx, maxWait)
	defer cancel()

	b := p.backoff()
	var (
		last    T
		lastErr error
	)
	for {
		v, ok, err := fn(waitCtx)
		last = v
		if err == nil && ok {
			return v, nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return v, perm.err
		}
		lastErr = err

		timer := time.NewTimer(b.NextBackOff())
		select {
		case <-waitCtx.Done():
			timer.Stop()
			if ctxErr := ctx.Err(); ctxErr != nil {
				return last, fmt.Errorf("waiting for %s: %w", name, ctxErr)
			}
			return last, &TimeoutError{Name: name, MaxWait: maxWait, LastErr: lastErr, LastValue: last}
		case <-timer.C:
		}
	}
}

// Sleep pauses for d or until ctx is done
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
