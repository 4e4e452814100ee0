package health

import (
	"context"
	"fmt"
	"time"
)

// FuncChecker adapts a function to Checker. A nil error is healthy.
type FuncChecker struct {
	Name string
	Fn   func(ctx context.Context) error
	// Timeout bounds one call; zero leaves the caller's deadline alone
	Timeout time.Duration
}

// NewFuncChecker creates a checker named name around fn
func NewFuncChecker(name string, fn func(ctx context.Context) error) *FuncChecker {
	return &FuncChecker{Name: name, Fn: fn}
}

// Check runs the function
func (f *FuncChecker) Check(ctx context.Context) Result {
	start := time.Now()
	if f.Fn == nil {
		return finish(start, false, fmt.Sprintf("%s: no check function", f.Name))
	}
	if f.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}
	if err := f.Fn(ctx); err != nil {
		return finish(start, false, fmt.Sprintf("%s: %v", f.Name, err))
	}
	return finish(start, true, f.Name+" ok")
}

// Type returns CheckTypeFunc
func (f *FuncChecker) Type() CheckType {
	return CheckTypeFunc
}

// WithTimeout sets the per-call timeout
func (f *FuncChecker) WithTimeout(timeout time.Duration) *FuncChecker {
	f.Timeout = timeout
	return f
}

// All combines checkers; it is healthy only when every checker is, and stops at the first failure
func All(name string, checkers ...Checker) Checker {
	return NewFuncChecker(name, func(ctx context.Context) error {
		for _, c := range checkers {
			if err := c.Check(ctx).Err(); err != nil {
				return err
			}
		}
		return nil
	})
}
