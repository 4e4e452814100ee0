package health

import (
	"context"
	"errors"
	"time"
)

// CheckType identifies how a checker probes its target
type CheckType string

const (
	CheckTypeHTTP CheckType = "http"
	CheckTypeTCP  CheckType = "tcp"
	CheckTypeFunc CheckType = "func"
)

// Result is the outcome of one check
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Err returns nil for a healthy result and the message as an error otherwise
func (r Result) Err() error {
	if r.Healthy {
		return nil
	}
	if r.Message == "" {
		return errors.New("unhealthy")
	}
	return errors.New(r.Message)
}

// Checker is a single readiness or liveness probe
type Checker interface {
	Check(ctx context.Context) Result
	Type() CheckType
}

func finish(start time.Time, healthy bool, message string) Result {
	return Result{
		Healthy:   healthy,
		Message:   message,
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}
