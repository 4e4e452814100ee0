package client

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/cuemby/testenv/pkg/wait"
)

const startedPrefix = "started_"

// JobGate parks user jobs on the filesystem. A wrapped command touches
// started_<job id> in the gate directory before running and then spins
// until that file disappears.
type JobGate struct {
	dir string

	mu      sync.Mutex
	resumed map[string]bool
}

// NewJobGate creates a gate in a fresh directory under parent, or under
// the system temp directory when parent is empty
func NewJobGate(parent string) (*JobGate, error) {
	dir, err := os.MkdirTemp(parent, "jobgate_")
	if err != nil {
		return nil, fmt.Errorf("create job gate: %w", err)
	}
	// jobs may run as another user
	if err := os.Chmod(dir, 0o777); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("create job gate: %w", err)
	}
	return &JobGate{dir: dir, resumed: make(map[string]bool)}, nil
}

// Dir returns the gate directory
func (g *JobGate) Dir() string {
	return g.dir
}

// Wrap returns command with the parking preamble and epilogue around it
func (g *JobGate) Wrap(command string) string {
	marker := shellQuote(g.dir) + "/" + startedPrefix + "$YT_JOB_ID"
	return fmt.Sprintf("(\ntouch %s 2>/dev/null\n%s\nwhile [ -f %s ]; do sleep 0.1; done\n)",
		marker, command, marker)
}

// Started returns the ids of parked jobs that have not been resumed
func (g *JobGate) Started() ([]string, error) {
	entries, err := os.ReadDir(g.dir)
	if err != nil {
		return nil, fmt.Errorf("read job gate: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if id, ok := strings.CutPrefix(e.Name(), startedPrefix); ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// WaitStarted waits until every job in ids has parked
func (g *JobGate) WaitStarted(ctx context.Context, p wait.Policy, ids ...string) error {
	return wait.For(ctx, fmt.Sprintf("%d jobs to reach the gate", len(ids)), p, func(context.Context) (bool, error) {
		for _, id := range ids {
			if _, err := os.Stat(g.marker(id)); err != nil {
				return false, nil
			}
		}
		return true, nil
	})
}

// Resume lets one parked job finish
func (g *JobGate) Resume(jobID string) error {
	g.mu.Lock()
	g.resumed[jobID] = true
	g.mu.Unlock()
	if err := os.Remove(g.marker(jobID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("resume job %s: %w", jobID, err)
	}
	return nil
}

// ResumeAll lets every parked job finish
func (g *JobGate) ResumeAll() error {
	ids, err := g.Started()
	if err != nil {
		return err
	}
	var errs []error
	for _, id := range ids {
		errs = append(errs, g.Resume(id))
	}
	return errors.Join(errs...)
}

// Resumed reports whether Resume was called for jobID
func (g *JobGate) Resumed(jobID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.resumed[jobID]
}

// NotifyCmd returns a shell command that raises the named event
func (g *JobGate) NotifyCmd(event string) string {
	return "touch " + shellQuote(g.event(event))
}

// WaitCmd returns a shell command that blocks until the named event is raised
func (g *JobGate) WaitCmd(event string) string {
	return fmt.Sprintf("while [ ! -f %s ]; do sleep 0.1; done", shellQuote(g.event(event)))
}

// Notify raises the named event
func (g *JobGate) Notify(event string) error {
	f, err := os.Create(g.event(event))
	if err != nil {
		return fmt.Errorf("notify %s: %w", event, err)
	}
	return f.Close()
}

// WaitEvent waits until a job raises the named event
func (g *JobGate) WaitEvent(ctx context.Context, event string, p wait.Policy) error {
	return wait.For(ctx, "event "+event, p, func(context.Context) (bool, error) {
		_, err := os.Stat(g.event(event))
		return err == nil, nil
	})
}

// Close releases every parked job and removes the gate directory
func (g *JobGate) Close() error {
	resumeErr := g.ResumeAll()
	return errors.Join(resumeErr, os.RemoveAll(g.dir))
}

func (g *JobGate) marker(jobID string) string {
	return filepath.Join(g.dir, startedPrefix+jobID)
}

func (g *JobGate) event(name string) string {
	return filepath.Join(g.dir, "event_"+name)
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
