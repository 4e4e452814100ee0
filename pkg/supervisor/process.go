package supervisor

import (
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/cuemby/testenv/pkg/types"
)

// Process is one supervised server process
type Process struct {
	// Name is the instance name, e.g. master-0-1 or node-3
	Name string
	// Service groups processes killed together, e.g. master_secondary_0
	Service    string
	Role       types.Role
	Index      int
	Argv       []string
	StderrPath string
	Pid        int
	StartedAt  time.Time

	cmd    *exec.Cmd
	cgroup *cgroup
	done   chan struct{}

	mu       sync.Mutex
	exitCode int
	signal   syscall.Signal
	killed   bool
}

func (p *Process) wait(onExit func(*Process)) {
	_ = p.cmd.Wait()

	p.mu.Lock()
	p.exitCode = -1
	if state := p.cmd.ProcessState; state != nil {
		p.exitCode = state.ExitCode()
		if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			p.signal = ws.Signal()
		}
	}
	p.mu.Unlock()

	close(p.done)
	if onExit != nil {
		onExit(p)
	}
}

// Done is closed once the process has been reaped
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Exited reports whether the process has been reaped
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// ExitCode returns the exit code once the process is reaped. Signalled
// processes report -1.
func (p *Process) ExitCode() (int, bool) {
	if !p.Exited() {
		return 0, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode, true
}

// Signal returns the terminating signal of a reaped process, or 0
func (p *Process) Signal() syscall.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.signal
}

// Killed reports whether the supervisor killed the process
func (p *Process) Killed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

func (p *Process) markKilled() {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
}
