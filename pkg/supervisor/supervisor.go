package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/testenv/pkg/events"
	"github.com/cuemby/testenv/pkg/layout"
	"github.com/cuemby/testenv/pkg/log"
	"github.com/cuemby/testenv/pkg/metrics"
	"github.com/cuemby/testenv/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

const (
	// DefaultWarmup is how long Run waits before declaring a spawn successful
	DefaultWarmup = 100 * time.Millisecond
	// KillGrace is how long Kill waits for a killed group to be reaped
	KillGrace = 200 * time.Millisecond
)

// Options configures a Supervisor
type Options struct {
	Cluster  string
	RunID    string
	Binaries *Binaries
	Paths    layout.Paths

	// CaptureStderr sends server stderr to stderrs/stderr.<name>;
	// otherwise it is inherited
	CaptureStderr bool
	// KillChildren asks servers to die with the harness
	KillChildren bool
	// UseCgroups places every server in its own freezer cgroup when the
	// hierarchy is writable
	UseCgroups bool
	Warmup     time.Duration
	Broker     *events.Broker
}

// Spec describes one process to spawn
type Spec struct {
	Name       string
	Service    string
	Role       types.Role
	Index      int
	ConfigPath string
}

// Supervisor spawns, tracks and kills the server processes of one cluster
type Supervisor struct {
	opts    Options
	pidFile *PidFile
	logger  zerolog.Logger
	cgroups bool

	mu       sync.Mutex
	services map[string][]*Process
	order    []string
	starts   map[string]int
}

// New creates a supervisor. It does not touch the filesystem.
func New(opts Options) *Supervisor {
	if opts.Warmup <= 0 {
		opts.Warmup = DefaultWarmup
	}
	s := &Supervisor{
		opts:     opts,
		pidFile:  NewPidFile(opts.Paths.PidFile),
		logger:   log.WithCluster("supervisor", opts.Cluster),
		services: make(map[string][]*Process),
		starts:   make(map[string]int),
	}
	s.cgroups = opts.UseCgroups && cgroupsAvailable()
	return s
}

// PidFile returns the run's pid file
func (s *Supervisor) PidFile() *PidFile {
	return s.pidFile
}

// Binaries returns the binaries processes are spawned from
func (s *Supervisor) Binaries() *Binaries {
	return s.opts.Binaries
}

// Run spawns one process and waits out the warmup period. A process that
// exits during warmup yields a *StartupError with its captured stderr.
func (s *Supervisor) Run(ctx context.Context, spec Spec) (*Process, error) {
	if s.opts.Binaries == nil {
		return nil, ErrBinaryNotFound
	}
	argv, err := s.opts.Binaries.Argv(spec.Role, spec.ConfigPath, s.opts.KillChildren)
	if err != nil {
		return nil, err
	}
	if spec.Service == "" {
		spec.Service = string(spec.Role)
	}
	return s.spawn(ctx, spec, argv)
}

func (s *Supervisor) spawn(ctx context.Context, spec Spec, argv []string) (*Process, error) {
	s.mu.Lock()
	restarts := s.starts[spec.Name]
	s.starts[spec.Name] = restarts + 1
	s.mu.Unlock()

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = s.opts.Paths.RuntimeData
	cmd.SysProcAttr = sysProcAttr(s.opts.KillChildren)

	p := &Process{
		Name:    spec.Name,
		Service: spec.Service,
		Role:    spec.Role,
		Index:   spec.Index,
		Argv:    argv,
		cmd:     cmd,
		done:    make(chan struct{}),
	}

	var stderr *os.File
	if s.opts.CaptureStderr {
		p.StderrPath = s.opts.Paths.StderrPath(spec.Name)
		f, err := openStderr(p.StderrPath, restarts)
		if err != nil {
			return nil, err
		}
		stderr = f
		cmd.Stderr = f
	} else {
		cmd.Stderr = os.Stderr
	}

	err := cmd.Start()
	if stderr != nil {
		// the child holds its own descriptor
		stderr.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.Name, err)
	}
	p.Pid = cmd.Process.Pid
	p.StartedAt = time.Now()
	go p.wait(s.onExit)

	logger := log.WithProcess("supervisor", s.opts.Cluster, p.Name, p.Pid)
	metrics.ProcessStartsTotal.WithLabelValues(string(spec.Role)).Inc()
	metrics.ProcessesRunning.WithLabelValues(s.opts.Cluster, string(spec.Role)).Inc()

	if s.cgroups {
		cg, err := newCgroup(cgroupPath(s.opts.RunID, spec.Name))
		if err == nil {
			err = cg.add(p.Pid)
		}
		if err != nil {
			logger.Warn().Err(err).Msg("Running without cgroup")
		} else {
			p.cgroup = cg
		}
	}

	timer := time.NewTimer(s.opts.Warmup)
	defer timer.Stop()
	select {
	case <-p.done:
		s.destroyCgroup(p)
		code, _ := p.ExitCode()
		stderrText := s.readStderr(p)
		s.opts.Broker.Publish(events.New(events.EventStartupFailed, s.opts.Cluster,
			fmt.Sprintf("%s exited during warmup", p.Name)).With("process", p.Name))
		logger.Error().Int("exit_code", code).Msg("Process terminated during warmup")
		return nil, &StartupError{Name: p.Name, Role: p.Role, Index: p.Index, ExitCode: code, Stderr: stderrText}
	case <-ctx.Done():
		s.killProcess(p)
		return nil, ctx.Err()
	case <-timer.C:
	}

	if err := s.pidFile.Append(p.Pid); err != nil {
		logger.Warn().Err(err).Msg("Failed to record pid")
	}

	s.mu.Lock()
	if _, ok := s.services[spec.Service]; !ok {
		s.order = append(s.order, spec.Service)
	}
	s.services[spec.Service] = append(s.services[spec.Service], p)
	s.mu.Unlock()

	s.opts.Broker.Publish(events.New(events.EventProcessStarted, s.opts.Cluster,
		fmt.Sprintf("%s started", p.Name)).With("process", p.Name).With("role", string(p.Role)))
	logger.Debug().Strs("argv", argv).Msg("Process started")
	return p, nil
}

func openStderr(path string, restarts int) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open stderr file: %w", err)
	}
	if restarts > 0 {
		fmt.Fprintf(f, "--- restart %d ---\n", restarts)
	}
	return f, nil
}

func (s *Supervisor) onExit(p *Process) {
	metrics.ProcessesRunning.WithLabelValues(s.opts.Cluster, string(p.Role)).Dec()
	reason := "unexpected"
	if p.Killed() {
		reason = "killed"
	}
	metrics.ProcessExitsTotal.WithLabelValues(string(p.Role), reason).Inc()
	if reason == "killed" {
		return
	}
	code, _ := p.ExitCode()
	s.opts.Broker.Publish(events.New(events.EventProcessExited, s.opts.Cluster,
		fmt.Sprintf("%s exited with code %d", p.Name, code)).
		With("process", p.Name).With("role", string(p.Role)))
}

// Kill kills every process of a service and forgets them
func (s *Supervisor) Kill(service string) {
	s.mu.Lock()
	procs := s.services[service]
	delete(s.services, service)
	for i, name := range s.order {
		if name == service {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	if len(procs) == 0 {
		return
	}
	s.logger.Info().Str("service", service).Msg("Killing")
	for _, p := range procs {
		s.killProcess(p)
	}
}

// KillAll kills every service, last started first
func (s *Supervisor) KillAll() {
	services := s.Services()
	for i := len(services) - 1; i >= 0; i-- {
		s.Kill(services[i])
	}
}

func (s *Supervisor) killProcess(p *Process) {
	logger := log.WithProcess("supervisor", s.opts.Cluster, p.Name, p.Pid)

	if code, exited := p.ExitCode(); exited {
		logger.Warn().Int("exit_code", code).Msg("Process already terminated")
		s.destroyCgroup(p)
		return
	}

	p.markKilled()
	if err := unix.Kill(-p.Pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		logger.Warn().Err(err).Msg("Failed to signal process group")
		_ = unix.Kill(p.Pid, unix.SIGKILL)
	}

	select {
	case <-p.done:
	case <-time.After(KillGrace):
		if !deadOrZombie(p.Pid) {
			logger.Error().Msg("Failed to kill process")
		}
	}
	s.destroyCgroup(p)

	s.opts.Broker.Publish(events.New(events.EventProcessKilled, s.opts.Cluster,
		fmt.Sprintf("%s killed", p.Name)).With("process", p.Name))
}

func (s *Supervisor) destroyCgroup(p *Process) {
	if p.cgroup == nil {
		return
	}
	if err := p.cgroup.destroy(); err != nil {
		s.logger.Warn().Err(err).Str("cgroup", p.cgroup.path).Msg("Failed to clean up cgroup")
	}
	p.cgroup = nil
}

// Services lists live services in start order
func (s *Supervisor) Services() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

// Processes returns the tracked processes of a service, or of every
// service when none is named
func (s *Supervisor) Processes(service ...string) []*Process {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := service
	if len(names) == 0 {
		names = s.order
	}
	var out []*Process
	for _, name := range names {
		out = append(out, s.services[name]...)
	}
	return out
}

// Poll returns tracked processes that exited without being killed
func (s *Supervisor) Poll() []*Process {
	var exited []*Process
	for _, p := range s.Processes() {
		if p.Exited() && !p.Killed() {
			exited = append(exited, p)
		}
	}
	return exited
}

// LiveCount returns the number of tracked processes still running
func (s *Supervisor) LiveCount() int {
	n := 0
	for _, p := range s.Processes() {
		if !p.Exited() {
			n++
		}
	}
	return n
}

func (s *Supervisor) readStderr(p *Process) string {
	if p.StderrPath == "" {
		return ""
	}
	data, err := os.ReadFile(p.StderrPath)
	if err != nil {
		return ""
	}
	return string(data)
}

// Stderrs returns the captured stderr of every tracked process of the
// given services, keyed by process name
func (s *Supervisor) Stderrs(service ...string) map[string]string {
	out := make(map[string]string)
	for _, p := range s.Processes(service...) {
		if text := s.readStderr(p); text != "" {
			out[p.Name] = text
		}
	}
	return out
}

// DumpStderrs logs every non-empty captured stderr of the given services
func (s *Supervisor) DumpStderrs(service ...string) {
	stderrs := s.Stderrs(service...)
	names := make([]string, 0, len(stderrs))
	for name := range stderrs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		s.logger.Error().Str("process", name).Str("stderr", stderrs[name]).Msg("Captured stderr")
	}
}
