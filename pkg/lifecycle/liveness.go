package lifecycle

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/testenv/pkg/log"
	"github.com/cuemby/testenv/pkg/provision"
	"github.com/cuemby/testenv/pkg/supervisor"
	"github.com/cuemby/testenv/pkg/types"
)

// DefaultLivenessInterval is how often supervised processes are polled
const DefaultLivenessInterval = time.Second

// EmergencyFunc is called with the first unexpectedly exited process
type EmergencyFunc func(inst *provision.Instance, proc *supervisor.Process)

// LivenessChecker polls the processes of one cluster while it is Running
// and reports the first one that exits without being killed. It fires at
// most once.
type LivenessChecker struct {
	inst        *provision.Instance
	interval    time.Duration
	onEmergency EmergencyFunc
	logger      zerolog.Logger

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewLivenessChecker creates a checker for inst
func NewLivenessChecker(inst *provision.Instance, interval time.Duration, onEmergency EmergencyFunc) *LivenessChecker {
	if interval <= 0 {
		interval = DefaultLivenessInterval
	}
	return &LivenessChecker{
		inst:        inst,
		interval:    interval,
		onEmergency: onEmergency,
		logger:      log.WithCluster("liveness", inst.Name()),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Start begins polling
func (l *LivenessChecker) Start() {
	go l.run()
}

// Stop ends polling and waits for the loop to exit. It is safe to call
// more than once, and after the checker fired.
func (l *LivenessChecker) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
	<-l.doneCh
}

// Done is closed when the loop exits
func (l *LivenessChecker) Done() <-chan struct{} {
	return l.doneCh
}

func (l *LivenessChecker) run() {
	defer close(l.doneCh)
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if l.check() {
				return
			}
		case <-l.stopCh:
			return
		}
	}
}

// check returns true once the emergency callback ran
func (l *LivenessChecker) check() bool {
	if l.inst.State() != types.StateRunning {
		return false
	}
	exited := l.inst.Supervisor.Poll()
	if len(exited) == 0 {
		return false
	}
	proc := exited[0]
	code, _ := proc.ExitCode()
	l.logger.Error().
		Str("process", proc.Name).
		Int("pid", proc.Pid).
		Int("exit_code", code).
		Msg("Process exited unexpectedly")
	if l.onEmergency != nil {
		l.onEmergency(l.inst, proc)
	}
	return true
}
