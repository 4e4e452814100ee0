package client

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/cuemby/testenv/pkg/driver"
	"github.com/cuemby/testenv/pkg/wait"
	"github.com/cuemby/testenv/pkg/yson"
)

// Operation states reported by the scheduler
const (
	StateStarting        = "starting"
	StateWaitingForAgent = "waiting_for_agent"
	StateInitializing    = "initializing"
	StatePreparing       = "preparing"
	StatePending         = "pending"
	StateMaterializing   = "materializing"
	StateRunning         = "running"
	StateCompleting      = "completing"
	StateCompleted       = "completed"
	StateFailing         = "failing"
	StateFailed          = "failed"
	StateAborting        = "aborting"
	StateAborted         = "aborted"
)

// IsTerminal reports whether an operation in state will never change again
func IsTerminal(state string) bool {
	return state == StateCompleted || state == StateFailed || state == StateAborted
}

const (
	// stderrLimit bounds each job stderr attached to a failure
	stderrLimit = 4 << 10
	// failedJobLimit bounds the number of job errors attached to a failure
	failedJobLimit = 10
)

// Operation is a handle over a started operation. It caches nothing; every
// query reads the Platform.
type Operation struct {
	ID   string
	Type string

	client *Client
	common Common
	gate   *JobGate
	// owned gates are removed once the operation ends
	owned bool
}

// OperationError is returned by Track when the operation did not complete
type OperationError struct {
	ID    string
	State string
	Err   *PlatformError
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("operation %s %s: %v", e.ID, e.State, e.Err)
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

// routing keeps the cluster addressing of the starting call but not its
// transaction, which may be gone by the time the handle is queried
func (op *Operation) routing() Common {
	return Common{Driver: op.common.Driver, Cluster: op.common.Cluster, Cell: op.common.Cell, User: op.common.User, Quiet: true}
}

func (op *Operation) get(ctx context.Context, path string) (any, error) {
	return op.client.Get(ctx, path, GetOptions{Common: op.routing()})
}

// Gate returns the job gate of an operation started with WaitingJobs
func (op *Operation) Gate() *JobGate {
	return op.gate
}

// GetPath returns the Cypress node of the operation
func (op *Operation) GetPath() string {
	return "//sys/operations/" + op.ID
}

// State reads the current state
func (op *Operation) State(ctx context.Context) (string, error) {
	v, err := op.get(ctx, op.GetPath()+"/@state")
	if err != nil {
		return "", err
	}
	s, _ := yson.String(v)
	return s, nil
}

// Track waits until the operation ends. A failed operation yields an
// *OperationError carrying the result error and the errors and stderrs of
// failed jobs.
func (op *Operation) Track(ctx context.Context) error {
	state, err := wait.Value(ctx, "operation "+op.ID+" to finish", op.client.track,
		func(ctx context.Context) (string, bool, error) {
			s, err := op.State(ctx)
			return s, err == nil && IsTerminal(s), err
		})
	if err != nil {
		return err
	}
	if op.owned {
		op.gate.Close()
		op.owned = false
	}

	switch state {
	case StateCompleted:
		return nil
	case StateAborted:
		result, _ := op.resultError(ctx)
		var inner []*driver.Error
		if result != nil {
			inner = append(inner, result)
		}
		return &OperationError{ID: op.ID, State: state, Err: driver.NewError(1, fmt.Sprintf("Operation %s aborted", op.ID), inner...)}
	default:
		return &OperationError{ID: op.ID, State: state, Err: op.failure(ctx)}
	}
}

func (op *Operation) resultError(ctx context.Context) (*PlatformError, error) {
	v, err := op.get(ctx, op.GetPath()+"/@result")
	if err != nil {
		return nil, err
	}
	m, _ := yson.Map(v)
	if tree, ok := m["error"]; ok {
		return driver.ErrorFromTree(tree), nil
	}
	return nil, nil
}

func (op *Operation) failure(ctx context.Context) *PlatformError {
	result, err := op.resultError(ctx)
	if err != nil {
		return driver.NewError(1, "Failed to read operation result", AsPlatformError(err))
	}
	if result == nil {
		result = driver.NewError(1, fmt.Sprintf("Operation %s failed", op.ID))
	}

	list, err := op.client.ListJobs(ctx, op.ID, ListJobsOptions{Common: op.routing(), State: StateFailed})
	if err != nil {
		return result
	}
	jobs, _ := yson.List(list["jobs"])
	var jobErrs []*driver.Error
	for _, raw := range jobs {
		if len(jobErrs) == failedJobLimit {
			break
		}
		job, _ := yson.Map(raw)
		id, _ := yson.String(job["id"])
		jobErr := driver.ErrorFromTree(job["error"])
		if _, ok := job["error"]; !ok {
			jobErr = driver.NewError(1, "Job "+id+" failed")
		}
		if stderr, err := op.ReadStderr(ctx, id); err == nil && len(stderr) > 0 {
			if len(stderr) > stderrLimit {
				stderr = stderr[:stderrLimit]
			}
			jobErr.Message += "\n" + string(stderr)
		}
		jobErrs = append(jobErrs, jobErr)
	}
	if len(jobErrs) == 0 {
		return result
	}
	combined := *result
	combined.Inner = append(append([]*driver.Error(nil), result.Inner...),
		driver.NewError(1, "Some of the jobs have failed", jobErrs...))
	return &combined
}

func (op *Operation) command(ctx context.Context, command string, extra map[string]any) error {
	o := op.routing()
	o.Quiet = false
	params := o.params(map[string]any{"operation_id": op.ID})
	for k, v := range extra {
		params[k] = v
	}
	_, err := op.client.Execute(ctx, command, params, o.call()...)
	return err
}

// Abort aborts the operation, recording message when given
func (op *Operation) Abort(ctx context.Context, message string) error {
	var extra map[string]any
	if message != "" {
		extra = map[string]any{"abort_message": message}
	}
	return op.command(ctx, "abort_operation", extra)
}

// Complete finishes the operation with the jobs done so far. It is retried
// while the scheduler is reconnecting.
func (op *Operation) Complete(ctx context.Context) error {
	return Retry(ctx, tabletAttempts, func(ctx context.Context) error {
		return op.command(ctx, "complete_operation", nil)
	})
}

// Suspend stops scheduling new jobs, aborting running ones when asked
func (op *Operation) Suspend(ctx context.Context, abortRunningJobs bool) error {
	return op.command(ctx, "suspend_operation", map[string]any{"abort_running_jobs": abortRunningJobs})
}

// Resume undoes Suspend
func (op *Operation) Resume(ctx context.Context) error {
	return op.command(ctx, "resume_operation", nil)
}

// UpdateParameters changes runtime parameters such as pool or weight
func (op *Operation) UpdateParameters(ctx context.Context, params map[string]any) error {
	return op.command(ctx, "update_operation_parameters", map[string]any{"parameters": params})
}

// GetOrchidPath returns the controller agent orchid subtree of the operation
func (op *Operation) GetOrchidPath(ctx context.Context) (string, error) {
	v, err := op.get(ctx, op.GetPath()+"/@controller_agent_address")
	if err != nil {
		return "", err
	}
	agent, _ := yson.String(v)
	if agent == "" {
		return "", fmt.Errorf("operation %s has no controller agent yet", op.ID)
	}
	return "//sys/controller_agents/instances/" + agent + "/orchid/controller_agent/operations/" + op.ID, nil
}

// JobCount reads a job counter, such as running or completed, from the
// controller orchid. A missing orchid counts as zero.
func (op *Operation) JobCount(ctx context.Context, bucket string) (int, error) {
	orchid, err := op.GetOrchidPath(ctx)
	if err != nil {
		return 0, err
	}
	path := orchid + "/progress/jobs/" + bucket
	if bucket == "aborted" || bucket == "completed" {
		path += "/total"
	}
	v, err := op.get(ctx, path)
	if IsResolveError(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, _ := yson.Int(v)
	return int(n), nil
}

// ReadStderr returns the stderr of one job of the operation
func (op *Operation) ReadStderr(ctx context.Context, jobID string) ([]byte, error) {
	return op.client.GetJobStderr(ctx, op.ID, jobID, op.routing())
}

// WaitForState waits until the operation reaches state
func (op *Operation) WaitForState(ctx context.Context, state string, p wait.Policy) error {
	return wait.For(ctx, fmt.Sprintf("operation %s to become %s", op.ID, state), p,
		func(ctx context.Context) (bool, error) {
			s, err := op.State(ctx)
			if err != nil {
				return false, err
			}
			if s != state && IsTerminal(s) {
				return false, wait.Permanent(fmt.Errorf("operation %s is already %s", op.ID, s))
			}
			return s == state, nil
		})
}

// EnsureRunning waits up to timeout for the operation to be running
func (op *Operation) EnsureRunning(ctx context.Context, timeout time.Duration) error {
	return op.WaitForState(ctx, StateRunning, wait.DefaultPolicy.Within(timeout))
}

// EnsureJobsRunning waits until the scheduler reports the operation's jobs
// as running with none pending, and every running job that was not resumed
// yet has parked at the gate. It returns the parked job ids.
func (op *Operation) EnsureJobsRunning(ctx context.Context, timeout time.Duration) ([]string, error) {
	if op.gate == nil {
		return nil, fmt.Errorf("operation %s was not started with waiting jobs", op.ID)
	}
	p := wait.DefaultPolicy.Within(timeout)
	ids, err := wait.Value(ctx, "jobs of operation "+op.ID+" to start", p,
		func(ctx context.Context) ([]string, bool, error) {
			orchid, err := op.GetOrchidPath(ctx)
			if err != nil {
				return nil, false, err
			}
			v, err := op.get(ctx, orchid)
			if err != nil {
				return nil, false, err
			}
			running, _ := yson.Int(lookup(v, "progress/jobs/running"))
			pending, _ := yson.Int(lookup(v, "progress/jobs/pending"))
			if running == 0 || pending > 0 {
				return nil, false, nil
			}
			jobs, _ := yson.Map(lookup(v, "running_jobs"))
			var ids []string
			for id := range jobs {
				if !op.gate.Resumed(id) {
					ids = append(ids, id)
				}
			}
			sort.Strings(ids)
			return ids, true, nil
		})
	if err != nil {
		return nil, err
	}
	return ids, op.gate.WaitStarted(ctx, p, ids...)
}

// ResumeJob lets one parked job finish
func (op *Operation) ResumeJob(jobID string) error {
	if op.gate == nil {
		return fmt.Errorf("operation %s was not started with waiting jobs", op.ID)
	}
	return op.gate.Resume(jobID)
}

// ResumeJobs lets every parked job finish
func (op *Operation) ResumeJobs() error {
	if op.gate == nil {
		return fmt.Errorf("operation %s was not started with waiting jobs", op.ID)
	}
	return op.gate.ResumeAll()
}

// Progress returns the @progress attribute
func (op *Operation) Progress(ctx context.Context) (map[string]any, error) {
	v, err := op.get(ctx, op.GetPath()+"/@progress")
	if err != nil {
		return nil, err
	}
	m, _ := yson.Map(v)
	return m, nil
}

// BuildProgress returns job counters from the brief progress
func (op *Operation) BuildProgress(ctx context.Context) (map[string]any, error) {
	v, err := op.get(ctx, op.GetPath()+"/@brief_progress/jobs")
	if err != nil {
		return nil, err
	}
	m, _ := yson.Map(v)
	return m, nil
}

// GetAlerts returns the alerts raised by the controller
func (op *Operation) GetAlerts(ctx context.Context) (map[string]any, error) {
	v, err := op.get(ctx, op.GetPath()+"/@alerts")
	if err != nil {
		return nil, err
	}
	m, _ := yson.Map(v)
	return m, nil
}

// GetRunningJobs returns the running jobs keyed by id as the controller sees them
func (op *Operation) GetRunningJobs(ctx context.Context) (map[string]any, error) {
	orchid, err := op.GetOrchidPath(ctx)
	if err != nil {
		return nil, err
	}
	v, err := op.get(ctx, orchid+"/running_jobs")
	if err != nil {
		return nil, err
	}
	m, _ := yson.Map(v)
	return m, nil
}

// ListJobs lists the jobs of the operation
func (op *Operation) ListJobs(ctx context.Context, opts ...ListJobsOptions) ([]any, error) {
	o := first(opts)
	if o.Driver == nil && o.Cluster == "" {
		r := op.routing()
		o.Driver, o.Cluster, o.Cell, o.Quiet = r.Driver, r.Cluster, r.Cell, true
	}
	m, err := op.client.ListJobs(ctx, op.ID, o)
	if err != nil {
		return nil, err
	}
	jobs, _ := yson.List(m["jobs"])
	return jobs, nil
}

// WaitPresenceInScheduler waits until the scheduler orchid lists the operation
func (op *Operation) WaitPresenceInScheduler(ctx context.Context, p wait.Policy) error {
	path := "//sys/scheduler/orchid/scheduler/operations/" + op.ID
	return wait.For(ctx, "operation "+op.ID+" in scheduler", p, func(ctx context.Context) (bool, error) {
		return op.client.Exists(ctx, path, op.routing())
	})
}

// WaitForFreshSnapshot waits until the operation snapshot is newer than
// the moment of the call. Two rounds are made so a snapshot being written
// at the time of the call is not taken for a fresh one.
func (op *Operation) WaitForFreshSnapshot(ctx context.Context, p wait.Policy) error {
	for range 2 {
		since := time.Now()
		err := wait.For(ctx, "fresh snapshot of operation "+op.ID, p, func(ctx context.Context) (bool, error) {
			v, err := op.get(ctx, op.GetPath()+"/snapshot/@creation_time")
			if IsResolveError(err) {
				return false, nil
			}
			if err != nil {
				return false, err
			}
			s, _ := yson.String(v)
			created, err := time.Parse(time.RFC3339Nano, s)
			if err != nil {
				return false, wait.Permanent(fmt.Errorf("parse snapshot time %q: %w", s, err))
			}
			return created.After(since), nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Close removes a job gate created for the operation
func (op *Operation) Close() error {
	if op.owned {
		return op.gate.Close()
	}
	return nil
}

func lookup(tree any, path string) any {
	v, _ := yson.Lookup(tree, path)
	return v
}
