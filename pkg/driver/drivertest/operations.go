package drivertest

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/cuemby/testenv/pkg/driver"
	"github.com/cuemby/testenv/pkg/types"
	"github.com/cuemby/testenv/pkg/yson"
)

// Operation states reported by the fake scheduler
const (
	stateStarting        = "starting"
	stateWaitingForAgent = "waiting_for_agent"
	stateRunning         = "running"
	stateCompleting      = "completing"
	stateCompleted       = "completed"
	stateFailed          = "failed"
	stateAborted         = "aborted"
)

type operation struct {
	id        string
	alias     string
	typ       string
	user      string
	spec      map[string]any
	runtime   map[string]any
	state     string
	started   time.Time
	finished  time.Time
	result    *driver.Error
	suspended bool
	agent     string

	phase     string
	pending   []*slice
	jobs      []*job
	failed    int
	maxFailed int
	output    []any
	alerts    map[string]any
}

// slice is one unit of job input
type slice struct {
	index   int
	task    string
	command string
	rows    []any
}

type job struct {
	id       string
	op       *operation
	slice    *slice
	state    string
	address  string
	started  time.Time
	finished time.Time
	stderr   []byte
	err      *driver.Error
	cmd      *exec.Cmd
	// superseded jobs were aborted or abandoned; their exit is ignored
	superseded bool
}

func (j *job) kill() {
	if j.cmd != nil && j.cmd.Process != nil && j.state == stateRunning {
		_ = unix.Kill(-j.cmd.Process.Pid, unix.SIGKILL)
	}
}

func (o *operation) terminal() bool {
	return o.state == stateCompleted || o.state == stateFailed || o.state == stateAborted
}

var operationTypes = map[string]bool{
	"map": true, "reduce": true, "join_reduce": true, "map_reduce": true, "vanilla": true,
	"sort": true, "merge": true, "erase": true, "remote_copy": true,
}

func init() {
	for name, h := range map[string]handler{
		"start_operation":             cmdStartOperation,
		"abort_operation":             cmdAbortOperation,
		"complete_operation":          cmdCompleteOperation,
		"suspend_operation":           cmdSuspendOperation,
		"resume_operation":            cmdResumeOperation,
		"update_operation_parameters": cmdUpdateOperationParameters,
		"get_operation":               cmdGetOperation,
		"list_operations":             cmdListOperations,
		"list_jobs":                   cmdListJobs,
		"get_job":                     cmdGetJob,
		"get_job_stderr":              cmdGetJobStderr,
		"abort_job":                   cmdAbortJob,
		"abandon_job":                 cmdAbandonJob,
		"signal_job":                  cmdSignalJob,
		"dump_job_context":            cmdDumpJobContext,
	} {
		handlers[name] = h
	}
}

func cmdStartOperation(p *Platform, c *call) (any, error) {
	typ := c.str("operation_type")
	if !operationTypes[typ] {
		return nil, errorf(1, "Unknown operation type %q", typ)
	}
	if len(p.roles[types.RoleScheduler]) == 0 {
		return nil, errorf(driver.CodeNotReady, "Scheduler is not connected")
	}
	spec, _ := yson.Map(c.params["spec"])
	if spec == nil {
		spec = map[string]any{}
	}
	op := &operation{
		id:        newID(),
		typ:       typ,
		user:      c.user,
		spec:      yson.Clone(spec).(map[string]any),
		runtime:   map[string]any{},
		state:     stateStarting,
		started:   time.Now(),
		maxFailed: 1,
		alerts:    map[string]any{},
	}
	if n, ok := yson.Int(spec["max_failed_job_count"]); ok {
		op.maxFailed = int(n)
	}
	if pool, ok := yson.String(spec["pool"]); ok {
		op.runtime["pool"] = pool
	}
	if err := p.validateSpec(op); err != nil {
		return nil, driver.NewError(driver.CodeOperationFailedToPrepare, "Failed to prepare operation", asPlatformError(err))
	}
	if alias, ok := yson.String(spec["alias"]); ok {
		if !p.isAlias(alias) {
			return nil, errorf(1, "Operation alias %q must start with \"*\"", alias)
		}
		if prev, ok := p.aliases[alias]; ok && p.ops[prev] != nil && !p.ops[prev].terminal() {
			return nil, errorf(driver.CodeAlreadyExists, "Operation alias %q is already used by operation %s", alias, prev)
		}
		op.alias = alias
		p.aliases[alias] = op.id
	}
	p.ops[op.id] = op

	if agents := p.roles[types.RoleControllerAgent]; len(agents) == 0 {
		op.state = stateWaitingForAgent
	} else {
		p.launch(op, agents[len(p.ops)%len(agents)])
	}
	return map[string]any{"operation_id": op.id}, nil
}

func (p *Platform) resumeWaitingOperations() {
	agents := p.roles[types.RoleControllerAgent]
	if len(agents) == 0 {
		return
	}
	for _, op := range p.ops {
		if op.state == stateWaitingForAgent {
			p.launch(op, agents[0])
		} else if !op.terminal() {
			op.agent = agents[0]
		}
	}
}

func (p *Platform) inputPaths(op *operation) []any {
	if paths, ok := yson.List(op.spec["input_table_paths"]); ok {
		return paths
	}
	if path, ok := op.spec["table_path"]; ok {
		return []any{path}
	}
	return nil
}

func (p *Platform) outputPath(op *operation) any {
	if paths, ok := yson.List(op.spec["output_table_paths"]); ok && len(paths) > 0 {
		return paths[0]
	}
	return op.spec["output_table_path"]
}

func (p *Platform) tableAt(raw any) (*node, error) {
	s, _ := yson.String(raw)
	path, err := parsePath(s)
	if err != nil {
		return nil, err
	}
	n, rest, err := p.resolve(path)
	if err != nil {
		return nil, err
	}
	if len(rest) > 0 || n.kind != "table" {
		return nil, errorf(1, "Object %s is not a table", s)
	}
	return n, nil
}

func (p *Platform) validateSpec(op *operation) error {
	switch op.typ {
	case "vanilla":
		tasks, _ := yson.Map(op.spec["tasks"])
		if len(tasks) == 0 {
			return errorf(1, "Vanilla operation requires at least one task")
		}
		return nil
	case "remote_copy":
		name, _ := yson.String(op.spec["cluster_name"])
		if name == "" {
			return errorf(1, "Missing cluster_name")
		}
		if _, err := p.getPath(mustPath("//sys/clusters/"+name), nil); err != nil {
			return errorf(driver.CodeResolveError, "Cluster %q is not known to the cluster directory", name)
		}
		if p.linked[name] == nil {
			return errorf(1, "Cluster %q is unreachable", name)
		}
	case "erase":
		_, err := p.tableAt(op.spec["table_path"])
		return err
	default:
		for _, path := range p.inputPaths(op) {
			if _, err := p.tableAt(path); err != nil {
				return err
			}
		}
		if len(p.inputPaths(op)) == 0 {
			return errorf(1, "No input tables are given")
		}
	}
	if out := p.outputPath(op); out != nil {
		if _, err := p.tableAt(out); err != nil {
			return err
		}
	} else {
		return errorf(1, "No output table is given")
	}
	switch op.typ {
	case "map", "reduce", "join_reduce":
		if userCommand(op, op.typ) == "" {
			return errorf(1, "Operation of type %q requires a command", op.typ)
		}
	}
	return nil
}

func userCommand(op *operation, typ string) string {
	key := map[string]string{"map": "mapper", "reduce": "reducer", "join_reduce": "reducer", "map_reduce": "reducer"}[typ]
	if key == "" {
		return ""
	}
	m, _ := yson.Map(op.spec[key])
	cmd, _ := yson.String(m["command"])
	return cmd
}

func (p *Platform) readInput(op *operation) []any {
	var rows []any
	for _, raw := range p.inputPaths(op) {
		if n, err := p.tableAt(raw); err == nil {
			rows = append(rows, project(n.rows, yson.Strings(yson.AttrsOf(raw)["columns"]))...)
		}
	}
	return rows
}

func split(rows []any, count int) [][]any {
	if count < 1 {
		count = 1
	}
	if count > len(rows) && len(rows) > 0 {
		count = len(rows)
	}
	out := make([][]any, count)
	for i, r := range rows {
		k := i * count / len(rows)
		out[k] = append(out[k], r)
	}
	return out
}

func (p *Platform) launch(op *operation, agent string) {
	op.agent = agent
	op.state = stateRunning
	switch op.typ {
	case "map":
		m, _ := yson.Map(op.spec["mapper"])
		cmd, _ := yson.String(m["command"])
		p.enqueue(op, "map", cmd, split(p.readInput(op), int(specInt(op.spec, "job_count", 1))))
	case "reduce", "join_reduce":
		rows := p.readInput(op)
		sortRows(rows, reduceKeys(op))
		p.enqueue(op, "reduce", userCommand(op, op.typ), [][]any{rows})
	case "map_reduce":
		rows := p.readInput(op)
		if m, ok := yson.Map(op.spec["mapper"]); ok {
			cmd, _ := yson.String(m["command"])
			p.enqueue(op, "partition_map", cmd, split(rows, int(specInt(op.spec, "map_job_count", 1))))
		} else {
			op.output = rows
			p.startReducePhase(op)
		}
	case "vanilla":
		tasks, _ := yson.Map(op.spec["tasks"])
		names := make([]string, 0, len(tasks))
		for name := range tasks {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			task, _ := yson.Map(tasks[name])
			cmd, _ := yson.String(task["command"])
			count := int(specInt(task, "job_count", 1))
			p.enqueue(op, name, cmd, make([][]any, count))
		}
	case "sort":
		rows := p.readInput(op)
		sortRows(rows, yson.Strings(op.spec["sort_by"]))
		op.output = rows
		p.finish(op)
	case "merge":
		rows := p.readInput(op)
		if mode, _ := yson.String(op.spec["mode"]); mode == "sorted" {
			keys := yson.Strings(op.spec["merge_by"])
			if len(keys) == 0 {
				keys = yson.Strings(op.spec["sort_by"])
			}
			sortRows(rows, keys)
		}
		op.output = rows
		p.finish(op)
	case "erase":
		if n, err := p.tableAt(op.spec["table_path"]); err == nil {
			n.rows = nil
		}
		op.state = stateCompleted
		op.finished = time.Now()
	case "remote_copy":
		p.remoteCopy(op)
	}
	p.schedule(op)
}

func specInt(m map[string]any, key string, def int64) int64 {
	if v, ok := yson.Int(m[key]); ok {
		return v
	}
	return def
}

func reduceKeys(op *operation) []string {
	for _, key := range []string{"reduce_by", "join_by", "sort_by"} {
		if keys := yson.Strings(op.spec[key]); len(keys) > 0 {
			return keys
		}
	}
	return nil
}

func (p *Platform) enqueue(op *operation, task, command string, parts [][]any) {
	op.phase = task
	for i, rows := range parts {
		op.pending = append(op.pending, &slice{index: i, task: task, command: command, rows: rows})
	}
}

func (p *Platform) startReducePhase(op *operation) {
	rows := op.output
	op.output = nil
	sortRows(rows, reduceKeys(op))
	p.enqueue(op, "reduce", userCommand(op, "map_reduce"), [][]any{rows})
}

func (p *Platform) remoteCopy(op *operation) {
	name, _ := yson.String(op.spec["cluster_name"])
	remote := p.linked[name]
	inputs := p.inputPaths(op)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		var rows []any
		var copyErr error
		for _, raw := range inputs {
			out, err := remote.Do("read_table", map[string]any{"path": raw})
			if err != nil {
				copyErr = err
				break
			}
			part, _ := out.([]any)
			rows = append(rows, part...)
		}

		p.mu.Lock()
		defer p.mu.Unlock()
		if op.terminal() {
			return
		}
		if copyErr != nil {
			p.fail(op, driver.NewError(1, "Remote copy from "+name+" failed", asPlatformError(copyErr)))
			return
		}
		op.output = rows
		p.finish(op)
	}()
}

// schedule starts pending slices while the operation may run jobs
func (p *Platform) schedule(op *operation) {
	if op.state != stateRunning || op.suspended || p.closed {
		return
	}
	for len(op.pending) > 0 {
		addr := p.pickNode()
		if addr == "" {
			return
		}
		s := op.pending[0]
		op.pending = op.pending[1:]
		p.startJob(op, s, addr)
	}
	p.maybeAdvance(op)
}

func (p *Platform) scheduleAll() {
	for _, op := range p.ops {
		p.schedule(op)
	}
}

func (p *Platform) pickNode() string {
	var best string
	bestLoad := -1
	for _, addr := range p.roles[types.RoleNode] {
		n := p.collection("cluster_nodes").children[addr]
		if n == nil {
			continue
		}
		if state, _ := yson.String(n.attrs["state"]); state != "online" {
			continue
		}
		banned, _ := yson.Bool(n.attrs["banned"])
		disabled, _ := yson.Bool(n.attrs["disable_scheduler_jobs"])
		if banned || disabled {
			continue
		}
		load := p.runningOn(addr)
		if bestLoad < 0 || load < bestLoad {
			best, bestLoad = addr, load
		}
	}
	return best
}

func (p *Platform) runningOn(addr string) int {
	n := 0
	for _, j := range p.jobs {
		if j.address == addr && j.state == stateRunning {
			n++
		}
	}
	return n
}

func (p *Platform) startJob(op *operation, s *slice, addr string) {
	j := &job{id: newID(), op: op, slice: s, state: stateRunning, address: addr, started: time.Now()}
	p.jobs[j.id] = j
	op.jobs = append(op.jobs, j)

	input, err := yson.MarshalListFragment(s.rows)
	if err != nil {
		p.jobFinished(j, nil, nil, err)
		return
	}
	cmd := exec.Command("/bin/sh", "-c", s.command)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = append(os.Environ(),
		"YT_JOB_ID="+j.id,
		"YT_OPERATION_ID="+op.id,
		"YT_JOB_INDEX="+strconv.Itoa(s.index),
		"YT_TASK_NAME="+s.task,
	)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout, cmd.Stderr = &stdout, &stderr
	if err := cmd.Start(); err != nil {
		p.jobFinished(j, nil, nil, err)
		return
	}
	j.cmd = cmd

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		err := cmd.Wait()
		p.mu.Lock()
		defer p.mu.Unlock()
		p.jobFinished(j, stdout.Bytes(), stderr.Bytes(), err)
	}()
}

func (p *Platform) jobFinished(j *job, stdout, stderr []byte, runErr error) {
	j.stderr = stderr
	if j.superseded || j.state != stateRunning {
		return
	}
	j.finished = time.Now()
	op := j.op

	if runErr == nil && op.typ == "vanilla" {
		j.state = stateCompleted
	} else if runErr == nil {
		rows, err := yson.UnmarshalListFragment(stdout)
		if err != nil {
			runErr = fmt.Errorf("malformed job output: %w", err)
		} else {
			j.state = stateCompleted
			op.output = append(op.output, rows...)
		}
	}
	if runErr != nil {
		j.state = stateFailed
		msg := runErr.Error()
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			msg = fmt.Sprintf("Process exited with code %d", exitErr.ExitCode())
		}
		j.err = driver.NewError(1, "User job failed", driver.NewError(10000, msg))
		op.failed++
		if op.failed >= op.maxFailed {
			p.fail(op, driver.NewError(1, "Failed jobs limit exceeded", j.err))
			return
		}
		op.pending = append(op.pending, j.slice)
	}
	p.schedule(op)
}

// maybeAdvance moves an operation forward once every job of its phase is done
func (p *Platform) maybeAdvance(op *operation) {
	if op.terminal() || op.state != stateRunning || len(op.pending) > 0 {
		return
	}
	for _, j := range op.jobs {
		if j.state == stateRunning {
			return
		}
	}
	if len(op.jobs) == 0 && op.phase == "" {
		return
	}
	if op.typ == "map_reduce" && op.phase == "partition_map" {
		p.startReducePhase(op)
		p.schedule(op)
		return
	}
	p.finish(op)
}

func (p *Platform) finish(op *operation) {
	op.state = stateCompleting
	if out := p.outputPath(op); out != nil {
		if n, err := p.tableAt(out); err == nil {
			attrs := yson.AttrsOf(out)
			rows := op.output
			if appendMode, _ := yson.Bool(attrs["append"]); appendMode {
				rows = append(cloneRows(n.rows), rows...)
			}
			if keys := yson.Strings(attrs["sorted_by"]); len(keys) > 0 {
				sortRows(rows, keys)
				n.attrs["sorted_by"] = toList(keys)
			} else if op.typ == "sort" {
				n.attrs["sorted_by"] = toList(yson.Strings(op.spec["sort_by"]))
			}
			n.rows = rows
			n.modified = time.Now()
		}
	}
	op.state = stateCompleted
	op.finished = time.Now()
}

func (p *Platform) fail(op *operation, err *driver.Error) {
	p.stopJobs(op)
	op.result = err
	op.state = stateFailed
	op.finished = time.Now()
}

func (p *Platform) stopJobs(op *operation) {
	op.pending = nil
	for _, j := range op.jobs {
		if j.state == stateRunning {
			j.kill()
			j.superseded = true
			j.state = stateAborted
			j.finished = time.Now()
		}
	}
}

func (p *Platform) operation(c *call) (*operation, error) {
	id := c.str("operation_id")
	if id == "" {
		id = c.str("operation_alias")
	}
	if p.isAlias(id) {
		id = p.aliases[id]
	}
	op := p.ops[id]
	if op == nil {
		return nil, errorf(driver.CodeNoSuchOperation, "No such operation %s", id)
	}
	return op, nil
}

func (p *Platform) runningOperation(c *call) (*operation, error) {
	op, err := p.operation(c)
	if err != nil {
		return nil, err
	}
	if op.terminal() {
		return nil, errorf(driver.CodeInvalidObjectLifeStage, "Operation %s is in %s state", op.id, op.state)
	}
	return op, nil
}

func cmdAbortOperation(p *Platform, c *call) (any, error) {
	op, err := p.operation(c)
	if err != nil {
		return nil, err
	}
	if op.terminal() {
		return nil, nil
	}
	p.stopJobs(op)
	msg := c.str("abort_message")
	if msg == "" {
		msg = "Operation aborted by user request"
	}
	op.result = errorf(1, "%s", msg)
	op.state = stateAborted
	op.finished = time.Now()
	return nil, nil
}

func cmdCompleteOperation(p *Platform, c *call) (any, error) {
	op, err := p.runningOperation(c)
	if err != nil {
		return nil, err
	}
	p.stopJobs(op)
	p.finish(op)
	return nil, nil
}

func cmdSuspendOperation(p *Platform, c *call) (any, error) {
	op, err := p.runningOperation(c)
	if err != nil {
		return nil, err
	}
	op.suspended = true
	if c.bool("abort_running_jobs") {
		for _, j := range op.jobs {
			if j.state == stateRunning {
				p.abortJob(j)
			}
		}
	}
	return nil, nil
}

func cmdResumeOperation(p *Platform, c *call) (any, error) {
	op, err := p.runningOperation(c)
	if err != nil {
		return nil, err
	}
	op.suspended = false
	p.schedule(op)
	return nil, nil
}

func cmdUpdateOperationParameters(p *Platform, c *call) (any, error) {
	op, err := p.runningOperation(c)
	if err != nil {
		return nil, err
	}
	params, _ := yson.Map(c.params["parameters"])
	for k, v := range params {
		op.runtime[k] = yson.Clone(v)
	}
	return nil, nil
}

func (p *Platform) progress(op *operation) map[string]any {
	counts := map[string]int64{}
	for _, j := range op.jobs {
		counts[j.state]++
	}
	pending := int64(len(op.pending))
	return map[string]any{
		"running":   counts[stateRunning],
		"pending":   pending,
		"completed": map[string]any{"total": counts[stateCompleted]},
		"failed":    counts[stateFailed],
		"aborted":   map[string]any{"total": counts[stateAborted]},
		"total":     int64(len(op.jobs)) + pending - counts[stateAborted],
	}
}

func (p *Platform) briefProgress(op *operation) map[string]any {
	full := p.progress(op)
	completed, _ := yson.Int(full["completed"].(map[string]any)["total"])
	aborted, _ := yson.Int(full["aborted"].(map[string]any)["total"])
	full["completed"] = completed
	full["aborted"] = aborted
	return full
}

func (p *Platform) operationAttributes(op *operation) map[string]any {
	attrs := map[string]any{
		"id":                       op.id,
		"key":                      op.id,
		"type":                     "operation",
		"state":                    op.state,
		"operation_type":           op.typ,
		"authenticated_user":       op.user,
		"start_time":               op.started.UTC().Format(timeFormat),
		"spec":                     yson.Clone(op.spec),
		"brief_spec":               p.briefSpec(op),
		"runtime_parameters":       yson.Clone(op.runtime),
		"suspended":                op.suspended,
		"progress":                 map[string]any{"jobs": p.progress(op)},
		"brief_progress":           map[string]any{"jobs": p.briefProgress(op)},
		"alerts":                   yson.Clone(op.alerts),
		"controller_agent_address": op.agent,
		"result":                   map[string]any{},
	}
	if op.alias != "" {
		attrs["alias"] = op.alias
	}
	if !op.finished.IsZero() {
		attrs["finish_time"] = op.finished.UTC().Format(timeFormat)
	}
	if op.result != nil {
		attrs["result"] = map[string]any{"error": op.result.Tree()}
	}
	return attrs
}

func (p *Platform) briefSpec(op *operation) map[string]any {
	brief := map[string]any{}
	if paths := p.inputPaths(op); len(paths) > 0 {
		brief["input_table_paths"] = yson.Clone(paths)
	}
	if out := p.outputPath(op); out != nil {
		brief["output_table_paths"] = []any{yson.Clone(out)}
	}
	if title, ok := op.spec["title"]; ok {
		brief["title"] = title
	}
	return brief
}

func (p *Platform) operationsTree() any {
	out := make(map[string]any, len(p.ops))
	for id, op := range p.ops {
		children := map[string]any{
			"controller_orchid": p.controllerOrchid(op),
		}
		if op.state == stateRunning {
			children["snapshot"] = yson.Attributed{
				Attrs: map[string]any{"creation_time": time.Now().UTC().Format(timeFormat)},
				Value: yson.Entity{},
			}
		}
		if len(op.jobs) > 0 {
			jobs := make(map[string]any, len(op.jobs))
			for _, j := range op.jobs {
				jobs[j.id] = yson.Attributed{Attrs: p.jobAttributes(j), Value: yson.Entity{}}
			}
			children["jobs"] = jobs
		}
		out[id] = yson.Attributed{Attrs: p.operationAttributes(op), Value: children}
	}
	return out
}

func (p *Platform) dropOperation(id string) error {
	if p.isAlias(id) {
		id = p.aliases[id]
	}
	op := p.ops[id]
	if op == nil {
		return errorf(driver.CodeResolveError, "No such operation %s", id)
	}
	if !op.terminal() {
		return errorf(driver.CodeInvalidObjectLifeStage, "Operation %s is still %s", id, op.state)
	}
	for _, j := range op.jobs {
		delete(p.jobs, j.id)
	}
	if op.alias != "" && p.aliases[op.alias] == id {
		delete(p.aliases, op.alias)
	}
	delete(p.ops, id)
	return nil
}

func cmdGetOperation(p *Platform, c *call) (any, error) {
	op, err := p.operation(c)
	if err != nil {
		return nil, err
	}
	attrs := p.operationAttributes(op)
	if wanted := c.strings("attributes"); len(wanted) > 0 {
		picked := make(map[string]any, len(wanted))
		for _, name := range wanted {
			if v, ok := attrs[name]; ok {
				picked[name] = v
			}
		}
		return picked, nil
	}
	return attrs, nil
}

func cmdListOperations(p *Platform, c *call) (any, error) {
	ops := make([]*operation, 0, len(p.ops))
	for _, op := range p.ops {
		if s := c.str("state"); s != "" && op.state != s {
			continue
		}
		if t := c.str("type"); t != "" && op.typ != t {
			continue
		}
		if u := c.str("user"); u != "" && op.user != u {
			continue
		}
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i].started.After(ops[j].started) })
	list := make([]any, 0, len(ops))
	for _, op := range ops {
		list = append(list, map[string]any{
			"id":                 op.id,
			"state":              op.state,
			"type":               op.typ,
			"authenticated_user": op.user,
			"start_time":         op.started.UTC().Format(timeFormat),
			"brief_spec":         p.briefSpec(op),
			"brief_progress":     map[string]any{"jobs": p.briefProgress(op)},
		})
	}
	return map[string]any{"operations": list, "incomplete": false}, nil
}

func (p *Platform) jobAttributes(j *job) map[string]any {
	attrs := map[string]any{
		"id":           j.id,
		"job_id":       j.id,
		"operation_id": j.op.id,
		"type":         j.slice.task,
		"state":        j.state,
		"address":      j.address,
		"start_time":   j.started.UTC().Format(timeFormat),
		"has_stderr":   len(j.stderr) > 0,
		"stderr_size":  int64(len(j.stderr)),
	}
	if !j.finished.IsZero() {
		attrs["finish_time"] = j.finished.UTC().Format(timeFormat)
	}
	if j.err != nil {
		attrs["error"] = j.err.Tree()
	}
	return attrs
}

func cmdListJobs(p *Platform, c *call) (any, error) {
	op, err := p.operation(c)
	if err != nil {
		return nil, err
	}
	stateCounts := map[string]any{}
	typeCounts := map[string]any{}
	var list []any
	for _, j := range op.jobs {
		n, _ := yson.Int(stateCounts[j.state])
		stateCounts[j.state] = n + 1
		n, _ = yson.Int(typeCounts[j.slice.task])
		typeCounts[j.slice.task] = n + 1
		if s := c.str("job_state"); s != "" && j.state != s {
			continue
		}
		if t := c.str("job_type"); t != "" && j.slice.task != t {
			continue
		}
		if withStderr, ok := yson.Bool(c.params["with_stderr"]); ok && withStderr != (len(j.stderr) > 0) {
			continue
		}
		list = append(list, p.jobAttributes(j))
	}
	if list == nil {
		list = []any{}
	}
	return map[string]any{
		"jobs":                list,
		"state_counts":        stateCounts,
		"type_counts":         typeCounts,
		"cypress_job_count":   int64(len(list)),
		"scheduler_job_count": int64(len(list)),
		"archive_job_count":   yson.Entity{},
	}, nil
}

func (p *Platform) job(c *call) (*job, error) {
	id := c.str("job_id")
	j := p.jobs[id]
	if j == nil {
		return nil, errorf(driver.CodeNoSuchJob, "No such job %s", id)
	}
	if opID := c.str("operation_id"); opID != "" && j.op.id != opID && p.aliases[opID] != j.op.id {
		return nil, errorf(driver.CodeNoSuchJob, "Job %s does not belong to operation %s", id, opID)
	}
	return j, nil
}

func (p *Platform) runningJob(c *call) (*job, error) {
	j, err := p.job(c)
	if err != nil {
		return nil, err
	}
	if j.state != stateRunning {
		return nil, errorf(driver.CodeNoSuchJob, "Job %s is not running", j.id)
	}
	return j, nil
}

func cmdGetJob(p *Platform, c *call) (any, error) {
	j, err := p.job(c)
	if err != nil {
		return nil, err
	}
	return p.jobAttributes(j), nil
}

func cmdGetJobStderr(p *Platform, c *call) (any, error) {
	j, err := p.job(c)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), j.stderr...), nil
}

func (p *Platform) abortJob(j *job) {
	j.kill()
	j.superseded = true
	j.state = stateAborted
	j.finished = time.Now()
	j.op.pending = append(j.op.pending, j.slice)
}

func cmdAbortJob(p *Platform, c *call) (any, error) {
	j, err := p.runningJob(c)
	if err != nil {
		return nil, err
	}
	p.abortJob(j)
	p.schedule(j.op)
	return nil, nil
}

func cmdAbandonJob(p *Platform, c *call) (any, error) {
	j, err := p.runningJob(c)
	if err != nil {
		return nil, err
	}
	j.kill()
	j.superseded = true
	j.state = stateCompleted
	j.finished = time.Now()
	p.maybeAdvance(j.op)
	return nil, nil
}

func cmdSignalJob(p *Platform, c *call) (any, error) {
	j, err := p.runningJob(c)
	if err != nil {
		return nil, err
	}
	sig := unix.SignalNum(c.str("signal_name"))
	if sig == 0 {
		return nil, errorf(1, "Unknown signal %q", c.str("signal_name"))
	}
	if j.cmd == nil || j.cmd.Process == nil {
		return nil, errorf(driver.CodeNoSuchJob, "Job %s has no process", j.id)
	}
	if err := unix.Kill(-j.cmd.Process.Pid, sig); err != nil {
		return nil, errorf(1, "Failed to signal job %s: %v", j.id, err)
	}
	return nil, nil
}

func cmdDumpJobContext(p *Platform, c *call) (any, error) {
	j, err := p.runningJob(c)
	if err != nil {
		return nil, err
	}
	path, err := c.path()
	if err != nil {
		return nil, err
	}
	parent, key, err := p.ensureParent(path, true, c.user)
	if err != nil {
		return nil, err
	}
	if existing := parent.children[key]; existing != nil {
		return nil, errorf(driver.CodeAlreadyExists, "Node %s already exists", path.raw)
	}
	input, _ := yson.MarshalListFragment(j.slice.rows)
	n := p.newNode("file")
	n.data = input
	n.owner = c.user
	p.attach(parent, key, n)
	return nil, nil
}
