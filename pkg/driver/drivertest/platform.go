package drivertest

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/testenv/pkg/driver"
	"github.com/cuemby/testenv/pkg/types"
	"github.com/cuemby/testenv/pkg/yson"
)

// Options shape a fake Platform. Zero role counts give a bare cluster with masters only.
type Options struct {
	Name              string
	CellTag           int
	SecondaryCellTags []int
	Nodes             int
	Schedulers        int
	ControllerAgents  int
	RPCProxies        int
	// MountDelay is how long tablet state transitions take
	MountDelay time.Duration
}

// Call is one command received by the fake
type Call struct {
	Cell       int
	Command    string
	Parameters map[string]any
	User       string
}

// Fault makes matching commands fail
type Fault struct {
	// Command to fail; empty matches every command
	Command string
	// Times the fault fires; zero means once
	Times int
	// Err is returned instead of the result, driver.ErrTransport by default
	Err error
	// AfterApply applies the command before failing, like a lost response
	AfterApply bool
}

// Platform is an in-memory Cypress, transaction and scheduler model served
// through driver.Driver. All state lives behind one mutex.
type Platform struct {
	mu   sync.Mutex
	opts Options

	root      *node
	ids       map[string]*node
	txs       map[string]*transaction
	ops       map[string]*operation
	aliases   map[string]string
	jobs      map[string]*job
	mutations map[string]mutation
	calls     []Call
	faults    []*Fault
	linked    map[string]*Platform
	cells     map[int]bool
	roles     map[types.Role][]string
	timestamp uint64
	started   time.Time
	closed    bool
	wg        sync.WaitGroup
}

type mutation struct {
	output any
	err    error
}

type call struct {
	cell    int
	command string
	params  map[string]any
	input   []byte
	user    string
}

type handler func(p *Platform, c *call) (any, error)

var handlers = map[string]handler{}

// New builds a Platform and registers the requested role instances
func New(opts Options) *Platform {
	if opts.Name == "" {
		opts.Name = types.PrimaryClusterName
	}
	if opts.CellTag == 0 {
		opts.CellTag = 1
	}
	p := &Platform{
		opts:      opts,
		ids:       make(map[string]*node),
		txs:       make(map[string]*transaction),
		ops:       make(map[string]*operation),
		aliases:   make(map[string]string),
		jobs:      make(map[string]*job),
		mutations: make(map[string]mutation),
		linked:    make(map[string]*Platform),
		cells:     map[int]bool{opts.CellTag: true},
		roles:     make(map[types.Role][]string),
		started:   time.Now(),
	}
	for _, tag := range opts.SecondaryCellTags {
		p.cells[tag] = true
	}
	p.bootstrap()

	for i := 0; i < opts.Nodes; i++ {
		p.Register(types.RoleNode, fmt.Sprintf("localhost:%d", 20000+i))
	}
	for i := 0; i < opts.Schedulers; i++ {
		p.Register(types.RoleScheduler, fmt.Sprintf("localhost:%d", 21000+i))
	}
	for i := 0; i < opts.ControllerAgents; i++ {
		p.Register(types.RoleControllerAgent, fmt.Sprintf("localhost:%d", 22000+i))
	}
	for i := 0; i < opts.RPCProxies; i++ {
		p.Register(types.RoleRPCProxy, fmt.Sprintf("localhost:%d", 23000+i))
	}
	return p
}

// Name returns the cluster name
func (p *Platform) Name() string { return p.opts.Name }

// CellTag returns the primary master cell tag
func (p *Platform) CellTag() int { return p.opts.CellTag }

// RegisterCell adds a secondary master cell
func (p *Platform) RegisterCell(tag int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cells[tag] = true
	p.refreshCellTags()
}

// Link makes other platforms reachable by remote_copy through their names.
// Each linked cluster must also be described under //sys/clusters.
func (p *Platform) Link(others ...*Platform) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, o := range others {
		p.linked[o.Name()] = o
	}
}

// Driver returns a driver bound to one master cell of the platform
func (p *Platform) Driver(cell int) driver.Driver {
	return &cellDriver{
		platform: p,
		cfg: driver.Config{
			Cluster:        p.opts.Name,
			Backend:        types.DriverBackendHTTP,
			ProxyAddresses: []string{"fake:" + p.opts.Name},
			CellTag:        cell,
			APIVersion:     4,
		},
	}
}

// Factory returns a driver.Factory serving every cell of this platform
func (p *Platform) Factory() driver.Factory {
	return func(ctx context.Context, cfg driver.Config) (driver.Driver, error) {
		cell := cfg.CellTag
		if cell == 0 {
			cell = p.opts.CellTag
		}
		p.mu.Lock()
		known := p.cells[cell]
		p.mu.Unlock()
		if !known {
			return nil, fmt.Errorf("cluster %s has no master cell %d", p.opts.Name, cell)
		}
		d := p.Driver(cell).(*cellDriver)
		d.cfg.Cluster = cfg.Cluster
		d.cfg.Backend = cfg.Backend
		d.cfg.Document = cfg.Document
		if len(cfg.ProxyAddresses) > 0 {
			d.cfg.ProxyAddresses = cfg.ProxyAddresses
		}
		return d, nil
	}
}

// Calls returns the commands received so far, batched subrequests included
func (p *Platform) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Call(nil), p.calls...)
}

// CallCount counts received calls of one command
func (p *Platform) CallCount(command string) int {
	n := 0
	for _, c := range p.Calls() {
		if c.Command == command {
			n++
		}
	}
	return n
}

// ResetLog forgets recorded calls
func (p *Platform) ResetLog() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = nil
}

// InjectFault arms a fault
func (p *Platform) InjectFault(f Fault) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if f.Times <= 0 {
		f.Times = 1
	}
	if f.Err == nil {
		f.Err = fmt.Errorf("%w: injected failure of %s", driver.ErrTransport, f.Command)
	}
	p.faults = append(p.faults, &f)
}

// Close stops running jobs and rejects further commands
func (p *Platform) Close() {
	p.mu.Lock()
	p.closed = true
	for _, j := range p.jobs {
		j.kill()
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// Do executes one command as root outside of any driver
func (p *Platform) Do(command string, params map[string]any) (any, error) {
	norm, err := normalize(params)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dispatch(&call{cell: p.opts.CellTag, command: command, params: norm, user: "root"})
}

type cellDriver struct {
	platform *Platform
	cfg      driver.Config
	mu       sync.Mutex
	closed   bool
}

func (d *cellDriver) Config() driver.Config { return d.cfg }

func (d *cellDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *cellDriver) Execute(ctx context.Context, req *driver.Request) *driver.Response {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return driver.Completed(nil, driver.ErrClosed)
	}
	if err := ctx.Err(); err != nil {
		return driver.Completed(nil, err)
	}
	return driver.Completed(d.platform.execute(d.cfg.CellTag, req))
}

func (p *Platform) execute(cell int, req *driver.Request) ([]byte, error) {
	desc, ok := driver.Lookup(req.Command)
	if !ok {
		return nil, errorf(1, "Unknown command %q", req.Command)
	}
	params, err := normalize(req.Parameters)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, fmt.Errorf("%w: platform %s is down", driver.ErrTransport, p.opts.Name)
	}

	c := &call{cell: cell, command: req.Command, params: params, input: req.Input, user: req.User}
	if c.user == "" {
		c.user = "root"
	}

	fault := p.takeFault(req.Command)
	if fault != nil && !fault.AfterApply {
		p.record(c)
		return nil, fault.Err
	}
	out, err := p.dispatch(c)
	if fault != nil {
		return nil, fault.Err
	}
	if err != nil {
		return nil, err
	}
	return encodeOutput(desc, out)
}

func encodeOutput(desc driver.Descriptor, out any) ([]byte, error) {
	switch desc.OutputType {
	case driver.DataNull:
		return nil, nil
	case driver.DataBinary:
		b, _ := out.([]byte)
		return b, nil
	case driver.DataTabular:
		rows, _ := out.([]any)
		return yson.MarshalListFragment(rows)
	default:
		return yson.Marshal(out)
	}
}

// normalize gives parameters the shapes the YSON decoder produces
func normalize(params map[string]any) (map[string]any, error) {
	if len(params) == 0 {
		return map[string]any{}, nil
	}
	raw, err := yson.Marshal(params)
	if err != nil {
		return nil, errorf(1, "Invalid parameters: %v", err)
	}
	v, err := yson.Unmarshal(raw)
	if err != nil {
		return nil, errorf(1, "Invalid parameters: %v", err)
	}
	m, _ := yson.Map(v)
	return m, nil
}

func (p *Platform) takeFault(command string) *Fault {
	for i, f := range p.faults {
		if f.Command != "" && f.Command != command {
			continue
		}
		f.Times--
		if f.Times <= 0 {
			p.faults = append(p.faults[:i], p.faults[i+1:]...)
		}
		return f
	}
	return nil
}

func (p *Platform) record(c *call) {
	p.calls = append(p.calls, Call{
		Cell:       c.cell,
		Command:    c.command,
		Parameters: yson.Clone(c.params).(map[string]any),
		User:       c.user,
	})
}

// dispatch runs one command with the lock held
func (p *Platform) dispatch(c *call) (any, error) {
	if c.params == nil {
		c.params = map[string]any{}
	}
	p.record(c)
	h, ok := handlers[c.command]
	if !ok {
		return nil, errorf(1, "Command %q is not supported", c.command)
	}
	if err := p.authenticate(c.user); err != nil {
		return nil, err
	}
	if tx := c.str("transaction_id"); tx != "" && tx != nullTx {
		if err := p.liveTx(tx); err != nil {
			return nil, err
		}
	}

	mutationID := c.str("mutation_id")
	if mutationID != "" {
		if prev, ok := p.mutations[mutationID]; ok {
			if !c.bool("retry") {
				return nil, errorf(1, "Duplicate request is not marked as \"retry\" (mutation id %s)", mutationID)
			}
			return yson.Clone(prev.output), prev.err
		}
	}
	out, err := h(p, c)
	if mutationID != "" {
		p.mutations[mutationID] = mutation{output: yson.Clone(out), err: err}
	}
	return out, err
}

func (p *Platform) authenticate(user string) error {
	if user == "root" {
		return nil
	}
	u := p.collection("users").children[user]
	if u == nil {
		return errorf(driver.CodeAuthorizationError, "Authentication failed: no such user %q", user)
	}
	if banned, _ := yson.Bool(u.attrs["banned"]); banned {
		return errorf(driver.CodeAuthorizationError, "User %q is banned", user)
	}
	return nil
}

func (p *Platform) collection(name string) *node {
	return p.root.children["sys"].children[name]
}

func (p *Platform) sysNode(path string) *node {
	n, _, err := p.resolve(mustPath("//sys/" + path))
	if err != nil {
		return nil
	}
	return n
}

func mustPath(s string) ypath {
	p, err := parsePath(s)
	if err != nil {
		panic(err)
	}
	return p
}

func (c *call) str(key string) string {
	s, _ := yson.String(c.params[key])
	return s
}

func (c *call) bool(key string) bool {
	b, _ := yson.Bool(c.params[key])
	return b
}

func (c *call) int(key string, def int64) int64 {
	if v, ok := yson.Int(c.params[key]); ok {
		return v
	}
	return def
}

func (c *call) strings(key string) []string {
	return yson.Strings(c.params[key])
}

func (c *call) path() (ypath, error) {
	raw, ok := c.params["path"]
	if !ok {
		return ypath{}, errorf(1, "Missing required parameter \"path\"")
	}
	s, ok := yson.String(raw)
	if !ok {
		return ypath{}, errorf(1, "Parameter \"path\" must be a string")
	}
	return parsePath(s)
}

// richPath returns the path string and the attributes attached to it
func richPath(v any) (string, map[string]any) {
	s, _ := yson.String(v)
	return s, yson.AttrsOf(v)
}

func (c *call) value() (any, error) {
	if v, ok := c.params["value"]; ok {
		return v, nil
	}
	if len(c.input) == 0 {
		return nil, errorf(1, "Missing value")
	}
	v, err := yson.Unmarshal(c.input)
	if err != nil {
		return nil, errorf(1, "Error parsing input: %v", err)
	}
	return v, nil
}

func (c *call) rows() ([]any, error) {
	if len(c.input) == 0 {
		return nil, nil
	}
	rows, err := yson.UnmarshalListFragment(c.input)
	if err != nil {
		return nil, errorf(1, "Error parsing input rows: %v", err)
	}
	return rows, nil
}

func newID() string {
	u := uuid.New()
	return fmt.Sprintf("%x-%x-%x-%x",
		binary.BigEndian.Uint32(u[0:4]), binary.BigEndian.Uint32(u[4:8]),
		binary.BigEndian.Uint32(u[8:12]), binary.BigEndian.Uint32(u[12:16]))
}

func (p *Platform) refreshCellTags() {
	var secondary []any
	for tag := range p.cells {
		if tag != p.opts.CellTag {
			secondary = append(secondary, int64(tag))
		}
	}
	p.root.children["sys"].attrs["registered_master_cell_tags"] = secondary
}

func (p *Platform) isAlias(id string) bool {
	return strings.HasPrefix(id, "*")
}
