package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/testenv/pkg/driver"
	"github.com/cuemby/testenv/pkg/log"
	"github.com/cuemby/testenv/pkg/metrics"
	"github.com/cuemby/testenv/pkg/wait"
	"github.com/cuemby/testenv/pkg/yson"
)

// DefaultTimeout bounds calls whose context carries no deadline
const DefaultTimeout = 2 * time.Minute

// Client is the command façade over the drivers of a run
type Client struct {
	registry *driver.Registry
	cluster  string
	upload   UploadStrategy
	track    wait.Policy
	timeout  time.Duration
	logger   zerolog.Logger

	// shared by every view returned from OnCluster
	zombies *zombieSet
}

type zombieSet struct {
	mu        sync.Mutex
	responses []*driver.Response
}

// Option configures a Client
type Option func(*Client)

// WithUpload replaces the strategy used by WriteFile and WriteTable
func WithUpload(u UploadStrategy) Option {
	return func(c *Client) { c.upload = u }
}

// WithTrackPolicy bounds Operation.Track
func WithTrackPolicy(p wait.Policy) Option {
	return func(c *Client) { c.track = p }
}

// WithTimeout changes DefaultTimeout for this client
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// New creates a façade routing commands through registry. Commands without
// an explicit cluster go to the primary cluster.
func New(registry *driver.Registry, opts ...Option) *Client {
	c := &Client{
		registry: registry,
		upload:   SingleUpload{},
		track:    wait.Policy{MaxWait: 10 * time.Minute, Interval: 100 * time.Millisecond, MaxInterval: time.Second},
		timeout:  DefaultTimeout,
		logger:   log.WithComponent("client"),
		zombies:  &zombieSet{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnCluster returns a view of the client whose default cluster is name
func (c *Client) OnCluster(name string) *Client {
	view := *c
	view.cluster = name
	view.logger = log.WithCluster("client", name)
	return &view
}

// Registry returns the driver registry behind the client
func (c *Client) Registry() *driver.Registry {
	return c.registry
}

// Close waits for every fire-and-forget request to complete
func (c *Client) Close() error {
	c.zombies.mu.Lock()
	pending := c.zombies.responses
	c.zombies.responses = nil
	c.zombies.mu.Unlock()

	var errs []error
	for _, r := range pending {
		if err := r.Err(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CallOptions route and shape one Execute call
type CallOptions struct {
	// Driver overrides routing entirely
	Driver  driver.Driver
	Cluster string
	// Cell selects the master cell driver, 0 being the primary cell
	Cell  int
	Input []byte
	// Quiet suppresses the per-call log line
	Quiet bool
	// IgnoreResult fires the request and returns without waiting
	IgnoreResult bool
}

// CallOption sets one field of CallOptions
type CallOption func(*CallOptions)

// OnDriver sends the call through d
func OnDriver(d driver.Driver) CallOption {
	return func(o *CallOptions) { o.Driver = d }
}

// OnCluster routes the call to the primary driver of a named cluster
func OnCluster(name string) CallOption {
	return func(o *CallOptions) { o.Cluster = name }
}

// OnCell routes the call to a secondary master cell
func OnCell(cell int) CallOption {
	return func(o *CallOptions) { o.Cell = cell }
}

// WithInput attaches a request body
func WithInput(data []byte) CallOption {
	return func(o *CallOptions) { o.Input = data }
}

// Quiet disables verbose logging of the call
func Quiet() CallOption {
	return func(o *CallOptions) { o.Quiet = true }
}

// IgnoreResult makes Execute return as soon as the request is sent
func IgnoreResult() CallOption {
	return func(o *CallOptions) { o.IgnoreResult = true }
}

func collect(opts []CallOption) CallOptions {
	var o CallOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (c *Client) driverFor(o CallOptions) (driver.Driver, error) {
	if o.Driver != nil {
		return o.Driver, nil
	}
	cluster := o.Cluster
	if cluster == "" {
		cluster = c.cluster
	}
	return c.registry.Get(cluster, o.Cell)
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

// Execute runs one command and returns its raw output. Mutating commands
// carry a fresh mutation id and are replayed once, marked as a retry, when
// the first attempt fails in transport.
func (c *Client) Execute(ctx context.Context, command string, params map[string]any, opts ...CallOption) ([]byte, error) {
	o := collect(opts)
	d, err := c.driverFor(o)
	if err != nil {
		return nil, err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	req, desc, err := c.prepare(ctx, d, command, params, o.Input)
	if err != nil {
		return nil, err
	}
	if o.IgnoreResult {
		c.keep(d.Execute(context.WithoutCancel(ctx), req))
		return nil, nil
	}

	started := time.Now()
	timer := metrics.NewTimer()
	out, err := d.Execute(ctx, req).Wait(ctx)
	if err != nil && desc.Volatile && errors.Is(err, driver.ErrTransport) {
		c.logger.Warn().Err(err).Str("command", req.Command).Msg("Replaying mutating command after transport failure")
		req.Parameters["retry"] = true
		out, err = d.Execute(ctx, req).Wait(ctx)
	}
	c.observe(d, req, started, timer, err, o.Quiet)
	return out, err
}

// Start sends one command and returns its response future without waiting.
// Nothing is retried.
func (c *Client) Start(ctx context.Context, command string, params map[string]any, opts ...CallOption) (*driver.Response, error) {
	o := collect(opts)
	d, err := c.driverFor(o)
	if err != nil {
		return nil, err
	}
	req, _, err := c.prepare(ctx, d, command, params, o.Input)
	if err != nil {
		return nil, err
	}
	return d.Execute(ctx, req), nil
}

// Value runs a command and decodes its output. Tabular output becomes a
// row list; single-key {value=...} style envelopes are unwrapped.
func (c *Client) Value(ctx context.Context, command string, params map[string]any, opts ...CallOption) (any, error) {
	out, err := c.Execute(ctx, command, params, opts...)
	if err != nil {
		return nil, err
	}
	return decodeOutput(canonicalCommand(command), out)
}

func decodeOutput(command string, out []byte) (any, error) {
	desc, _ := driver.Lookup(command)
	switch desc.OutputType {
	case driver.DataNull:
		return nil, nil
	case driver.DataBinary:
		return out, nil
	case driver.DataTabular:
		rows, err := yson.UnmarshalListFragment(out)
		if err != nil {
			return nil, fmt.Errorf("decode %s output: %w", command, err)
		}
		if rows == nil {
			rows = []any{}
		}
		return rows, nil
	}
	if len(out) == 0 {
		return nil, nil
	}
	v, err := yson.Unmarshal(out)
	if err != nil {
		return nil, fmt.Errorf("decode %s output: %w", command, err)
	}
	return unwrapEnvelope(v), nil
}

// envelopeKeys are the single-key results of API v4 that carry one value
var envelopeKeys = map[string]bool{
	"value":          true,
	"node_id":        true,
	"object_id":      true,
	"transaction_id": true,
	"operation_id":   true,
	"lock_id":        true,
	"timestamp":      true,
	"snapshot_id":    true,
	"path":           true,
}

func unwrapEnvelope(v any) any {
	m, ok := v.(map[string]any)
	if !ok || len(m) != 1 {
		return v
	}
	for k, inner := range m {
		if envelopeKeys[k] {
			return inner
		}
	}
	return v
}

func (c *Client) keep(r *driver.Response) {
	c.zombies.mu.Lock()
	defer c.zombies.mu.Unlock()
	c.zombies.responses = append(c.zombies.responses, r)
}

// yson text format attached to structured streams
var ysonFormat = yson.Attributed{Attrs: map[string]any{"format": "text"}, Value: "yson"}

func (c *Client) prepare(ctx context.Context, d driver.Driver, command string, params map[string]any, input []byte) (*driver.Request, driver.Descriptor, error) {
	command, params = rewrite(command, params)
	desc, ok := driver.Lookup(command)
	if !ok {
		return nil, desc, fmt.Errorf("unknown command %q", command)
	}
	req := &driver.Request{Command: command, Parameters: params, Input: input}

	if user, ok := params["authenticated_user"]; ok {
		req.User, _ = yson.String(user)
		delete(params, "authenticated_user")
	}
	if path, ok := params["path"]; ok && command != "parse_ypath" {
		parsed, err := c.parsePath(ctx, d, path, req.User)
		if err != nil {
			return nil, desc, err
		}
		params["path"] = parsed
	}
	if desc.InputType == driver.DataStructured || desc.InputType == driver.DataTabular {
		if _, ok := params["input_format"]; !ok {
			params["input_format"] = ysonFormat
		}
	}
	if desc.OutputType == driver.DataStructured || desc.OutputType == driver.DataTabular {
		if _, ok := params["output_format"]; !ok {
			params["output_format"] = ysonFormat
		}
	}
	if desc.Volatile {
		if _, ok := params["mutation_id"]; !ok {
			params["mutation_id"] = uuid.NewString()
		}
	}
	return req, desc, nil
}

// parsePath asks the platform to split attributes embedded in a path
// string and merges them with the attributes already attached to it
func (c *Client) parsePath(ctx context.Context, d driver.Driver, path any, user string) (any, error) {
	req := &driver.Request{Command: "parse_ypath", Parameters: map[string]any{"path": path}, User: user}
	out, err := d.Execute(ctx, req).Wait(ctx)
	if err != nil {
		return nil, err
	}
	v, err := yson.Unmarshal(out)
	if err != nil {
		return nil, fmt.Errorf("decode parse_ypath output: %w", err)
	}
	m, ok := yson.Map(v)
	if !ok {
		return nil, fmt.Errorf("malformed parse_ypath output: %v", v)
	}
	return m["path"], nil
}

func (c *Client) observe(d driver.Driver, req *driver.Request, started time.Time, timer *metrics.Timer, err error, quiet bool) {
	status := "ok"
	var perr *PlatformError
	switch {
	case errors.As(err, &perr):
		status = "error"
	case err != nil:
		status = "transport_error"
	}
	metrics.CommandsTotal.WithLabelValues(req.Command, status).Inc()
	timer.ObserveDurationVec(metrics.CommandDuration, req.Command)

	if quiet {
		return
	}
	event := c.logger.Info()
	if err != nil {
		event = c.logger.Warn().Err(err)
	}
	params, _ := yson.Marshal(req.Parameters)
	event.
		Str("command", req.Command).
		Str("cluster", d.Config().Cluster).
		Str("parameters", string(params)).
		Time("wall_time", started).
		Dur("duration", timer.Duration()).
		Msg("Executed command")
}
