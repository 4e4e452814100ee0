package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/cuemby/testenv/pkg/client"
	"github.com/cuemby/testenv/pkg/driver"
	"github.com/cuemby/testenv/pkg/events"
	"github.com/cuemby/testenv/pkg/health"
	"github.com/cuemby/testenv/pkg/log"
	"github.com/cuemby/testenv/pkg/metrics"
	"github.com/cuemby/testenv/pkg/provision"
	"github.com/cuemby/testenv/pkg/supervisor"
	"github.com/cuemby/testenv/pkg/types"
	"github.com/cuemby/testenv/pkg/yson"
)

// Hooks let suites act between start steps. Every field is optional.
type Hooks struct {
	// OnMastersStarted runs once, after every master cell of a cluster is
	// ready and before nodes start
	OnMastersStarted func(ctx context.Context, inst *provision.Instance, c *client.Client) error
	// OnRoleStarted runs after the processes of a role are spawned and
	// before its readiness probe. Masters report once per cell.
	OnRoleStarted func(ctx context.Context, inst *provision.Instance, role types.Role) error
	// OnRoleStopped runs after the processes of a role are killed
	OnRoleStopped func(inst *provision.Instance, role types.Role)
}

// Options configures an Orchestrator
type Options struct {
	Provisioner *provision.Provisioner
	// Registry defaults to one built on driver.DefaultFactory
	Registry      *driver.Registry
	ClientOptions []client.Option
	Broker        *events.Broker
	Policies      Policies
	Hooks         Hooks

	// ProxyChecker builds the readiness check of one HTTP proxy endpoint
	ProxyChecker func(url string) health.Checker

	LivenessInterval time.Duration
	// MetricsInterval enables periodic process sampling when positive
	MetricsInterval time.Duration
	// Exit terminates the harness after an emergency stop, os.Exit by default
	Exit func(code int)
}

// Orchestrator starts clusters in dependency order, waits for each step to
// be ready, restarts roles on demand and tears everything down
type Orchestrator struct {
	opts     Options
	registry *driver.Registry
	client   *client.Client
	logger   zerolog.Logger

	mu        sync.Mutex
	instances []*provision.Instance
	hooked    map[string]bool
	checkers  []*LivenessChecker
	collector *metrics.Collector

	emergencyOnce sync.Once
	emergency     *EmergencyError
	stopOnce      sync.Once
}

// New creates an orchestrator
func New(opts Options) *Orchestrator {
	if opts.Registry == nil {
		opts.Registry = driver.NewRegistry(nil)
	}
	if opts.ProxyChecker == nil {
		opts.ProxyChecker = func(url string) health.Checker {
			return health.NewHTTPChecker(url)
		}
	}
	if opts.Exit == nil {
		opts.Exit = os.Exit
	}
	opts.Policies = opts.Policies.withDefaults()
	return &Orchestrator{
		opts:     opts,
		registry: opts.Registry,
		client:   client.New(opts.Registry, opts.ClientOptions...),
		logger:   log.WithComponent("lifecycle"),
		hooked:   make(map[string]bool),
	}
}

// Client returns the command façade bound to the orchestrated clusters
func (o *Orchestrator) Client() *client.Client {
	return o.client
}

// Registry returns the driver registry
func (o *Orchestrator) Registry() *driver.Registry {
	return o.registry
}

// Prepare provisions one instance per spec under the run directory.
// Nothing is started. On failure the instances prepared so far are torn down.
func (o *Orchestrator) Prepare(ctx context.Context, runID string, specs ...types.ClusterSpec) error {
	var prepared []*provision.Instance
	for _, spec := range specs {
		dir := o.opts.Provisioner.ClusterDir(runID, spec.Name)
		inst, err := o.opts.Provisioner.Prepare(ctx, runID, spec, dir)
		if err != nil {
			for _, p := range prepared {
				o.opts.Provisioner.Teardown(p)
			}
			return fmt.Errorf("prepare %s: %w", spec.Name, err)
		}
		prepared = append(prepared, inst)
	}

	o.mu.Lock()
	o.instances = append(o.instances, prepared...)
	o.mu.Unlock()
	return nil
}

// Instances returns the prepared clusters, primary first
func (o *Orchestrator) Instances() []*provision.Instance {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*provision.Instance(nil), o.instances...)
}

// Instance returns a cluster by name
func (o *Orchestrator) Instance(name string) (*provision.Instance, error) {
	for _, inst := range o.Instances() {
		if inst.Name() == name {
			return inst, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownCluster, name)
}

// Emergency returns the emergency that stopped the clusters, or nil
func (o *Orchestrator) Emergency() *EmergencyError {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.emergency
}

// Start brings up every prepared cluster, publishes the clusters directory
// and starts watching for crashed processes. A failed start leaves cleanup
// to Stop.
func (o *Orchestrator) Start(ctx context.Context) error {
	instances := o.Instances()
	for _, inst := range instances {
		if err := o.StartCluster(ctx, inst); err != nil {
			return err
		}
	}
	if err := o.PublishClusters(ctx); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	for _, inst := range instances {
		checker := NewLivenessChecker(inst, o.opts.LivenessInterval, o.onEmergency)
		checker.Start()
		o.checkers = append(o.checkers, checker)
	}
	if o.opts.MetricsInterval > 0 {
		sources := make([]metrics.Source, 0, len(instances))
		for _, inst := range instances {
			sources = append(sources, inst)
		}
		o.collector = metrics.NewCollector(o.opts.MetricsInterval, sources...)
		o.collector.Start()
	}
	return nil
}

// StartCluster creates the drivers of one cluster and starts its roles in
// order, skipping deferred ones
func (o *Orchestrator) StartCluster(ctx context.Context, inst *provision.Instance) error {
	logger := o.logger.With().Str("cluster", inst.Name()).Logger()
	inst.SetState(types.StateStarting)
	started := time.Now()

	if err := o.initDrivers(ctx, inst); err != nil {
		return err
	}
	for _, role := range types.StartOrder {
		if inst.Spec.Count(role) == 0 {
			continue
		}
		if inst.Spec.DeferStart[role] {
			logger.Info().Str("role", string(role)).Msg("Start deferred")
			continue
		}
		if err := o.startRole(ctx, inst, role); err != nil {
			return err
		}
	}

	if err := provision.WriteInfo(inst); err != nil {
		logger.Warn().Err(err).Msg("Failed to write info file")
	}
	inst.SetState(types.StateRunning)
	logger.Info().Dur("duration", time.Since(started)).Msg("Cluster is running")
	return nil
}

func (o *Orchestrator) initDrivers(ctx context.Context, inst *provision.Instance) error {
	return o.await(ctx, inst, probe{
		role:   types.RoleDriver,
		name:   "drivers",
		policy: o.opts.Policies.Driver,
		check: func(ctx context.Context) (bool, error) {
			if err := o.registry.InitDrivers(ctx, inst.Name(), inst.DriverConfigs()); err != nil {
				return false, err
			}
			return true, nil
		},
	})
}

// StartRoles starts roles of a cluster that are not running, such as
// deferred ones, and waits for each to be ready
func (o *Orchestrator) StartRoles(ctx context.Context, cluster string, roles ...types.Role) error {
	inst, err := o.Instance(cluster)
	if err != nil {
		return err
	}
	return o.startRoles(ctx, inst, roles)
}

func (o *Orchestrator) startRoles(ctx context.Context, inst *provision.Instance, roles []types.Role) error {
	for _, role := range types.SortForStart(roles) {
		if inst.Spec.Count(role) == 0 {
			continue
		}
		if err := o.startRole(ctx, inst, role); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) startRole(ctx context.Context, inst *provision.Instance, role types.Role) error {
	c := o.client.OnCluster(inst.Name())
	if role == types.RoleMaster {
		return o.startMasters(ctx, c, inst)
	}
	if role == types.RoleScheduler {
		if err := removeSchedulerLock(ctx, c); err != nil {
			return err
		}
	}
	since := time.Now()
	if err := o.spawn(ctx, inst, role, 0); err != nil {
		return err
	}
	return o.await(ctx, inst, o.probeFor(c, inst, role, since))
}

func (o *Orchestrator) startMasters(ctx context.Context, c *client.Client, inst *provision.Instance) error {
	for cell := 0; cell < inst.Spec.CellCount(); cell++ {
		if err := o.spawn(ctx, inst, types.RoleMaster, cell); err != nil {
			return err
		}
		if err := o.await(ctx, inst, o.masterProbe(c, inst, cell)); err != nil {
			return err
		}
	}

	o.mu.Lock()
	first := !o.hooked[inst.Name()]
	o.hooked[inst.Name()] = true
	o.mu.Unlock()
	if first && o.opts.Hooks.OnMastersStarted != nil {
		if err := o.opts.Hooks.OnMastersStarted(ctx, inst, c); err != nil {
			return fmt.Errorf("masters started hook of %s: %w", inst.Name(), err)
		}
	}
	return nil
}

func (o *Orchestrator) spawn(ctx context.Context, inst *provision.Instance, role types.Role, cell int) error {
	for _, spec := range inst.ProcessSpecs(role, cell) {
		if _, err := inst.Supervisor.Run(ctx, spec); err != nil {
			return err
		}
	}
	if o.opts.Hooks.OnRoleStarted != nil {
		if err := o.opts.Hooks.OnRoleStarted(ctx, inst, role); err != nil {
			return fmt.Errorf("%s started hook of %s: %w", role, inst.Name(), err)
		}
	}
	return nil
}

// removeSchedulerLock aborts the transaction a previous scheduler left on
// its lock, so that the new one does not wait for it to expire
func removeSchedulerLock(ctx context.Context, c *client.Client) error {
	raw, err := c.Get(ctx, "//sys/scheduler/lock/@locks", quiet(0))
	if client.IsResolveError(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read scheduler lock: %w", err)
	}
	locks, _ := yson.List(raw)
	for _, l := range locks {
		tx, ok := yson.String(lookup(l, "transaction_id"))
		if !ok {
			continue
		}
		err := c.AbortTransaction(ctx, tx, client.Common{Quiet: true})
		if err != nil && !client.IsResolveError(err) && !client.AsPlatformError(err).IsNoSuchTransaction() {
			return fmt.Errorf("abort scheduler lock transaction %s: %w", tx, err)
		}
	}
	return nil
}

// KillRoles kills the processes of roles in reverse start order
func (o *Orchestrator) KillRoles(cluster string, roles ...types.Role) error {
	inst, err := o.Instance(cluster)
	if err != nil {
		return err
	}
	o.killRoles(inst, roles)
	return nil
}

func (o *Orchestrator) killRoles(inst *provision.Instance, roles []types.Role) {
	for _, role := range types.SortForStop(roles) {
		if role == types.RoleMaster {
			for cell := inst.Spec.CellCount() - 1; cell >= 0; cell-- {
				inst.Supervisor.Kill(provision.ServiceName(role, cell))
			}
		} else {
			inst.Supervisor.Kill(provision.ServiceName(role, 0))
		}
		if o.opts.Hooks.OnRoleStopped != nil {
			o.opts.Hooks.OnRoleStopped(inst, role)
		}
	}
}

// Restarter returns a restarter over roles of a cluster
func (o *Orchestrator) Restarter(cluster string, roles ...types.Role) (*Restarter, error) {
	inst, err := o.Instance(cluster)
	if err != nil {
		return nil, err
	}
	return &Restarter{o: o, inst: inst, roles: types.SortForStart(roles)}, nil
}

// PublishClusters writes the connection of every cluster under
// //sys/clusters of every cluster, so that any driver can resolve remote
// cluster names
func (o *Orchestrator) PublishClusters(ctx context.Context) error {
	instances := o.Instances()
	for _, target := range instances {
		c := o.client.OnCluster(target.Name())
		for _, src := range instances {
			conn, _ := yson.Clone(map[string]any(src.Configs.Connection)).(map[string]any)
			err := c.Set(ctx, "//sys/clusters/"+src.Name(), conn, client.SetOptions{
				Common: client.Common{Quiet: true},
				Force:  true,
			})
			if err != nil {
				return fmt.Errorf("publish %s to %s: %w", src.Name(), target.Name(), err)
			}
		}
	}
	return nil
}

func (o *Orchestrator) onEmergency(inst *provision.Instance, proc *supervisor.Process) {
	o.emergencyOnce.Do(func() {
		code, _ := proc.ExitCode()
		emergency := &EmergencyError{Cluster: inst.Name(), Process: proc.Name, ExitCode: code}
		o.mu.Lock()
		o.emergency = emergency
		o.mu.Unlock()

		o.logger.Error().
			Str("cluster", inst.Name()).
			Str("process", proc.Name).
			Int("exit_code", code).
			Msg("Emergency stop")
		metrics.EmergencyStopsTotal.Inc()
		o.opts.Broker.Publish(events.New(events.EventClusterEmergency, inst.Name(), emergency.Error()).
			With("process", proc.Name))

		inst.Supervisor.DumpStderrs(proc.Service)
		// The checkers stay up: this runs on one of them.
		o.teardown()
		o.opts.Exit(ExitCodeEmergency)
	})
}

// Stop stops the checkers and tears every cluster down. It is best effort
// and idempotent.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		o.mu.Lock()
		checkers := o.checkers
		o.checkers = nil
		collector := o.collector
		o.collector = nil
		o.mu.Unlock()

		for _, c := range checkers {
			c.Stop()
		}
		if collector != nil {
			collector.Stop()
		}
		o.teardown()
		if err := o.client.Close(); err != nil {
			o.logger.Warn().Err(err).Msg("Pending requests failed")
		}
	})
}

func (o *Orchestrator) teardown() {
	var g errgroup.Group
	for _, inst := range o.Instances() {
		g.Go(func() error {
			o.opts.Provisioner.Teardown(inst)
			o.registry.Remove(inst.Name())
			return nil
		})
	}
	_ = g.Wait()
}

// Archive moves the run sandbox to the storage root. Every cluster must be
// stopped.
func (o *Orchestrator) Archive(runID string) (string, error) {
	instances := o.Instances()
	for _, inst := range instances {
		if inst.State() != types.StateStopped {
			return "", errors.New("cluster " + inst.Name() + " is not stopped")
		}
	}
	return o.opts.Provisioner.Archive(runID, instances...)
}
