package framework

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cuemby/testenv/pkg/client"
	"github.com/cuemby/testenv/pkg/config"
	"github.com/cuemby/testenv/pkg/driver"
	"github.com/cuemby/testenv/pkg/events"
	"github.com/cuemby/testenv/pkg/lifecycle"
	"github.com/cuemby/testenv/pkg/log"
	"github.com/cuemby/testenv/pkg/ports"
	"github.com/cuemby/testenv/pkg/provision"
	"github.com/cuemby/testenv/pkg/supervisor"
	"github.com/cuemby/testenv/pkg/types"
	"github.com/cuemby/testenv/pkg/yson"
)

// Env holds the clusters of one suite. They are started once and shared
// by every test; each test gets a Fixture that resets them in between.
type Env struct {
	Config SuiteConfig
	RunID  string

	orch   *lifecycle.Orchestrator
	broker *events.Broker
	specs  []types.ClusterSpec
	logger zerolog.Logger

	mu sync.Mutex
	// masterConfigs is //sys/@config of each cluster right after start
	masterConfigs map[string]any
	stopOnce      sync.Once
}

// ClusterSpecs derives the spec of every cluster of the suite, primary
// first. Remote clusters copy the primary spec before their patch is applied.
// A patch that changes the scheduler count alone moves the controller agent
// count with it.
func (c SuiteConfig) ClusterSpecs() []types.ClusterSpec {
	base := c.Spec
	if base.Name == "" && base.PrimaryMasterCount == 0 {
		base = types.DefaultClusterSpec()
	}
	specs := make([]types.ClusterSpec, 0, 1+c.NumRemoteClusters)
	primary := cloneSpec(base)
	primary.Name = types.PrimaryClusterName
	specs = append(specs, primary)

	for k := 0; k < c.NumRemoteClusters; k++ {
		remote := cloneSpec(base)
		remote.Name = types.RemoteClusterName(k)
		remote.CellTag = base.CellTag + (k+1)*types.CellTagStride
		if k < len(c.Remote) && c.Remote[k] != nil {
			c.Remote[k](&remote)
			// agents follow schedulers unless the patch set them
			if remote.SchedulerCount != base.SchedulerCount && remote.ControllerAgentCount == base.ControllerAgentCount {
				remote.ControllerAgentCount = remote.SchedulerCount
			}
		}
		specs = append(specs, remote)
	}
	return specs
}

func cloneSpec(s types.ClusterSpec) types.ClusterSpec {
	out := s
	out.DeferStart = maps.Clone(s.DeferStart)
	if s.ConfigPatches != nil {
		out.ConfigPatches = make(map[types.Role]map[string]any, len(s.ConfigPatches))
		for role, patch := range s.ConfigPatches {
			out.ConfigPatches[role], _ = yson.Clone(patch).(map[string]any)
		}
	}
	out.StoreMedia = append([]string(nil), s.StoreMedia...)
	out.BinaryDiscoveryRoots = append([]string(nil), s.BinaryDiscoveryRoots...)
	return out
}

// StartEnv starts the clusters of a suite and stops them when t finishes.
// The test is skipped when no server binaries can be found.
func StartEnv(t TestingT, cfg SuiteConfig) *Env {
	t.Helper()
	env, err := NewEnv(context.Background(), cfg)
	if errors.Is(err, supervisor.ErrBinaryNotFound) {
		t.Skipf("Platform binaries are not available: %v", err)
		return nil
	}
	if err != nil {
		t.Fatalf("Failed to start test environment: %v", err)
		return nil
	}
	t.Cleanup(env.Stop)
	return env
}

// NewEnv discovers the binaries, provisions every cluster and starts them.
// A failed start stops whatever was started.
func NewEnv(ctx context.Context, cfg SuiteConfig) (*Env, error) {
	settings := config.LoadSettings()
	if cfg.Settings != nil {
		settings = *cfg.Settings
	}
	if cfg.Name == "" {
		cfg.Name = "Suite"
	}
	searchPath := cfg.SearchPath
	if searchPath == "" {
		searchPath = strings.Join(settings.SearchPath, string(os.PathListSeparator))
	}
	binaries, err := supervisor.Discover(ctx, searchPath)
	if err != nil {
		return nil, err
	}

	broker := events.NewBroker()
	broker.Start()
	prov := provision.New(provision.Options{
		Settings:  settings,
		Binaries:  binaries,
		Suite:     cfg.Name,
		Allocator: ports.NewAllocator(settings.PortLocksPath, provision.DefaultBasePort),
		Broker:    broker,
	})

	e := &Env{
		Config: cfg,
		RunID:  provision.NewRunID(),
		broker: broker,
		specs:  cfg.ClusterSpecs(),
		logger: log.WithComponent("framework").With().Str("suite", cfg.Name).Logger(),

		masterConfigs: make(map[string]any),
	}
	e.orch = lifecycle.New(lifecycle.Options{
		Provisioner:  prov,
		Registry:     driver.NewRegistry(cfg.DriverFactory),
		Broker:       broker,
		Policies:     cfg.Policies,
		Hooks:        cfg.Hooks,
		ProxyChecker: cfg.ProxyChecker,
		Exit:         cfg.Exit,
	})

	if err := e.orch.Prepare(ctx, e.RunID, e.specs...); err != nil {
		broker.Stop()
		return nil, err
	}
	if err := e.orch.Start(ctx); err != nil {
		e.Stop()
		return nil, err
	}
	if err := e.setupClass(ctx); err != nil {
		e.Stop()
		return nil, err
	}
	e.logger.Info().Str("run_id", e.RunID).Int("clusters", len(e.specs)).Msg("Test environment started")
	return e, nil
}

// setupClass prepares state that outlives single tests
func (e *Env) setupClass(ctx context.Context) error {
	for _, spec := range e.specs {
		c := e.Client().OnCluster(spec.Name)
		on := client.Common{Cluster: spec.Name}

		if spec.SecondaryCellCount > 0 {
			if err := c.Remove(ctx, "//sys/operations", client.RemoveOptions{Common: on, Recursive: true, Force: true}); err != nil {
				return fmt.Errorf("%s: remove //sys/operations: %w", spec.Name, err)
			}
			_, err := c.Create(ctx, "portal_entrance", "//sys/operations", client.CreateOptions{
				Common:     on,
				Attributes: map[string]any{"exit_cell_tag": int64(spec.CellTagOf(1))},
			})
			if err != nil {
				return fmt.Errorf("%s: create operations portal: %w", spec.Name, err)
			}
		}

		cfg, err := c.Get(ctx, "//sys/@config", client.GetOptions{Common: on})
		if err != nil {
			return fmt.Errorf("%s: read dynamic master config: %w", spec.Name, err)
		}
		e.mu.Lock()
		e.masterConfigs[spec.Name] = cfg
		e.mu.Unlock()
	}
	return nil
}

// Client returns the command façade, bound to the primary cluster
func (e *Env) Client() *client.Client {
	return e.orch.Client()
}

// Orchestrator returns the orchestrator owning the clusters
func (e *Env) Orchestrator() *lifecycle.Orchestrator {
	return e.orch
}

// Broker returns the lifecycle event broker
func (e *Env) Broker() *events.Broker {
	return e.broker
}

// Specs returns the spec of every cluster, primary first
func (e *Env) Specs() []types.ClusterSpec {
	return append([]types.ClusterSpec(nil), e.specs...)
}

// Spec returns the spec of one cluster
func (e *Env) Spec(cluster string) (types.ClusterSpec, bool) {
	for _, s := range e.specs {
		if s.Name == cluster {
			return s, true
		}
	}
	return types.ClusterSpec{}, false
}

// Restarter kills and restarts roles of one cluster
func (e *Env) Restarter(cluster string, roles ...types.Role) (*lifecycle.Restarter, error) {
	return e.orch.Restarter(cluster, roles...)
}

// NewTest sets up a Fixture for t and tears it down when t finishes
func (e *Env) NewTest(t TestingT) *TestContext {
	t.Helper()
	ctx := context.Background()
	f := e.Fixture()
	if err := f.SetUp(ctx); err != nil {
		t.Fatalf("Fixture setup failed: %v", err)
	}
	t.Cleanup(func() {
		if err := f.TearDown(ctx); err != nil {
			t.Errorf("Fixture teardown failed: %v", err)
		}
	})
	return &TestContext{T: t, Ctx: ctx, Env: e, Fixture: f, Assert: NewAssertions(t)}
}

// Stop stops every cluster. It is safe to call more than once.
func (e *Env) Stop() {
	e.stopOnce.Do(func() {
		e.orch.Stop()
		e.broker.Stop()
		e.logger.Info().Str("run_id", e.RunID).Msg("Test environment stopped")
	})
}

// Archive moves the run directory into the sandbox storage, if one is
// configured. The environment must be stopped.
func (e *Env) Archive() (string, error) {
	return e.orch.Archive(e.RunID)
}

func (e *Env) masterConfig(cluster string) any {
	e.mu.Lock()
	defer e.mu.Unlock()
	return yson.Clone(e.masterConfigs[cluster])
}
