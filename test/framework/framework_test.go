package framework_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/testenv/pkg/client"
	"github.com/cuemby/testenv/pkg/config"
	"github.com/cuemby/testenv/pkg/driver"
	"github.com/cuemby/testenv/pkg/driver/drivertest"
	"github.com/cuemby/testenv/pkg/health"
	"github.com/cuemby/testenv/pkg/lifecycle"
	"github.com/cuemby/testenv/pkg/provision"
	"github.com/cuemby/testenv/pkg/supervisor"
	"github.com/cuemby/testenv/pkg/types"
	"github.com/cuemby/testenv/pkg/yson"
	"github.com/cuemby/testenv/test/framework"
)

const fakeServer = `#!/bin/sh
case "$1" in
--version) echo "platform-server version: 23.2.0-local"; exit 0 ;;
--help) echo "usage: --config PATH"; exit 0 ;;
esac
exec sleep 120
`

// suite runs a framework Env against fake server binaries and one in-memory
// Platform per cluster
type suite struct {
	env   *framework.Env
	fakes map[string]*drivertest.Platform
	exits chan int

	mu sync.Mutex
}

func smallSpec() types.ClusterSpec {
	spec := types.DefaultClusterSpec()
	spec.PrimaryMasterCount = 1
	spec.NodeCount = 2
	spec.SchedulerCount = 1
	spec.ControllerAgentCount = 1
	spec.CellTag = 1
	return spec
}

func newSuite(t *testing.T, cfg framework.SuiteConfig) *suite {
	t.Helper()
	root := t.TempDir()
	bin := filepath.Join(root, "bin")
	require.NoError(t, os.MkdirAll(bin, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(bin, supervisor.MonolithicBinary), []byte(fakeServer), 0o755))

	s := &suite{
		fakes: make(map[string]*drivertest.Platform),
		exits: make(chan int, 1),
	}
	for _, spec := range cfg.ClusterSpecs() {
		fake := drivertest.New(drivertest.Options{Name: spec.Name, CellTag: spec.CellTag})
		t.Cleanup(fake.Close)
		s.fakes[spec.Name] = fake
	}

	if cfg.Name == "" {
		cfg.Name = t.Name()
	}
	cfg.Settings = &config.Settings{
		SandboxRoot:   filepath.Join(root, "sandbox"),
		PortLocksPath: filepath.Join(root, "ports"),
	}
	cfg.SearchPath = bin
	cfg.DriverFactory = func(ctx context.Context, dc driver.Config) (driver.Driver, error) {
		fake, ok := s.fakes[dc.Cluster]
		if !ok {
			return nil, fmt.Errorf("no fake for %s", dc.Cluster)
		}
		return fake.Factory()(ctx, dc)
	}
	cfg.ProxyChecker = func(string) health.Checker {
		return health.NewFuncChecker("proxy", func(context.Context) error { return nil })
	}
	cfg.Hooks = lifecycle.Hooks{
		OnRoleStarted: s.register,
		OnRoleStopped: s.unregister,
	}
	cfg.Exit = func(code int) { s.exits <- code }

	s.env = framework.StartEnv(t, cfg)
	return s
}

func addresses(inst *provision.Instance, role types.Role) []string {
	a := inst.Configs.Addresses
	switch role {
	case types.RoleNode:
		return a.Nodes
	case types.RoleScheduler:
		return a.Schedulers
	case types.RoleControllerAgent:
		return a.ControllerAgents
	case types.RoleRPCProxy:
		return a.RPCProxies
	}
	return nil
}

func (s *suite) register(ctx context.Context, inst *provision.Instance, role types.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, addr := range addresses(inst, role) {
		s.fakes[inst.Name()].Register(role, addr)
	}
	return nil
}

func (s *suite) unregister(inst *provision.Instance, role types.Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, addr := range addresses(inst, role) {
		s.fakes[inst.Name()].Unregister(role, addr)
	}
}

func TestClusterSpecs(t *testing.T) {
	cfg := framework.SuiteConfig{
		Spec:              smallSpec(),
		NumRemoteClusters: 2,
		Remote: []framework.SpecPatch{
			nil,
			func(spec *types.ClusterSpec) {
				spec.SchedulerCount = 0
				spec.DeferStart = map[types.Role]bool{types.RoleNode: true}
			},
		},
	}
	specs := cfg.ClusterSpecs()
	require.Len(t, specs, 3)

	assert.Equal(t, types.PrimaryClusterName, specs[0].Name)
	assert.Equal(t, types.RemoteClusterName(0), specs[1].Name)
	assert.Equal(t, types.RemoteClusterName(1), specs[2].Name)
	assert.Equal(t, []int{1, 11, 21}, []int{specs[0].CellTag, specs[1].CellTag, specs[2].CellTag})

	assert.Equal(t, 1, specs[1].SchedulerCount, "unpatched remotes copy the primary")
	assert.Equal(t, 0, specs[2].SchedulerCount)
	assert.Equal(t, 0, specs[2].ControllerAgentCount, "agents follow schedulers")
	assert.Equal(t, specs[0].ControllerAgentCount, specs[1].ControllerAgentCount)
	assert.Nil(t, specs[0].DeferStart, "patches do not leak into the primary")
	for _, spec := range specs {
		require.NoError(t, spec.Validate())
	}
}

func TestClusterSpecsExplicitAgents(t *testing.T) {
	cfg := framework.SuiteConfig{
		Spec:              smallSpec(),
		NumRemoteClusters: 1,
		Remote: []framework.SpecPatch{func(spec *types.ClusterSpec) {
			spec.SchedulerCount = 2
			spec.ControllerAgentCount = 3
		}},
	}
	specs := cfg.ClusterSpecs()
	require.Len(t, specs, 2)
	assert.Equal(t, 2, specs[1].SchedulerCount)
	assert.Equal(t, 3, specs[1].ControllerAgentCount, "explicit agent counts are kept")
	require.NoError(t, specs[1].Validate())
}

func TestClusterSpecsDefault(t *testing.T) {
	specs := framework.SuiteConfig{}.ClusterSpecs()
	require.Len(t, specs, 1)
	want := types.DefaultClusterSpec()
	want.Name = types.PrimaryClusterName
	assert.Equal(t, want.PrimaryMasterCount, specs[0].PrimaryMasterCount)
	assert.Equal(t, want.NodeCount, specs[0].NodeCount)
}

// skipRecorder captures Skipf instead of stopping the goroutine
type skipRecorder struct {
	*testing.T
	skipped string
}

func (r *skipRecorder) Skipf(format string, args ...interface{}) {
	r.skipped = fmt.Sprintf(format, args...)
}

func TestStartEnvSkipsWithoutBinaries(t *testing.T) {
	root := t.TempDir()
	rec := &skipRecorder{T: t}
	env := framework.StartEnv(rec, framework.SuiteConfig{
		Spec:       smallSpec(),
		Settings:   &config.Settings{SandboxRoot: filepath.Join(root, "sandbox")},
		SearchPath: filepath.Join(root, "empty"),
	})
	assert.Nil(t, env)
	assert.Contains(t, rec.skipped, "binaries are not available")
}

func TestSetUpTearDown(t *testing.T) {
	s := newSuite(t, framework.SuiteConfig{Spec: smallSpec()})
	ctx := context.Background()
	c := s.env.Client()
	tc := s.env.NewTest(t)

	assert.True(t, tc.Fixture.Ready())
	tc.Assert.TmpIsClean(c)

	require.NoError(t, c.Set(ctx, "//tmp/x", int64(42)))
	tc.Assert.ValueEquals(c, "//tmp/x", int64(42))

	require.NoError(t, tc.Fixture.TearDown(ctx))
	assert.False(t, tc.Fixture.Ready())
	tc.Assert.NotExists(c, "//tmp/x")

	require.NoError(t, tc.Fixture.SetUp(ctx))
	tc.Assert.TmpIsClean(c)
	assert.NotEmpty(t, tc.Fixture.EntryTransactions(types.PrimaryClusterName))
}

func TestTearDownRemovesObjects(t *testing.T) {
	s := newSuite(t, framework.SuiteConfig{Spec: smallSpec()})
	ctx := context.Background()
	c := s.env.Client()
	f := s.env.Fixture()
	require.NoError(t, f.SetUp(ctx))

	_, err := c.CreateAccount(ctx, "a")
	require.NoError(t, err)
	_, err = c.CreateAccount(ctx, "b", client.CreateOptions{Attributes: map[string]any{"parent_name": "a"}})
	require.NoError(t, err)
	_, err = c.CreateUser(ctx, "u")
	require.NoError(t, err)
	_, err = c.CreateGroup(ctx, "g")
	require.NoError(t, err)
	_, err = c.CreateTabletCellBundle(ctx, "bundle")
	require.NoError(t, err)
	tx, err := c.StartTransaction(ctx)
	require.NoError(t, err)

	require.NoError(t, f.TearDown(ctx))

	a := framework.NewAssertions(t)
	a.NoUserObjects(c)
	for _, path := range []string{"//sys/accounts/a", "//sys/users/u", "//sys/groups/g", "//sys/tablet_cell_bundles/bundle"} {
		a.NotExists(c, path)
	}
	a.Exists(c, "//sys/users/application_operations")
	a.Exists(c, "//sys/accounts/tmp")
	a.NotExists(c, "//sys/transactions/"+tx)

	titles := transactionTitles(t, c)
	assert.Contains(t, titles, "World initialization")
	assert.Contains(t, titles, "Scheduler lock")
}

func transactionTitles(t *testing.T, c *client.Client) []string {
	t.Helper()
	txs, err := c.List(context.Background(), "//sys/transactions", client.GetOptions{Attributes: []string{"title"}})
	require.NoError(t, err)
	var titles []string
	for _, tx := range txs {
		title, _ := yson.String(yson.AttrsOf(tx)["title"])
		titles = append(titles, title)
	}
	return titles
}

func TestSetUpRestoresGlobals(t *testing.T) {
	s := newSuite(t, framework.SuiteConfig{
		Spec:              smallSpec(),
		NodeDynamicConfig: map[string]any{"exec_agent": map[string]any{"enable": true}},
	})
	ctx := context.Background()
	c := s.env.Client()
	f := s.env.Fixture()
	require.NoError(t, f.SetUp(ctx))

	nodes, err := c.ListNames(ctx, "//sys/cluster_nodes")
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	node := "//sys/cluster_nodes/" + nodes[0]
	require.NoError(t, c.Set(ctx, node+"/@banned", true))
	require.NoError(t, c.Set(ctx, node+"/@user_tags", []any{"ssd"}))
	require.NoError(t, c.Set(ctx, "//sys/@config/chunk_manager", map[string]any{"enable": false}))
	_, err = c.CreateObject(ctx, "scheduler_pool_tree", client.CreateOptions{Attributes: map[string]any{"name": "other"}})
	require.NoError(t, err)
	_, err = c.CreateObject(ctx, "scheduler_pool", client.CreateOptions{Attributes: map[string]any{"name": "research", "pool_tree": "default"}})
	require.NoError(t, err)
	require.NoError(t, c.Set(ctx, "//sys/pool_trees/@default_tree", "other"))

	require.NoError(t, f.TearDown(ctx))
	require.NoError(t, f.SetUp(ctx))

	a := framework.NewAssertions(t)
	a.ValueEquals(c, node+"/@banned", false)
	a.ValueEquals(c, node+"/@user_tags", []any{})
	a.ValueEquals(c, "//sys/@config", map[string]any{})
	a.ValueEquals(c, "//sys/pool_trees/@default_tree", "default")

	trees, err := c.ListNames(ctx, "//sys/pool_trees")
	require.NoError(t, err)
	assert.Equal(t, []string{"default"}, trees)
	pools, err := c.ListNames(ctx, "//sys/pool_trees/default")
	require.NoError(t, err)
	assert.Empty(t, pools)

	applied, err := c.Get(ctx, node+"/orchid/dynamic_config_manager/config")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"exec_agent": map[string]any{"enable": true}}, applied)
}

func TestTearDownAbortsOperations(t *testing.T) {
	s := newSuite(t, framework.SuiteConfig{Spec: smallSpec()})
	ctx := context.Background()
	c := s.env.Client()
	f := s.env.Fixture()
	require.NoError(t, f.SetUp(ctx))

	for _, table := range []string{"//tmp/in", "//tmp/out"} {
		_, err := c.Create(ctx, "table", table)
		require.NoError(t, err)
	}
	require.NoError(t, c.WriteTable(ctx, "//tmp/in", []any{map[string]any{"key": "a"}}))
	op, err := c.Map(ctx, client.OperationOptions{
		In:      []string{"//tmp/in"},
		Out:     []string{"//tmp/out"},
		Command: "sleep 30",
	})
	require.NoError(t, err)
	require.NoError(t, framework.DefaultWaiter().WaitForOperationState(ctx, op, "running"))

	start := time.Now()
	require.NoError(t, f.TearDown(ctx))
	assert.Less(t, time.Since(start), 20*time.Second, "running jobs are aborted, not awaited")

	ops, err := c.ListNames(ctx, "//sys/operations")
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func TestRaisesPlatformError(t *testing.T) {
	s := newSuite(t, framework.SuiteConfig{Spec: smallSpec()})
	ctx := context.Background()
	c := s.env.Client()
	a := framework.NewAssertions(t)

	perr := a.RaisesPlatformError(driver.CodeResolveError, func() error {
		_, err := c.Get(ctx, "//tmp/missing")
		return err
	})
	require.NotNil(t, perr)
	assert.True(t, client.IsResolveError(perr))
}

func TestRemoteClusters(t *testing.T) {
	s := newSuite(t, framework.SuiteConfig{
		Spec:              smallSpec(),
		NumRemoteClusters: 1,
		Remote: []framework.SpecPatch{func(spec *types.ClusterSpec) {
			spec.SchedulerCount = 0
			spec.ControllerAgentCount = 0
		}},
	})
	ctx := context.Background()
	remoteName := types.RemoteClusterName(0)
	remote := s.env.Client().OnCluster(remoteName)

	spec, ok := s.env.Spec(remoteName)
	require.True(t, ok)
	assert.Equal(t, 11, spec.CellTag)

	tc := s.env.NewTest(t)
	tc.Assert.TmpIsClean(remote)

	_, err := remote.CreateAccount(ctx, "remote_account")
	require.NoError(t, err)
	require.NoError(t, remote.Set(ctx, "//tmp/x", "y"))

	require.NoError(t, tc.Fixture.TearDown(ctx))
	tc.Assert.NotExists(remote, "//sys/accounts/remote_account")
	tc.Assert.NoUserObjects(remote)

	for _, src := range []string{types.PrimaryClusterName, remoteName} {
		tc.Assert.Exists(remote, "//sys/clusters/"+src)
	}
}
