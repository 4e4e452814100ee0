package lifecycle_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/cuemby/testenv/pkg/client"
	"github.com/cuemby/testenv/pkg/config"
	"github.com/cuemby/testenv/pkg/driver"
	"github.com/cuemby/testenv/pkg/driver/drivertest"
	"github.com/cuemby/testenv/pkg/events"
	"github.com/cuemby/testenv/pkg/health"
	"github.com/cuemby/testenv/pkg/lifecycle"
	"github.com/cuemby/testenv/pkg/ports"
	"github.com/cuemby/testenv/pkg/provision"
	"github.com/cuemby/testenv/pkg/supervisor"
	"github.com/cuemby/testenv/pkg/types"
	"github.com/cuemby/testenv/pkg/wait"
)

const fakeServer = `#!/bin/sh
case "$1" in
--version) echo "platform-server version: 23.2.0-local"; exit 0 ;;
--help) echo "usage: --config PATH"; exit 0 ;;
esac
echo "serving $*" >&2
exec sleep 60
`

// harness wires an orchestrator to fake server binaries and one in-memory
// Platform per cluster. Role hooks register spawned servers in the fakes
// the way real servers register themselves.
type harness struct {
	t         *testing.T
	orch      *lifecycle.Orchestrator
	runID     string
	broker    *events.Broker
	fakes     map[string]*drivertest.Platform
	proxyURLs []string
	exits     chan int

	mu      sync.Mutex
	started []types.Role
	// skipNodes leaves the last n nodes unregistered
	skipNodes int
	hooked    int
}

type harnessOption func(*lifecycle.Options)

func newHarness(t *testing.T, specs []types.ClusterSpec, opts ...harnessOption) *harness {
	t.Helper()
	root := t.TempDir()
	bin := filepath.Join(root, "bin")
	require.NoError(t, os.MkdirAll(bin, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(bin, supervisor.MonolithicBinary), []byte(fakeServer), 0o755))
	binaries, err := supervisor.Discover(context.Background(), bin)
	require.NoError(t, err)

	h := &harness{
		t:      t,
		runID:  provision.NewRunID(),
		broker: events.NewBroker(),
		fakes:  make(map[string]*drivertest.Platform),
		exits:  make(chan int, 1),
	}
	h.broker.Start()
	t.Cleanup(h.broker.Stop)

	for _, spec := range specs {
		var secondary []int
		for cell := 1; cell < spec.CellCount(); cell++ {
			secondary = append(secondary, spec.CellTagOf(cell))
		}
		fake := drivertest.New(drivertest.Options{Name: spec.Name, CellTag: spec.CellTag, SecondaryCellTags: secondary})
		t.Cleanup(fake.Close)
		h.fakes[spec.Name] = fake
	}

	prov := provision.New(provision.Options{
		Settings:  config.Settings{SandboxRoot: filepath.Join(root, "sandbox")},
		Binaries:  binaries,
		Suite:     "Lifecycle",
		Allocator: ports.NewAllocator("", 31000),
		Warmup:    50 * time.Millisecond,
		Broker:    h.broker,
	})

	options := lifecycle.Options{
		Provisioner: prov,
		Registry: driver.NewRegistry(func(ctx context.Context, cfg driver.Config) (driver.Driver, error) {
			fake, ok := h.fakes[cfg.Cluster]
			if !ok {
				return nil, fmt.Errorf("no fake for %s", cfg.Cluster)
			}
			return fake.Factory()(ctx, cfg)
		}),
		Broker: h.broker,
		ProxyChecker: func(url string) health.Checker {
			h.mu.Lock()
			h.proxyURLs = append(h.proxyURLs, url)
			h.mu.Unlock()
			return health.NewFuncChecker("proxy", func(context.Context) error { return nil })
		},
		Hooks: lifecycle.Hooks{
			OnMastersStarted: func(ctx context.Context, inst *provision.Instance, c *client.Client) error {
				h.mu.Lock()
				h.hooked++
				h.mu.Unlock()
				return nil
			},
			OnRoleStarted: h.register,
			OnRoleStopped: h.unregister,
		},
		LivenessInterval: 50 * time.Millisecond,
		Exit: func(code int) {
			h.exits <- code
		},
	}
	for _, opt := range opts {
		opt(&options)
	}
	h.orch = lifecycle.New(options)
	t.Cleanup(h.orch.Stop)

	require.NoError(t, h.orch.Prepare(context.Background(), h.runID, specs...))
	return h
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

func (h *harness) register(ctx context.Context, inst *provision.Instance, role types.Role) error {
	h.mu.Lock()
	h.started = append(h.started, role)
	skip := h.skipNodes
	h.mu.Unlock()

	addrs := addresses(inst, role)
	if role == types.RoleNode {
		addrs = addrs[:len(addrs)-skip]
	}
	for _, addr := range addrs {
		h.fakes[inst.Name()].Register(role, addr)
	}
	return nil
}

func (h *harness) unregister(inst *provision.Instance, role types.Role) {
	for _, addr := range addresses(inst, role) {
		h.fakes[inst.Name()].Unregister(role, addr)
	}
}

func (h *harness) startedRoles() []types.Role {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]types.Role(nil), h.started...)
}

func smallSpec() types.ClusterSpec {
	spec := types.DefaultClusterSpec()
	spec.PrimaryMasterCount = 1
	spec.NodeCount = 2
	spec.SchedulerCount = 1
	spec.ControllerAgentCount = 1
	spec.CellTag = 1
	spec.CapturingStderr = true
	return spec
}

func TestStartOrder(t *testing.T) {
	spec := smallSpec()
	h := newHarness(t, []types.ClusterSpec{spec})
	ctx := context.Background()

	require.NoError(t, h.orch.Start(ctx))
	inst, err := h.orch.Instance(types.PrimaryClusterName)
	require.NoError(t, err)
	assert.Equal(t, types.StateRunning, inst.State())

	assert.Equal(t, []types.Role{
		types.RoleHTTPProxy,
		types.RoleMaster,
		types.RoleNode,
		types.RoleScheduler,
		types.RoleControllerAgent,
	}, h.startedRoles())
	assert.Equal(t, 1, h.hooked)

	require.Len(t, h.proxyURLs, 1)
	assert.True(t, strings.HasSuffix(h.proxyURLs[0], "/api"), h.proxyURLs[0])

	assert.Equal(t, map[types.Role]int{
		types.RoleHTTPProxy:       1,
		types.RoleMaster:          1,
		types.RoleNode:            2,
		types.RoleScheduler:       1,
		types.RoleControllerAgent: 1,
	}, inst.LiveProcesses())
	assert.FileExists(t, inst.Layout.InfoFile)

	published, err := h.orch.Client().Get(ctx, "//sys/clusters/"+types.PrimaryClusterName+"/primary_master")
	require.NoError(t, err)
	assert.NotNil(t, published)

	h.orch.Stop()
	assert.Equal(t, types.StateStopped, inst.State())
	assert.Zero(t, inst.Supervisor.LiveCount())
	assert.Empty(t, h.orch.Registry().Clusters())

	archive, err := h.orch.Archive(h.runID)
	require.NoError(t, err)
	assert.Empty(t, archive, "no storage root is configured")
}

func TestSecondaryCells(t *testing.T) {
	spec := smallSpec()
	spec.SecondaryCellCount = 2
	h := newHarness(t, []types.ClusterSpec{spec})

	require.NoError(t, h.orch.Start(context.Background()))
	inst, err := h.orch.Instance(types.PrimaryClusterName)
	require.NoError(t, err)

	masters := 0
	for _, r := range h.startedRoles() {
		if r == types.RoleMaster {
			masters++
		}
	}
	assert.Equal(t, 3, masters, "one hook call per cell")
	assert.Equal(t, 1, h.hooked)
	assert.ElementsMatch(t,
		[]string{"http_proxy", "master", "master_secondary_0", "master_secondary_1", "node", "scheduler", "controller_agent"},
		inst.Supervisor.Services())
	assert.Len(t, h.orch.Registry().Clusters(), 1)
}

func TestNodeProbeTimeout(t *testing.T) {
	spec := smallSpec()
	h := newHarness(t, []types.ClusterSpec{spec}, func(o *lifecycle.Options) {
		o.Policies = lifecycle.DefaultPolicies()
		o.Policies.NodeMin = 300 * time.Millisecond
		o.Policies.NodePerInstance = 10 * time.Millisecond
		o.Policies.NodeInterval = 20 * time.Millisecond
	})
	h.skipNodes = 1
	timeouts := h.broker.Subscribe(events.EventProbeTimedOut)

	err := h.orch.Start(context.Background())
	var startup *supervisor.StartupError
	require.True(t, errors.As(err, &startup), "got %v", err)
	assert.Equal(t, types.RoleNode, startup.Role)
	assert.True(t, wait.IsTimeout(err))
	assert.Contains(t, startup.Stderr, "serving")
	assert.Contains(t, err.Error(), "1 online")

	select {
	case e := <-timeouts:
		assert.Equal(t, "node", e.Metadata["role"])
	case <-time.After(2 * time.Second):
		t.Fatal("no probe timeout event")
	}

	inst, err := h.orch.Instance(types.PrimaryClusterName)
	require.NoError(t, err)
	assert.Equal(t, types.StateStarting, inst.State())
	assert.NotContains(t, h.startedRoles(), types.RoleScheduler, "schedulers wait for every node")

	h.orch.Stop()
	assert.Equal(t, types.StateStopped, inst.State())
	assert.Zero(t, inst.Supervisor.LiveCount())
}

func TestDeferredStart(t *testing.T) {
	spec := smallSpec()
	spec.DeferStart = map[types.Role]bool{types.RoleControllerAgent: true}
	h := newHarness(t, []types.ClusterSpec{spec})
	ctx := context.Background()

	require.NoError(t, h.orch.Start(ctx))
	fake := h.fakes[types.PrimaryClusterName]
	assert.Empty(t, fake.Roles(types.RoleControllerAgent))

	require.NoError(t, h.orch.StartRoles(ctx, types.PrimaryClusterName, types.RoleControllerAgent))
	assert.Len(t, fake.Roles(types.RoleControllerAgent), 1)

	assert.ErrorIs(t, h.orch.StartRoles(ctx, "nowhere", types.RoleNode), lifecycle.ErrUnknownCluster)
}

func TestRestarter(t *testing.T) {
	spec := smallSpec()
	h := newHarness(t, []types.ClusterSpec{spec})
	ctx := context.Background()
	require.NoError(t, h.orch.Start(ctx))
	inst, err := h.orch.Instance(types.PrimaryClusterName)
	require.NoError(t, err)
	fake := h.fakes[types.PrimaryClusterName]

	before := inst.ExpectedProcesses()
	restarted := h.broker.Subscribe(events.EventRolesRestarted)

	r, err := h.orch.Restarter(types.PrimaryClusterName, types.RoleControllerAgent, types.RoleScheduler)
	require.NoError(t, err)
	assert.Equal(t, []types.Role{types.RoleScheduler, types.RoleControllerAgent}, r.Roles())

	err = r.Do(ctx, func(ctx context.Context) error {
		assert.Empty(t, inst.Supervisor.Processes("scheduler"))
		assert.Empty(t, inst.Supervisor.Processes("controller_agent"))
		assert.Empty(t, fake.Roles(types.RoleScheduler))
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, before, inst.ExpectedProcesses())
	assert.Equal(t, before, inst.LiveProcesses())
	assert.Equal(t, types.StateRunning, inst.State())
	select {
	case e := <-restarted:
		assert.Equal(t, "scheduler,controller_agent", e.Metadata["roles"])
	case <-time.After(2 * time.Second):
		t.Fatal("no restart event")
	}

	// a restart failing inside the body still brings the roles back
	boom := errors.New("boom")
	err = r.Do(ctx, func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, before, inst.LiveProcesses())

	assert.Error(t, r.Start(ctx), "roles are already running")

	select {
	case code := <-h.exits:
		t.Fatalf("restart triggered an emergency stop with code %d", code)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestKillRolesIsNotAnEmergency(t *testing.T) {
	h := newHarness(t, []types.ClusterSpec{smallSpec()})
	require.NoError(t, h.orch.Start(context.Background()))

	require.NoError(t, h.orch.KillRoles(types.PrimaryClusterName, types.RoleNode))
	select {
	case code := <-h.exits:
		t.Fatalf("unexpected emergency stop with code %d", code)
	case <-time.After(300 * time.Millisecond):
	}
	assert.Nil(t, h.orch.Emergency())
}

func TestEmergencyStop(t *testing.T) {
	h := newHarness(t, []types.ClusterSpec{smallSpec()}, func(o *lifecycle.Options) {
		o.MetricsInterval = 20 * time.Millisecond
	})
	emergencies := h.broker.Subscribe(events.EventClusterEmergency)
	require.NoError(t, h.orch.Start(context.Background()))
	inst, err := h.orch.Instance(types.PrimaryClusterName)
	require.NoError(t, err)

	masters := inst.Supervisor.Processes("master")
	require.Len(t, masters, 1)
	require.NoError(t, unix.Kill(-masters[0].Pid, unix.SIGKILL))

	select {
	case code := <-h.exits:
		assert.Equal(t, lifecycle.ExitCodeEmergency, code)
	case <-time.After(2 * time.Second):
		t.Fatal("no emergency stop")
	}

	emergency := h.orch.Emergency()
	require.NotNil(t, emergency)
	assert.Equal(t, "master-0-0", emergency.Process)
	assert.Equal(t, types.PrimaryClusterName, emergency.Cluster)

	select {
	case e := <-emergencies:
		assert.Equal(t, "master-0-0", e.Metadata["process"])
	case <-time.After(2 * time.Second):
		t.Fatal("no emergency event")
	}

	assert.Equal(t, types.StateStopped, inst.State())
	assert.Zero(t, inst.Supervisor.LiveCount())

	h.orch.Stop()
}

func TestMultiCluster(t *testing.T) {
	primary := smallSpec()
	remote := smallSpec()
	remote.Name = types.RemoteClusterName(0)
	remote.CellTag = types.CellTagStride
	remote.SchedulerCount = 0
	remote.ControllerAgentCount = 0
	h := newHarness(t, []types.ClusterSpec{primary, remote})
	ctx := context.Background()

	require.NoError(t, h.orch.Start(ctx))
	assert.Equal(t, []string{types.PrimaryClusterName, remote.Name}, h.orch.Registry().Clusters())

	for _, target := range []string{primary.Name, remote.Name} {
		c := h.orch.Client().OnCluster(target)
		for _, src := range []string{primary.Name, remote.Name} {
			ok, err := c.Exists(ctx, "//sys/clusters/"+src)
			require.NoError(t, err)
			assert.True(t, ok, "%s on %s", src, target)
		}
	}

	remoteInst, err := h.orch.Instance(remote.Name)
	require.NoError(t, err)
	primaryInst, err := h.orch.Instance(primary.Name)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(primaryInst.Path(), remote.Name), remoteInst.Path())
}

func TestPolicies(t *testing.T) {
	p := lifecycle.DefaultPolicies()
	assert.Equal(t, 20*time.Second, p.Node(1).MaxWait)
	assert.Equal(t, 30*time.Second, p.Node(5).MaxWait)
	assert.Equal(t, 100*time.Millisecond, p.Node(5).Interval)

	scaled := p.Scaled(2)
	assert.Equal(t, 60*time.Second, scaled.Master.MaxWait)
	assert.Equal(t, 40*time.Second, scaled.Node(1).MaxWait)
	assert.Equal(t, p.Master.Interval, scaled.Master.Interval)
}
