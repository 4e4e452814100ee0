package provision

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cuemby/testenv/pkg/config"
	"github.com/cuemby/testenv/pkg/ports"
	"github.com/cuemby/testenv/pkg/supervisor"
	"github.com/cuemby/testenv/pkg/types"
	"github.com/cuemby/testenv/pkg/yson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSpec() types.ClusterSpec {
	spec := types.DefaultClusterSpec()
	spec.PrimaryMasterCount = 1
	spec.SecondaryCellCount = 1
	spec.NodeCount = 2
	spec.SchedulerCount = 1
	spec.ControllerAgentCount = 1
	return spec
}

func newProvisioner(t *testing.T, binaries *supervisor.Binaries) *Provisioner {
	t.Helper()
	root := t.TempDir()
	return New(Options{
		Settings: config.Settings{
			SandboxRoot:    filepath.Join(root, "sandbox"),
			SandboxStorage: filepath.Join(root, "storage"),
		},
		Binaries:  binaries,
		Suite:     "TestSuite",
		Allocator: ports.NewAllocator("", 30000),
		Warmup:    100 * time.Millisecond,
	})
}

func TestPrepare(t *testing.T) {
	p := newProvisioner(t, nil)
	runID := NewRunID()
	assert.True(t, strings.HasPrefix(runID, "run_"))
	assert.Len(t, runID, len("run_")+8)

	spec := testSpec()
	inst, err := p.Prepare(context.Background(), runID, spec, p.ClusterDir(runID, spec.Name))
	require.NoError(t, err)
	defer p.Teardown(inst)

	assert.Equal(t, types.StateConfigured, inst.State())
	assert.Equal(t, p.RunDir(runID), inst.Path())
	assert.Len(t, inst.Ports(), spec.PortCount())

	for role, files := range inst.ConfigPaths {
		assert.Len(t, files, len(inst.Configs.Roles[role]), role)
		for _, f := range files {
			assert.FileExists(t, f)
		}
	}

	latest, err := os.Readlink(filepath.Join(filepath.Dir(inst.Path()), "run_latest"))
	require.NoError(t, err)
	assert.Equal(t, inst.Path(), latest)

	watcher, err := os.ReadFile(inst.Layout.ConfigPath(WatcherConfigFile))
	require.NoError(t, err)
	for _, file := range inst.Configs.LogFiles {
		assert.Contains(t, string(watcher), file+" {\n    rotate 100\n")
	}
	assert.Contains(t, string(watcher), "    copytruncate\n")

	assert.Len(t, inst.DriverConfigs(), 2)
	assert.True(t, strings.HasPrefix(inst.ProxyAddress(), "localhost:"))
}

func TestProcessSpecs(t *testing.T) {
	p := newProvisioner(t, nil)
	spec := testSpec()
	inst, err := p.Prepare(context.Background(), "run_specs", spec, p.ClusterDir("run_specs", spec.Name))
	require.NoError(t, err)
	defer p.Teardown(inst)

	secondary := inst.ProcessSpecs(types.RoleMaster, 1)
	require.Len(t, secondary, 1)
	assert.Equal(t, "master-1-0", secondary[0].Name)
	assert.Equal(t, "master_secondary_0", secondary[0].Service)
	assert.Equal(t, 0, secondary[0].Index)
	assert.Equal(t, filepath.Join(inst.Layout.Configs, "master-1-0.yson"), secondary[0].ConfigPath)

	nodes := inst.ProcessSpecs(types.RoleNode, 0)
	require.Len(t, nodes, 2)
	assert.Equal(t, "node-1", nodes[1].Name)
	assert.Equal(t, "node", nodes[1].Service)
	assert.Equal(t, 1, nodes[1].Index)

	assert.Empty(t, inst.ProcessSpecs(types.RoleRPCProxy, 0))
	assert.Equal(t, "master", ServiceName(types.RoleMaster, 0))
}

func TestPrepareInvalidSpecReleasesNothing(t *testing.T) {
	p := newProvisioner(t, nil)
	spec := testSpec()
	spec.HTTPProxyCount = 0

	_, err := p.Prepare(context.Background(), "run_bad", spec, p.ClusterDir("run_bad", spec.Name))
	assert.ErrorIs(t, err, types.ErrInvalidSpec)
	assert.NoDirExists(t, p.RunDir("run_bad"))
}

func TestRemoteClusterDir(t *testing.T) {
	p := newProvisioner(t, nil)
	assert.Equal(t, filepath.Join(p.RunDir("run_x"), "remote_0"), p.ClusterDir("run_x", types.RemoteClusterName(0)))
	assert.Equal(t, p.RunDir("run_x"), p.ClusterDir("run_x", ""))
}

func TestWriteInfo(t *testing.T) {
	p := newProvisioner(t, nil)
	spec := testSpec()
	inst, err := p.Prepare(context.Background(), "run_info", spec, p.ClusterDir("run_info", spec.Name))
	require.NoError(t, err)
	defer p.Teardown(inst)

	require.NoError(t, WriteInfo(inst))
	data, err := os.ReadFile(inst.Layout.InfoFile)
	require.NoError(t, err)
	tree, err := yson.Unmarshal(data)
	require.NoError(t, err)

	addr, ok := yson.Lookup(tree, "proxy/address")
	require.True(t, ok)
	assert.Equal(t, inst.ProxyAddress(), addr)
	runID, ok := yson.Lookup(tree, "run_id")
	require.True(t, ok)
	assert.Equal(t, "run_info", runID)
}

func TestTeardownAndArchive(t *testing.T) {
	dir := t.TempDir()
	script := "#!/bin/sh\ncase \"$1\" in --version) echo 23.2.0; exit 0;; esac\nexec sleep 30\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, supervisor.MonolithicBinary), []byte(script), 0o755))
	binaries, err := supervisor.Discover(context.Background(), dir)
	require.NoError(t, err)

	p := newProvisioner(t, binaries)
	spec := testSpec()
	inst, err := p.Prepare(context.Background(), "run_live", spec, p.ClusterDir("run_live", spec.Name))
	require.NoError(t, err)

	var procs []*supervisor.Process
	for _, role := range []types.Role{types.RoleMaster, types.RoleNode} {
		for _, ps := range inst.ProcessSpecs(role, 0) {
			proc, err := inst.Supervisor.Run(context.Background(), ps)
			require.NoError(t, err)
			procs = append(procs, proc)
		}
	}
	assert.Equal(t, map[types.Role]int{types.RoleMaster: 1, types.RoleNode: 2}, inst.LiveProcesses())
	assert.Equal(t, inst.LiveProcesses(), inst.ExpectedProcesses())

	p.Teardown(inst)
	p.Teardown(inst)
	assert.Equal(t, types.StateStopped, inst.State())
	for _, proc := range procs {
		assert.True(t, proc.Killed(), proc.Name)
		select {
		case <-proc.Done():
		case <-time.After(2 * time.Second):
			t.Fatalf("%s survived teardown", proc.Name)
		}
	}
	assert.NoFileExists(t, inst.Layout.PidFile)

	dst, err := p.Archive("run_live", inst)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(p.opts.Settings.SandboxStorage, "TestSuite", "run_live"), dst)
	assert.DirExists(t, filepath.Join(dst, "configs"))
	assert.NoDirExists(t, filepath.Join(dst, "runtime_data"))
	assert.NoDirExists(t, p.RunDir("run_live"))

	dst, err = p.Archive("run_live", inst)
	require.NoError(t, err)
	assert.Empty(t, dst)
}
