package main

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/testenv/pkg/config"
	"github.com/cuemby/testenv/pkg/driver"
	"github.com/cuemby/testenv/pkg/driver/drivertest"
	"github.com/cuemby/testenv/pkg/layout"
	"github.com/cuemby/testenv/pkg/storage"
	"github.com/cuemby/testenv/pkg/types"
	"github.com/cuemby/testenv/pkg/yson"
)

func TestLoadSpec(t *testing.T) {
	spec, err := loadSpec("")
	require.NoError(t, err)
	assert.Equal(t, types.PrimaryClusterName, spec.Name)
	assert.Equal(t, types.DefaultClusterSpec().NodeCount, spec.NodeCount)

	file := filepath.Join(t.TempDir(), "cluster.yaml")
	require.NoError(t, os.WriteFile(file, []byte("primary_master_count: 1\nnode_count: 2\nscheduler_count: 1\ncontroller_agent_count: 1\n"), 0o644))
	spec, err = loadSpec(file)
	require.NoError(t, err)
	assert.Equal(t, types.PrimaryClusterName, spec.Name)
	assert.Equal(t, 1, spec.PrimaryMasterCount)
	assert.Equal(t, 2, spec.NodeCount)
	assert.Equal(t, 1, spec.SchedulerCount)
	assert.Equal(t, types.DefaultClusterSpec().HTTPProxyCount, spec.HTTPProxyCount, "unset fields keep defaults")

	require.NoError(t, os.WriteFile(file, []byte("node_count: [1]\n"), 0o644))
	_, err = loadSpec(file)
	assert.Error(t, err)

	_, err = loadSpec(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestBinariesForABI(t *testing.T) {
	b, err := binariesForABI("23.2")
	require.NoError(t, err)
	assert.Equal(t, types.ABI{Major: 23, Minor: 2}, b.ABI)
	assert.Equal(t, types.LayoutMonolithic, b.Layout)

	_, err = binariesForABI("latest")
	assert.Error(t, err)
}

func TestPidFiles(t *testing.T) {
	root := t.TempDir()
	name := filepath.Base(layout.NewPaths(root).PidFile)
	var want []string
	for _, dir := range []string{"suite/run1", "suite/run1/remote_0", "suite/run2"} {
		path := filepath.Join(root, dir)
		require.NoError(t, os.MkdirAll(path, 0o755))
		file := filepath.Join(path, name)
		require.NoError(t, os.WriteFile(file, nil, 0o644))
		want = append(want, file)
	}
	require.NoError(t, os.Symlink(filepath.Join(root, "suite/run2"), filepath.Join(root, "suite", layout.LatestLink)))

	files, err := pidFiles(root)
	require.NoError(t, err)
	assert.ElementsMatch(t, want, files, "links to runs are not followed")
}

func TestListRuns(t *testing.T) {
	l := &ledger{dir: t.TempDir()}
	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, l.createRun(&storage.Run{ID: "b", Name: "later", State: runRunning, StartedAt: now}))
	require.NoError(t, l.createRun(&storage.Run{ID: "a", Name: "earlier", State: runRunning, StartedAt: now.Add(-time.Hour)}))
	l.recordProcess(&storage.Process{RunID: "a", Cluster: "primary", Name: "master-0-0", Role: "master", Pid: 100})
	l.finishRun("a", runStopped)

	var out bytes.Buffer
	require.NoError(t, listRuns(&out, l, true))

	var entries []map[string]any
	require.NoError(t, yaml.Unmarshal(out.Bytes(), &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0]["id"])
	assert.Equal(t, runStopped, entries[0]["state"])
	assert.Len(t, entries[0]["processes"], 1)
	assert.Equal(t, "b", entries[1]["id"])
	assert.NotContains(t, entries[1], "processes")
}

func TestClusterDriver(t *testing.T) {
	root := t.TempDir()
	paths := layout.NewPaths(root)
	require.NoError(t, os.MkdirAll(paths.Configs, 0o755))
	doc := map[string]any{
		"backend":         string(types.DriverBackendHTTP),
		"proxy_addresses": []any{"127.0.0.1:1"},
		"master_cell_tag": int64(10),
	}
	file := paths.ConfigPath(config.FileName(types.RoleDriver, config.InstanceName(types.RoleDriver, 0, 0)))
	require.NoError(t, os.WriteFile(file, yson.MustMarshal(doc), 0o644))
	require.NoError(t, os.WriteFile(paths.InfoFile, yson.MustMarshal(map[string]any{"cluster_name": "remote_0"}), 0o644))

	d, err := clusterDriver(context.Background(), root)
	require.NoError(t, err)
	defer d.Close()
	assert.IsType(t, &driver.HTTPDriver{}, d)
	assert.Equal(t, "remote_0", d.Config().Cluster)
	assert.Equal(t, 10, d.Config().CellTag)
	assert.Equal(t, []string{"127.0.0.1:1"}, d.Config().ProxyAddresses)

	_, err = clusterDriver(context.Background(), t.TempDir())
	assert.Error(t, err, "a sandbox without driver configs")
}

func startRelay(t *testing.T, p *drivertest.Platform, readOnly bool) (grpcAddr, httpAddr string) {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	httpLis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serveRelay(ctx, p.Driver(p.CellTag()), lis, httpLis, readOnly) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
	return lis.Addr().String(), httpLis.Addr().String()
}

func TestRelayExec(t *testing.T) {
	p := drivertest.New(drivertest.Options{})
	addr, httpAddr := startRelay(t, p, false)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	d, err := execDriver(ctx, addr, "")
	require.NoError(t, err)
	defer d.Close()
	assert.IsType(t, &driver.GRPCDriver{}, d)

	_, err = execute(ctx, d, "set", `{path="//tmp/doc"}`, []byte("{a=1}"))
	require.NoError(t, err)
	out, err := execute(ctx, d, "get", `{path="//tmp/doc/a"}`, nil)
	require.NoError(t, err)
	v, err := yson.Unmarshal(out)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"value": int64(1)}, v)

	_, err = execute(ctx, d, "get", "[1;2]", nil)
	assert.Error(t, err, "parameters must be a map")

	resp, err := http.Get("http://" + httpAddr + driver.APIPath)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestReadOnlyRelay(t *testing.T) {
	p := drivertest.New(drivertest.Options{})
	addr, httpAddr := startRelay(t, p, true)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	d, err := execDriver(ctx, addr, "")
	require.NoError(t, err)
	defer d.Close()

	_, err = execute(ctx, d, "exists", `{path="//tmp"}`, nil)
	require.NoError(t, err)
	_, err = execute(ctx, d, "set", `{path="//tmp/doc"}`, []byte("1"))
	assert.Error(t, err)
	assert.Zero(t, p.CallCount("set"))

	hd := driver.NewHTTP(driver.Config{ProxyAddresses: []string{httpAddr}})
	defer hd.Close()
	_, err = hd.Execute(ctx, &driver.Request{Command: "remove", Parameters: map[string]any{"path": "//tmp"}}).Wait(ctx)
	var perr *driver.Error
	require.ErrorAs(t, err, &perr)
	assert.True(t, perr.IsAccessDenied())
	assert.Zero(t, p.CallCount("remove"))
}

func TestExecDriverNeedsTarget(t *testing.T) {
	_, err := execDriver(context.Background(), "", "")
	assert.Error(t, err)
}

func TestReadInput(t *testing.T) {
	in, err := readInput("", nil)
	require.NoError(t, err)
	assert.Nil(t, in)

	in, err = readInput("-", bytes.NewBufferString("{a=1}"))
	require.NoError(t, err)
	assert.Equal(t, []byte("{a=1}"), in)
}
