package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cuemby/testenv/pkg/events"
	"github.com/cuemby/testenv/pkg/layout"
	"github.com/cuemby/testenv/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fakeServer = `#!/bin/sh
case "$1" in
--version) echo "%s"; exit 0 ;;
--help) echo "usage: --config PATH --pdeath-signal SIG"; exit 0 ;;
esac
if [ -n "$FAKE_SERVER_FAIL" ]; then
	echo "bind failed" >&2
	exit 3
fi
if [ -n "$FAKE_SERVER_EXIT_AFTER" ]; then
	sleep "$FAKE_SERVER_EXIT_AFTER"
	exit 1
fi
echo "serving $*" >&2
exec sleep 30
`

func writeBinary(t *testing.T, dir, name, version string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	script := strings.Replace(fakeServer, "%s", version, 1)
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestParseVersion(t *testing.T) {
	tests := []struct {
		output  string
		abi     types.ABI
		literal string
	}{
		{"platform-server version: 18.5.0-local~local\n", types.ABI{Major: 18, Minor: 5}, "18.5.0-local~local"},
		{"platform-server  version: 0.17.3-unknown~debug~0+local", types.ABI{Major: 0, Minor: 17}, "0.17.3-unknown~debug~0+local"},
		{"19.0.0-local~debug~local\nbuilt by ci", types.ABI{Major: 19, Minor: 0}, "19.0.0-local~debug~local"},
		{"23.2.1", types.ABI{Major: 23, Minor: 2}, "23.2.1"},
	}
	for _, tt := range tests {
		t.Run(tt.literal, func(t *testing.T) {
			abi, literal, err := ParseVersion(tt.output)
			require.NoError(t, err)
			assert.Equal(t, tt.abi, abi)
			assert.Equal(t, tt.literal, literal)
		})
	}

	_, _, err := ParseVersion("no version here")
	assert.Error(t, err)
}

func TestDiscoverMonolithic(t *testing.T) {
	dir := t.TempDir()
	writeBinary(t, dir, MonolithicBinary, "platform-server version: 23.2.1-local")

	b, err := Discover(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, types.LayoutMonolithic, b.Layout)
	assert.Equal(t, types.ABI{Major: 23, Minor: 2}, b.ABI)

	argv, err := b.Argv(types.RoleControllerAgent, "/cfg/controller_agent-0.yson", true)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, MonolithicBinary), "--controller-agent",
		"--pdeath-signal", "SIGTERM", "--config", "/cfg/controller_agent-0.yson"}, argv)

	argv, err = b.Argv(types.RoleNode, "/cfg/node-0.yson", false)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, MonolithicBinary), "--node", "--config", "/cfg/node-0.yson"}, argv)
}

func TestDiscoverSplit(t *testing.T) {
	dir := t.TempDir()
	for _, role := range []types.Role{types.RoleMaster, types.RoleNode, types.RoleScheduler} {
		writeBinary(t, dir, SplitBinary(role), "19.4.2-local~debug")
	}

	b, err := Discover(context.Background(), "/nonexistent"+string(os.PathListSeparator)+dir)
	require.NoError(t, err)
	assert.Equal(t, types.LayoutSplit, b.Layout)
	assert.Equal(t, "19.4", b.ABI.String())

	argv, err := b.Argv(types.RoleMaster, "/cfg/master-0-0.yson", true)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "platform-server-master"), "--pdeathsig", "9",
		"--config", "/cfg/master-0-0.yson"}, argv)

	_, err = b.Argv(types.RoleHTTPProxy, "/cfg/http_proxy-0.json", false)
	assert.ErrorIs(t, err, ErrBinaryNotFound)
}

func TestDiscoverFailures(t *testing.T) {
	t.Run("nothing installed", func(t *testing.T) {
		_, err := Discover(context.Background(), t.TempDir())
		assert.ErrorIs(t, err, ErrBinaryNotFound)
	})

	t.Run("incomplete split layout", func(t *testing.T) {
		dir := t.TempDir()
		writeBinary(t, dir, SplitBinary(types.RoleMaster), "19.4.2")
		_, err := Discover(context.Background(), dir)
		assert.ErrorIs(t, err, ErrBinaryNotFound)
	})

	t.Run("version mismatch", func(t *testing.T) {
		dir := t.TempDir()
		writeBinary(t, dir, SplitBinary(types.RoleMaster), "19.4.2")
		writeBinary(t, dir, SplitBinary(types.RoleNode), "19.4.0")
		writeBinary(t, dir, SplitBinary(types.RoleScheduler), "20.1.0")

		_, err := Discover(context.Background(), dir)
		var mismatch *VersionMismatchError
		require.ErrorAs(t, err, &mismatch)
		assert.Len(t, mismatch.Versions, 3)
		assert.Contains(t, err.Error(), "platform-server-scheduler=20.1")
	})
}

func newTestSupervisor(t *testing.T, broker *events.Broker) (*Supervisor, layout.Paths) {
	t.Helper()
	dir := t.TempDir()
	binDir := filepath.Join(dir, "bin")
	require.NoError(t, os.MkdirAll(binDir, 0o755))
	writeBinary(t, binDir, MonolithicBinary, "23.2.1")

	b, err := Discover(context.Background(), binDir)
	require.NoError(t, err)

	paths := layout.NewPaths(filepath.Join(dir, "run"))
	require.NoError(t, os.MkdirAll(paths.RuntimeData, 0o755))

	s := New(Options{
		Cluster:       "primary",
		Binaries:      b,
		Paths:         paths,
		CaptureStderr: true,
		Warmup:        200 * time.Millisecond,
		Broker:        broker,
	})
	return s, paths
}

func TestRunAndKill(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe(events.EventProcessStarted, events.EventProcessKilled)

	s, paths := newTestSupervisor(t, broker)
	p, err := s.Run(context.Background(), Spec{Name: "node-0", Role: types.RoleNode, ConfigPath: "/cfg/node-0.yson"})
	require.NoError(t, err)
	assert.Greater(t, p.Pid, 0)
	assert.Equal(t, "node", p.Service)
	assert.False(t, p.Exited())
	assert.Equal(t, []string{"node"}, s.Services())
	assert.Equal(t, 1, s.LiveCount())

	pids, err := s.PidFile().Pids()
	require.NoError(t, err)
	assert.Equal(t, []int{p.Pid}, pids)

	assert.Eventually(t, func() bool {
		return strings.Contains(s.Stderrs()["node-0"], "--node --config /cfg/node-0.yson")
	}, 2*time.Second, 20*time.Millisecond)
	assert.FileExists(t, filepath.Join(paths.Stderrs, "stderr.node-0"))

	s.Kill("node")
	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("process was not reaped")
	}
	assert.True(t, p.Killed())
	assert.Empty(t, s.Services())
	assert.Empty(t, s.Poll())

	var got []events.EventType
	for len(got) < 2 {
		select {
		case ev := <-sub:
			got = append(got, ev.Type)
		case <-time.After(2 * time.Second):
			t.Fatalf("missing events, got %v", got)
		}
	}
	assert.Equal(t, []events.EventType{events.EventProcessStarted, events.EventProcessKilled}, got)
}

func TestRunStartupFailure(t *testing.T) {
	t.Setenv("FAKE_SERVER_FAIL", "1")
	s, _ := newTestSupervisor(t, nil)

	_, err := s.Run(context.Background(), Spec{Name: "master-0-0", Service: "master", Role: types.RoleMaster, ConfigPath: "/cfg/m.yson"})
	var startup *StartupError
	require.ErrorAs(t, err, &startup)
	assert.Equal(t, "master-0-0", startup.Name)
	assert.Equal(t, 3, startup.ExitCode)
	assert.Contains(t, startup.Stderr, "bind failed")
	assert.Empty(t, s.Services())

	pids, err := s.PidFile().Pids()
	require.NoError(t, err)
	assert.Empty(t, pids)
}

func TestPollReportsUnexpectedExit(t *testing.T) {
	t.Setenv("FAKE_SERVER_EXIT_AFTER", "0.5")
	s, _ := newTestSupervisor(t, nil)

	p, err := s.Run(context.Background(), Spec{Name: "scheduler-0", Role: types.RoleScheduler, ConfigPath: "/cfg/s.yson"})
	require.NoError(t, err)
	assert.Empty(t, s.Poll())

	require.Eventually(t, p.Exited, 3*time.Second, 20*time.Millisecond)
	exited := s.Poll()
	require.Len(t, exited, 1)
	assert.Equal(t, "scheduler-0", exited[0].Name)
	code, ok := exited[0].ExitCode()
	assert.True(t, ok)
	assert.Equal(t, 1, code)

	// killing an exited process only forgets it
	s.KillAll()
	assert.Empty(t, s.Poll())
}

func TestStderrAppendedOnRestart(t *testing.T) {
	s, paths := newTestSupervisor(t, nil)
	spec := Spec{Name: "http_proxy-0", Role: types.RoleHTTPProxy, ConfigPath: "/cfg/http_proxy-0.json"}

	for i := 0; i < 2; i++ {
		p, err := s.Run(context.Background(), spec)
		require.NoError(t, err)
		require.Eventually(t, func() bool {
			return strings.Count(s.Stderrs()["http_proxy-0"], "serving") == i+1
		}, 2*time.Second, 20*time.Millisecond)
		s.Kill("http_proxy")
		<-p.Done()
	}

	data, err := os.ReadFile(paths.StderrPath("http_proxy-0"))
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(data), "serving"))
	assert.Contains(t, string(data), "--- restart 1 ---\n")
}

func TestKillAllReverseOrder(t *testing.T) {
	s, _ := newTestSupervisor(t, nil)
	var procs []*Process
	for _, spec := range []Spec{
		{Name: "master-0-0", Service: "master", Role: types.RoleMaster},
		{Name: "node-0", Role: types.RoleNode},
		{Name: "node-1", Role: types.RoleNode, Index: 1},
	} {
		p, err := s.Run(context.Background(), spec)
		require.NoError(t, err)
		procs = append(procs, p)
	}
	assert.Equal(t, []string{"master", "node"}, s.Services())
	assert.Len(t, s.Processes("node"), 2)

	s.KillAll()
	for _, p := range procs {
		select {
		case <-p.Done():
		case <-time.After(2 * time.Second):
			t.Fatalf("%s was not reaped", p.Name)
		}
	}
	assert.Empty(t, s.Services())
	assert.Equal(t, 0, s.LiveCount())
}

func TestKillStale(t *testing.T) {
	s, paths := newTestSupervisor(t, nil)
	p, err := s.Run(context.Background(), Spec{Name: "node-0", Role: types.RoleNode})
	require.NoError(t, err)

	// a fresh supervisor over the same sandbox finds the leftover pid
	stale := NewPidFile(paths.PidFile)
	n, err := stale.KillStale()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("stale process survived")
	}
	pids, err := stale.Pids()
	require.NoError(t, err)
	assert.Empty(t, pids)

	n, err = NewPidFile(filepath.Join(t.TempDir(), "pids")).KillStale()
	require.NoError(t, err)
	assert.Zero(t, n)
}
