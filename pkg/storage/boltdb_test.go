package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunLifecycle(t *testing.T) {
	s := openStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	second := &Run{ID: "run_b", Name: "later", StartedAt: now.Add(time.Minute), State: "running"}
	first := &Run{ID: "run_a", Name: "earlier", StartedAt: now, State: "running", Clusters: []string{"primary"}}
	require.NoError(t, s.CreateRun(second))
	require.NoError(t, s.CreateRun(first))

	runs, err := s.ListRuns()
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run_a", runs[0].ID)
	assert.Equal(t, "run_b", runs[1].ID)

	first.State = "stopped"
	first.StoppedAt = now.Add(time.Hour)
	require.NoError(t, s.UpdateRun(first))

	got, err := s.GetRun("run_a")
	require.NoError(t, err)
	assert.Equal(t, "stopped", got.State)
	assert.Equal(t, []string{"primary"}, got.Clusters)
	assert.True(t, got.StoppedAt.Equal(first.StoppedAt))

	_, err = s.GetRun("missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.UpdateRun(&Run{ID: "missing"}), ErrNotFound)
}

func TestProcessesScopedToRun(t *testing.T) {
	s := openStore(t)
	require.NoError(t, s.CreateRun(&Run{ID: "run_a"}))
	require.NoError(t, s.CreateRun(&Run{ID: "run_ab"}))

	for _, p := range []*Process{
		{RunID: "run_a", Cluster: "primary", Name: "master-0-0", Role: "master", Pid: 100},
		{RunID: "run_a", Cluster: "primary", Name: "node-0", Role: "node", Pid: 101},
		{RunID: "run_ab", Cluster: "primary", Name: "node-0", Role: "node", Pid: 200},
	} {
		require.NoError(t, s.RecordProcess(p))
	}

	procs, err := s.ListProcesses("run_a")
	require.NoError(t, err)
	require.Len(t, procs, 2)
	assert.Equal(t, 100, procs[0].Pid)
	assert.Equal(t, 101, procs[1].Pid)

	// re-recording after a restart replaces the pid
	require.NoError(t, s.RecordProcess(&Process{RunID: "run_a", Cluster: "primary", Name: "node-0", Role: "node", Pid: 102}))
	procs, err = s.ListProcesses("run_a")
	require.NoError(t, err)
	assert.Equal(t, 102, procs[1].Pid)

	require.NoError(t, s.DeleteRun("run_a"))
	procs, err = s.ListProcesses("run_a")
	require.NoError(t, err)
	assert.Empty(t, procs)

	procs, err = s.ListProcesses("run_ab")
	require.NoError(t, err)
	assert.Len(t, procs, 1)
}

func TestReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := NewBoltStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.CreateRun(&Run{ID: "run_a", Sandbox: "/tmp/sandbox"}))
	require.NoError(t, s.Close())

	s, err = NewBoltStore(dir)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.GetRun("run_a")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/sandbox", got.Sandbox)
}
