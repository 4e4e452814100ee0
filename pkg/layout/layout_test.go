package layout

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cuemby/testenv/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSpec() *types.ClusterSpec {
	spec := types.DefaultClusterSpec()
	spec.PrimaryMasterCount = 1
	spec.SecondaryCellCount = 1
	spec.NodeCount = 2
	spec.SchedulerCount = 1
	spec.StoreMedia = []string{"default", "ssd_blobs"}
	return &spec
}

func TestBuild(t *testing.T) {
	root := filepath.Join(t.TempDir(), "run_1234")

	l, err := Build(root, testSpec())
	require.NoError(t, err)

	for _, dir := range []string{l.Configs, l.Logs, l.RuntimeData, l.Stderrs} {
		assert.DirExists(t, dir)
	}
	assert.Equal(t, filepath.Join(root, "pids"), l.PidFile)

	require.Len(t, l.Masters, 2)
	assert.DirExists(t, l.Masters[1][0].Changelogs)
	assert.DirExists(t, l.Masters[1][0].Snapshots)

	require.Len(t, l.Nodes, 2)
	locs := l.Nodes[1].StoreLocations
	require.Len(t, locs, 2)
	assert.Equal(t, "ssd_blobs", locs[1].Medium)
	assert.DirExists(t, locs[1].Path)
	assert.DirExists(t, l.Nodes[0].Slots)

	assert.Len(t, l.Dirs[types.RoleScheduler], 1)
	assert.Len(t, l.Dirs[types.RoleHTTPProxy], 1)
	assert.Empty(t, l.Dirs[types.RoleControllerAgent])
}

func TestBuildIsIdempotent(t *testing.T) {
	root := t.TempDir()
	_, err := Build(root, testSpec())
	require.NoError(t, err)

	marker := filepath.Join(root, "logs", "keep.log")
	require.NoError(t, os.WriteFile(marker, []byte("x"), 0o644))

	_, err = Build(root, testSpec())
	require.NoError(t, err)
	assert.FileExists(t, marker)
}

func TestLinkLatest(t *testing.T) {
	parent := t.TempDir()
	first := filepath.Join(parent, "run_a")
	second := filepath.Join(parent, "run_b")
	require.NoError(t, os.Mkdir(first, 0o755))
	require.NoError(t, os.Mkdir(second, 0o755))

	require.NoError(t, LinkLatest(parent, first))
	require.NoError(t, LinkLatest(parent, second))

	target, err := os.Readlink(filepath.Join(parent, LatestLink))
	require.NoError(t, err)
	assert.Equal(t, second, target)
}

func TestLinkLatestRefusesRegularFile(t *testing.T) {
	parent := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(parent, LatestLink), nil, 0o644))

	assert.Error(t, LinkLatest(parent, filepath.Join(parent, "run")))
}

func TestPathHelpers(t *testing.T) {
	p := NewPaths("/sandbox/run")
	assert.Equal(t, "/sandbox/run/stderrs/stderr.node-1", p.StderrPath("node-1"))
	assert.Equal(t, "/sandbox/run/logs/master-0-0.log", p.LogPath("master-0-0", "log"))
	assert.Equal(t, "/sandbox/run/configs/node-0.yson", p.ConfigPath("node-0.yson"))
}
