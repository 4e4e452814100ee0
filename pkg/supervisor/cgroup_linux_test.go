package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/testenv/pkg/types"
)

func TestStartupFailureRemovesCgroup(t *testing.T) {
	if !cgroupsAvailable() {
		t.Skip("no writable freezer hierarchy")
	}
	t.Setenv("FAKE_SERVER_FAIL", "1")
	s, _ := newTestSupervisor(t, nil)
	s.opts.RunID = "cgroup-" + filepath.Base(t.TempDir())
	s.cgroups = true

	_, err := s.Run(context.Background(), Spec{Name: "node-0", Role: types.RoleNode, ConfigPath: "/cfg/n.yson"})
	var startup *StartupError
	require.ErrorAs(t, err, &startup)

	_, err = os.Stat(filepath.Join(freezerRoot, cgroupPath(s.opts.RunID, "node-0")))
	assert.True(t, os.IsNotExist(err), "cgroup of a failed start is removed, stat: %v", err)
}
