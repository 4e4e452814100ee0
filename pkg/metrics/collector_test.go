package metrics

import (
	"testing"

	"github.com/cuemby/testenv/pkg/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

type fakeSource struct {
	state    types.InstanceState
	live     map[types.Role]int
	expected map[types.Role]int
}

func (f *fakeSource) Name() string { return "collector-test" }
func (f *fakeSource) State() types.InstanceState { return f.state }
func (f *fakeSource) LiveProcesses() map[types.Role]int { return f.live }
func (f *fakeSource) ExpectedProcesses() map[types.Role]int { return f.expected }

func TestCollect(t *testing.T) {
	resetHealth()
	src := &fakeSource{
		state:    types.StateRunning,
		live:     map[types.Role]int{types.RoleMaster: 1, types.RoleNode: 2},
		expected: map[types.Role]int{types.RoleMaster: 1, types.RoleNode: 3},
	}

	Collect(src)

	assert.Equal(t, 2.0, testutil.ToFloat64(ProcessesRunning.WithLabelValues("collector-test", "node")))
	assert.Equal(t, float64(types.StateRunning), testutil.ToFloat64(ClusterState.WithLabelValues("collector-test")))

	health := GetHealth()
	assert.Equal(t, "healthy", health.Components["collector-test/master"])
	assert.Equal(t, "unhealthy: 2 of 3 processes alive", health.Components["collector-test/node"])
}

func TestCollectStoppedCluster(t *testing.T) {
	resetHealth()
	src := &fakeSource{
		state:    types.StateStopped,
		live:     map[types.Role]int{},
		expected: map[types.Role]int{types.RoleMaster: 1},
	}

	Collect(src)

	assert.Equal(t, "unhealthy: cluster is stopped", GetHealth().Components["collector-test/master"])
}
