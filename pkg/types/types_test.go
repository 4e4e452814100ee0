package types

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStopOrderIsReverseStartOrder(t *testing.T) {
	stop := StopOrder()
	require.Len(t, stop, len(StartOrder))
	for i, role := range StartOrder {
		assert.Equal(t, role, stop[len(stop)-1-i])
	}
}

func TestSortForStop(t *testing.T) {
	got := SortForStop([]Role{RoleNode, RoleControllerAgent, RoleScheduler, Role("bogus")})
	assert.Equal(t, []Role{RoleControllerAgent, RoleScheduler, RoleNode}, got)

	got = SortForStart([]Role{RoleControllerAgent, RoleScheduler})
	assert.Equal(t, []Role{RoleScheduler, RoleControllerAgent}, got)
}

func TestRoleNames(t *testing.T) {
	assert.Equal(t, "--controller-agent", RoleControllerAgent.Flag())
	assert.Equal(t, "http-proxy", RoleHTTPProxy.BinarySuffix())
	assert.Equal(t, "remote_2", RemoteClusterName(2))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ClusterSpec)
		ok     bool
	}{
		{"default", func(*ClusterSpec) {}, true},
		{"no name", func(s *ClusterSpec) { s.Name = "" }, false},
		{"no masters", func(s *ClusterSpec) { s.PrimaryMasterCount = 0 }, false},
		{"negative nodes", func(s *ClusterSpec) { s.NodeCount = -1 }, false},
		{"scheduler without nodes", func(s *ClusterSpec) { s.NodeCount = 0; s.SchedulerCount = 1 }, false},
		{"agent without scheduler", func(s *ClusterSpec) { s.ControllerAgentCount = 1 }, false},
		{"http backend without proxy", func(s *ClusterSpec) { s.HTTPProxyCount = 0 }, false},
		{"explicit http backend", func(s *ClusterSpec) { s.DriverBackend = DriverBackendHTTP }, true},
		{"relay backend", func(s *ClusterSpec) { s.DriverBackend = DriverBackendRelay; s.RPCProxyCount = 1 }, false},
		{"unknown backend", func(s *ClusterSpec) { s.DriverBackend = "smoke" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := DefaultClusterSpec()
			tt.mutate(&spec)
			err := spec.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.True(t, errors.Is(err, ErrInvalidSpec), "got %v", err)
			}
		})
	}
}

func TestCounts(t *testing.T) {
	spec := DefaultClusterSpec()
	spec.PrimaryMasterCount = 3
	spec.NonvotingMasterCount = 1
	spec.SecondaryCellCount = 2
	spec.NodeCount = 2
	spec.NodePortSetSize = 3
	spec.CellTag = 10

	assert.Equal(t, 4, spec.MastersPerCell())
	assert.Equal(t, 12, spec.Count(RoleMaster))
	assert.Equal(t, 12, spec.CellTagOf(2))
	assert.Equal(t, 0, spec.Count(RoleDriver))
	// 12 masters * 2 + 2 nodes * 5 + 1 proxy * 2
	assert.Equal(t, 36, spec.PortCount())
}

func TestABI(t *testing.T) {
	assert.Equal(t, "23.2", ABI{23, 2}.String())
	assert.True(t, ABI{22, 9}.Less(ABI{23, 0}))
	assert.False(t, ABI{23, 1}.Less(ABI{23, 1}))
}
