package types

import (
	"errors"
	"fmt"
)

// ClusterSpec describes the desired topology of one cluster. It is treated as
// an immutable value once handed to the provisioner.
type ClusterSpec struct {
	// Name is the cluster name used by the driver registry
	Name string `yaml:"name"`

	PrimaryMasterCount   int `yaml:"primary_master_count"`
	NonvotingMasterCount int `yaml:"nonvoting_master_count"`
	SecondaryCellCount   int `yaml:"secondary_cell_count"`
	ClockCount           int `yaml:"clock_count"`

	NodeCount            int `yaml:"node_count"`
	SchedulerCount       int `yaml:"scheduler_count"`
	ControllerAgentCount int `yaml:"controller_agent_count"`
	HTTPProxyCount       int `yaml:"http_proxy_count"`
	RPCProxyCount        int `yaml:"rpc_proxy_count"`

	// CellTag of the primary master cell; secondary cells use CellTag+1..N
	CellTag int `yaml:"cell_tag"`

	UseMasterCache        bool `yaml:"use_master_cache"`
	EnablePermissionCache bool `yaml:"enable_permission_cache"`

	// DeferStart lists roles that are configured but not started with the cluster
	DeferStart map[Role]bool `yaml:"defer_start"`

	// ConfigPatches are deep-merged over the default template of each role
	ConfigPatches map[Role]map[string]any `yaml:"config_patches"`

	CapturingStderr      bool     `yaml:"capturing_stderr"`
	BinaryDiscoveryRoots []string `yaml:"binary_discovery_roots"`

	// NodePortSetSize is the number of extra ports reserved per node for user jobs
	NodePortSetSize int `yaml:"node_port_set_size"`

	// StoreMedia names one store location per entry on every node
	StoreMedia []string `yaml:"store_media"`

	DriverBackend DriverBackend `yaml:"driver_backend"`
	UseCgroups    bool          `yaml:"use_cgroups"`
}

// DefaultClusterSpec mirrors the defaults of a test suite that declares nothing
func DefaultClusterSpec() ClusterSpec {
	return ClusterSpec{
		Name:                  PrimaryClusterName,
		PrimaryMasterCount:    3,
		NodeCount:             5,
		HTTPProxyCount:        1,
		EnablePermissionCache: true,
		StoreMedia:            []string{"default"},
		DriverBackend:         DriverBackendHTTP,
	}
}

var (
	// ErrInvalidSpec is wrapped by every ClusterSpec validation failure
	ErrInvalidSpec = errors.New("invalid cluster spec")
)

// Validate checks counts and cross-field constraints
func (s *ClusterSpec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("%w: cluster name is empty", ErrInvalidSpec)
	}
	if s.PrimaryMasterCount < 1 {
		return fmt.Errorf("%w: at least one primary master is required", ErrInvalidSpec)
	}
	for role, n := range map[Role]int{
		RoleClock:           s.ClockCount,
		RoleNode:            s.NodeCount,
		RoleScheduler:       s.SchedulerCount,
		RoleControllerAgent: s.ControllerAgentCount,
		RoleHTTPProxy:       s.HTTPProxyCount,
		RoleRPCProxy:        s.RPCProxyCount,
	} {
		if n < 0 {
			return fmt.Errorf("%w: negative %s count", ErrInvalidSpec, role)
		}
	}
	if s.SecondaryCellCount < 0 || s.NonvotingMasterCount < 0 || s.NodePortSetSize < 0 {
		return fmt.Errorf("%w: negative count", ErrInvalidSpec)
	}
	if s.SchedulerCount > 0 && s.NodeCount == 0 {
		return fmt.Errorf("%w: schedulers require at least one node", ErrInvalidSpec)
	}
	if s.ControllerAgentCount > 0 && s.SchedulerCount == 0 {
		return fmt.Errorf("%w: controller agents require a scheduler", ErrInvalidSpec)
	}
	if s.CellTag < 0 {
		return fmt.Errorf("%w: negative cell tag", ErrInvalidSpec)
	}
	switch s.DriverBackend {
	case "", DriverBackendHTTP:
		if s.HTTPProxyCount == 0 {
			return fmt.Errorf("%w: http driver backend requires an http proxy", ErrInvalidSpec)
		}
	case DriverBackendRelay:
		return fmt.Errorf("%w: a relay fronts a running cluster and cannot drive a provisioned one", ErrInvalidSpec)
	default:
		return fmt.Errorf("%w: unknown driver backend %q", ErrInvalidSpec, s.DriverBackend)
	}
	return nil
}

// MastersPerCell is the number of master peers in every cell
func (s *ClusterSpec) MastersPerCell() int {
	return s.PrimaryMasterCount + s.NonvotingMasterCount
}

// CellCount is the number of master cells including the primary
func (s *ClusterSpec) CellCount() int {
	return 1 + s.SecondaryCellCount
}

// CellTagOf returns the tag of the cell with the given index (0 is primary)
func (s *ClusterSpec) CellTagOf(cellIndex int) int {
	return s.CellTag + cellIndex
}

// Count returns the number of instances of a role. Masters are counted across all cells.
func (s *ClusterSpec) Count(role Role) int {
	switch role {
	case RoleMaster:
		return s.MastersPerCell() * s.CellCount()
	case RoleClock:
		return s.ClockCount
	case RoleNode:
		return s.NodeCount
	case RoleScheduler:
		return s.SchedulerCount
	case RoleControllerAgent:
		return s.ControllerAgentCount
	case RoleHTTPProxy:
		return s.HTTPProxyCount
	case RoleRPCProxy:
		return s.RPCProxyCount
	default:
		return 0
	}
}

// PortsPerInstance returns the number of ports one instance of a role binds
func (s *ClusterSpec) PortsPerInstance(role Role) int {
	switch role {
	case RoleNode:
		return 2 + s.NodePortSetSize
	case RoleMaster, RoleClock, RoleScheduler, RoleControllerAgent, RoleHTTPProxy, RoleRPCProxy:
		return 2
	default:
		return 0
	}
}

// PortCount is the total number of ports the cluster needs
func (s *ClusterSpec) PortCount() int {
	total := 0
	for _, role := range StartOrder {
		total += s.Count(role) * s.PortsPerInstance(role)
	}
	return total
}

// Backend returns the driver backend with the default applied
func (s *ClusterSpec) Backend() DriverBackend {
	if s.DriverBackend == "" {
		return DriverBackendHTTP
	}
	return s.DriverBackend
}

// Media returns the store media with the default applied
func (s *ClusterSpec) Media() []string {
	if len(s.StoreMedia) == 0 {
		return []string{"default"}
	}
	return s.StoreMedia
}
