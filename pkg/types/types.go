package types

import (
	"fmt"
	"strings"
)

// Role identifies one kind of Platform server process
type Role string

const (
	RoleHTTPProxy       Role = "http_proxy"
	RoleClock           Role = "clock"
	RoleMaster          Role = "master"
	RoleNode            Role = "node"
	RoleScheduler       Role = "scheduler"
	RoleControllerAgent Role = "controller_agent"
	RoleRPCProxy        Role = "rpc_proxy"

	// RoleDriver names driver configs; drivers are not processes and are never started
	RoleDriver Role = "driver"
)

// StartOrder lists roles in the order the orchestrator starts them.
// Every step must pass its readiness probe before the next one begins.
var StartOrder = []Role{
	RoleHTTPProxy,
	RoleClock,
	RoleMaster,
	RoleNode,
	RoleScheduler,
	RoleControllerAgent,
	RoleRPCProxy,
}

// StopOrder is StartOrder reversed
func StopOrder() []Role {
	order := make([]Role, 0, len(StartOrder))
	for i := len(StartOrder) - 1; i >= 0; i-- {
		order = append(order, StartOrder[i])
	}
	return order
}

// SortForStop orders roles by reverse start order, dropping unknown roles
func SortForStop(roles []Role) []Role {
	wanted := make(map[Role]bool, len(roles))
	for _, r := range roles {
		wanted[r] = true
	}
	var sorted []Role
	for _, r := range StopOrder() {
		if wanted[r] {
			sorted = append(sorted, r)
		}
	}
	return sorted
}

// SortForStart orders roles by start order, dropping unknown roles
func SortForStart(roles []Role) []Role {
	wanted := make(map[Role]bool, len(roles))
	for _, r := range roles {
		wanted[r] = true
	}
	var sorted []Role
	for _, r := range StartOrder {
		if wanted[r] {
			sorted = append(sorted, r)
		}
	}
	return sorted
}

// Flag is the command line switch selecting the role in a monolithic binary
func (r Role) Flag() string {
	return "--" + strings.ReplaceAll(string(r), "_", "-")
}

// BinarySuffix is the suffix of the role-specific binary in the split layout
func (r Role) BinarySuffix() string {
	return strings.ReplaceAll(string(r), "_", "-")
}

// InstanceState is the lifecycle state of a provisioned cluster
type InstanceState int

const (
	StateConfigured InstanceState = iota
	StateStarting
	StateRunning
	StateStopping
	StateStopped
)

func (s InstanceState) String() string {
	switch s {
	case StateConfigured:
		return "configured"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// DriverBackend selects how drivers talk to a cluster
type DriverBackend string

const (
	// DriverBackendHTTP routes commands through the cluster's HTTP proxy
	DriverBackendHTTP DriverBackend = "http"
	// DriverBackendRelay routes commands through a testenv relay that
	// fronts the HTTP driver of a running cluster
	DriverBackendRelay DriverBackend = "relay"
)

// CellTagStride separates cell tags of clusters in one run
const CellTagStride = 10

// PrimaryClusterName is the registry name of the first cluster of a run
const PrimaryClusterName = "primary"

// RemoteClusterName returns the registry name of the k-th remote cluster
func RemoteClusterName(k int) string {
	return fmt.Sprintf("remote_%d", k)
}

// ABI is the major.minor version shared by all discovered server binaries
type ABI struct {
	Major int
	Minor int
}

func (a ABI) String() string {
	return fmt.Sprintf("%d.%d", a.Major, a.Minor)
}

// Less reports whether a is older than b
func (a ABI) Less(b ABI) bool {
	if a.Major != b.Major {
		return a.Major < b.Major
	}
	return a.Minor < b.Minor
}

// BinaryLayout is the packaging scheme of the discovered server binaries
type BinaryLayout int

const (
	// LayoutMonolithic is one platform-server binary selecting the role by flag
	LayoutMonolithic BinaryLayout = iota + 1
	// LayoutSplit is one platform-server-<role> binary per role
	LayoutSplit
)

func (l BinaryLayout) String() string {
	switch l {
	case LayoutMonolithic:
		return "monolithic"
	case LayoutSplit:
		return "split"
	default:
		return "unknown"
	}
}
