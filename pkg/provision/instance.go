package provision

import (
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/cuemby/testenv/pkg/config"
	"github.com/cuemby/testenv/pkg/events"
	"github.com/cuemby/testenv/pkg/layout"
	"github.com/cuemby/testenv/pkg/metrics"
	"github.com/cuemby/testenv/pkg/ports"
	"github.com/cuemby/testenv/pkg/supervisor"
	"github.com/cuemby/testenv/pkg/types"
)

// Instance is one provisioned cluster: its sandbox, configs, port lease and
// supervised processes. It holds no driver; drivers are owned by the
// registry and looked up by the instance name.
type Instance struct {
	RunID  string
	Suite  string
	Spec   types.ClusterSpec
	Layout *layout.Layout
	// Configs is the generated config tree
	Configs *config.Set
	// ConfigPaths parallels Configs.Roles
	ConfigPaths map[types.Role][]string
	Supervisor  *supervisor.Supervisor

	lease       *ports.Lease
	releaseOnce sync.Once
	broker      *events.Broker

	mu    sync.RWMutex
	state types.InstanceState
}

// Name returns the cluster name
func (i *Instance) Name() string {
	return i.Spec.Name
}

// Path returns the root of the instance sandbox
func (i *Instance) Path() string {
	return i.Layout.Root
}

// State returns the lifecycle state
func (i *Instance) State() types.InstanceState {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.state
}

// SetState records a lifecycle transition
func (i *Instance) SetState(s types.InstanceState) {
	i.mu.Lock()
	prev := i.state
	i.state = s
	i.mu.Unlock()

	if prev == s {
		return
	}
	metrics.ClusterState.WithLabelValues(i.Name()).Set(float64(s))
	i.broker.Publish(events.New(events.EventClusterState, i.Name(),
		fmt.Sprintf("%s -> %s", prev, s)).With("from", prev.String()).With("to", s.String()))
}

// Ports returns the leased ports
func (i *Instance) Ports() []int {
	return i.lease.Ports()
}

// ServiceName groups the processes of a role. Master cells are separate
// services so that each can be killed alone.
func ServiceName(role types.Role, cell int) string {
	if role == types.RoleMaster && cell > 0 {
		return fmt.Sprintf("master_secondary_%d", cell-1)
	}
	return string(role)
}

// ProcessSpecs returns what the supervisor needs to start every instance of
// a role. cell selects the master cell and is ignored by other roles.
func (i *Instance) ProcessSpecs(role types.Role, cell int) []supervisor.Spec {
	names := i.Configs.Names[role]
	paths := i.ConfigPaths[role]
	lo, hi := 0, len(names)
	if role == types.RoleMaster {
		per := i.Spec.MastersPerCell()
		lo, hi = cell*per, (cell+1)*per
	}

	var specs []supervisor.Spec
	for idx := lo; idx < hi && idx < len(names); idx++ {
		specs = append(specs, supervisor.Spec{
			Name:       names[idx],
			Service:    ServiceName(role, cell),
			Role:       role,
			Index:      idx - lo,
			ConfigPath: paths[idx],
		})
	}
	return specs
}

// DriverConfigs returns one driver document per master cell
func (i *Instance) DriverConfigs() []config.Document {
	return i.Configs.Docs(types.RoleDriver)
}

// ProxyAddress returns host:port of the first HTTP proxy, or "" without one
func (i *Instance) ProxyAddress() string {
	docs := i.Configs.Docs(types.RoleHTTPProxy)
	if len(docs) == 0 {
		return ""
	}
	if addr, ok := docs[0]["address"].(string); ok {
		return addr
	}
	if port, ok := docs[0]["port"].(int); ok {
		return net.JoinHostPort("localhost", strconv.Itoa(port))
	}
	return ""
}

// LiveProcesses counts tracked processes that have not exited, per role
func (i *Instance) LiveProcesses() map[types.Role]int {
	out := make(map[types.Role]int)
	for _, p := range i.Supervisor.Processes() {
		if !p.Exited() {
			out[p.Role]++
		}
	}
	return out
}

// ExpectedProcesses counts tracked processes per role
func (i *Instance) ExpectedProcesses() map[types.Role]int {
	out := make(map[types.Role]int)
	for _, p := range i.Supervisor.Processes() {
		out[p.Role]++
	}
	return out
}

func (i *Instance) releasePorts() error {
	var err error
	i.releaseOnce.Do(func() {
		err = i.lease.Release()
	})
	return err
}
