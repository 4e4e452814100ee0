package config

import (
	"fmt"
	"net"
	"path/filepath"
	"strconv"

	"github.com/cuemby/testenv/pkg/layout"
	"github.com/cuemby/testenv/pkg/types"
	"github.com/cuemby/testenv/pkg/yson"
)

// ModifyFunc mutates the whole generated set once, after per-role patches.
// It is the hook for cross-role coupling.
type ModifyFunc func(set *Set, abi types.ABI) error

// Input is everything Generate needs to produce a cluster's configs
type Input struct {
	Spec   *types.ClusterSpec
	Ports  []int
	Layout *layout.Layout
	ABI    types.ABI

	// Hostname is used in every advertised address. Defaults to localhost.
	Hostname           string
	EnableDebugLogging bool
	Modify             ModifyFunc
}

// Addresses are the endpoints bound by a generated cluster
type Addresses struct {
	// Masters is indexed by cell, then peer
	Masters          [][]string
	Clocks           []string
	Nodes            []string
	Schedulers       []string
	ControllerAgents []string
	HTTPProxies      []string
	RPCProxies       []string
}

// Set is the generated config tree of one cluster
type Set struct {
	// Masters is indexed by cell, then peer
	Masters [][]Document
	// Roles holds one document per instance, in instance order. Masters are
	// flattened cell by cell and share maps with Masters. Drivers have one
	// document per cell.
	Roles map[types.Role][]Document
	// Names parallels Roles: master-<cell>-<peer>, driver-<cell>, <role>-<index>
	Names map[types.Role][]string
	// LogPaths parallels Roles with the info log of each process
	LogPaths map[types.Role][]string
	// LogFiles lists every log file any process writes
	LogFiles []string

	// Connection is the cluster connection published to other clusters
	Connection Document
	Addresses  Addresses
}

// Docs returns the documents of a role
func (s *Set) Docs(role types.Role) []Document {
	return s.Roles[role]
}

// FileName returns the on-disk name of an instance config
func FileName(role types.Role, name string) string {
	if role == types.RoleHTTPProxy {
		return name + ".json"
	}
	return name + ".yson"
}

// InstanceName returns the process name of an instance. cell is only used by masters and drivers.
func InstanceName(role types.Role, cell, index int) string {
	switch role {
	case types.RoleMaster:
		return fmt.Sprintf("master-%d-%d", cell, index)
	case types.RoleDriver:
		return fmt.Sprintf("driver-%d", cell)
	default:
		return fmt.Sprintf("%s-%d", role, index)
	}
}

// CellID returns the id of the master cell with the given tag
func CellID(cellTag int) string {
	return fmt.Sprintf("ffffffff-ffffffff-%x0259-ffffffff", cellTag)
}

func clockCellID(cellTag int) string {
	return fmt.Sprintf("ffffffff-ffffffff-%x0258-ffffffff", cellTag)
}

type generator struct {
	in   Input
	spec *types.ClusterSpec
	host string
	set  *Set

	ports []int
	next  int

	// instance ports, masters flattened
	bound map[types.Role][][]int
}

// Generate builds one config document per instance of every role
func Generate(in Input) (*Set, error) {
	if in.Spec == nil || in.Layout == nil {
		return nil, &Error{Msg: "spec and layout are required"}
	}
	g := &generator{
		in:    in,
		spec:  in.Spec,
		host:  in.Hostname,
		ports: in.Ports,
		bound: make(map[types.Role][][]int),
		set: &Set{
			Roles:    make(map[types.Role][]Document),
			Names:    make(map[types.Role][]string),
			LogPaths: make(map[types.Role][]string),
		},
	}
	if g.host == "" {
		g.host = "localhost"
	}

	if err := g.assignPorts(); err != nil {
		return nil, err
	}

	steps := []func() error{
		g.connection,
		g.masters,
		g.clocks,
		g.nodes,
		g.schedulers,
		g.controllerAgents,
		g.rpcProxies,
		g.drivers,
		g.httpProxies,
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return nil, err
		}
	}

	for role, patch := range g.spec.ConfigPatches {
		for _, doc := range g.set.Roles[role] {
			Merge(doc, patch)
		}
	}

	if in.Modify != nil {
		if err := in.Modify(g.set, in.ABI); err != nil {
			return nil, &Error{Msg: "modify configs hook failed", Err: err}
		}
	}

	if err := validate(g.set); err != nil {
		return nil, err
	}
	return g.set, nil
}

func (g *generator) assignPorts() error {
	need := g.spec.PortCount()
	if len(g.ports) < need {
		return &Error{Msg: fmt.Sprintf("cluster needs %d ports, lease holds %d", need, len(g.ports))}
	}
	for _, role := range types.StartOrder {
		per := g.spec.PortsPerInstance(role)
		for i := 0; i < g.spec.Count(role); i++ {
			g.bound[role] = append(g.bound[role], g.ports[g.next:g.next+per])
			g.next += per
		}
	}
	return nil
}

func (g *generator) addr(port int) string {
	return net.JoinHostPort(g.host, strconv.Itoa(port))
}

func (g *generator) rpcAddresses(role types.Role) []string {
	var out []string
	for _, p := range g.bound[role] {
		out = append(out, g.addr(p[0]))
	}
	return out
}

func (g *generator) add(role types.Role, name string, doc Document) {
	g.set.Roles[role] = append(g.set.Roles[role], doc)
	g.set.Names[role] = append(g.set.Names[role], name)
}

func (g *generator) logging(role types.Role, name string) map[string]any {
	paths := g.in.Layout.Paths
	type writer struct{ name, file, level string }
	writers := []writer{
		{"info", paths.LogPath(name, "log"), "info"},
		{"error", paths.LogPath(name, "error.log"), "error"},
	}
	if g.in.EnableDebugLogging {
		writers = append(writers, writer{"debug", paths.LogPath(name, "debug.log"), "debug"})
	}

	rules := []any{}
	ws := map[string]any{}
	for _, w := range writers {
		rules = append(rules, map[string]any{"min_level": w.level, "writers": []any{w.name}})
		ws[w.name] = map[string]any{"type": "file", "file_name": w.file}
		g.set.LogFiles = append(g.set.LogFiles, w.file)
	}
	g.set.LogPaths[role] = append(g.set.LogPaths[role], writers[0].file)
	return map[string]any{"rules": rules, "writers": ws}
}

func (g *generator) cellConnection(cell int) map[string]any {
	addrs := g.set.Addresses.Masters[cell]
	conn := map[string]any{
		"addresses": toAny(addrs),
		"cell_id":   CellID(g.spec.CellTagOf(cell)),
	}
	if g.spec.NonvotingMasterCount > 0 {
		var peers []any
		for i, a := range addrs {
			peers = append(peers, map[string]any{
				"address": a,
				"voting":  i < g.spec.PrimaryMasterCount,
			})
		}
		conn["peers"] = peers
	}
	return conn
}

func (g *generator) connection() error {
	per := g.spec.MastersPerCell()
	masters := g.rpcAddresses(types.RoleMaster)
	for cell := 0; cell < g.spec.CellCount(); cell++ {
		g.set.Addresses.Masters = append(g.set.Addresses.Masters, masters[cell*per:(cell+1)*per])
	}
	g.set.Addresses.Clocks = g.rpcAddresses(types.RoleClock)
	g.set.Addresses.Nodes = g.rpcAddresses(types.RoleNode)
	g.set.Addresses.Schedulers = g.rpcAddresses(types.RoleScheduler)
	g.set.Addresses.ControllerAgents = g.rpcAddresses(types.RoleControllerAgent)
	g.set.Addresses.HTTPProxies = g.rpcAddresses(types.RoleHTTPProxy)
	g.set.Addresses.RPCProxies = g.rpcAddresses(types.RoleRPCProxy)

	conn, err := loadTemplate(connectionTemplate)
	if err != nil {
		return err
	}
	conn["primary_master"] = g.cellConnection(0)
	secondary := []any{}
	for cell := 1; cell < g.spec.CellCount(); cell++ {
		secondary = append(secondary, g.cellConnection(cell))
	}
	conn["secondary_masters"] = secondary

	if len(g.set.Addresses.Clocks) > 0 {
		conn["timestamp_provider"] = map[string]any{"addresses": toAny(g.set.Addresses.Clocks)}
	} else {
		conn["timestamp_provider"] = map[string]any{"addresses": toAny(g.set.Addresses.Masters[0])}
	}
	if g.spec.UseMasterCache {
		conn["master_cache"] = map[string]any{
			"addresses":                     toAny(g.set.Addresses.Nodes),
			"enable_master_cache_discovery": true,
		}
	}

	expire := 0
	if g.spec.EnablePermissionCache {
		expire = 1000
	}
	conn["permission_cache"] = map[string]any{
		"expire_after_access_time":            expire,
		"expire_after_successful_update_time": expire,
		"expire_after_failed_update_time":     0,
		"refresh_time":                        expire,
	}
	conn["cell_tag"] = g.spec.CellTag
	g.set.Connection = conn
	return nil
}

func (g *generator) masters() error {
	dirs := g.in.Layout.Masters
	ports := g.bound[types.RoleMaster]
	per := g.spec.MastersPerCell()

	for cell := 0; cell < g.spec.CellCount(); cell++ {
		var peers []Document
		for i := 0; i < per; i++ {
			doc, err := Template(types.RoleMaster)
			if err != nil {
				return err
			}
			name := InstanceName(types.RoleMaster, cell, i)
			p := ports[cell*per+i]

			doc["rpc_port"] = p[0]
			doc["monitoring_port"] = p[1]
			doc["address_resolver"] = map[string]any{"localhost_fqdn": g.host}
			doc["primary_master"] = g.cellConnection(0)
			doc["secondary_masters"] = yson.Clone(g.set.Connection["secondary_masters"])
			doc["timestamp_provider"] = mergedCopy(doc["timestamp_provider"], g.set.Connection["timestamp_provider"])
			set(doc, "changelogs/path", dirs[cell][i].Changelogs)
			set(doc, "snapshots/path", dirs[cell][i].Snapshots)
			if len(g.set.Addresses.Clocks) > 0 {
				doc["clock_cell"] = map[string]any{
					"addresses": toAny(g.set.Addresses.Clocks),
					"cell_id":   clockCellID(g.spec.CellTag),
				}
			}
			doc["logging"] = g.logging(types.RoleMaster, name)

			peers = append(peers, doc)
			g.add(types.RoleMaster, name, doc)
		}
		g.set.Masters = append(g.set.Masters, peers)
	}
	return nil
}

func (g *generator) clocks() error {
	for i, p := range g.bound[types.RoleClock] {
		doc, err := Template(types.RoleClock)
		if err != nil {
			return err
		}
		name := InstanceName(types.RoleClock, 0, i)
		dir := g.in.Layout.Dirs[types.RoleClock][i]

		doc["rpc_port"] = p[0]
		doc["monitoring_port"] = p[1]
		doc["clock_cell"] = map[string]any{
			"addresses": toAny(g.set.Addresses.Clocks),
			"cell_id":   clockCellID(g.spec.CellTag),
		}
		set(doc, "changelogs/path", filepath.Join(dir, "changelogs"))
		set(doc, "snapshots/path", filepath.Join(dir, "snapshots"))
		doc["logging"] = g.logging(types.RoleClock, name)
		g.add(types.RoleClock, name, doc)
	}
	return nil
}

func (g *generator) nodes() error {
	for i, p := range g.bound[types.RoleNode] {
		doc, err := Template(types.RoleNode)
		if err != nil {
			return err
		}
		name := InstanceName(types.RoleNode, 0, i)
		dirs := g.in.Layout.Nodes[i]

		doc["rpc_port"] = p[0]
		doc["monitoring_port"] = p[1]
		doc["cluster_connection"] = map[string]any(g.set.Connection.Clone())

		var stores []any
		for _, loc := range dirs.StoreLocations {
			stores = append(stores, map[string]any{"path": loc.Path, "medium_name": loc.Medium})
		}
		set(doc, "data_node/store_locations", stores)
		set(doc, "data_node/cache_locations", []any{map[string]any{"path": dirs.ChunkCache}})
		set(doc, "exec_agent/slot_manager/locations", []any{map[string]any{"path": dirs.Slots}})
		if len(p) > 2 {
			jobPorts := make([]any, 0, len(p)-2)
			for _, port := range p[2:] {
				jobPorts = append(jobPorts, port)
			}
			set(doc, "exec_agent/job_controller/port_set", jobPorts)
		}
		doc["logging"] = g.logging(types.RoleNode, name)
		g.add(types.RoleNode, name, doc)
	}
	return nil
}

func (g *generator) schedulers() error {
	for i, p := range g.bound[types.RoleScheduler] {
		doc, err := Template(types.RoleScheduler)
		if err != nil {
			return err
		}
		name := InstanceName(types.RoleScheduler, 0, i)
		doc["rpc_port"] = p[0]
		doc["monitoring_port"] = p[1]
		doc["cluster_connection"] = mergedCopy(doc["cluster_connection"], g.set.Connection)
		doc["logging"] = g.logging(types.RoleScheduler, name)
		g.add(types.RoleScheduler, name, doc)
	}
	return nil
}

func (g *generator) controllerAgents() error {
	for i, p := range g.bound[types.RoleControllerAgent] {
		doc, err := Template(types.RoleControllerAgent)
		if err != nil {
			return err
		}
		name := InstanceName(types.RoleControllerAgent, 0, i)
		doc["rpc_port"] = p[0]
		doc["monitoring_port"] = p[1]
		doc["cluster_connection"] = mergedCopy(doc["cluster_connection"], g.set.Connection)
		// Applied before user patches so suites can raise it
		set(doc, "controller_agent/operation_options/spec_template/max_failed_job_count", 1)
		doc["logging"] = g.logging(types.RoleControllerAgent, name)
		g.add(types.RoleControllerAgent, name, doc)
	}
	return nil
}

func (g *generator) rpcProxies() error {
	for i, p := range g.bound[types.RoleRPCProxy] {
		doc, err := Template(types.RoleRPCProxy)
		if err != nil {
			return err
		}
		name := InstanceName(types.RoleRPCProxy, 0, i)
		doc["rpc_port"] = p[0]
		doc["monitoring_port"] = p[1]
		doc["cluster_connection"] = mergedCopy(doc["cluster_connection"], g.set.Connection)
		doc["grpc_server"] = map[string]any{
			"addresses": []any{map[string]any{"address": g.addr(p[0])}},
		}
		doc["logging"] = g.logging(types.RoleRPCProxy, name)
		g.add(types.RoleRPCProxy, name, doc)
	}
	return nil
}

func (g *generator) drivers() error {
	backend := g.spec.Backend()
	proxies := g.set.Addresses.HTTPProxies

	for cell := 0; cell < g.spec.CellCount(); cell++ {
		doc, err := Template(types.RoleDriver)
		if err != nil {
			return err
		}
		Merge(doc, g.set.Connection)
		if cell > 0 {
			doc["primary_master"] = g.cellConnection(cell)
			doc["secondary_masters"] = []any{}
		}
		doc["master_cell_tag"] = g.spec.CellTagOf(cell)
		doc["backend"] = string(backend)
		doc["proxy_addresses"] = toAny(proxies)
		g.add(types.RoleDriver, InstanceName(types.RoleDriver, cell, 0), doc)
	}
	return nil
}

func (g *generator) httpProxies() error {
	for i, p := range g.bound[types.RoleHTTPProxy] {
		doc, err := Template(types.RoleHTTPProxy)
		if err != nil {
			return err
		}
		name := InstanceName(types.RoleHTTPProxy, 0, i)
		doc["port"] = p[0]
		doc["log_port"] = p[1]
		doc["address"] = g.addr(p[0])
		doc["working_directory"] = g.in.Layout.Dirs[types.RoleHTTPProxy][i]
		driver := g.set.Roles[types.RoleDriver][0].Clone()
		delete(driver, "proxy_addresses")
		delete(driver, "backend")
		set(doc, "proxy/driver", map[string]any(driver))
		doc["logging"] = g.logging(types.RoleHTTPProxy, name)
		g.add(types.RoleHTTPProxy, name, doc)
	}
	return nil
}

// required lists keys every document of a role must carry after patching
var required = map[types.Role][]string{
	types.RoleMaster:          {"primary_master/addresses", "primary_master/cell_id", "changelogs/path", "snapshots/path", "logging/writers"},
	types.RoleClock:           {"clock_cell/addresses", "logging/writers"},
	types.RoleNode:            {"cluster_connection/primary_master", "data_node/store_locations", "logging/writers"},
	types.RoleScheduler:       {"cluster_connection/primary_master", "scheduler", "logging/writers"},
	types.RoleControllerAgent: {"cluster_connection/primary_master", "controller_agent/operation_options/spec_template/max_failed_job_count", "logging/writers"},
	types.RoleRPCProxy:        {"cluster_connection/primary_master", "logging/writers"},
	types.RoleHTTPProxy:       {"port", "proxy/driver/primary_master"},
	types.RoleDriver:          {"primary_master/addresses", "timestamp_provider", "format_defaults/structured", "api_version"},
}

func validate(s *Set) error {
	for role, keys := range required {
		for i, doc := range s.Roles[role] {
			for _, key := range keys {
				if _, err := SafeGet(doc, FileName(role, s.Names[role][i]), key); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// mergedCopy returns a fresh map holding base overlaid with patch
func mergedCopy(base, patch any) map[string]any {
	out := map[string]any{}
	if m, ok := asMap(base); ok {
		out, _ = yson.Clone(m).(map[string]any)
	}
	if m, ok := asMap(patch); ok {
		mergeMaps(out, m)
	}
	return out
}

func toAny(ss []string) []any {
	out := make([]any, 0, len(ss))
	for _, s := range ss {
		out = append(out, s)
	}
	return out
}
