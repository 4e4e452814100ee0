package drivertest

import (
	"sort"
	"strings"
	"time"

	"github.com/cuemby/testenv/pkg/config"
	"github.com/cuemby/testenv/pkg/driver"
	"github.com/cuemby/testenv/pkg/types"
	"github.com/cuemby/testenv/pkg/yson"
)

const nullTx = "0-0-0-0"

// collections maps object types to their //sys map
var collections = map[string]string{
	"account":             "accounts",
	"user":                "users",
	"group":               "groups",
	"rack":                "racks",
	"data_center":         "data_centers",
	"tablet_cell":         "tablet_cells",
	"tablet_cell_bundle":  "tablet_cell_bundles",
	"tablet_action":       "tablet_actions",
	"medium":              "media",
	"scheduler_pool_tree": "pool_trees",
}

type transaction struct {
	id       string
	title    string
	parent   string
	started  time.Time
	timeout  time.Duration
	deadline time.Time
	owner    string
	locks    []*lockEntry
	attrs    map[string]any
}

type lockEntry struct {
	id   string
	tx   string
	mode string
	node *node
}

func init() {
	for name, h := range map[string]handler{
		"get":                   cmdGet,
		"set":                   cmdSet,
		"remove":                cmdRemove,
		"create":                cmdCreate,
		"copy":                  cmdCopy,
		"move":                  cmdMove,
		"link":                  cmdLink,
		"exists":                cmdExists,
		"list":                  cmdList,
		"lock":                  cmdLock,
		"concatenate":           cmdConcatenate,
		"parse_ypath":           cmdParseYPath,
		"check_permission":      cmdCheckPermission,
		"add_member":            cmdAddMember,
		"remove_member":         cmdRemoveMember,
		"gc_collect":            cmdNoop,
		"clear_metadata_caches": cmdNoop,
		"build_snapshot":        cmdBuildSnapshot,
		"generate_timestamp":    cmdGenerateTimestamp,
		"execute_batch":         cmdExecuteBatch,
		"start_transaction":     cmdStartTransaction,
		"commit_transaction":    cmdCommitTransaction,
		"abort_transaction":     cmdAbortTransaction,
		"ping_transaction":      cmdPingTransaction,
	} {
		handlers[name] = h
	}
}

func (p *Platform) bootstrap() {
	p.root = p.newNode("map_node")
	sys := p.mkdir(p.root, "sys")
	sys.attrs["cell_id"] = config.CellID(p.opts.CellTag)
	sys.attrs["chunk_replicator_enabled"] = true
	sys.attrs["config"] = map[string]any{}
	p.refreshCellTags()

	for _, name := range []string{"accounts", "users", "groups", "racks", "data_centers",
		"tablet_cells", "tablet_cell_bundles", "tablet_actions", "media", "clusters",
		"rpc_proxies"} {
		p.mkdir(sys, name).attrs["builtin"] = true
	}

	for _, a := range []string{"sys", "tmp", "intermediate"} {
		p.object("account", a, true, nil)
	}
	for _, u := range []string{"root", "guest", "job", "scheduler", "operations_cleaner"} {
		p.object("user", u, true, nil)
	}
	p.object("user", "application_operations", false, nil)
	p.object("group", "everyone", true, map[string]any{"members": []any{"users"}})
	p.object("group", "users", true, map[string]any{"members": []any{}})
	p.object("group", "superusers", true, map[string]any{"members": []any{"root"}})
	p.object("group", "admins", true, map[string]any{"members": []any{}})
	bundle := p.object("tablet_cell_bundle", "default", true, nil)
	bundle.attrs["dynamic_options"] = map[string]any{}
	bundle.attrs["tablet_balancer_config"] = map[string]any{}
	p.object("medium", "default", true, nil)

	trees := p.mkdir(sys, "pool_trees")
	trees.attrs["builtin"] = true
	trees.attrs["default_tree"] = "default"
	def := p.newNode("scheduler_pool_tree")
	def.attrs["name"] = "default"
	def.attrs["nodes_filter"] = ""
	p.attach(trees, "default", def)

	nodes := p.mkdir(sys, "cluster_nodes")
	nodes.attrs["builtin"] = true
	nodes.attrs["config"] = map[string]any{}

	accountTree := p.newNode("map_node")
	accountTree.gen = p.accountTree
	p.attach(sys, "account_tree", accountTree)

	txs := p.newNode("map_node")
	txs.gen = p.transactionsTree
	txs.drop = func(id string) error { return p.abortTx(id, false) }
	p.attach(sys, "transactions", txs)

	ops := p.newNode("map_node")
	ops.gen = p.operationsTree
	ops.drop = p.dropOperation
	p.attach(sys, "operations", ops)

	scheduler := p.mkdir(sys, "scheduler")
	p.mkdir(scheduler, "instances")
	p.mkdir(scheduler, "lock")
	schedulerConfig := p.newNode("document")
	schedulerConfig.value = map[string]any{}
	p.attach(scheduler, "config", schedulerConfig)

	agents := p.mkdir(sys, "controller_agents")
	p.mkdir(agents, "instances")
	agentConfig := p.newNode("document")
	agentConfig.value = map[string]any{}
	p.attach(agents, "config", agentConfig)

	tmp := p.mkdir(p.root, "tmp")
	tmp.attrs["account"] = "tmp"

	p.startTx("World initialization", "", 0, "root")
}

func (p *Platform) mkdir(parent *node, key string) *node {
	n := p.newNode("map_node")
	p.attach(parent, key, n)
	return n
}

// object creates a named object in its //sys collection
func (p *Platform) object(kind, name string, builtin bool, attrs map[string]any) *node {
	n := p.newNode(kind)
	for k, v := range attrs {
		n.attrs[k] = yson.Clone(v)
	}
	n.attrs["name"] = name
	n.attrs["builtin"] = builtin
	n.attrs["life_stage"] = "creation_committed"
	key := name
	if kind == "tablet_cell" || kind == "tablet_action" {
		key = n.id
	}
	p.attach(p.collection(collections[kind]), key, n)
	return n
}

// Register adds a role instance, creating the Cypress state the real server would
func (p *Platform) Register(role types.Role, addr string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, a := range p.roles[role] {
		if a == addr {
			if role == types.RoleNode {
				if n := p.collection("cluster_nodes").children[addr]; n != nil {
					n.attrs["state"] = "online"
				}
			}
			return
		}
	}
	p.roles[role] = append(p.roles[role], addr)

	switch role {
	case types.RoleNode:
		if n := p.collection("cluster_nodes").children[addr]; n != nil {
			n.attrs["state"] = "online"
			return
		}
		n := p.newNode("cluster_node")
		for k, v := range map[string]any{
			"state":                     "online",
			"banned":                    false,
			"decommissioned":            false,
			"disable_write_sessions":    false,
			"disable_scheduler_jobs":    false,
			"disable_tablet_cells":      false,
			"resource_limits_overrides": map[string]any{},
			"user_tags":                 []any{},
			"builtin":                   true,
		} {
			n.attrs[k] = v
		}
		tx := p.startTx("Lease for node "+addr, "", 0, "root")
		n.attrs["lease_transaction_id"] = tx.id
		p.attach(p.collection("cluster_nodes"), addr, n)
		p.orchid(n, func() any { return p.nodeOrchid(addr) })
		p.scheduleAll()
	case types.RoleScheduler:
		inst := p.mkdir(p.sysNode("scheduler/instances"), addr)
		p.orchid(inst, p.schedulerOrchid)
		if p.sysNode("scheduler/orchid") == nil {
			p.orchid(p.sysNode("scheduler"), p.schedulerOrchid)
		}
		p.acquireSchedulerLock()
	case types.RoleControllerAgent:
		inst := p.mkdir(p.sysNode("controller_agents/instances"), addr)
		inst.attrs["connection_time"] = time.Now().UTC().Format(timeFormat)
		p.startTx("Controller agent incarnation "+addr, "", 0, "root")
		p.orchid(inst, p.agentOrchid)
		p.resumeWaitingOperations()
	case types.RoleRPCProxy:
		inst := p.mkdir(p.collection("rpc_proxies"), addr)
		p.mkdir(inst, "alive")
	}
}

// Unregister removes a role instance. Nodes stay listed as offline.
func (p *Platform) Unregister(role types.Role, addr string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	addrs := p.roles[role]
	for i, a := range addrs {
		if a == addr {
			p.roles[role] = append(addrs[:i:i], addrs[i+1:]...)
			break
		}
	}
	switch role {
	case types.RoleNode:
		if n := p.collection("cluster_nodes").children[addr]; n != nil {
			n.attrs["state"] = "offline"
		}
	case types.RoleScheduler:
		if inst := p.sysNode("scheduler/instances/" + addr); inst != nil {
			p.detach(inst)
		}
		if len(p.roles[role]) == 0 {
			if orchid := p.sysNode("scheduler/orchid"); orchid != nil {
				p.detach(orchid)
			}
			for _, tx := range p.txs {
				if tx.title == "Scheduler lock" {
					_ = p.abortTx(tx.id, false)
				}
			}
		}
	case types.RoleControllerAgent:
		if inst := p.sysNode("controller_agents/instances/" + addr); inst != nil {
			p.detach(inst)
		}
		for _, tx := range p.txs {
			if tx.title == "Controller agent incarnation "+addr {
				_ = p.abortTx(tx.id, false)
			}
		}
	case types.RoleRPCProxy:
		if inst := p.collection("rpc_proxies").children[addr]; inst != nil {
			p.detach(inst)
		}
	}
}

// SetNodeState overrides the reported state of a cluster node
func (p *Platform) SetNodeState(addr, state string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := p.collection("cluster_nodes").children[addr]; n != nil {
		n.attrs["state"] = state
	}
}

func (p *Platform) orchid(parent *node, gen func() any) {
	o := p.newNode("map_node")
	o.gen = gen
	p.attach(parent, "orchid", o)
}

func (p *Platform) accountTree() any {
	accounts := p.collection("accounts").children
	children := make(map[string][]*node)
	for _, a := range accounts {
		parent, _ := yson.String(a.attrs["parent_name"])
		children[parent] = append(children[parent], a)
	}
	var build func(parent string) map[string]any
	build = func(parent string) map[string]any {
		out := make(map[string]any)
		for _, a := range children[parent] {
			name, _ := yson.String(a.attrs["name"])
			out[name] = yson.Attributed{Attrs: p.allAttributes(a), Value: build(name)}
		}
		return out
	}
	return build("")
}

func (p *Platform) transactionsTree() any {
	p.expireTxs()
	out := make(map[string]any, len(p.txs))
	for id, tx := range p.txs {
		attrs := map[string]any{
			"id":         id,
			"title":      tx.title,
			"start_time": tx.started.UTC().Format(timeFormat),
			"owner":      tx.owner,
		}
		if tx.parent != "" {
			attrs["parent_id"] = tx.parent
		}
		if tx.timeout > 0 {
			attrs["timeout"] = tx.timeout.Milliseconds()
		}
		for k, v := range tx.attrs {
			attrs[k] = yson.Clone(v)
		}
		out[id] = yson.Attributed{Attrs: attrs, Value: yson.Entity{}}
	}
	return out
}

func (p *Platform) startTx(title, parent string, timeout time.Duration, owner string) *transaction {
	tx := &transaction{id: newID(), title: title, parent: parent, started: time.Now(), timeout: timeout, owner: owner}
	if timeout > 0 {
		tx.deadline = tx.started.Add(timeout)
	}
	p.txs[tx.id] = tx
	return tx
}

func (p *Platform) expireTxs() {
	now := time.Now()
	for id, tx := range p.txs {
		if !tx.deadline.IsZero() && now.After(tx.deadline) {
			_ = p.abortTx(id, false)
		}
	}
}

func (p *Platform) liveTx(id string) error {
	p.expireTxs()
	if _, ok := p.txs[id]; !ok {
		return errorf(driver.CodeNoSuchTransaction, "No such transaction %s", id)
	}
	return nil
}

func (p *Platform) abortTx(id string, commit bool) error {
	tx, ok := p.txs[id]
	if !ok {
		return errorf(driver.CodeNoSuchTransaction, "No such transaction %s", id)
	}
	for childID, child := range p.txs {
		if child.parent == id {
			_ = p.abortTx(childID, false)
		}
	}
	for _, l := range tx.locks {
		n := l.node
		for i, held := range n.locks {
			if held == l {
				n.locks = append(n.locks[:i], n.locks[i+1:]...)
				break
			}
		}
	}
	delete(p.txs, id)
	if !commit && tx.title == "Scheduler lock" && len(p.roles[types.RoleScheduler]) > 0 {
		p.acquireSchedulerLock()
	}
	return nil
}

func (p *Platform) acquireSchedulerLock() {
	for _, tx := range p.txs {
		if tx.title == "Scheduler lock" {
			return
		}
	}
	tx := p.startTx("Scheduler lock", "", 0, "scheduler")
	if lockNode := p.sysNode("scheduler/lock"); lockNode != nil {
		_, _ = p.lock(lockNode, tx, "exclusive")
	}
}

func (p *Platform) lock(n *node, tx *transaction, mode string) (*lockEntry, error) {
	for _, held := range n.locks {
		if held.tx == tx.id || mode == "snapshot" || held.mode == "snapshot" {
			continue
		}
		if mode == "exclusive" || held.mode == "exclusive" {
			return nil, errorf(driver.CodeConcurrentLockConflict,
				"Cannot take %q lock for node %s since %q lock is taken by concurrent transaction %s",
				mode, p.pathOf(n), held.mode, held.tx)
		}
	}
	l := &lockEntry{id: newID(), tx: tx.id, mode: mode, node: n}
	n.locks = append(n.locks, l)
	tx.locks = append(tx.locks, l)
	return l, nil
}

func (p *Platform) lockList(n *node) []any {
	out := make([]any, 0, len(n.locks))
	for _, l := range n.locks {
		out = append(out, map[string]any{
			"id":             l.id,
			"transaction_id": l.tx,
			"mode":           l.mode,
			"state":          "acquired",
		})
	}
	return out
}

func cmdNoop(p *Platform, c *call) (any, error) { return nil, nil }

func valueOutput(c *call, v any) any {
	if c.bool("return_only_value") {
		return v
	}
	return map[string]any{"value": v}
}

func cmdGet(p *Platform, c *call) (any, error) {
	path, err := c.path()
	if err != nil {
		return nil, err
	}
	v, err := p.getPath(path, c.strings("attributes"))
	if err != nil {
		return nil, err
	}
	return valueOutput(c, v), nil
}

func cmdList(p *Platform, c *call) (any, error) {
	path, err := c.path()
	if err != nil {
		return nil, err
	}
	v, err := p.listPath(path, c.strings("attributes"))
	if err != nil {
		return nil, err
	}
	if limit := c.int("max_size", -1); limit >= 0 && int64(len(v)) > limit {
		v = v[:limit]
	}
	return valueOutput(c, v), nil
}

func cmdExists(p *Platform, c *call) (any, error) {
	path, err := c.path()
	if err != nil {
		return nil, err
	}
	return valueOutput(c, p.exists(path)), nil
}

func cmdSet(p *Platform, c *call) (any, error) {
	path, err := c.path()
	if err != nil {
		return nil, err
	}
	v, err := c.value()
	if err != nil {
		return nil, err
	}
	if err := p.setPath(path, v, c.bool("recursive"), c.bool("force"), c.user); err != nil {
		return nil, err
	}
	return nil, nil
}

func cmdRemove(p *Platform, c *call) (any, error) {
	path, err := c.path()
	if err != nil {
		return nil, err
	}
	recursive := true
	if v, ok := yson.Bool(c.params["recursive"]); ok {
		recursive = v
	}
	return nil, p.removePath(path, recursive, c.bool("force"))
}

var nodeKinds = map[string]bool{
	"map_node": true, "document": true, "table": true, "file": true, "journal": true,
	"link": true, "string_node": true, "int64_node": true, "uint64_node": true,
	"double_node": true, "boolean_node": true, "list_node": true, "portal_entrance": true,
}

func cmdCreate(p *Platform, c *call) (any, error) {
	typ := c.str("type")
	attrs, _ := yson.Map(c.params["attributes"])
	if typ == "" {
		return nil, errorf(1, "Missing required parameter \"type\"")
	}
	if _, ok := collections[typ]; ok || typ == "scheduler_pool" {
		n, err := p.createObject(typ, attrs, c.bool("ignore_existing"))
		if err != nil {
			return nil, err
		}
		return map[string]any{"object_id": n.id}, nil
	}
	if !nodeKinds[typ] {
		return nil, errorf(1, "Unknown object type %q", typ)
	}

	path, err := c.path()
	if err != nil {
		return nil, err
	}
	if existing, rest, err := p.resolve(withNoFollow(path)); err == nil && len(rest) == 0 {
		switch {
		case c.bool("ignore_existing") && p.typeOf(existing) == typ:
			return map[string]any{"node_id": existing.id}, nil
		case !c.bool("force"):
			return nil, errorf(driver.CodeAlreadyExists, "Node %s already exists", path.raw)
		case existing.builtin():
			return nil, errorf(1, "Cannot replace built-in node %s", path.raw)
		}
		p.detach(existing)
	}
	parent, key, err := p.ensureParent(path, c.bool("recursive"), c.user)
	if err != nil {
		return nil, err
	}
	n, err := p.newTyped(typ, attrs, c.user)
	if err != nil {
		return nil, err
	}
	if _, ok := n.attrs["account"]; !ok && typ != "link" {
		if account, ok := p.attribute(parent, "account"); ok {
			n.attrs["account"] = account
		}
	}
	p.attach(parent, key, n)
	return map[string]any{"node_id": n.id}, nil
}

func withNoFollow(p ypath) ypath {
	p.noFollow = true
	return p
}

func (p *Platform) newTyped(typ string, attrs map[string]any, user string) (*node, error) {
	n := p.newNode(typ)
	n.owner = user
	for k, v := range attrs {
		switch k {
		case "value":
			n.value = yson.Clone(v)
		case "target_path":
			n.target, _ = yson.String(v)
		default:
			if readOnlyAttrs[k] {
				return nil, errorf(1, "Attribute %q cannot be set", k)
			}
			n.attrs[k] = yson.Clone(v)
		}
	}
	switch typ {
	case "table":
		if dynamic, _ := yson.Bool(n.attrs["dynamic"]); dynamic {
			n.attrs["tablet_state"] = "unmounted"
			n.attrs["tablet_count"] = int64(1)
		}
		if _, ok := n.attrs["schema"]; !ok {
			n.attrs["schema"] = []any{}
		}
	case "document":
		if n.value == nil {
			n.value = map[string]any{}
		}
	case "list_node":
		if n.value == nil {
			n.value = []any{}
		}
	case "link":
		if n.target == "" {
			return nil, errorf(1, "Missing target_path for link")
		}
	}
	return n, nil
}

func (p *Platform) createObject(typ string, attrs map[string]any, ignoreExisting bool) (*node, error) {
	name, _ := yson.String(attrs["name"])
	if typ == "scheduler_pool" {
		return p.createPool(name, attrs, ignoreExisting)
	}
	keyed := typ == "tablet_cell" || typ == "tablet_action"
	if name == "" && !keyed {
		return nil, errorf(1, "Object of type %q requires a name", typ)
	}
	if !keyed {
		if existing := p.collection(collections[typ]).children[name]; existing != nil {
			if ignoreExisting {
				return existing, nil
			}
			return nil, errorf(driver.CodeAlreadyExists, "%s %q already exists", typ, name)
		}
	}
	if typ == "account" {
		if parent, ok := yson.String(attrs["parent_name"]); ok {
			if p.collection("accounts").children[parent] == nil {
				return nil, errorf(driver.CodeResolveError, "No such account %q", parent)
			}
		}
	}
	if typ == "group" {
		if _, ok := attrs["members"]; !ok {
			attrs["members"] = []any{}
		}
	}
	n := p.object(typ, name, false, attrs)
	if typ == "tablet_cell" {
		n.attrs["health"] = "good"
		if _, ok := n.attrs["tablet_cell_bundle"]; !ok {
			n.attrs["tablet_cell_bundle"] = "default"
		}
	}
	if keyed {
		delete(n.attrs, "name")
	}
	return n, nil
}

func (p *Platform) createPool(name string, attrs map[string]any, ignoreExisting bool) (*node, error) {
	treeName, _ := yson.String(attrs["pool_tree"])
	if treeName == "" {
		treeName = "default"
	}
	tree := p.collection("pool_trees").children[treeName]
	if tree == nil {
		return nil, errorf(driver.CodeResolveError, "Pool tree %q does not exist", treeName)
	}
	parent := tree
	if parentName, ok := yson.String(attrs["parent_name"]); ok && parentName != "" {
		if parent = findPool(tree, parentName); parent == nil {
			return nil, errorf(driver.CodeResolveError, "Pool %q does not exist", parentName)
		}
	}
	if existing := findPool(tree, name); existing != nil {
		if ignoreExisting {
			return existing, nil
		}
		return nil, errorf(driver.CodeAlreadyExists, "Pool %q already exists", name)
	}
	n := p.newNode("scheduler_pool")
	for k, v := range attrs {
		if k != "pool_tree" && k != "parent_name" {
			n.attrs[k] = yson.Clone(v)
		}
	}
	p.attach(parent, name, n)
	return n, nil
}

func findPool(n *node, name string) *node {
	for key, child := range n.children {
		if key == name {
			return child
		}
		if found := findPool(child, name); found != nil {
			return found
		}
	}
	return nil
}

func removeMember(group *node, member string) {
	members, _ := yson.List(group.attrs["members"])
	kept := make([]any, 0, len(members))
	for _, m := range members {
		if s, _ := yson.String(m); s != member {
			kept = append(kept, m)
		}
	}
	group.attrs["members"] = kept
}

func cmdAddMember(p *Platform, c *call) (any, error) {
	group, member := c.str("group"), c.str("member")
	g := p.collection("groups").children[group]
	if g == nil {
		return nil, errorf(driver.CodeResolveError, "No such group %q", group)
	}
	if p.collection("users").children[member] == nil && p.collection("groups").children[member] == nil {
		return nil, errorf(driver.CodeResolveError, "No such subject %q", member)
	}
	members, _ := yson.List(g.attrs["members"])
	for _, m := range members {
		if s, _ := yson.String(m); s == member {
			return nil, errorf(driver.CodeAlreadyExists, "Member %q is already present in group %q", member, group)
		}
	}
	g.attrs["members"] = append(members, member)
	return nil, nil
}

func cmdRemoveMember(p *Platform, c *call) (any, error) {
	g := p.collection("groups").children[c.str("group")]
	if g == nil {
		return nil, errorf(driver.CodeResolveError, "No such group %q", c.str("group"))
	}
	removeMember(g, c.str("member"))
	return nil, nil
}

// memberOf returns the subject and every group containing it transitively
func (p *Platform) memberOf(subject string) map[string]bool {
	out := map[string]bool{subject: true, "everyone": true}
	for changed := true; changed; {
		changed = false
		for name, g := range p.collection("groups").children {
			if out[name] {
				continue
			}
			members, _ := yson.List(g.attrs["members"])
			for _, m := range members {
				if s, _ := yson.String(m); out[s] {
					out[name] = true
					changed = true
					break
				}
			}
		}
	}
	return out
}

func cmdCheckPermission(p *Platform, c *call) (any, error) {
	path, err := c.path()
	if err != nil {
		return nil, err
	}
	n, _, err := p.resolve(path)
	if err != nil {
		return nil, err
	}
	user, permission := c.str("user"), c.str("permission")
	if user == "root" {
		return map[string]any{"action": "allow"}, nil
	}
	subjects := p.memberOf(user)
	action := "allow"
	for cur := n; cur != nil; cur = cur.parent {
		acl, _ := yson.List(cur.attrs["acl"])
		for _, raw := range acl {
			ace, _ := yson.Map(raw)
			if s, _ := yson.String(ace["action"]); s != "deny" {
				continue
			}
			if !containsString(yson.Strings(ace["permissions"]), permission) {
				continue
			}
			for _, s := range yson.Strings(ace["subjects"]) {
				if subjects[s] {
					action = "deny"
				}
			}
		}
	}
	return map[string]any{"action": action}, nil
}

func containsString(ss []string, s string) bool {
	for _, item := range ss {
		if item == s {
			return true
		}
	}
	return false
}

func cmdCopy(p *Platform, c *call) (any, error) {
	return p.copyNode(c, false)
}

func cmdMove(p *Platform, c *call) (any, error) {
	return p.copyNode(c, true)
}

func (p *Platform) copyNode(c *call, move bool) (any, error) {
	srcPath, err := parsePath(c.str("source_path"))
	if err != nil {
		return nil, err
	}
	dstPath, err := parsePath(c.str("destination_path"))
	if err != nil {
		return nil, err
	}
	src, rest, err := p.resolve(srcPath)
	if err != nil {
		return nil, err
	}
	if len(rest) > 0 || src.gen != nil {
		return nil, errorf(1, "Cannot copy virtual node %s", srcPath.raw)
	}
	if move && src.builtin() {
		return nil, errorf(1, "Cannot move built-in node %s", srcPath.raw)
	}
	if existing, rest, err := p.resolve(dstPath); err == nil && len(rest) == 0 {
		if !c.bool("force") {
			return nil, errorf(driver.CodeAlreadyExists, "Node %s already exists", dstPath.raw)
		}
		p.detach(existing)
	}
	parent, key, err := p.ensureParent(dstPath, c.bool("recursive"), c.user)
	if err != nil {
		return nil, err
	}
	for cur := parent; cur != nil; cur = cur.parent {
		if cur == src {
			return nil, errorf(1, "Cannot copy or move a node into its descendant")
		}
	}
	if move {
		p.detach(src)
		p.reindex(src)
		p.attach(parent, key, src)
		return map[string]any{"node_id": src.id}, nil
	}
	dup := p.clone(src)
	p.attach(parent, key, dup)
	return map[string]any{"node_id": dup.id}, nil
}

func (p *Platform) reindex(n *node) {
	p.ids[n.id] = n
	for _, c := range n.children {
		p.reindex(c)
	}
}

func cmdLink(p *Platform, c *call) (any, error) {
	target := c.str("target_path")
	linkPath, err := parsePath(c.str("link_path"))
	if err != nil {
		return nil, err
	}
	if existing, rest, err := p.resolve(withNoFollow(linkPath)); err == nil && len(rest) == 0 {
		switch {
		case c.bool("ignore_existing"):
			return map[string]any{"node_id": existing.id}, nil
		case !c.bool("force"):
			return nil, errorf(driver.CodeAlreadyExists, "Node %s already exists", linkPath.raw)
		}
		p.detach(existing)
	}
	parent, key, err := p.ensureParent(linkPath, c.bool("recursive"), c.user)
	if err != nil {
		return nil, err
	}
	n := p.newNode("link")
	n.target = target
	n.owner = c.user
	p.attach(parent, key, n)
	return map[string]any{"node_id": n.id}, nil
}

func cmdLock(p *Platform, c *call) (any, error) {
	txID := c.str("transaction_id")
	tx := p.txs[txID]
	if tx == nil {
		return nil, errorf(1, "Lock requires a transaction")
	}
	path, err := c.path()
	if err != nil {
		return nil, err
	}
	n, rest, err := p.resolve(path)
	if err != nil {
		return nil, err
	}
	if len(rest) > 0 {
		return nil, errorf(1, "Cannot lock virtual node %s", path.raw)
	}
	mode := c.str("mode")
	if mode == "" {
		mode = "exclusive"
	}
	l, err := p.lock(n, tx, mode)
	if err != nil {
		return nil, err
	}
	return map[string]any{"lock_id": l.id, "node_id": n.id}, nil
}

func cmdConcatenate(p *Platform, c *call) (any, error) {
	dstRaw, dstAttrs := richPath(c.params["destination_path"])
	dstPath, err := parsePath(dstRaw)
	if err != nil {
		return nil, err
	}
	dst, _, err := p.resolve(dstPath)
	if err != nil {
		return nil, err
	}
	appendMode, _ := yson.Bool(dstAttrs["append"])
	var rows []any
	var data []byte
	if appendMode {
		rows, data = cloneRows(dst.rows), append([]byte(nil), dst.data...)
	}
	sources, _ := yson.List(c.params["source_paths"])
	for _, raw := range sources {
		s, _ := yson.String(raw)
		srcPath, err := parsePath(s)
		if err != nil {
			return nil, err
		}
		src, _, err := p.resolve(srcPath)
		if err != nil {
			return nil, err
		}
		if src.kind != dst.kind {
			return nil, errorf(1, "Type of %s differs from destination type %s", s, dst.kind)
		}
		rows = append(rows, cloneRows(src.rows)...)
		data = append(data, src.data...)
	}
	dst.rows, dst.data = rows, data
	dst.modified = time.Now()
	return nil, nil
}

// cmdParseYPath splits leading attributes and a trailing column selector off a rich path
func cmdParseYPath(p *Platform, c *call) (any, error) {
	raw, ok := c.params["path"]
	if !ok {
		return nil, errorf(1, "Missing required parameter \"path\"")
	}
	s, _ := yson.String(raw)
	attrs := make(map[string]any)
	for k, v := range yson.AttrsOf(raw) {
		attrs[k] = v
	}
	if strings.HasPrefix(s, "<") {
		end := attributesEnd(s)
		if end < 0 {
			return nil, errorf(1, "Error parsing YPath %q: unterminated attributes", s)
		}
		v, err := yson.Unmarshal([]byte(s[:end+1] + "#"))
		if err != nil {
			return nil, errorf(1, "Error parsing YPath %q: %v", s, err)
		}
		for k, item := range yson.AttrsOf(v) {
			attrs[k] = item
		}
		s = strings.TrimSpace(s[end+1:])
	}
	if strings.HasSuffix(s, "}") {
		if i := strings.LastIndex(s, "{"); i > 0 {
			var cols []any
			for _, col := range strings.Split(s[i+1:len(s)-1], ",") {
				if col = strings.TrimSpace(col); col != "" {
					cols = append(cols, col)
				}
			}
			attrs["columns"] = cols
			s = s[:i]
		}
	}
	if _, err := parsePath(s); err != nil {
		return nil, err
	}
	if len(attrs) == 0 {
		return map[string]any{"path": s}, nil
	}
	return map[string]any{"path": yson.Attributed{Attrs: attrs, Value: s}}, nil
}

func attributesEnd(s string) int {
	depth := 0
	inString := false
	for i := 0; i < len(s); i++ {
		switch ch := s[i]; {
		case inString && ch == '\\':
			i++
		case ch == '"':
			inString = !inString
		case inString:
		case ch == '<':
			depth++
		case ch == '>':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func cmdBuildSnapshot(p *Platform, c *call) (any, error) {
	cellID := c.str("cell_id")
	if cellID != "" && cellID != config.CellID(p.opts.CellTag) {
		known := false
		for tag := range p.cells {
			if config.CellID(tag) == cellID {
				known = true
			}
		}
		if !known {
			return nil, errorf(driver.CodeResolveError, "No such cell %s", cellID)
		}
	}
	p.timestamp++
	return map[string]any{"snapshot_id": int64(p.timestamp)}, nil
}

func cmdGenerateTimestamp(p *Platform, c *call) (any, error) {
	p.timestamp++
	return map[string]any{"timestamp": uint64(time.Now().Unix())<<30 | p.timestamp}, nil
}

func cmdExecuteBatch(p *Platform, c *call) (any, error) {
	requests, _ := yson.List(c.params["requests"])
	results := make([]any, 0, len(requests))
	for _, raw := range requests {
		req, _ := yson.Map(raw)
		command, _ := yson.String(req["command"])
		params, _ := yson.Map(req["parameters"])
		sub := &call{cell: c.cell, command: command, params: params, user: c.user}
		if input, ok := req["input"]; ok {
			sub.input = yson.MustMarshal(input)
		}
		if desc, ok := driver.Lookup(command); !ok || desc.Heavy {
			results = append(results, map[string]any{
				"error": errorf(1, "Command %q cannot be batched", command).Tree(),
			})
			continue
		}
		out, err := p.dispatch(sub)
		if err != nil {
			results = append(results, map[string]any{"error": asPlatformError(err).Tree()})
			continue
		}
		if out == nil {
			results = append(results, map[string]any{})
			continue
		}
		results = append(results, map[string]any{"output": out})
	}
	return map[string]any{"results": results}, nil
}

func asPlatformError(err error) *driver.Error {
	if e, ok := err.(*driver.Error); ok {
		return e
	}
	return errorf(1, "%v", err)
}

func cmdStartTransaction(p *Platform, c *call) (any, error) {
	attrs, _ := yson.Map(c.params["attributes"])
	title, _ := yson.String(attrs["title"])
	parent := c.str("transaction_id")
	if parent == nullTx {
		parent = ""
	}
	timeout := time.Duration(c.int("timeout", 0)) * time.Millisecond
	tx := p.startTx(title, parent, timeout, c.user)
	for k, v := range attrs {
		if k != "title" {
			if tx.attrs == nil {
				tx.attrs = make(map[string]any)
			}
			tx.attrs[k] = yson.Clone(v)
		}
	}
	return map[string]any{"transaction_id": tx.id}, nil
}

func cmdCommitTransaction(p *Platform, c *call) (any, error) {
	return nil, p.abortTx(c.str("transaction_id"), true)
}

func cmdAbortTransaction(p *Platform, c *call) (any, error) {
	return nil, p.abortTx(c.str("transaction_id"), false)
}

func cmdPingTransaction(p *Platform, c *call) (any, error) {
	tx := p.txs[c.str("transaction_id")]
	if tx == nil {
		return nil, errorf(driver.CodeNoSuchTransaction, "No such transaction %s", c.str("transaction_id"))
	}
	for cur := tx; cur != nil; {
		if cur.timeout > 0 {
			cur.deadline = time.Now().Add(cur.timeout)
		}
		if !c.bool("ping_ancestor_transactions") {
			break
		}
		cur = p.txs[cur.parent]
	}
	return nil, nil
}

// Roles returns registered instance addresses of a role
func (p *Platform) Roles(role types.Role) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := append([]string(nil), p.roles[role]...)
	sort.Strings(out)
	return out
}
