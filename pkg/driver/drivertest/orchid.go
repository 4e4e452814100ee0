package drivertest

import (
	"sort"
	"time"

	"github.com/cuemby/testenv/pkg/config"
	"github.com/cuemby/testenv/pkg/types"
	"github.com/cuemby/testenv/pkg/yson"
)

// configRevision advances every 50ms, so readers waiting for a config
// reload always see it move
func (p *Platform) configRevision() int64 {
	return int64(time.Since(p.started) / (50 * time.Millisecond))
}

func (p *Platform) nodeOrchid(addr string) any {
	dynamic := map[string]any{}
	if nodes := p.collection("cluster_nodes"); nodes != nil {
		if cfg, ok := yson.Map(nodes.attrs["config"]); ok {
			if m, ok := yson.Map(cfg["%true"]); ok {
				dynamic = m
			}
		}
	}
	return map[string]any{
		"job_controller": map[string]any{
			"active_job_count": map[string]any{"scheduler": int64(p.runningOn(addr))},
		},
		"dynamic_config_manager": map[string]any{
			"config": yson.Clone(dynamic),
		},
	}
}

func (p *Platform) runningJobs(op *operation) map[string]any {
	out := map[string]any{}
	for _, j := range op.jobs {
		if j.state != stateRunning {
			continue
		}
		out[j.id] = map[string]any{
			"job_type":   j.slice.task,
			"state":      j.state,
			"address":    j.address,
			"start_time": j.started.UTC().Format(timeFormat),
		}
	}
	return out
}

func (p *Platform) schedulerOrchid() any {
	operations := map[string]any{}
	jobs := map[string]any{}
	for id, op := range p.ops {
		if op.terminal() {
			continue
		}
		entry := map[string]any{
			"state":          op.state,
			"operation_type": op.typ,
			"progress":       map[string]any{"jobs": p.progress(op)},
			"running_jobs":   p.runningJobs(op),
		}
		operations[id] = entry
		if op.alias != "" {
			operations[op.alias] = map[string]any{"operation_id": id}
		}
		for jobID, j := range p.runningJobs(op) {
			jobs[jobID] = j
		}
	}

	nodes := map[string]any{}
	for _, addr := range p.roles[types.RoleNode] {
		n := p.collection("cluster_nodes").children[addr]
		if n == nil {
			continue
		}
		state, _ := yson.String(n.attrs["state"])
		nodes[addr] = map[string]any{
			"state":          state,
			"resource_usage": map[string]any{"user_slots": int64(p.runningOn(addr))},
		}
	}

	treeNames := p.poolTreeNames()
	perTree := make(map[string]any, len(treeNames))
	trees := make(map[string]any, len(treeNames))
	for _, name := range treeNames {
		perTree[name] = map[string]any{"node_count": int64(len(nodes))}
		pools := map[string]any{"<Root>": map[string]any{}}
		tree := p.collection("pool_trees").children[name]
		var walk func(n *node, parent string)
		walk = func(n *node, parent string) {
			for key, child := range n.children {
				pools[key] = map[string]any{"parent": parent}
				walk(child, key)
			}
		}
		walk(tree, "<Root>")
		trees[name] = map[string]any{"pools": pools}
	}
	defaultTree, _ := yson.String(p.collection("pool_trees").attrs["default_tree"])

	schedulerConfig := map[string]any{}
	if doc := p.sysNode("scheduler/config"); doc != nil {
		if m, ok := yson.Map(doc.value); ok {
			schedulerConfig = yson.Clone(m).(map[string]any)
		}
	}
	schedulerConfig["environment"] = map[string]any{"primary_master_cell_id": config.CellID(p.opts.CellTag)}

	return map[string]any{
		"scheduler": map[string]any{
			"connected":                    len(p.roles[types.RoleScheduler]) > 0,
			"config":                       schedulerConfig,
			"config_revision":              p.configRevision(),
			"operations":                   operations,
			"nodes":                        nodes,
			"jobs":                         jobs,
			"scheduling_info_per_pool_tree": perTree,
			"default_pool_tree":            defaultTree,
			"pool_trees":                   trees,
		},
	}
}

func (p *Platform) poolTreeNames() []string {
	trees := p.collection("pool_trees")
	names := make([]string, 0, len(trees.children))
	for name := range trees.children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (p *Platform) controllerOrchid(op *operation) map[string]any {
	return map[string]any{
		"state":        op.state,
		"progress":     map[string]any{"jobs": p.progress(op)},
		"running_jobs": p.runningJobs(op),
	}
}

func (p *Platform) agentOrchid() any {
	operations := map[string]any{}
	for id, op := range p.ops {
		if !op.terminal() {
			operations[id] = p.controllerOrchid(op)
		}
	}
	agentConfig := map[string]any{}
	if doc := p.sysNode("controller_agents/config"); doc != nil {
		if m, ok := yson.Map(doc.value); ok {
			agentConfig = yson.Clone(m).(map[string]any)
		}
	}
	return map[string]any{
		"controller_agent": map[string]any{
			"connected":       true,
			"config":          agentConfig,
			"config_revision": p.configRevision(),
			"operations":      operations,
		},
	}
}
