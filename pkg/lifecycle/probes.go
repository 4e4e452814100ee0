package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cuemby/testenv/pkg/client"
	"github.com/cuemby/testenv/pkg/events"
	"github.com/cuemby/testenv/pkg/health"
	"github.com/cuemby/testenv/pkg/metrics"
	"github.com/cuemby/testenv/pkg/provision"
	"github.com/cuemby/testenv/pkg/supervisor"
	"github.com/cuemby/testenv/pkg/types"
	"github.com/cuemby/testenv/pkg/wait"
	"github.com/cuemby/testenv/pkg/yson"
)

// connectionSkew tolerates clock differences between the harness and a
// controller agent reporting its connection time
const connectionSkew = time.Second

type probe struct {
	role   types.Role
	name   string
	policy wait.Policy
	check  wait.Condition
}

// await runs a readiness probe. A timeout dumps the captured stderrs of the
// cluster and becomes a *supervisor.StartupError.
func (o *Orchestrator) await(ctx context.Context, inst *provision.Instance, p probe) error {
	timer := metrics.NewTimer()
	err := wait.For(ctx, inst.Name()+" "+p.name, p.policy, p.check)
	if err == nil {
		timer.ObserveDurationVec(metrics.ReadinessDuration, string(p.role))
		o.opts.Broker.Publish(events.New(events.EventProbePassed, inst.Name(), p.name+" is ready").
			With("role", string(p.role)).
			With("duration", timer.Duration().String()))
		return nil
	}
	if !wait.IsTimeout(err) {
		return err
	}

	metrics.ReadinessTimeoutsTotal.WithLabelValues(string(p.role)).Inc()
	o.opts.Broker.Publish(events.New(events.EventProbeTimedOut, inst.Name(), err.Error()).
		With("role", string(p.role)))
	inst.Supervisor.DumpStderrs()
	return &supervisor.StartupError{
		Name:   inst.Name() + " " + p.name,
		Role:   p.role,
		Index:  -1,
		Stderr: joinStderrs(inst.Supervisor.Stderrs()),
		Err:    err,
	}
}

func joinStderrs(stderrs map[string]string) string {
	names := make([]string, 0, len(stderrs))
	for name, text := range stderrs {
		if strings.TrimSpace(text) != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	var b strings.Builder
	for _, name := range names {
		fmt.Fprintf(&b, "--- %s ---\n%s\n", name, strings.TrimRight(stderrs[name], "\n"))
	}
	return b.String()
}

// probeFor returns the readiness probe of a non-master role. since is the
// moment the role was spawned.
func (o *Orchestrator) probeFor(c *client.Client, inst *provision.Instance, role types.Role, since time.Time) probe {
	pol := o.opts.Policies
	spec := inst.Spec
	switch role {
	case types.RoleHTTPProxy:
		return probe{role, "http proxies", pol.Proxy, o.proxiesReady(inst.Configs.Addresses.HTTPProxies)}
	case types.RoleClock:
		return probe{role, "clocks", pol.Clock, portsOpen(inst.Configs.Addresses.Clocks)}
	case types.RoleNode:
		return probe{role, "nodes", pol.Node(spec.NodeCount), nodesReady(c, spec.NodeCount)}
	case types.RoleScheduler:
		return probe{role, "schedulers", pol.Scheduler, schedulersReady(c, spec.SchedulerCount, spec.NodeCount)}
	case types.RoleControllerAgent:
		return probe{role, "controller agents", pol.ControllerAgent, agentsReady(c, spec.ControllerAgentCount, since)}
	case types.RoleRPCProxy:
		return probe{role, "rpc proxies", pol.RPCProxy, rpcProxiesReady(c, spec.RPCProxyCount)}
	}
	return probe{role, string(role), pol.Master, func(context.Context) (bool, error) { return true, nil }}
}

func (o *Orchestrator) proxiesReady(addrs []string) wait.Condition {
	checkers := make([]health.Checker, 0, len(addrs))
	for _, addr := range addrs {
		checkers = append(checkers, o.opts.ProxyChecker("http://"+addr+"/api"))
	}
	all := health.All("http proxies", checkers...)
	return func(ctx context.Context) (bool, error) {
		if err := all.Check(ctx).Err(); err != nil {
			return false, err
		}
		return true, nil
	}
}

func portsOpen(addrs []string) wait.Condition {
	checkers := make([]health.Checker, 0, len(addrs))
	for _, addr := range addrs {
		checkers = append(checkers, health.NewTCPChecker(addr))
	}
	all := health.All("ports", checkers...)
	return func(ctx context.Context) (bool, error) {
		if err := all.Check(ctx).Err(); err != nil {
			return false, err
		}
		return true, nil
	}
}

func quiet(cell int) client.GetOptions {
	return client.GetOptions{Common: client.Common{Cell: cell, Quiet: true}}
}

// masterProbe waits until a cell answers requests. A secondary cell must
// also be registered at the primary one.
func (o *Orchestrator) masterProbe(c *client.Client, inst *provision.Instance, cell int) probe {
	name := "primary master cell"
	if cell > 0 {
		name = fmt.Sprintf("secondary master cell %d", inst.Spec.CellTagOf(cell))
	}
	check := func(ctx context.Context) (bool, error) {
		if _, err := c.Exists(ctx, "//sys", quiet(cell).Common); err != nil {
			return false, err
		}
		if cell == 0 {
			return true, nil
		}
		raw, err := c.Get(ctx, "//sys/@registered_master_cell_tags", quiet(0))
		if err != nil {
			return false, err
		}
		tags, _ := yson.List(raw)
		want := int64(inst.Spec.CellTagOf(cell))
		for _, tag := range tags {
			if v, ok := yson.Int(tag); ok && v == want {
				return true, nil
			}
		}
		return false, fmt.Errorf("cell tag %d is not registered yet", want)
	}
	return probe{types.RoleMaster, name, o.opts.Policies.Master, check}
}

func nodesReady(c *client.Client, want int) wait.Condition {
	return func(ctx context.Context) (bool, error) {
		opts := quiet(0)
		opts.Attributes = []string{"state"}
		nodes, err := c.List(ctx, "//sys/cluster_nodes", opts)
		if err != nil {
			return false, err
		}
		online := 0
		for _, n := range nodes {
			if state, _ := yson.String(yson.AttrsOf(n)["state"]); state == "online" {
				online++
			}
		}
		if len(nodes) != want || online != want {
			return false, fmt.Errorf("%d of %d nodes registered, %d online", len(nodes), want, online)
		}
		return true, nil
	}
}

// tolerated turns the errors a starting server answers with into "not yet"
func tolerated(err error) error {
	if err == nil {
		return nil
	}
	if pe := client.AsPlatformError(err); pe != nil && (pe.IsNotReady() || pe.IsResolveError()) {
		return fmt.Errorf("not ready: %w", err)
	}
	return err
}

func schedulersReady(c *client.Client, want, nodes int) wait.Condition {
	return func(ctx context.Context) (bool, error) {
		instances, err := c.ListNames(ctx, "//sys/scheduler/instances", quiet(0))
		if err != nil {
			return false, tolerated(err)
		}
		if len(instances) != want {
			return false, fmt.Errorf("%d of %d schedulers registered", len(instances), want)
		}
		cellID, err := c.Get(ctx, "//sys/@cell_id", quiet(0))
		if err != nil {
			return false, tolerated(err)
		}

		var last error = errors.New("no scheduler is connected")
		for _, addr := range instances {
			orchid := "//sys/scheduler/instances/" + addr + "/orchid/scheduler"
			connected, err := c.Get(ctx, orchid+"/connected", quiet(0))
			if err != nil {
				last = tolerated(err)
				continue
			}
			if ok, _ := yson.Bool(connected); !ok {
				continue
			}
			reported, err := c.Get(ctx, orchid+"/config/environment/primary_master_cell_id", quiet(0))
			if err != nil {
				return false, tolerated(err)
			}
			if want, _ := yson.String(cellID); !sameString(reported, want) {
				return false, fmt.Errorf("scheduler %s reports primary cell %v, want %v", addr, reported, cellID)
			}
			raw, err := c.Get(ctx, orchid+"/nodes", quiet(0))
			if err != nil {
				return false, tolerated(err)
			}
			seen, _ := yson.Map(raw)
			online := 0
			for _, n := range seen {
				if state, _ := yson.String(lookup(n, "state")); state == "online" {
					online++
				}
			}
			if online != nodes {
				return false, fmt.Errorf("scheduler %s sees %d of %d nodes online", addr, online, nodes)
			}
			return true, nil
		}
		return false, last
	}
}

func lookup(v any, path string) any {
	out, _ := yson.Lookup(v, path)
	return out
}

func sameString(v any, want string) bool {
	s, ok := yson.String(v)
	return ok && s == want
}

func agentsReady(c *client.Client, want int, since time.Time) wait.Condition {
	since = since.Add(-connectionSkew)
	return func(ctx context.Context) (bool, error) {
		instances, err := c.ListNames(ctx, "//sys/controller_agents/instances", quiet(0))
		if err != nil {
			return false, tolerated(err)
		}
		if len(instances) != want {
			return false, fmt.Errorf("%d of %d controller agents registered", len(instances), want)
		}
		for _, addr := range instances {
			path := "//sys/controller_agents/instances/" + addr
			raw, err := c.Get(ctx, path+"/@connection_time", quiet(0))
			if err != nil {
				return false, tolerated(err)
			}
			text, _ := yson.String(raw)
			connected, err := time.Parse(time.RFC3339, text)
			if err != nil {
				return false, fmt.Errorf("controller agent %s: %w", addr, err)
			}
			if connected.Before(since) {
				return false, fmt.Errorf("controller agent %s connected at %s, before restart", addr, text)
			}
			ok, err := c.Get(ctx, path+"/orchid/controller_agent/connected", quiet(0))
			if err != nil {
				return false, tolerated(err)
			}
			if v, _ := yson.Bool(ok); !v {
				return false, fmt.Errorf("controller agent %s is not connected", addr)
			}
		}
		return true, nil
	}
}

func rpcProxiesReady(c *client.Client, want int) wait.Condition {
	return func(ctx context.Context) (bool, error) {
		proxies, err := c.ListNames(ctx, "//sys/rpc_proxies", quiet(0))
		if err != nil {
			return false, tolerated(err)
		}
		alive := 0
		for _, addr := range proxies {
			ok, err := c.Exists(ctx, "//sys/rpc_proxies/"+addr+"/alive", client.Common{Quiet: true})
			if err != nil {
				return false, tolerated(err)
			}
			if ok {
				alive++
			}
		}
		if alive != want {
			return false, fmt.Errorf("%d of %d rpc proxies alive", alive, want)
		}
		return true, nil
	}
}
