package framework

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/testenv/pkg/client"
	"github.com/cuemby/testenv/pkg/wait"
	"github.com/cuemby/testenv/pkg/yson"
)

// Waiter provides utilities for waiting on conditions with timeouts
type Waiter struct {
	timeout  time.Duration
	interval time.Duration
}

// NewWaiter creates a new Waiter with the given timeout and polling interval
func NewWaiter(timeout, interval time.Duration) *Waiter {
	return &Waiter{
		timeout:  timeout,
		interval: interval,
	}
}

// DefaultWaiter returns a waiter with the default readiness policy (40s timeout, 100ms interval)
func DefaultWaiter() *Waiter {
	return NewWaiter(wait.DefaultPolicy.MaxWait, wait.DefaultPolicy.Interval)
}

func (w *Waiter) policy() wait.Policy {
	return wait.Policy{MaxWait: w.timeout, Interval: w.interval}
}

// WaitFor waits for a condition to become true
func (w *Waiter) WaitFor(ctx context.Context, condition func() bool, description string) error {
	return wait.For(ctx, description, w.policy(), func(context.Context) (bool, error) {
		return condition(), nil
	})
}

// WaitForCondition waits for a condition that may fail. Errors are retried;
// the last one is reported on timeout.
func (w *Waiter) WaitForCondition(ctx context.Context, description string, condition wait.Condition) error {
	return wait.For(ctx, description, w.policy(), condition)
}

// WaitForPath waits until path exists
func (w *Waiter) WaitForPath(ctx context.Context, c *client.Client, path string) error {
	return w.WaitForCondition(ctx, path+" to exist", func(ctx context.Context) (bool, error) {
		return c.Exists(ctx, path, client.Common{Quiet: true})
	})
}

// WaitForPathRemoved waits until path no longer exists
func (w *Waiter) WaitForPathRemoved(ctx context.Context, c *client.Client, path string) error {
	return w.WaitForCondition(ctx, path+" to be removed", func(ctx context.Context) (bool, error) {
		ok, err := c.Exists(ctx, path, client.Common{Quiet: true})
		return !ok, err
	})
}

// WaitForNodesOnline waits until every registered node reports state online
func (w *Waiter) WaitForNodesOnline(ctx context.Context, c *client.Client) error {
	return w.WaitForCondition(ctx, "nodes to be online", func(ctx context.Context) (bool, error) {
		nodes, err := c.List(ctx, "//sys/cluster_nodes", client.GetOptions{
			Common:     client.Common{Quiet: true},
			Attributes: []string{"state"},
		})
		if err != nil {
			return false, err
		}
		for _, n := range nodes {
			if state, _ := yson.String(yson.AttrsOf(n)["state"]); state != "online" {
				name, _ := yson.String(n)
				return false, fmt.Errorf("node %s is %s", name, state)
			}
		}
		return true, nil
	})
}

// WaitForChunkReplicator waits until the chunk replicator is enabled
func (w *Waiter) WaitForChunkReplicator(ctx context.Context, c *client.Client) error {
	return w.WaitForCondition(ctx, "chunk replicator", func(ctx context.Context) (bool, error) {
		v, err := c.Get(ctx, "//sys/@chunk_replicator_enabled", client.GetOptions{Common: client.Common{Quiet: true}})
		if err != nil {
			return false, err
		}
		enabled, _ := yson.Bool(v)
		return enabled, nil
	})
}

// WaitForNoJobs waits until no node runs a scheduler job
func (w *Waiter) WaitForNoJobs(ctx context.Context, c *client.Client) error {
	nodes, err := c.ListNames(ctx, "//sys/cluster_nodes", client.GetOptions{Common: client.Common{Quiet: true}})
	if err != nil {
		return err
	}
	requests := make([]client.BatchRequest, len(nodes))
	for i, node := range nodes {
		requests[i] = getRequest("//sys/cluster_nodes/" + node + "/orchid/job_controller/active_job_count")
	}
	return w.WaitForCondition(ctx, "scheduler jobs to vanish", func(ctx context.Context) (bool, error) {
		results, err := batch(ctx, c, requests...)
		if err != nil {
			return false, err
		}
		for i, r := range results {
			if n, _ := yson.Int(lookup(output(r), "scheduler")); n > 0 {
				return false, fmt.Errorf("node %s runs %d scheduler jobs", nodes[i], n)
			}
		}
		return true, nil
	})
}

// WaitForConfigRevisions waits until each orchid has reloaded its config
// twice, so a config written before the call is surely applied
func (w *Waiter) WaitForConfigRevisions(ctx context.Context, c *client.Client, orchids ...string) error {
	requests := make([]client.BatchRequest, len(orchids))
	for i, orchid := range orchids {
		requests[i] = getRequest(orchid + "/config_revision")
	}
	revisions := func(ctx context.Context) ([]int64, error) {
		results, err := batch(ctx, c, requests...)
		if err != nil {
			return nil, err
		}
		out := make([]int64, len(results))
		for i, r := range results {
			out[i], _ = yson.Int(output(r))
		}
		return out, nil
	}

	var old []int64
	if err := w.WaitForCondition(ctx, "config revisions", func(ctx context.Context) (bool, error) {
		var err error
		old, err = revisions(ctx)
		return err == nil, err
	}); err != nil {
		return err
	}
	return w.WaitForCondition(ctx, "configs to be reloaded", func(ctx context.Context) (bool, error) {
		cur, err := revisions(ctx)
		if err != nil {
			return false, err
		}
		for i := range cur {
			if cur[i] < old[i]+2 {
				return false, fmt.Errorf("%s is at revision %d, want %d", orchids[i], cur[i], old[i]+2)
			}
		}
		return true, nil
	})
}

// WaitForSchedulerState waits until the scheduler has only the default pool
// tree, with an empty root pool and every node in it
func (w *Waiter) WaitForSchedulerState(ctx context.Context, c *client.Client, nodes int) error {
	const orchid = "//sys/scheduler/orchid/scheduler"
	requests := []client.BatchRequest{
		listRequest(orchid + "/scheduling_info_per_pool_tree"),
		getRequest(orchid + "/default_pool_tree"),
		listRequest(orchid + "/pool_trees/default/pools"),
		getRequest(orchid + "/scheduling_info_per_pool_tree/default/node_count"),
	}
	return w.WaitForCondition(ctx, "scheduler state to be restored", func(ctx context.Context) (bool, error) {
		results, err := batch(ctx, c, requests...)
		if err != nil {
			return false, err
		}
		trees := yson.Strings(output(results[0]))
		def, _ := yson.String(output(results[1]))
		pools := yson.Strings(output(results[2]))
		count, _ := yson.Int(output(results[3]))
		switch {
		case len(trees) != 1 || trees[0] != "default":
			return false, fmt.Errorf("pool trees are %v", trees)
		case def != "default":
			return false, fmt.Errorf("default pool tree is %q", def)
		case len(pools) != 1 || pools[0] != "<Root>":
			return false, fmt.Errorf("default tree has pools %v", pools)
		case count != int64(nodes):
			return false, fmt.Errorf("default tree has %d of %d nodes", count, nodes)
		}
		return true, nil
	})
}

// WaitForOperationState waits until an operation reaches state
func (w *Waiter) WaitForOperationState(ctx context.Context, op *client.Operation, state string) error {
	return op.WaitForState(ctx, state, w.policy())
}

func lookup(tree any, path string) any {
	v, _ := yson.Lookup(tree, path)
	return v
}
