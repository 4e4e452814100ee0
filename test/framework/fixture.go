package framework

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"github.com/cuemby/testenv/pkg/client"
	"github.com/cuemby/testenv/pkg/log"
	"github.com/cuemby/testenv/pkg/types"
	"github.com/cuemby/testenv/pkg/yson"
)

// nodeFlags are the boolean node attributes a test may flip
var nodeFlags = []string{
	"banned",
	"decommissioned",
	"disable_write_sessions",
	"disable_scheduler_jobs",
	"disable_tablet_cells",
}

// Fixture resets the shared clusters of an Env around one test. SetUp
// brings every cluster to a known baseline; TearDown removes whatever the
// test left behind.
type Fixture struct {
	env    *Env
	waiter *Waiter
	logger zerolog.Logger

	setUp bool
	// entryTransactions are the transactions of each cluster seen by SetUp
	entryTransactions map[string][]string
}

// Fixture returns a fresh per-test fixture
func (e *Env) Fixture() *Fixture {
	return &Fixture{
		env:               e,
		waiter:            DefaultWaiter(),
		logger:            log.WithComponent("fixture"),
		entryTransactions: make(map[string][]string),
	}
}

// Ready reports whether SetUp completed and TearDown has not run since
func (f *Fixture) Ready() bool {
	return f.setUp
}

// EntryTransactions returns the transactions a cluster had when SetUp ran
func (f *Fixture) EntryTransactions(cluster string) []string {
	return append([]string(nil), f.entryTransactions[cluster]...)
}

// SetUp resets every cluster of the suite
func (f *Fixture) SetUp(ctx context.Context) error {
	for index, spec := range f.env.specs {
		if err := f.setUpCluster(ctx, index, spec); err != nil {
			return fmt.Errorf("set up %s: %w", spec.Name, err)
		}
	}
	f.setUp = true
	return nil
}

func (f *Fixture) setUpCluster(ctx context.Context, index int, spec types.ClusterSpec) error {
	c := f.env.Client().OnCluster(spec.Name)
	quiet := client.Common{Quiet: true}

	txs, err := c.ListNames(ctx, "//sys/transactions", client.GetOptions{Common: quiet})
	if err != nil {
		return fmt.Errorf("list transactions: %w", err)
	}
	sort.Strings(txs)
	f.entryTransactions[spec.Name] = txs

	if err := f.resetNodes(ctx, c); err != nil {
		return fmt.Errorf("reset nodes: %w", err)
	}
	if err := f.restoreGlobals(ctx, c, spec); err != nil {
		return fmt.Errorf("restore globals: %w", err)
	}
	if err := c.GCCollect(ctx, quiet); err != nil {
		return err
	}
	if err := c.ClearMetadataCaches(ctx, quiet); err != nil {
		return err
	}
	if spec.NodeCount > 0 {
		if err := f.setUpNodesDynamicConfig(ctx, c); err != nil {
			return fmt.Errorf("node dynamic config: %w", err)
		}
	}
	if f.env.Config.DynamicTables {
		if err := f.setUpTabletManager(ctx, c, spec); err != nil {
			return fmt.Errorf("tablet manager: %w", err)
		}
	}

	if err := f.waiter.WaitForNodesOnline(ctx, c); err != nil {
		return err
	}
	if err := f.waiter.WaitForChunkReplicator(ctx, c); err != nil {
		return err
	}
	if spec.SchedulerCount > 0 {
		if err := f.resetSchedulerConfigs(ctx, c); err != nil {
			return fmt.Errorf("scheduler configs: %w", err)
		}
	}
	return f.createTmp(ctx, c, index, spec)
}

// resetNodes sets every flipped node attribute back to its default
func (f *Fixture) resetNodes(ctx context.Context, c *client.Client) error {
	attrs := append(append([]string(nil), nodeFlags...), "resource_limits_overrides", "user_tags")
	nodes, err := c.List(ctx, "//sys/cluster_nodes", client.GetOptions{
		Common:     client.Common{Quiet: true},
		Attributes: attrs,
	})
	if err != nil {
		return err
	}

	var requests []client.BatchRequest
	for _, n := range nodes {
		name, _ := yson.String(n)
		path := "//sys/cluster_nodes/" + name + "/@"
		values := yson.AttrsOf(n)
		for _, flag := range nodeFlags {
			if on, _ := yson.Bool(values[flag]); on {
				requests = append(requests, setRequest(path+flag, false))
			}
		}
		if m, _ := yson.Map(values["resource_limits_overrides"]); len(m) > 0 {
			requests = append(requests, setRequest(path+"resource_limits_overrides", map[string]any{}))
		}
		if l, _ := yson.List(values["user_tags"]); len(l) > 0 {
			requests = append(requests, setRequest(path+"user_tags", []any{}))
		}
	}
	_, err = batch(ctx, c, requests...)
	return err
}

// restoreGlobals restores the dynamic master config, the default bundle
// options and the pool trees
func (f *Fixture) restoreGlobals(ctx context.Context, c *client.Client, spec types.ClusterSpec) error {
	masterConfig := f.env.masterConfig(spec.Name)
	if masterConfig == nil {
		masterConfig = map[string]any{}
	}
	if _, err := batch(ctx, c,
		setRequest("//sys/tablet_cell_bundles/default/@dynamic_options", map[string]any{}),
		setRequest("//sys/tablet_cell_bundles/default/@tablet_balancer_config", map[string]any{}),
		setRequest("//sys/@config", masterConfig),
	); err != nil {
		return err
	}

	const root = "//sys/pool_trees"
	quiet := client.Common{Quiet: true}
	trees, err := c.ListNames(ctx, root, client.GetOptions{Common: quiet})
	if err != nil {
		return err
	}
	var requests []client.BatchRequest
	hasDefault := false
	for _, tree := range trees {
		if tree == "default" {
			hasDefault = true
			continue
		}
		requests = append(requests, removeRequest(root+"/"+tree, false))
	}
	if hasDefault {
		requests = append(requests,
			removeRequest(root+"/default/*", false),
			setRequest(root+"/default/@nodes_filter", ""))
	} else {
		requests = append(requests, client.BatchRequest{Command: "create", Params: map[string]any{
			"type":       "scheduler_pool_tree",
			"attributes": map[string]any{"name": "default"},
		}})
	}
	if _, err := batch(ctx, c, requests...); err != nil {
		return err
	}
	// default_tree is set outside the batch so the scheduler never sees it
	// pointing at a tree that is being replaced
	if err := c.Set(ctx, root+"/@default_tree", "default", client.SetOptions{Common: quiet}); err != nil {
		return err
	}

	if spec.SchedulerCount == 0 {
		return nil
	}
	nodes, err := c.ListNames(ctx, "//sys/cluster_nodes", client.GetOptions{Common: quiet})
	if err != nil {
		return err
	}
	return f.waiter.WaitForSchedulerState(ctx, c, len(nodes))
}

// setUpNodesDynamicConfig writes the node dynamic config and waits until
// every node has applied it
func (f *Fixture) setUpNodesDynamicConfig(ctx context.Context, c *client.Client) error {
	want := f.env.Config.NodeDynamicConfig
	if want == nil {
		want = map[string]any{}
	}
	err := c.Set(ctx, "//sys/cluster_nodes/@config", map[string]any{"%true": want},
		client.SetOptions{Common: client.Common{Quiet: true}})
	if err != nil {
		return err
	}

	nodes, err := c.ListNames(ctx, "//sys/cluster_nodes", client.GetOptions{Common: client.Common{Quiet: true}})
	if err != nil {
		return err
	}
	requests := make([]client.BatchRequest, len(nodes))
	for i, node := range nodes {
		requests[i] = getRequest("//sys/cluster_nodes/" + node + "/orchid/dynamic_config_manager/config")
	}
	return f.waiter.WaitForCondition(ctx, "node dynamic config", func(ctx context.Context) (bool, error) {
		results, err := batch(ctx, c, requests...)
		if err != nil {
			return false, err
		}
		for i, r := range results {
			if diff := cmp.Diff(any(want), output(r)); diff != "" {
				return false, fmt.Errorf("node %s has not applied its config (-want +got):\n%s", nodes[i], diff)
			}
		}
		return true, nil
	})
}

// setUpTabletManager prepares masters and the default bundle for dynamic tables
func (f *Fixture) setUpTabletManager(ctx context.Context, c *client.Client, spec types.ClusterSpec) error {
	cfg := f.env.Config
	const tm = "//sys/@config/tablet_manager"
	if _, err := batch(ctx, c,
		setRequest(tm+"/tablet_balancer/tablet_balancer_schedule", "1"),
		setRequest(tm+"/tablet_cell_balancer/enable_verbose_logging", true),
		setRequest(tm+"/tablet_balancer/enable_tablet_balancer", cfg.EnableTabletBalancer),
		setRequest(tm+"/enable_bulk_insert", cfg.EnableBulkInsert),
		setRequest("//sys/accounts/tmp/@resource_limits/tablet_count", int64(10000)),
		setRequest("//sys/accounts/tmp/@resource_limits/tablet_static_memory", int64(1<<30)),
	); err != nil {
		return err
	}

	replication, quorum := int64(1), int64(1)
	if spec.NodeCount >= 3 {
		replication, quorum = 3, 2
	}
	return retryWithGcCollect(ctx, c, func(ctx context.Context) error {
		_, err := batch(ctx, c,
			setRequest("//sys/tablet_cell_bundles/default/@dynamic_options", map[string]any{}),
			setRequest("//sys/tablet_cell_bundles/default/@tablet_balancer_config", map[string]any{}),
			setRequest("//sys/tablet_cell_bundles/default/@options", map[string]any{
				"changelog_replication_factor": replication,
				"changelog_read_quorum":        quorum,
				"changelog_write_quorum":       quorum,
				"changelog_account":            "sys",
				"snapshot_replication_factor":  replication,
				"snapshot_account":             "sys",
			}),
		)
		return err
	})
}

// resetSchedulerConfigs replaces the scheduler and controller agent
// configs and waits until every instance has reloaded them
func (f *Fixture) resetSchedulerConfigs(ctx context.Context, c *client.Client) error {
	agentConfig := map[string]any{"enable_bulk_insert_for_everyone": f.env.Config.EnableBulkInsert}
	if _, err := batch(ctx, c,
		createRequest("document", "//sys/controller_agents/config", map[string]any{"value": agentConfig}),
		createRequest("document", "//sys/scheduler/config", map[string]any{"value": map[string]any{}}),
	); err != nil {
		return err
	}

	agents, err := c.ListNames(ctx, "//sys/controller_agents/instances", client.GetOptions{Common: client.Common{Quiet: true}})
	if err != nil {
		return err
	}
	orchids := make([]string, 0, len(agents)+1)
	for _, agent := range agents {
		orchids = append(orchids, "//sys/controller_agents/instances/"+agent+"/orchid/controller_agent")
	}
	orchids = append(orchids, "//sys/scheduler/orchid/scheduler")
	return f.waiter.WaitForConfigRevisions(ctx, c, orchids...)
}

// usesTmpPortal reports whether //tmp of a cluster lives behind a portal
func usesTmpPortal(index int, spec types.ClusterSpec) bool {
	return index == 0 && spec.SecondaryCellCount > 0
}

// createTmp recreates //tmp with the standard ACL and account
func (f *Fixture) createTmp(ctx context.Context, c *client.Client, index int, spec types.ClusterSpec) error {
	typ := "map_node"
	attrs := map[string]any{"account": "tmp", "acl": tmpACL(), "opaque": true}
	if usesTmpPortal(index, spec) {
		typ = "portal_entrance"
		attrs = map[string]any{"account": "tmp", "acl": portalACL(), "exit_cell_tag": int64(spec.CellTagOf(1))}
	}
	_, err := c.Create(ctx, typ, "//tmp", client.CreateOptions{
		Common:     client.Common{Quiet: true},
		Attributes: attrs,
		Force:      true,
	})
	return err
}
