package framework

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cuemby/testenv/pkg/client"
	"github.com/cuemby/testenv/pkg/types"
	"github.com/cuemby/testenv/pkg/yson"
)

// objectCollections are the //sys collections whose non-builtin entries
// are removed after every test
var objectCollections = []string{
	"accounts",
	"users",
	"groups",
	"racks",
	"data_centers",
	"tablet_cells",
	"tablet_cell_bundles",
}

// TearDown removes what the test left behind on every cluster. It fails
// if a process of the suite died during the test.
func (f *Fixture) TearDown(ctx context.Context) error {
	if e := f.env.orch.Emergency(); e != nil {
		return e
	}
	var errs []error
	for index, spec := range f.env.specs {
		if err := f.tearDownCluster(ctx, index, spec); err != nil {
			errs = append(errs, fmt.Errorf("tear down %s: %w", spec.Name, err))
		}
	}
	f.setUp = false
	for cluster, txs := range f.entryTransactions {
		f.logger.Debug().Str("cluster", cluster).Int("transactions", len(txs)).Msg("Transactions at test entry")
	}
	return errors.Join(errs...)
}

func (f *Fixture) tearDownCluster(ctx context.Context, index int, spec types.ClusterSpec) error {
	c := f.env.Client().OnCluster(spec.Name)
	quiet := client.Common{Quiet: true}

	if spec.SchedulerCount > 0 {
		if err := f.removeOperations(ctx, c); err != nil {
			return fmt.Errorf("remove operations: %w", err)
		}
		if err := f.waiter.WaitForNoJobs(ctx, c); err != nil {
			f.logger.Warn().Err(err).Str("cluster", spec.Name).Msg("Scheduler jobs are still running")
		}
	}
	if err := f.abortTransactions(ctx, c); err != nil {
		return fmt.Errorf("abort transactions: %w", err)
	}

	if err := c.Remove(ctx, "//tmp", client.RemoveOptions{Common: quiet, Recursive: true, Force: true}); err != nil {
		return fmt.Errorf("remove //tmp: %w", err)
	}
	if usesTmpPortal(index, spec) {
		if err := f.waiter.WaitForPathRemoved(ctx, c, "//tmp&"); err != nil {
			return err
		}
	}

	if err := f.removeObjects(ctx, c); err != nil {
		return fmt.Errorf("remove objects: %w", err)
	}
	if err := c.GCCollect(ctx, quiet); err != nil {
		return err
	}
	return c.ClearMetadataCaches(ctx, quiet)
}

func harnessTransaction(title string) bool {
	for _, prefix := range harnessTransactions {
		if strings.Contains(title, prefix) {
			return true
		}
	}
	return false
}

// abortTransactions aborts every transaction a test may have started.
// Failures are expected: aborting a parent also aborts its children.
func (f *Fixture) abortTransactions(ctx context.Context, c *client.Client) error {
	txs, err := c.List(ctx, "//sys/transactions", client.GetOptions{
		Common:     client.Common{Quiet: true},
		Attributes: []string{"title"},
	})
	if err != nil {
		return err
	}
	var requests []client.BatchRequest
	for _, tx := range txs {
		title, _ := yson.String(yson.AttrsOf(tx)["title"])
		if harnessTransaction(title) {
			continue
		}
		id, _ := yson.String(tx)
		requests = append(requests, client.BatchRequest{
			Command: "abort_transaction",
			Params:  map[string]any{"transaction_id": id},
		})
	}
	if len(requests) == 0 {
		return nil
	}
	results, err := c.ExecuteBatch(ctx, requests, client.Quiet())
	if err != nil {
		return err
	}
	for _, r := range results {
		if r.Err != nil && !r.Err.IsNoSuchTransaction() {
			f.logger.Warn().Err(r.Err).Msg("Failed to abort transaction")
		}
	}
	return nil
}

// removeOperations aborts every operation the scheduler knows and removes
// their Cypress nodes
func (f *Fixture) removeOperations(ctx context.Context, c *client.Client) error {
	count, err := c.Get(ctx, "//sys/scheduler/instances/@count", client.GetOptions{Common: client.Common{Quiet: true}})
	if err != nil {
		return err
	}
	if n, _ := yson.Int(count); n == 0 {
		return nil
	}

	ids, err := c.ListNames(ctx, "//sys/scheduler/orchid/scheduler/operations", client.GetOptions{Common: client.Common{Quiet: true}})
	if err != nil {
		f.logger.Warn().Err(err).Msg("Failed to list operations in scheduler orchid")
	}
	var requests []client.BatchRequest
	for _, id := range ids {
		if strings.HasPrefix(id, "*") {
			continue
		}
		requests = append(requests, client.BatchRequest{
			Command: "abort_operation",
			Params:  map[string]any{"operation_id": id},
		})
	}
	if len(requests) > 0 {
		results, err := c.ExecuteBatch(ctx, requests, client.Quiet())
		if err != nil {
			return err
		}
		for _, r := range results {
			if r.Err != nil {
				f.logger.Warn().Err(r.Err).Msg("Failed to abort operation")
			}
		}
	}

	if err := f.abortTransactions(ctx, c); err != nil {
		return err
	}
	return retryWithGcCollect(ctx, c, func(ctx context.Context) error {
		_, err := batch(ctx, c,
			removeRequest("//sys/operations/*", false),
			removeRequest("//sys/operations_archive", true),
		)
		return err
	})
}

// removeObjects removes every non-builtin object and waits until they are
// gone. Objects still being created are waited for but not removed.
func (f *Fixture) removeObjects(ctx context.Context, c *client.Client) error {
	collections := objectCollections
	if f.env.Config.CleanupTabletActions {
		collections = append(append([]string(nil), collections...), "tablet_actions")
	}

	requests := make([]client.BatchRequest, len(collections))
	for i, name := range collections {
		path := "//sys/" + name
		if name == "accounts" {
			path = "//sys/account_tree"
		}
		requests[i] = listRequest(path, "id", "builtin", "life_stage")
	}
	results, err := batch(ctx, c, requests...)
	if err != nil {
		return err
	}

	var remove, check []string
	for i, name := range collections {
		items, _ := yson.List(output(results[i]))
		for _, item := range items {
			attrs := yson.AttrsOf(item)
			if builtin, _ := yson.Bool(attrs["builtin"]); builtin {
				continue
			}
			if key, _ := yson.String(item); name == "users" && key == "application_operations" {
				continue
			}
			id, _ := yson.String(attrs["id"])
			if id == "" {
				continue
			}
			check = append(check, id)
			if stage, _ := yson.String(attrs["life_stage"]); stage == "creation_committed" {
				remove = append(remove, id)
			}
		}
	}
	if len(check) == 0 {
		return nil
	}

	removals := make([]client.BatchRequest, len(remove))
	for i, id := range remove {
		removals[i] = removeRequest("#"+id, true)
	}
	probes := make([]client.BatchRequest, len(check))
	for i, id := range check {
		probes[i] = existsRequest("#" + id)
	}
	return f.waiter.WaitForCondition(ctx, "objects to be removed", func(ctx context.Context) (bool, error) {
		if err := c.GCCollect(ctx, client.Common{Quiet: true}); err != nil {
			return false, err
		}
		if _, err := c.ExecuteBatch(ctx, removals, client.Quiet()); err != nil {
			return false, err
		}
		results, err := c.ExecuteBatch(ctx, probes, client.Quiet())
		if err != nil {
			return false, err
		}
		for i, r := range results {
			if r.Err != nil {
				return false, r.Err
			}
			if exists, _ := yson.Bool(output(r)); exists {
				return false, fmt.Errorf("object %s still exists", check[i])
			}
		}
		return true, nil
	})
}
