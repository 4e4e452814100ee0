package client_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/testenv/pkg/client"
	"github.com/cuemby/testenv/pkg/driver"
	"github.com/cuemby/testenv/pkg/driver/drivertest"
	"github.com/cuemby/testenv/pkg/wait"
)

func opClient(t *testing.T) (*client.Client, *drivertest.Platform) {
	t.Helper()
	c, p := newClient(t, drivertest.Options{Nodes: 2, Schedulers: 1, ControllerAgents: 1},
		client.WithTrackPolicy(wait.Policy{MaxWait: 20 * time.Second, Interval: 10 * time.Millisecond}))
	ctx := context.Background()
	for _, path := range []string{"//tmp/in", "//tmp/out"} {
		_, err := c.Create(ctx, "table", path)
		require.NoError(t, err)
	}
	require.NoError(t, c.WriteTable(ctx, "//tmp/in", []any{
		map[string]any{"a": "b"},
		map[string]any{"a": "c"},
	}))
	return c, p
}

func TestMapAndTrack(t *testing.T) {
	c, p := opClient(t)
	ctx := context.Background()

	op, err := c.Map(ctx, client.OperationOptions{
		In: []string{"//tmp/in"}, Out: []string{"//tmp/out"},
		Command: "cat", JobCount: 2, Track: true,
	})
	require.NoError(t, err)

	state, err := op.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, client.StateCompleted, state)

	rows, err := c.ReadTable(ctx, "//tmp/out")
	require.NoError(t, err)
	assert.ElementsMatch(t, []any{map[string]any{"a": "b"}, map[string]any{"a": "c"}}, rows)

	start := lastCall(t, p, "start_operation")
	assert.Equal(t, "map", start.Parameters["operation_type"])

	progress, err := op.BuildProgress(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), progress["completed"])

	jobs, err := op.ListJobs(ctx)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func TestSortAndMerge(t *testing.T) {
	c, _ := opClient(t)
	ctx := context.Background()

	_, err := c.Sort(ctx, client.OperationOptions{
		In: []string{"//tmp/in"}, Out: []string{"//tmp/out"},
		SortBy: []string{"a"}, Track: true,
	})
	require.NoError(t, err)
	sorted, err := c.Get(ctx, "//tmp/out/@sorted_by")
	require.NoError(t, err)
	assert.Equal(t, []any{"a"}, sorted)

	_, err = c.Merge(ctx, client.OperationOptions{
		In: []string{"//tmp/in", "//tmp/out"}, Out: []string{"//tmp/out"}, Track: true,
	})
	require.NoError(t, err)
	rows, err := c.ReadTable(ctx, "//tmp/out")
	require.NoError(t, err)
	assert.Len(t, rows, 4)

	_, err = c.Erase(ctx, client.OperationOptions{In: []string{"//tmp/out"}, Track: true})
	require.NoError(t, err)
	rows, err = c.ReadTable(ctx, "//tmp/out")
	require.NoError(t, err)
	assert.Empty(t, rows)

	_, err = c.Erase(ctx, client.OperationOptions{})
	assert.Error(t, err)
}

func TestTrackFailure(t *testing.T) {
	c, _ := opClient(t)
	ctx := context.Background()

	op, err := c.Map(ctx, client.OperationOptions{
		In: []string{"//tmp/in"}, Out: []string{"//tmp/out"},
		Command: "echo boom >&2; exit 3",
	})
	require.NoError(t, err)

	err = op.Track(ctx)
	var opErr *client.OperationError
	require.True(t, errors.As(err, &opErr), "got %v", err)
	assert.Equal(t, client.StateFailed, opErr.State)
	assert.True(t, opErr.Err.ContainsText("Some of the jobs have failed"))
	assert.True(t, opErr.Err.ContainsText("boom"))
	assert.NotNil(t, client.AsPlatformError(err))
}

func TestStartFailure(t *testing.T) {
	c, _ := opClient(t)
	ctx := context.Background()

	_, err := c.Map(ctx, client.OperationOptions{In: []string{"//tmp/nope"}, Out: []string{"//tmp/out"}, Command: "cat"})
	assert.True(t, client.HasCode(err, driver.CodeOperationFailedToPrepare), "got %v", err)
}

func TestWaitingJobs(t *testing.T) {
	c, _ := opClient(t)
	ctx := context.Background()

	op, err := c.Map(ctx, client.OperationOptions{
		In: []string{"//tmp/in"}, Out: []string{"//tmp/out"},
		Command: "cat", JobCount: 2, WaitingJobs: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { op.Close() })

	ids, err := op.EnsureJobsRunning(ctx, 10*time.Second)
	require.NoError(t, err)
	require.Len(t, ids, 2)

	running, err := op.JobCount(ctx, "running")
	require.NoError(t, err)
	assert.Equal(t, 2, running)
	jobs, err := op.GetRunningJobs(ctx)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)

	state, err := op.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, client.StateRunning, state)

	require.NoError(t, op.ResumeJob(ids[0]))
	require.Eventually(t, func() bool {
		n, err := op.JobCount(ctx, "completed")
		return err == nil && n == 1
	}, 10*time.Second, 20*time.Millisecond)

	require.NoError(t, op.ResumeJobs())
	require.NoError(t, op.Track(ctx))

	completed, err := op.JobCount(ctx, "completed")
	require.NoError(t, err)
	assert.Zero(t, completed, "a finished operation has no controller orchid")
}

func TestVanillaControl(t *testing.T) {
	c, _ := opClient(t)
	ctx := context.Background()

	op, err := c.Vanilla(ctx, client.OperationOptions{Command: "sleep 30", JobCount: 2, Spec: map[string]any{"title": "sleepers"}})
	require.NoError(t, err)
	require.NoError(t, op.EnsureRunning(ctx, 5*time.Second))
	require.NoError(t, op.WaitPresenceInScheduler(ctx, wait.DefaultPolicy.Within(5*time.Second)))

	require.Eventually(t, func() bool {
		n, err := op.JobCount(ctx, "running")
		return err == nil && n == 2
	}, 10*time.Second, 20*time.Millisecond)

	require.NoError(t, op.Suspend(ctx, false))
	require.NoError(t, op.Resume(ctx))
	require.NoError(t, op.UpdateParameters(ctx, map[string]any{"pool": "research"}))
	pool, err := c.Get(ctx, op.GetPath()+"/@runtime_parameters/pool")
	require.NoError(t, err)
	assert.Equal(t, "research", pool)

	require.NoError(t, op.WaitForFreshSnapshot(ctx, wait.DefaultPolicy.Within(5*time.Second)))

	alerts, err := op.GetAlerts(ctx)
	require.NoError(t, err)
	assert.Empty(t, alerts)

	require.NoError(t, op.Abort(ctx, "enough"))
	err = op.Track(ctx)
	var opErr *client.OperationError
	require.True(t, errors.As(err, &opErr), "got %v", err)
	assert.Equal(t, client.StateAborted, opErr.State)
	assert.Contains(t, opErr.Error(), "aborted")

	err = op.WaitForState(ctx, client.StateRunning, wait.DefaultPolicy.Within(time.Second))
	assert.Error(t, err)
	assert.False(t, wait.IsTimeout(err), "terminal states end the wait early")
}

func TestCompleteOperation(t *testing.T) {
	c, _ := opClient(t)
	ctx := context.Background()

	op, err := c.Vanilla(ctx, client.OperationOptions{Tasks: map[string]any{
		"main": map[string]any{"command": "sleep 30", "job_count": int64(1)},
	}})
	require.NoError(t, err)
	require.NoError(t, op.EnsureRunning(ctx, 5*time.Second))
	require.NoError(t, op.Complete(ctx))
	assert.NoError(t, op.Track(ctx))
}

func TestJobCommands(t *testing.T) {
	c, _ := opClient(t)
	ctx := context.Background()

	op, err := c.Map(ctx, client.OperationOptions{
		In: []string{"//tmp/in"}, Out: []string{"//tmp/out"},
		Command: "cat", WaitingJobs: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { op.Close() })
	ids, err := op.EnsureJobsRunning(ctx, 10*time.Second)
	require.NoError(t, err)
	require.Len(t, ids, 1)

	job, err := c.GetJob(ctx, op.ID, ids[0])
	require.NoError(t, err)
	assert.Equal(t, "running", job["state"])

	require.NoError(t, c.SignalJob(ctx, ids[0], "SIGCONT"))
	require.NoError(t, c.DumpJobContext(ctx, ids[0], "//tmp/ctx"))

	require.NoError(t, c.AbortJob(ctx, ids[0]))
	require.Eventually(t, func() bool {
		n, err := op.JobCount(ctx, "aborted")
		return err == nil && n == 1
	}, 10*time.Second, 20*time.Millisecond)

	// the restarted job parks again
	restarted, err := op.EnsureJobsRunning(ctx, 10*time.Second)
	require.NoError(t, err)
	require.Len(t, restarted, 1)
	assert.NotEqual(t, ids[0], restarted[0])

	require.NoError(t, c.AbandonJob(ctx, restarted[0]))
	require.NoError(t, op.Track(ctx))

	stderr := false
	list, err := c.ListJobs(ctx, op.ID, client.ListJobsOptions{State: "aborted", WithStderr: &stderr})
	require.NoError(t, err)
	assert.Len(t, list["jobs"], 1)
}
