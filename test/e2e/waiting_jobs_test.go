package e2e

import (
	"sort"
	"testing"
	"time"

	"github.com/cuemby/testenv/pkg/client"
	"github.com/cuemby/testenv/pkg/yson"
	"github.com/cuemby/testenv/test/framework"
)

// TestWaitingJobs parks the jobs of a map at the job gate, checks both are
// running, then lets them finish
func TestWaitingJobs(t *testing.T) {
	spec := smallCluster()
	spec.NodeCount = 2
	env, _ := startSuite(t, framework.SuiteConfig{Spec: spec})
	tc := env.NewTest(t)
	c := env.Client()
	ctx := tc.Ctx

	rows := []any{
		map[string]any{"key": "a"},
		map[string]any{"key": "b"},
		map[string]any{"key": "c"},
		map[string]any{"key": "d"},
	}
	for _, table := range []string{"//tmp/in", "//tmp/out"} {
		_, err := c.Create(ctx, "table", table)
		tc.Assert.NoError(err, "Failed to create "+table)
	}
	tc.Assert.NoError(c.WriteTable(ctx, "//tmp/in", rows), "Failed to write input")

	op, err := c.Map(ctx, client.OperationOptions{
		In:          []string{"//tmp/in"},
		Out:         []string{"//tmp/out"},
		Command:     "cat",
		JobCount:    2,
		WaitingJobs: true,
	})
	tc.Assert.NoError(err, "Failed to start map")
	defer func() { _ = op.Close() }()

	t.Run("JobsParked", func(t *testing.T) {
		ids, err := op.EnsureJobsRunning(ctx, 60*time.Second)
		tc.Assert.NoError(err, "Jobs did not start")
		tc.Assert.Len(ids, 2, "Unexpected parked job count")

		markers, err := op.Gate().Started()
		tc.Assert.NoError(err, "Failed to list job markers")
		tc.Assert.Len(markers, 2, "Unexpected marker count")
	})

	t.Run("Resume", func(t *testing.T) {
		tc.Assert.NoError(op.ResumeJobs(), "Failed to resume jobs")
		tc.Assert.OperationCompleted(op)

		out, err := c.ReadTable(ctx, "//tmp/out")
		tc.Assert.NoError(err, "Failed to read output")
		tc.Assert.Equal(keys(rows), keys(out), "Output rows differ from input rows")
	})
}

func keys(rows []any) []string {
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		m, _ := yson.Map(r)
		key, _ := yson.String(m["key"])
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}
