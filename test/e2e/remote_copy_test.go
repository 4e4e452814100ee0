package e2e

import (
	"testing"

	"github.com/cuemby/testenv/pkg/client"
	"github.com/cuemby/testenv/pkg/types"
	"github.com/cuemby/testenv/test/framework"
)

// TestRemoteCopy copies a table from a remote cluster into the primary
func TestRemoteCopy(t *testing.T) {
	env, _ := startSuite(t, framework.SuiteConfig{
		Spec:              smallCluster(),
		NumRemoteClusters: 1,
		Remote: []framework.SpecPatch{func(spec *types.ClusterSpec) {
			spec.SchedulerCount = 0
			spec.ControllerAgentCount = 0
		}},
	})
	tc := env.NewTest(t)
	ctx := tc.Ctx
	remoteName := types.RemoteClusterName(0)
	primary := env.Client()
	remote := primary.OnCluster(remoteName)

	t.Run("ClusterDirectory", func(t *testing.T) {
		for _, c := range []*client.Client{primary, remote} {
			tc.Assert.Exists(c, "//sys/clusters/"+types.PrimaryClusterName)
			tc.Assert.Exists(c, "//sys/clusters/"+remoteName)
		}
	})

	t.Run("Copy", func(t *testing.T) {
		_, err := remote.Create(ctx, "table", "//tmp/t1")
		tc.Assert.NoError(err, "Failed to create remote table")
		tc.Assert.NoError(remote.WriteTable(ctx, "//tmp/t1", []any{map[string]any{"a": "b"}}), "Failed to write remote table")
		_, err = primary.Create(ctx, "table", "//tmp/t2")
		tc.Assert.NoError(err, "Failed to create primary table")

		op, err := primary.RemoteCopy(ctx, client.OperationOptions{
			In:          []string{"//tmp/t1"},
			Out:         []string{"//tmp/t2"},
			ClusterName: remoteName,
		})
		tc.Assert.NoError(err, "Failed to start remote copy")
		tc.Assert.OperationCompleted(op)

		rows, err := primary.ReadTable(ctx, "//tmp/t2")
		tc.Assert.NoError(err, "Failed to read copied table")
		tc.Assert.RowsEqual([]any{map[string]any{"a": "b"}}, rows)
	})
}
