package e2e

import (
	"testing"

	"github.com/cuemby/testenv/pkg/types"
	"github.com/cuemby/testenv/test/framework"
)

// smallCluster is one master, one node and a scheduler with its agent
func smallCluster() types.ClusterSpec {
	spec := types.DefaultClusterSpec()
	spec.PrimaryMasterCount = 1
	spec.NodeCount = 1
	spec.SchedulerCount = 1
	spec.ControllerAgentCount = 1
	spec.HTTPProxyCount = 1
	return spec
}

// startSuite starts clusters against the Platform binaries on the search
// path. Emergency exits are reported on the returned channel instead of
// terminating the test binary.
func startSuite(t *testing.T, cfg framework.SuiteConfig) (*framework.Env, <-chan int) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping Platform scenario in short mode")
	}
	exits := make(chan int, 1)
	cfg.Exit = func(code int) { exits <- code }
	if cfg.Name == "" {
		cfg.Name = t.Name()
	}
	return framework.StartEnv(t, cfg), exits
}
