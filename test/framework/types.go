package framework

import (
	"context"

	"github.com/cuemby/testenv/pkg/config"
	"github.com/cuemby/testenv/pkg/driver"
	"github.com/cuemby/testenv/pkg/health"
	"github.com/cuemby/testenv/pkg/lifecycle"
	"github.com/cuemby/testenv/pkg/types"
)

// TestingT is an interface matching testing.T
type TestingT interface {
	Logf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
	Skipf(format string, args ...interface{})
	FailNow()
	Failed() bool
	Name() string
	Helper()
	Cleanup(func())
}

// SpecPatch modifies the spec of one remote cluster after it has been
// derived from the primary spec
type SpecPatch func(spec *types.ClusterSpec)

// SuiteConfig describes the clusters shared by the tests of one suite
type SuiteConfig struct {
	// Name is the suite name, which names the sandbox directory
	Name string
	// Spec is the primary cluster. Its name and cell tag are assigned by the suite.
	Spec types.ClusterSpec

	// NumRemoteClusters clusters named remote_0.. are started next to the primary
	NumRemoteClusters int
	// Remote holds optional per-cluster patches, indexed like the remote clusters
	Remote []SpecPatch

	// DynamicTables raises the tmp account tablet limits and enables bulk insert
	DynamicTables bool
	// EnableBulkInsert is applied to masters and controller agents of dynamic table suites
	EnableBulkInsert bool
	// EnableTabletBalancer is applied to masters of dynamic table suites
	EnableTabletBalancer bool
	// CleanupTabletActions also removes tablet actions at teardown
	CleanupTabletActions bool
	// NodeDynamicConfig is what every node must have applied after setup
	NodeDynamicConfig map[string]any

	// Settings default to config.LoadSettings
	Settings *config.Settings
	// SearchPath overrides the binary search path of the settings
	SearchPath string

	Policies lifecycle.Policies

	// DriverFactory, Hooks and ProxyChecker are passed to the orchestrator.
	// Suites running against real binaries leave them empty.
	DriverFactory driver.Factory
	Hooks         lifecycle.Hooks
	ProxyChecker  func(url string) health.Checker
	// Exit replaces os.Exit after an emergency stop
	Exit func(code int)
}

// TestContext provides utilities for test execution
type TestContext struct {
	// T is the testing.T instance
	T TestingT
	// Ctx is the context for test operations
	Ctx context.Context
	// Env is the suite environment
	Env *Env
	// Fixture is the per-test state, already set up
	Fixture *Fixture
	// Assert wraps T
	Assert *Assertions
}

// tmpACL is the ACL of //tmp after every setup
func tmpACL() []any {
	return []any{
		map[string]any{
			"action":      "allow",
			"permissions": []any{"read", "write", "remove"},
			"subjects":    []any{"users"},
		},
	}
}

// portalACL additionally grants read to everyone
func portalACL() []any {
	return append(tmpACL(), map[string]any{
		"action":      "allow",
		"permissions": []any{"read"},
		"subjects":    []any{"everyone"},
	})
}

// harnessTransactions are the title prefixes of transactions owned by the
// servers themselves. Teardown leaves them alone.
var harnessTransactions = []string{
	"Scheduler lock",
	"Controller agent incarnation",
	"Lease for node",
	"World initialization",
}
