package e2e

import (
	"testing"

	"github.com/cuemby/testenv/test/framework"
)

// TestSmoke sets and reads back a node in //tmp and checks teardown removes it
func TestSmoke(t *testing.T) {
	env, _ := startSuite(t, framework.SuiteConfig{Spec: smallCluster()})
	tc := env.NewTest(t)
	c := env.Client()

	t.Run("SetAndGet", func(t *testing.T) {
		tc.Assert.TmpIsClean(c)
		tc.Assert.NoError(c.Set(tc.Ctx, "//tmp/x", int64(42)), "Failed to set //tmp/x")
		tc.Assert.ValueEquals(c, "//tmp/x", int64(42))
	})

	t.Run("TearDown", func(t *testing.T) {
		tc.Assert.NoError(tc.Fixture.TearDown(tc.Ctx), "Teardown failed")
		tc.Assert.NotExists(c, "//tmp/x")
		tc.Assert.NoError(tc.Fixture.SetUp(tc.Ctx), "Setup failed")
	})
}

// TestAccountCleanup checks that an account a test forgot to remove does not
// survive into the next test
func TestAccountCleanup(t *testing.T) {
	env, _ := startSuite(t, framework.SuiteConfig{Spec: smallCluster()})
	c := env.Client()

	first := env.NewTest(t)
	_, err := c.CreateAccount(first.Ctx, "a")
	first.Assert.NoError(err, "Failed to create account")
	first.Assert.Exists(c, "//sys/accounts/a")
	first.Assert.NoError(first.Fixture.TearDown(first.Ctx), "Teardown failed")

	second := env.NewTest(t)
	second.Assert.NotExists(c, "//sys/accounts/a")
	second.Assert.NoUserObjects(c)
	second.Assert.TmpIsClean(c)
}
