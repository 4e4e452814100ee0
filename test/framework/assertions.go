package framework

import (
	"context"
	"reflect"
	"strings"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/cuemby/testenv/pkg/client"
	"github.com/cuemby/testenv/pkg/yson"
)

// Assertions provides test assertion helpers
type Assertions struct {
	t   TestingT
	ctx context.Context
}

// NewAssertions creates a new Assertions instance
func NewAssertions(t TestingT) *Assertions {
	return &Assertions{t: t, ctx: context.Background()}
}

// Exists asserts that a Cypress path exists
func (a *Assertions) Exists(c *client.Client, path string) {
	a.t.Helper()

	ok, err := c.Exists(a.ctx, path)
	if err != nil {
		a.t.Fatalf("Failed to check %s: %v", path, err)
	}
	if !ok {
		a.t.Fatalf("Path %s does not exist", path)
	}
}

// NotExists asserts that a Cypress path does not exist
func (a *Assertions) NotExists(c *client.Client, path string) {
	a.t.Helper()

	ok, err := c.Exists(a.ctx, path)
	if err != nil {
		a.t.Fatalf("Failed to check %s: %v", path, err)
	}
	if ok {
		a.t.Fatalf("Path %s exists", path)
	}
}

// ValueEquals asserts that the value at path equals expected
func (a *Assertions) ValueEquals(c *client.Client, path string, expected any) {
	a.t.Helper()

	actual, err := c.Get(a.ctx, path)
	if err != nil {
		a.t.Fatalf("Failed to get %s: %v", path, err)
	}
	if diff := cmp.Diff(expected, actual); diff != "" {
		a.t.Fatalf("Unexpected value at %s (-want +got):\n%s", path, diff)
	}
}

// RowsEqual asserts that two row sets are equal, in order
func (a *Assertions) RowsEqual(expected, actual []any) {
	a.t.Helper()

	if diff := cmp.Diff(expected, actual); diff != "" {
		a.t.Fatalf("Unexpected rows (-want +got):\n%s", diff)
	}
}

// RaisesPlatformError asserts that fn fails with a Platform error carrying
// code somewhere in its tree, and returns that error
func (a *Assertions) RaisesPlatformError(code int, fn func() error) *client.PlatformError {
	a.t.Helper()

	err := fn()
	if err == nil {
		a.t.Fatalf("Expected Platform error %d, got nil", code)
		return nil
	}
	perr := client.AsPlatformError(err)
	if perr == nil {
		a.t.Fatalf("Expected Platform error %d, got %v", code, err)
		return nil
	}
	if !perr.ContainsCode(code) {
		a.t.Fatalf("Platform error does not contain code %d: %v", code, err)
	}
	return perr
}

// OperationCompleted tracks op and asserts that it completed
func (a *Assertions) OperationCompleted(op *client.Operation) {
	a.t.Helper()

	if err := op.Track(a.ctx); err != nil {
		a.t.Fatalf("Operation %s failed: %v", op.ID, err)
	}
}

// TmpIsClean asserts that //tmp exists with the standard ACL and no children
func (a *Assertions) TmpIsClean(c *client.Client) {
	a.t.Helper()

	acl, err := c.Get(a.ctx, "//tmp/@acl")
	if err != nil {
		a.t.Fatalf("Failed to get //tmp/@acl: %v", err)
	}
	want := any(tmpACL())
	if typ, _ := c.Get(a.ctx, "//tmp/@type"); typ == "portal_entrance" {
		want = portalACL()
	}
	if diff := cmp.Diff(want, acl); diff != "" {
		a.t.Fatalf("Unexpected //tmp ACL (-want +got):\n%s", diff)
	}
	children, err := c.ListNames(a.ctx, "//tmp")
	if err != nil {
		a.t.Fatalf("Failed to list //tmp: %v", err)
	}
	if len(children) > 0 {
		a.t.Fatalf("//tmp is not empty: %v", children)
	}
}

// NoUserObjects asserts that no non-builtin object is left in the object
// collections teardown cleans
func (a *Assertions) NoUserObjects(c *client.Client) {
	a.t.Helper()

	for _, name := range objectCollections {
		items, err := c.List(a.ctx, "//sys/"+name, client.GetOptions{Attributes: []string{"builtin", "life_stage"}})
		if err != nil {
			a.t.Fatalf("Failed to list //sys/%s: %v", name, err)
		}
		for _, item := range items {
			attrs := yson.AttrsOf(item)
			key, _ := yson.String(item)
			if builtin, _ := yson.Bool(attrs["builtin"]); builtin {
				continue
			}
			if name == "users" && key == "application_operations" {
				continue
			}
			if stage, _ := yson.String(attrs["life_stage"]); stage == "creation_committed" {
				a.t.Fatalf("Object %s is left in //sys/%s", key, name)
			}
		}
	}
}

// Eventually repeatedly runs a condition until it returns true or timeout occurs
func (a *Assertions) Eventually(condition func() bool, timeout, interval time.Duration, msg string) {
	a.t.Helper()

	if err := NewWaiter(timeout, interval).WaitFor(a.ctx, condition, msg); err != nil {
		a.t.Fatalf("Timeout waiting for condition: %s (timeout: %v)", msg, timeout)
	}
}

// NoError asserts that the error is nil
func (a *Assertions) NoError(err error, msg string) {
	a.t.Helper()

	if err != nil {
		a.t.Fatalf("%s: %v", msg, err)
	}
}

// Error asserts that the error is not nil
func (a *Assertions) Error(err error, msg string) {
	a.t.Helper()

	if err == nil {
		a.t.Fatalf("%s: expected error but got nil", msg)
	}
}

// Equal asserts that two values are equal
func (a *Assertions) Equal(expected, actual interface{}, msg string) {
	a.t.Helper()

	if diff := cmp.Diff(expected, actual); diff != "" {
		a.t.Fatalf("%s (-want +got):\n%s", msg, diff)
	}
}

// True asserts that a condition is true
func (a *Assertions) True(condition bool, msg string) {
	a.t.Helper()

	if !condition {
		a.t.Fatalf("%s: expected true but got false", msg)
	}
}

// False asserts that a condition is false
func (a *Assertions) False(condition bool, msg string) {
	a.t.Helper()

	if condition {
		a.t.Fatalf("%s: expected false but got true", msg)
	}
}

// Contains asserts that a string contains a substring
func (a *Assertions) Contains(haystack, needle, msg string) {
	a.t.Helper()

	if !strings.Contains(haystack, needle) {
		a.t.Fatalf("%s: %q does not contain %q", msg, haystack, needle)
	}
}

// Len asserts that a slice, map or string has the expected length
func (a *Assertions) Len(obj interface{}, expected int, msg string) {
	a.t.Helper()

	v := reflect.ValueOf(obj)
	switch v.Kind() {
	case reflect.Slice, reflect.Map, reflect.String, reflect.Array, reflect.Chan:
		if v.Len() != expected {
			a.t.Fatalf("%s: expected length %d, got %d", msg, expected, v.Len())
		}
	default:
		a.t.Fatalf("%s: object has no length: %T", msg, obj)
	}
}

// Step logs a test step
func (a *Assertions) Step(step string) {
	a.t.Logf("==> %s", step)
}
