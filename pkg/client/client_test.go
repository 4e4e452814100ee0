package client_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/testenv/pkg/client"
	"github.com/cuemby/testenv/pkg/driver"
	"github.com/cuemby/testenv/pkg/driver/drivertest"
	"github.com/cuemby/testenv/pkg/types"
	"github.com/cuemby/testenv/pkg/yson"
)

func newClient(t *testing.T, opts drivertest.Options, clientOpts ...client.Option) (*client.Client, *drivertest.Platform) {
	t.Helper()
	p := drivertest.New(opts)
	t.Cleanup(p.Close)
	reg := driver.NewRegistry(p.Factory())
	drivers := []driver.Driver{p.Driver(p.CellTag())}
	for _, tag := range opts.SecondaryCellTags {
		drivers = append(drivers, p.Driver(tag))
	}
	reg.Add(types.PrimaryClusterName, drivers...)
	c := client.New(reg, clientOpts...)
	t.Cleanup(func() { c.Close() })
	return c, p
}

func lastCall(t *testing.T, p *drivertest.Platform, command string) drivertest.Call {
	t.Helper()
	calls := p.Calls()
	for i := len(calls) - 1; i >= 0; i-- {
		if calls[i].Command == command {
			return calls[i]
		}
	}
	require.Failf(t, "command not called", "%s", command)
	return drivertest.Call{}
}

func TestGetSet(t *testing.T) {
	c, _ := newClient(t, drivertest.Options{})
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "//tmp/x", map[string]any{"a": int64(1)}))
	v, err := c.Get(ctx, "//tmp/x/a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	_, err = c.Get(ctx, "//tmp/missing")
	assert.True(t, client.IsResolveError(err))
	assert.True(t, client.HasCode(err, driver.CodeResolveError))

	v, err = c.GetDefault(ctx, "//tmp/missing", "fallback")
	require.NoError(t, err)
	assert.Equal(t, "fallback", v)

	ok, err := c.Exists(ctx, "//tmp/x")
	require.NoError(t, err)
	assert.True(t, ok)

	names, err := c.ListNames(ctx, "//tmp")
	require.NoError(t, err)
	assert.Contains(t, names, "x")

	err = c.Remove(ctx, "//tmp/x")
	assert.Error(t, err, "a node with children needs a recursive remove")
	ok, err = c.Exists(ctx, "//tmp/x/a")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, c.Remove(ctx, "//tmp/x", client.RemoveOptions{Recursive: true}))
	ok, err = c.Exists(ctx, "//tmp/x")
	require.NoError(t, err)
	assert.False(t, ok)

	err = c.Remove(ctx, "//tmp/x")
	assert.True(t, client.IsResolveError(err))
	assert.NoError(t, c.Remove(ctx, "//tmp/x", client.RemoveOptions{Force: true}))
}

func TestRequestPreparation(t *testing.T) {
	c, p := newClient(t, drivertest.Options{})
	ctx := context.Background()

	tx, err := c.Value(ctx, "start_tx", nil)
	require.NoError(t, err)
	txID, ok := tx.(string)
	require.True(t, ok, "start_tx returned %v", tx)

	_, err = c.Execute(ctx, "get", map[string]any{"path": "//tmp", "tx": txID})
	require.NoError(t, err)
	get := lastCall(t, p, "get")
	assert.Equal(t, txID, get.Parameters["transaction_id"])
	assert.NotContains(t, get.Parameters, "tx")
	assert.Contains(t, get.Parameters, "output_format")
	assert.NotContains(t, get.Parameters, "mutation_id")

	require.NoError(t, c.Set(ctx, "//tmp/y", "v"))
	set := lastCall(t, p, "set")
	assert.Contains(t, set.Parameters, "input_format")
	assert.NotEmpty(t, set.Parameters["mutation_id"])

	assert.NoError(t, c.AbortTransaction(ctx, txID))
	assert.Equal(t, 1, p.CallCount("abort_transaction"))
}

func TestPathNormalisation(t *testing.T) {
	c, p := newClient(t, drivertest.Options{})
	ctx := context.Background()

	_, err := c.Create(ctx, "table", "//tmp/t")
	require.NoError(t, err)
	require.NoError(t, c.WriteTable(ctx, "//tmp/t", []any{
		map[string]any{"a": int64(1), "b": "x"},
		map[string]any{"a": int64(2), "b": "y"},
	}))

	rows, err := c.ReadTable(ctx, "//tmp/t{a}")
	require.NoError(t, err)
	assert.Equal(t, []any{map[string]any{"a": int64(1)}, map[string]any{"a": int64(2)}}, rows)
	assert.Equal(t, "//tmp/t{a}", lastCall(t, p, "parse_ypath").Parameters["path"])

	require.NoError(t, c.WriteTable(ctx, "<append=%true>//tmp/t", []any{map[string]any{"a": int64(0)}},
		client.WriteOptions{SortedBy: []string{"a"}}))
	rows, err = c.ReadTable(ctx, "//tmp/t")
	require.NoError(t, err)
	assert.Len(t, rows, 3)
	sorted, err := c.Get(ctx, "//tmp/t/@sorted_by")
	require.NoError(t, err)
	assert.Equal(t, []any{"a"}, sorted)
}

func TestImpersonation(t *testing.T) {
	c, p := newClient(t, drivertest.Options{})
	ctx := context.Background()

	_, err := c.CreateUser(ctx, "u")
	require.NoError(t, err)
	_, err = c.Get(ctx, "//tmp", client.GetOptions{Common: client.Common{User: "u"}})
	require.NoError(t, err)
	get := lastCall(t, p, "get")
	assert.Equal(t, "u", get.User)
	assert.NotContains(t, get.Parameters, "authenticated_user")
	assert.Equal(t, "u", lastCall(t, p, "parse_ypath").User)

	require.NoError(t, c.Set(ctx, "//sys/users/u/@banned", true))
	_, err = c.Get(ctx, "//tmp", client.GetOptions{Common: client.Common{User: "u"}})
	assert.True(t, client.AsPlatformError(err).IsAccessDenied(), "got %v", err)
}

func TestMutationReplay(t *testing.T) {
	c, p := newClient(t, drivertest.Options{})
	ctx := context.Background()

	p.InjectFault(drivertest.Fault{Command: "set"})
	require.NoError(t, c.Set(ctx, "//tmp/a", int64(1)))
	assert.Equal(t, 2, p.CallCount("set"))

	var ids []any
	for _, call := range p.Calls() {
		if call.Command == "set" {
			ids = append(ids, call.Parameters["mutation_id"])
		}
	}
	assert.Equal(t, ids[0], ids[1])
	assert.Equal(t, true, lastCall(t, p, "set").Parameters["retry"])

	p.InjectFault(drivertest.Fault{Command: "create", AfterApply: true})
	id, err := c.Create(ctx, "map_node", "//tmp/m")
	require.NoError(t, err, "a replayed mutation returns the first outcome")
	got, err := c.Get(ctx, "//tmp/m/@id")
	require.NoError(t, err)
	assert.Equal(t, id, got)

	p.InjectFault(drivertest.Fault{Command: "get"})
	_, err = c.Get(ctx, "//tmp/a")
	assert.ErrorIs(t, err, driver.ErrTransport)
	assert.Nil(t, client.AsPlatformError(err))

	p.InjectFault(drivertest.Fault{Command: "set", Times: 2})
	err = c.Set(ctx, "//tmp/a", int64(2))
	assert.ErrorIs(t, err, driver.ErrTransport, "only one replay is made")
}

func TestIgnoreResultAndStart(t *testing.T) {
	c, _ := newClient(t, drivertest.Options{})
	ctx := context.Background()

	out, err := c.Execute(ctx, "set", map[string]any{"path": "//tmp/z"}, client.WithInput([]byte("7")), client.IgnoreResult())
	require.NoError(t, err)
	assert.Nil(t, out)
	require.NoError(t, c.Close())

	resp, err := c.Start(ctx, "get", map[string]any{"path": "//tmp/z"})
	require.NoError(t, err)
	raw, err := resp.Wait(ctx)
	require.NoError(t, err)
	v, err := yson.Unmarshal(raw)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"value": int64(7)}, v)

	_, err = c.Execute(ctx, "no_such_command", nil)
	assert.Error(t, err)
}

func TestExecuteBatch(t *testing.T) {
	c, _ := newClient(t, drivertest.Options{})
	ctx := context.Background()

	results, err := c.ExecuteBatch(ctx, []client.BatchRequest{
		{Command: "set", Params: map[string]any{"path": "//tmp/b"}, Input: int64(5)},
		{Command: "get", Params: map[string]any{"path": "//tmp/missing"}},
		{Command: "get", Params: map[string]any{"path": "//tmp/b"}, ReturnOnlyValue: true},
		{Command: "read_table", Params: map[string]any{"path": "//tmp/b"}},
		{Command: "get", Params: map[string]any{"path": "//tmp/b"}},
		{Command: "create", Params: map[string]any{"type": "map_node", "path": "//tmp/dir"}, ReturnOnlyValue: true},
	})
	require.NoError(t, err)
	require.Len(t, results, 6)

	assert.Nil(t, results[0].Err)
	require.NotNil(t, results[1].Err)
	assert.True(t, results[1].Err.IsResolveError())
	assert.Equal(t, int64(5), results[2].Output)
	assert.NotNil(t, results[3].Err, "heavy commands cannot be batched")
	assert.Equal(t, map[string]any{"value": int64(5)}, results[4].Output, "envelopes are kept by default")
	id, ok := results[5].Output.(string)
	assert.True(t, ok, "create returned %v", results[5].Output)
	assert.NotEmpty(t, id)

	assert.Equal(t, results[1].Err, client.Errors(results))

	empty, err := c.ExecuteBatch(ctx, nil)
	assert.NoError(t, err)
	assert.Empty(t, empty)
}

func TestRouting(t *testing.T) {
	c, p := newClient(t, drivertest.Options{SecondaryCellTags: []int{2}})
	ctx := context.Background()

	_, err := c.Get(ctx, "//sys", client.GetOptions{Common: client.Common{Cell: 1}})
	require.NoError(t, err)
	assert.Equal(t, 2, lastCall(t, p, "get").Cell)

	_, err = c.Get(ctx, "//sys", client.GetOptions{Common: client.Common{Cluster: "remote_0"}})
	assert.ErrorIs(t, err, driver.ErrUnknownCluster)

	_, err = c.OnCluster("remote_0").Get(ctx, "//sys")
	assert.ErrorIs(t, err, driver.ErrUnknownCluster)

	d := p.Driver(2)
	_, err = c.Execute(ctx, "get", map[string]any{"path": "//sys"}, client.OnDriver(d), client.Quiet())
	require.NoError(t, err)
	assert.Equal(t, 2, lastCall(t, p, "get").Cell)
}

func TestRetry(t *testing.T) {
	ctx := context.Background()

	attempts := 0
	err := client.Retry(ctx, 3, func(context.Context) error {
		attempts++
		if attempts < 3 {
			return driver.NewError(1, "failed", driver.NewError(driver.CodeConcurrentLockConflict, "conflict"))
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)

	attempts = 0
	err = client.Retry(ctx, 3, func(context.Context) error {
		attempts++
		return driver.NewError(driver.CodeResolveError, "missing")
	})
	assert.True(t, client.IsResolveError(err))
	assert.Equal(t, 1, attempts)

	attempts = 0
	err = client.Retry(ctx, 2, func(context.Context) error {
		attempts++
		return driver.NewError(driver.CodeNotReady, "not ready")
	})
	assert.True(t, client.HasCode(err, driver.CodeNotReady))
	assert.Equal(t, 2, attempts)
}

func TestObjectsAndTransactions(t *testing.T) {
	c, _ := newClient(t, drivertest.Options{})
	ctx := context.Background()

	_, err := c.CreateGroup(ctx, "g")
	require.NoError(t, err)
	_, err = c.CreateUser(ctx, "u")
	require.NoError(t, err)
	require.NoError(t, c.AddMember(ctx, "u", "g"))
	members, err := c.Get(ctx, "//sys/groups/g/@members")
	require.NoError(t, err)
	assert.Equal(t, []any{"u"}, members)
	require.NoError(t, c.RemoveMember(ctx, "u", "g"))

	perm, err := c.CheckPermission(ctx, "u", "read", "//tmp")
	require.NoError(t, err)
	assert.Contains(t, perm, "action")

	tx, err := c.StartTransaction(ctx, client.TxOptions{Attributes: map[string]any{"title": "test"}})
	require.NoError(t, err)
	_, err = c.Create(ctx, "map_node", "//tmp/locked")
	require.NoError(t, err)
	lockID, err := c.Lock(ctx, "//tmp/locked", "exclusive", client.LockOptions{Common: client.Common{Tx: tx}})
	require.NoError(t, err)
	assert.NotEmpty(t, lockID)
	require.NoError(t, c.PingTransaction(ctx, tx))
	require.NoError(t, c.CommitTransaction(ctx, tx))

	err = c.PingTransaction(ctx, tx)
	assert.True(t, client.AsPlatformError(err).IsNoSuchTransaction(), "got %v", err)

	ts, err := c.GenerateTimestamp(ctx)
	require.NoError(t, err)
	assert.NotZero(t, ts)
	_, err = c.BuildSnapshot(ctx, "", false)
	assert.NoError(t, err)
	assert.NoError(t, c.GCCollect(ctx))
}

func TestCopyMoveLink(t *testing.T) {
	c, _ := newClient(t, drivertest.Options{})
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "//tmp/src", map[string]any{"k": "v"}))
	_, err := c.Copy(ctx, "//tmp/src", "//tmp/dst")
	require.NoError(t, err)
	_, err = c.Move(ctx, "//tmp/dst", "//tmp/moved")
	require.NoError(t, err)
	_, err = c.Link(ctx, "//tmp/moved", "//tmp/ln")
	require.NoError(t, err)

	v, err := c.Get(ctx, "//tmp/ln/k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)

	_, err = c.Copy(ctx, "//tmp/src", "//tmp/moved")
	assert.True(t, client.AsPlatformError(err).IsAlreadyExists(), "got %v", err)
	_, err = c.Copy(ctx, "//tmp/src", "//tmp/moved", client.CopyOptions{Force: true})
	assert.NoError(t, err)
}

func TestDynamicTableHelpers(t *testing.T) {
	c, _ := newClient(t, drivertest.Options{MountDelay: 20 * time.Millisecond})
	ctx := context.Background()

	_, err := c.Create(ctx, "table", "//tmp/d", client.CreateOptions{Attributes: map[string]any{
		"dynamic": true,
		"schema": []any{
			map[string]any{"name": "k", "type": "int64", "sort_order": "ascending"},
			map[string]any{"name": "v", "type": "string"},
		},
	}})
	require.NoError(t, err)

	err = c.InsertRows(ctx, "//tmp/d", []any{map[string]any{"k": int64(1), "v": "a"}})
	assert.True(t, client.HasCode(err, driver.CodeTabletNotMounted))

	require.NoError(t, c.SyncMountTable(ctx, "//tmp/d"))
	require.NoError(t, c.InsertRows(ctx, "//tmp/d", []any{
		map[string]any{"k": int64(1), "v": "a"},
		map[string]any{"k": int64(2), "v": "b"},
	}))

	rows, err := c.LookupRows(ctx, "//tmp/d", []any{map[string]any{"k": int64(2)}})
	require.NoError(t, err)
	assert.Equal(t, []any{map[string]any{"k": int64(2), "v": "b"}}, rows)

	require.NoError(t, c.DeleteRows(ctx, "//tmp/d", []any{map[string]any{"k": int64(1)}}))
	rows, err = c.SelectRows(ctx, "k from [//tmp/d]")
	require.NoError(t, err)
	assert.Equal(t, []any{map[string]any{"k": int64(2)}}, rows)

	require.NoError(t, c.SyncFreezeTable(ctx, "//tmp/d"))
	require.NoError(t, c.SyncUnfreezeTable(ctx, "//tmp/d"))
	require.NoError(t, c.SyncUnmountTable(ctx, "//tmp/d"))
	require.NoError(t, c.ReshardTable(ctx, "//tmp/d", nil, 2))
}
