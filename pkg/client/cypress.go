package client

import (
	"context"
	"fmt"

	"github.com/cuemby/testenv/pkg/yson"
)

// Get reads the node at path
func (c *Client) Get(ctx context.Context, path string, opts ...GetOptions) (any, error) {
	o := first(opts)
	params := o.params(map[string]any{"path": path})
	if len(o.Attributes) > 0 {
		params["attributes"] = toAnyList(o.Attributes)
	}
	if o.MaxSize > 0 {
		params["max_size"] = int64(o.MaxSize)
	}
	return c.Value(ctx, "get", params, o.call()...)
}

// GetDefault is Get returning def when path does not resolve
func (c *Client) GetDefault(ctx context.Context, path string, def any, opts ...GetOptions) (any, error) {
	v, err := c.Get(ctx, path, opts...)
	if IsResolveError(err) {
		return def, nil
	}
	return v, err
}

// Set writes value at path
func (c *Client) Set(ctx context.Context, path string, value any, opts ...SetOptions) error {
	o := first(opts)
	params := o.params(map[string]any{"path": path})
	if o.Recursive {
		params["recursive"] = true
	}
	if o.Force {
		params["force"] = true
	}
	data, err := yson.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode value for %s: %w", path, err)
	}
	_, err = c.Execute(ctx, "set", params, o.call(WithInput(data))...)
	return err
}

// Remove deletes the node at path
func (c *Client) Remove(ctx context.Context, path string, opts ...RemoveOptions) error {
	o := first(opts)
	params := o.params(map[string]any{"path": path, "recursive": o.Recursive, "force": o.Force})
	_, err := c.Execute(ctx, "remove", params, o.call()...)
	return err
}

// Create makes a node of typ at path and returns its id
func (c *Client) Create(ctx context.Context, typ, path string, opts ...CreateOptions) (string, error) {
	o := first(opts)
	params := o.createParams(typ)
	params["path"] = path
	return c.id(ctx, "create", params, o.call())
}

// CreateObject makes a pathless object such as a user, account or tablet cell
func (c *Client) CreateObject(ctx context.Context, typ string, opts ...CreateOptions) (string, error) {
	o := first(opts)
	return c.id(ctx, "create", o.createParams(typ), o.call())
}

func (o CreateOptions) createParams(typ string) map[string]any {
	params := o.params(map[string]any{"type": typ})
	if o.Attributes != nil {
		params["attributes"] = o.Attributes
	}
	if o.Recursive {
		params["recursive"] = true
	}
	if o.IgnoreExisting {
		params["ignore_existing"] = true
	}
	if o.Force {
		params["force"] = true
	}
	return params
}

// CreateUser makes a user named name
func (c *Client) CreateUser(ctx context.Context, name string, opts ...CreateOptions) (string, error) {
	return c.createNamed(ctx, "user", name, opts)
}

// CreateGroup makes a group named name
func (c *Client) CreateGroup(ctx context.Context, name string, opts ...CreateOptions) (string, error) {
	return c.createNamed(ctx, "group", name, opts)
}

// CreateAccount makes an account named name
func (c *Client) CreateAccount(ctx context.Context, name string, opts ...CreateOptions) (string, error) {
	return c.createNamed(ctx, "account", name, opts)
}

// CreateTabletCellBundle makes a tablet cell bundle named name
func (c *Client) CreateTabletCellBundle(ctx context.Context, name string, opts ...CreateOptions) (string, error) {
	return c.createNamed(ctx, "tablet_cell_bundle", name, opts)
}

// CreateTabletCell makes a tablet cell in bundle, "default" when empty
func (c *Client) CreateTabletCell(ctx context.Context, bundle string, opts ...CreateOptions) (string, error) {
	o := first(opts)
	o.Attributes = withAttr(o.Attributes, "tablet_cell_bundle", orDefault(bundle, "default"))
	return c.CreateObject(ctx, "tablet_cell", o)
}

func (c *Client) createNamed(ctx context.Context, typ, name string, opts []CreateOptions) (string, error) {
	o := first(opts)
	o.Attributes = withAttr(o.Attributes, "name", name)
	return c.CreateObject(ctx, typ, o)
}

// Copy copies src to dst and returns the id of the copy
func (c *Client) Copy(ctx context.Context, src, dst string, opts ...CopyOptions) (string, error) {
	o := first(opts)
	params := o.copyParams(map[string]any{"source_path": src, "destination_path": dst})
	return c.id(ctx, "copy", params, o.call())
}

// Move moves src to dst and returns the id of the moved node
func (c *Client) Move(ctx context.Context, src, dst string, opts ...CopyOptions) (string, error) {
	o := first(opts)
	params := o.copyParams(map[string]any{"source_path": src, "destination_path": dst})
	return c.id(ctx, "move", params, o.call())
}

// Link makes link point to target and returns the link id
func (c *Client) Link(ctx context.Context, target, link string, opts ...CopyOptions) (string, error) {
	o := first(opts)
	params := o.copyParams(map[string]any{"target_path": target, "link_path": link})
	return c.id(ctx, "link", params, o.call())
}

func (o CopyOptions) copyParams(base map[string]any) map[string]any {
	params := o.params(base)
	if o.Recursive {
		params["recursive"] = true
	}
	if o.Force {
		params["force"] = true
	}
	if o.IgnoreExisting {
		params["ignore_existing"] = true
	}
	if o.PreserveAccount {
		params["preserve_account"] = true
	}
	return params
}

// Exists reports whether path resolves
func (c *Client) Exists(ctx context.Context, path string, opts ...Common) (bool, error) {
	o := first(opts)
	v, err := c.Value(ctx, "exists", o.params(map[string]any{"path": path}), o.call()...)
	if err != nil {
		return false, err
	}
	ok, _ := yson.Bool(v)
	return ok, nil
}

// List returns the children of the map node at path. With attributes set
// the items are yson.Attributed.
func (c *Client) List(ctx context.Context, path string, opts ...GetOptions) ([]any, error) {
	o := first(opts)
	params := o.params(map[string]any{"path": path})
	if len(o.Attributes) > 0 {
		params["attributes"] = toAnyList(o.Attributes)
	}
	if o.MaxSize > 0 {
		params["max_size"] = int64(o.MaxSize)
	}
	v, err := c.Value(ctx, "list", params, o.call()...)
	if err != nil {
		return nil, err
	}
	items, _ := yson.List(v)
	return items, nil
}

// ListNames is List reduced to child names
func (c *Client) ListNames(ctx context.Context, path string, opts ...GetOptions) ([]string, error) {
	items, err := c.List(ctx, path, opts...)
	if err != nil {
		return nil, err
	}
	return yson.Strings(items), nil
}

// Concatenate appends the contents of sources to dst
func (c *Client) Concatenate(ctx context.Context, sources []string, dst string, opts ...Common) error {
	o := first(opts)
	params := o.params(map[string]any{"source_paths": toAnyList(sources), "destination_path": dst})
	_, err := c.Execute(ctx, "concatenate", params, o.call()...)
	return err
}

// Lock takes a lock of mode on path inside o.Tx and returns the lock id
func (c *Client) Lock(ctx context.Context, path, mode string, opts ...LockOptions) (string, error) {
	o := first(opts)
	params := o.params(map[string]any{"path": path, "mode": orDefault(mode, "exclusive")})
	if o.ChildKey != "" {
		params["child_key"] = o.ChildKey
	}
	if o.AttributeKey != "" {
		params["attribute_key"] = o.AttributeKey
	}
	if o.Waitable {
		params["waitable"] = true
	}
	v, err := c.Value(ctx, "lock", params, o.call()...)
	if err != nil {
		return "", err
	}
	m, _ := yson.Map(v)
	id, _ := yson.String(m["lock_id"])
	return id, nil
}

// AddMember adds member to group
func (c *Client) AddMember(ctx context.Context, member, group string, opts ...Common) error {
	o := first(opts)
	_, err := c.Execute(ctx, "add_member", o.params(map[string]any{"member": member, "group": group}), o.call()...)
	return err
}

// RemoveMember removes member from group
func (c *Client) RemoveMember(ctx context.Context, member, group string, opts ...Common) error {
	o := first(opts)
	_, err := c.Execute(ctx, "remove_member", o.params(map[string]any{"member": member, "group": group}), o.call()...)
	return err
}

// CheckPermission returns the permission check result for user on path
func (c *Client) CheckPermission(ctx context.Context, user, permission, path string, opts ...Common) (map[string]any, error) {
	o := first(opts)
	params := o.params(map[string]any{"user": user, "permission": permission, "path": path})
	v, err := c.Value(ctx, "check_permission", params, o.call()...)
	if err != nil {
		return nil, err
	}
	m, _ := yson.Map(v)
	return m, nil
}

// GCCollect asks the masters to collect unreferenced objects
func (c *Client) GCCollect(ctx context.Context, opts ...Common) error {
	o := first(opts)
	_, err := c.Execute(ctx, "gc_collect", o.params(nil), o.call()...)
	return err
}

// ClearMetadataCaches drops cached table metadata held by the driver
func (c *Client) ClearMetadataCaches(ctx context.Context, opts ...Common) error {
	o := first(opts)
	_, err := c.Execute(ctx, "clear_metadata_caches", o.params(nil), o.call()...)
	return err
}

// BuildSnapshot makes the master cell build a snapshot and returns its id
func (c *Client) BuildSnapshot(ctx context.Context, cellID string, setReadOnly bool, opts ...Common) (int64, error) {
	o := first(opts)
	params := o.params(map[string]any{"set_read_only": setReadOnly})
	if cellID != "" {
		params["cell_id"] = cellID
	}
	v, err := c.Value(ctx, "build_snapshot", params, o.call()...)
	if err != nil {
		return 0, err
	}
	id, _ := yson.Int(v)
	return id, nil
}

// GenerateTimestamp returns a fresh timestamp from the timestamp provider
func (c *Client) GenerateTimestamp(ctx context.Context, opts ...Common) (uint64, error) {
	o := first(opts)
	v, err := c.Value(ctx, "generate_timestamp", o.params(nil), o.call()...)
	if err != nil {
		return 0, err
	}
	switch ts := v.(type) {
	case uint64:
		return ts, nil
	case int64:
		return uint64(ts), nil
	}
	return 0, fmt.Errorf("unexpected timestamp %v", v)
}

func (c *Client) id(ctx context.Context, command string, params map[string]any, opts []CallOption) (string, error) {
	v, err := c.Value(ctx, command, params, opts...)
	if err != nil {
		return "", err
	}
	id, _ := yson.String(v)
	return id, nil
}

func toAnyList(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func withAttr(attrs map[string]any, key string, value any) map[string]any {
	out := make(map[string]any, len(attrs)+1)
	for k, v := range attrs {
		out[k] = v
	}
	out[key] = value
	return out
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
