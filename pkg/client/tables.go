package client

import (
	"context"
	"fmt"

	"github.com/cuemby/testenv/pkg/wait"
	"github.com/cuemby/testenv/pkg/yson"
)

// FileBlockSize is the part size file bodies are split into for uploading
const FileBlockSize = 64 << 10

// tabletAttempts bounds retries of tablet state transitions
const tabletAttempts = 5

// ReadTable returns every row of the static table at path
func (c *Client) ReadTable(ctx context.Context, path string, opts ...Common) ([]any, error) {
	return c.rows(ctx, "read_table", path, first(opts))
}

// ReadJournal returns every record of the journal at path
func (c *Client) ReadJournal(ctx context.Context, path string, opts ...Common) ([]any, error) {
	return c.rows(ctx, "read_journal", path, first(opts))
}

func (c *Client) rows(ctx context.Context, command, path string, o Common) ([]any, error) {
	v, err := c.Value(ctx, command, o.params(map[string]any{"path": path}), o.call()...)
	if err != nil {
		return nil, err
	}
	rows, _ := v.([]any)
	return rows, nil
}

// WriteTable replaces, or with Append extends, the rows of the table at path
func (c *Client) WriteTable(ctx context.Context, path string, rows []any, opts ...WriteOptions) error {
	parts, err := rowParts(rows)
	if err != nil {
		return err
	}
	return c.sendParts(ctx, "write_table", path, parts, first(opts))
}

// WriteJournal appends records, each a map with a "data" key, to the journal at path
func (c *Client) WriteJournal(ctx context.Context, path string, rows []any, opts ...WriteOptions) error {
	parts, err := rowParts(rows)
	if err != nil {
		return err
	}
	return c.sendParts(ctx, "write_journal", path, parts, first(opts))
}

// ReadFile returns the contents of the file at path
func (c *Client) ReadFile(ctx context.Context, path string, opts ...Common) ([]byte, error) {
	o := first(opts)
	v, err := c.Value(ctx, "read_file", o.params(map[string]any{"path": path}), o.call()...)
	if err != nil {
		return nil, err
	}
	data, _ := v.([]byte)
	return data, nil
}

// WriteFile replaces, or with Append extends, the file at path
func (c *Client) WriteFile(ctx context.Context, path string, data []byte, opts ...WriteOptions) error {
	var parts [][]byte
	for len(data) > 0 {
		n := min(FileBlockSize, len(data))
		parts = append(parts, data[:n])
		data = data[n:]
	}
	return c.sendParts(ctx, "write_file", path, parts, first(opts))
}

func rowParts(rows []any) ([][]byte, error) {
	parts := make([][]byte, 0, len(rows))
	for _, row := range rows {
		part, err := yson.MarshalListFragment([]any{row})
		if err != nil {
			return nil, fmt.Errorf("encode row: %w", err)
		}
		parts = append(parts, part)
	}
	return parts, nil
}

func (c *Client) sendParts(ctx context.Context, command, path string, parts [][]byte, o WriteOptions) error {
	return c.upload.Upload(ctx, func(ctx context.Context, chunk []byte, appendChunk bool) error {
		attrs := map[string]any{}
		if o.Append || appendChunk {
			attrs["append"] = true
		}
		if len(o.SortedBy) > 0 {
			attrs["sorted_by"] = toAnyList(o.SortedBy)
		}
		var target any = path
		if len(attrs) > 0 {
			target = yson.Attributed{Attrs: attrs, Value: path}
		}
		_, err := c.Execute(ctx, command, o.params(map[string]any{"path": target}), o.call(WithInput(chunk))...)
		return err
	}, parts)
}

// InsertRows writes rows into the dynamic table at path
func (c *Client) InsertRows(ctx context.Context, path string, rows []any, opts ...RowOptions) error {
	o := first(opts)
	params := o.params(map[string]any{"path": path})
	if o.Update {
		params["update"] = true
	}
	return c.rowCommand(ctx, "insert_rows", params, rows, o.Common)
}

// DeleteRows deletes the rows with the given keys from the dynamic table at path
func (c *Client) DeleteRows(ctx context.Context, path string, keys []any, opts ...RowOptions) error {
	o := first(opts)
	return c.rowCommand(ctx, "delete_rows", o.params(map[string]any{"path": path}), keys, o.Common)
}

func (c *Client) rowCommand(ctx context.Context, command string, params map[string]any, rows []any, o Common) error {
	body, err := yson.MarshalListFragment(rows)
	if err != nil {
		return fmt.Errorf("encode rows: %w", err)
	}
	_, err = c.Execute(ctx, command, params, o.call(WithInput(body))...)
	return err
}

// LookupRows returns the rows with the given keys
func (c *Client) LookupRows(ctx context.Context, path string, keys []any, opts ...RowOptions) ([]any, error) {
	o := first(opts)
	params := o.params(map[string]any{"path": path})
	if len(o.ColumnNames) > 0 {
		params["column_names"] = toAnyList(o.ColumnNames)
	}
	if o.KeepMissingRows {
		params["keep_missing_rows"] = true
	}
	body, err := yson.MarshalListFragment(keys)
	if err != nil {
		return nil, fmt.Errorf("encode keys: %w", err)
	}
	v, err := c.Value(ctx, "lookup_rows", params, o.call(WithInput(body))...)
	if err != nil {
		return nil, err
	}
	rows, _ := v.([]any)
	return rows, nil
}

// SelectRows runs a query over dynamic tables
func (c *Client) SelectRows(ctx context.Context, query string, opts ...Common) ([]any, error) {
	o := first(opts)
	v, err := c.Value(ctx, "select_rows", o.params(map[string]any{"query": query}), o.call()...)
	if err != nil {
		return nil, err
	}
	rows, _ := v.([]any)
	return rows, nil
}

// MountTable mounts the dynamic table at path
func (c *Client) MountTable(ctx context.Context, path string, opts ...TabletOptions) error {
	return c.tabletCommand(ctx, "mount_table", path, first(opts), nil)
}

// UnmountTable unmounts the dynamic table at path
func (c *Client) UnmountTable(ctx context.Context, path string, opts ...TabletOptions) error {
	return c.tabletCommand(ctx, "unmount_table", path, first(opts), nil)
}

// RemountTable pushes changed settings to mounted tablets
func (c *Client) RemountTable(ctx context.Context, path string, opts ...TabletOptions) error {
	return c.tabletCommand(ctx, "remount_table", path, first(opts), nil)
}

// FreezeTable freezes the mounted table at path
func (c *Client) FreezeTable(ctx context.Context, path string, opts ...TabletOptions) error {
	return c.tabletCommand(ctx, "freeze_table", path, first(opts), nil)
}

// UnfreezeTable unfreezes the frozen table at path
func (c *Client) UnfreezeTable(ctx context.Context, path string, opts ...TabletOptions) error {
	return c.tabletCommand(ctx, "unfreeze_table", path, first(opts), nil)
}

// ReshardTable splits the unmounted table at path by pivot keys, or into
// tabletCount tablets when pivotKeys is empty
func (c *Client) ReshardTable(ctx context.Context, path string, pivotKeys []any, tabletCount int, opts ...TabletOptions) error {
	extra := map[string]any{}
	if len(pivotKeys) > 0 {
		extra["pivot_keys"] = pivotKeys
	} else {
		extra["tablet_count"] = int64(tabletCount)
	}
	return c.tabletCommand(ctx, "reshard_table", path, first(opts), extra)
}

// tabletCommand retries lock conflicts and not-ready errors, then drops
// the driver's metadata caches so later commands see the new state
func (c *Client) tabletCommand(ctx context.Context, command, path string, o TabletOptions, extra map[string]any) error {
	err := Retry(ctx, tabletAttempts, func(ctx context.Context) error {
		params := o.params(path)
		for k, v := range extra {
			params[k] = v
		}
		_, err := c.Execute(ctx, command, params, o.call()...)
		return err
	})
	if err != nil {
		return err
	}
	return c.ClearMetadataCaches(ctx, o.Common)
}

// WaitTabletState polls path/@tablet_state until it equals state
func (c *Client) WaitTabletState(ctx context.Context, path, state string, opts ...Common) error {
	o := first(opts)
	o.Quiet = true
	return wait.For(ctx, fmt.Sprintf("%s tablets to become %s", path, state), wait.DefaultPolicy,
		func(ctx context.Context) (bool, error) {
			v, err := c.Get(ctx, path+"/@tablet_state", GetOptions{Common: o})
			if err != nil {
				return false, err
			}
			s, _ := yson.String(v)
			return s == state, nil
		})
}

// SyncMountTable mounts the table and waits for its tablets
func (c *Client) SyncMountTable(ctx context.Context, path string, opts ...TabletOptions) error {
	o := first(opts)
	if err := c.MountTable(ctx, path, o); err != nil {
		return err
	}
	state := "mounted"
	if o.Freeze {
		state = "frozen"
	}
	return c.WaitTabletState(ctx, path, state, o.Common)
}

// SyncUnmountTable unmounts the table and waits for its tablets
func (c *Client) SyncUnmountTable(ctx context.Context, path string, opts ...TabletOptions) error {
	o := first(opts)
	if err := c.UnmountTable(ctx, path, o); err != nil {
		return err
	}
	return c.WaitTabletState(ctx, path, "unmounted", o.Common)
}

// SyncFreezeTable freezes the table and waits for its tablets
func (c *Client) SyncFreezeTable(ctx context.Context, path string, opts ...TabletOptions) error {
	o := first(opts)
	if err := c.FreezeTable(ctx, path, o); err != nil {
		return err
	}
	return c.WaitTabletState(ctx, path, "frozen", o.Common)
}

// SyncUnfreezeTable unfreezes the table and waits for its tablets
func (c *Client) SyncUnfreezeTable(ctx context.Context, path string, opts ...TabletOptions) error {
	o := first(opts)
	if err := c.UnfreezeTable(ctx, path, o); err != nil {
		return err
	}
	return c.WaitTabletState(ctx, path, "mounted", o.Common)
}
