package drivertest

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/testenv/pkg/driver"
	"github.com/cuemby/testenv/pkg/yson"
)

func init() {
	for name, h := range map[string]handler{
		"read_table":     cmdReadTable,
		"write_table":    cmdWriteTable,
		"read_file":      cmdReadFile,
		"write_file":     cmdWriteFile,
		"read_journal":   cmdReadJournal,
		"write_journal":  cmdWriteJournal,
		"insert_rows":    cmdInsertRows,
		"delete_rows":    cmdDeleteRows,
		"select_rows":    cmdSelectRows,
		"lookup_rows":    cmdLookupRows,
		"mount_table":    tabletTransition("unmounted", "mounting", "mounted"),
		"unmount_table":  tabletTransition("", "unmounting", "unmounted"),
		"remount_table":  tabletTransition("mounted", "mounted", "mounted"),
		"freeze_table":   tabletTransition("mounted", "freezing", "frozen"),
		"unfreeze_table": tabletTransition("frozen", "unfreezing", "mounted"),
		"reshard_table":  cmdReshardTable,
	} {
		handlers[name] = h
	}
}

func (p *Platform) resolveKind(c *call, kinds ...string) (*node, map[string]any, error) {
	path, err := c.path()
	if err != nil {
		return nil, nil, err
	}
	n, rest, err := p.resolve(path)
	if err != nil {
		return nil, nil, err
	}
	if len(rest) > 0 || !containsString(kinds, n.kind) {
		return nil, nil, errorf(1, "Invalid type of %s: expected %s, actual %s",
			path.raw, strings.Join(kinds, " or "), p.typeOf(n))
	}
	return n, yson.AttrsOf(c.params["path"]), nil
}

func cmdReadTable(p *Platform, c *call) (any, error) {
	n, attrs, err := p.resolveKind(c, "table")
	if err != nil {
		return nil, err
	}
	return project(n.rows, yson.Strings(attrs["columns"])), nil
}

func cmdWriteTable(p *Platform, c *call) (any, error) {
	n, attrs, err := p.resolveKind(c, "table")
	if err != nil {
		return nil, err
	}
	if dynamic, _ := yson.Bool(n.attrs["dynamic"]); dynamic {
		return nil, errorf(1, "Cannot write into dynamic table %s; use insert_rows", p.pathOf(n))
	}
	rows, err := c.rows()
	if err != nil {
		return nil, err
	}
	if appendMode, _ := yson.Bool(attrs["append"]); appendMode {
		rows = append(cloneRows(n.rows), rows...)
	}
	if keys := yson.Strings(attrs["sorted_by"]); len(keys) > 0 {
		sortRows(rows, keys)
		n.attrs["sorted_by"] = toList(keys)
		n.attrs["sorted"] = true
	} else {
		delete(n.attrs, "sorted_by")
		n.attrs["sorted"] = false
	}
	n.rows = rows
	n.modified = time.Now()
	return nil, nil
}

func cmdReadFile(p *Platform, c *call) (any, error) {
	n, _, err := p.resolveKind(c, "file")
	if err != nil {
		return nil, err
	}
	data := n.data
	if offset := c.int("offset", 0); offset > 0 && offset <= int64(len(data)) {
		data = data[offset:]
	}
	if length := c.int("length", -1); length >= 0 && length < int64(len(data)) {
		data = data[:length]
	}
	return append([]byte(nil), data...), nil
}

func cmdWriteFile(p *Platform, c *call) (any, error) {
	n, attrs, err := p.resolveKind(c, "file")
	if err != nil {
		return nil, err
	}
	if appendMode, _ := yson.Bool(attrs["append"]); appendMode {
		n.data = append(n.data, c.input...)
	} else {
		n.data = append([]byte(nil), c.input...)
	}
	n.modified = time.Now()
	return nil, nil
}

func cmdReadJournal(p *Platform, c *call) (any, error) {
	n, _, err := p.resolveKind(c, "journal")
	if err != nil {
		return nil, err
	}
	return cloneRows(n.rows), nil
}

func cmdWriteJournal(p *Platform, c *call) (any, error) {
	n, _, err := p.resolveKind(c, "journal")
	if err != nil {
		return nil, err
	}
	rows, err := c.rows()
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		m, ok := yson.Map(r)
		if !ok {
			return nil, errorf(1, "Journal rows must be maps")
		}
		if _, ok := m["data"]; !ok {
			return nil, errorf(1, "Journal row is missing the \"data\" column")
		}
	}
	n.rows = append(n.rows, rows...)
	n.modified = time.Now()
	return nil, nil
}

// keyColumns lists the sorted prefix of a table schema
func keyColumns(n *node) []string {
	schema, _ := yson.List(n.attrs["schema"])
	var keys []string
	for _, raw := range schema {
		col, _ := yson.Map(raw)
		if order, _ := yson.String(col["sort_order"]); order == "" {
			break
		}
		name, _ := yson.String(col["name"])
		keys = append(keys, name)
	}
	return keys
}

func (p *Platform) mountedTable(c *call) (*node, error) {
	n, _, err := p.resolveKind(c, "table")
	if err != nil {
		return nil, err
	}
	if dynamic, _ := yson.Bool(n.attrs["dynamic"]); !dynamic {
		return nil, errorf(1, "Table %s is not dynamic", p.pathOf(n))
	}
	if state, _ := yson.String(n.attrs["tablet_state"]); state != "mounted" {
		return nil, errorf(driver.CodeTabletNotMounted, "Table %s is not mounted (tablet state %s)", p.pathOf(n), state)
	}
	return n, nil
}

func rowKey(row any, keys []string) string {
	m, _ := yson.Map(row)
	parts := make([]any, len(keys))
	for i, k := range keys {
		parts[i] = m[k]
	}
	return string(yson.MustMarshal(parts))
}

func cmdInsertRows(p *Platform, c *call) (any, error) {
	n, err := p.mountedTable(c)
	if err != nil {
		return nil, err
	}
	rows, err := c.rows()
	if err != nil {
		return nil, err
	}
	keys := keyColumns(n)
	if len(keys) == 0 {
		n.rows = append(n.rows, rows...)
		return nil, nil
	}
	update := c.bool("update")
	for _, row := range rows {
		key := rowKey(row, keys)
		replaced := false
		for i, existing := range n.rows {
			if rowKey(existing, keys) != key {
				continue
			}
			if update {
				merged, _ := yson.Map(yson.Clone(existing))
				incoming, _ := yson.Map(row)
				for k, v := range incoming {
					merged[k] = v
				}
				row = merged
			}
			n.rows[i] = row
			replaced = true
			break
		}
		if !replaced {
			n.rows = append(n.rows, row)
		}
	}
	sortRows(n.rows, keys)
	return nil, nil
}

func cmdDeleteRows(p *Platform, c *call) (any, error) {
	n, err := p.mountedTable(c)
	if err != nil {
		return nil, err
	}
	keys := keyColumns(n)
	if len(keys) == 0 {
		return nil, errorf(1, "Cannot delete rows from ordered table %s", p.pathOf(n))
	}
	rows, err := c.rows()
	if err != nil {
		return nil, err
	}
	drop := make(map[string]bool, len(rows))
	for _, r := range rows {
		drop[rowKey(r, keys)] = true
	}
	kept := n.rows[:0]
	for _, r := range n.rows {
		if !drop[rowKey(r, keys)] {
			kept = append(kept, r)
		}
	}
	n.rows = kept
	return nil, nil
}

func cmdLookupRows(p *Platform, c *call) (any, error) {
	n, err := p.mountedTable(c)
	if err != nil {
		return nil, err
	}
	keys := keyColumns(n)
	rows, err := c.rows()
	if err != nil {
		return nil, err
	}
	index := make(map[string]any, len(n.rows))
	for _, r := range n.rows {
		index[rowKey(r, keys)] = r
	}
	var out []any
	for _, k := range rows {
		if r, ok := index[rowKey(k, keys)]; ok {
			out = append(out, yson.Clone(r))
		} else if c.bool("keep_missing_rows") {
			out = append(out, yson.Entity{})
		}
	}
	return project(out, c.strings("column_names")), nil
}

var selectQuery = regexp.MustCompile(`^\s*(.+?)\s+from\s+\[([^\]]+)\]\s*(?:limit\s+(\d+))?\s*$`)

// cmdSelectRows supports "<columns> from [<path>] [limit N]"
func cmdSelectRows(p *Platform, c *call) (any, error) {
	m := selectQuery.FindStringSubmatch(c.str("query"))
	if m == nil {
		return nil, errorf(1, "Unsupported query %q", c.str("query"))
	}
	tablePath, err := parsePath(m[2])
	if err != nil {
		return nil, err
	}
	sub := &call{params: map[string]any{"path": tablePath.raw}}
	n, err := p.mountedTable(sub)
	if err != nil {
		return nil, err
	}
	var columns []string
	if sel := strings.TrimSpace(m[1]); sel != "*" {
		for _, col := range strings.Split(sel, ",") {
			columns = append(columns, strings.TrimSpace(col))
		}
	}
	rows := project(n.rows, columns)
	if m[3] != "" {
		if limit, err := strconv.Atoi(m[3]); err == nil && limit < len(rows) {
			rows = rows[:limit]
		}
	}
	return rows, nil
}

func tabletTransition(from, during, to string) handler {
	return func(p *Platform, c *call) (any, error) {
		n, _, err := p.resolveKind(c, "table")
		if err != nil {
			return nil, err
		}
		if dynamic, _ := yson.Bool(n.attrs["dynamic"]); !dynamic {
			return nil, errorf(1, "Table %s is not dynamic", p.pathOf(n))
		}
		target := to
		if c.command == "mount_table" && c.bool("freeze") {
			target = "frozen"
		}
		state, _ := yson.String(n.attrs["tablet_state"])
		if state == target && from != to {
			return nil, nil
		}
		if from != "" && state != from {
			return nil, errorf(driver.CodeInvalidObjectLifeStage,
				"Cannot %s table %s in tablet state %s", c.command, p.pathOf(n), state)
		}
		if p.opts.MountDelay <= 0 {
			n.attrs["tablet_state"] = target
			return nil, nil
		}
		n.attrs["tablet_state"] = during
		time.AfterFunc(p.opts.MountDelay, func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			if cur, _ := yson.String(n.attrs["tablet_state"]); cur == during {
				n.attrs["tablet_state"] = target
			}
		})
		return nil, nil
	}
}

func cmdReshardTable(p *Platform, c *call) (any, error) {
	n, _, err := p.resolveKind(c, "table")
	if err != nil {
		return nil, err
	}
	if state, _ := yson.String(n.attrs["tablet_state"]); state != "unmounted" {
		return nil, errorf(driver.CodeInvalidObjectLifeStage, "Table %s must be unmounted to reshard", p.pathOf(n))
	}
	count := c.int("tablet_count", 0)
	if pivots, ok := yson.List(c.params["pivot_keys"]); ok {
		count = int64(len(pivots))
		n.attrs["pivot_keys"] = yson.Clone(pivots)
	}
	if count <= 0 {
		return nil, errorf(1, "Reshard requires pivot_keys or a positive tablet_count")
	}
	n.attrs["tablet_count"] = count
	return nil, nil
}

func project(rows []any, columns []string) []any {
	out := make([]any, 0, len(rows))
	for _, r := range rows {
		if len(columns) == 0 {
			out = append(out, yson.Clone(r))
			continue
		}
		m, ok := yson.Map(r)
		if !ok {
			out = append(out, r)
			continue
		}
		projected := make(map[string]any, len(columns))
		for _, col := range columns {
			if v, ok := m[col]; ok {
				projected[col] = yson.Clone(v)
			}
		}
		out = append(out, projected)
	}
	return out
}

func sortRows(rows []any, keys []string) {
	sort.SliceStable(rows, func(i, j int) bool {
		a, _ := yson.Map(rows[i])
		b, _ := yson.Map(rows[j])
		for _, k := range keys {
			if c := compareValues(a[k], b[k]); c != 0 {
				return c < 0
			}
		}
		return false
	})
}

// compareValues orders null before numbers before strings before booleans
func compareValues(a, b any) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return ra - rb
	}
	switch x := yson.Unwrap(a).(type) {
	case string:
		y, _ := yson.String(b)
		return strings.Compare(x, y)
	case bool:
		y, _ := yson.Bool(b)
		switch {
		case x == y:
			return 0
		case !x:
			return -1
		}
		return 1
	case nil:
		return 0
	}
	fa, fb := number(a), number(b)
	switch {
	case fa < fb:
		return -1
	case fa > fb:
		return 1
	}
	return 0
}

func rank(v any) int {
	switch yson.Unwrap(v).(type) {
	case nil, yson.Entity:
		return 0
	case int64, uint64, float64, int:
		return 1
	case string:
		return 2
	case bool:
		return 3
	}
	return 4
}

func number(v any) float64 {
	switch x := yson.Unwrap(v).(type) {
	case int64:
		return float64(x)
	case uint64:
		return float64(x)
	case float64:
		return x
	case int:
		return float64(x)
	}
	return 0
}

func toList(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
