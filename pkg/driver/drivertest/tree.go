package drivertest

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/testenv/pkg/driver"
	"github.com/cuemby/testenv/pkg/yson"
)

const timeFormat = "2006-01-02T15:04:05.000000Z"

// node is one Cypress node or object
type node struct {
	kind     string
	id       string
	key      string
	parent   *node
	attrs    map[string]any
	children map[string]*node
	created  time.Time
	modified time.Time
	owner    string

	// value holds the content of document and scalar nodes
	value any
	// rows holds table and journal content
	rows []any
	// data holds file content
	data   []byte
	target string
	locks  []*lockEntry

	// gen computes virtual content on every access
	gen func() any
	// drop removes one key below a virtual node
	drop func(key string) error
}

var mapKinds = map[string]bool{
	"map_node":            true,
	"portal_entrance":     true,
	"scheduler_pool_tree": true,
	"scheduler_pool":      true,
	"cluster_node":        true,
}

var valueKinds = map[string]bool{
	"document":     true,
	"string_node":  true,
	"int64_node":   true,
	"uint64_node":  true,
	"double_node":  true,
	"boolean_node": true,
	"list_node":    true,
}

func (n *node) isMap() bool   { return mapKinds[n.kind] }
func (n *node) isValue() bool { return valueKinds[n.kind] }

func (n *node) builtin() bool {
	b, _ := yson.Bool(n.attrs["builtin"])
	return b
}

// ypath is a parsed Cypress path
type ypath struct {
	raw      string
	id       string
	nodes    []string
	attr     []string
	hasAttr  bool
	noFollow bool
	wildcard bool
}

func parsePath(s string) (ypath, error) {
	p := ypath{raw: s}
	var rest string
	switch {
	case s == "/" || s == "//":
		return p, nil
	case strings.HasPrefix(s, "//"):
		rest = s[2:]
	case strings.HasPrefix(s, "/@"):
		rest = s[1:]
	case strings.HasPrefix(s, "#"):
		id, tail, _ := strings.Cut(s[1:], "/")
		p.id = id
		rest = tail
	default:
		return p, errorf(1, "Error parsing YPath %q: path must start with \"/\" or \"#\"", s)
	}
	if rest == "" {
		return p, nil
	}
	parts := strings.Split(rest, "/")
	for i, part := range parts {
		if strings.HasPrefix(part, "@") {
			p.hasAttr = true
			if name := part[1:]; name != "" {
				p.attr = append(p.attr, name)
			}
			p.attr = append(p.attr, parts[i+1:]...)
			break
		}
		if part == "" {
			return p, errorf(1, "Error parsing YPath %q: empty token", s)
		}
		last := i == len(parts)-1
		if last && part == "*" {
			p.wildcard = true
			break
		}
		if (last || strings.HasPrefix(parts[i+1], "@")) && strings.HasSuffix(part, "&") {
			p.noFollow = true
			part = strings.TrimSuffix(part, "&")
		}
		p.nodes = append(p.nodes, part)
	}
	return p, nil
}

func (p ypath) prefix(i int) string {
	base := "/"
	if p.id != "" {
		base = "#" + p.id
	}
	if i == 0 {
		return base
	}
	if p.id != "" {
		return base + "/" + strings.Join(p.nodes[:i], "/")
	}
	return "//" + strings.Join(p.nodes[:i], "/")
}

func (p ypath) parent() (ypath, string) {
	parent := p
	parent.nodes = p.nodes[:len(p.nodes)-1]
	parent.hasAttr, parent.attr, parent.noFollow, parent.wildcard = false, nil, false, false
	return parent, p.nodes[len(p.nodes)-1]
}

func resolveError(p ypath, i int) *driver.Error {
	return errorf(driver.CodeResolveError, "Error resolving path %s: node %s has no child with key %q",
		p.raw, p.prefix(i), p.nodes[i])
}

func (pl *Platform) newNode(kind string) *node {
	now := time.Now()
	n := &node{
		kind:     kind,
		id:       newID(),
		attrs:    make(map[string]any),
		created:  now,
		modified: now,
		owner:    "root",
	}
	if mapKinds[kind] {
		n.children = make(map[string]*node)
	}
	pl.ids[n.id] = n
	return n
}

func (pl *Platform) attach(parent *node, key string, n *node) {
	n.parent = parent
	n.key = key
	parent.children[key] = n
	parent.modified = time.Now()
}

func (pl *Platform) follow(n *node, depth int) (*node, error) {
	for n.kind == "link" {
		if depth > 8 {
			return nil, errorf(1, "Link chain is too long")
		}
		p, err := parsePath(n.target)
		if err != nil {
			return nil, err
		}
		target, rest, err := pl.resolve(p)
		if err != nil {
			return nil, errorf(driver.CodeResolveError, "Link target %s is missing", n.target)
		}
		if len(rest) > 0 {
			return nil, errorf(1, "Link target %s is not a node", n.target)
		}
		n = target
		depth++
	}
	return n, nil
}

// resolve walks a path to the deepest real node. rest holds the components
// below a document or virtual node.
func (pl *Platform) resolve(p ypath) (n *node, rest []string, err error) {
	cur := pl.root
	if p.id != "" {
		if cur = pl.ids[p.id]; cur == nil {
			return nil, nil, errorf(driver.CodeResolveError, "No such object %s", p.id)
		}
	}
	for i, comp := range p.nodes {
		if cur, err = pl.follow(cur, 0); err != nil {
			return nil, nil, err
		}
		if cur.gen != nil || cur.isValue() {
			return cur, p.nodes[i:], nil
		}
		child, ok := cur.children[comp]
		if !ok {
			return nil, nil, resolveError(p, i)
		}
		cur = child
	}
	if !p.noFollow {
		if cur, err = pl.follow(cur, 0); err != nil {
			return nil, nil, err
		}
	}
	return cur, nil, nil
}

// ensureParent resolves the parent map of p, creating map nodes on the way when recursive
func (pl *Platform) ensureParent(p ypath, recursive bool, user string) (*node, string, error) {
	if len(p.nodes) == 0 {
		return nil, "", errorf(1, "Node %s has no parent", p.raw)
	}
	cur := pl.root
	if p.id != "" {
		if cur = pl.ids[p.id]; cur == nil {
			return nil, "", errorf(driver.CodeResolveError, "No such object %s", p.id)
		}
	}
	last := len(p.nodes) - 1
	for i, comp := range p.nodes[:last] {
		var err error
		if cur, err = pl.follow(cur, 0); err != nil {
			return nil, "", err
		}
		if !cur.isMap() {
			return nil, "", errorf(1, "Node %s cannot have children", p.prefix(i))
		}
		child, ok := cur.children[comp]
		if !ok {
			if !recursive {
				return nil, "", resolveError(p, i)
			}
			child = pl.newNode("map_node")
			child.owner = user
			pl.attach(cur, comp, child)
		}
		cur = child
	}
	cur, err := pl.follow(cur, 0)
	if err != nil {
		return nil, "", err
	}
	if !cur.isMap() {
		return nil, "", errorf(1, "Node %s cannot have children", p.prefix(last))
	}
	return cur, p.nodes[last], nil
}

func (pl *Platform) pathOf(n *node) string {
	var parts []string
	for cur := n; cur.parent != nil; cur = cur.parent {
		parts = append(parts, cur.key)
	}
	if len(parts) == 0 {
		if n == pl.root {
			return "/"
		}
		return "#" + n.id
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return "//" + strings.Join(parts, "/")
}

func (pl *Platform) typeOf(n *node) string {
	if n.gen != nil {
		return "map_node"
	}
	return n.kind
}

var readOnlyAttrs = map[string]bool{
	"type": true, "id": true, "key": true, "path": true, "count": true, "child_count": true,
	"row_count": true, "locks": true, "lock_count": true, "creation_time": true,
	"modification_time": true, "tablet_state": true, "uncompressed_data_size": true,
}

// attribute returns a system or user attribute of n
func (pl *Platform) attribute(n *node, name string) (any, bool) {
	switch name {
	case "type":
		return pl.typeOf(n), true
	case "id":
		return n.id, true
	case "key":
		if n.parent != nil {
			return n.key, true
		}
		return nil, false
	case "path":
		return pl.pathOf(n), true
	case "owner":
		return n.owner, true
	case "account":
		for cur := n; cur != nil; cur = cur.parent {
			if v, ok := cur.attrs["account"]; ok {
				return v, true
			}
		}
		return nil, false
	case "creation_time":
		return n.created.UTC().Format(timeFormat), true
	case "modification_time":
		return n.modified.UTC().Format(timeFormat), true
	case "count", "child_count":
		switch {
		case n.gen != nil:
			m, _ := yson.Map(n.gen())
			return int64(len(m)), true
		case n.isMap():
			return int64(len(n.children)), true
		}
		return nil, false
	case "row_count", "chunk_row_count":
		if n.kind == "table" || n.kind == "journal" {
			return int64(len(n.rows)), true
		}
		return nil, false
	case "uncompressed_data_size":
		if n.kind == "file" {
			return int64(len(n.data)), true
		}
		return nil, false
	case "target_path":
		if n.kind == "link" {
			return n.target, true
		}
		return nil, false
	case "locks":
		return pl.lockList(n), true
	case "lock_count":
		return int64(len(n.locks)), true
	}
	v, ok := n.attrs[name]
	return yson.Clone(v), ok
}

func (pl *Platform) allAttributes(n *node) map[string]any {
	out := make(map[string]any, len(n.attrs)+8)
	for k, v := range n.attrs {
		out[k] = yson.Clone(v)
	}
	for _, name := range []string{"type", "id", "key", "path", "owner", "creation_time", "modification_time",
		"count", "row_count", "uncompressed_data_size", "target_path", "locks", "lock_count"} {
		if v, ok := pl.attribute(n, name); ok {
			out[name] = v
		}
	}
	return out
}

func (pl *Platform) decorate(n *node, v any, attrs []string) any {
	if len(attrs) == 0 {
		return v
	}
	a := make(map[string]any, len(attrs))
	for _, name := range attrs {
		if val, ok := pl.attribute(n, name); ok {
			a[name] = val
		}
	}
	if len(a) == 0 {
		return v
	}
	return yson.Attributed{Attrs: a, Value: v}
}

// render returns the content of n with the requested attributes at every level
func (pl *Platform) render(n *node, attrs []string) any {
	if target, err := pl.follow(n, 0); err == nil {
		n = target
	}
	var v any
	switch {
	case n.gen != nil:
		v = shape(n.gen(), attrs)
	case n.isMap():
		m := make(map[string]any, len(n.children))
		for k, c := range n.children {
			m[k] = pl.render(c, attrs)
		}
		v = m
	case n.isValue():
		v = yson.Clone(n.value)
	default:
		v = yson.Entity{}
	}
	return pl.decorate(n, v, attrs)
}

// shape restricts attributes of a virtual tree to the requested ones
func shape(v any, attrs []string) any {
	switch x := v.(type) {
	case yson.Attributed:
		inner := shape(x.Value, attrs)
		kept := make(map[string]any)
		for _, name := range attrs {
			if val, ok := x.Attrs[name]; ok {
				kept[name] = val
			}
		}
		if len(kept) == 0 {
			return inner
		}
		return yson.Attributed{Attrs: kept, Value: inner}
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[k] = shape(item, attrs)
		}
		return out
	default:
		return v
	}
}

func (pl *Platform) content(n *node) any {
	if n.gen != nil {
		return n.gen()
	}
	return n.value
}

func lookupRest(base any, p ypath, rest []string) (any, error) {
	v, ok := yson.Lookup(base, strings.Join(rest, "/"))
	if !ok {
		return nil, errorf(driver.CodeResolveError, "Error resolving path %s: no such key %q", p.raw, strings.Join(rest, "/"))
	}
	return v, nil
}

func (pl *Platform) getPath(p ypath, attrs []string) (any, error) {
	n, rest, err := pl.resolve(p)
	if err != nil {
		return nil, err
	}
	if len(rest) > 0 {
		v, err := lookupRest(pl.content(n), p, rest)
		if err != nil {
			return nil, err
		}
		if p.hasAttr {
			return attrOfValue(v, p)
		}
		return shape(v, attrs), nil
	}
	if p.hasAttr {
		return pl.getAttribute(n, p)
	}
	return pl.render(n, attrs), nil
}

func attrOfValue(v any, p ypath) (any, error) {
	attrs := yson.AttrsOf(v)
	if len(p.attr) == 0 {
		return yson.Clone(attrs), nil
	}
	val, ok := attrs[p.attr[0]]
	if !ok {
		return nil, errorf(driver.CodeResolveError, "Attribute %q is not found at %s", p.attr[0], p.raw)
	}
	return lookupRest(val, p, p.attr[1:])
}

func (pl *Platform) getAttribute(n *node, p ypath) (any, error) {
	if len(p.attr) == 0 {
		return pl.allAttributes(n), nil
	}
	v, ok := pl.attribute(n, p.attr[0])
	if !ok {
		return nil, errorf(driver.CodeResolveError, "Attribute %q is not found at %s", p.attr[0], p.raw)
	}
	if len(p.attr) == 1 {
		return v, nil
	}
	return lookupRest(v, p, p.attr[1:])
}

func (pl *Platform) exists(p ypath) bool {
	_, err := pl.getPath(p, nil)
	return err == nil
}

func (pl *Platform) listPath(p ypath, attrs []string) ([]any, error) {
	n, rest, err := pl.resolve(p)
	if err != nil {
		return nil, err
	}
	if p.hasAttr {
		v, err := pl.getPath(p, nil)
		if err != nil {
			return nil, err
		}
		m, ok := yson.Map(v)
		if !ok {
			return nil, errorf(1, "Cannot list %s", p.raw)
		}
		return sortedKeys(m, nil), nil
	}
	if len(rest) > 0 || n.gen != nil {
		v := pl.content(n)
		if len(rest) > 0 {
			if v, err = lookupRest(v, p, rest); err != nil {
				return nil, err
			}
		}
		m, ok := yson.Map(v)
		if !ok {
			return nil, errorf(1, "Cannot list nodes of type other than map at %s", p.raw)
		}
		return sortedKeys(m, attrs), nil
	}
	if !n.isMap() {
		return nil, errorf(1, "Cannot list node %s of type %s", p.raw, n.kind)
	}
	keys := make([]string, 0, len(n.children))
	for k := range n.children {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]any, 0, len(keys))
	for _, k := range keys {
		out = append(out, pl.decorate(n.children[k], k, attrs))
	}
	return out, nil
}

func sortedKeys(m map[string]any, attrs []string) []any {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]any, 0, len(keys))
	for _, k := range keys {
		out = append(out, shape(yson.Attributed{Attrs: yson.AttrsOf(m[k]), Value: k}, attrs))
	}
	return out
}

// build turns a structured value into a node tree the way set does
func (pl *Platform) build(v any, user string) *node {
	var n *node
	switch x := yson.Unwrap(v).(type) {
	case map[string]any:
		n = pl.newNode("map_node")
		for k, item := range x {
			pl.attach(n, k, pl.build(item, user))
		}
	case []any:
		n = pl.newNode("list_node")
		n.value = yson.Clone(x)
	case string:
		n = pl.newNode("string_node")
		n.value = x
	case int64, int:
		n = pl.newNode("int64_node")
		n.value = x
	case uint64:
		n = pl.newNode("uint64_node")
		n.value = x
	case float64:
		n = pl.newNode("double_node")
		n.value = x
	case bool:
		n = pl.newNode("boolean_node")
		n.value = x
	default:
		n = pl.newNode("document")
		n.value = yson.Clone(x)
	}
	n.owner = user
	for k, a := range yson.AttrsOf(v) {
		n.attrs[k] = yson.Clone(a)
	}
	return n
}

func (pl *Platform) setPath(p ypath, value any, recursive, force bool, user string) error {
	if p.wildcard {
		return errorf(1, "Cannot set %s", p.raw)
	}
	if p.hasAttr {
		n, rest, err := pl.resolve(p)
		if err != nil {
			return err
		}
		if len(rest) > 0 {
			return errorf(1, "Cannot set attributes of virtual node %s", p.raw)
		}
		return pl.setAttribute(n, p.attr, value)
	}

	if len(p.nodes) == 0 && p.id == "" {
		return errorf(1, "Cannot set the root node")
	}
	if n, rest, err := pl.resolve(p); err == nil {
		switch {
		case len(rest) > 0 && n.gen != nil:
			return errorf(1, "Cannot set virtual node %s", p.raw)
		case len(rest) > 0:
			updated, err := setIn(n.value, rest, yson.Clone(value))
			if err != nil {
				return err
			}
			n.value = updated
			n.modified = time.Now()
			return nil
		case n.kind == "document":
			n.value = yson.Clone(value)
			n.modified = time.Now()
			return nil
		case n.builtin():
			return errorf(1, "Cannot replace built-in node %s", p.raw)
		}
		if n.parent == nil {
			return errorf(1, "Cannot replace node %s", p.raw)
		}
		parent, key := n.parent, n.key
		attrs := n.attrs
		pl.detach(n)
		replacement := pl.build(value, user)
		for k, v := range attrs {
			if _, ok := replacement.attrs[k]; !ok {
				replacement.attrs[k] = v
			}
		}
		pl.attach(parent, key, replacement)
		return nil
	}

	parent, key, err := pl.ensureParent(p, recursive, user)
	if err != nil {
		return err
	}
	if parent.gen != nil {
		return errorf(1, "Cannot set virtual node %s", p.raw)
	}
	pl.attach(parent, key, pl.build(value, user))
	return nil
}

func (pl *Platform) setAttribute(n *node, attr []string, value any) error {
	if len(attr) == 0 {
		m, ok := yson.Map(value)
		if !ok {
			return errorf(1, "Attributes must be a map")
		}
		for k, v := range m {
			if err := pl.setAttribute(n, []string{k}, v); err != nil {
				return err
			}
		}
		return nil
	}
	name := attr[0]
	if readOnlyAttrs[name] {
		return errorf(1, "Attribute %q cannot be set", name)
	}
	if len(attr) == 1 {
		n.attrs[name] = yson.Clone(value)
	} else {
		updated, err := setIn(n.attrs[name], attr[1:], yson.Clone(value))
		if err != nil {
			return err
		}
		n.attrs[name] = updated
	}
	n.modified = time.Now()
	return nil
}

// setIn stores v at path inside a generic tree, creating maps on the way
func setIn(tree any, path []string, v any) (any, error) {
	if len(path) == 0 {
		return v, nil
	}
	switch x := yson.Unwrap(tree).(type) {
	case nil:
		child, err := setIn(nil, path[1:], v)
		if err != nil {
			return nil, err
		}
		return map[string]any{path[0]: child}, nil
	case map[string]any:
		child, err := setIn(x[path[0]], path[1:], v)
		if err != nil {
			return nil, err
		}
		x[path[0]] = child
		return x, nil
	case []any:
		i, err := strconv.Atoi(path[0])
		if err != nil || i < 0 || i >= len(x) {
			return nil, errorf(driver.CodeResolveError, "Invalid list index %q", path[0])
		}
		child, err := setIn(x[i], path[1:], v)
		if err != nil {
			return nil, err
		}
		x[i] = child
		return x, nil
	default:
		return nil, errorf(1, "Cannot set key %q of a scalar", path[0])
	}
}

func removeIn(tree any, path []string) error {
	parent, ok := yson.Lookup(tree, strings.Join(path[:len(path)-1], "/"))
	if !ok {
		return errorf(driver.CodeResolveError, "No such key %q", strings.Join(path, "/"))
	}
	m, ok := yson.Map(parent)
	if !ok {
		return errorf(1, "Cannot remove key %q", path[len(path)-1])
	}
	if _, ok := m[path[len(path)-1]]; !ok {
		return errorf(driver.CodeResolveError, "No such key %q", strings.Join(path, "/"))
	}
	delete(m, path[len(path)-1])
	return nil
}

func (pl *Platform) removePath(p ypath, recursive, force bool) error {
	n, rest, err := pl.resolve(p)
	if err != nil {
		if force {
			return nil
		}
		return err
	}

	if p.hasAttr {
		if len(p.attr) == 0 || len(rest) > 0 {
			return errorf(1, "Cannot remove attributes of %s", p.raw)
		}
		if _, ok := n.attrs[p.attr[0]]; !ok {
			if force {
				return nil
			}
			return errorf(driver.CodeResolveError, "Attribute %q is not found", p.attr[0])
		}
		if len(p.attr) == 1 {
			delete(n.attrs, p.attr[0])
			return nil
		}
		return removeIn(n.attrs[p.attr[0]], p.attr[1:])
	}

	switch {
	case n.gen != nil && len(rest) == 1:
		if n.drop == nil {
			return errorf(1, "Cannot remove virtual node %s", p.raw)
		}
		return n.drop(rest[0])
	case n.gen != nil && len(rest) == 0 && p.wildcard:
		if n.drop == nil {
			return errorf(1, "Cannot remove virtual node %s", p.raw)
		}
		m, _ := yson.Map(n.gen())
		for k := range m {
			if err := n.drop(k); err != nil {
				return err
			}
		}
		return nil
	case len(rest) > 0 && n.isValue():
		err := removeIn(n.value, rest)
		if err != nil && force {
			return nil
		}
		return err
	case len(rest) > 0:
		return errorf(1, "Cannot remove %s", p.raw)
	}

	if p.wildcard {
		if !n.isMap() {
			return errorf(1, "Cannot remove children of %s", p.raw)
		}
		for _, child := range n.children {
			if err := pl.removeNode(child, true); err != nil {
				return err
			}
		}
		return nil
	}
	return pl.removeNode(n, recursive)
}

func (pl *Platform) removeNode(n *node, recursive bool) error {
	if n == pl.root || n.parent == nil && n.kind == "map_node" {
		return errorf(1, "Cannot remove the root")
	}
	if n.builtin() {
		return errorf(1, "Cannot remove a built-in object %s", pl.pathOf(n))
	}
	if n.isMap() && len(n.children) > 0 && !recursive {
		return errorf(1, "Cannot remove non-empty composite node %s", pl.pathOf(n))
	}
	for _, l := range n.locks {
		if tx := pl.txs[l.tx]; tx != nil && l.mode == "exclusive" {
			return errorf(driver.CodeConcurrentLockConflict,
				"Cannot remove node %s since it is locked by transaction %s", pl.pathOf(n), l.tx)
		}
	}
	if n.kind == "account" {
		name, _ := yson.String(n.attrs["name"])
		for _, other := range pl.collection("accounts").children {
			if parent, _ := yson.String(other.attrs["parent_name"]); parent == name {
				if err := pl.removeNode(other, true); err != nil {
					return err
				}
			}
		}
	}
	if n.kind == "user" || n.kind == "group" {
		name, _ := yson.String(n.attrs["name"])
		for _, g := range pl.collection("groups").children {
			removeMember(g, name)
		}
	}
	pl.detach(n)
	return nil
}

func (pl *Platform) detach(n *node) {
	if n.parent != nil {
		delete(n.parent.children, n.key)
		n.parent.modified = time.Now()
		n.parent = nil
	}
	pl.unindex(n)
}

func (pl *Platform) unindex(n *node) {
	delete(pl.ids, n.id)
	for _, c := range n.children {
		pl.unindex(c)
	}
}

// clone deep-copies a subtree with fresh ids
func (pl *Platform) clone(n *node) *node {
	c := pl.newNode(n.kind)
	c.owner = n.owner
	c.target = n.target
	for k, v := range n.attrs {
		c.attrs[k] = yson.Clone(v)
	}
	delete(c.attrs, "builtin")
	c.value = yson.Clone(n.value)
	c.rows = cloneRows(n.rows)
	c.data = append([]byte(nil), n.data...)
	for k, child := range n.children {
		pl.attach(c, k, pl.clone(child))
	}
	return c
}

func cloneRows(rows []any) []any {
	if rows == nil {
		return nil
	}
	out := make([]any, len(rows))
	for i, r := range rows {
		out[i] = yson.Clone(r)
	}
	return out
}

func errorf(code int, format string, args ...any) *driver.Error {
	return driver.NewError(code, fmt.Sprintf(format, args...))
}
