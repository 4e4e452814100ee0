package yson

import (
	"strconv"
	"strings"
)

// Unwrap strips attributes from v
func Unwrap(v any) any {
	if a, ok := v.(Attributed); ok {
		return a.Value
	}
	return v
}

// AttrsOf returns the attributes of v, or nil
func AttrsOf(v any) map[string]any {
	if a, ok := v.(Attributed); ok {
		return a.Attrs
	}
	return nil
}

// Lookup walks a slash-separated path ("logging/writers/info/file_name") through
// maps and lists. Numeric segments index lists.
func Lookup(tree any, path string) (any, bool) {
	cur := tree
	if path == "" {
		return cur, true
	}
	for _, seg := range strings.Split(path, "/") {
		switch node := Unwrap(cur).(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

// Clone deep-copies maps, lists and attributes of a generic tree
func Clone(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[k] = Clone(item)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = Clone(item)
		}
		return out
	case []string:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = item
		}
		return out
	case Attributed:
		attrs, _ := Clone(x.Attrs).(map[string]any)
		return Attributed{Attrs: attrs, Value: Clone(x.Value)}
	default:
		return v
	}
}

// Int converts any decoded integer representation to int64
func Int(v any) (int64, bool) {
	switch x := Unwrap(v).(type) {
	case int64:
		return x, true
	case int:
		return int64(x), true
	case int32:
		return int64(x), true
	case uint64:
		return int64(x), true
	case uint32:
		return int64(x), true
	case float64:
		if x == float64(int64(x)) {
			return int64(x), true
		}
	}
	return 0, false
}

// String returns v as a string when it is one
func String(v any) (string, bool) {
	switch x := Unwrap(v).(type) {
	case string:
		return x, true
	case []byte:
		return string(x), true
	}
	return "", false
}

// Bool returns v as a bool when it is one
func Bool(v any) (bool, bool) {
	b, ok := Unwrap(v).(bool)
	return b, ok
}

// Map returns v as a map when it is one
func Map(v any) (map[string]any, bool) {
	m, ok := Unwrap(v).(map[string]any)
	return m, ok
}

// List returns v as a list when it is one
func List(v any) ([]any, bool) {
	l, ok := Unwrap(v).([]any)
	return l, ok
}

// Strings converts a list of strings, skipping non-string items
func Strings(v any) []string {
	l, _ := List(v)
	out := make([]string, 0, len(l))
	for _, item := range l {
		if s, ok := String(item); ok {
			out = append(out, s)
		}
	}
	return out
}
