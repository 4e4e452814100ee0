package config

import (
	"github.com/cuemby/testenv/pkg/yson"
)

// Merge deep-merges patch into dst and returns dst. Maps are merged key by key;
// any other patch value, lists included, replaces the destination value.
// Patch values are copied so later mutation of dst never reaches the patch.
func Merge(dst Document, patch map[string]any) Document {
	if dst == nil {
		dst = Document{}
	}
	mergeMaps(dst, patch)
	return dst
}

func mergeMaps(dst, patch map[string]any) {
	for k, pv := range patch {
		pm, patchIsMap := pv.(map[string]any)
		if pd, ok := pv.(Document); ok {
			pm, patchIsMap = map[string]any(pd), true
		}
		if patchIsMap {
			if dm, ok := asMap(dst[k]); ok {
				mergeMaps(dm, pm)
				dst[k] = dm
				continue
			}
			dst[k] = yson.Clone(pm)
			continue
		}
		dst[k] = yson.Clone(pv)
	}
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Document:
		return map[string]any(m), true
	default:
		return nil, false
	}
}

// set assigns a value at a slash-separated key, creating intermediate maps
func set(doc Document, key string, value any) {
	cur := map[string]any(doc)
	segs := splitKey(key)
	for _, seg := range segs[:len(segs)-1] {
		next, ok := asMap(cur[seg])
		if !ok {
			next = map[string]any{}
			cur[seg] = next
		}
		cur = next
	}
	cur[segs[len(segs)-1]] = value
}

func splitKey(key string) []string {
	var segs []string
	start := 0
	for i := 0; i < len(key); i++ {
		if key[i] == '/' {
			segs = append(segs, key[start:i])
			start = i + 1
		}
	}
	return append(segs, key[start:])
}
