package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/cuemby/testenv/pkg/layout"
	"github.com/cuemby/testenv/pkg/types"
	"github.com/cuemby/testenv/pkg/yson"
)

// Encode renders a document in the on-disk format of its role
func Encode(role types.Role, doc Document) ([]byte, error) {
	if role == types.RoleHTTPProxy {
		data, err := json.MarshalIndent(jsonTree(map[string]any(doc)), "", "    ")
		if err != nil {
			return nil, err
		}
		return append(data, '\n'), nil
	}
	return yson.MarshalPretty(map[string]any(doc))
}

// Write stores every document of the set under paths.Configs and returns
// the file paths per role, parallel to set.Roles.
func Write(set *Set, paths layout.Paths) (map[types.Role][]string, error) {
	written := make(map[types.Role][]string, len(set.Roles))
	for role, docs := range set.Roles {
		for i, doc := range docs {
			file := paths.ConfigPath(FileName(role, set.Names[role][i]))
			data, err := Encode(role, doc)
			if err != nil {
				return nil, &Error{Path: file, Msg: "failed to encode", Err: err}
			}
			if err := os.WriteFile(file, data, 0o644); err != nil {
				return nil, fmt.Errorf("failed to write config: %w", err)
			}
			written[role] = append(written[role], file)
		}
	}
	return written, nil
}

// Read loads a config file written by Write
func Read(role types.Role, file string) (Document, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}

	var tree any
	if role == types.RoleHTTPProxy {
		err = json.Unmarshal(data, &tree)
	} else {
		tree, err = yson.Unmarshal(data)
	}
	if err != nil {
		return nil, &Error{Path: file, Msg: "failed to parse", Err: err}
	}
	m, ok := tree.(map[string]any)
	if !ok {
		return nil, &Error{Path: file, Msg: fmt.Sprintf("root is %T, want map", tree)}
	}
	return Document(m), nil
}

// jsonTree rewrites attributed values as {"$attributes": ..., "$value": ...}
func jsonTree(v any) any {
	switch x := v.(type) {
	case yson.Attributed:
		return map[string]any{"$attributes": jsonTree(x.Attrs), "$value": jsonTree(x.Value)}
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[k] = jsonTree(item)
		}
		return out
	case Document:
		return jsonTree(map[string]any(x))
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = jsonTree(item)
		}
		return out
	default:
		return v
	}
}
