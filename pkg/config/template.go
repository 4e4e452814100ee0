package config

import (
	"embed"
	"fmt"

	"github.com/cuemby/testenv/pkg/types"
	"github.com/cuemby/testenv/pkg/yson"
)

//go:embed templates/*.yson
var templates embed.FS

// connectionTemplate is the file name of the shared cluster connection defaults
const connectionTemplate = "connection"

// Document is one config tree
type Document map[string]any

// Clone deep-copies the document
func (d Document) Clone() Document {
	out, _ := yson.Clone(map[string]any(d)).(map[string]any)
	return Document(out)
}

// Template returns a fresh copy of the default document for a role
func Template(role types.Role) (Document, error) {
	return loadTemplate(string(role))
}

func loadTemplate(name string) (Document, error) {
	file := "templates/" + name + ".yson"
	data, err := templates.ReadFile(file)
	if err != nil {
		return nil, &Error{Path: file, Msg: "no template", Err: err}
	}
	tree, err := yson.Unmarshal(data)
	if err != nil {
		return nil, &Error{Path: file, Msg: "failed to parse template", Err: err}
	}
	m, ok := tree.(map[string]any)
	if !ok {
		return nil, &Error{Path: file, Msg: fmt.Sprintf("template root is %T, want map", tree)}
	}
	return Document(m), nil
}
