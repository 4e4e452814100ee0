package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cuemby/testenv/pkg/yson"
)

// ErrMissingKey is wrapped by lookups of required keys that are absent
var ErrMissingKey = errors.New("missing config key")

// Error describes an invalid config document
type Error struct {
	// Path is the config file or document name, if known
	Path string
	// Key is the slash-separated key that failed
	Key string
	Msg string
	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("config")
	if e.Path != "" {
		b.WriteString(" ")
		b.WriteString(e.Path)
	}
	if e.Key != "" {
		fmt.Fprintf(&b, " key %q", e.Key)
	}
	b.WriteString(": ")
	b.WriteString(e.Msg)
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// SafeGet looks up a slash-separated key in a document, failing with a
// *Error wrapping ErrMissingKey when any segment is absent.
func SafeGet(doc Document, path, key string) (any, error) {
	v, ok := yson.Lookup(map[string]any(doc), key)
	if !ok {
		return nil, &Error{Path: path, Key: key, Msg: "required key is missing", Err: ErrMissingKey}
	}
	return v, nil
}

// SafeGetString is SafeGet for string values
func SafeGetString(doc Document, path, key string) (string, error) {
	v, err := SafeGet(doc, path, key)
	if err != nil {
		return "", err
	}
	s, ok := yson.String(v)
	if !ok {
		return "", &Error{Path: path, Key: key, Msg: fmt.Sprintf("expected string, got %T", v)}
	}
	return s, nil
}
