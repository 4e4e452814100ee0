package yson

import (
	"bytes"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// Attributed is a value decorated with YSON attributes, written as <k=v>value
type Attributed struct {
	Attrs map[string]any
	Value any
}

// Entity is the YSON entity value #. It is decoded from # and encodes as #.
type Entity struct{}

// Marshal encodes v as compact YSON text
func Marshal(v any) ([]byte, error) {
	e := &encoder{}
	if err := e.encode(v, 0); err != nil {
		return nil, err
	}
	return e.buf.Bytes(), nil
}

// MarshalPretty encodes v as indented YSON text, one map entry per line
func MarshalPretty(v any) ([]byte, error) {
	e := &encoder{pretty: true}
	if err := e.encode(v, 0); err != nil {
		return nil, err
	}
	e.buf.WriteByte('\n')
	return e.buf.Bytes(), nil
}

// MarshalListFragment encodes rows as a list fragment: one item per line, each followed by ';'
func MarshalListFragment(rows []any) ([]byte, error) {
	e := &encoder{}
	for _, row := range rows {
		if err := e.encode(row, 0); err != nil {
			return nil, err
		}
		e.buf.WriteString(";\n")
	}
	return e.buf.Bytes(), nil
}

// MustMarshal is Marshal for values known to be encodable
func MustMarshal(v any) []byte {
	data, err := Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

type encoder struct {
	buf    bytes.Buffer
	pretty bool
}

func (e *encoder) indent(depth int) {
	if e.pretty {
		e.buf.WriteByte('\n')
		e.buf.WriteString(strings.Repeat("    ", depth))
	}
}

func (e *encoder) encode(v any, depth int) error {
	switch x := v.(type) {
	case nil:
		e.buf.WriteByte('#')
	case Entity:
		e.buf.WriteByte('#')
	case Attributed:
		if len(x.Attrs) > 0 {
			e.buf.WriteByte('<')
			if err := e.encodeMapBody(x.Attrs, depth); err != nil {
				return err
			}
			e.buf.WriteByte('>')
			if e.pretty {
				e.buf.WriteByte(' ')
			}
		}
		return e.encode(x.Value, depth)
	case *Attributed:
		if x == nil {
			e.buf.WriteByte('#')
			return nil
		}
		return e.encode(*x, depth)
	case bool:
		if x {
			e.buf.WriteString("%true")
		} else {
			e.buf.WriteString("%false")
		}
	case string:
		e.encodeString(x)
	case []byte:
		e.encodeString(string(x))
	case int:
		e.buf.WriteString(strconv.FormatInt(int64(x), 10))
	case int8:
		e.buf.WriteString(strconv.FormatInt(int64(x), 10))
	case int16:
		e.buf.WriteString(strconv.FormatInt(int64(x), 10))
	case int32:
		e.buf.WriteString(strconv.FormatInt(int64(x), 10))
	case int64:
		e.buf.WriteString(strconv.FormatInt(x, 10))
	case uint:
		e.buf.WriteString(strconv.FormatUint(uint64(x), 10) + "u")
	case uint8:
		e.buf.WriteString(strconv.FormatUint(uint64(x), 10) + "u")
	case uint16:
		e.buf.WriteString(strconv.FormatUint(uint64(x), 10) + "u")
	case uint32:
		e.buf.WriteString(strconv.FormatUint(uint64(x), 10) + "u")
	case uint64:
		e.buf.WriteString(strconv.FormatUint(x, 10) + "u")
	case float32:
		e.encodeFloat(float64(x))
	case float64:
		e.encodeFloat(x)
	case map[string]any:
		e.buf.WriteByte('{')
		if err := e.encodeMapBody(x, depth); err != nil {
			return err
		}
		e.buf.WriteByte('}')
	case []any:
		return e.encodeList(len(x), func(i int) any { return x[i] }, depth)
	default:
		return e.encodeReflect(reflect.ValueOf(v), depth)
	}
	return nil
}

func (e *encoder) encodeMapBody(m map[string]any, depth int) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		e.indent(depth + 1)
		e.encodeString(k)
		if e.pretty {
			e.buf.WriteString(" = ")
		} else {
			e.buf.WriteByte('=')
		}
		if err := e.encode(m[k], depth+1); err != nil {
			return fmt.Errorf("key %q: %w", k, err)
		}
		e.buf.WriteByte(';')
	}
	if len(keys) > 0 {
		e.indent(depth)
	}
	return nil
}

func (e *encoder) encodeList(n int, item func(int) any, depth int) error {
	e.buf.WriteByte('[')
	for i := 0; i < n; i++ {
		e.indent(depth + 1)
		if err := e.encode(item(i), depth+1); err != nil {
			return fmt.Errorf("item %d: %w", i, err)
		}
		e.buf.WriteByte(';')
	}
	if n > 0 {
		e.indent(depth)
	}
	e.buf.WriteByte(']')
	return nil
}

func (e *encoder) encodeReflect(rv reflect.Value, depth int) error {
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			e.buf.WriteByte('#')
			return nil
		}
		return e.encode(rv.Elem().Interface(), depth)
	case reflect.Slice, reflect.Array:
		return e.encodeList(rv.Len(), func(i int) any { return rv.Index(i).Interface() }, depth)
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return fmt.Errorf("yson: unsupported map key type %s", rv.Type().Key())
		}
		m := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			m[iter.Key().String()] = iter.Value().Interface()
		}
		return e.encode(m, depth)
	case reflect.String:
		e.encodeString(rv.String())
		return nil
	case reflect.Bool:
		return e.encode(rv.Bool(), depth)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return e.encode(rv.Int(), depth)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return e.encode(rv.Uint(), depth)
	case reflect.Float32, reflect.Float64:
		return e.encode(rv.Float(), depth)
	default:
		return fmt.Errorf("yson: unsupported type %s", rv.Type())
	}
}

func (e *encoder) encodeFloat(f float64) {
	switch {
	case math.IsNaN(f):
		e.buf.WriteString("%nan")
	case math.IsInf(f, 1):
		e.buf.WriteString("%inf")
	case math.IsInf(f, -1):
		e.buf.WriteString("%-inf")
	default:
		s := strconv.FormatFloat(f, 'g', -1, 64)
		if !strings.ContainsAny(s, ".eE") {
			s += "."
		}
		e.buf.WriteString(s)
	}
}

func (e *encoder) encodeString(s string) {
	if isIdentifier(s) {
		e.buf.WriteString(s)
		return
	}
	e.buf.WriteByte('"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '"':
			e.buf.WriteString(`\"`)
		case '\\':
			e.buf.WriteString(`\\`)
		case '\n':
			e.buf.WriteString(`\n`)
		case '\r':
			e.buf.WriteString(`\r`)
		case '\t':
			e.buf.WriteString(`\t`)
		default:
			if c < 0x20 || c >= 0x7f {
				fmt.Fprintf(&e.buf, `\x%02X`, c)
			} else {
				e.buf.WriteByte(c)
			}
		}
	}
	e.buf.WriteByte('"')
}

// isIdentifier reports whether s may be written without quotes
func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	c := s[0]
	if !(c == '_' || isLetter(c)) {
		return false
	}
	for i := 1; i < len(s); i++ {
		c := s[i]
		if !(c == '_' || c == '-' || c == '.' || isLetter(c) || isDigit(c)) {
			return false
		}
	}
	return true
}

func isLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
