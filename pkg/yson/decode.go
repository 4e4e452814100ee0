package yson

import (
	"errors"
	"fmt"
	"math"
	"strconv"
)

// ErrSyntax is wrapped by every decoding error
var ErrSyntax = errors.New("yson syntax error")

// Unmarshal decodes one YSON text value into a generic tree made of
// map[string]any, []any, string, int64, uint64, float64, bool, nil and Attributed.
func Unmarshal(data []byte) (any, error) {
	d := &decoder{data: data}
	d.skipSpace()
	v, err := d.value()
	if err != nil {
		return nil, err
	}
	d.skipSpace()
	if d.pos < len(d.data) {
		return nil, d.errorf("unexpected trailing data")
	}
	return v, nil
}

// UnmarshalListFragment decodes a ';'-separated sequence of values
func UnmarshalListFragment(data []byte) ([]any, error) {
	d := &decoder{data: data}
	var rows []any
	for {
		d.skipSpace()
		if d.pos >= len(d.data) {
			return rows, nil
		}
		v, err := d.value()
		if err != nil {
			return nil, err
		}
		rows = append(rows, v)
		d.skipSpace()
		if d.pos < len(d.data) {
			if d.data[d.pos] != ';' {
				return nil, d.errorf("expected ';' between list fragment items")
			}
			d.pos++
		}
	}
}

type decoder struct {
	data []byte
	pos  int
}

func (d *decoder) errorf(format string, args ...any) error {
	return fmt.Errorf("%w at offset %d: %s", ErrSyntax, d.pos, fmt.Sprintf(format, args...))
}

func (d *decoder) skipSpace() {
	for d.pos < len(d.data) {
		switch d.data[d.pos] {
		case ' ', '\t', '\n', '\r':
			d.pos++
		default:
			return
		}
	}
}

func (d *decoder) peek() (byte, bool) {
	if d.pos >= len(d.data) {
		return 0, false
	}
	return d.data[d.pos], true
}

func (d *decoder) value() (any, error) {
	c, ok := d.peek()
	if !ok {
		return nil, d.errorf("unexpected end of input")
	}

	if c == '<' {
		d.pos++
		attrs, err := d.mapBody('>')
		if err != nil {
			return nil, err
		}
		d.skipSpace()
		v, err := d.value()
		if err != nil {
			return nil, err
		}
		return Attributed{Attrs: attrs, Value: v}, nil
	}

	switch {
	case c == '{':
		d.pos++
		return d.mapBody('}')
	case c == '[':
		d.pos++
		return d.list()
	case c == '#':
		d.pos++
		return nil, nil
	case c == '%':
		return d.literal()
	case c == '"':
		return d.quoted()
	case c == '-' || c == '+' || isDigit(c):
		return d.number()
	case c == '_' || isLetter(c):
		return d.identifier(), nil
	default:
		return nil, d.errorf("unexpected character %q", c)
	}
}

func (d *decoder) mapBody(closing byte) (map[string]any, error) {
	m := make(map[string]any)
	for {
		d.skipSpace()
		c, ok := d.peek()
		if !ok {
			return nil, d.errorf("unterminated map")
		}
		if c == closing {
			d.pos++
			return m, nil
		}

		var key string
		switch {
		case c == '"':
			k, err := d.quoted()
			if err != nil {
				return nil, err
			}
			key = k
		case c == '_' || isLetter(c):
			key = d.identifier()
		case c == '%':
			// %true = {...} keys appear in dynamic node configs
			start := d.pos
			d.pos++
			for d.pos < len(d.data) && (isLetter(d.data[d.pos]) || d.data[d.pos] == '-') {
				d.pos++
			}
			key = string(d.data[start:d.pos])
		default:
			return nil, d.errorf("expected map key, got %q", c)
		}

		d.skipSpace()
		if c, ok := d.peek(); !ok || c != '=' {
			return nil, d.errorf("expected '=' after key %q", key)
		}
		d.pos++
		d.skipSpace()

		v, err := d.value()
		if err != nil {
			return nil, err
		}
		m[key] = v

		d.skipSpace()
		c, ok = d.peek()
		if !ok {
			return nil, d.errorf("unterminated map")
		}
		if c == ';' {
			d.pos++
		} else if c != closing {
			return nil, d.errorf("expected ';' or %q in map", closing)
		}
	}
}

func (d *decoder) list() ([]any, error) {
	items := []any{}
	for {
		d.skipSpace()
		c, ok := d.peek()
		if !ok {
			return nil, d.errorf("unterminated list")
		}
		if c == ']' {
			d.pos++
			return items, nil
		}
		v, err := d.value()
		if err != nil {
			return nil, err
		}
		items = append(items, v)

		d.skipSpace()
		c, ok = d.peek()
		if !ok {
			return nil, d.errorf("unterminated list")
		}
		if c == ';' {
			d.pos++
		} else if c != ']' {
			return nil, d.errorf("expected ';' or ']' in list")
		}
	}
}

func (d *decoder) literal() (any, error) {
	start := d.pos
	d.pos++
	for d.pos < len(d.data) && (isLetter(d.data[d.pos]) || d.data[d.pos] == '-') {
		d.pos++
	}
	switch word := string(d.data[start:d.pos]); word {
	case "%true":
		return true, nil
	case "%false":
		return false, nil
	case "%nan":
		return math.NaN(), nil
	case "%inf", "%+inf":
		return math.Inf(1), nil
	case "%-inf":
		return math.Inf(-1), nil
	default:
		d.pos = start
		return nil, d.errorf("unknown literal %q", word)
	}
}

func (d *decoder) identifier() string {
	start := d.pos
	for d.pos < len(d.data) {
		c := d.data[d.pos]
		if c == '_' || c == '-' || c == '.' || isLetter(c) || isDigit(c) {
			d.pos++
			continue
		}
		break
	}
	return string(d.data[start:d.pos])
}

func (d *decoder) number() (any, error) {
	start := d.pos
	if c := d.data[d.pos]; c == '-' || c == '+' {
		d.pos++
	}
	isFloat := false
	for d.pos < len(d.data) {
		c := d.data[d.pos]
		if isDigit(c) {
			d.pos++
			continue
		}
		if c == '.' || c == 'e' || c == 'E' {
			isFloat = true
			d.pos++
			if d.pos < len(d.data) && (c == 'e' || c == 'E') && (d.data[d.pos] == '-' || d.data[d.pos] == '+') {
				d.pos++
			}
			continue
		}
		break
	}
	text := string(d.data[start:d.pos])

	if d.pos < len(d.data) && d.data[d.pos] == 'u' {
		d.pos++
		u, err := strconv.ParseUint(text, 10, 64)
		if err != nil {
			return nil, d.errorf("bad unsigned integer %q", text)
		}
		return u, nil
	}
	if isFloat {
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return nil, d.errorf("bad float %q", text)
		}
		return f, nil
	}
	i, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return nil, d.errorf("bad integer %q", text)
	}
	return i, nil
}

func (d *decoder) quoted() (string, error) {
	d.pos++ // opening quote
	var out []byte
	for d.pos < len(d.data) {
		c := d.data[d.pos]
		switch c {
		case '"':
			d.pos++
			return string(out), nil
		case '\\':
			d.pos++
			if d.pos >= len(d.data) {
				return "", d.errorf("unterminated escape")
			}
			esc := d.data[d.pos]
			d.pos++
			switch esc {
			case 'n':
				out = append(out, '\n')
			case 'r':
				out = append(out, '\r')
			case 't':
				out = append(out, '\t')
			case '\\', '"', '\'':
				out = append(out, esc)
			case 'x':
				if d.pos+2 > len(d.data) {
					return "", d.errorf("short hex escape")
				}
				b, err := strconv.ParseUint(string(d.data[d.pos:d.pos+2]), 16, 8)
				if err != nil {
					return "", d.errorf("bad hex escape")
				}
				out = append(out, byte(b))
				d.pos += 2
			default:
				return "", d.errorf("unknown escape \\%c", esc)
			}
		default:
			out = append(out, c)
			d.pos++
		}
	}
	return "", d.errorf("unterminated string")
}
