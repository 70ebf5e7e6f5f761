// Package phpserialize reads and writes PHP's serialize() value format and the
// "php" session serialize handler format built on top of it
// (`name|<value>name|<value>...`).
//
// Only the scalar types and arrays are supported. Objects and references are
// rejected, they have no meaningful Go representation for session payloads.
package phpserialize

import (
	"bytes"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// ErrSyntax is returned (wrapped) for malformed input.
var ErrSyntax = errors.New("phpserialize: syntax error")

// ErrUnsupported is returned (wrapped) for values that cannot be represented.
var ErrUnsupported = errors.New("phpserialize: unsupported value")

// Marshal encodes v in PHP serialize() format.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeValue(&buf, reflect.ValueOf(v)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes a single PHP serialized value.
// Non-empty arrays whose keys are exactly 0..n-1 in order decode to []any.
// Every other array, the empty one included, decodes to map[string]any.
// Integers decode to int, floats to float64.
//
// PHP arrays do not record whether they were built as lists or maps and PHP
// has a single integer type, so an empty []any, a map keyed "0".."n-1" and
// the sized integer types come back as map[string]any, []any and int.
func Unmarshal(data []byte) (any, error) {
	d := &decoder{data: data}
	v, err := d.value()
	if err != nil {
		return nil, err
	}
	if d.pos != len(d.data) {
		return nil, d.errorf("trailing data")
	}
	return v, nil
}

// EncodeSession encodes a session map in the php session handler format.
// Keys are written in sorted order so equal maps produce equal output.
func EncodeSession(values map[string]any) ([]byte, error) {
	keys := make([]string, 0, len(values))
	for k := range values {
		if strings.ContainsAny(k, "|!") {
			return nil, errors.Wrapf(ErrUnsupported, "session key %q contains a reserved character", k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	for _, k := range keys {
		buf.WriteString(k)
		buf.WriteByte('|')
		if err := encodeValue(&buf, reflect.ValueOf(values[k])); err != nil {
			return nil, errors.Wrapf(err, "session key %q", k)
		}
	}
	return buf.Bytes(), nil
}

// DecodeSession decodes the php session handler format. Empty input decodes
// to an empty, non-nil map.
func DecodeSession(data []byte) (map[string]any, error) {
	values := make(map[string]any)
	d := &decoder{data: data}
	for d.pos < len(d.data) {
		sep := bytes.IndexByte(d.data[d.pos:], '|')
		if sep < 0 {
			return nil, d.errorf("missing '|' after session key")
		}
		key := string(d.data[d.pos : d.pos+sep])
		d.pos += sep + 1
		v, err := d.value()
		if err != nil {
			return nil, errors.Wrapf(err, "session key %q", key)
		}
		values[key] = v
	}
	return values, nil
}

func encodeValue(buf *bytes.Buffer, v reflect.Value) error {
	if !v.IsValid() {
		buf.WriteString("N;")
		return nil
	}

	switch v.Kind() {
	case reflect.Interface, reflect.Pointer:
		if v.IsNil() {
			buf.WriteString("N;")
			return nil
		}
		return encodeValue(buf, v.Elem())
	case reflect.Bool:
		if v.Bool() {
			buf.WriteString("b:1;")
		} else {
			buf.WriteString("b:0;")
		}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		buf.WriteString("i:")
		buf.WriteString(strconv.FormatInt(v.Int(), 10))
		buf.WriteByte(';')
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		u := v.Uint()
		if u > math.MaxInt64 {
			return errors.Wrapf(ErrUnsupported, "integer %d overflows a PHP int", u)
		}
		buf.WriteString("i:")
		buf.WriteString(strconv.FormatUint(u, 10))
		buf.WriteByte(';')
	case reflect.Float32, reflect.Float64:
		buf.WriteString("d:")
		buf.WriteString(formatFloat(v.Float()))
		buf.WriteByte(';')
	case reflect.String:
		writeString(buf, v.String())
	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice && v.Type().Elem().Kind() == reflect.Uint8 {
			writeString(buf, string(v.Bytes()))
			return nil
		}
		buf.WriteString("a:")
		buf.WriteString(strconv.Itoa(v.Len()))
		buf.WriteString(":{")
		for i := 0; i < v.Len(); i++ {
			buf.WriteString("i:")
			buf.WriteString(strconv.Itoa(i))
			buf.WriteByte(';')
			if err := encodeValue(buf, v.Index(i)); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return errors.Wrapf(ErrUnsupported, "map key type %s", v.Type().Key())
		}
		keys := make([]string, 0, v.Len())
		for _, k := range v.MapKeys() {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		buf.WriteString("a:")
		buf.WriteString(strconv.Itoa(len(keys)))
		buf.WriteString(":{")
		for _, k := range keys {
			// PHP normalizes decimal string keys to integer keys.
			if n, ok := canonicalInt(k); ok {
				buf.WriteString("i:")
				buf.WriteString(strconv.FormatInt(n, 10))
				buf.WriteByte(';')
			} else {
				writeString(buf, k)
			}
			if err := encodeValue(buf, v.MapIndex(reflect.ValueOf(k).Convert(v.Type().Key()))); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return errors.Wrapf(ErrUnsupported, "type %s", v.Type())
	}
	return nil
}

func writeString(buf *bytes.Buffer, s string) {
	buf.WriteString("s:")
	buf.WriteString(strconv.Itoa(len(s)))
	buf.WriteString(`:"`)
	buf.WriteString(s)
	buf.WriteString(`";`)
}

func formatFloat(f float64) string {
	switch {
	case math.IsNaN(f):
		return "NAN"
	case math.IsInf(f, 1):
		return "INF"
	case math.IsInf(f, -1):
		return "-INF"
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func canonicalInt(s string) (int64, bool) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, strconv.FormatInt(n, 10) == s
}

// minElementSize is the length of the shortest array element, `i:0;N;`.
const minElementSize = 6

type decoder struct {
	data []byte
	pos  int
}

func (d *decoder) errorf(format string, args ...any) error {
	return errors.Wrapf(ErrSyntax, "offset %d: "+format, append([]any{d.pos}, args...)...)
}

func (d *decoder) expect(c byte) error {
	if d.pos >= len(d.data) || d.data[d.pos] != c {
		return d.errorf("expected %q", c)
	}
	d.pos++
	return nil
}

// until returns the bytes up to the next delim and moves past it.
func (d *decoder) until(delim byte) (string, error) {
	i := bytes.IndexByte(d.data[d.pos:], delim)
	if i < 0 {
		return "", d.errorf("expected %q", delim)
	}
	s := string(d.data[d.pos : d.pos+i])
	d.pos += i + 1
	return s, nil
}

func (d *decoder) value() (any, error) {
	if d.pos >= len(d.data) {
		return nil, d.errorf("unexpected end of input")
	}
	tag := d.data[d.pos]
	d.pos++

	if tag == 'N' {
		if err := d.expect(';'); err != nil {
			return nil, err
		}
		return nil, nil
	}
	if err := d.expect(':'); err != nil {
		return nil, err
	}

	switch tag {
	case 'b':
		s, err := d.until(';')
		if err != nil {
			return nil, err
		}
		switch s {
		case "0":
			return false, nil
		case "1":
			return true, nil
		}
		return nil, d.errorf("invalid bool %q", s)
	case 'i':
		s, err := d.until(';')
		if err != nil {
			return nil, err
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return nil, d.errorf("invalid int %q", s)
		}
		return n, nil
	case 'd':
		s, err := d.until(';')
		if err != nil {
			return nil, err
		}
		return parseFloat(s, d)
	case 's':
		return d.str()
	case 'a':
		return d.array()
	case 'O', 'C', 'r', 'R':
		return nil, errors.Wrapf(ErrUnsupported, "offset %d: type tag %q", d.pos-2, tag)
	}
	return nil, d.errorf("unknown type tag %q", tag)
}

func parseFloat(s string, d *decoder) (float64, error) {
	switch s {
	case "NAN":
		return math.NaN(), nil
	case "INF":
		return math.Inf(1), nil
	case "-INF":
		return math.Inf(-1), nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, d.errorf("invalid float %q", s)
	}
	return f, nil
}

// str decodes the remainder of s:<len>:"<bytes>"; after the tag.
func (d *decoder) str() (string, error) {
	ls, err := d.until(':')
	if err != nil {
		return "", err
	}
	n, err := strconv.Atoi(ls)
	if err != nil || n < 0 {
		return "", d.errorf("invalid string length %q", ls)
	}
	if err := d.expect('"'); err != nil {
		return "", err
	}
	if d.pos+n > len(d.data) {
		return "", d.errorf("string length %d exceeds input", n)
	}
	s := string(d.data[d.pos : d.pos+n])
	d.pos += n
	if err := d.expect('"'); err != nil {
		return "", err
	}
	if err := d.expect(';'); err != nil {
		return "", err
	}
	return s, nil
}

func (d *decoder) array() (any, error) {
	ls, err := d.until(':')
	if err != nil {
		return nil, err
	}
	n, err := strconv.Atoi(ls)
	if err != nil || n < 0 {
		return nil, d.errorf("invalid array length %q", ls)
	}
	if err := d.expect('{'); err != nil {
		return nil, err
	}
	if n > (len(d.data)-d.pos)/minElementSize {
		return nil, d.errorf("array length %d exceeds input", n)
	}

	keys := make([]string, 0, n)
	vals := make([]any, 0, n)
	sequential := n > 0
	for i := 0; i < n; i++ {
		k, err := d.value()
		if err != nil {
			return nil, err
		}
		var key string
		switch kv := k.(type) {
		case int:
			key = strconv.Itoa(kv)
			if kv != i {
				sequential = false
			}
		case string:
			key = kv
			sequential = false
		default:
			return nil, d.errorf("invalid array key type %T", k)
		}
		v, err := d.value()
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
		vals = append(vals, v)
	}
	if err := d.expect('}'); err != nil {
		return nil, err
	}

	if sequential {
		return vals, nil
	}
	m := make(map[string]any, n)
	for i, k := range keys {
		m[k] = vals[i]
	}
	return m, nil
}
