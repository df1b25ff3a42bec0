package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode/utf16"

	derrors "github.com/mirkobrombin/go-distributed/v1/errors"
)

const hexDigits = "0123456789abcdef"

// appendJSON appends the text form of a POD value to buf.
func appendJSON(buf []byte, v any) ([]byte, error) {
	switch x := v.(type) {
	case nil:
		return append(buf, "null"...), nil
	case bool:
		return strconv.AppendBool(buf, x), nil
	case string:
		return appendString(buf, x), nil
	case json.Number:
		return append(buf, x.String()...), nil
	case int:
		return strconv.AppendInt(buf, int64(x), 10), nil
	case int8:
		return strconv.AppendInt(buf, int64(x), 10), nil
	case int16:
		return strconv.AppendInt(buf, int64(x), 10), nil
	case int32:
		return strconv.AppendInt(buf, int64(x), 10), nil
	case int64:
		return strconv.AppendInt(buf, x, 10), nil
	case uint:
		return strconv.AppendUint(buf, uint64(x), 10), nil
	case uint8:
		return strconv.AppendUint(buf, uint64(x), 10), nil
	case uint16:
		return strconv.AppendUint(buf, uint64(x), 10), nil
	case uint32:
		return strconv.AppendUint(buf, uint64(x), 10), nil
	case uint64:
		return strconv.AppendUint(buf, x, 10), nil
	case float32:
		return appendFloat(buf, float64(x), 32)
	case float64:
		return appendFloat(buf, x, 64)
	case []any:
		buf = append(buf, '[')
		for i, e := range x {
			if i > 0 {
				buf = append(buf, ", "...)
			}
			var err error
			if buf, err = appendJSON(buf, e); err != nil {
				return nil, err
			}
		}
		return append(buf, ']'), nil
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf = append(buf, '{')
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ", "...)
			}
			buf = appendString(buf, k)
			buf = append(buf, ": "...)
			var err error
			if buf, err = appendJSON(buf, x[k]); err != nil {
				return nil, err
			}
		}
		return append(buf, '}'), nil
	case *Envelope:
		buf = append(buf, '{')
		buf = appendString(buf, x.Tag)
		buf = append(buf, ": "...)
		buf = appendString(buf, x.Name)
		buf = append(buf, `, "state": `...)
		state := x.State
		if state == nil {
			state = map[string]any{}
		}
		return appendJSON(buf, state)
	}
	return nil, fmt.Errorf("codec: unsupported value of type %T", v)
}

// appendFloat writes f the way Python's repr does: shortest round-trip
// digits, fixed notation for exponents in [-4, 16) with a trailing ".0" on
// integral values, scientific notation otherwise.
func appendFloat(buf []byte, f float64, bitSize int) ([]byte, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("codec: cannot encode %v", f)
	}
	if f == 0 {
		if math.Signbit(f) {
			return append(buf, "-0.0"...), nil
		}
		return append(buf, "0.0"...), nil
	}
	sci := strconv.FormatFloat(f, 'e', -1, bitSize)
	exp, _ := strconv.Atoi(sci[strings.IndexByte(sci, 'e')+1:])
	if exp < -4 || exp >= 16 {
		return append(buf, sci...), nil
	}
	fixed := strconv.FormatFloat(f, 'f', -1, bitSize)
	buf = append(buf, fixed...)
	if !strings.ContainsRune(fixed, '.') {
		buf = append(buf, ".0"...)
	}
	return buf, nil
}

// appendString writes s as an ASCII-only JSON string.
func appendString(buf []byte, s string) []byte {
	buf = append(buf, '"')
	for _, r := range s {
		switch {
		case r == '"':
			buf = append(buf, `\"`...)
		case r == '\\':
			buf = append(buf, `\\`...)
		case r == '\n':
			buf = append(buf, `\n`...)
		case r == '\r':
			buf = append(buf, `\r`...)
		case r == '\t':
			buf = append(buf, `\t`...)
		case r == '\b':
			buf = append(buf, `\b`...)
		case r == '\f':
			buf = append(buf, `\f`...)
		case r >= 0x20 && r <= 0x7e:
			buf = append(buf, byte(r))
		case r > 0xffff:
			r1, r2 := utf16.EncodeRune(r)
			buf = appendUnicodeEscape(buf, r1)
			buf = appendUnicodeEscape(buf, r2)
		default:
			buf = appendUnicodeEscape(buf, r)
		}
	}
	return append(buf, '"')
}

func appendUnicodeEscape(buf []byte, r rune) []byte {
	return append(buf, '\\', 'u',
		hexDigits[(r>>12)&0xf], hexDigits[(r>>8)&0xf],
		hexDigits[(r>>4)&0xf], hexDigits[r&0xf])
}

// decodeJSON parses a single JSON document into the POD model.
func decodeJSON(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, &derrors.DecodeError{Reason: "malformed JSON", Err: err}
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, &derrors.DecodeError{Reason: "trailing data after JSON value"}
	}
	return normalize(v), nil
}
