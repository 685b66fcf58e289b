// Package canonicaljson produces the canonical JSON form used by Matrix for
// event hashing and signing: object keys sorted lexicographically, no
// insignificant whitespace, shortest-form UTF-8 with no escaped non-ASCII,
// and integers only (no floats, no values outside the signed 53-bit range).
package canonicaljson

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"unicode/utf16"
	"unicode/utf8"
)

// Encode returns the canonical encoding of the given JSON document.
// The input must be valid JSON; numbers outside the allowed integer range
// are rejected.
func Encode(input []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(input))
	dec.UseNumber()

	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("parsing JSON: %w", err)
	}
	// Trailing garbage after the top-level value is malformed input.
	if dec.More() {
		return nil, fmt.Errorf("trailing data after JSON value")
	}

	var buf bytes.Buffer
	if err := encodeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeValue canonicalizes an already-unmarshalled value. Map values must
// have been decoded with json.Number (use Encode for raw bytes).
func EncodeValue(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling value: %w", err)
	}
	return Encode(raw)
}

func encodeValue(buf *bytes.Buffer, v interface{}) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		return encodeNumber(buf, t)
	case string:
		encodeString(buf, t)
	case []interface{}:
		buf.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeValue(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			encodeString(buf, k)
			buf.WriteByte(':')
			if err := encodeValue(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("unsupported JSON value type %T", v)
	}
	return nil
}

// maxCanonicalInt is the largest integer representable exactly in canonical
// JSON: 2^53 - 1.
const maxCanonicalInt = int64(1)<<53 - 1

func encodeNumber(buf *bytes.Buffer, n json.Number) error {
	i, err := n.Int64()
	if err != nil {
		// Some encoders emit integral floats like 1.0 or 1e2; normalize them
		// if they are exactly integral, reject true fractions.
		f, ferr := n.Float64()
		if ferr != nil {
			return fmt.Errorf("invalid number %q", n.String())
		}
		if f != math.Trunc(f) || math.IsInf(f, 0) || math.IsNaN(f) {
			return fmt.Errorf("non-integer number %q not allowed in canonical JSON", n.String())
		}
		i = int64(f)
	}
	if i > maxCanonicalInt || i < -maxCanonicalInt {
		return fmt.Errorf("integer %d outside canonical JSON range", i)
	}
	buf.WriteString(strconv.FormatInt(i, 10))
	return nil
}

// encodeString writes a JSON string with the minimal escape set: only
// control characters, quote, and backslash are escaped; everything else is
// emitted as raw UTF-8. Invalid UTF-8 is replaced with U+FFFD.
func encodeString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		default:
			if r < 0x20 {
				fmt.Fprintf(buf, `\u%04x`, r)
			} else if r == utf8.RuneError {
				buf.WriteRune(utf8.RuneError)
			} else if utf16.IsSurrogate(r) {
				buf.WriteRune(utf8.RuneError)
			} else {
				buf.WriteRune(r)
			}
		}
	}
	buf.WriteByte('"')
}

// SortKeysOnly re-encodes a JSON object with sorted keys. It is the same
// encoding as Encode, including the integer-only number restrictions.
func SortKeysOnly(input []byte) ([]byte, error) {
	return Encode(input)
}
