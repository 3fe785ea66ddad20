// Package canonical maps values to a byte-identical JSON representation
// for hashing and comparison.
//
// Rules: object keys sorted lexicographically, absent entries omitted,
// strings JSON-escaped, numbers in shortest round-trip form, booleans and
// null as literals, arrays in order, no whitespace. The hash is SHA-256
// of the UTF-8 bytes rendered as lowercase hex.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"

	"github.com/pithecene-io/jobforge/types"
)

// Redacted is the literal substituted for redacted values before
// canonicalization.
const Redacted = "[REDACTED]"

// Canonicalize encodes v into its canonical byte form.
// Fails with a BadInput classification if v contains non-finite numbers
// or cycles.
func Canonicalize(v any) ([]byte, error) {
	var buf bytes.Buffer
	seen := make(map[uintptr]bool)
	if err := encode(&buf, v, seen); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Hash canonicalizes v and returns the SHA-256 of the canonical bytes
// as lowercase hex.
func Hash(v any) (string, error) {
	b, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes returns the SHA-256 of b as lowercase hex.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func encode(buf *bytes.Buffer, v any, seen map[uintptr]bool) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case string:
		return encodeString(buf, val)
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return fmt.Errorf("%w: invalid number %q", types.ErrBadInput, val.String())
		}
		return encodeFloat(buf, f)
	case float64:
		return encodeFloat(buf, val)
	case float32:
		return encodeFloat(buf, float64(val))
	case int:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
		return nil
	case int32:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
		return nil
	case int64:
		buf.WriteString(strconv.FormatInt(val, 10))
		return nil
	case uint64:
		buf.WriteString(strconv.FormatUint(val, 10))
		return nil
	case map[string]any:
		return encodeMap(buf, val, seen)
	case []any:
		return encodeSlice(buf, val, seen)
	}
	return encodeReflected(buf, v, seen)
}

// encodeReflected handles typed values (structs, typed maps and slices)
// by round-tripping through encoding/json into the generic shape.
func encodeReflected(buf *bytes.Buffer, v any, seen map[uintptr]bool) error {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			buf.WriteString("null")
			return nil
		}
		rv = rv.Elem()
	}

	raw, err := json.Marshal(rv.Interface())
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrBadInput, err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return fmt.Errorf("%w: %v", types.ErrBadInput, err)
	}
	return encode(buf, generic, seen)
}

func encodeMap(buf *bytes.Buffer, m map[string]any, seen map[uintptr]bool) error {
	ptr := reflect.ValueOf(m).Pointer()
	if seen[ptr] {
		return fmt.Errorf("%w: value contains a cycle", types.ErrBadInput)
	}
	seen[ptr] = true
	defer delete(seen, ptr)

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf.WriteByte('{')
	first := true
	for _, k := range keys {
		if !first {
			buf.WriteByte(',')
		}
		first = false
		if err := encodeString(buf, k); err != nil {
			return err
		}
		buf.WriteByte(':')
		if err := encode(buf, m[k], seen); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func encodeSlice(buf *bytes.Buffer, s []any, seen map[uintptr]bool) error {
	if cap(s) > 0 {
		ptr := reflect.ValueOf(s).Pointer()
		if seen[ptr] {
			return fmt.Errorf("%w: value contains a cycle", types.ErrBadInput)
		}
		seen[ptr] = true
		defer delete(seen, ptr)
	}

	buf.WriteByte('[')
	for i, elem := range s {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encode(buf, elem, seen); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}

func encodeString(buf *bytes.Buffer, s string) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrBadInput, err)
	}
	buf.Write(raw)
	return nil
}

// encodeFloat emits a number in shortest round-trip form. Integral values
// within the exact float64 range are emitted without a fraction.
func encodeFloat(buf *bytes.Buffer, f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("%w: non-finite number", types.ErrBadInput)
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		buf.WriteString(strconv.FormatInt(int64(f), 10))
		return nil
	}
	buf.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	return nil
}

// ExtractKeys returns every dotted key path in v, including [i] array
// indices. Traversal is depth-first with keys visited in sorted order at
// each level, so the result is deterministic for any input.
func ExtractKeys(v any) []string {
	var keys []string
	extract(v, "", &keys)
	return keys
}

func extract(v any, prefix string, keys *[]string) {
	switch val := v.(type) {
	case map[string]any:
		names := make([]string, 0, len(val))
		for k := range val {
			names = append(names, k)
		}
		sort.Strings(names)
		for _, k := range names {
			path := k
			if prefix != "" {
				path = prefix + "." + k
			}
			*keys = append(*keys, path)
			extract(val[k], path, keys)
		}
	case []any:
		for i, child := range val {
			path := fmt.Sprintf("%s[%d]", prefix, i)
			*keys = append(*keys, path)
			extract(child, path, keys)
		}
	}
}

// Redact returns a deep copy of v with values at the given dotted key
// paths replaced by the Redacted literal, plus the sorted set of paths
// that actually matched. Applied before canonicalization so the hash
// covers the redacted form.
func Redact(v any, paths []string) (any, []string) {
	if len(paths) == 0 {
		return deepCopy(v), nil
	}
	want := make(map[string]bool, len(paths))
	for _, p := range paths {
		want[p] = true
	}
	matched := make(map[string]bool)
	out := redactValue(v, "", want, matched)

	redacted := make([]string, 0, len(matched))
	for p := range matched {
		redacted = append(redacted, p)
	}
	sort.Strings(redacted)
	return out, redacted
}

func redactValue(v any, prefix string, want, matched map[string]bool) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			path := k
			if prefix != "" {
				path = prefix + "." + k
			}
			if want[path] {
				matched[path] = true
				out[k] = Redacted
				continue
			}
			out[k] = redactValue(child, path, want, matched)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			path := fmt.Sprintf("%s[%d]", prefix, i)
			if want[path] {
				matched[path] = true
				out[i] = Redacted
				continue
			}
			out[i] = redactValue(child, path, want, matched)
		}
		return out
	default:
		return val
	}
}

func deepCopy(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			out[k] = deepCopy(child)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = deepCopy(child)
		}
		return out
	default:
		return val
	}
}
