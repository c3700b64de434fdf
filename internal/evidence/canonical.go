// SPDX-License-Identifier: MIT

// Package evidence produces the integrity-guaranteed artifact chain for
// system-side rejects: canonical JSON, schema-validated details, a run
// report, and a manifest whose self-hash seals the whole directory.
package evidence

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
)

// CanonicalizerID names the canonical form used for hashing. It is written
// into every self-hash artifact so a verifier knows which rules to apply.
const CanonicalizerID = "canonicalJsonStringify/v1"

// Canonicalize renders v as canonical JSON: UTF-8, object keys sorted
// ascending, non-finite numbers serialized as null, no insignificant
// whitespace. The output is stable across runs and platforms.
func Canonicalize(v any) ([]byte, error) {
	norm, err := normalize(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := writeCanonical(&buf, norm); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// SHA256Hex returns the lowercase hex SHA-256 of b.
func SHA256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// normalize converts v into a tree of nil, bool, string, json.Number,
// map[string]any and []any. Non-finite floats collapse to nil. Arbitrary
// structs take a marshal round-trip through encoding/json.
func normalize(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case bool, string, json.Number:
		return x, nil
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil, nil
		}
		return jsonNumber(x), nil
	case float32:
		return normalize(float64(x))
	case int:
		return json.Number(fmt.Sprintf("%d", x)), nil
	case int64:
		return json.Number(fmt.Sprintf("%d", x)), nil
	case uint64:
		return json.Number(fmt.Sprintf("%d", x)), nil
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			norm, err := normalize(val)
			if err != nil {
				return nil, err
			}
			out[k] = norm
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			norm, err := normalize(val)
			if err != nil {
				return nil, err
			}
			out[i] = norm
		}
		return out, nil
	default:
		// Structs, typed maps and slices: round-trip through encoding/json
		// with UseNumber so numeric precision survives.
		raw, err := marshalLoose(x)
		if err != nil {
			return nil, fmt.Errorf("canonicalize %T: %w", v, err)
		}
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		var decoded any
		if err := dec.Decode(&decoded); err != nil {
			return nil, fmt.Errorf("canonicalize %T: %w", v, err)
		}
		return normalize(decoded)
	}
}

// marshalLoose marshals x, tolerating non-finite floats by substituting null.
func marshalLoose(x any) ([]byte, error) {
	raw, err := json.Marshal(x)
	if err == nil {
		return raw, nil
	}
	var unsupported *json.UnsupportedValueError
	if errors.As(err, &unsupported) {
		return []byte("null"), nil
	}
	return nil, err
}

func jsonNumber(f float64) json.Number {
	// Shortest round-trip representation, matching encoding/json output.
	b, _ := json.Marshal(f)
	return json.Number(b)
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch x := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if x {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		enc, err := json.Marshal(x)
		if err != nil {
			return err
		}
		buf.Write(enc)
	case json.Number:
		if x == "" {
			buf.WriteString("null")
			return nil
		}
		buf.WriteString(string(x))
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			enc, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(enc)
			buf.WriteByte(':')
			if err := writeCanonical(buf, x[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, el := range x {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, el); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		return fmt.Errorf("canonical json: unexpected type %T", v)
	}
	return nil
}
