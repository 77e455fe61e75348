package jsonldb

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Value is anything that round-trips through encoding/json: nil, bool,
// float64, string, []any, or map[string]any. Other shapes (structs,
// functions, channels) are rejected by [validateValue] at the boundary.
type Value = any

// validateValue rejects shapes that cannot be encoded as a log record:
// non-finite floats anywhere in the tree, and any Go type outside the
// null/bool/number/string/array/object union.
func validateValue(v Value) error {
	switch t := v.(type) {
	case nil, bool, string:
		return nil
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return &UnsupportedValueError{Reason: "number must be finite"}
		}
		return nil
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return nil
	case []any:
		for i, elem := range t {
			if err := validateValue(elem); err != nil {
				return fmt.Errorf("index %d: %w", i, err)
			}
		}
		return nil
	case map[string]any:
		for k, elem := range t {
			if err := validateValue(elem); err != nil {
				return fmt.Errorf("field %q: %w", k, err)
			}
		}
		return nil
	default:
		return &UnsupportedValueError{Reason: fmt.Sprintf("cannot encode Go type %T", v)}
	}
}

// resolvePath navigates a value using a JSON-pointer-like path: "/a/b"
// descends into object fields, and a trailing "[n]" on a segment indexes
// into an array. It returns the string found at that path, or ok=false if
// the path does not resolve to a string (missing field, wrong type, or
// out-of-range index).
func resolvePath(v Value, path string) (string, bool) {
	path = strings.TrimPrefix(path, "/")
	if path == "" {
		s, ok := v.(string)
		return s, ok
	}

	cur := v
	for _, segment := range strings.Split(path, "/") {
		field, indices := splitArrayIndices(segment)

		if field != "" {
			m, ok := cur.(map[string]any)
			if !ok {
				return "", false
			}
			cur, ok = m[field]
			if !ok {
				return "", false
			}
		}

		for _, idx := range indices {
			arr, ok := cur.([]any)
			if !ok || idx < 0 || idx >= len(arr) {
				return "", false
			}
			cur = arr[idx]
		}
	}

	s, ok := cur.(string)
	return s, ok
}

// splitArrayIndices splits a path segment like "foo[0][2]" into its field
// name ("foo") and the list of array indices ([0, 2]). A segment that is
// purely indices (e.g. "[0]") yields an empty field name.
func splitArrayIndices(segment string) (field string, indices []int) {
	for {
		open := strings.IndexByte(segment, '[')
		if open < 0 {
			field += segment
			return field, indices
		}
		close := strings.IndexByte(segment[open:], ']')
		if close < 0 {
			field += segment
			return field, indices
		}
		close += open
		field += segment[:open]
		n, err := strconv.Atoi(segment[open+1 : close])
		if err != nil {
			field += segment[open : close+1]
			segment = segment[close+1:]
			continue
		}
		indices = append(indices, n)
		segment = segment[close+1:]
	}
}
