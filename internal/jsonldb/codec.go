package jsonldb

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// record is the decoded shape of a single log line: a set (HasV true,
// V populated) or a delete (HasV false).
type record struct {
	K    string
	V    json.RawMessage
	HasV bool
}

// wireRecord mirrors the on-disk JSON object. V stays nil when the "v"
// field is absent (delete); an explicit JSON null is handed to
// json.RawMessage's UnmarshalJSON and kept as the bytes "null" (set).
type wireRecord struct {
	K string          `json:"k"`
	V json.RawMessage `json:"v,omitempty"`
}

// encodeSet renders a set record as one line (without trailing newline).
// raw must already be valid, canonical JSON for the value.
func encodeSet(key string, raw json.RawMessage) ([]byte, error) {
	kBytes, err := json.Marshal(key)
	if err != nil {
		return nil, fmt.Errorf("encode key: %w", err)
	}
	buf := bytes.NewBuffer(make([]byte, 0, len(kBytes)+len(raw)+16))
	buf.WriteString(`{"k":`)
	buf.Write(kBytes)
	buf.WriteString(`,"v":`)
	buf.Write(raw)
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// encodeDelete renders a delete record as one line (without trailing newline).
func encodeDelete(key string) ([]byte, error) {
	kBytes, err := json.Marshal(key)
	if err != nil {
		return nil, fmt.Errorf("encode key: %w", err)
	}
	buf := bytes.NewBuffer(make([]byte, 0, len(kBytes)+8))
	buf.WriteString(`{"k":`)
	buf.Write(kBytes)
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// decodeLine parses one non-empty log line into a record. Callers are
// responsible for skipping blank/whitespace-only lines before calling this.
func decodeLine(line []byte) (record, error) {
	var wr wireRecord
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	if err := dec.Decode(&wr); err != nil {
		return record{}, fmt.Errorf("malformed JSON: %w", err)
	}
	if wr.K == "" {
		// Distinguish "k missing" from "k is the empty string" by re-checking
		// the raw presence, since json.Unmarshal can't tell us that for a
		// plain string field.
		var probe map[string]json.RawMessage
		if err := json.Unmarshal(line, &probe); err != nil {
			return record{}, fmt.Errorf("malformed JSON: %w", err)
		}
		kRaw, present := probe["k"]
		if !present {
			return record{}, fmt.Errorf(`missing "k" field`)
		}
		var s string
		if err := json.Unmarshal(kRaw, &s); err != nil {
			return record{}, fmt.Errorf(`"k" field is not a string`)
		}
	}
	if wr.V == nil {
		return record{K: wr.K, HasV: false}, nil
	}
	return record{K: wr.K, V: wr.V, HasV: true}, nil
}

// isBlankLine reports whether line contains only whitespace.
func isBlankLine(line []byte) bool {
	for _, b := range line {
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		default:
			return false
		}
	}
	return true
}
