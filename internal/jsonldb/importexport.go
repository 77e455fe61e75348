package jsonldb

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
)

// ExportJSON serializes the current index as a single JSON object
// (key -> value), keys in ascending traversal order, to path. Unlike
// [DB.Dump], the result is a plain JSON document, not a replayable log
// (spec.md §4.8).
func (db *DB) ExportJSON(path string, pretty bool) error {
	db.mu.Lock()
	if !db.isOpen {
		db.mu.Unlock()
		return &NotOpenError{}
	}

	var buf bytes.Buffer
	buf.WriteByte('{')
	first := true
	var encodeErr error
	db.idx.Keys(func(key string) bool {
		e := db.idx.Get(key)
		if e == nil {
			return true
		}
		if !first {
			buf.WriteByte(',')
		}
		first = false

		kBytes, err := json.Marshal(key)
		if err != nil {
			encodeErr = err
			return false
		}
		buf.Write(kBytes)
		buf.WriteByte(':')
		buf.Write(e.raw)
		return true
	})
	db.mu.Unlock()
	if encodeErr != nil {
		return &UnsupportedValueError{Reason: encodeErr.Error()}
	}
	buf.WriteByte('}')

	out := buf.Bytes()
	if pretty {
		var formatted bytes.Buffer
		if err := json.Indent(&formatted, out, "", "  "); err != nil {
			return &UnsupportedValueError{Reason: err.Error()}
		}
		out = formatted.Bytes()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return &IOError{Path: filepath.Dir(path), Cause: err}
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return &IOError{Path: path, Cause: err}
	}
	return nil
}

// ImportJSONFile reads a JSON object from path and replaces the database's
// entire contents with its top-level fields, then compacts (spec.md §4.8).
func (db *DB) ImportJSONFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return &IOError{Path: path, Cause: err}
	}
	return db.importJSON(data)
}

// ImportJSONString parses text as a JSON object and replaces the
// database's entire contents with its top-level fields, then compacts.
func (db *DB) ImportJSONString(text string) error {
	return db.importJSON([]byte(text))
}

func (db *DB) importJSON(data []byte) error {
	var fields map[string]json.RawMessage
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil {
		return &UnsupportedValueError{Reason: "import source is not a JSON object: " + err.Error()}
	}

	db.mu.Lock()
	if !db.isOpen {
		db.mu.Unlock()
		return &NotOpenError{}
	}
	db.idx.Clear()
	db.sidx.clear()
	db.journal = db.journal[:0]
	db.journal = append(db.journal, journalEntry{kind: opClear})

	for key, raw := range fields {
		entry := newEntryFromRaw(append(json.RawMessage(nil), raw...))
		if v, err := entry.value(); err == nil {
			entry.terms = db.sidx.termsFor(v)
		}
		db.idx.Set(key, entry)
		db.sidx.put(key, entry.terms)
		db.journal = append(db.journal, journalEntry{kind: opSet, key: key})
	}
	db.cond.Broadcast()
	db.mu.Unlock()

	db.wake()
	return db.Compress()
}
