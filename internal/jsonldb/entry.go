package jsonldb

import "encoding/json"

// indexEntry is what the primary skip list stores per key: the value in
// whichever form it arrived in, plus the set of secondary-index terms the
// key currently contributes (so a later update or delete can retract
// exactly the stale terms, per spec.md §4.4).
type indexEntry struct {
	raw       json.RawMessage // canonical bytes, ready to append to the log verbatim
	decoded   Value           // cached decode of raw; valid once decodedOK is true
	decodedOK bool
	terms     []string // secondary-index terms this key currently owns
}

// value decodes (and caches) the entry's value.
func (e *indexEntry) value() (Value, error) {
	if e.decodedOK {
		return e.decoded, nil
	}
	var v Value
	if err := json.Unmarshal(e.raw, &v); err != nil {
		return nil, err
	}
	e.decoded = v
	e.decodedOK = true
	return v, nil
}

// newEntryFromValue builds an entry from an already-decoded Go value,
// marshaling it to canonical JSON immediately. Used by the plain [DB.Set]
// and [DB.SetPrimitive] paths, where there is no pre-serialized text to
// reuse and index terms must be derived from the decoded value.
func newEntryFromValue(v Value) (*indexEntry, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &indexEntry{raw: raw, decoded: v, decodedOK: true}, nil
}

// newEntryFromRaw builds an entry from caller-supplied canonical JSON
// bytes without decoding them. Used by [DB.SetObject]'s fast path, where
// the caller already has serialized text and wants to avoid a
// decode-then-reencode round trip; the value is decoded lazily on first
// [DB.Get].
func newEntryFromRaw(raw json.RawMessage) *indexEntry {
	return &indexEntry{raw: raw}
}
