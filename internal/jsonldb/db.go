package jsonldb

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// opKind tags a pending mutation in the journal.
type opKind byte

const (
	opSet opKind = iota
	opDelete
	opClear
)

// journalEntry is a pending mutation awaiting flush. Per spec.md §9's
// design note (journal re-resolution, not blind replay) it records only
// the key and kind; the writer re-reads the key's *current* value from
// the index at flush time, so each set in a burst to the same key renders
// its own line, every one of them carrying the final value.
type journalEntry struct {
	kind opKind
	key  string
}

// DB is the storage engine's public façade (spec.md §4.9 / §6). A DB is
// created detached (no file handle, no background activity); [DB.Open]
// acquires the lock, replays the log, and starts the background writer.
type DB struct {
	path   string
	opts   Options
	logger *slog.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	isOpen bool
	failed error

	idx  *skipList
	sidx *secondaryIndex

	journal []journalEntry

	lock   *lockfile
	file   *os.File
	writer *bufio.Writer

	needsLF bool
	policy  *autoCompactPolicy

	flushGate rate.Sometimes

	wakeCh       chan struct{}
	stopCh       chan struct{}
	doneCh       chan struct{}
	compactReqCh chan *compactionFuture

	compacting *compactionFuture
}

// compactionFuture lets any number of concurrent [DB.Compress] callers
// wait on a single in-flight compaction instead of each starting their
// own (spec.md §4.8: "concurrent compress() calls coalesce").
type compactionFuture struct {
	done chan struct{}
	err  error
}

// New creates a detached [DB] for path: no file handle is opened and no
// background activity starts until [DB.Open] is called (spec.md §4.9 —
// "Instances are created detached"). opts is validated immediately so
// construction itself fails fast on a bad config.
func New(path string, opts Options) (*DB, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	db := &DB{
		path:   path,
		opts:   opts,
		logger: logger,
		lock:   newLockfile(path, opts.LockfileDirectory),
	}
	db.cond = sync.NewCond(&db.mu)
	return db, nil
}

// Open is a convenience for the common case of constructing and opening
// a database in one call: it combines [New] and [DB.Open].
func Open(path string, opts Options) (*DB, error) {
	db, err := New(path, opts)
	if err != nil {
		return nil, err
	}
	if err := db.Open(); err != nil {
		return nil, err
	}
	return db, nil
}

// Open acquires the lockfile, creates missing parent directories, replays
// the existing log (if any), and starts the background writer. Calling
// Open on a [DB] that is already open returns [AlreadyOpenError]; calling
// it again after [DB.Close] reopens the same handle from scratch (spec.md
// §6's `open()`/`close()`/`isOpen` façade operations).
func (db *DB) Open() error {
	db.mu.Lock()
	if db.isOpen {
		db.mu.Unlock()
		return &AlreadyOpenError{}
	}
	db.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(db.path), 0o755); err != nil {
		return &IOError{Path: filepath.Dir(db.path), Cause: err}
	}
	if err := db.lock.acquire(); err != nil {
		return err
	}

	// A crash between swapInDump's two renames leaves the previous log
	// only under its .bak name; put it back before replaying.
	if _, err := os.Stat(db.path); os.IsNotExist(err) {
		if err := os.Rename(db.path+backupSuffix, db.path); err != nil && !os.IsNotExist(err) {
			_ = db.lock.release()
			return &IOError{Path: db.path + backupSuffix, Cause: err}
		}
	}

	idx := newSkipList()
	sidx := newSecondaryIndex(db.opts.IndexPaths)
	res, err := replay(db.path, idx, sidx, db.opts.IgnoreReadErrors, db.logger)
	if err != nil {
		_ = db.lock.release()
		return err
	}

	f, err := os.OpenFile(db.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		_ = db.lock.release()
		return &IOError{Path: db.path, Cause: err}
	}
	if _, err := f.Seek(0, os.SEEK_END); err != nil {
		_ = f.Close()
		_ = db.lock.release()
		return &IOError{Path: db.path, Cause: err}
	}

	db.mu.Lock()
	db.idx = idx
	db.sidx = sidx
	db.journal = nil
	db.failed = nil
	db.needsLF = res.needsTrailingLF
	db.policy = newAutoCompactPolicy(db.opts.AutoCompress, res.fileSize)
	db.file = f
	db.writer = bufio.NewWriter(f)
	db.flushGate = rate.Sometimes{}
	if db.opts.ThrottleFS.IntervalMs > 0 {
		db.flushGate.Interval = time.Duration(db.opts.ThrottleFS.IntervalMs) * time.Millisecond
	}
	db.wakeCh = make(chan struct{}, 1)
	db.stopCh = make(chan struct{})
	db.doneCh = make(chan struct{})
	db.compactReqCh = make(chan *compactionFuture)
	db.compacting = nil
	db.isOpen = true
	db.mu.Unlock()

	go db.run()

	if res.sawCorruption {
		db.logger.Warn("log contained corruption during lenient replay; compacting to drop it", "path", db.path)
		if err := db.Compress(); err != nil {
			db.logger.Error("post-replay compaction failed", "error", err)
		}
	} else if db.opts.AutoCompress.OnOpen {
		if err := db.Compress(); err != nil {
			db.logger.Error("auto-compact on open failed", "error", err)
		}
	}
	return nil
}

// IsOpen reports whether the database is currently open.
func (db *DB) IsOpen() bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.isOpen
}

// Close drains pending writes, optionally runs a final compaction, stops
// the background writer, and releases the lockfile (spec.md §3 invariant 2).
func (db *DB) Close() error {
	db.mu.Lock()
	if !db.isOpen {
		db.mu.Unlock()
		return &NotOpenError{}
	}
	db.mu.Unlock()

	if db.opts.AutoCompress.OnClose {
		if err := db.Compress(); err != nil {
			db.logger.Error("auto-compact on close failed", "error", err)
		}
	}

	close(db.stopCh)
	<-db.doneCh

	db.mu.Lock()
	db.isOpen = false
	file := db.file
	db.file = nil
	db.writer = nil
	db.mu.Unlock()

	var closeErr error
	if file != nil {
		closeErr = file.Close()
	}
	if err := db.lock.release(); err != nil && closeErr == nil {
		closeErr = err
	}
	if closeErr != nil {
		return &IOError{Path: db.path, Cause: closeErr}
	}
	return nil
}

// Size returns the number of keys currently in the index.
func (db *DB) Size() (int, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if !db.isOpen {
		return 0, &NotOpenError{}
	}
	return db.idx.Len(), nil
}

// Has reports whether key is present.
func (db *DB) Has(key string) (bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if !db.isOpen {
		return false, &NotOpenError{}
	}
	return db.idx.Get(key) != nil, nil
}

// Get returns the decoded value for key, or ok=false if absent.
func (db *DB) Get(key string) (Value, bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if !db.isOpen {
		return nil, false, &NotOpenError{}
	}
	e := db.idx.Get(key)
	if e == nil {
		return nil, false, nil
	}
	v, err := e.value()
	if err != nil {
		return nil, false, &IOError{Path: db.path, Cause: fmt.Errorf("decode %q: %w", key, err)}
	}
	return v, true, nil
}

// GetMany returns every value whose key satisfies lo <= k <= hi, in
// ascending key order, optionally restricted to keys whose secondary
// index carries the exact "<path>=<literal>" filter term (spec.md §4.4).
func (db *DB) GetMany(lo, hi, filter string) ([]KeyValue, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if !db.isOpen {
		return nil, &NotOpenError{}
	}

	var allowed map[string]struct{}
	if filter != "" {
		term, ok := parseFilter(filter)
		if !ok {
			return nil, &InvalidConfigError{Field: "filter", Reason: "must look like <path>=<literal>"}
		}
		allowed = db.sidx.keysWithTerm(term)
		if len(allowed) == 0 {
			return nil, nil
		}
	}

	var out []KeyValue
	var decodeErr error
	db.idx.Range(lo, hi, func(key string, e *indexEntry) bool {
		if allowed != nil {
			if _, ok := allowed[key]; !ok {
				return true
			}
		}
		v, err := e.value()
		if err != nil {
			decodeErr = &IOError{Path: db.path, Cause: fmt.Errorf("decode %q: %w", key, err)}
			return false
		}
		out = append(out, KeyValue{Key: key, Value: v})
		return true
	})
	if decodeErr != nil {
		return nil, decodeErr
	}
	return out, nil
}

// KeyValue is one result row from [DB.GetMany].
type KeyValue struct {
	Key   string
	Value Value
}

// Keys returns every key in ascending order.
func (db *DB) Keys() ([]string, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if !db.isOpen {
		return nil, &NotOpenError{}
	}
	keys := make([]string, 0, db.idx.Len())
	db.idx.Keys(func(k string) bool {
		keys = append(keys, k)
		return true
	})
	return keys, nil
}

// ForEach calls cb for every key/value pair in ascending key order. It
// stops early without error if cb returns false.
func (db *DB) ForEach(cb func(key string, v Value) bool) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if !db.isOpen {
		return &NotOpenError{}
	}
	var decodeErr error
	db.idx.Keys(func(k string) bool {
		e := db.idx.Get(k)
		if e == nil {
			return true
		}
		v, err := e.value()
		if err != nil {
			decodeErr = &IOError{Path: db.path, Cause: fmt.Errorf("decode %q: %w", k, err)}
			return false
		}
		return cb(k, v)
	})
	return decodeErr
}

// Set stores value at key, deriving secondary-index terms from the
// decoded value itself (spec.md §4.4, §6).
func (db *DB) Set(key string, value Value) error {
	if key == "" {
		return &UnsupportedValueError{Reason: "key must be non-empty"}
	}
	if err := validateValue(value); err != nil {
		return err
	}
	entry, err := newEntryFromValue(value)
	if err != nil {
		return &UnsupportedValueError{Reason: err.Error()}
	}
	entry.terms = db.sidx.termsFor(value)
	return db.setEntry(key, entry)
}

// SetPrimitive stores a null/bool/number/string value at key. It is a
// thin convenience over [DB.Set] that rejects arrays and objects.
func (db *DB) SetPrimitive(key string, value Value) error {
	switch value.(type) {
	case nil, bool, float64, string, int, int64:
	default:
		return &UnsupportedValueError{Reason: fmt.Sprintf("%T is not a primitive", value)}
	}
	return db.Set(key, value)
}

// SetObject stores key with an already-serialized JSON object body,
// avoiding a decode-then-reencode round trip, and with caller-supplied
// secondary-index terms (computed by the bindings layer, which already
// has the structured value in hand). This mirrors the fast path the
// original host-language binding uses for object values (spec.md §4.5,
// §6: "Set fast-path for stringified values").
func (db *DB) SetObject(key string, preSerialized json.RawMessage, indexTerms []string) error {
	if key == "" {
		return &UnsupportedValueError{Reason: "key must be non-empty"}
	}
	if !json.Valid(preSerialized) {
		return &UnsupportedValueError{Reason: "preSerialized value is not valid JSON"}
	}
	entry := newEntryFromRaw(append(json.RawMessage(nil), preSerialized...))
	entry.terms = indexTerms
	return db.setEntry(key, entry)
}

func (db *DB) setEntry(key string, entry *indexEntry) error {
	db.mu.Lock()
	if !db.isOpen {
		db.mu.Unlock()
		return &NotOpenError{}
	}
	if db.failed != nil {
		err := db.failed
		db.mu.Unlock()
		return err
	}

	if old := db.idx.Get(key); old != nil {
		db.sidx.retract(key, old.terms)
	}
	db.idx.Set(key, entry)
	db.sidx.put(key, entry.terms)
	db.journal = append(db.journal, journalEntry{kind: opSet, key: key})
	db.waitForBackpressure()
	db.mu.Unlock()

	db.wake()
	return nil
}

// Delete removes key. Returns found=false if the key was not present.
func (db *DB) Delete(key string) (bool, error) {
	db.mu.Lock()
	if !db.isOpen {
		db.mu.Unlock()
		return false, &NotOpenError{}
	}
	if db.failed != nil {
		err := db.failed
		db.mu.Unlock()
		return false, err
	}

	old := db.idx.Get(key)
	if old == nil {
		db.mu.Unlock()
		return false, nil
	}
	db.sidx.retract(key, old.terms)
	db.idx.Delete(key)
	db.journal = append(db.journal, journalEntry{kind: opDelete, key: key})
	db.waitForBackpressure()
	db.mu.Unlock()

	db.wake()
	return true, nil
}

// Clear empties the index. The pending write buffer is dropped and a
// truncation marker is queued so the log is rewritten from scratch on the
// next flush; mutations that arrive after Clear are appended normally
// after the truncation (spec.md §4.5 "Clear handling").
func (db *DB) Clear() error {
	db.mu.Lock()
	if !db.isOpen {
		db.mu.Unlock()
		return &NotOpenError{}
	}
	db.idx.Clear()
	db.sidx.clear()
	db.journal = db.journal[:0]
	db.journal = append(db.journal, journalEntry{kind: opClear})
	db.cond.Broadcast()
	db.mu.Unlock()

	db.wake()
	return nil
}

// waitForBackpressure blocks the caller (with db.mu held, using the
// condition variable to release it while waiting) until the journal has
// drained below the configured threshold. Must be called with db.mu held.
func (db *DB) waitForBackpressure() {
	max := db.opts.ThrottleFS.MaxBufferedCommands
	if max <= 0 {
		return
	}
	for len(db.journal) >= max {
		db.cond.Wait()
	}
}

func (db *DB) wake() {
	select {
	case db.wakeCh <- struct{}{}:
	default:
	}
}
