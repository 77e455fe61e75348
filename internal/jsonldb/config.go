package jsonldb

import (
	"fmt"
	"log/slog"
)

// ThrottleFSOptions controls how eagerly the write pipeline flushes its
// pending buffer to disk (spec.md §4.5).
type ThrottleFSOptions struct {
	// IntervalMs is the minimum wall time between flushes. 0 flushes on
	// every mutation.
	IntervalMs int
	// MaxBufferedCommands is the backpressure threshold: once the pending
	// buffer reaches this many entries, the mutating call blocks until a
	// flush catches up. 0 means no backpressure.
	MaxBufferedCommands int
}

// AutoCompressOptions controls when [DB] triggers compaction on its own
// (spec.md §4.7).
type AutoCompressOptions struct {
	// SizeFactor triggers compaction once the live file exceeds
	// SizeFactor times its size at the last compaction. Must be 0
	// (disabled) or > 1.
	SizeFactor float64
	// SizeFactorMinimumSize suppresses the size trigger below this file size.
	SizeFactorMinimumSize int64
	// IntervalMs triggers compaction on a timer, gated by IntervalMinChanges.
	// Must be 0 (disabled) or >= 10.
	IntervalMs int
	// IntervalMinChanges is the minimum number of mutations since the last
	// compaction before the interval trigger fires. Must be >= 1 whenever
	// IntervalMs enables the timer trigger; meaningless (and left
	// unvalidated) while the timer trigger itself is disabled, so the
	// zero value of AutoCompressOptions stays valid as a whole.
	IntervalMinChanges int
	// OnOpen forces a compaction immediately after open.
	OnOpen bool
	// OnClose forces a compaction immediately before close.
	OnClose bool
}

// Options configures a [DB]. The zero value is valid and disables all
// throttling, auto-compaction, and secondary indexing.
type Options struct {
	// IgnoreReadErrors enables lenient replay (spec.md §4.3).
	IgnoreReadErrors bool
	ThrottleFS       ThrottleFSOptions
	AutoCompress     AutoCompressOptions
	// LockfileDirectory overrides where the lockfile is created; defaults
	// to the database file's own directory.
	LockfileDirectory string
	// IndexPaths declares which object paths feed the secondary index.
	IndexPaths []string
	// Logger receives the engine's diagnostic output. Defaults to
	// slog.Default() if nil.
	Logger *slog.Logger
}

// Validate rejects out-of-range options, naming the offending field in
// the returned error (spec.md §6, testable property 8).
func (o *Options) Validate() error {
	if o.AutoCompress.SizeFactor != 0 && o.AutoCompress.SizeFactor <= 1 {
		return &InvalidConfigError{Field: "autoCompress.sizeFactor", Reason: "must be > 1 or 0 to disable"}
	}
	if o.AutoCompress.SizeFactorMinimumSize < 0 {
		return &InvalidConfigError{Field: "autoCompress.sizeFactorMinimumSize", Reason: "must be >= 0"}
	}
	if o.AutoCompress.IntervalMs != 0 && o.AutoCompress.IntervalMs < 10 {
		return &InvalidConfigError{Field: "autoCompress.intervalMs", Reason: "must be >= 10 or 0 to disable"}
	}
	if o.AutoCompress.IntervalMs != 0 && o.AutoCompress.IntervalMinChanges < 1 {
		return &InvalidConfigError{Field: "autoCompress.intervalMinChanges", Reason: "must be >= 1 when intervalMs is set"}
	}
	if o.ThrottleFS.IntervalMs < 0 {
		return &InvalidConfigError{Field: "throttleFS.intervalMs", Reason: "must be >= 0"}
	}
	if o.ThrottleFS.MaxBufferedCommands < 0 {
		return &InvalidConfigError{Field: "throttleFS.maxBufferedCommands", Reason: "must be >= 0"}
	}
	return nil
}

func (o *Options) String() string {
	return fmt.Sprintf("Options{throttleFS:%+v autoCompress:%+v indexPaths:%v}", o.ThrottleFS, o.AutoCompress, o.IndexPaths)
}
