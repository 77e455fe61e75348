package jsonldb

import (
	"bufio"
	"os"
	"path/filepath"
)

// dumpSuffix and backupSuffix name the temporary files used during a
// compaction's atomic swap (spec.md §4.8).
const (
	dumpSuffix   = ".dump"
	backupSuffix = ".bak"
)

// Compress rewrites the log to contain exactly the current index's
// entries, dropping every superseded set and every tombstoned delete
// (spec.md §4.8). Concurrent callers share a single in-flight
// compaction: the first call performs the work, every other call
// blocks on the same [compactionFuture] and returns its result.
func (db *DB) Compress() error {
	db.mu.Lock()
	if !db.isOpen {
		db.mu.Unlock()
		return &NotOpenError{}
	}
	if fut := db.compacting; fut != nil {
		db.mu.Unlock()
		<-fut.done
		return fut.err
	}
	fut := &compactionFuture{done: make(chan struct{})}
	db.compacting = fut
	db.mu.Unlock()

	db.wake()
	select {
	case db.compactReqCh <- fut:
	case <-db.doneCh:
		db.mu.Lock()
		db.compacting = nil
		db.mu.Unlock()
		return &NotOpenError{}
	}
	<-fut.done
	return fut.err
}

// performCompaction does the actual work. It runs exclusively on the
// background writer goroutine (dispatched via compactReqCh), so it never
// races with a concurrent flush for ownership of db.file/db.writer.
func (db *DB) performCompaction() error {
	dumpPath := db.path + dumpSuffix
	if err := db.writeSnapshot(dumpPath); err != nil {
		return err
	}

	if err := db.swapInDump(dumpPath); err != nil {
		return err
	}

	return db.reopenAfterCompaction()
}

// Dump writes a point-in-time snapshot of the current index to path,
// in the same line format as the live log, without touching the live
// log itself (spec.md §6 "dump").
func (db *DB) Dump(path string) error {
	db.mu.Lock()
	if !db.isOpen {
		db.mu.Unlock()
		return &NotOpenError{}
	}
	db.mu.Unlock()
	return db.writeSnapshot(path)
}

// writeSnapshot renders every live key/value as a set line and writes
// them to path, fsyncing before returning so the file is durable.
func (db *DB) writeSnapshot(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return &IOError{Path: filepath.Dir(path), Cause: err}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return &IOError{Path: path, Cause: err}
	}
	defer f.Close()

	w := bufio.NewWriter(f)

	db.mu.Lock()
	var writeErr error
	db.idx.Keys(func(key string) bool {
		e := db.idx.Get(key)
		if e == nil {
			return true
		}
		line, err := encodeSet(key, e.raw)
		if err != nil {
			writeErr = err
			return false
		}
		if _, err := w.Write(line); err != nil {
			writeErr = err
			return false
		}
		writeErr = w.WriteByte('\n')
		return writeErr == nil
	})
	db.mu.Unlock()
	if writeErr != nil {
		return &IOError{Path: path, Cause: writeErr}
	}

	if err := w.Flush(); err != nil {
		return &IOError{Path: path, Cause: err}
	}
	if err := f.Sync(); err != nil {
		return &IOError{Path: path, Cause: err}
	}
	return nil
}

// swapInDump replaces the live log with dumpPath via a rename dance
// that is safe against a crash between any two steps: the live file is
// renamed aside to a .bak before the dump takes its place ([DB.Open]
// renames a leftover .bak back when the live log is missing), and the
// containing directory is fsynced after each rename so the rename
// itself survives a crash, not just the file contents (spec.md §4.8,
// supplemented from the original's persistence.rs compaction routine).
func (db *DB) swapInDump(dumpPath string) error {
	backupPath := db.path + backupSuffix

	db.mu.Lock()
	file := db.file
	db.mu.Unlock()
	if file != nil {
		_ = file.Sync()
	}

	if err := os.Rename(db.path, backupPath); err != nil && !os.IsNotExist(err) {
		return &IOError{Path: db.path, Cause: err}
	}
	if err := fsyncDir(db.path); err != nil {
		return err
	}

	if err := os.Rename(dumpPath, db.path); err != nil {
		return &IOError{Path: dumpPath, Cause: err}
	}
	if err := fsyncDir(db.path); err != nil {
		return err
	}

	if err := os.Remove(backupPath); err != nil && !os.IsNotExist(err) {
		return &IOError{Path: backupPath, Cause: err}
	}
	return nil
}

// reopenAfterCompaction closes the writer goroutine's old file handle
// (now pointing at an unlinked inode) and reopens the swapped-in file
// for append, then updates the auto-compact policy's bookkeeping.
func (db *DB) reopenAfterCompaction() error {
	db.mu.Lock()
	oldFile := db.file
	db.mu.Unlock()

	f, err := os.OpenFile(db.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return &IOError{Path: db.path, Cause: err}
	}
	if _, err := f.Seek(0, os.SEEK_END); err != nil {
		_ = f.Close()
		return &IOError{Path: db.path, Cause: err}
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return &IOError{Path: db.path, Cause: err}
	}

	db.mu.Lock()
	db.file = f
	db.writer = bufio.NewWriter(f)
	db.needsLF = false
	db.policy.recordCompaction(info.Size())
	db.mu.Unlock()

	if oldFile != nil {
		_ = oldFile.Close()
	}
	db.logger.Info("compaction complete", "path", db.path, "size", info.Size())
	return nil
}

// fsyncDir fsyncs the parent directory of path, which on POSIX
// filesystems is required for a rename to be guaranteed durable across
// a crash, not just the renamed file's contents.
func fsyncDir(path string) error {
	dir := filepath.Dir(path)
	d, err := os.Open(dir)
	if err != nil {
		return &IOError{Path: dir, Cause: err}
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return &IOError{Path: dir, Cause: err}
	}
	return nil
}
