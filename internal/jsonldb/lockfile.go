package jsonldb

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// staleLockInterval is how long a lock directory's mtime can go
// unrefreshed before another process is allowed to steal it, matching the
// teacher's lockfile semantics: the lock is a directory rather than a
// plain file because directory creation (os.Mkdir) is atomic on every
// platform Go targets, unlike "create file if not exists".
const staleLockInterval = 10 * time.Second

// lockfile asserts exclusive ownership of a database path across processes
// (spec.md §4.2). It is not a Go-level mutex: the guard it provides is
// against *other processes*, detected via a directory's presence and mtime.
type lockfile struct {
	path  string
	mtime time.Time
	held  bool
}

func newLockfile(dbPath, lockDir string) *lockfile {
	dir := lockDir
	if dir == "" {
		dir = filepath.Dir(dbPath)
	}
	name := filepath.Base(dbPath) + ".lock"
	return &lockfile{path: filepath.Join(dir, name)}
}

// acquire takes the lock, stealing it first if it looks abandoned (its
// mtime is older than [staleLockInterval]). Returns [LockBusyError] if a
// live owner holds it.
func (l *lockfile) acquire() error {
	info, err := os.Stat(l.path)
	switch {
	case os.IsNotExist(err):
		return l.create()
	case err != nil:
		return &IOError{Path: l.path, Cause: err}
	}

	if time.Since(info.ModTime()) > staleLockInterval {
		return l.touch()
	}
	return &LockBusyError{Path: l.path}
}

func (l *lockfile) create() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return &IOError{Path: filepath.Dir(l.path), Cause: err}
	}
	if err := os.Mkdir(l.path, 0o755); err != nil {
		if os.IsExist(err) {
			// Lost a race with another process between Stat and Mkdir.
			return &LockBusyError{Path: l.path}
		}
		return &IOError{Path: l.path, Cause: err}
	}
	return l.touch()
}

func (l *lockfile) touch() error {
	now := time.Now()
	if err := os.Chtimes(l.path, now, now); err != nil {
		return &IOError{Path: l.path, Cause: err}
	}
	l.mtime = now
	l.held = true
	return nil
}

// refresh extends the lock's lifetime. Called periodically by the write
// pipeline while the database is open so a long-running process's lock is
// never mistaken for stale.
func (l *lockfile) refresh() error {
	if !l.held {
		return nil
	}
	info, err := os.Stat(l.path)
	if os.IsNotExist(err) {
		return fmt.Errorf("lockfile was removed out from under us: %s", l.path)
	}
	if err != nil {
		return &IOError{Path: l.path, Cause: err}
	}
	if !info.ModTime().Equal(l.mtime) && time.Since(info.ModTime()) < staleLockInterval {
		return fmt.Errorf("lockfile was stolen by another process: %s", l.path)
	}
	return l.touch()
}

// release drops the lock. Best-effort: an already-missing lock directory
// is not an error, matching the "stale lockfiles are overrideable" design
// note in spec.md §4.2 and §7.
func (l *lockfile) release() error {
	if !l.held {
		return nil
	}
	l.held = false
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return &IOError{Path: l.path, Cause: err}
	}
	return nil
}
