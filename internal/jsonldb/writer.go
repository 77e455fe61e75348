package jsonldb

import "time"

// pendingLine is a journal entry resolved to its on-disk form. resolution
// happens while db.mu is held (so it sees the index's current state);
// the actual write happens after releasing the lock, so slow disk I/O
// never blocks foreground Get/Set calls for longer than the render step.
type pendingLine struct {
	truncate bool
	data     []byte
}

// run is the background writer's main loop: one goroutine per open [DB]
// owns the append file handle and the lockfile's keep-alive refresh,
// matching the single-owner-thread design of the host engine's
// persistence task (spec.md §4.5, §4.9). It drains wakeCh promptly for
// low-latency flushes and falls back to a short idle tick so a refresh
// and an auto-compact check still happen even when nothing is pending.
func (db *DB) run() {
	defer close(db.doneCh)

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	ticks := 0
	for {
		select {
		case <-db.stopCh:
			db.flush(true)
			return

		case fut := <-db.compactReqCh:
			db.flush(true)
			err := db.performCompaction()
			db.mu.Lock()
			db.compacting = nil
			db.mu.Unlock()
			fut.err = err
			close(fut.done)

		case <-db.wakeCh:
			db.maybeFlush()

		case <-ticker.C:
			ticks++
			db.maybeFlush()
			db.mu.Lock()
			timeDue := db.compacting == nil && db.failed == nil && db.policy.needByTime()
			db.mu.Unlock()
			if timeDue {
				go func() {
					if err := db.Compress(); err != nil {
						db.logger.Error("auto-compact failed", "error", err)
					}
				}()
			}
			if ticks%250 == 0 {
				db.refreshLock()
			}
		}
	}
}

// refreshLock extends the lockfile's lease. A failure here is fatal for
// the database: another process may now believe it owns the file.
func (db *DB) refreshLock() {
	db.mu.Lock()
	defer db.mu.Unlock()
	if !db.isOpen || db.failed != nil {
		return
	}
	if err := db.lock.refresh(); err != nil {
		db.failed = err
		db.logger.Error("lockfile lease lost; database is no longer safely writable", "error", err)
	}
}

// maybeFlush decides whether a flush should happen now. IntervalMs==0
// means "flush on every mutation" (no coalescing); otherwise flushes are
// gated to at most once per IntervalMs via db.flushGate, except that
// crossing the backpressure threshold always forces an immediate flush
// so waiters in [DB.waitForBackpressure] are not kept waiting a full
// throttle interval.
func (db *DB) maybeFlush() {
	db.mu.Lock()
	empty := len(db.journal) == 0
	force := db.opts.ThrottleFS.IntervalMs == 0
	if !force && db.opts.ThrottleFS.MaxBufferedCommands > 0 &&
		len(db.journal) >= db.opts.ThrottleFS.MaxBufferedCommands {
		force = true
	}
	db.mu.Unlock()

	if empty {
		return
	}
	if force {
		db.flush(false)
		return
	}
	db.flushGate.Do(func() { db.flush(false) })
}

// flush drains the pending journal, renders each entry against the
// index's *current* value for its key (so a set immediately followed by
// a delete before the next flush never reaches disk at all, and every set
// in a burst to the same key renders that key's final value — spec.md §9's
// journal re-resolution design), and appends the result to the log.
// final distinguishes the durable close/pre-compaction flush from the
// ordinary fast path: only a final flush fsyncs (spec.md §4.5 — "does
// not fsync on every flush in the fast path"); an ordinary flush pushes
// the buffered bytes to the OS and stops there, since fsync is the
// expensive part throttleFS.intervalMs exists to coalesce.
func (db *DB) flush(final bool) {
	db.mu.Lock()
	if len(db.journal) == 0 {
		db.mu.Unlock()
		if final {
			db.flushBuffered()
		}
		return
	}
	pending := db.journal
	db.journal = nil
	db.cond.Broadcast()

	lines := make([]pendingLine, 0, len(pending))
	changes := 0
	for _, op := range pending {
		switch op.kind {
		case opClear:
			lines = append(lines, pendingLine{truncate: true})
		case opDelete:
			data, err := encodeDelete(op.key)
			if err != nil {
				db.logger.Error("encode delete failed", "key", op.key, "error", err)
				continue
			}
			lines = append(lines, pendingLine{data: data})
			changes++
		case opSet:
			e := db.idx.Get(op.key)
			if e == nil {
				continue
			}
			data, err := encodeSet(op.key, e.raw)
			if err != nil {
				db.logger.Error("encode set failed", "key", op.key, "error", err)
				continue
			}
			lines = append(lines, pendingLine{data: data})
			changes++
		}
	}
	needsLF := db.needsLF
	db.mu.Unlock()

	if err := db.writeLines(lines, &needsLF); err != nil {
		db.recordFailure(err)
		return
	}
	if final {
		db.flushBuffered()
	} else if err := db.flushToOS(); err != nil {
		db.recordFailure(err)
		return
	}

	db.mu.Lock()
	db.needsLF = needsLF
	for i := 0; i < changes; i++ {
		db.policy.recordChange()
	}
	needCompact := false
	if info, err := db.file.Stat(); err == nil {
		needCompact = db.policy.shouldCompact(info.Size())
	}
	db.mu.Unlock()

	if needCompact {
		go func() {
			if err := db.Compress(); err != nil {
				db.logger.Error("auto-compact failed", "error", err)
			}
		}()
	}
}

// writeLines appends every rendered line to the log, honoring a
// truncate marker (from [DB.Clear]) by resetting the file to empty
// first. needsLF tracks whether the file's existing tail lacks a
// trailing newline (left by a prior crash mid-write); it is consulted
// once, before the first line written, then cleared.
func (db *DB) writeLines(lines []pendingLine, needsLF *bool) error {
	db.mu.Lock()
	file, w := db.file, db.writer
	db.mu.Unlock()
	if file == nil || w == nil {
		return nil
	}

	for _, ln := range lines {
		if ln.truncate {
			if err := w.Flush(); err != nil {
				return &IOError{Path: db.path, Cause: err}
			}
			if err := file.Truncate(0); err != nil {
				return &IOError{Path: db.path, Cause: err}
			}
			if _, err := file.Seek(0, 0); err != nil {
				return &IOError{Path: db.path, Cause: err}
			}
			*needsLF = false
			continue
		}
		if *needsLF {
			if err := w.WriteByte('\n'); err != nil {
				return &IOError{Path: db.path, Cause: err}
			}
			*needsLF = false
		}
		if _, err := w.Write(ln.data); err != nil {
			return &IOError{Path: db.path, Cause: err}
		}
		if err := w.WriteByte('\n'); err != nil {
			return &IOError{Path: db.path, Cause: err}
		}
	}
	return nil
}

// flushToOS pushes the bufio.Writer's buffered bytes to the OS without
// fsyncing — the cheap half of a flush, and all an ordinary
// timer/backpressure-triggered flush does. The data is visible to other
// file descriptors on the same file but not yet guaranteed durable.
func (db *DB) flushToOS() error {
	db.mu.Lock()
	w := db.writer
	db.mu.Unlock()
	if w == nil {
		return nil
	}
	if err := w.Flush(); err != nil {
		return &IOError{Path: db.path, Cause: err}
	}
	return nil
}

// flushBuffered pushes the bufio.Writer's contents to the OS and fsyncs
// the file, so a flush is durable once it returns, not merely buffered.
// Reserved for the close and pre-compaction paths (spec.md §4.5); the
// ordinary fast path uses [DB.flushToOS] instead.
func (db *DB) flushBuffered() {
	db.mu.Lock()
	file, w := db.file, db.writer
	db.mu.Unlock()
	if file == nil || w == nil {
		return
	}
	if err := w.Flush(); err != nil {
		db.recordFailure(&IOError{Path: db.path, Cause: err})
		return
	}
	if err := file.Sync(); err != nil {
		db.recordFailure(&IOError{Path: db.path, Cause: err})
	}
}

func (db *DB) recordFailure(err error) {
	db.mu.Lock()
	db.failed = err
	db.mu.Unlock()
	db.logger.Error("write pipeline failed", "error", err)
}
