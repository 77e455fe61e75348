package jsonldb

import (
	"bufio"
	"log/slog"
	"os"
)

// replayResult reports what replay found, feeding both index population
// and auto-compact bookkeeping (the "needs compaction" signal after a
// lenient skip, per spec.md §9's open question).
type replayResult struct {
	fileSize        int64
	needsTrailingLF bool
	sawCorruption   bool
}

// replay streams path line by line, applying each record to idx/sidx in
// order (spec.md §4.3, invariant 1). Empty lines are silently skipped. On
// the first malformed line: if ignoreReadErrors is set, the line is
// skipped and replay continues (recording that the file should be
// compacted soon to drop the corrupt tail); otherwise replay stops and
// returns [InvalidDataError] with the 1-based line number.
func replay(path string, idx *skipList, sidx *secondaryIndex, ignoreReadErrors bool, logger *slog.Logger) (replayResult, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return replayResult{}, nil
	}
	if err != nil {
		return replayResult{}, &IOError{Path: path, Cause: err}
	}
	defer f.Close()

	var res replayResult
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 64*1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if isBlankLine(line) {
			continue
		}

		rec, err := decodeLine(line)
		if err != nil {
			if !ignoreReadErrors {
				return res, &InvalidDataError{Line: lineNo, Reason: err.Error()}
			}
			res.sawCorruption = true
			logger.Warn("skipping malformed log line", "line", lineNo, "reason", err.Error())
			continue
		}
		applyRecord(idx, sidx, rec)
	}
	if err := scanner.Err(); err != nil {
		return res, &IOError{Path: path, Cause: err}
	}

	if info, err := f.Stat(); err == nil {
		res.fileSize = info.Size()
	}
	needsLF, err := fileNeedsTrailingLF(f, res.fileSize)
	if err != nil {
		return res, &IOError{Path: path, Cause: err}
	}
	res.needsTrailingLF = needsLF
	return res, nil
}

// fileNeedsTrailingLF reports whether f's last byte is not '\n'. bufio's
// line scanner cannot tell "a\nb\n" apart from "a\nb" — both scan to the
// same ["a","b"] token sequence — so the check has to read the byte
// directly, the way the original's file_needs_lf does.
func fileNeedsTrailingLF(f *os.File, size int64) (bool, error) {
	if size == 0 {
		return false, nil
	}
	var b [1]byte
	if _, err := f.ReadAt(b[:], size-1); err != nil {
		return false, err
	}
	return b[0] != '\n', nil
}

// applyRecord folds a single decoded record into the index and secondary
// index during replay. The live mutation path ([DB.Set], [DB.Delete]) and
// import update the two indexes with their own code.
func applyRecord(idx *skipList, sidx *secondaryIndex, rec record) {
	if !rec.HasV {
		if e := idx.Get(rec.K); e != nil {
			sidx.retract(rec.K, e.terms)
		}
		idx.Delete(rec.K)
		return
	}

	entry := newEntryFromRaw(rec.V)
	if v, err := entry.value(); err == nil {
		entry.terms = sidx.termsFor(v)
	}

	if old := idx.Get(rec.K); old != nil {
		sidx.retract(rec.K, old.terms)
	}
	idx.Set(rec.K, entry)
	sidx.put(rec.K, entry.terms)
}
