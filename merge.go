package pagesync

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
)

// maxLineBytes caps a single flattened line. Messages and inlined image
// payloads can far exceed bufio.Scanner's 64 KiB default token size.
const maxLineBytes = 64 << 20

// lineStream yields lines from an ordered sequence of files, one buffered
// line of lookahead at most. It is the per-stream state machine of the
// merge: buffered item, fetch next, or exhausted.
type lineStream struct {
	buffered *string
	scanner  *bufio.Scanner
	file     *os.File
	openNext func() (*os.File, error) // nil file when no source remains
	consumed []string                 // paths read to completion, for cleanup
	done     bool
}

// newDatasetStream streams the existing dataset file. The merge only runs
// when a prior dataset is present, so a missing file is a storage failure
// here, not a first-run signal.
func newDatasetStream(path string) *lineStream {
	opened := false
	return &lineStream{
		openNext: func() (*os.File, error) {
			if opened {
				return nil, nil
			}
			opened = true
			f, err := os.Open(path)
			if err != nil {
				return nil, storageErr("open dataset", err)
			}
			return f, nil
		},
	}
}

// newStagedStream streams the staging record files registered in pages, in
// ascending page-number order. Pages are partitioned by key range on the
// remote side, so the concatenation is itself globally sorted.
func newStagedStream(dir string, pages *pageSet) *lineStream {
	return &lineStream{
		openNext: func() (*os.File, error) {
			page, ok := pages.popMin()
			if !ok {
				return nil, nil
			}
			f, err := os.Open(recordFilePath(dir, page))
			if err != nil {
				return nil, storageErr("open staged records", err)
			}
			return f, nil
		},
	}
}

// next returns the buffered line if one is pending, otherwise the next line
// of the current file, advancing through the file sequence as sources drain.
// ok is false once every source is exhausted.
func (ls *lineStream) next() (line string, ok bool, err error) {
	if ls.buffered != nil {
		line, ls.buffered = *ls.buffered, nil
		return line, true, nil
	}
	for {
		if ls.done {
			return "", false, nil
		}
		if ls.scanner == nil {
			f, err := ls.openNext()
			if err != nil {
				return "", false, err
			}
			if f == nil {
				ls.done = true
				return "", false, nil
			}
			ls.file = f
			ls.scanner = bufio.NewScanner(f)
			ls.scanner.Buffer(nil, maxLineBytes)
		}
		if ls.scanner.Scan() {
			return ls.scanner.Text(), true, nil
		}
		if err := ls.scanner.Err(); err != nil {
			ls.file.Close()
			return "", false, storageErr("read stream", err)
		}
		ls.consumed = append(ls.consumed, ls.file.Name())
		if err := ls.file.Close(); err != nil {
			return "", false, storageErr("read stream", err)
		}
		ls.scanner, ls.file = nil, nil
	}
}

// push buffers a line for the next call to next. At most one line is ever
// buffered per stream.
func (ls *lineStream) push(line string) {
	ls.buffered = &line
}

func (ls *lineStream) close() {
	if ls.file != nil {
		ls.file.Close()
		ls.scanner, ls.file = nil, nil
	}
}

// merge produces the new dataset: the old dataset with mutations applied
// field-by-field and deletions removed, and every staged record inserted in
// sorted position. One streaming pass, a single pending line per stream.
// The output goes to a scratch file and is installed by an atomic rename,
// so the live dataset is never observed partially written.
func (s *Syncer) merge(st *runState, stats *Stats) error {
	const op = "merge"

	scratch := filepath.Join(s.dataDir, scratchFileName)
	out, err := os.Create(scratch)
	if err != nil {
		return storageErr(op, err)
	}
	w := bufio.NewWriter(out)

	oldStream := newDatasetStream(filepath.Join(s.dataDir, DatasetFileName))
	newStream := newStagedStream(s.dataDir, st.staged)
	defer oldStream.close()
	defer newStream.close()

	patches := newPatchCursor(s.dataDir, st.mutations, stats)

	writeLine := func(line string, inserted bool) error {
		if _, err := w.WriteString(line + "\n"); err != nil {
			return storageErr(op, err)
		}
		stats.incWritten(1)
		if inserted {
			stats.incInserted(1)
		}
		return nil
	}

	// nextOld pulls the next surviving old line, already patched. Deleted
	// lines are consumed here and never reach the comparison. A line that
	// lost the comparison is parked in pendingOld: it was already matched
	// against the patch cursor and must not be consulted again.
	var pendingOld *string
	nextOld := func() (string, bool, error) {
		if pendingOld != nil {
			line := *pendingOld
			pendingOld = nil
			return line, true, nil
		}
		for {
			line, ok, err := oldStream.next()
			if err != nil || !ok {
				return "", ok, err
			}
			patched, deleted, err := patches.apply(line)
			if err != nil {
				return "", false, err
			}
			if deleted {
				continue
			}
			return patched, true, nil
		}
	}

	drainNew := func() error {
		for {
			line, ok, err := newStream.next()
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			if err := writeLine(line, true); err != nil {
				return err
			}
		}
	}

	if err := func() error {
		for {
			oldLine, ok, err := nextOld()
			if err != nil {
				return err
			}
			if !ok {
				return drainNew()
			}

			newLine, ok, err := newStream.next()
			if err != nil {
				return err
			}
			if !ok {
				// New stream exhausted: the old line and the rest of the
				// old stream (each individually patched) close the output.
				if err := writeLine(oldLine, false); err != nil {
					return err
				}
				for {
					line, ok, err := nextOld()
					if err != nil {
						return err
					}
					if !ok {
						return nil
					}
					if err := writeLine(line, false); err != nil {
						return err
					}
				}
			}

			oldKey, err := lineKey(oldLine)
			if err != nil {
				return err
			}
			newKey, err := lineKey(newLine)
			if err != nil {
				return err
			}
			if oldKey == newKey {
				return integrityErr(op, keyCollision(oldKey))
			}

			if oldKey < newKey {
				if err := writeLine(oldLine, false); err != nil {
					return err
				}
				newStream.push(newLine)
			} else {
				if err := writeLine(newLine, true); err != nil {
					return err
				}
				pendingOld = &oldLine
			}
		}
	}(); err != nil {
		out.Close()
		return err
	}

	if err := w.Flush(); err != nil {
		out.Close()
		return storageErr(op, err)
	}
	if err := out.Close(); err != nil {
		return storageErr(op, err)
	}
	if err := os.Rename(scratch, filepath.Join(s.dataDir, DatasetFileName)); err != nil {
		return storageErr(op, err)
	}

	s.cleanupStaging(newStream, patches, st)
	return nil
}

// concatenate is the first-run fast path: with no prior dataset, the new
// dataset is the staged record files joined in page-number order, already
// globally sorted. Mutations are guaranteed absent on a first run; the
// guarantee is checked rather than assumed.
func (s *Syncer) concatenate(st *runState, stats *Stats) error {
	const op = "first-run concatenate"

	if n := st.mutations.len(); n > 0 {
		return integrityErr(op, errFirstRunMutations(n))
	}

	scratch := filepath.Join(s.dataDir, scratchFileName)
	out, err := os.Create(scratch)
	if err != nil {
		return storageErr(op, err)
	}

	var consumed []string
	for {
		page, ok := st.staged.popMin()
		if !ok {
			break
		}
		path := recordFilePath(s.dataDir, page)
		in, err := os.Open(path)
		if err != nil {
			out.Close()
			return storageErr(op, err)
		}
		if _, err := io.Copy(out, in); err != nil {
			in.Close()
			out.Close()
			return storageErr(op, err)
		}
		if err := in.Close(); err != nil {
			out.Close()
			return storageErr(op, err)
		}
		consumed = append(consumed, path)
	}

	if err := out.Close(); err != nil {
		return storageErr(op, err)
	}
	if err := os.Rename(scratch, filepath.Join(s.dataDir, DatasetFileName)); err != nil {
		return storageErr(op, err)
	}

	stats.incWritten(stats.RecordsStaged())
	stats.incInserted(stats.RecordsStaged())
	s.removeFiles(consumed)
	return nil
}

// cleanupStaging removes the staging files a successful merge consumed,
// plus any mutation files the patch cursor never had to load (the old
// stream can end before every mutation page is visited).
func (s *Syncer) cleanupStaging(newStream *lineStream, patches *patchCursor, st *runState) {
	s.removeFiles(newStream.consumed)
	s.removeFiles(patches.consumed)
	for {
		page, ok := st.mutations.popMin()
		if !ok {
			return
		}
		s.removeFiles([]string{mutationFilePath(s.dataDir, page)})
	}
}

func (s *Syncer) removeFiles(paths []string) {
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			s.log.Warn("failed to remove staging file", "path", p, "error", err)
		}
	}
}
