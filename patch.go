package pagesync

import (
	"fmt"
	"strconv"
	"strings"
)

// patchState tracks where the cursor is in its one-way walk over the staged
// mutation files.
type patchState int

const (
	patchNeedLoad  patchState = iota // buffer empty, more files may remain
	patchHave                        // buffer holds at least one mutation
	patchExhausted                   // no files and no buffer left; stays here
)

// patchCursor applies staged put/delete mutations to dataset lines on the
// fly. Mutation files are loaded lazily in ascending page-number order, and
// because mutations are globally non-decreasing by uuid (within a page and
// across pages in page order), one forward pass over the buffer suffices:
// the cursor never rewinds.
type patchCursor struct {
	dir   string
	pages *pageSet
	state patchState

	buf  []Mutation
	head int // index of the first unconsumed mutation in buf

	consumed []string // loaded file paths, for cleanup after install
	stats    *Stats
}

func newPatchCursor(dir string, pages *pageSet, stats *Stats) *patchCursor {
	return &patchCursor{
		dir:   dir,
		pages: pages,
		state: patchNeedLoad,
		stats: stats,
	}
}

// apply consults the cursor for the given dataset line. It returns the line
// with any matching put applied, and deleted=true when a delete mutation
// matched. Each line is consulted exactly once, when it is first read from
// the old stream.
func (pc *patchCursor) apply(line string) (patched string, deleted bool, err error) {
	key, err := lineKey(line)
	if err != nil {
		return "", false, err
	}

	for {
		switch pc.state {
		case patchExhausted:
			return line, false, nil

		case patchNeedLoad:
			page, ok := pc.pages.popMin()
			if !ok {
				// One-way latch: no lookups for the rest of the run.
				pc.state = patchExhausted
				return line, false, nil
			}
			path := mutationFilePath(pc.dir, page)
			muts, err := readMutationFile(path)
			if err != nil {
				return "", false, err
			}
			pc.consumed = append(pc.consumed, path)
			pc.buf = append(pc.buf[:0], muts...)
			pc.head = 0
			if len(pc.buf) == 0 {
				continue // empty file, keep loading
			}
			pc.state = patchHave

		case patchHave:
			mut := pc.buf[pc.head]
			switch {
			case mut.UUID < key:
				// The mutation targets a uuid absent from the old dataset
				// (it arrives via the new stream only); the line's key has
				// already advanced past it, so it can never match. Discard.
				pc.advance()
			case mut.UUID == key:
				pc.advance()
				return pc.applyOne(mut, line, key)
			default:
				// Not yet relevant; leave the buffer untouched.
				return line, false, nil
			}
		}
	}
}

// applyOne rewrites line according to mut. For a put, author, message, and
// likes are always overwritten; the image is overwritten only when the
// payload carries one, otherwise the old image survives.
func (pc *patchCursor) applyOne(mut Mutation, line, key string) (string, bool, error) {
	if mut.Delete {
		pc.stats.incDeleted(1)
		return "", true, nil
	}
	if mut.Put == nil {
		return "", false, integrityErr("apply mutation", fmt.Errorf("mutation for %q has neither put nor delete", key))
	}

	image := ""
	if mut.Put.Image != nil {
		image = *mut.Put.Image
	} else {
		fields := strings.SplitN(line, fieldDelim, 5)
		if len(fields) != 5 {
			return "", false, integrityErr("apply mutation", fmt.Errorf("line for %q does not have 5 fields", key))
		}
		image = fields[4]
	}

	pc.stats.incPatched(1)
	parts := []string{key, mut.Put.Author, mut.Put.Message, strconv.Itoa(mut.Put.Likes), image}
	return strings.Join(parts, fieldDelim), false, nil
}

func (pc *patchCursor) advance() {
	pc.head++
	if pc.head == len(pc.buf) {
		pc.buf = pc.buf[:0]
		pc.head = 0
		pc.state = patchNeedLoad
	}
}
