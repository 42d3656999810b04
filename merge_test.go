package pagesync

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSyncer(t *testing.T) *Syncer {
	t.Helper()
	return New("http://unused", WithDataDir(t.TempDir()), WithLogger(discardLogger()))
}

func writeDataset(t *testing.T, dir string, lines ...string) {
	t.Helper()
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, DatasetFileName), []byte(content), 0o644))
}

func readDataset(t *testing.T, dir string) string {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(dir, DatasetFileName))
	require.NoError(t, err)
	return string(b)
}

func stagePage(t *testing.T, dir string, st *runState, page int, records ...Record) {
	t.Helper()
	require.NoError(t, writeRecordFile(recordFilePath(dir, page), records))
	st.staged.add(page)
}

func stageMutations(t *testing.T, dir string, st *runState, page int, muts ...Mutation) {
	t.Helper()
	require.NoError(t, writeMutationFile(mutationFilePath(dir, page), muts))
	st.mutations.add(page)
}

func strptr(s string) *string { return &s }

// =============================================================================
// Merge Engine
// =============================================================================

// The worked example from the design discussion: record 1 is field-updated
// with its image preserved, record 2 is inserted in place, record 3 is
// deleted.
func TestMerge_PatchInsertDelete(t *testing.T) {
	s := newTestSyncer(t)
	writeDataset(t, s.dataDir, "1,alice,hi,5,", "3,bob,yo,2,")

	st := newRunState(PaginationMetadata{TotalPages: 1, Kind: SyncCache})
	stagePage(t, s.dataDir, st, 1, Record{UUID: "2", Author: "carol", Message: "new", Likes: 0})
	stageMutations(t, s.dataDir, st, 1,
		Mutation{UUID: "1", Put: &PutPayload{Author: "alice2", Message: "hi2", Likes: 6}},
		Mutation{UUID: "3", Delete: true},
	)

	stats := &Stats{}
	require.NoError(t, s.merge(st, stats))

	require.Equal(t, "1,alice2,hi2,6,\n2,carol,new,0,\n", readDataset(t, s.dataDir))
	require.Equal(t, int64(1), stats.RecordsPatched())
	require.Equal(t, int64(1), stats.RecordsDeleted())
	require.Equal(t, int64(1), stats.RecordsInserted())
	require.Equal(t, int64(2), stats.RecordsWritten())
}

func TestMerge_PreservesImageWhenPutOmitsIt(t *testing.T) {
	s := newTestSyncer(t)
	writeDataset(t, s.dataDir, "a,ann,old,1,pic.png")

	st := newRunState(PaginationMetadata{TotalPages: 1, Kind: SyncCache})
	stageMutations(t, s.dataDir, st, 1,
		Mutation{UUID: "a", Put: &PutPayload{Author: "ann", Message: "edited", Likes: 2}},
	)

	require.NoError(t, s.merge(st, &Stats{}))
	require.Equal(t, "a,ann,edited,2,pic.png\n", readDataset(t, s.dataDir))
}

func TestMerge_OverwritesImageWithEmptyValue(t *testing.T) {
	s := newTestSyncer(t)
	writeDataset(t, s.dataDir, "a,ann,old,1,pic.png")

	st := newRunState(PaginationMetadata{TotalPages: 1, Kind: SyncCache})
	stageMutations(t, s.dataDir, st, 1,
		Mutation{UUID: "a", Put: &PutPayload{Author: "ann", Message: "edited", Likes: 2, Image: strptr("")}},
	)

	require.NoError(t, s.merge(st, &Stats{}))
	require.Equal(t, "a,ann,edited,2,\n", readDataset(t, s.dataDir))
}

func TestMerge_InsertsAtEveryPosition(t *testing.T) {
	s := newTestSyncer(t)
	writeDataset(t, s.dataDir, "b,x,m,0,", "d,x,m,0,")

	st := newRunState(PaginationMetadata{TotalPages: 2, Kind: SyncCache})
	stagePage(t, s.dataDir, st, 1,
		Record{UUID: "a", Author: "x", Message: "m", Likes: 0},
		Record{UUID: "c", Author: "x", Message: "m", Likes: 0},
	)
	stagePage(t, s.dataDir, st, 2, Record{UUID: "e", Author: "x", Message: "m", Likes: 0})

	require.NoError(t, s.merge(st, &Stats{}))
	require.Equal(t,
		"a,x,m,0,\nb,x,m,0,\nc,x,m,0,\nd,x,m,0,\ne,x,m,0,\n",
		readDataset(t, s.dataDir))
}

func TestMerge_EmptyDeltaIsByteIdentical(t *testing.T) {
	s := newTestSyncer(t)
	writeDataset(t, s.dataDir, "1,a,m,0,", "2,b,m,0,", "3,c,m,0,")
	before := readDataset(t, s.dataDir)

	st := newRunState(PaginationMetadata{TotalPages: 1, Kind: SyncCache})
	stagePage(t, s.dataDir, st, 1) // page fetched, no records on it

	require.NoError(t, s.merge(st, &Stats{}))
	require.Equal(t, before, readDataset(t, s.dataDir))
}

func TestMerge_MutationsOnlyNoNewRecords(t *testing.T) {
	s := newTestSyncer(t)
	writeDataset(t, s.dataDir, "1,a,m,0,", "2,b,m,0,", "3,c,m,0,")

	st := newRunState(PaginationMetadata{TotalPages: 1, Kind: SyncCache})
	stageMutations(t, s.dataDir, st, 1, Mutation{UUID: "2", Delete: true})

	require.NoError(t, s.merge(st, &Stats{}))
	require.Equal(t, "1,a,m,0,\n3,c,m,0,\n", readDataset(t, s.dataDir))
}

// Deleting every old line must still drain the staged records.
func TestMerge_DeleteOnlyOldLine(t *testing.T) {
	s := newTestSyncer(t)
	writeDataset(t, s.dataDir, "b,x,m,0,")

	st := newRunState(PaginationMetadata{TotalPages: 1, Kind: SyncCache})
	stagePage(t, s.dataDir, st, 1, Record{UUID: "a", Author: "y", Message: "m", Likes: 1})
	stageMutations(t, s.dataDir, st, 1, Mutation{UUID: "b", Delete: true})

	require.NoError(t, s.merge(st, &Stats{}))
	require.Equal(t, "a,y,m,1,\n", readDataset(t, s.dataDir))
}

// A mutation targeting a uuid that only exists in the new stream is passed
// over without touching the surrounding old lines.
func TestMerge_SkipsMutationForNewStreamUUID(t *testing.T) {
	s := newTestSyncer(t)
	writeDataset(t, s.dataDir, "1,a,m,0,", "5,b,m,0,")

	st := newRunState(PaginationMetadata{TotalPages: 1, Kind: SyncCache})
	stagePage(t, s.dataDir, st, 1, Record{UUID: "3", Author: "c", Message: "m", Likes: 0})
	stageMutations(t, s.dataDir, st, 1,
		Mutation{UUID: "3", Put: &PutPayload{Author: "nope", Message: "nope", Likes: 9}},
		Mutation{UUID: "5", Delete: true},
	)

	require.NoError(t, s.merge(st, &Stats{}))
	require.Equal(t, "1,a,m,0,\n3,c,m,0,\n", readDataset(t, s.dataDir))
}

// Lines are bounded only by the no-delimiter/no-newline rule on fields, so
// the merge must read lines well past bufio.Scanner's 64 KiB default.
func TestMerge_HandlesOversizedLines(t *testing.T) {
	s := newTestSyncer(t)
	bigOld := "a,ann," + strings.Repeat("x", 80<<10) + ",1,"
	writeDataset(t, s.dataDir, bigOld)

	st := newRunState(PaginationMetadata{TotalPages: 1, Kind: SyncCache})
	bigImage := strings.Repeat("y", 80<<10)
	stagePage(t, s.dataDir, st, 1, Record{UUID: "b", Author: "bob", Message: "m", Likes: 0, Image: &bigImage})

	require.NoError(t, s.merge(st, &Stats{}))
	require.Equal(t, bigOld+"\nb,bob,m,0,"+bigImage+"\n", readDataset(t, s.dataDir))
}

func TestMerge_KeyCollisionIsIntegrityViolation(t *testing.T) {
	s := newTestSyncer(t)
	writeDataset(t, s.dataDir, "1,a,m,0,")
	before := readDataset(t, s.dataDir)

	st := newRunState(PaginationMetadata{TotalPages: 1, Kind: SyncCache})
	stagePage(t, s.dataDir, st, 1, Record{UUID: "1", Author: "dup", Message: "m", Likes: 0})

	err := s.merge(st, &Stats{})
	require.Error(t, err)
	kind, ok := KindOf(err)
	require.True(t, ok)
	require.Equal(t, KindIntegrity, kind)

	// The failure must not have touched the installed dataset.
	require.Equal(t, before, readDataset(t, s.dataDir))
}

func TestMerge_RemovesConsumedStagingFiles(t *testing.T) {
	s := newTestSyncer(t)
	writeDataset(t, s.dataDir, "1,a,m,0,")

	st := newRunState(PaginationMetadata{TotalPages: 1, Kind: SyncCache})
	stagePage(t, s.dataDir, st, 1, Record{UUID: "2", Author: "b", Message: "m", Likes: 0})
	stageMutations(t, s.dataDir, st, 1, Mutation{UUID: "1", Delete: true})
	// A mutation file for keys past the end of the old dataset is never
	// loaded by the cursor; cleanup must still remove it.
	stageMutations(t, s.dataDir, st, 2, Mutation{UUID: "9", Delete: true})

	require.NoError(t, s.merge(st, &Stats{}))

	require.NoFileExists(t, recordFilePath(s.dataDir, 1))
	require.NoFileExists(t, mutationFilePath(s.dataDir, 1))
	require.NoFileExists(t, mutationFilePath(s.dataDir, 2))
	require.NoFileExists(t, filepath.Join(s.dataDir, scratchFileName))
}

// =============================================================================
// First-Run Fast Path
// =============================================================================

func TestConcatenate_JoinsPagesInOrder(t *testing.T) {
	s := newTestSyncer(t)

	st := newRunState(PaginationMetadata{TotalPages: 3, Kind: SyncFresh})
	// Staged out of order; page-number order must win.
	stagePage(t, s.dataDir, st, 3, Record{UUID: "5", Author: "e", Message: "m", Likes: 0})
	stagePage(t, s.dataDir, st, 1,
		Record{UUID: "1", Author: "a", Message: "m", Likes: 0},
		Record{UUID: "2", Author: "b", Message: "m", Likes: 0},
	)
	stagePage(t, s.dataDir, st, 2, Record{UUID: "3", Author: "c", Message: "m", Likes: 0})

	stats := &Stats{}
	stats.incRecordsStaged(4)
	require.NoError(t, s.concatenate(st, stats))

	require.Equal(t, "1,a,m,0,\n2,b,m,0,\n3,c,m,0,\n5,e,m,0,\n", readDataset(t, s.dataDir))
	require.NoFileExists(t, recordFilePath(s.dataDir, 1))
	require.NoFileExists(t, recordFilePath(s.dataDir, 2))
	require.NoFileExists(t, recordFilePath(s.dataDir, 3))
}

func TestConcatenate_FailsOnStagedMutations(t *testing.T) {
	s := newTestSyncer(t)

	st := newRunState(PaginationMetadata{TotalPages: 1, Kind: SyncCache})
	stagePage(t, s.dataDir, st, 1, Record{UUID: "1", Author: "a", Message: "m", Likes: 0})
	stageMutations(t, s.dataDir, st, 1, Mutation{UUID: "1", Delete: true})

	err := s.concatenate(st, &Stats{})
	require.Error(t, err)
	kind, ok := KindOf(err)
	require.True(t, ok)
	require.Equal(t, KindIntegrity, kind)

	// Nothing was installed.
	require.NoFileExists(t, filepath.Join(s.dataDir, DatasetFileName))
}

// =============================================================================
// Line Streams
// =============================================================================

func TestLineStream_SkipsEmptyFilesAndPushesBack(t *testing.T) {
	dir := t.TempDir()
	pages := newPageSet()
	require.NoError(t, writeRecordFile(recordFilePath(dir, 1), nil))
	require.NoError(t, writeRecordFile(recordFilePath(dir, 2), []Record{
		{UUID: "x", Author: "a", Message: "m", Likes: 0},
	}))
	pages.add(1)
	pages.add(2)

	stream := newStagedStream(dir, pages)

	line, ok, err := stream.next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "x,a,m,0,", line)

	stream.push(line)
	line, ok, err = stream.next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "x,a,m,0,", line)

	_, ok, err = stream.next()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDatasetStream_MissingFileIsStorageError(t *testing.T) {
	stream := newDatasetStream(filepath.Join(t.TempDir(), DatasetFileName))
	_, _, err := stream.next()
	require.Error(t, err)
	kind, ok := KindOf(err)
	require.True(t, ok)
	require.Equal(t, KindStorage, kind)
}
