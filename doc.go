// Package pagesync incrementally synchronizes a local dataset with a remote,
// paginated export service.
//
// The remote exposes two run modes, reported by its pagination metadata: a
// full "fresh" export, where every page carries brand-new records, and an
// incremental "cached" export, where pages carry new records plus field-level
// put/delete mutations against the existing dataset. A run fetches every page
// concurrently, stages pages to per-page files on disk, and then compacts the
// previous dataset, the staged records, and the staged mutations into a new
// flat dataset file, one flattened record per line, strictly sorted and
// unique by uuid, installed over the old one by an atomic rename.
//
// # Quick Start
//
//	s := pagesync.New("http://export.internal:8080",
//	    pagesync.WithWorkers(8),
//	    pagesync.WithDataDir("/var/lib/feed"),
//	)
//	stats, err := s.Run(ctx)
//	if err != nil {
//	    slog.Error("sync failed", "error", err, "stats", stats)
//	    return err
//	}
//	slog.Info("sync complete", "stats", stats)
//
// # Fetching
//
// Run performs one metadata request against the base URL, then submits
// total_pages homogeneous fetch tasks to a pool of WithWorkers goroutines.
// Page requests are pull-based and stateless: a worker never asks for a
// specific page; the server decides which page each GET /get-page receives
// and never serves the same page twice within a run. Each worker decodes its
// page, stages the records (and, on cached runs, the mutations) to disk, and
// increments a shared counter. The increment and the completion check happen
// under one lock, so exactly one worker observes the final count. That
// worker runs the merge before returning, and Run's join barrier guarantees
// the merge never overlaps another worker's staging writes.
//
// There are no retries and no partial results: the first failure aborts the
// run, and every failure is classified as one of the [ErrorKind] values.
//
// # Merging
//
// The merge is a single streaming pass over three ordered sources: the old
// dataset file, the staged record files in ascending page-number order
// (globally sorted, because the remote partitions the key space by page),
// and a cursor over the staged mutation files. Each old line is patched at
// most once: a put overwrites author, message, and likes, and overwrites
// the image only when the payload carries one; a delete drops the line. The
// output is written to a scratch file and installed by os.Rename, so a
// reader of the dataset file never observes a partially written state, and
// a failed run leaves the previous dataset exactly as it was.
//
// On the very first run (no dataset file yet) the merge is skipped entirely:
// the staged record files are concatenated in page-number order, which is
// already the sorted dataset. First runs carry no mutations; the client
// verifies this instead of assuming it.
//
// # Files
//
// All files live in the WithDataDir directory. results.csv is the durable
// dataset. merge.csv, posts_<page>.csv, and mutations_<page>.bin are
// transient to one run; a successful run removes the staging files it
// consumed, while a failed run leaves them behind for inspection (a retried
// run overwrites the page numbers it revisits).
package pagesync
