package pagesync

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sync/errgroup"
)

// DefaultWorkers is the worker count used when WithWorkers is not given.
const DefaultWorkers = 4

// Syncer performs one-shot synchronization runs against a paginated remote
// export. Construct it with New and reuse it across runs; each Run owns its
// state and a Syncer is safe to use from one goroutine at a time.
type Syncer struct {
	baseURL    string
	workers    int
	dataDir    string
	httpc      *http.Client
	log        *slog.Logger
	onProgress func(fetched, total int)
}

// Option configures a Syncer.
type Option func(*Syncer)

// WithWorkers sets the number of concurrent page workers.
// Values less than 1 are ignored.
func WithWorkers(n int) Option {
	return func(s *Syncer) {
		if n >= 1 {
			s.workers = n
		}
	}
}

// WithDataDir sets the directory holding the dataset and staging files.
// Defaults to the current directory.
func WithDataDir(dir string) Option {
	return func(s *Syncer) {
		if dir != "" {
			s.dataDir = dir
		}
	}
}

// WithHTTPClient overrides the HTTP client used for remote requests.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Syncer) {
		if c != nil {
			s.httpc = c
		}
	}
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Syncer) {
		if l != nil {
			s.log = l
		}
	}
}

// WithProgress registers a callback invoked after every completed page
// fetch with the running count and the run's total. It is called from
// worker goroutines and must be safe for concurrent use; avoid blocking
// work inside it.
func WithProgress(fn func(fetched, total int)) Option {
	return func(s *Syncer) { s.onProgress = fn }
}

// New creates a Syncer for the remote export service at baseURL.
func New(baseURL string, opts ...Option) *Syncer {
	s := &Syncer{
		baseURL: baseURL,
		workers: DefaultWorkers,
		dataDir: ".",
		httpc:   http.DefaultClient,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run executes one sync run: one metadata request, total_pages concurrent
// page fetches staged to disk, and the merge that installs the new dataset,
// triggered by whichever worker completes the final page.
//
// Run returns once every fetch and, when triggered, the merge has finished.
// On success the dataset file reflects the new state; on any failure the
// previously installed dataset file is untouched and the whole run can be
// retried. The returned Stats are valid in both cases and reflect the work
// done before the failure.
func (s *Syncer) Run(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	c := newClient(s.httpc, s.baseURL)

	meta, err := c.metadata(ctx)
	if err != nil {
		return stats, err
	}
	if meta.TotalPages == 0 {
		s.log.Info("nothing to sync", "kind", meta.Kind)
		return stats, nil
	}

	// The fast-path decision is made from the state of the world at the
	// start of the run, before any worker writes.
	firstSync := !s.datasetExists()

	s.log.Info("sync starting",
		"kind", meta.Kind,
		"total_pages", meta.TotalPages,
		"workers", s.workers,
		"first_sync", firstSync,
	)

	st := newRunState(meta)

	// Tasks are homogeneous and carry no page identity: the remote decides
	// which page each request receives. The group context short-circuits
	// remaining fetches once the first worker fails.
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(s.workers)
	for i := 0; i < meta.TotalPages; i++ {
		group.Go(func() error {
			return s.fetchAndStage(gctx, c, st, firstSync, stats)
		})
	}

	if err := group.Wait(); err != nil {
		s.log.Error("sync failed", "error", err, "stats", stats)
		return stats, err
	}

	s.log.Info("sync complete", "stats", stats)
	return stats, nil
}

// fetchAndStage is one page worker: fetch one page, decode it per the run's
// kind, stage it to disk, and bump the fetched-page counter. The worker that
// completes the final page runs the merge (or the first-run concatenation)
// before returning; by then every other worker's staging writes are visible.
func (s *Syncer) fetchAndStage(ctx context.Context, c *client, st *runState, firstSync bool, stats *Stats) error {
	body, err := c.page(ctx)
	if err != nil {
		return err
	}

	var pageNumber int
	switch st.meta.Kind {
	case SyncFresh:
		var page FreshPage
		if err := msgpack.Unmarshal(body, &page); err != nil {
			return decodeErr("fetch page", err)
		}
		pageNumber = page.PageNumber
		if err := s.stageRecords(st, page.PageNumber, page.Records, stats); err != nil {
			return err
		}

	case SyncCache:
		var page CachePage
		if err := msgpack.Unmarshal(body, &page); err != nil {
			return decodeErr("fetch page", err)
		}
		pageNumber = page.PageNumber
		if err := s.stageRecords(st, page.PageNumber, page.Records, stats); err != nil {
			return err
		}
		if len(page.Mutations) > 0 {
			if err := writeMutationFile(mutationFilePath(s.dataDir, page.PageNumber), page.Mutations); err != nil {
				return err
			}
			st.mutations.add(page.PageNumber)
			stats.incMutationsStaged(int64(len(page.Mutations)))
		}

	default:
		return decodeErr("fetch page", fmt.Errorf("unknown pagination kind %q", st.meta.Kind))
	}

	fetched, last := st.finishPage()
	stats.incPagesFetched(1)
	s.log.Debug("page fetched", "page", pageNumber, "fetched", fetched, "total", st.meta.TotalPages)
	if s.onProgress != nil {
		s.onProgress(fetched, st.meta.TotalPages)
	}
	if !last {
		return nil
	}

	if firstSync {
		return s.concatenate(st, stats)
	}
	return s.merge(st, stats)
}

// stageRecords writes one page's records to its staging file and registers
// the page number.
func (s *Syncer) stageRecords(st *runState, page int, records []Record, stats *Stats) error {
	if err := writeRecordFile(recordFilePath(s.dataDir, page), records); err != nil {
		return err
	}
	st.staged.add(page)
	stats.incRecordsStaged(int64(len(records)))
	return nil
}

func (s *Syncer) datasetExists() bool {
	_, err := os.Stat(filepath.Join(s.dataDir, DatasetFileName))
	return err == nil
}
