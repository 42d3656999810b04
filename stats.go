package pagesync

import (
	"encoding/json"
	"log/slog"
	"sync/atomic"
)

// Stats provides run statistics with thread-safe access. Counter fields use
// atomic operations for safe concurrent access from worker goroutines; they
// are observational and play no part in run coordination.
type Stats struct {
	pagesFetched    atomic.Int64
	recordsStaged   atomic.Int64
	mutationsStaged atomic.Int64
	recordsWritten  atomic.Int64
	recordsInserted atomic.Int64
	recordsPatched  atomic.Int64
	recordsDeleted  atomic.Int64
}

// PagesFetched returns the number of pages fetched and staged.
func (s *Stats) PagesFetched() int64 { return s.pagesFetched.Load() }

// RecordsStaged returns the number of new records staged to disk.
func (s *Stats) RecordsStaged() int64 { return s.recordsStaged.Load() }

// MutationsStaged returns the number of put/delete mutations staged to disk.
func (s *Stats) MutationsStaged() int64 { return s.mutationsStaged.Load() }

// RecordsWritten returns the number of lines written to the new dataset.
func (s *Stats) RecordsWritten() int64 { return s.recordsWritten.Load() }

// RecordsInserted returns how many written lines came from the new stream.
func (s *Stats) RecordsInserted() int64 { return s.recordsInserted.Load() }

// RecordsPatched returns the number of old lines rewritten by a put mutation.
func (s *Stats) RecordsPatched() int64 { return s.recordsPatched.Load() }

// RecordsDeleted returns the number of old lines removed by a delete mutation.
func (s *Stats) RecordsDeleted() int64 { return s.recordsDeleted.Load() }

// LogValue implements slog.LogValuer for structured logging.
func (s *Stats) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int64("pages_fetched", s.PagesFetched()),
		slog.Int64("records_staged", s.RecordsStaged()),
		slog.Int64("mutations_staged", s.MutationsStaged()),
		slog.Int64("records_written", s.RecordsWritten()),
		slog.Int64("records_inserted", s.RecordsInserted()),
		slog.Int64("records_patched", s.RecordsPatched()),
		slog.Int64("records_deleted", s.RecordsDeleted()),
	)
}

// statsJSON is the JSON representation for marshaling Stats.
type statsJSON struct {
	PagesFetched    int64 `json:"pages_fetched"`
	RecordsStaged   int64 `json:"records_staged"`
	MutationsStaged int64 `json:"mutations_staged"`
	RecordsWritten  int64 `json:"records_written"`
	RecordsInserted int64 `json:"records_inserted"`
	RecordsPatched  int64 `json:"records_patched"`
	RecordsDeleted  int64 `json:"records_deleted"`
}

// MarshalJSON implements json.Marshaler for Stats serialization.
func (s *Stats) MarshalJSON() ([]byte, error) {
	return json.Marshal(statsJSON{
		PagesFetched:    s.pagesFetched.Load(),
		RecordsStaged:   s.recordsStaged.Load(),
		MutationsStaged: s.mutationsStaged.Load(),
		RecordsWritten:  s.recordsWritten.Load(),
		RecordsInserted: s.recordsInserted.Load(),
		RecordsPatched:  s.recordsPatched.Load(),
		RecordsDeleted:  s.recordsDeleted.Load(),
	})
}

// Internal increment methods, safe from concurrent workers.
func (s *Stats) incPagesFetched(n int64)    { s.pagesFetched.Add(n) }
func (s *Stats) incRecordsStaged(n int64)   { s.recordsStaged.Add(n) }
func (s *Stats) incMutationsStaged(n int64) { s.mutationsStaged.Add(n) }
func (s *Stats) incWritten(n int64)         { s.recordsWritten.Add(n) }
func (s *Stats) incInserted(n int64)        { s.recordsInserted.Add(n) }
func (s *Stats) incPatched(n int64)         { s.recordsPatched.Add(n) }
func (s *Stats) incDeleted(n int64)         { s.recordsDeleted.Add(n) }
