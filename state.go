package pagesync

import (
	"sync"

	"github.com/google/btree"
)

// pageSet is an ordered set of page numbers with its own lock, so that the
// records registry, the mutations registry, and the fetch counter never
// serialize against each other. popMin consumption drives the merge's
// ascending page-number order.
type pageSet struct {
	mu   sync.Mutex
	tree *btree.BTreeG[int]
}

func newPageSet() *pageSet {
	return &pageSet{tree: btree.NewOrderedG[int](2)}
}

func (s *pageSet) add(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tree.ReplaceOrInsert(n)
}

func (s *pageSet) popMin() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.DeleteMin()
}

func (s *pageSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.Len()
}

// runState is the shared mutable state of exactly one sync run. It is
// created by the coordinator, mutated by page workers, and discarded once
// the merge completes. Each field group carries independent synchronization;
// no network or file I/O happens under any of these locks.
type runState struct {
	meta PaginationMetadata

	staged    *pageSet // pages that produced a staging record file
	mutations *pageSet // pages that produced a staging mutation file

	mu      sync.Mutex // guards fetched
	fetched int
}

func newRunState(meta PaginationMetadata) *runState {
	return &runState{
		meta:      meta,
		staged:    newPageSet(),
		mutations: newPageSet(),
	}
}

// finishPage records one completed page fetch and reports whether that made
// the run complete. The increment and the comparison happen under one lock,
// so exactly one worker observes last=true; that worker triggers the merge.
// Every staging write of every worker happens before its finishPage call,
// so the terminal worker observes all of them.
func (st *runState) finishPage() (fetched int, last bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.fetched++
	return st.fetched, st.fetched == st.meta.TotalPages
}
