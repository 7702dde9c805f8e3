package core

import "sync/atomic"

// indexAllocator issues the strictly increasing global index every mutation
// stamps. The total order of returned values is the system's happened-before
// relation for change detection.
type indexAllocator struct {
	counter atomic.Uint64
}

// Next atomically advances the index and returns the new value. No two
// callers ever receive the same value.
func (a *indexAllocator) Next() uint64 {
	return a.counter.Add(1)
}

// Current returns the most recently issued index without advancing it. Read
// responses carry it so clients can use it as their next blocking index.
func (a *indexAllocator) Current() uint64 {
	return a.counter.Load()
}
