// Package stats collects mining counters and turns them into periodic
// hash-rate snapshots.
package stats

import "sync/atomic"

// WorkerCounters is written by exactly one mining thread and read by the
// aggregator. Padding keeps neighbouring workers off the same cache line.
type WorkerCounters struct {
	hashes atomic.Uint64
	shares atomic.Uint64
	_      [48]byte
}

// AddHashes records n completed hash attempts.
func (w *WorkerCounters) AddHashes(n uint64) { w.hashes.Add(n) }

// AddShare records one qualifying digest.
func (w *WorkerCounters) AddShare() { w.shares.Add(1) }

// Hashes returns the attempts recorded so far.
func (w *WorkerCounters) Hashes() uint64 { return w.hashes.Load() }

// Shares returns the qualifying digests recorded so far.
func (w *WorkerCounters) Shares() uint64 { return w.shares.Load() }

// Counters is the full set of engine-wide counters.
type Counters struct {
	workers []WorkerCounters

	Submitted         atomic.Uint64
	Accepted          atomic.Uint64
	Rejected          atomic.Uint64
	Lost              atomic.Uint64
	Stale             atomic.Uint64
	Dropped           atomic.Uint64
	WastedHashes      atomic.Uint64
	PrimitiveFailures atomic.Uint64
}

// NewCounters allocates counters for n workers.
func NewCounters(n int) *Counters {
	return &Counters{workers: make([]WorkerCounters, n)}
}

// Worker returns the counters owned by worker id.
func (c *Counters) Worker(id int) *WorkerCounters {
	return &c.workers[id]
}

// NumWorkers returns the number of worker slots.
func (c *Counters) NumWorkers() int {
	return len(c.workers)
}
