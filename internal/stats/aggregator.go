package stats

import (
	"context"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/bardlex/qminer/pkg/log"
)

// WorkerSnapshot is one worker's cumulative counts.
type WorkerSnapshot struct {
	ID     int    `json:"id"`
	Hashes uint64 `json:"hashes"`
	Shares uint64 `json:"shares"`
}

// Snapshot is a point-in-time view of the engine counters.
type Snapshot struct {
	Timestamp       time.Time        `json:"timestamp"`
	Uptime          time.Duration    `json:"uptime"`
	Hashes          uint64           `json:"hashes"`
	HashRate        float64          `json:"hashrate"`
	AverageHashRate float64          `json:"average_hashrate"`
	SharesFound     uint64           `json:"shares_found"`
	Submitted       uint64           `json:"submitted"`
	Accepted        uint64           `json:"accepted"`
	Rejected        uint64           `json:"rejected"`
	Lost            uint64           `json:"lost"`
	Stale           uint64           `json:"stale"`
	Dropped         uint64           `json:"dropped"`
	WastedHashes    uint64           `json:"wasted_hashes"`
	Failures        uint64           `json:"primitive_failures"`
	Variant         string           `json:"variant"`
	JobVersion      uint64           `json:"job_version"`
	Workers         []WorkerSnapshot `json:"workers"`
}

// Meta supplies the non-counter fields of a snapshot.
type Meta func() (variant string, jobVersion uint64)

// Reporter receives each periodic snapshot.
type Reporter interface {
	Name() string
	Report(ctx context.Context, s Snapshot) error
}

// Aggregator samples Counters on an interval and computes the hash rate as
// the hash delta over the wall-clock delta between samples.
type Aggregator struct {
	counters  *Counters
	meta      Meta
	reporters []Reporter
	logger    *log.Logger
	now       func() time.Time

	mu         sync.Mutex
	start      time.Time
	lastAt     time.Time
	lastHashes uint64
	baseHashes uint64
	rate       float64
	frozen     *Snapshot
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// WithMeta sets the source for variant and job version.
func WithMeta(m Meta) Option {
	return func(a *Aggregator) { a.meta = m }
}

// WithReporters appends reporters fed by Run.
func WithReporters(r ...Reporter) Option {
	return func(a *Aggregator) { a.reporters = append(a.reporters, r...) }
}

// NewAggregator returns an aggregator over c.
func NewAggregator(c *Counters, logger *log.Logger, opts ...Option) *Aggregator {
	a := &Aggregator{
		counters: c,
		logger:   logger.WithComponent("stats"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.start = a.now()
	a.lastAt = a.start
	return a
}

// Restart begins the uptime and rate window at the current time. Hashes
// counted so far remain in the totals but not in the rates.
func (a *Aggregator) Restart() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.frozen != nil {
		return
	}
	a.start = a.now()
	a.lastAt = a.start
	a.lastHashes = a.collect().Hashes
	a.baseHashes = a.lastHashes
	a.rate = 0
}

// Sample takes a new snapshot and advances the rate window.
func (a *Aggregator) Sample() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.frozen != nil {
		return *a.frozen
	}

	s := a.collect()
	if elapsed := s.Timestamp.Sub(a.lastAt).Seconds(); elapsed > 0 {
		a.rate = float64(s.Hashes-a.lastHashes) / elapsed
		a.lastAt = s.Timestamp
		a.lastHashes = s.Hashes
	}
	s.HashRate = a.rate
	return s
}

// Snapshot returns current cumulative counts with the rate of the last
// completed window. After Freeze it always returns the frozen snapshot.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.frozen != nil {
		return *a.frozen
	}
	s := a.collect()
	s.HashRate = a.rate
	return s
}

// Freeze takes a final sample and pins it.
func (a *Aggregator) Freeze() Snapshot {
	s := a.Sample()
	a.mu.Lock()
	if a.frozen == nil {
		a.frozen = &s
	}
	f := *a.frozen
	a.mu.Unlock()
	return f
}

// collect must be called with mu held.
func (a *Aggregator) collect() Snapshot {
	now := a.now()
	s := Snapshot{
		Timestamp:    now,
		Uptime:       now.Sub(a.start),
		Submitted:    a.counters.Submitted.Load(),
		Accepted:     a.counters.Accepted.Load(),
		Rejected:     a.counters.Rejected.Load(),
		Lost:         a.counters.Lost.Load(),
		Stale:        a.counters.Stale.Load(),
		Dropped:      a.counters.Dropped.Load(),
		WastedHashes: a.counters.WastedHashes.Load(),
		Failures:     a.counters.PrimitiveFailures.Load(),
		Workers:      make([]WorkerSnapshot, a.counters.NumWorkers()),
	}
	for i := range s.Workers {
		w := a.counters.Worker(i)
		ws := WorkerSnapshot{ID: i, Hashes: w.Hashes(), Shares: w.Shares()}
		s.Workers[i] = ws
		s.Hashes += ws.Hashes
		s.SharesFound += ws.Shares
	}
	if secs := s.Uptime.Seconds(); secs > 0 {
		s.AverageHashRate = float64(s.Hashes-a.baseHashes) / secs
	}
	if a.meta != nil {
		s.Variant, s.JobVersion = a.meta()
	}
	return s
}

// Run samples every interval and fans the snapshot out to the reporters
// until ctx is cancelled. A failing reporter is logged and skipped.
func (a *Aggregator) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := a.Sample()
			a.report(ctx, s, interval)
		}
	}
}

func (a *Aggregator) report(ctx context.Context, s Snapshot, budget time.Duration) {
	for _, r := range a.reporters {
		rctx, cancel := context.WithTimeout(ctx, budget)
		if err := r.Report(rctx, s); err != nil {
			a.logger.WithError(err).Warn("stats reporter failed", "reporter", r.Name())
		}
		cancel()
	}
}

// FormatHashRate renders a rate with an SI prefix, e.g. "1.5 kH/s".
func FormatHashRate(rate float64) string {
	if rate < 1 {
		return humanize.FtoaWithDigits(rate, 2) + " H/s"
	}
	return humanize.SIWithDigits(rate, 2, "H/s")
}
