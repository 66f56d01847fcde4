// Package miner runs the RandomQ hash search: a fixed pool of worker
// threads pulling nonce ranges for the current job, a share submitter and a
// stats aggregator, all owned by one Engine.
package miner

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bardlex/qminer/internal/config"
	"github.com/bardlex/qminer/internal/job"
	"github.com/bardlex/qminer/internal/randomq"
	"github.com/bardlex/qminer/internal/stats"
	"github.com/bardlex/qminer/internal/submit"
	"github.com/bardlex/qminer/pkg/errors"
	"github.com/bardlex/qminer/pkg/log"
)

const (
	// DefaultBatchSize is the number of nonces claimed per allocation.
	DefaultBatchSize = 256

	// PrimitiveFailureThreshold is the run of consecutive failed hash
	// attempts on one worker that triggers a downgrade to baseline, and
	// after that, a fatal stop.
	PrimitiveFailureThreshold = 8
)

// Engine is one miner instance. Engines share no state, so several can run
// in one process.
type Engine struct {
	logger     *log.Logger
	batchSize  uint64
	newHasher  HasherFactory
	sink       submit.Sink
	reporters  []stats.Reporter
	features   *randomq.Features
	submitOpts []submit.Option

	jobs *job.Manager

	// set by Initialize
	cfg        *config.Config
	counters   *stats.Counters
	aggregator *stats.Aggregator
	submitter  *submit.Submitter

	mu         sync.Mutex
	state      atomic.Int32
	variant    atomic.Int32
	degraded   atomic.Bool
	stopping   atomic.Bool
	stopReason error

	stopOnce    sync.Once
	stoppedOnce sync.Once
	stopCh      chan struct{}
	stopped     chan struct{}
	refresh     chan struct{}
	cancel      context.CancelFunc
	workers     sync.WaitGroup

	// onShare observes every share handed to the submitter.
	onShare func(*job.Share)
}

// New creates an idle engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		logger:    log.Discard(),
		batchSize: DefaultBatchSize,
		newHasher: defaultHasher,
		jobs:      job.NewManager(),
		stopCh:    make(chan struct{}),
		stopped:   make(chan struct{}),
		refresh:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.WithComponent("miner")
	return e
}

// Jobs returns the job manager that work sources publish into.
func (e *Engine) Jobs() *job.Manager { return e.jobs }

// State returns the current lifecycle stage.
func (e *Engine) State() State { return State(e.state.Load()) }

// Variant returns the hash kernel currently in use.
func (e *Engine) Variant() randomq.Variant { return randomq.Variant(e.variant.Load()) }

// StopReason returns why the engine stopped, or nil after a requested stop.
func (e *Engine) StopReason() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopReason
}

// RefreshRequests delivers a signal whenever a worker exhausts the nonce
// space of the current job. Signals are coalesced.
func (e *Engine) RefreshRequests() <-chan struct{} { return e.refresh }

// Done is closed once the engine reaches Stopped.
func (e *Engine) Done() <-chan struct{} { return e.stopped }

// Initialize validates cfg, selects the hash kernel and prepares the
// submitter and stats. A configuration error leaves the engine Stopped
// with that error as its reason.
func (e *Engine) Initialize(cfg *config.Config) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if s := e.State(); s != StateIdle {
		return errors.Newf(errors.ErrorTypeInternal, "initialize", "engine is %s, want idle", s)
	}
	e.state.Store(int32(StateInitializing))

	if err := cfg.Validate(); err != nil {
		e.stopReason = err
		e.state.Store(int32(StateStopped))
		e.closeStopped()
		e.logger.WithError(err).Error("invalid configuration")
		return err
	}
	e.cfg = cfg

	features := randomq.DetectFeatures()
	if e.features != nil {
		features = *e.features
	}

	sel := randomq.Select(features, cfg.EnableAVX2, cfg.EnableSSE4)
	for _, w := range sel.Warnings {
		e.logger.Warn(w, "using", sel.Variant.String())
	}
	if err := randomq.SelfTest(sel.Variant); err != nil {
		e.logger.LogDowngrade(sel.Variant.String(), randomq.Baseline.String(), err.Error())
		sel.Variant = randomq.Baseline
	}
	e.variant.Store(int32(sel.Variant))

	e.counters = stats.NewCounters(cfg.NumThreads)

	reporters := e.reporters
	if cfg.ShowStats {
		reporters = append([]stats.Reporter{stats.NewLogReporter(e.logger)}, reporters...)
	}
	e.aggregator = stats.NewAggregator(e.counters, e.logger,
		stats.WithMeta(func() (string, uint64) { return e.Variant().String(), e.jobs.Version() }),
		stats.WithReporters(reporters...))

	sink := submit.Sink(submit.NoopSink{})
	switch {
	case !cfg.SubmitWork:
		e.logger.Info("share submission disabled")
	case e.sink == nil:
		e.logger.Warn("share submission enabled but no sink configured, shares will be discarded")
	default:
		sink = e.sink
	}
	e.submitter = submit.New(sink, e.jobs, e.counters, e.logger, e.submitOpts...)

	e.state.Store(int32(StateReady))
	e.logger.Info("Miner initialized successfully",
		"threads", cfg.NumThreads,
		"variant", sel.Variant.String(),
		"rounds", cfg.RandomQRounds,
		"optimized", cfg.EnableOptimized,
		"submit", sink.Name(),
		"cpu", features.Brand)
	return nil
}

// Start launches the workers, submitter and stats loop. Cancelling ctx
// requests a stop; call Stop to wait for it.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if s := e.State(); s != StateReady {
		return errors.Newf(errors.ErrorTypeInternal, "start", "engine is %s, want ready", s)
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.aggregator.Restart()
	e.state.Store(int32(StateRunning))

	go e.submitter.Run(runCtx)
	if e.cfg.StatsInterval > 0 {
		go e.aggregator.Run(runCtx, e.cfg.StatsInterval)
	}

	for id := 0; id < e.cfg.NumThreads; id++ {
		e.workers.Add(1)
		go e.work(id)
	}

	go func() {
		select {
		case <-runCtx.Done():
			e.requestStop()
		case <-e.stopped:
		}
	}()
	go e.supervise()

	e.logger.Info("mining started", "threads", e.cfg.NumThreads, "batch_size", e.batchSize)
	return nil
}

// Stop signals every worker and blocks until workers have exited and the
// share queue has drained. It returns the stop reason.
func (e *Engine) Stop() error {
	e.mu.Lock()
	switch e.State() {
	case StateIdle, StateReady:
		if e.aggregator != nil {
			e.aggregator.Freeze()
		}
		e.state.Store(int32(StateStopped))
		e.closeStopped()
		e.mu.Unlock()
		return nil
	case StateStopped:
		if e.cancel == nil {
			e.mu.Unlock()
			return e.StopReason()
		}
	}
	e.mu.Unlock()

	e.requestStop()
	<-e.stopped
	return e.StopReason()
}

// SnapshotStats returns aggregate counters. After Stop it returns the same
// value on every call.
func (e *Engine) SnapshotStats() stats.Snapshot {
	e.mu.Lock()
	agg := e.aggregator
	e.mu.Unlock()
	if agg == nil {
		return stats.Snapshot{Variant: e.Variant().String()}
	}
	return agg.Snapshot()
}

func (e *Engine) requestStop() {
	e.stopOnce.Do(func() {
		e.stopping.Store(true)
		close(e.stopCh)
	})
}

// fail records a fatal reason and requests a stop. The first reason wins.
func (e *Engine) fail(err error) {
	e.mu.Lock()
	if e.stopReason == nil {
		e.stopReason = err
	}
	e.mu.Unlock()
	e.logger.WithError(err).Error("mining stopped on fatal error")
	e.requestStop()
}

func (e *Engine) closeStopped() {
	e.stoppedOnce.Do(func() { close(e.stopped) })
}

func (e *Engine) signalRefresh() {
	select {
	case e.refresh <- struct{}{}:
	default:
	}
}

// supervise waits for the workers to exit, then drains and finalizes.
func (e *Engine) supervise() {
	e.workers.Wait()
	e.state.Store(int32(StateDraining))
	e.logger.Info("draining share queue")

	e.submitter.Close()
	timer := time.NewTimer(e.submitter.DrainTimeout())
	select {
	case <-e.submitter.Done():
	case <-timer.C:
		e.logger.Warn("share queue drain timed out")
	}
	timer.Stop()
	e.cancel()
	<-e.submitter.Done()

	final := e.aggregator.Freeze()
	e.logger.Info("mining stopped",
		"hashes", final.Hashes,
		"average_hashrate", stats.FormatHashRate(final.AverageHashRate),
		"shares_found", final.SharesFound,
		"accepted", final.Accepted,
		"rejected", final.Rejected,
		"stale", final.Stale)

	e.state.Store(int32(StateStopped))
	e.closeStopped()
}
