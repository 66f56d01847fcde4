package miner

import (
	stderrors "errors"
	"fmt"
	"runtime"

	"github.com/bardlex/qminer/internal/job"
	"github.com/bardlex/qminer/internal/randomq"
	"github.com/bardlex/qminer/internal/stats"
	"github.com/bardlex/qminer/pkg/errors"
	"github.com/bardlex/qminer/pkg/log"
)

// worker is the per-thread state of the hash loop.
type worker struct {
	id       int
	e        *Engine
	logger   *log.Logger
	counters *stats.WorkerCounters

	hasher   Hasher
	variant  randomq.Variant
	job      *job.Job
	version  uint64
	failures int
}

func (e *Engine) work(id int) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer e.workers.Done()

	w := &worker{
		id:       id,
		e:        e,
		logger:   e.logger.WithWorker(id),
		counters: e.counters.Worker(id),
		variant:  -1,
	}

	w.logger.Info(fmt.Sprintf("Mining thread %d started", id))
	w.loop()
	w.logger.Info(fmt.Sprintf("Mining thread %d stopped", id))
}

func (w *worker) loop() {
	e := w.e
	for !e.stopping.Load() {
		j, version, updated := e.jobs.Watch()
		if j == nil {
			w.wait(updated)
			continue
		}

		if !w.prepare(j, version) {
			w.wait(updated)
			continue
		}

		r, err := e.jobs.NextRange(version, e.batchSize)
		switch {
		case stderrors.Is(err, job.ErrStale):
			continue
		case stderrors.Is(err, job.ErrExhausted):
			w.logger.Debug("nonce space exhausted", "job_id", j.ID, "job_version", version)
			e.signalRefresh()
			w.wait(updated)
			continue
		case err != nil:
			w.logger.WithError(err).Error("nonce allocation failed")
			w.wait(updated)
			continue
		}

		w.mine(r)
	}
}

// wait blocks until the next publish or a stop request.
func (w *worker) wait(updated <-chan struct{}) {
	select {
	case <-updated:
	case <-w.e.stopCh:
	}
}

// prepare makes the hasher match the engine variant and the job header.
// It returns false if the header cannot be hashed.
func (w *worker) prepare(j *job.Job, version uint64) bool {
	if v := w.e.Variant(); w.hasher == nil || v != w.variant {
		w.hasher = w.e.newHasher(v, w.e.cfg.EnableOptimized)
		w.variant = v
		w.job = nil
	}

	if w.job != nil && w.version == version {
		return true
	}

	if err := w.hasher.Reset(j.Header); err != nil {
		w.logger.WithJob(j.ID, version).WithError(err).Error("cannot hash job header")
		w.job = nil
		return false
	}
	w.job, w.version = j, version
	w.failures = 0
	return true
}

// mine hashes every nonce of r. A qualifying digest is re-checked against
// the current job version before it is queued.
func (w *worker) mine(r job.NonceRange) {
	e := w.e
	j := w.job
	var done uint64

	// Versions only increase, so a range that ends on a newer job was
	// wasted in full.
	defer func() {
		w.counters.AddHashes(done)
		if e.jobs.Version() != r.JobVersion {
			e.counters.WastedHashes.Add(done)
		}
	}()

	for nonce := r.Start; nonce < r.End; nonce++ {
		digest, err := sum(w.hasher, nonce, j.Rounds)
		done++
		if err != nil {
			if w.primitiveFailure(err, nonce) {
				return
			}
			continue
		}
		w.failures = 0

		if !j.Target.MetBy((*[32]byte)(&digest)) {
			continue
		}

		if e.jobs.Version() != r.JobVersion {
			w.logger.Debug("discarding share for superseded job", "job_id", j.ID, "nonce", nonce)
			return
		}

		share := job.NewShare(j, w.id, nonce, digest)
		w.counters.AddShare()
		w.logger.LogShareFound(w.id, j.ID, nonce, digest.String())
		if e.onShare != nil {
			e.onShare(share)
		}
		e.submitter.Enqueue(share)
	}
}

// primitiveFailure records a failed attempt. It returns true when the
// current range must be abandoned, either to switch kernels or because the
// engine is stopping.
func (w *worker) primitiveFailure(err error, nonce uint64) bool {
	e := w.e
	e.counters.PrimitiveFailures.Add(1)
	w.failures++
	w.logger.WithError(err).Warn("hash attempt failed",
		"nonce", nonce,
		"variant", w.variant.String(),
		"consecutive", w.failures)

	if w.failures < PrimitiveFailureThreshold {
		return false
	}
	w.failures = 0

	// Another worker already switched kernels; pick up the new one.
	if w.variant != e.Variant() {
		return true
	}

	if w.variant != randomq.Baseline && e.degraded.CompareAndSwap(false, true) {
		e.variant.Store(int32(randomq.Baseline))
		e.logger.LogDowngrade(w.variant.String(), randomq.Baseline.String(),
			fmt.Sprintf("%d consecutive hash failures", PrimitiveFailureThreshold))
		return true
	}

	e.fail(errors.Wrap(err, errors.ErrorTypePrimitive, "hash",
		fmt.Sprintf("%d consecutive hash failures on %s kernel", PrimitiveFailureThreshold, w.variant)).
		WithContext("worker", w.id))
	return true
}

// sum calls the hasher and converts a panic into a primitive failure.
func sum(h Hasher, nonce, rounds uint64) (d randomq.Digest, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf(errors.ErrorTypePrimitive, "hash", "hash kernel panicked: %v", r)
		}
	}()
	return h.Sum(nonce, rounds)
}
