// Package submit delivers qualifying shares upstream from a bounded queue.
package submit

import (
	"context"
	"sync"
	"time"

	"github.com/bardlex/qminer/internal/job"
	"github.com/bardlex/qminer/internal/stats"
	"github.com/bardlex/qminer/pkg/errors"
	"github.com/bardlex/qminer/pkg/log"
	"github.com/bardlex/qminer/pkg/retry"
)

// Outcome is the upstream verdict on a share.
type Outcome int

const (
	// OutcomeAccepted means upstream took the share.
	OutcomeAccepted Outcome = iota
	// OutcomeRejected means upstream answered and refused it.
	OutcomeRejected
	// OutcomeUnreachable means no verdict could be obtained.
	OutcomeUnreachable
	// OutcomeDiscarded means submission is disabled and the share was dropped.
	OutcomeDiscarded
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeRejected:
		return "rejected"
	case OutcomeUnreachable:
		return "unreachable"
	case OutcomeDiscarded:
		return "discarded"
	default:
		return "unknown"
	}
}

// Sink transmits one share. Transient failures are reported as retryable
// errors (see pkg/errors); a definitive answer is returned as an Outcome
// with a nil error.
type Sink interface {
	Name() string
	Submit(ctx context.Context, share *job.Share) (Outcome, error)
}

// NoopSink discards every share without contacting anything.
type NoopSink struct{}

// Name implements Sink.
func (NoopSink) Name() string { return "noop" }

// Submit implements Sink.
func (NoopSink) Submit(context.Context, *job.Share) (Outcome, error) {
	return OutcomeDiscarded, nil
}

// VersionSource reports the version of the job currently being mined.
type VersionSource interface {
	Version() uint64
}

const (
	// DefaultQueueSize bounds the number of shares waiting for submission.
	DefaultQueueSize = 256
	// DefaultDrainTimeout bounds how long Close waits for queued shares.
	DefaultDrainTimeout = 5 * time.Second
)

var errStale = errors.New(errors.ErrorTypeStale, "submit_share", "job superseded before submission")

// Submitter is the single consumer of the share queue.
type Submitter struct {
	queue        chan *job.Share
	sink         Sink
	jobs         VersionSource
	counters     *stats.Counters
	retry        *retry.Config
	logger       *log.Logger
	drainTimeout time.Duration

	closeOnce sync.Once
	done      chan struct{}
}

// Option configures a Submitter.
type Option func(*Submitter)

// WithQueueSize overrides DefaultQueueSize.
func WithQueueSize(n int) Option {
	return func(s *Submitter) { s.queue = make(chan *job.Share, n) }
}

// WithRetry overrides the submission retry policy.
func WithRetry(cfg *retry.Config) Option {
	return func(s *Submitter) { s.retry = cfg }
}

// WithDrainTimeout overrides DefaultDrainTimeout.
func WithDrainTimeout(d time.Duration) Option {
	return func(s *Submitter) { s.drainTimeout = d }
}

// New returns a Submitter delivering to sink.
func New(sink Sink, jobs VersionSource, counters *stats.Counters, logger *log.Logger, opts ...Option) *Submitter {
	s := &Submitter{
		queue:        make(chan *job.Share, DefaultQueueSize),
		sink:         sink,
		jobs:         jobs,
		counters:     counters,
		retry:        retry.SubmitConfig(),
		logger:       logger.WithComponent("submitter").WithFields("sink", sink.Name()),
		drainTimeout: DefaultDrainTimeout,
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	base := s.retry.OnRetry
	cfg := *s.retry
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		s.logger.WithError(err).Warn("share submission failed, retrying", "attempt", attempt, "delay", delay)
		if base != nil {
			base(attempt, err, delay)
		}
	}
	s.retry = &cfg
	return s
}

// Enqueue hands a share to the submitter without blocking. It returns false
// and counts the share as dropped when the queue is full.
func (s *Submitter) Enqueue(share *job.Share) bool {
	select {
	case s.queue <- share:
		return true
	default:
		s.counters.Dropped.Add(1)
		s.logger.Warn("share queue full, dropping share", "job_id", share.JobID, "nonce", share.Nonce)
		return false
	}
}

// Close stops accepting shares. Run drains what is queued and returns.
// Enqueue must not be called after Close.
func (s *Submitter) Close() {
	s.closeOnce.Do(func() { close(s.queue) })
}

// DrainTimeout is how long queued shares get once shutdown starts.
func (s *Submitter) DrainTimeout() time.Duration {
	return s.drainTimeout
}

// Done is closed when Run returns.
func (s *Submitter) Done() <-chan struct{} {
	return s.done
}

// Run consumes the queue until Close. Once ctx is cancelled the remaining
// shares get at most the drain timeout.
func (s *Submitter) Run(ctx context.Context) {
	defer close(s.done)

	for {
		select {
		case share, ok := <-s.queue:
			if !ok {
				return
			}
			s.handle(ctx, share)
		case <-ctx.Done():
			s.drain()
			return
		}
	}
}

func (s *Submitter) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), s.drainTimeout)
	defer cancel()
	for {
		select {
		case share, ok := <-s.queue:
			if !ok {
				return
			}
			s.handle(ctx, share)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Submitter) handle(ctx context.Context, share *job.Share) {
	logger := s.logger.WithJob(share.JobID, share.JobVersion)

	if share.JobVersion != s.jobs.Version() {
		s.counters.Stale.Add(1)
		logger.Debug("discarding stale share", "nonce", share.Nonce)
		return
	}

	outcome, err := retry.DoWithResult(ctx, s.retry, func() (Outcome, error) {
		if share.JobVersion != s.jobs.Version() {
			return OutcomeUnreachable, errStale
		}
		return s.sink.Submit(ctx, share)
	})

	switch {
	case errors.IsType(err, errors.ErrorTypeStale):
		s.counters.Stale.Add(1)
		logger.Debug("share went stale during submission", "nonce", share.Nonce)
		return
	case err != nil:
		s.counters.Submitted.Add(1)
		s.counters.Lost.Add(1)
		logger.WithError(err).Error("share lost", "share_id", share.ID, "nonce", share.Nonce)
		return
	}

	switch outcome {
	case OutcomeDiscarded:
		logger.Debug("share discarded, submission disabled", "nonce", share.Nonce)
		return
	case OutcomeAccepted:
		s.counters.Accepted.Add(1)
	case OutcomeRejected:
		s.counters.Rejected.Add(1)
	default:
		s.counters.Lost.Add(1)
	}
	s.counters.Submitted.Add(1)
	logger.LogShareSubmission(share.ID, share.JobID, share.Nonce, outcome.String())
}
