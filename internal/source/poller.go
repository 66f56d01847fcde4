// Package source feeds jobs from an upstream work provider into the job
// manager.
package source

import (
	"context"
	"sync"
	"time"

	"github.com/bardlex/qminer/internal/job"
	"github.com/bardlex/qminer/pkg/log"
)

// JobSource produces work templates.
type JobSource interface {
	GetJob(ctx context.Context) (*job.Template, error)
}

// PublishObserver is implemented by sources that keep per-job state and
// need to know which of the templates they returned went live.
type PublishObserver interface {
	Published(jobID string)
}

// Publisher accepts new templates. *job.Manager implements it.
type Publisher interface {
	Publish(t job.Template) (*job.Job, error)
}

// DefaultRequestTimeout bounds a single GetJob call.
const DefaultRequestTimeout = 10 * time.Second

// Poller polls a JobSource and publishes templates whose key differs from
// the last published one. Exhaustion refreshes force a publish even when
// the key is unchanged; block notifications only trigger an early poll.
type Poller struct {
	src      JobSource
	jobs     Publisher
	interval time.Duration
	timeout  time.Duration
	logger   *log.Logger

	refresh <-chan struct{}
	wake    chan struct{}

	mu      sync.Mutex
	lastKey string
	polls   uint64
}

// Option customizes a Poller.
type Option func(*Poller)

// WithRefreshSignal makes every receive on ch force a new job.
func WithRefreshSignal(ch <-chan struct{}) Option {
	return func(p *Poller) { p.refresh = ch }
}

// WithRequestTimeout overrides DefaultRequestTimeout.
func WithRequestTimeout(d time.Duration) Option {
	return func(p *Poller) { p.timeout = d }
}

// NewPoller creates a poller that queries src every interval.
func NewPoller(src JobSource, jobs Publisher, interval time.Duration, logger *log.Logger, opts ...Option) *Poller {
	if logger == nil {
		logger = log.Discard()
	}
	p := &Poller{
		src:      src,
		jobs:     jobs,
		interval: interval,
		timeout:  DefaultRequestTimeout,
		logger:   logger.WithComponent("poller"),
		wake:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Notify requests an early poll. It never blocks; notifications that
// arrive while one is pending are coalesced.
func (p *Poller) Notify() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Poll fetches one template and publishes it if it is new or force is
// set. It reports whether a job was published.
func (p *Poller) Poll(ctx context.Context, force bool) (bool, error) {
	reqCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	tmpl, err := p.src.GetJob(reqCtx)
	if err != nil {
		return false, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.polls++

	if !force && tmpl.Key != "" && tmpl.Key == p.lastKey {
		return false, nil
	}

	j, err := p.jobs.Publish(*tmpl)
	if err != nil {
		return false, err
	}
	p.lastKey = tmpl.Key
	if o, ok := p.src.(PublishObserver); ok {
		o.Published(j.ID)
	}

	p.logger.WithJob(j.ID, j.Version).Info("new job published",
		"height", j.Height,
		"target", j.Target.String(),
		"forced", force)
	return true, nil
}

// Polls returns how many templates have been fetched successfully.
func (p *Poller) Polls() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.polls
}

// Run polls immediately and then on every tick, notification or refresh
// signal until ctx is cancelled. Poll failures are logged and the current
// job stays in place.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("job poller starting", "interval", p.interval.String())

	p.poll(ctx, false)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("job poller stopping")
			return ctx.Err()
		case <-ticker.C:
			p.poll(ctx, false)
		case <-p.wake:
			p.poll(ctx, false)
		case <-p.refresh:
			p.poll(ctx, true)
		}
	}
}

func (p *Poller) poll(ctx context.Context, force bool) {
	if _, err := p.Poll(ctx, force); err != nil && ctx.Err() == nil {
		p.logger.WithError(err).Error("failed to fetch job")
	}
}
