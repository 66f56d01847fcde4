package miner

import (
	"github.com/bardlex/qminer/internal/randomq"
	"github.com/bardlex/qminer/internal/stats"
	"github.com/bardlex/qminer/internal/submit"
	"github.com/bardlex/qminer/pkg/log"
)

// Hasher computes RandomQ digests for one header at a time.
// *randomq.Hasher implements it.
type Hasher interface {
	Reset(header []byte) error
	Sum(nonce, rounds uint64) (randomq.Digest, error)
}

// HasherFactory builds a hasher for a variant. Each worker owns one.
type HasherFactory func(v randomq.Variant, optimized bool) Hasher

func defaultHasher(v randomq.Variant, optimized bool) Hasher {
	return randomq.NewHasher(v, optimized)
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *log.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithBatchSize overrides DefaultBatchSize, the number of nonces a worker
// claims per allocation and the granularity of its stop check.
func WithBatchSize(n uint64) Option {
	return func(e *Engine) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

// WithHasherFactory replaces the RandomQ hasher constructor.
func WithHasherFactory(f HasherFactory) Option {
	return func(e *Engine) { e.newHasher = f }
}

// WithSink sets where shares go when submit_work is enabled.
func WithSink(s submit.Sink) Option {
	return func(e *Engine) { e.sink = s }
}

// WithReporters adds stats reporters fed on every stats interval.
func WithReporters(r ...stats.Reporter) Option {
	return func(e *Engine) { e.reporters = append(e.reporters, r...) }
}

// WithFeatures overrides CPU feature detection.
func WithFeatures(f randomq.Features) Option {
	return func(e *Engine) { e.features = &f }
}

// WithSubmitOptions passes options through to the share submitter.
func WithSubmitOptions(opts ...submit.Option) Option {
	return func(e *Engine) { e.submitOpts = append(e.submitOpts, opts...) }
}
