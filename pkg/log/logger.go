// Package log provides structured logging for the miner.
// It wraps the standard library's slog package with mining-specific helpers.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type ctxKey string

// RunIDKey is the context key under which a mining run identifier is stored.
const RunIDKey ctxKey = "run_id"

// Logger wraps slog.Logger with additional context and convenience methods
type Logger struct {
	*slog.Logger
	service string
	version string
}

// New creates a new logger writing to stdout
func New(service, version, level, format string) *Logger {
	return NewWithWriter(os.Stdout, service, version, level, format)
}

// NewWithWriter creates a logger writing to w
func NewWithWriter(w io.Writer, service, version, level, format string) *Logger {
	logLevel := ParseLevel(level)

	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	baseLogger := slog.New(handler).With(
		"service", service,
		"version", version,
	)

	return &Logger{
		Logger:  baseLogger,
		service: service,
		version: version,
	}
}

// Discard returns a logger that drops everything. Useful in tests.
func Discard() *Logger {
	return NewWithWriter(io.Discard, "test", "dev", "error", "text")
}

// ParseLevel accepts either a level name or the numeric levels 0 (error) to 3 (debug).
func ParseLevel(level string) slog.Level {
	if n, err := strconv.Atoi(strings.TrimSpace(level)); err == nil {
		switch {
		case n <= 0:
			return slog.LevelError
		case n == 1:
			return slog.LevelWarn
		case n == 2:
			return slog.LevelInfo
		default:
			return slog.LevelDebug
		}
	}

	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithContext returns a logger carrying the run id stored in ctx, if any
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if runID := ctx.Value(RunIDKey); runID != nil {
		return l.WithFields("run_id", runID)
	}
	return l
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger:  l.With(fields...),
		service: l.service,
		version: l.version,
	}
}

// WithComponent returns a logger with a component field
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// WithWorker returns a logger tagged with a mining thread id
func (l *Logger) WithWorker(workerID int) *Logger {
	return l.WithFields("worker", workerID)
}

// WithJob returns a logger with job-specific fields
func (l *Logger) WithJob(jobID string, version uint64) *Logger {
	return l.WithFields("job_id", jobID, "job_version", version)
}

// WithError returns a logger with error context
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields("error", err.Error())
}

// LogDuration logs the duration of an operation
func (l *Logger) LogDuration(operation string, d time.Duration) {
	l.Info("operation completed",
		"operation", operation,
		"duration_ms", float64(d)/float64(time.Millisecond),
	)
}

// LogShareFound logs a qualifying digest before it is queued
func (l *Logger) LogShareFound(workerID int, jobID string, nonce uint64, digest string) {
	l.Info("share found",
		"worker", workerID,
		"job_id", jobID,
		"nonce", nonce,
		"digest", digest,
	)
}

// LogShareSubmission logs the outcome of a submission
func (l *Logger) LogShareSubmission(shareID, jobID string, nonce uint64, status string) {
	l.Info("share submission",
		"share_id", shareID,
		"job_id", jobID,
		"nonce", nonce,
		"status", status,
	)
}

// LogStats logs one periodic statistics line
func (l *Logger) LogStats(hashRate string, hashes, found, accepted, rejected, stale uint64) {
	l.Info("mining stats",
		"hashrate", hashRate,
		"hashes", hashes,
		"shares_found", found,
		"accepted", accepted,
		"rejected", rejected,
		"stale", stale,
	)
}

// LogDowngrade logs a change to a slower hash variant
func (l *Logger) LogDowngrade(from, to, reason string) {
	l.Warn("hash variant downgraded",
		"from", from,
		"to", to,
		"reason", reason,
	)
}
