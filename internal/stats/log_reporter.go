package stats

import (
	"context"

	"github.com/bardlex/qminer/pkg/log"
)

// LogReporter writes one line per snapshot.
type LogReporter struct {
	logger *log.Logger
}

// NewLogReporter returns a reporter logging through l.
func NewLogReporter(l *log.Logger) *LogReporter {
	return &LogReporter{logger: l.WithComponent("stats")}
}

// Name implements Reporter.
func (r *LogReporter) Name() string { return "log" }

// Report implements Reporter.
func (r *LogReporter) Report(_ context.Context, s Snapshot) error {
	r.logger.LogStats(FormatHashRate(s.HashRate), s.Hashes, s.SharesFound, s.Accepted, s.Rejected, s.Stale)
	return nil
}
