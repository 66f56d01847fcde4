package messaging

import (
	"context"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bardlex/qminer/internal/stats"
	"github.com/bardlex/qminer/pkg/errors"
)

// StatsReporter publishes each snapshot to TopicMinerStats as a
// protobuf Struct, so consumers need no generated schema.
type StatsReporter struct {
	producer *Producer
	worker   string
}

var _ stats.Reporter = (*StatsReporter)(nil)

// NewStatsReporter publishes snapshots keyed by worker.
func NewStatsReporter(p *Producer, worker string) *StatsReporter {
	return &StatsReporter{producer: p, worker: worker}
}

// Name implements stats.Reporter.
func (r *StatsReporter) Name() string { return "kafka" }

// Report implements stats.Reporter.
func (r *StatsReporter) Report(ctx context.Context, s stats.Snapshot) error {
	msg, err := StatsStruct(r.worker, s)
	if err != nil {
		return err
	}
	return r.producer.PublishProto(ctx, TopicMinerStats, r.worker, msg)
}

// StatsStruct converts a snapshot into a structpb.Struct.
func StatsStruct(worker string, s stats.Snapshot) (*structpb.Struct, error) {
	threads := make([]any, len(s.Workers))
	for i, w := range s.Workers {
		threads[i] = map[string]any{
			"id":     w.ID,
			"hashes": w.Hashes,
			"shares": w.Shares,
		}
	}

	fields := map[string]any{
		"worker":             worker,
		"timestamp":          s.Timestamp.UTC().Format(time.RFC3339Nano),
		"uptime_seconds":     s.Uptime.Seconds(),
		"hashes":             s.Hashes,
		"hashrate":           s.HashRate,
		"average_hashrate":   s.AverageHashRate,
		"shares_found":       s.SharesFound,
		"submitted":          s.Submitted,
		"accepted":           s.Accepted,
		"rejected":           s.Rejected,
		"lost":               s.Lost,
		"stale":              s.Stale,
		"dropped":            s.Dropped,
		"wasted_hashes":      s.WastedHashes,
		"primitive_failures": s.Failures,
		"variant":            s.Variant,
		"job_version":        s.JobVersion,
		"threads":            threads,
	}

	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "encode_stats",
			"failed to encode stats snapshot")
	}
	return st, nil
}
