package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bardlex/qminer/internal/job"
	"github.com/bardlex/qminer/internal/submit"
	"github.com/bardlex/qminer/pkg/errors"
)

// ShareSink submits shares to a pool over Kafka. A share counts as
// accepted once the broker acknowledges it; verdicts from the pool are
// not tracked.
type ShareSink struct {
	producer *Producer
	worker   string
	now      func() time.Time
}

var _ submit.Sink = (*ShareSink)(nil)

// NewShareSink publishes shares keyed by worker.
func NewShareSink(p *Producer, worker string) *ShareSink {
	return &ShareSink{producer: p, worker: worker, now: time.Now}
}

// Name implements submit.Sink.
func (s *ShareSink) Name() string { return "kafka" }

// Submit implements submit.Sink.
func (s *ShareSink) Submit(ctx context.Context, share *job.Share) (submit.Outcome, error) {
	data, err := json.Marshal(s.message(share))
	if err != nil {
		return submit.OutcomeUnreachable, errors.Wrap(err, errors.ErrorTypeInternal, "encode_share",
			"failed to encode share")
	}

	if err := s.producer.Write(ctx, TopicShares, s.worker, data); err != nil {
		return submit.OutcomeUnreachable, err
	}
	return submit.OutcomeAccepted, nil
}

func (s *ShareSink) message(share *job.Share) ShareMessage {
	return ShareMessage{
		ShareID:     share.ID,
		JobID:       share.JobID,
		JobVersion:  share.JobVersion,
		WorkerName:  s.worker,
		Thread:      share.WorkerID,
		Nonce:       share.Nonce,
		NonceHex:    fmt.Sprintf("%016x", share.Nonce),
		Digest:      share.Digest.String(),
		FoundAt:     share.FoundAt,
		SubmittedAt: s.now(),
	}
}
