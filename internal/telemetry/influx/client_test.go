package influx

import (
	"testing"
	"time"

	"github.com/bardlex/qminer/internal/stats"
)

func TestPoints(t *testing.T) {
	ts := time.Unix(1_700_000_000, 0)
	s := stats.Snapshot{
		Timestamp: ts,
		HashRate:  1234.5,
		Hashes:    10,
		Accepted:  2,
		Variant:   "sse4",
		Workers:   []stats.WorkerSnapshot{{ID: 0, Hashes: 6}, {ID: 1, Hashes: 4, Shares: 1}},
	}

	points := Points("rig-1", s)
	if len(points) != 3 {
		t.Fatalf("len(Points) = %d, want 3", len(points))
	}

	main := points[0]
	if main.Name() != "miner_stats" {
		t.Errorf("Name() = %q, want miner_stats", main.Name())
	}
	if !main.Time().Equal(ts) {
		t.Errorf("Time() = %v, want %v", main.Time(), ts)
	}

	tags := map[string]string{}
	for _, tag := range main.TagList() {
		tags[tag.Key] = tag.Value
	}
	if tags["worker"] != "rig-1" || tags["variant"] != "sse4" {
		t.Errorf("tags = %v", tags)
	}

	fields := map[string]interface{}{}
	for _, f := range main.FieldList() {
		fields[f.Key] = f.Value
	}
	if fields["hashrate"] != 1234.5 {
		t.Errorf("hashrate field = %v", fields["hashrate"])
	}
	if fields["accepted"] != int64(2) {
		t.Errorf("accepted field = %v", fields["accepted"])
	}

	if points[2].Name() != "thread_hashes" {
		t.Errorf("thread point name = %q", points[2].Name())
	}
}
