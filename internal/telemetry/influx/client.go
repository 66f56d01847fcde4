// Package influx ships mining stats snapshots to InfluxDB as time-series points.
package influx

import (
	"context"
	"fmt"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/bardlex/qminer/internal/stats"
	"github.com/bardlex/qminer/pkg/log"
)

// Client writes snapshots through the non-blocking write API.
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	worker   string
	logger   *log.Logger
}

// Config holds InfluxDB connection configuration
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
	Worker string
}

// NewClient connects and checks server health.
func NewClient(ctx context.Context, cfg *Config, logger *log.Logger) (*Client, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	health, err := client.Health(hctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to check InfluxDB health: %w", err)
	}
	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		client.Close()
		return nil, fmt.Errorf("InfluxDB health check failed: %s", msg)
	}

	c := &Client{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		worker:   cfg.Worker,
		logger:   logger.WithComponent("influx"),
	}
	go c.drainErrors()
	return c, nil
}

// drainErrors logs async write failures until Close.
func (c *Client) drainErrors() {
	for err := range c.writeAPI.Errors() {
		c.logger.WithError(err).Warn("influx write failed")
	}
}

// Name implements stats.Reporter.
func (c *Client) Name() string { return "influx" }

// Report implements stats.Reporter. Points are queued and flushed in batches
// by the client library.
func (c *Client) Report(_ context.Context, s stats.Snapshot) error {
	for _, p := range Points(c.worker, s) {
		c.writeAPI.WritePoint(p)
	}
	return nil
}

// Close flushes pending points and releases the connection.
func (c *Client) Close() {
	c.writeAPI.Flush()
	c.client.Close()
}

// Points converts a snapshot into a miner-level point plus one hashrate
// point per worker.
func Points(worker string, s stats.Snapshot) []*write.Point {
	tags := map[string]string{
		"worker":  worker,
		"variant": s.Variant,
	}
	fields := map[string]interface{}{
		"hashrate":      s.HashRate,
		"hashes":        int64(s.Hashes),
		"shares_found":  int64(s.SharesFound),
		"accepted":      int64(s.Accepted),
		"rejected":      int64(s.Rejected),
		"stale":         int64(s.Stale),
		"lost":          int64(s.Lost),
		"wasted_hashes": int64(s.WastedHashes),
		"job_version":   int64(s.JobVersion),
	}

	points := []*write.Point{write.NewPoint("miner_stats", tags, fields, s.Timestamp)}
	for _, w := range s.Workers {
		points = append(points, write.NewPoint("thread_hashes",
			map[string]string{"worker": worker, "thread": strconv.Itoa(w.ID)},
			map[string]interface{}{"hashes": int64(w.Hashes), "shares": int64(w.Shares)},
			s.Timestamp,
		))
	}
	return points
}
