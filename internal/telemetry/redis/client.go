// Package redis keeps a short-lived view of the miner's hash rate in Redis
// so dashboards can read it without talking to the miner.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bardlex/qminer/internal/stats"
)

// Client wraps the Redis operations used by the stats reporter.
type Client struct {
	rdb    *redis.Client
	worker string
	window time.Duration
}

// Config holds Redis connection configuration
type Config struct {
	URL    string
	Worker string
	// Window is how far back the hashrate history reaches.
	Window time.Duration
}

// NewClient parses the URL, connects and pings.
func NewClient(ctx context.Context, cfg *Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	rdb := redis.NewClient(opts)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	window := cfg.Window
	if window <= 0 {
		window = 10 * time.Minute
	}
	return &Client{rdb: rdb, worker: cfg.Worker, window: window}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// HashrateKey is the sorted set holding recent rate samples for a worker.
func HashrateKey(worker string) string {
	return fmt.Sprintf("qminer:hashrate:%s", worker)
}

// SnapshotKey holds the latest full snapshot as JSON.
func SnapshotKey(worker string) string {
	return fmt.Sprintf("qminer:snapshot:%s", worker)
}

// Name implements stats.Reporter.
func (c *Client) Name() string { return "redis" }

// Report implements stats.Reporter. It appends the rate to a time-scored
// sorted set, trims samples older than the window and stores the snapshot.
func (c *Client) Report(ctx context.Context, s stats.Snapshot) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	ts := s.Timestamp.Unix()
	key := HashrateKey(c.worker)

	pipe := c.rdb.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(ts),
		Member: strconv.FormatInt(ts, 10) + ":" + strconv.FormatFloat(s.HashRate, 'f', 2, 64),
	})
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(ts-int64(c.window.Seconds()), 10))
	pipe.Expire(ctx, key, c.window*2)
	pipe.Set(ctx, SnapshotKey(c.worker), data, c.window)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store hashrate: %w", err)
	}
	return nil
}

// AverageHashrate returns the mean of the samples inside the window.
func (c *Client) AverageHashrate(ctx context.Context) (float64, error) {
	minScore := time.Now().Add(-c.window).Unix()
	values, err := c.rdb.ZRangeByScore(ctx, HashrateKey(c.worker), &redis.ZRangeBy{
		Min: strconv.FormatInt(minScore, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get hashrate values: %w", err)
	}
	return averageMembers(values), nil
}

// averageMembers parses "ts:rate" members and averages the rates.
func averageMembers(values []string) float64 {
	var total float64
	var n int
	for _, v := range values {
		for i := len(v) - 1; i >= 0; i-- {
			if v[i] == ':' {
				if rate, err := strconv.ParseFloat(v[i+1:], 64); err == nil {
					total += rate
					n++
				}
				break
			}
		}
	}
	if n == 0 {
		return 0
	}
	return total / float64(n)
}
