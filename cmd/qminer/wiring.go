package main

import (
	"context"

	"github.com/bardlex/qminer/internal/config"
	"github.com/bardlex/qminer/internal/messaging"
	"github.com/bardlex/qminer/internal/rpc"
	"github.com/bardlex/qminer/internal/stats"
	"github.com/bardlex/qminer/internal/submit"
	"github.com/bardlex/qminer/internal/telemetry/influx"
	"github.com/bardlex/qminer/internal/telemetry/metrics"
	"github.com/bardlex/qminer/internal/telemetry/redis"
	"github.com/bardlex/qminer/pkg/log"
)

// services holds everything the engine talks to outside the process.
type services struct {
	node      *rpc.Client
	notifier  *rpc.BlockNotifier
	producer  *messaging.Producer
	metrics   *metrics.Reporter
	sink      submit.Sink
	reporters []stats.Reporter
	closers   []func()
}

// buildServices connects the node client and every optional backend named
// in cfg. Only the node client is required; a telemetry backend that cannot
// be reached is logged and skipped.
func buildServices(ctx context.Context, cfg *config.Config, logger *log.Logger) (*services, error) {
	s := &services{}

	node, err := rpc.NewClient(rpc.Config{
		Host:       cfg.RPCHost,
		Port:       cfg.RPCPort,
		User:       cfg.RPCUser,
		Password:   cfg.RPCPassword,
		Rounds:     cfg.RandomQRounds,
		PayAddress: cfg.PayAddress,
	}, logger)
	if err != nil {
		return nil, err
	}
	s.node = node
	s.closers = append(s.closers, node.Close)

	if cfg.ZMQEndpoint != "" {
		n, err := rpc.NewBlockNotifier(cfg.ZMQEndpoint, logger)
		if err != nil {
			logger.WithError(err).Warn("block notifications unavailable, relying on polling",
				"endpoint", cfg.ZMQEndpoint)
		} else {
			s.notifier = n
			s.closers = append(s.closers, func() { _ = n.Close() })
		}
	}

	if len(cfg.KafkaBrokers) > 0 {
		s.producer = messaging.NewProducer(cfg.KafkaBrokers, logger)
		s.closers = append(s.closers, func() { _ = s.producer.Close() })
		s.reporters = append(s.reporters, messaging.NewStatsReporter(s.producer, cfg.WorkerName))
	}

	if cfg.SubmitWork {
		switch cfg.SubmitBackend {
		case config.BackendKafka:
			s.sink = messaging.NewShareSink(s.producer, cfg.WorkerName)
		default:
			s.sink = node
		}
	}

	if cfg.MetricsAddr != "" {
		s.metrics = metrics.NewReporter()
		s.reporters = append(s.reporters, s.metrics)
	}

	if cfg.InfluxURL != "" {
		c, err := influx.NewClient(ctx, &influx.Config{
			URL:    cfg.InfluxURL,
			Token:  cfg.InfluxToken,
			Org:    cfg.InfluxOrg,
			Bucket: cfg.InfluxBucket,
			Worker: cfg.WorkerName,
		}, logger)
		if err != nil {
			logger.WithError(err).Warn("influx reporting disabled", "url", cfg.InfluxURL)
		} else {
			s.reporters = append(s.reporters, c)
			s.closers = append(s.closers, c.Close)
		}
	}

	if cfg.RedisURL != "" {
		c, err := redis.NewClient(ctx, &redis.Config{URL: cfg.RedisURL, Worker: cfg.WorkerName})
		if err != nil {
			logger.WithError(err).Warn("redis reporting disabled")
		} else {
			s.reporters = append(s.reporters, c)
			s.closers = append(s.closers, func() { _ = c.Close() })
		}
	}

	return s, nil
}

// Close releases connections in reverse order of creation.
func (s *services) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}
