package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/dustin/go-humanize"

	"github.com/bardlex/qminer/internal/config"
	"github.com/bardlex/qminer/internal/miner"
	"github.com/bardlex/qminer/internal/source"
	"github.com/bardlex/qminer/internal/stats"
	"github.com/bardlex/qminer/pkg/log"
)

const nodeRetryInterval = 5 * time.Second

func runMiner(parent context.Context, out io.Writer, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := log.NewWithWriter(out, "qminer", version, cfg.LogLevelName(), cfg.LogFormat)

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("Received shutdown signal", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	svc, err := buildServices(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	engine := miner.New(
		miner.WithLogger(logger),
		miner.WithSink(svc.sink),
		miner.WithReporters(svc.reporters...),
	)
	if err := engine.Initialize(cfg); err != nil {
		return err
	}

	if err := svc.node.WaitReady(ctx, nodeRetryInterval); err != nil {
		_ = engine.Stop()
		fmt.Fprintln(out, "Miner stopped before the node became reachable")
		return nil
	}

	poller := source.NewPoller(svc.node, engine.Jobs(), cfg.PollInterval, logger,
		source.WithRefreshSignal(engine.RefreshRequests()))

	fmt.Fprintln(out, "Starting miner...")
	if err := engine.Start(ctx); err != nil {
		return err
	}

	var bg sync.WaitGroup
	go func() { _ = poller.Run(ctx) }()

	if svc.notifier != nil {
		bg.Add(1)
		go func() {
			defer bg.Done()
			err := svc.notifier.Run(ctx, func(h chainhash.Hash) {
				logger.Debug("new block announced", "hash", h.String())
				poller.Notify()
			})
			if err != nil && ctx.Err() == nil {
				logger.WithError(err).Warn("block notifier stopped")
			}
		}()
	}

	if svc.metrics != nil {
		bg.Add(1)
		go func() {
			defer bg.Done()
			if err := svc.metrics.Serve(ctx, cfg.MetricsAddr, logger); err != nil {
				logger.WithError(err).Error("metrics endpoint failed")
			}
		}()
	}

	<-engine.Done()
	reason := engine.Stop()
	cancel()
	bg.Wait()

	fmt.Fprintln(out, "\nFinal Statistics:")
	printStats(out, engine.SnapshotStats())

	if reason != nil {
		return reason
	}
	fmt.Fprintln(out, "Miner stopped successfully")
	return nil
}

func printStats(w io.Writer, s stats.Snapshot) {
	fmt.Fprintf(w, "  Uptime:            %s\n", s.Uptime.Truncate(time.Second))
	fmt.Fprintf(w, "  Kernel:            %s\n", s.Variant)
	fmt.Fprintf(w, "  Total hashes:      %s\n", humanize.Comma(int64(s.Hashes)))
	fmt.Fprintf(w, "  Average hashrate:  %s\n", stats.FormatHashRate(s.AverageHashRate))
	fmt.Fprintf(w, "  Shares found:      %d\n", s.SharesFound)
	fmt.Fprintf(w, "  Shares accepted:   %d\n", s.Accepted)
	fmt.Fprintf(w, "  Shares rejected:   %d\n", s.Rejected)
	fmt.Fprintf(w, "  Stale shares:      %d\n", s.Stale)
	if s.Lost > 0 || s.Dropped > 0 {
		fmt.Fprintf(w, "  Lost shares:       %d\n", s.Lost)
		fmt.Fprintf(w, "  Dropped shares:    %d\n", s.Dropped)
	}
}
