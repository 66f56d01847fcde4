// Package metrics exposes mining stats snapshots as Prometheus metrics.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bardlex/qminer/internal/stats"
	"github.com/bardlex/qminer/pkg/log"
)

const namespace = "qminer"

// Reporter mirrors the latest snapshot into gauges on a private registry.
type Reporter struct {
	registry *prometheus.Registry

	hashRate     prometheus.Gauge
	avgHashRate  prometheus.Gauge
	hashes       prometheus.Gauge
	jobVersion   prometheus.Gauge
	shares       *prometheus.GaugeVec
	threadHashes *prometheus.GaugeVec
	variant      *prometheus.GaugeVec
}

// NewReporter registers the miner metrics.
func NewReporter() *Reporter {
	r := &Reporter{
		registry: prometheus.NewRegistry(),
		hashRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "hashrate_hps",
			Help: "Hash rate over the last stats interval.",
		}),
		avgHashRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "hashrate_average_hps",
			Help: "Hash rate averaged since start.",
		}),
		hashes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "hashes_total",
			Help: "Hash attempts since start.",
		}),
		jobVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "job_version",
			Help: "Version of the job currently being mined.",
		}),
		shares: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "shares",
			Help: "Shares by outcome since start.",
		}, []string{"outcome"}),
		threadHashes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "thread_hashes_total",
			Help: "Hash attempts per mining thread.",
		}, []string{"thread"}),
		variant: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "hash_variant_info",
			Help: "Active hash kernel, value is always 1.",
		}, []string{"variant"}),
	}

	r.registry.MustRegister(r.hashRate, r.avgHashRate, r.hashes, r.jobVersion, r.shares, r.threadHashes, r.variant)
	return r
}

// Name implements stats.Reporter.
func (r *Reporter) Name() string { return "prometheus" }

// Report implements stats.Reporter.
func (r *Reporter) Report(_ context.Context, s stats.Snapshot) error {
	r.hashRate.Set(s.HashRate)
	r.avgHashRate.Set(s.AverageHashRate)
	r.hashes.Set(float64(s.Hashes))
	r.jobVersion.Set(float64(s.JobVersion))

	r.shares.WithLabelValues("found").Set(float64(s.SharesFound))
	r.shares.WithLabelValues("accepted").Set(float64(s.Accepted))
	r.shares.WithLabelValues("rejected").Set(float64(s.Rejected))
	r.shares.WithLabelValues("lost").Set(float64(s.Lost))
	r.shares.WithLabelValues("stale").Set(float64(s.Stale))
	r.shares.WithLabelValues("dropped").Set(float64(s.Dropped))

	for _, w := range s.Workers {
		r.threadHashes.WithLabelValues(strconv.Itoa(w.ID)).Set(float64(w.Hashes))
	}

	r.variant.Reset()
	if s.Variant != "" {
		r.variant.WithLabelValues(s.Variant).Set(1)
	}
	return nil
}

// Handler serves the registry in the text exposition format.
func (r *Reporter) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (r *Reporter) Serve(ctx context.Context, addr string, logger *log.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics endpoint listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
