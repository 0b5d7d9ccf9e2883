// Package metrics exposes the adapter's Prometheus metrics: per-operation
// counters and latency histograms, cache hit/miss counters, and a gauge
// for currently active mounts, served over HTTP for a Prometheus scrape.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config controls whether metrics are collected at all and where they're
// served.
type Config struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"` // e.g. ":9100"
	Path    string `yaml:"path"` // e.g. "/metrics"
}

// DefaultConfig returns metrics disabled by default; the CLI enables it
// explicitly when the config file asks for it.
func DefaultConfig() Config {
	return Config{Enabled: false, Addr: ":9100", Path: "/metrics"}
}

// Collector wraps the adapter's Prometheus registry and metric vectors.
// A nil *Collector is safe to call every Record/Update method on: every
// method is a no-op, so callers never need to check config.Enabled
// themselves.
type Collector struct {
	registry *prometheus.Registry

	operationTotal    *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	cacheResultTotal  *prometheus.CounterVec
	activeMounts      prometheus.Gauge
	stagedBytes       *prometheus.GaugeVec
	flushRetryTotal   prometheus.Counter

	server *http.Server
	cfg    Config
}

// New builds a Collector and registers its metrics. If cfg.Enabled is
// false, New still returns a usable Collector (every method becomes a
// cheap no-op) but Start does nothing.
func New(cfg Config) (*Collector, error) {
	if !cfg.Enabled {
		return &Collector{cfg: cfg}, nil
	}

	registry := prometheus.NewRegistry()
	c := &Collector{registry: registry, cfg: cfg}

	c.operationTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fuseadapter",
		Name:      "operations_total",
		Help:      "FUSE operations by type and outcome.",
	}, []string{"op", "outcome"})

	c.operationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "fuseadapter",
		Name:      "operation_duration_seconds",
		Help:      "Latency of FUSE operations, by type.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"op"})

	c.cacheResultTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fuseadapter",
		Name:      "cache_results_total",
		Help:      "Staging cache reads served from disk vs passed through to the backend.",
	}, []string{"result"})

	c.activeMounts = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fuseadapter",
		Name:      "active_mounts",
		Help:      "Number of mounts currently attached.",
	})

	c.stagedBytes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fuseadapter",
		Name:      "staged_bytes",
		Help:      "Bytes currently held in a mount's staging cache.",
	}, []string{"mount"})

	c.flushRetryTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fuseadapter",
		Name:      "flush_retries_total",
		Help:      "Retry attempts against the backend while flushing a dirty staging entry.",
	})

	for _, coll := range []prometheus.Collector{
		c.operationTotal, c.operationDuration, c.cacheResultTotal, c.activeMounts, c.stagedBytes, c.flushRetryTotal,
	} {
		if err := registry.Register(coll); err != nil {
			return nil, fmt.Errorf("register metric: %w", err)
		}
	}

	return c, nil
}

// Start serves the metrics endpoint in the background. It returns
// immediately; call Stop during shutdown.
func (c *Collector) Start() error {
	if c == nil || !c.cfg.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(c.cfg.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))

	c.server = &http.Server{
		Addr:              c.cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()
	return nil
}

// Stop shuts the metrics HTTP server down gracefully.
func (c *Collector) Stop(ctx context.Context) error {
	if c == nil || c.server == nil {
		return nil
	}
	return c.server.Shutdown(ctx)
}

func (c *Collector) RecordOperation(op string, duration time.Duration, err error) {
	if c == nil || !c.cfg.Enabled {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	c.operationTotal.WithLabelValues(op, outcome).Inc()
	c.operationDuration.WithLabelValues(op).Observe(duration.Seconds())
}

func (c *Collector) RecordCacheHit() {
	if c == nil || !c.cfg.Enabled {
		return
	}
	c.cacheResultTotal.WithLabelValues("hit").Inc()
}

func (c *Collector) RecordCacheMiss() {
	if c == nil || !c.cfg.Enabled {
		return
	}
	c.cacheResultTotal.WithLabelValues("miss").Inc()
}

func (c *Collector) SetActiveMounts(n int) {
	if c == nil || !c.cfg.Enabled {
		return
	}
	c.activeMounts.Set(float64(n))
}

func (c *Collector) SetStagedBytes(mount string, bytes int64) {
	if c == nil || !c.cfg.Enabled {
		return
	}
	c.stagedBytes.WithLabelValues(mount).Set(float64(bytes))
}

// RecordFlushRetry is called once per retried attempt to flush a dirty
// staging entry to the backend, not once per flush.
func (c *Collector) RecordFlushRetry() {
	if c == nil || !c.cfg.Enabled {
		return
	}
	c.flushRetryTotal.Inc()
}
