// Package rlmetrics provides Prometheus instrumentation for
// ratelimit.Limiter implementations. Any Limiter can be wrapped to
// record check counts, latency, and backend errors, labeled by
// algorithm, tier, and rule so a single collector can attribute load
// across every rule in the gateway.
//
//	collector := rlmetrics.NewCollector()
//	limiter := ratelimit.NewSlidingWindowCounter(store, "aegis")
//	limiter = rlmetrics.Wrap(limiter, collector, rlmetrics.Labels{Backend: "billing-api", Tier: "pro", Rule: "default"})
package rlmetrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aegis-gateway/aegis/internal/obs/promexport"
	"github.com/aegis-gateway/aegis/ratelimit"
)

// Collector holds Prometheus metric vectors for rate limiter instrumentation.
type Collector struct {
	checks   *prometheus.CounterVec
	duration *prometheus.HistogramVec
	errors   *prometheus.CounterVec
}

type collectorConfig struct {
	namespace string
	subsystem string
	registry  prometheus.Registerer
	buckets   []float64
}

// CollectorOption configures a Collector.
type CollectorOption func(*collectorConfig)

// WithNamespace sets the Prometheus metric namespace (prefix).
func WithNamespace(ns string) CollectorOption {
	return func(c *collectorConfig) { c.namespace = ns }
}

// WithSubsystem sets the Prometheus metric subsystem.
func WithSubsystem(sub string) CollectorOption {
	return func(c *collectorConfig) { c.subsystem = sub }
}

// WithRegistry registers metrics with the given Registerer instead of
// prometheus.DefaultRegisterer.
func WithRegistry(r prometheus.Registerer) CollectorOption {
	return func(c *collectorConfig) { c.registry = r }
}

// WithBuckets sets custom histogram buckets for check duration.
func WithBuckets(b []float64) CollectorOption {
	return func(c *collectorConfig) { c.buckets = b }
}

var defaultBuckets = []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1}

// NewCollector creates a Collector and registers its metrics.
//
// Metrics registered:
//   - {namespace}_checks_total     counter   (algorithm, decision, backend, tier, rule)
//   - {namespace}_check_duration_seconds  histogram (algorithm, backend)
//   - {namespace}_errors_total     counter   (algorithm, backend)
//
// Default namespace is "aegis_ratelimit".
func NewCollector(opts ...CollectorOption) *Collector {
	cfg := &collectorConfig{
		namespace: "aegis_ratelimit",
		registry:  prometheus.DefaultRegisterer,
		buckets:   defaultBuckets,
	}
	for _, o := range opts {
		o(cfg)
	}

	checks := promexport.MustRegisterCounterVec(cfg.registry, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.namespace,
		Subsystem: cfg.subsystem,
		Name:      "checks_total",
		Help:      "Total rate limit checks partitioned by algorithm, decision, backend, tier and rule.",
	}, []string{"algorithm", "decision", "backend", "tier", "rule"}))

	duration := promexport.MustRegisterHistogramVec(cfg.registry, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: cfg.namespace,
		Subsystem: cfg.subsystem,
		Name:      "check_duration_seconds",
		Help:      "Latency of rate limit Check calls in seconds.",
		Buckets:   cfg.buckets,
	}, []string{"algorithm", "backend"}))

	errs := promexport.MustRegisterCounterVec(cfg.registry, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.namespace,
		Subsystem: cfg.subsystem,
		Name:      "errors_total",
		Help:      "Total rate limiter backend errors.",
	}, []string{"algorithm", "backend"}))

	return &Collector{checks: checks, duration: duration, errors: errs}
}

// Labels carries the gateway-level dimensions attached to every check
// recorded through a wrapped Limiter.
type Labels struct {
	Backend string
	Tier    string
	Rule    string
}

// Wrap returns a Limiter that transparently records Prometheus metrics for
// every Check delegated to inner.
func Wrap(inner ratelimit.Limiter, c *Collector, labels Labels) ratelimit.Limiter {
	return &instrumented{inner: inner, collector: c, labels: labels}
}

type instrumented struct {
	inner     ratelimit.Limiter
	collector *Collector
	labels    Labels
}

func (l *instrumented) Name() string { return l.inner.Name() }

func (l *instrumented) Check(ctx context.Context, key string, limit, windowSeconds, cost int64) (ratelimit.Result, error) {
	start := time.Now()
	result, err := l.inner.Check(ctx, key, limit, windowSeconds, cost)
	l.collector.duration.WithLabelValues(l.inner.Name(), l.labels.Backend).Observe(time.Since(start).Seconds())

	if err != nil {
		l.collector.errors.WithLabelValues(l.inner.Name(), l.labels.Backend).Inc()
	}

	decision := "denied"
	if result.Allowed {
		decision = "allowed"
	}
	l.collector.checks.WithLabelValues(l.inner.Name(), decision, l.labels.Backend, l.labels.Tier, l.labels.Rule).Inc()

	return result, err
}

func (l *instrumented) Peek(ctx context.Context, key string, limit, windowSeconds int64) (ratelimit.State, bool, error) {
	return l.inner.Peek(ctx, key, limit, windowSeconds)
}

func (l *instrumented) Reset(ctx context.Context, key string) error {
	return l.inner.Reset(ctx, key)
}
