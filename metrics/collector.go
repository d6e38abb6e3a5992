// Package metrics implements the three-tier metrics pipeline:
// in-memory real-time counters for sub-second dashboard reads, a
// batched buffer flushed to a tsdb.MetricsStore, and an aggregated
// query layer over the store whose overview query falls back to the
// in-memory rolling window when the store is unavailable.
//
// The Prometheus instrumentation keeps the familiar
// CounterVec/HistogramVec-plus-functional-options shape, now partitioned
// by backend and rate-limit decision instead of algorithm alone,
// registered through internal/obs/promexport so the collector can share
// a registry with ratelimit/rlmetrics without panicking on duplicate
// registration.
package metrics

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aegis-gateway/aegis/health"
	"github.com/aegis-gateway/aegis/internal/obs/log"
	"github.com/aegis-gateway/aegis/internal/obs/promexport"
	"github.com/aegis-gateway/aegis/internal/tsdb"
	"github.com/aegis-gateway/aegis/proxy"
)

// Config configures a Collector.
type Config struct {
	Store tsdb.MetricsStore

	// FlushInterval and BatchSize govern the batched-persistence tier:
	// a flush runs on whichever triggers first.
	FlushInterval time.Duration
	BatchSize     int

	// SampleRate is the fraction of request metrics enqueued for
	// durable storage, in (0,1]. Counters and the rolling window always
	// see every request; only the buffered tsdb write is sampled.
	// Zero or >=1 disables sampling.
	SampleRate float64

	// Retention bounds how long persisted rows are kept; expired rows
	// are deleted by a periodic cleanup task. Zero disables cleanup.
	Retention time.Duration

	Namespace  string
	Registerer prometheus.Registerer
	Logger     *log.Logger
}

type secondBucket struct {
	count         int64
	totalDuration time.Duration
	errors        int64
}

type totals struct {
	mu          sync.Mutex
	requests    int64
	success     int64
	failed      int64
	rateLimited int64
	cached      int64
}

// Collector implements the three metrics tiers. It satisfies
// proxy.Recorder and health.Recorder so it plugs directly
// into the proxy pipeline and health checker without either depending
// on this package.
type Collector struct {
	store         tsdb.MetricsStore
	flushInterval time.Duration
	batchSize     int
	sampleRate    float64
	retention     time.Duration
	log           *log.Logger

	totals totals

	windowMu sync.Mutex
	window   map[int64]*secondBucket

	healthMu sync.RWMutex
	backends map[string]health.Metric

	bufMu        sync.Mutex
	requestBuf   []tsdb.RequestRecord
	rateLimitBuf []tsdb.RateLimitRecord
	backendBuf   []tsdb.BackendRecord

	requestsTotal      *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	rateLimitDecisions *prometheus.CounterVec
	backendHealthGauge *prometheus.GaugeVec
	activeConnGauge    prometheus.Gauge

	flushCh chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds a Collector. Store may be nil, in which case Overview is
// served from the in-memory rolling window and the series and endpoint
// queries return empty results.
func New(cfg Config) *Collector {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Noop()
	}
	registerer := cfg.Registerer
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "aegis"
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 500
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = 10 * time.Second
	}

	requestsTotal := promexport.MustRegisterCounterVec(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "requests_total",
		Help:      "Total proxied requests partitioned by backend and status class.",
	}, []string{"backend", "status"}))

	requestDuration := promexport.MustRegisterHistogramVec(registerer, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "request_duration_seconds",
		Help:      "Latency of proxied requests in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"backend"}))

	rateLimitDecisions := promexport.MustRegisterCounterVec(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limit_decisions_total",
		Help:      "Total rate limit checks partitioned by algorithm and decision.",
	}, []string{"algorithm", "decision"}))

	backendHealthGauge := promexport.MustRegisterGaugeVec(registerer, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "backend_healthy",
		Help:      "1 if the backend's last probe succeeded, 0 otherwise.",
	}, []string{"backend"}))

	activeConnGauge := promexport.MustRegisterGauge(registerer, prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_connections",
		Help:      "In-flight proxied requests.",
	}))

	return &Collector{
		store:              cfg.Store,
		flushInterval:      flushInterval,
		batchSize:          batchSize,
		sampleRate:         cfg.SampleRate,
		retention:          cfg.Retention,
		log:                logger.Named("metrics"),
		window:             make(map[int64]*secondBucket),
		backends:           make(map[string]health.Metric),
		requestsTotal:      requestsTotal,
		requestDuration:    requestDuration,
		rateLimitDecisions: rateLimitDecisions,
		backendHealthGauge: backendHealthGauge,
		activeConnGauge:    activeConnGauge,
		flushCh:            make(chan struct{}, 1),
	}
}

// Start launches the background flush loop. Stop performs a final
// flush before returning.
func (c *Collector) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.flushLoop(runCtx)
	}()
	if c.retention > 0 {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.retentionLoop(runCtx)
		}()
	}
}

func (c *Collector) retentionLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Retain(ctx, c.retention); err != nil {
				c.log.Warn(ctx, "retention cleanup failed", "error", err)
			}
		}
	}
}

// Stop halts the flush loop and performs one final flush so buffered
// records survive a graceful shutdown.
func (c *Collector) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.Flush(context.Background())
}

func (c *Collector) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Flush(ctx)
		case <-c.flushCh:
			c.Flush(ctx)
		}
	}
}

// RecordRequest implements proxy.Recorder.
func (c *Collector) RecordRequest(m proxy.RequestMetric) {
	c.totals.mu.Lock()
	c.totals.requests++
	switch {
	case m.RateLimited:
		c.totals.rateLimited++
	case m.Cached:
		c.totals.cached++
	case m.StatusCode >= 500 || m.StatusCode == 0:
		c.totals.failed++
	default:
		c.totals.success++
	}
	c.totals.mu.Unlock()

	c.bumpWindow(m.Timestamp, m.Duration, m.StatusCode >= 500)

	statusClass := statusClassOf(m.StatusCode)
	c.requestsTotal.WithLabelValues(orUnknown(m.Backend), statusClass).Inc()
	c.requestDuration.WithLabelValues(orUnknown(m.Backend)).Observe(m.Duration.Seconds())

	if c.shouldSample() {
		c.bufMu.Lock()
		c.requestBuf = append(c.requestBuf, tsdb.RequestRecord{
			Timestamp:   m.Timestamp,
			RequestID:   m.RequestID,
			Path:        m.Path,
			Method:      m.Method,
			StatusCode:  m.StatusCode,
			DurationMS:  float64(m.Duration.Microseconds()) / 1000,
			UserID:      m.UserID,
			IP:          m.IP,
			UserAgent:   m.UserAgent,
			Backend:     m.Backend,
			BytesIn:     m.BytesIn,
			BytesOut:    m.BytesOut,
			Error:       m.Error,
			RateLimited: m.RateLimited,
			Cached:      m.Cached,
			Tier:        string(m.Tier),
		})
		full := len(c.requestBuf) >= c.batchSize
		c.bufMu.Unlock()
		if full {
			c.scheduleFlush()
		}
	}
}

// RecordRateLimit implements proxy.Recorder.
func (c *Collector) RecordRateLimit(m proxy.RateLimitMetric) {
	decision := "denied"
	if m.Allowed {
		decision = "allowed"
	}
	c.rateLimitDecisions.WithLabelValues(orUnknown(m.Algorithm), decision).Inc()

	c.bufMu.Lock()
	c.rateLimitBuf = append(c.rateLimitBuf, tsdb.RateLimitRecord{
		Timestamp: m.Timestamp,
		Key:       m.Key,
		Endpoint:  m.Endpoint,
		Allowed:   m.Allowed,
		Remaining: m.Remaining,
		Limit:     m.Limit,
		UserID:    m.UserID,
		IP:        m.IP,
		Tier:      string(m.Tier),
		Algorithm: m.Algorithm,
	})
	full := len(c.rateLimitBuf) >= c.batchSize
	c.bufMu.Unlock()
	if full {
		c.scheduleFlush()
	}
}

// RecordBackendMetric implements health.Recorder.
func (c *Collector) RecordBackendMetric(m health.Metric) {
	c.healthMu.Lock()
	c.backends[m.Backend] = m
	c.healthMu.Unlock()

	value := 0.0
	if m.Healthy {
		value = 1.0
	}
	c.backendHealthGauge.WithLabelValues(m.Backend).Set(value)

	c.bufMu.Lock()
	c.backendBuf = append(c.backendBuf, tsdb.BackendRecord{
		Timestamp:            m.Timestamp,
		Backend:              m.Backend,
		Healthy:              m.Healthy,
		ResponseTimeMS:       float64(m.ResponseTime.Microseconds()) / 1000,
		ConsecutiveFailures:  m.ConsecutiveFailures,
		ConsecutiveSuccesses: m.ConsecutiveSuccesses,
	})
	full := len(c.backendBuf) >= c.batchSize
	c.bufMu.Unlock()
	if full {
		c.scheduleFlush()
	}
}

// SetActiveConnections publishes the proxy's current in-flight count to
// the active_connections gauge.
func (c *Collector) SetActiveConnections(n int64) {
	c.activeConnGauge.Set(float64(n))
}

func (c *Collector) shouldSample() bool {
	if c.sampleRate <= 0 || c.sampleRate >= 1 {
		return true
	}
	return rand.Float64() < c.sampleRate
}

func (c *Collector) scheduleFlush() {
	select {
	case c.flushCh <- struct{}{}:
	default:
	}
}

func (c *Collector) bumpWindow(ts time.Time, d time.Duration, isError bool) {
	if ts.IsZero() {
		ts = time.Now()
	}
	second := ts.Unix()
	c.windowMu.Lock()
	b, ok := c.window[second]
	if !ok {
		b = &secondBucket{}
		c.window[second] = b
	}
	b.count++
	b.totalDuration += d
	if isError {
		b.errors++
	}
	cutoff := second - 60
	for k := range c.window {
		if k < cutoff {
			delete(c.window, k)
		}
	}
	c.windowMu.Unlock()
}

// Flush performs one bulk insert per buffered metric type. Errors are
// logged but do not block ingestion.
func (c *Collector) Flush(ctx context.Context) {
	if c.store == nil {
		c.bufMu.Lock()
		c.requestBuf = nil
		c.rateLimitBuf = nil
		c.backendBuf = nil
		c.bufMu.Unlock()
		return
	}

	c.bufMu.Lock()
	requests := c.requestBuf
	rateLimits := c.rateLimitBuf
	backends := c.backendBuf
	c.requestBuf = nil
	c.rateLimitBuf = nil
	c.backendBuf = nil
	c.bufMu.Unlock()

	if len(requests) > 0 {
		if err := c.store.InsertRequests(ctx, requests); err != nil {
			c.log.Error(ctx, "flush request metrics failed", "error", err, "count", len(requests))
		}
	}
	if len(rateLimits) > 0 {
		if err := c.store.InsertRateLimits(ctx, rateLimits); err != nil {
			c.log.Error(ctx, "flush rate limit metrics failed", "error", err, "count", len(rateLimits))
		}
	}
	if len(backends) > 0 {
		if err := c.store.InsertBackendMetrics(ctx, backends); err != nil {
			c.log.Error(ctx, "flush backend metrics failed", "error", err, "count", len(backends))
		}
	}
}

// Retain deletes rows (and prunes the rolling window) older than
// retention.
func (c *Collector) Retain(ctx context.Context, retention time.Duration) error {
	cutoff := time.Now().Add(-retention)
	c.windowMu.Lock()
	cutoffSecond := cutoff.Unix()
	for k := range c.window {
		if k < cutoffSecond {
			delete(c.window, k)
		}
	}
	c.windowMu.Unlock()

	if c.store == nil {
		return nil
	}
	return c.store.DeleteOlderThan(ctx, cutoff)
}

// Stats is the operational snapshot GET /api/metrics/stats returns.
type Stats struct {
	TotalRequests    int64
	SuccessCount     int64
	FailedCount      int64
	RateLimitedCount int64
	CachedCount      int64
	BufferedRequests int
	BufferedRateLimits int
	BufferedBackends int
}

// Stats returns the current in-memory totals and buffer depths.
func (c *Collector) Stats() Stats {
	c.totals.mu.Lock()
	s := Stats{
		TotalRequests:    c.totals.requests,
		SuccessCount:     c.totals.success,
		FailedCount:      c.totals.failed,
		RateLimitedCount: c.totals.rateLimited,
		CachedCount:      c.totals.cached,
	}
	c.totals.mu.Unlock()

	c.bufMu.Lock()
	s.BufferedRequests = len(c.requestBuf)
	s.BufferedRateLimits = len(c.rateLimitBuf)
	s.BufferedBackends = len(c.backendBuf)
	c.bufMu.Unlock()
	return s
}

// windowOverview computes an Overview purely from the in-memory
// rolling window, the fallback path when the durable store is
// unavailable.
func (c *Collector) windowOverview() tsdb.Overview {
	c.windowMu.Lock()
	defer c.windowMu.Unlock()

	var o tsdb.Overview
	var totalDuration time.Duration
	durations := make([]time.Duration, 0, len(c.window))
	for _, b := range c.window {
		o.TotalRequests += b.count
		o.ErrorCount += b.errors
		totalDuration += b.totalDuration
		if b.count > 0 {
			durations = append(durations, b.totalDuration/time.Duration(b.count))
		}
	}
	o.SuccessCount = o.TotalRequests - o.ErrorCount
	if o.TotalRequests > 0 {
		o.AvgDurationMS = float64(totalDuration.Microseconds()) / 1000 / float64(o.TotalRequests)
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
	o.P95DurationMS = percentileMS(durations, 0.95)
	o.P99DurationMS = percentileMS(durations, 0.99)

	c.healthMu.RLock()
	for _, h := range c.backends {
		if h.Healthy {
			o.ActiveBackends++
		}
	}
	c.healthMu.RUnlock()
	return o
}

func percentileMS(sorted []time.Duration, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)-1) * p)
	return float64(sorted[idx].Microseconds()) / 1000
}

// Overview returns the dashboard summary for r, falling back to the
// in-memory rolling window when the store is nil or errors.
func (c *Collector) Overview(ctx context.Context, r tsdb.Range) (tsdb.Overview, error) {
	if c.store == nil {
		return c.windowOverview(), nil
	}
	o, err := c.store.Overview(ctx, r)
	if err != nil {
		c.log.Warn(ctx, "overview query failed, falling back to rolling window", "error", err)
		return c.windowOverview(), nil
	}
	return o, nil
}

// RequestRate delegates to the store; it returns an empty series if no
// store is configured.
func (c *Collector) RequestRate(ctx context.Context, r tsdb.Range) ([]tsdb.Point, error) {
	if c.store == nil {
		return nil, nil
	}
	return c.store.RequestRate(ctx, r)
}

func (c *Collector) LatencyPercentiles(ctx context.Context, r tsdb.Range) ([]tsdb.LatencyPercentilePoint, error) {
	if c.store == nil {
		return nil, nil
	}
	return c.store.LatencyPercentiles(ctx, r)
}

func (c *Collector) ErrorRate(ctx context.Context, r tsdb.Range) ([]tsdb.Point, error) {
	if c.store == nil {
		return nil, nil
	}
	return c.store.ErrorRate(ctx, r)
}

func (c *Collector) StatusDistribution(ctx context.Context, r tsdb.Range) ([]tsdb.StatusBucket, error) {
	if c.store == nil {
		return nil, nil
	}
	return c.store.StatusDistribution(ctx, r)
}

func (c *Collector) TopEndpoints(ctx context.Context, r tsdb.Range, limit int) ([]tsdb.EndpointStats, error) {
	if c.store == nil {
		return nil, nil
	}
	return c.store.TopEndpoints(ctx, r, limit)
}

func (c *Collector) EndpointMetrics(ctx context.Context, r tsdb.Range, endpoint, method string, limit, offset int) ([]tsdb.EndpointStats, error) {
	if c.store == nil {
		return nil, nil
	}
	return c.store.EndpointMetrics(ctx, r, endpoint, method, limit, offset)
}

// MetricValue resolves a single scalar value for (metric, windowSeconds,
// endpoint?, backend?), the narrow query the alert manager evaluates
// rules against. Supported metric names: request_rate,
// error_rate, avg_latency_ms, p95_latency_ms, p99_latency_ms.
func (c *Collector) MetricValue(ctx context.Context, metric string, windowSeconds int64, endpoint, backend string) (float64, error) {
	r := tsdb.Range{Start: time.Now().Add(-time.Duration(windowSeconds) * time.Second), End: time.Now()}

	if endpoint != "" || backend != "" {
		limit := 1
		if endpoint == "" {
			limit = 1000
		}
		rows, err := c.EndpointMetrics(ctx, r, endpoint, "", limit, 0)
		if err != nil {
			return 0, err
		}
		return endpointMetricValue(metric, rows), nil
	}

	o, err := c.Overview(ctx, r)
	if err != nil {
		return 0, err
	}
	return overviewMetricValue(metric, o), nil
}

func overviewMetricValue(metric string, o tsdb.Overview) float64 {
	switch metric {
	case "request_rate":
		return float64(o.TotalRequests)
	case "error_rate":
		if o.TotalRequests == 0 {
			return 0
		}
		return float64(o.ErrorCount) / float64(o.TotalRequests)
	case "avg_latency_ms":
		return o.AvgDurationMS
	case "p95_latency_ms":
		return o.P95DurationMS
	case "p99_latency_ms":
		return o.P99DurationMS
	default:
		return 0
	}
}

func endpointMetricValue(metric string, rows []tsdb.EndpointStats) float64 {
	if len(rows) == 0 {
		return 0
	}
	row := rows[0]
	switch metric {
	case "request_rate":
		return float64(row.RequestCount)
	case "error_rate":
		if row.RequestCount == 0 {
			return 0
		}
		return float64(row.ErrorCount) / float64(row.RequestCount)
	case "avg_latency_ms":
		return row.AvgDurationMS
	case "p95_latency_ms":
		return row.P95DurationMS
	default:
		return 0
	}
}

func statusClassOf(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	default:
		return "unknown"
	}
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
