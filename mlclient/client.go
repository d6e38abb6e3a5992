// Package mlclient is the HTTP client for the external
// anomaly-detection/optimization service: bounded linear-backoff
// retries, a health-gated availability flag, and an in-process
// aggregator that buckets request observations per minute and
// periodically forwards them upstream.
//
// The gateway never depends on the ML service being up; every caller
// checks IsAvailable and treats a failed call as "skip analysis".
package mlclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/aegis-gateway/aegis/internal/obs/log"
)

// AnomalyReport is the ML service's response to a detect-anomalies
// call.
type AnomalyReport struct {
	Anomalous bool    `json:"anomalous"`
	Score     float64 `json:"score"`
	Endpoint  string  `json:"endpoint"`
	Detail    string  `json:"detail"`
}

// Recommendation is one optimization suggestion for an endpoint/tier.
type Recommendation struct {
	Endpoint          string  `json:"endpoint"`
	Tier              string  `json:"tier"`
	Strategy          string  `json:"strategy"`
	SuggestedLimit    int64   `json:"suggestedLimit"`
	SuggestedWindowMS int64   `json:"suggestedWindowMs"`
	Confidence        float64 `json:"confidence"`
}

// AnomalyCallback is invoked when the ML service reports an anomaly
// whose score crosses the configured threshold.
type AnomalyCallback func(ctx context.Context, report AnomalyReport)

// Config configures a Client.
type Config struct {
	BaseURL            string
	Timeout            time.Duration
	MaxRetries         int
	RetryBackoff       time.Duration
	HealthPollInterval time.Duration
	AggregateInterval  time.Duration
	// OutboundRPS caps calls to the ML service so a hot callback or a
	// recommendation poll cannot hammer a recovering dependency.
	OutboundRPS      float64
	AnomalyThreshold float64
	OnAnomaly        AnomalyCallback
	Logger           *log.Logger
}

// Client talks to the external ML service and aggregates request
// metrics for periodic forwarding.
type Client struct {
	baseURL      string
	http         *http.Client
	maxRetries   int
	retryBackoff time.Duration
	outbound     *rate.Limiter
	log          *log.Logger

	available atomic.Bool

	aggregator *aggregator
	onAnomaly  AnomalyCallback
	threshold  float64

	healthInterval    time.Duration
	aggregateInterval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Client. The health endpoint is not polled until Start
// is called.
func New(cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Noop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	backoff := cfg.RetryBackoff
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}
	healthInterval := cfg.HealthPollInterval
	if healthInterval <= 0 {
		healthInterval = 15 * time.Second
	}
	aggInterval := cfg.AggregateInterval
	if aggInterval <= 0 {
		aggInterval = time.Minute
	}
	rps := cfg.OutboundRPS
	if rps <= 0 {
		rps = 20
	}

	c := &Client{
		baseURL:           cfg.BaseURL,
		http:              &http.Client{Timeout: timeout},
		maxRetries:        maxRetries,
		retryBackoff:      backoff,
		outbound:          rate.NewLimiter(rate.Limit(rps), int(rps)),
		log:               logger.Named("mlclient"),
		aggregator:        newAggregator(),
		onAnomaly:         cfg.OnAnomaly,
		threshold:         cfg.AnomalyThreshold,
		healthInterval:    healthInterval,
		aggregateInterval: aggInterval,
	}
	return c
}

// Start launches the background health-poll and aggregate-forward
// loops.
func (c *Client) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(2)
	go func() { defer c.wg.Done(); c.healthLoop(runCtx) }()
	go func() { defer c.wg.Done(); c.aggregateLoop(runCtx) }()
}

// Stop halts the background loops.
func (c *Client) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

func (c *Client) healthLoop(ctx context.Context) {
	c.probeHealth(ctx)
	ticker := time.NewTicker(c.healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.probeHealth(ctx)
		}
	}
}

func (c *Client) probeHealth(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		c.available.Store(false)
		return
	}
	resp, err := c.http.Do(req)
	if err != nil || resp.StatusCode >= 300 {
		c.available.Store(false)
		if resp != nil {
			resp.Body.Close()
		}
		return
	}
	resp.Body.Close()
	c.available.Store(true)
}

func (c *Client) aggregateLoop(ctx context.Context) {
	ticker := time.NewTicker(c.aggregateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.forwardAggregates(ctx)
		}
	}
}

func (c *Client) forwardAggregates(ctx context.Context) {
	if !c.IsAvailable() {
		return
	}
	buckets := c.aggregator.drain()
	if len(buckets) == 0 {
		return
	}

	var report AnomalyReport
	if err := c.doWithRetry(ctx, http.MethodPost, "/aggregate", buckets, &report); err != nil {
		c.log.Warn(ctx, "forward aggregated metrics failed", "error", err)
		return
	}
	if c.onAnomaly != nil && report.Anomalous && report.Score >= c.threshold {
		c.onAnomaly(ctx, report)
	}
}

// RecordRequest buckets one request observation for the next aggregate
// forward. Only the endpoint, latency, and status are kept; request
// bodies are never stored.
func (c *Client) RecordRequest(ts time.Time, endpoint string, latencyMS float64, statusCode int) {
	c.aggregator.record(ts, endpoint, latencyMS, statusCode)
}

// IsAvailable reports whether the last health probe succeeded, gating
// whether callers should attempt ML calls at all.
func (c *Client) IsAvailable() bool {
	return c.available.Load()
}

// DetectAnomalies asks the ML service whether endpoint's recent
// traffic looks anomalous.
func (c *Client) DetectAnomalies(ctx context.Context, endpoint string) (AnomalyReport, error) {
	var report AnomalyReport
	err := c.doWithRetry(ctx, http.MethodPost, "/anomalies/detect", map[string]string{"endpoint": endpoint}, &report)
	return report, err
}

// OptimizeRateLimit asks the ML service to suggest a limit for
// (endpoint, tier) under strategy.
func (c *Client) OptimizeRateLimit(ctx context.Context, endpoint, tier, strategy string) (Recommendation, error) {
	var rec Recommendation
	err := c.doWithRetry(ctx, http.MethodPost, "/optimize", map[string]string{
		"endpoint": endpoint, "tier": tier, "strategy": strategy,
	}, &rec)
	return rec, err
}

// Recommendations retrieves the current set of optimization
// recommendations.
func (c *Client) Recommendations(ctx context.Context) ([]Recommendation, error) {
	var recs []Recommendation
	err := c.doWithRetry(ctx, http.MethodGet, "/recommendations", nil, &recs)
	return recs, err
}

// doWithRetry performs one HTTP call against path, retrying transport
// errors and 5xx responses up to maxRetries times with a linear
// backoff. Calls are throttled through the outbound limiter first.
func (c *Client) doWithRetry(ctx context.Context, method, path string, body, out any) error {
	if !c.IsAvailable() {
		return fmt.Errorf("mlclient: service unavailable")
	}
	if err := c.outbound.Wait(ctx); err != nil {
		return err
	}

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("mlclient: encode request: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.retryBackoff * time.Duration(attempt)):
			}
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("mlclient: build request: %w", err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		data, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("mlclient: server returned status %d", resp.StatusCode)
			continue
		}
		if resp.StatusCode >= 400 {
			return fmt.Errorf("mlclient: request rejected with status %d", resp.StatusCode)
		}
		if readErr != nil {
			return fmt.Errorf("mlclient: read response: %w", readErr)
		}
		if out != nil && len(data) > 0 {
			if err := json.Unmarshal(data, out); err != nil {
				return fmt.Errorf("mlclient: decode response: %w", err)
			}
		}
		return nil
	}
	return fmt.Errorf("mlclient: exhausted retries: %w", lastErr)
}
