// Package proxy implements the per-request pipeline: route, limit,
// breaker, forward, record. It is the hot path every proxied request
// traverses, wiring together the router, rate limiter facade, circuit
// breaker registry, and health checker built elsewhere in this module.
//
// Forwarding itself uses the standard library's
// net/http/httputil.ReverseProxy.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/aegis-gateway/aegis/breaker"
	"github.com/aegis-gateway/aegis/health"
	"github.com/aegis-gateway/aegis/internal/aerr"
	"github.com/aegis-gateway/aegis/internal/obs/log"
	"github.com/aegis-gateway/aegis/internal/obs/otelspan"
	"github.com/aegis-gateway/aegis/internal/reqctx"
	"github.com/aegis-gateway/aegis/ratelimit"
	"github.com/aegis-gateway/aegis/router"
)

// RequestMetric is the record emitted for every proxied request.
type RequestMetric struct {
	Timestamp   time.Time
	RequestID   string
	Path        string
	Method      string
	StatusCode  int
	Duration    time.Duration
	UserID      string
	IP          string
	UserAgent   string
	Backend     string
	BytesIn     int64
	BytesOut    int64
	Error       string
	RateLimited bool
	Cached      bool
	Tier        reqctx.Tier
}

// RateLimitMetric records one rate-limit decision.
type RateLimitMetric struct {
	Timestamp time.Time
	Key       string
	Endpoint  string
	Allowed   bool
	Remaining int64
	Limit     int64
	UserID    string
	IP        string
	Tier      reqctx.Tier
	Algorithm string
}

// Recorder receives the metrics the proxy pipeline emits. The metrics
// collector implements this.
type Recorder interface {
	RecordRequest(RequestMetric)
	RecordRateLimit(RateLimitMetric)
}

type noopRecorder struct{}

func (noopRecorder) RecordRequest(RequestMetric)     {}
func (noopRecorder) RecordRateLimit(RateLimitMetric) {}

// Backend is the proxy's view of a backend: where to forward and how
// many times to retry.
type Backend struct {
	Name          string
	URL           string
	Timeout       time.Duration
	RetryAttempts int
}

// TrustedProxyPolicy decides how the canonical client IP is derived
// from a request.
type TrustedProxyPolicy struct {
	// TrustedHeader is consulted (e.g. "X-Forwarded-For") when the
	// immediate peer address is in TrustedCIDRs. Empty disables header
	// trust entirely (RemoteAddr is always used).
	TrustedHeader string
	TrustedCIDRs  []*net.IPNet
}

// ClientIP resolves the canonical client address for r.
func (p TrustedProxyPolicy) ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if p.TrustedHeader == "" || !p.isTrusted(host) {
		return host
	}
	if v := r.Header.Get(p.TrustedHeader); v != "" {
		parts := strings.Split(v, ",")
		return strings.TrimSpace(parts[0])
	}
	return host
}

func (p TrustedProxyPolicy) isTrusted(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, cidr := range p.TrustedCIDRs {
		if cidr.Contains(parsed) {
			return true
		}
	}
	return false
}

// TierResolver maps a resolved user/API key to a subscription tier.
// Implementations typically consult an auth/RBAC service; this is the
// narrow seam the data plane consumes instead of depending on that
// service directly.
type TierResolver func(ctx context.Context, userID, apiKey string) reqctx.Tier

// Config configures a Proxy.
type Config struct {
	Router       *router.Router
	RateLimiter  *ratelimit.RateLimiter
	Breakers     *breaker.Registry
	Health       *health.Checker
	Backends     map[string]Backend // by name
	Recorder     Recorder
	TrustPolicy  TrustedProxyPolicy
	TierResolver TierResolver
	Logger       *log.Logger
}

// Proxy implements the per-request pipeline.
type Proxy struct {
	router       *router.Router
	limiter      *ratelimit.RateLimiter
	breakers     *breaker.Registry
	health       *health.Checker
	backends     map[string]Backend
	recorder     Recorder
	trustPolicy  TrustedProxyPolicy
	tierResolver TierResolver
	tierGroup    singleflight.Group
	tracer       trace.Tracer
	log          *log.Logger

	activeConnections int64
	transport         http.RoundTripper
}

// New builds a Proxy from cfg.
func New(cfg Config) *Proxy {
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = noopRecorder{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Noop()
	}
	tierResolver := cfg.TierResolver
	if tierResolver == nil {
		tierResolver = func(context.Context, string, string) reqctx.Tier { return reqctx.TierAnonymous }
	}
	return &Proxy{
		router:       cfg.Router,
		limiter:      cfg.RateLimiter,
		breakers:     cfg.Breakers,
		health:       cfg.Health,
		backends:     cfg.Backends,
		recorder:     recorder,
		trustPolicy:  cfg.TrustPolicy,
		tierResolver: tierResolver,
		tracer:       otel.Tracer("aegis/proxy"),
		log:          logger.Named("proxy"),
		transport:    http.DefaultTransport,
	}
}

// ActiveConnections returns the current in-flight request count.
func (p *Proxy) ActiveConnections() int64 {
	return atomic.LoadInt64(&p.activeConnections)
}

// ServeHTTP implements the full request pipeline.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	atomic.AddInt64(&p.activeConnections, 1)
	defer atomic.AddInt64(&p.activeConnections, -1)

	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	w.Header().Set("X-Request-ID", requestID)

	reqCtx := p.buildContext(r, requestID)
	ctx := r.Context()

	metric := RequestMetric{
		Timestamp: start,
		RequestID: requestID,
		Path:      reqCtx.Path,
		Method:    reqCtx.Method,
		UserID:    reqCtx.UserID,
		IP:        reqCtx.IP,
		UserAgent: reqCtx.Headers.Get("user-agent"),
		Tier:      reqCtx.Tier,
	}

	defer func() {
		metric.Duration = time.Since(start)
		w.Header().Set("Server-Timing", fmt.Sprintf("total;dur=%.1f", metric.Duration.Seconds()*1000))
		p.recorder.RecordRequest(metric)
	}()

	decision := p.limiter.Check(ctx, reqCtx)
	for k, v := range decision.Headers {
		w.Header().Set(k, v)
	}
	p.recorder.RecordRateLimit(RateLimitMetric{
		Timestamp: start,
		Key:       requestID,
		Endpoint:  reqCtx.Path,
		Allowed:   decision.Allowed,
		Remaining: decision.Result.Remaining,
		Limit:     decision.Result.Limit,
		UserID:    reqCtx.UserID,
		IP:        reqCtx.IP,
		Tier:      reqCtx.Tier,
		Algorithm: algorithmOf(decision),
	})
	if !decision.Allowed {
		metric.RateLimited = true
		metric.StatusCode = http.StatusTooManyRequests
		writeRateLimitDenial(w, decision)
		return
	}

	match, ok := p.router.Match(reqCtx.Path)
	if !ok {
		metric.StatusCode = http.StatusNotFound
		writeError(w, http.StatusNotFound, aerr.CodeBadInput, "no backend matches this path")
		return
	}
	metric.Backend = match.Backend

	backend, ok := p.backends[match.Backend]
	if !ok {
		metric.StatusCode = http.StatusNotFound
		writeError(w, http.StatusNotFound, aerr.CodeBadInput, "backend not configured")
		return
	}

	if !p.available(ctx, match.Backend) {
		metric.StatusCode = http.StatusServiceUnavailable
		metric.Error = "backend unavailable"
		writeError(w, http.StatusServiceUnavailable, aerr.CodeDenied, "backend is not currently available")
		return
	}

	status, bytesOut, fwdErr := p.forward(ctx, w, r, backend)
	metric.StatusCode = status
	metric.BytesOut = bytesOut
	if fwdErr != nil {
		metric.Error = fwdErr.Error()
	}
}

func algorithmOf(d ratelimit.Decision) string {
	if d.Result.Limit == 0 && d.Bypassed {
		return "bypass"
	}
	if d.Rule != nil && d.Rule.RateLimit.Algorithm != "" {
		return d.Rule.RateLimit.Algorithm
	}
	return ""
}

func (p *Proxy) buildContext(r *http.Request, requestID string) reqctx.Context {
	headers := reqctx.NewHeader(r.Header)
	userID := headers.Get("x-user-id")
	apiKey := headers.Get("x-api-key")
	tier := reqctx.Tier(headers.Get("x-tier"))
	if tier == "" {
		tier = p.resolveTier(r.Context(), userID, apiKey)
	}
	return reqctx.Context{
		IP:        p.trustPolicy.ClientIP(r),
		UserID:    userID,
		APIKey:    apiKey,
		Tier:      tier,
		Path:      router.NormalizePath(r.URL.Path),
		Method:    r.Method,
		Headers:   headers,
		RequestID: requestID,
	}
}

// resolveTier maps a user/API key to a tier, deduplicating concurrent
// lookups for the same subject so a burst from one cold client resolves
// its tier once.
func (p *Proxy) resolveTier(ctx context.Context, userID, apiKey string) reqctx.Tier {
	if userID == "" && apiKey == "" {
		return p.tierResolver(ctx, userID, apiKey)
	}
	v, _, _ := p.tierGroup.Do(userID+"\x00"+apiKey, func() (any, error) {
		return p.tierResolver(ctx, userID, apiKey), nil
	})
	return v.(reqctx.Tier)
}

// available reports whether backend name may currently receive
// traffic: its breaker must not be OPEN and its health must not be
// unhealthy.
func (p *Proxy) available(ctx context.Context, name string) bool {
	if p.breakers != nil && p.breakers.Get(name).IsOpen() {
		return false
	}
	if p.health != nil {
		if h, ok := p.health.Health(name); ok && h.Status == health.StatusUnhealthy {
			return false
		}
	}
	return true
}

// forward proxies the request to backend, retrying transport errors
// and 5xx responses up to backend.RetryAttempts, feeding every attempt
// into the circuit breaker.
func (p *Proxy) forward(ctx context.Context, w http.ResponseWriter, r *http.Request, backend Backend) (status int, bytesOut int64, err error) {
	ctx, endSpan := otelspan.StartIfRecording(ctx, p.tracer, "proxy.forward")
	defer func() { endSpan(err) }()

	target, err := url.Parse(backend.URL)
	if err != nil {
		return http.StatusBadGateway, 0, err
	}

	timeout := backend.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	attempts := backend.RetryAttempts
	if attempts < 0 {
		attempts = 0
	}

	var lastErr error
	var lastStatus int

	breakerInst := (*breaker.Breaker)(nil)
	if p.breakers != nil {
		breakerInst = p.breakers.Get(backend.Name)
	}

	for attempt := 0; attempt <= attempts; attempt++ {
		if breakerInst != nil && !breakerInst.Allow(ctx) {
			return http.StatusServiceUnavailable, 0, errors.New("circuit open")
		}

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		rp := httputil.NewSingleHostReverseProxy(target)
		rp.Transport = p.transport
		if attempt < attempts {
			// Turn a 5xx into an error before anything reaches the client,
			// so the attempt can be retried; the last attempt streams it.
			rp.ModifyResponse = func(resp *http.Response) error {
				if resp.StatusCode >= 500 {
					return fmt.Errorf("backend returned status %d", resp.StatusCode)
				}
				return nil
			}
		}

		fwdErr := p.doForward(attemptCtx, rp, rec, r)
		cancel()

		if fwdErr == nil && rec.status < 500 {
			if breakerInst != nil {
				breakerInst.RecordSuccess(ctx)
			}
			return rec.status, rec.bytes, nil
		}

		lastErr = fwdErr
		lastStatus = rec.status
		if breakerInst != nil {
			breakerInst.RecordFailure(ctx)
		}
		if rec.headerWritten {
			// Response already started streaming to the client; a retry
			// would corrupt the stream, so stop here.
			return rec.status, rec.bytes, fwdErr
		}
	}

	if lastStatus == 0 {
		lastStatus = http.StatusBadGateway
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("backend returned status %d", lastStatus)
	}
	writeError(w, http.StatusBadGateway, aerr.CodeTransient, lastErr.Error())
	return http.StatusBadGateway, bytesOut, lastErr
}

func (p *Proxy) doForward(ctx context.Context, rp *httputil.ReverseProxy, rec *statusRecorder, r *http.Request) error {
	var forwardErr error
	rp.ErrorHandler = func(_ http.ResponseWriter, _ *http.Request, err error) {
		forwardErr = err
	}
	rp.ServeHTTP(rec, r.WithContext(ctx))
	return forwardErr
}

// statusRecorder captures the status code and byte count a
// ReverseProxy writes, since http.ResponseWriter exposes neither.
type statusRecorder struct {
	http.ResponseWriter
	status        int
	bytes         int64
	headerWritten bool
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.headerWritten = true
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	s.headerWritten = true
	n, err := s.ResponseWriter.Write(b)
	s.bytes += int64(n)
	return n, err
}

func writeRateLimitDenial(w http.ResponseWriter, d ratelimit.Decision) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	w.Write(d.DenialBody())
}

func writeError(w http.ResponseWriter, status int, code aerr.Code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":true,"code":%q,"message":%q}`, string(code), message)
}

