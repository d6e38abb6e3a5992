package middleware

import (
	"net"
	"net/http"
	"strings"

	"github.com/aegis-gateway/aegis/internal/reqctx"
	"github.com/aegis-gateway/aegis/ratelimit"
)

// IdentityFunc resolves the caller's identity from a request: user id,
// API key, and tier. Any field may be empty; an empty tier resolves to
// anonymous downstream.
type IdentityFunc func(r *http.Request) (userID, apiKey string, tier reqctx.Tier)

// IPFunc derives the canonical client address from a request.
type IPFunc func(r *http.Request) string

// DeniedHandler is called when a request is rate limited. The default
// responds 429 with the gateway's standard JSON body.
type DeniedHandler func(w http.ResponseWriter, r *http.Request, d ratelimit.Decision)

// Config holds the middleware configuration.
type Config struct {
	// Gateway runs the full decision pipeline: bypass, rule match,
	// tier limits, algorithm dispatch (required).
	Gateway *ratelimit.RateLimiter

	// Identity resolves userID/apiKey/tier for the request.
	// Default: API key from X-API-Key, no user, anonymous tier.
	Identity IdentityFunc

	// ClientIP derives the client address. Default: first
	// X-Forwarded-For hop, then X-Real-IP, then RemoteAddr.
	ClientIP IPFunc

	// ExcludePaths are request paths that skip the limiter entirely.
	ExcludePaths map[string]bool

	// Headers controls whether X-RateLimit-* headers are set on
	// responses. Default: true.
	Headers *bool

	// DeniedHandler is called when a request is denied.
	DeniedHandler DeniedHandler
}

// RateLimit creates net/http middleware over gw with default
// extractors.
//
// Usage with net/http:
//
//	mux := http.NewServeMux()
//	mux.Handle("/api/", middleware.RateLimit(gw)(handler))
//
// Usage with chi:
//
//	r := chi.NewRouter()
//	r.Use(middleware.RateLimit(gw))
func RateLimit(gw *ratelimit.RateLimiter) func(http.Handler) http.Handler {
	return RateLimitWithConfig(Config{Gateway: gw})
}

// RateLimitWithConfig creates net/http middleware with full
// configuration control.
func RateLimitWithConfig(cfg Config) func(http.Handler) http.Handler {
	if cfg.Gateway == nil {
		panic("aegis/middleware: Gateway is required")
	}
	if cfg.Identity == nil {
		cfg.Identity = IdentityFromHeaders
	}
	if cfg.ClientIP == nil {
		cfg.ClientIP = ClientIP
	}
	if cfg.DeniedHandler == nil {
		cfg.DeniedHandler = defaultDeniedHandler
	}
	sendHeaders := cfg.Headers == nil || *cfg.Headers

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.ExcludePaths != nil && cfg.ExcludePaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			userID, apiKey, tier := cfg.Identity(r)
			d := cfg.Gateway.Check(r.Context(), reqctx.Context{
				IP:        cfg.ClientIP(r),
				UserID:    userID,
				APIKey:    apiKey,
				Tier:      tier,
				Path:      r.URL.Path,
				Method:    r.Method,
				Headers:   reqctx.NewHeader(r.Header),
				RequestID: r.Header.Get("X-Request-ID"),
			})

			if sendHeaders {
				for k, v := range d.Headers {
					w.Header().Set(k, v)
				}
			}

			if !d.Allowed {
				cfg.DeniedHandler(w, r, d)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ─── Built-in Extractors ─────────────────────────────────────────────────────

// IdentityFromHeaders reads the API key from X-API-Key and leaves the
// user and tier for the gateway to resolve.
func IdentityFromHeaders(r *http.Request) (string, string, reqctx.Tier) {
	return "", r.Header.Get("X-API-Key"), ""
}

// ClientIP extracts the client IP address. It checks X-Forwarded-For,
// X-Real-IP, then falls back to RemoteAddr.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ip := strings.TrimSpace(strings.SplitN(xff, ",", 2)[0]); ip != "" {
			return ip
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// ─── Default Handlers ────────────────────────────────────────────────────────

func defaultDeniedHandler(w http.ResponseWriter, _ *http.Request, d ratelimit.Decision) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	w.Write(d.DenialBody())
}
