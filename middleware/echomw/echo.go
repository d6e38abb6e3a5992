// Package echomw embeds the gateway's rate-limit decision pipeline in
// an Echo application.
//
// Separated from the middleware package so that importing the net/http
// middleware does not pull in github.com/labstack/echo.
//
// Usage:
//
//	gw := ratelimit.NewRateLimiter(ratelimit.Config{Store: store})
//	e := echo.New()
//	e.Use(echomw.RateLimit(gw))
package echomw

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/aegis-gateway/aegis/internal/reqctx"
	"github.com/aegis-gateway/aegis/ratelimit"
)

// IdentityFunc resolves the caller's identity from an Echo context:
// user id, API key, and tier. Any field may be empty.
type IdentityFunc func(c echo.Context) (userID, apiKey string, tier reqctx.Tier)

// DeniedHandler is called when a request is rate limited.
type DeniedHandler func(c echo.Context, d ratelimit.Decision) error

// Config holds the middleware configuration.
type Config struct {
	// Gateway runs the full decision pipeline (required).
	Gateway *ratelimit.RateLimiter

	// Identity resolves userID/apiKey/tier. Default: API key from
	// X-API-Key, no user, anonymous tier.
	Identity IdentityFunc

	// DeniedHandler is called on denial. Default: 429 with the
	// gateway's standard JSON body.
	DeniedHandler DeniedHandler

	// ExcludePaths are request paths that skip the limiter entirely.
	ExcludePaths map[string]bool

	// Headers controls whether X-RateLimit-* headers are set.
	// Default: true.
	Headers *bool
}

// RateLimit creates Echo middleware over gw with default settings.
func RateLimit(gw *ratelimit.RateLimiter) echo.MiddlewareFunc {
	return RateLimitWithConfig(Config{Gateway: gw})
}

// RateLimitWithConfig creates Echo middleware with full configuration
// control.
func RateLimitWithConfig(cfg Config) echo.MiddlewareFunc {
	if cfg.Gateway == nil {
		panic("echomw: Gateway is required")
	}
	if cfg.Identity == nil {
		cfg.Identity = identityFromHeaders
	}
	if cfg.DeniedHandler == nil {
		cfg.DeniedHandler = defaultDeniedHandler
	}
	sendHeaders := cfg.Headers == nil || *cfg.Headers

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if cfg.ExcludePaths != nil && cfg.ExcludePaths[req.URL.Path] {
				return next(c)
			}

			userID, apiKey, tier := cfg.Identity(c)
			d := cfg.Gateway.Check(req.Context(), reqctx.Context{
				IP:        c.RealIP(),
				UserID:    userID,
				APIKey:    apiKey,
				Tier:      tier,
				Path:      req.URL.Path,
				Method:    req.Method,
				Headers:   reqctx.NewHeader(req.Header),
				RequestID: req.Header.Get("X-Request-ID"),
			})

			if sendHeaders {
				h := c.Response().Header()
				for k, v := range d.Headers {
					h.Set(k, v)
				}
			}

			if !d.Allowed {
				return cfg.DeniedHandler(c, d)
			}

			return next(c)
		}
	}
}

// identityFromHeaders reads the API key from X-API-Key and leaves the
// user and tier for the gateway to resolve.
func identityFromHeaders(c echo.Context) (string, string, reqctx.Tier) {
	return "", c.Request().Header.Get("X-API-Key"), ""
}

func defaultDeniedHandler(c echo.Context, d ratelimit.Decision) error {
	return c.JSONBlob(http.StatusTooManyRequests, d.DenialBody())
}
