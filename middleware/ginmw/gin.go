// Package ginmw embeds the gateway's rate-limit decision pipeline in a
// Gin application.
//
// Separated from the middleware package so that importing the net/http
// middleware does not pull in github.com/gin-gonic/gin.
//
// Usage:
//
//	gw := ratelimit.NewRateLimiter(ratelimit.Config{Store: store})
//	r := gin.Default()
//	r.Use(ginmw.RateLimit(gw))
package ginmw

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/aegis-gateway/aegis/internal/reqctx"
	"github.com/aegis-gateway/aegis/ratelimit"
)

// IdentityFunc resolves the caller's identity from a Gin context: user
// id, API key, and tier. Any field may be empty.
type IdentityFunc func(c *gin.Context) (userID, apiKey string, tier reqctx.Tier)

// DeniedHandler is called when a request is rate limited.
type DeniedHandler func(c *gin.Context, d ratelimit.Decision)

// Config holds the middleware configuration.
type Config struct {
	// Gateway runs the full decision pipeline (required).
	Gateway *ratelimit.RateLimiter

	// Identity resolves userID/apiKey/tier. Default: API key from
	// X-API-Key, no user, anonymous tier.
	Identity IdentityFunc

	// DeniedHandler is called on denial. Default: aborts with 429 and
	// the gateway's standard JSON body.
	DeniedHandler DeniedHandler

	// ExcludePaths are request paths that skip the limiter entirely.
	ExcludePaths map[string]bool

	// Headers controls whether X-RateLimit-* headers are set.
	// Default: true.
	Headers *bool
}

// RateLimit creates Gin middleware over gw with default settings.
func RateLimit(gw *ratelimit.RateLimiter) gin.HandlerFunc {
	return RateLimitWithConfig(Config{Gateway: gw})
}

// RateLimitWithConfig creates Gin middleware with full configuration
// control.
func RateLimitWithConfig(cfg Config) gin.HandlerFunc {
	if cfg.Gateway == nil {
		panic("ginmw: Gateway is required")
	}
	if cfg.Identity == nil {
		cfg.Identity = identityFromHeaders
	}
	if cfg.DeniedHandler == nil {
		cfg.DeniedHandler = defaultDeniedHandler
	}
	sendHeaders := cfg.Headers == nil || *cfg.Headers

	return func(c *gin.Context) {
		if cfg.ExcludePaths != nil && cfg.ExcludePaths[c.Request.URL.Path] {
			c.Next()
			return
		}

		userID, apiKey, tier := cfg.Identity(c)
		d := cfg.Gateway.Check(c.Request.Context(), reqctx.Context{
			IP:        c.ClientIP(),
			UserID:    userID,
			APIKey:    apiKey,
			Tier:      tier,
			Path:      c.Request.URL.Path,
			Method:    c.Request.Method,
			Headers:   reqctx.NewHeader(c.Request.Header),
			RequestID: c.GetHeader("X-Request-ID"),
		})

		if sendHeaders {
			for k, v := range d.Headers {
				c.Header(k, v)
			}
		}

		if !d.Allowed {
			cfg.DeniedHandler(c, d)
			return
		}

		c.Next()
	}
}

// identityFromHeaders reads the API key from X-API-Key and leaves the
// user and tier for the gateway to resolve.
func identityFromHeaders(c *gin.Context) (string, string, reqctx.Tier) {
	return "", c.GetHeader("X-API-Key"), ""
}

func defaultDeniedHandler(c *gin.Context, d ratelimit.Decision) {
	c.Abort()
	c.Data(http.StatusTooManyRequests, "application/json", d.DenialBody())
}
