// Package fibermw embeds the gateway's rate-limit decision pipeline in
// a Fiber application.
//
// Separated from the middleware package so that importing the net/http
// middleware does not pull in github.com/gofiber/fiber. Fiber uses
// fasthttp (not net/http), so a dedicated adapter is required.
//
// Usage:
//
//	gw := ratelimit.NewRateLimiter(ratelimit.Config{Store: store})
//	app := fiber.New()
//	app.Use(fibermw.RateLimit(gw))
package fibermw

import (
	"github.com/gofiber/fiber/v2"

	"github.com/aegis-gateway/aegis/internal/reqctx"
	"github.com/aegis-gateway/aegis/ratelimit"
)

// IdentityFunc resolves the caller's identity from a Fiber context:
// user id, API key, and tier. Any field may be empty.
type IdentityFunc func(c *fiber.Ctx) (userID, apiKey string, tier reqctx.Tier)

// DeniedHandler is called when a request is rate limited.
type DeniedHandler func(c *fiber.Ctx, d ratelimit.Decision) error

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

// RateLimit creates Fiber middleware over gw with default settings.
func RateLimit(gw *ratelimit.RateLimiter) fiber.Handler {
	return RateLimitWithConfig(Config{Gateway: gw})
}

// RateLimitWithConfig creates Fiber middleware with full configuration
// control.
func RateLimitWithConfig(cfg Config) fiber.Handler {
	if cfg.Gateway == nil {
		panic("fibermw: Gateway is required")
	}
	if cfg.Identity == nil {
		cfg.Identity = identityFromHeaders
	}
	if cfg.DeniedHandler == nil {
		cfg.DeniedHandler = defaultDeniedHandler
	}
	sendHeaders := cfg.Headers == nil || *cfg.Headers

	return func(c *fiber.Ctx) error {
		if cfg.ExcludePaths != nil && cfg.ExcludePaths[c.Path()] {
			return c.Next()
		}

		userID, apiKey, tier := cfg.Identity(c)
		headers := make(map[string]string)
		c.Request().Header.VisitAll(func(k, v []byte) {
			headers[string(k)] = string(v)
		})
		d := cfg.Gateway.Check(c.UserContext(), reqctx.Context{
			IP:        c.IP(),
			UserID:    userID,
			APIKey:    apiKey,
			Tier:      tier,
			Path:      c.Path(),
			Method:    c.Method(),
			Headers:   reqctx.NewHeaderFromPairs(headers),
			RequestID: c.Get("X-Request-ID"),
		})

		if sendHeaders {
			for k, v := range d.Headers {
				c.Set(k, v)
			}
		}

		if !d.Allowed {
			return cfg.DeniedHandler(c, d)
		}

		return c.Next()
	}
}

// identityFromHeaders reads the API key from X-API-Key and leaves the
// user and tier for the gateway to resolve.
func identityFromHeaders(c *fiber.Ctx) (string, string, reqctx.Tier) {
	return "", c.Get("X-API-Key"), ""
}

func defaultDeniedHandler(c *fiber.Ctx, d ratelimit.Decision) error {
	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	return c.Status(fiber.StatusTooManyRequests).Send(d.DenialBody())
}
