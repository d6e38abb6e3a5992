// The concrete Fiber middleware implementation lives in the fibermw sub-package
// so importing middleware alone does not pull github.com/gofiber/fiber
// into projects that only need net/http middleware.
// Fiber uses fasthttp (not net/http) so a dedicated adapter is required.
//
// Import:
//
//	import "github.com/aegis-gateway/aegis/middleware/fibermw"
//
// Usage:
//
//	gw := ratelimit.NewRateLimiter(ratelimit.Config{Store: store})
//	app := fiber.New()
//	app.Use(fibermw.RateLimit(gw))
//
// The middleware builds the request context from Fiber's IP() (which
// respects proxy headers) and runs the gateway's full decision
// pipeline: bypass whitelists, rule matching, tier limits, and the
// configured algorithm. Config.Identity plugs in userID/apiKey/tier
// resolution.
//
// See package github.com/aegis-gateway/aegis/middleware/fibermw for full API.

package middleware
