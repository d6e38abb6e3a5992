// The concrete Echo middleware implementation lives in the echomw sub-package
// so importing middleware alone does not pull github.com/labstack/echo
// into projects that only need net/http middleware.
//
// Import:
//
//	import "github.com/aegis-gateway/aegis/middleware/echomw"
//
// Usage:
//
//	gw := ratelimit.NewRateLimiter(ratelimit.Config{Store: store})
//	e := echo.New()
//	e.Use(echomw.RateLimit(gw))
//
// The middleware builds the request context from Echo's RealIP() and
// runs the gateway's full decision pipeline: bypass whitelists, rule
// matching, tier limits, and the configured algorithm. Config.Identity
// plugs in userID/apiKey/tier resolution.
//
// See package github.com/aegis-gateway/aegis/middleware/echomw for full API.

package middleware
