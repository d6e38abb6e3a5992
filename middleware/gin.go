// The concrete Gin middleware implementation lives in the ginmw sub-package
// so importing middleware alone does not pull github.com/gin-gonic/gin
// into projects that only need net/http middleware.
//
// Import:
//
//	import "github.com/aegis-gateway/aegis/middleware/ginmw"
//
// Usage:
//
//	gw := ratelimit.NewRateLimiter(ratelimit.Config{Store: store})
//	r := gin.Default()
//	r.Use(ginmw.RateLimit(gw))
//
// The middleware builds the request context from Gin's ClientIP() (which
// respects trusted proxies) and runs the gateway's full decision
// pipeline: bypass whitelists, rule matching, tier limits, and the
// configured algorithm. Config.Identity plugs in userID/apiKey/tier
// resolution.
//
// See package github.com/aegis-gateway/aegis/middleware/ginmw for full API.

package middleware
