package ginmw_test

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/aegis-gateway/aegis/internal/kv/memstore"
	"github.com/aegis-gateway/aegis/internal/reqctx"
	"github.com/aegis-gateway/aegis/middleware/ginmw"
	"github.com/aegis-gateway/aegis/ratelimit"
	"github.com/aegis-gateway/aegis/rules"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(mw gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(mw)
	r.GET("/api/data", func(c *gin.Context) { c.String(200, "ok") })
	r.GET("/health", func(c *gin.Context) { c.String(200, "ok") })
	return r
}

func newGateway(anonymousLimit int64) *ratelimit.RateLimiter {
	return ratelimit.NewRateLimiter(ratelimit.Config{
		Store:                memstore.New(),
		KeyPrefix:            "test",
		Tiers:                ratelimit.TierLimits{reqctx.TierAnonymous: anonymousLimit},
		DefaultAlgorithm:     ratelimit.AlgoFixedWindow,
		DefaultWindowSeconds: 60,
	})
}

func TestRateLimit_AllowsWithinLimit(t *testing.T) {
	router := newRouter(ginmw.RateLimit(newGateway(5)))

	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/api/data", nil)
		req.RemoteAddr = "1.2.3.4:1234"
		router.ServeHTTP(w, req)

		if w.Code != 200 {
			t.Fatalf("request %d: expected 200, got %d", i+1, w.Code)
		}
		if w.Header().Get("X-RateLimit-Limit") != "5" {
			t.Errorf("request %d: expected limit=5, got %s", i+1, w.Header().Get("X-RateLimit-Limit"))
		}
	}
}

func TestRateLimit_DeniesExceedingLimit(t *testing.T) {
	router := newRouter(ginmw.RateLimit(newGateway(2)))

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/api/data", nil)
		req.RemoteAddr = "5.6.7.8:1234"
		router.ServeHTTP(w, req)
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/data", nil)
	req.RemoteAddr = "5.6.7.8:1234"
	router.ServeHTTP(w, req)

	if w.Code != 429 {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	var body struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("denial body is not JSON: %v", err)
	}
	if body.Code != "RATE_LIMIT_EXCEEDED" {
		t.Errorf("expected code RATE_LIMIT_EXCEEDED, got %q", body.Code)
	}
}

func TestRateLimit_RuleScopedToEndpoint(t *testing.T) {
	gw := ratelimit.NewRateLimiter(ratelimit.Config{
		Store:     memstore.New(),
		KeyPrefix: "test",
		Rules: []rules.Rule{{
			ID:       "data-endpoint",
			Enabled:  true,
			Priority: 5,
			Match:    rules.Match{Endpoint: "/api/data", EndpointMatchType: rules.MatchExact},
			RateLimit: rules.RateLimitSpec{
				Algorithm:     ratelimit.AlgoFixedWindow,
				Requests:      1,
				WindowSeconds: 60,
			},
		}},
		Tiers:                ratelimit.TierLimits{reqctx.TierAnonymous: 100},
		DefaultAlgorithm:     ratelimit.AlgoFixedWindow,
		DefaultWindowSeconds: 60,
	})
	router := newRouter(ginmw.RateLimit(gw))

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/data", nil)
	req.RemoteAddr = "9.9.9.9:1234"
	router.ServeHTTP(w, req)
	if w.Code != 200 {
		t.Fatal("first request should be allowed")
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/api/data", nil)
	req.RemoteAddr = "9.9.9.9:1234"
	router.ServeHTTP(w, req)
	if w.Code != 429 {
		t.Errorf("rule limit of 1 should deny the second request, got %d", w.Code)
	}

	// /health is not matched by the rule, so the tier limit applies.
	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/health", nil)
	req.RemoteAddr = "9.9.9.9:1234"
	router.ServeHTTP(w, req)
	if w.Code != 200 {
		t.Errorf("unmatched path should fall back to the tier limit, got %d", w.Code)
	}
}

func TestRateLimit_ExcludePaths(t *testing.T) {
	router := newRouter(ginmw.RateLimitWithConfig(ginmw.Config{
		Gateway:      newGateway(1),
		ExcludePaths: map[string]bool{"/health": true},
	}))

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/health", nil)
		req.RemoteAddr = "2.2.2.2:1234"
		router.ServeHTTP(w, req)
		if w.Code != 200 {
			t.Fatalf("excluded path request %d should be allowed, got %d", i+1, w.Code)
		}
	}
}

func TestRateLimit_CustomIdentityUsesTier(t *testing.T) {
	gw := ratelimit.NewRateLimiter(ratelimit.Config{
		Store:     memstore.New(),
		KeyPrefix: "test",
		Tiers: ratelimit.TierLimits{
			reqctx.TierAnonymous: 1,
			reqctx.TierPro:       10,
		},
		DefaultAlgorithm:     ratelimit.AlgoFixedWindow,
		DefaultWindowSeconds: 60,
	})
	router := newRouter(ginmw.RateLimitWithConfig(ginmw.Config{
		Gateway: gw,
		Identity: func(c *gin.Context) (string, string, reqctx.Tier) {
			return "user-1", "", reqctx.TierPro
		},
	}))

	// Pro tier allows well past the anonymous limit of 1.
	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/api/data", nil)
		req.RemoteAddr = "3.3.3.3:1234"
		router.ServeHTTP(w, req)
		if w.Code != 200 {
			t.Fatalf("pro-tier request %d should be allowed, got %d", i+1, w.Code)
		}
	}
}
