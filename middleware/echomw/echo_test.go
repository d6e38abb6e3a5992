package echomw_test

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/aegis-gateway/aegis/internal/kv/memstore"
	"github.com/aegis-gateway/aegis/internal/reqctx"
	"github.com/aegis-gateway/aegis/middleware/echomw"
	"github.com/aegis-gateway/aegis/ratelimit"
	"github.com/aegis-gateway/aegis/rules"
)

func newEcho(mw echo.MiddlewareFunc) *echo.Echo {
	e := echo.New()
	e.Use(mw)
	e.GET("/api/data", func(c echo.Context) error { return c.String(200, "ok") })
	e.GET("/health", func(c echo.Context) error { return c.String(200, "ok") })
	return e
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
	e := newEcho(echomw.RateLimit(newGateway(5)))

	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/api/data", nil)
		req.RemoteAddr = "1.2.3.4:1234"
		e.ServeHTTP(w, req)

		if w.Code != 200 {
			t.Fatalf("request %d: expected 200, got %d", i+1, w.Code)
		}
		if w.Header().Get("X-RateLimit-Limit") != "5" {
			t.Errorf("request %d: expected limit=5, got %s", i+1, w.Header().Get("X-RateLimit-Limit"))
		}
	}
}

func TestRateLimit_DeniesExceedingLimit(t *testing.T) {
	e := newEcho(echomw.RateLimit(newGateway(2)))

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/api/data", nil)
		req.RemoteAddr = "5.6.7.8:1234"
		e.ServeHTTP(w, req)
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/data", nil)
	req.RemoteAddr = "5.6.7.8:1234"
	e.ServeHTTP(w, req)

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

func TestRateLimit_BypassWhitelistedPath(t *testing.T) {
	gw := ratelimit.NewRateLimiter(ratelimit.Config{
		Store:                memstore.New(),
		KeyPrefix:            "test",
		Bypass:               rules.Bypass{PathWhitelist: []string{"/health"}},
		Tiers:                ratelimit.TierLimits{reqctx.TierAnonymous: 1},
		DefaultAlgorithm:     ratelimit.AlgoFixedWindow,
		DefaultWindowSeconds: 60,
	})
	e := newEcho(echomw.RateLimit(gw))

	for i := 0; i < 4; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/health", nil)
		req.RemoteAddr = "2.2.2.2:1234"
		e.ServeHTTP(w, req)
		if w.Code != 200 {
			t.Fatalf("whitelisted path request %d should be allowed, got %d", i+1, w.Code)
		}
	}
}

func TestRateLimit_CustomIdentityUsesTier(t *testing.T) {
	gw := ratelimit.NewRateLimiter(ratelimit.Config{
		Store:     memstore.New(),
		KeyPrefix: "test",
		Tiers: ratelimit.TierLimits{
			reqctx.TierAnonymous:  1,
			reqctx.TierEnterprise: 100,
		},
		DefaultAlgorithm:     ratelimit.AlgoFixedWindow,
		DefaultWindowSeconds: 60,
	})
	e := newEcho(echomw.RateLimitWithConfig(echomw.Config{
		Gateway: gw,
		Identity: func(c echo.Context) (string, string, reqctx.Tier) {
			return "acct-9", "", reqctx.TierEnterprise
		},
	}))

	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/api/data", nil)
		req.RemoteAddr = "3.3.3.3:1234"
		e.ServeHTTP(w, req)
		if w.Code != 200 {
			t.Fatalf("enterprise request %d should be allowed, got %d", i+1, w.Code)
		}
	}
}

func TestRateLimit_HeadersDisabled(t *testing.T) {
	noHeaders := false
	e := newEcho(echomw.RateLimitWithConfig(echomw.Config{
		Gateway: newGateway(5),
		Headers: &noHeaders,
	}))

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/data", nil)
	req.RemoteAddr = "4.4.4.4:1234"
	e.ServeHTTP(w, req)

	if w.Code != 200 {
		t.Fatal("request should be allowed")
	}
	if w.Header().Get("X-RateLimit-Limit") != "" {
		t.Error("X-RateLimit-Limit should not be set when headers disabled")
	}
}
