package fibermw_test

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"

	"github.com/aegis-gateway/aegis/internal/kv/memstore"
	"github.com/aegis-gateway/aegis/internal/reqctx"
	"github.com/aegis-gateway/aegis/middleware/fibermw"
	"github.com/aegis-gateway/aegis/ratelimit"
)

func newApp(mw fiber.Handler) *fiber.App {
	app := fiber.New()
	app.Use(mw)
	app.Get("/api/data", func(c *fiber.Ctx) error { return c.SendString("ok") })
	app.Get("/health", func(c *fiber.Ctx) error { return c.SendString("ok") })
	return app
}

func doReq(app *fiber.App, method, path string, headers map[string]string) *http.Response {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, _ := app.Test(req, -1)
	return resp
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
	app := newApp(fibermw.RateLimit(newGateway(5)))

	for i := 0; i < 5; i++ {
		resp := doReq(app, "GET", "/api/data", nil)
		if resp.StatusCode != 200 {
			t.Fatalf("request %d: expected 200, got %d", i+1, resp.StatusCode)
		}
		if resp.Header.Get("X-RateLimit-Limit") != "5" {
			t.Errorf("request %d: expected limit=5, got %s", i+1, resp.Header.Get("X-RateLimit-Limit"))
		}
	}
}

func TestRateLimit_DeniesExceedingLimit(t *testing.T) {
	app := newApp(fibermw.RateLimit(newGateway(2)))

	for i := 0; i < 2; i++ {
		doReq(app, "GET", "/api/data", nil)
	}

	resp := doReq(app, "GET", "/api/data", nil)
	if resp.StatusCode != 429 {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 429, got %d, body: %s", resp.StatusCode, body)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
	var body struct {
		Code string `json:"code"`
	}
	data, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("denial body is not JSON: %v", err)
	}
	if body.Code != "RATE_LIMIT_EXCEEDED" {
		t.Errorf("expected code RATE_LIMIT_EXCEEDED, got %q", body.Code)
	}
}

func TestRateLimit_ExcludePaths(t *testing.T) {
	app := newApp(fibermw.RateLimitWithConfig(fibermw.Config{
		Gateway:      newGateway(1),
		ExcludePaths: map[string]bool{"/health": true},
	}))

	doReq(app, "GET", "/api/data", nil)

	for i := 0; i < 3; i++ {
		resp := doReq(app, "GET", "/health", nil)
		if resp.StatusCode != 200 {
			t.Fatalf("excluded path request %d should be allowed, got %d", i+1, resp.StatusCode)
		}
	}
}

func TestRateLimit_APIKeyIdentity(t *testing.T) {
	// Two distinct API keys get independent counters under the
	// composite key strategy.
	app := newApp(fibermw.RateLimit(newGateway(2)))

	for i := 0; i < 2; i++ {
		doReq(app, "GET", "/api/data", map[string]string{"X-API-Key": "key-aaaaaaaa"})
	}
	resp := doReq(app, "GET", "/api/data", map[string]string{"X-API-Key": "key-aaaaaaaa"})
	if resp.StatusCode != 429 {
		t.Fatalf("key A should be exhausted, got %d", resp.StatusCode)
	}

	resp = doReq(app, "GET", "/api/data", map[string]string{"X-API-Key": "key-bbbbbbbb"})
	if resp.StatusCode != 200 {
		t.Errorf("key B should have its own allowance, got %d", resp.StatusCode)
	}
}

func TestRateLimit_CustomDeniedHandler(t *testing.T) {
	app := newApp(fibermw.RateLimitWithConfig(fibermw.Config{
		Gateway: newGateway(1),
		DeniedHandler: func(c *fiber.Ctx, _ ratelimit.Decision) error {
			return c.Status(429).SendString("slow down")
		},
	}))

	doReq(app, "GET", "/api/data", nil)
	resp := doReq(app, "GET", "/api/data", nil)
	if resp.StatusCode != 429 {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "slow down" {
		t.Errorf("expected custom body, got %q", body)
	}
}
