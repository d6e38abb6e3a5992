package middleware_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/aegis-gateway/aegis/internal/kv/memstore"
	"github.com/aegis-gateway/aegis/internal/reqctx"
	"github.com/aegis-gateway/aegis/middleware"
	"github.com/aegis-gateway/aegis/ratelimit"
	"github.com/aegis-gateway/aegis/rules"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

func newGateway(anonymousLimit int64, ruleset []rules.Rule, bypass rules.Bypass) *ratelimit.RateLimiter {
	return ratelimit.NewRateLimiter(ratelimit.Config{
		Store:                memstore.New(),
		KeyPrefix:            "test",
		Rules:                ruleset,
		Bypass:               bypass,
		Tiers:                ratelimit.TierLimits{reqctx.TierAnonymous: anonymousLimit},
		DefaultAlgorithm:     ratelimit.AlgoFixedWindow,
		DefaultWindowSeconds: 60,
	})
}

func TestRateLimit_AllowsWithinLimit(t *testing.T) {
	handler := middleware.RateLimit(newGateway(5, nil, rules.Bypass{}))(okHandler())

	for i := 0; i < 5; i++ {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/api/test", nil)
		req.RemoteAddr = "192.168.1.1:12345"
		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("request %d: expected 200, got %d", i+1, rr.Code)
		}
		if rr.Header().Get("X-RateLimit-Limit") != "5" {
			t.Errorf("request %d: expected X-RateLimit-Limit=5, got %s", i+1, rr.Header().Get("X-RateLimit-Limit"))
		}
		remaining, _ := strconv.ParseInt(rr.Header().Get("X-RateLimit-Remaining"), 10, 64)
		expected := int64(5 - i - 1)
		if remaining != expected {
			t.Errorf("request %d: expected remaining=%d, got %d", i+1, expected, remaining)
		}
	}
}

func TestRateLimit_DeniesExceedingLimit(t *testing.T) {
	handler := middleware.RateLimit(newGateway(3, nil, rules.Bypass{}))(okHandler())

	for i := 0; i < 3; i++ {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/api/test", nil)
		req.RemoteAddr = "10.0.0.1:9999"
		handler.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}

	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/test", nil)
	req.RemoteAddr = "10.0.0.1:9999"
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header on 429 response")
	}
	if rr.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("expected remaining=0, got %s", rr.Header().Get("X-RateLimit-Remaining"))
	}

	var body struct {
		Code          string `json:"code"`
		Limit         int64  `json:"limit"`
		WindowSeconds int64  `json:"windowSeconds"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("denial body is not JSON: %v", err)
	}
	if body.Code != "RATE_LIMIT_EXCEEDED" {
		t.Errorf("expected code RATE_LIMIT_EXCEEDED, got %q", body.Code)
	}
	if body.Limit != 3 || body.WindowSeconds != 60 {
		t.Errorf("expected limit=3 window=60, got limit=%d window=%d", body.Limit, body.WindowSeconds)
	}
}

func TestRateLimit_SeparateClientsTrackedIndependently(t *testing.T) {
	handler := middleware.RateLimit(newGateway(2, nil, rules.Bypass{}))(okHandler())

	for i := 0; i < 2; i++ {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/", nil)
		req.RemoteAddr = "1.1.1.1:1234"
		handler.ServeHTTP(rr, req)
	}

	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "1.1.1.1:1234"
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusTooManyRequests {
		t.Error("IP 1 should be rate limited")
	}

	rr = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "2.2.2.2:5678"
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Error("IP 2 should not be rate limited")
	}
}

func TestRateLimit_RuleOverridesTierLimit(t *testing.T) {
	ruleset := []rules.Rule{{
		ID:       "expensive-endpoint",
		Enabled:  true,
		Priority: 10,
		Match:    rules.Match{Endpoint: "/api/export", EndpointMatchType: rules.MatchExact},
		RateLimit: rules.RateLimitSpec{
			Algorithm:     ratelimit.AlgoFixedWindow,
			Requests:      1,
			WindowSeconds: 60,
		},
	}}
	handler := middleware.RateLimit(newGateway(100, ruleset, rules.Bypass{}))(okHandler())

	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/export", nil)
	req.RemoteAddr = "6.6.6.6:1111"
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatal("first export request should be allowed")
	}

	rr = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/api/export", nil)
	req.RemoteAddr = "6.6.6.6:1111"
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusTooManyRequests {
		t.Errorf("rule limit of 1 should deny the second export request, got %d", rr.Code)
	}

	// Other paths still get the generous tier limit.
	rr = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/api/other", nil)
	req.RemoteAddr = "6.6.6.6:1111"
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("unmatched path should fall back to the tier limit, got %d", rr.Code)
	}
}

func TestRateLimit_BypassWhitelistedIP(t *testing.T) {
	bypass := rules.Bypass{IPWhitelist: []string{"7.7.7.0/24"}}
	handler := middleware.RateLimit(newGateway(1, nil, bypass))(okHandler())

	for i := 0; i < 5; i++ {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/", nil)
		req.RemoteAddr = "7.7.7.42:1111"
		handler.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("whitelisted request %d should never be limited, got %d", i+1, rr.Code)
		}
	}
}

func TestRateLimit_ExcludePaths(t *testing.T) {
	handler := middleware.RateLimitWithConfig(middleware.Config{
		Gateway:      newGateway(1, nil, rules.Bypass{}),
		ExcludePaths: map[string]bool{"/health": true, "/ready": true},
	})(okHandler())

	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/data", nil)
	req.RemoteAddr = "3.3.3.3:1111"
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatal("first request should be allowed")
	}

	rr = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/api/data", nil)
	req.RemoteAddr = "3.3.3.3:1111"
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusTooManyRequests {
		t.Error("second request to /api/data should be denied")
	}

	for _, path := range []string{"/health", "/ready"} {
		rr = httptest.NewRecorder()
		req = httptest.NewRequest("GET", path, nil)
		req.RemoteAddr = "3.3.3.3:1111"
		handler.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Errorf("%s should skip rate limiting", path)
		}
	}
}

func TestRateLimit_CustomDeniedHandler(t *testing.T) {
	customCalled := false
	handler := middleware.RateLimitWithConfig(middleware.Config{
		Gateway: newGateway(1, nil, rules.Bypass{}),
		DeniedHandler: func(w http.ResponseWriter, _ *http.Request, _ ratelimit.Decision) {
			customCalled = true
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"custom rate limit message"}`))
		},
	})(okHandler())

	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "4.4.4.4:1111"
	handler.ServeHTTP(rr, req)

	rr = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "4.4.4.4:1111"
	handler.ServeHTTP(rr, req)

	if !customCalled {
		t.Error("custom denied handler should have been called")
	}
	if rr.Header().Get("Content-Type") != "application/json" {
		t.Error("custom handler should set Content-Type to application/json")
	}
}

func TestRateLimit_HeadersDisabled(t *testing.T) {
	noHeaders := false
	handler := middleware.RateLimitWithConfig(middleware.Config{
		Gateway: newGateway(5, nil, rules.Bypass{}),
		Headers: &noHeaders,
	})(okHandler())

	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "5.5.5.5:1111"
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatal("request should be allowed")
	}
	if rr.Header().Get("X-RateLimit-Limit") != "" {
		t.Error("X-RateLimit-Limit should not be set when headers disabled")
	}
	if rr.Header().Get("X-RateLimit-Remaining") != "" {
		t.Error("X-RateLimit-Remaining should not be set when headers disabled")
	}
}

func TestClientIP_XForwardedFor(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.50, 70.41.3.18, 150.172.238.178")
	req.RemoteAddr = "127.0.0.1:1234"

	if ip := middleware.ClientIP(req); ip != "203.0.113.50" {
		t.Errorf("expected first IP from X-Forwarded-For, got %q", ip)
	}
}

func TestClientIP_XRealIP(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Real-IP", "198.51.100.42")
	req.RemoteAddr = "127.0.0.1:1234"

	if ip := middleware.ClientIP(req); ip != "198.51.100.42" {
		t.Errorf("expected X-Real-IP value, got %q", ip)
	}
}

func TestClientIP_RemoteAddr(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "192.168.1.100:54321"

	if ip := middleware.ClientIP(req); ip != "192.168.1.100" {
		t.Errorf("expected RemoteAddr IP, got %q", ip)
	}
}

func TestIdentityFromHeaders(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-API-Key", "sk-test-12345")

	_, apiKey, tier := middleware.IdentityFromHeaders(req)
	if apiKey != "sk-test-12345" {
		t.Errorf("expected header value, got %q", apiKey)
	}
	if tier != "" {
		t.Errorf("expected empty tier, got %q", tier)
	}
}
