package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegis-gateway/aegis/alerts"
	"github.com/aegis-gateway/aegis/breaker"
	"github.com/aegis-gateway/aegis/health"
	"github.com/aegis-gateway/aegis/internal/realtime"
	"github.com/aegis-gateway/aegis/internal/tsdb/memtsdb"
	"github.com/aegis-gateway/aegis/metrics"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	store := memtsdb.New()
	mc := metrics.New(metrics.Config{Store: store, Registerer: prometheus.NewRegistry()})

	hc := health.New([]health.Backend{{Name: "svc", URL: "http://example.invalid", Enabled: false}}, mc, nil)

	br := breaker.NewRegistry(breaker.DefaultConfig(), nil)

	am := alerts.New(alerts.Config{Store: store, MetricValue: mc.MetricValue})
	require.NoError(t, am.Load(context.Background()))

	hub := realtime.New(realtime.Config{Snapshotter: noopSnapshotter{}})

	handler := NewRouter(Config{
		Metrics:      mc,
		Health:       hc,
		Breakers:     br,
		Alerts:       am,
		Realtime:     hub,
		RealtimePath: "/ws",
		StartedAt:    time.Now(),
	})
	return httptest.NewServer(handler)
}

type noopSnapshotter struct{}

func (noopSnapshotter) Snapshot(ctx context.Context, t realtime.SubscriptionType) (any, error) {
	return map[string]int{"ok": 1}, nil
}

func TestMetricsOverviewReturns200(t *testing.T) {
	server := newTestServer(t)
	defer server.Close()

	resp, err := http.Get(server.URL + "/api/metrics/overview")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsStatsReturnsZeroCounts(t *testing.T) {
	server := newTestServer(t)
	defer server.Close()

	resp, err := http.Get(server.URL + "/api/metrics/stats")
	require.NoError(t, err)
	defer resp.Body.Close()

	var stats metrics.Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, int64(0), stats.TotalRequests)
}

func TestHealthGatewayReturns200WithDisabledBackend(t *testing.T) {
	server := newTestServer(t)
	defer server.Close()

	resp, err := http.Get(server.URL + "/api/health/gateway")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHealthBackendNotFoundReturns404(t *testing.T) {
	server := newTestServer(t)
	defer server.Close()

	resp, err := http.Get(server.URL + "/api/health/backends/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCircuitBreakerForceOpenThenClose(t *testing.T) {
	server := newTestServer(t)
	defer server.Close()

	resp, err := http.Post(server.URL+"/api/health/circuit-breakers/svc/open", "application/json", nil)
	require.NoError(t, err)
	var stats breaker.Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	resp.Body.Close()
	assert.Equal(t, breaker.Open, stats.State)

	resp2, err := http.Post(server.URL+"/api/health/circuit-breakers/svc/close", "application/json", nil)
	require.NoError(t, err)
	var stats2 breaker.Stats
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&stats2))
	resp2.Body.Close()
	assert.Equal(t, breaker.Closed, stats2.State)
}

func TestAlertsCreateRuleThenListIncludesIt(t *testing.T) {
	server := newTestServer(t)
	defer server.Close()

	body, _ := json.Marshal(createRuleRequest{
		Name: "high error rate", Severity: "critical", Metric: "error_rate",
		Operator: "gt", Threshold: 0.5, WindowSeconds: 60,
	})
	resp, err := http.Post(server.URL+"/api/alerts/rules", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	listResp, err := http.Get(server.URL + "/api/alerts/rules")
	require.NoError(t, err)
	defer listResp.Body.Close()

	var rules []alerts.Rule
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&rules))
	require.Len(t, rules, 1)
	assert.Equal(t, "high error rate", rules[0].Name)
}

func TestAlertsActiveStartsEmpty(t *testing.T) {
	server := newTestServer(t)
	defer server.Close()

	resp, err := http.Get(server.URL + "/api/alerts/active")
	require.NoError(t, err)
	defer resp.Body.Close()

	var active []alerts.Alert
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&active))
	assert.Empty(t, active)
}
