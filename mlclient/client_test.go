package mlclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsAvailableReflectsHealthProbe(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := New(Config{BaseURL: server.URL, HealthPollInterval: time.Hour})
	c.probeHealth(context.Background())
	assert.True(t, c.IsAvailable())
}

func TestDetectAnomaliesRetriesOn5xxThenSucceeds(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(AnomalyReport{Anomalous: true, Score: 0.9, Endpoint: "/api/x"})
	}))
	defer server.Close()

	c := New(Config{BaseURL: server.URL, MaxRetries: 2, RetryBackoff: time.Millisecond})
	c.available.Store(true)

	report, err := c.DetectAnomalies(context.Background(), "/api/x")
	require.NoError(t, err)
	assert.True(t, report.Anomalous)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestDoWithRetryFailsWhenServiceUnavailable(t *testing.T) {
	c := New(Config{BaseURL: "http://127.0.0.1:1"})
	_, err := c.DetectAnomalies(context.Background(), "/api/x")
	assert.Error(t, err)
}

func TestAggregatorDrainComputesAverageLatency(t *testing.T) {
	a := newAggregator()
	now := time.Now()
	a.record(now, "/api/x", 10, 200)
	a.record(now, "/api/x", 20, 500)

	buckets := a.drain()
	require.Len(t, buckets, 1)
	assert.Equal(t, int64(2), buckets[0].Count)
	assert.Equal(t, int64(1), buckets[0].ErrorCount)
	assert.InDelta(t, 15, buckets[0].AvgLatencyMS, 0.001)

	assert.Empty(t, a.drain())
}

func TestForwardAggregatesInvokesAnomalyCallbackAboveThreshold(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(AnomalyReport{Anomalous: true, Score: 0.95, Endpoint: "/api/x"})
	}))
	defer server.Close()

	var invoked int32
	c := New(Config{BaseURL: server.URL, AnomalyThreshold: 0.8, OnAnomaly: func(context.Context, AnomalyReport) {
		atomic.AddInt32(&invoked, 1)
	}})
	c.available.Store(true)
	c.RecordRequest(time.Now(), "/api/x", 12, 200)

	c.forwardAggregates(context.Background())
	assert.Equal(t, int32(1), atomic.LoadInt32(&invoked))
}
