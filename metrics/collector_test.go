package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegis-gateway/aegis/health"
	"github.com/aegis-gateway/aegis/internal/tsdb"
	"github.com/aegis-gateway/aegis/internal/tsdb/memtsdb"
	"github.com/aegis-gateway/aegis/proxy"
)

func overviewRangeNow() tsdb.Range {
	now := time.Now()
	return tsdb.Range{Start: now.Add(-time.Minute), End: now.Add(time.Minute)}
}

func newTestCollector(t *testing.T, store *memtsdb.Store) *Collector {
	t.Helper()
	return New(Config{
		Store:      store,
		BatchSize:  2,
		Registerer: prometheus.NewRegistry(),
	})
}

func TestRecordRequestUpdatesTotalsAndBuffers(t *testing.T) {
	store := memtsdb.New()
	c := newTestCollector(t, store)

	c.RecordRequest(proxy.RequestMetric{Timestamp: time.Now(), StatusCode: 200, Duration: 5 * time.Millisecond, Backend: "svc"})
	c.RecordRequest(proxy.RequestMetric{Timestamp: time.Now(), StatusCode: 500, Duration: 9 * time.Millisecond, Backend: "svc"})

	stats := c.Stats()
	assert.Equal(t, int64(2), stats.TotalRequests)
	assert.Equal(t, int64(1), stats.SuccessCount)
	assert.Equal(t, int64(1), stats.FailedCount)
	assert.Equal(t, 2, stats.BufferedRequests)
}

func TestFlushAtBatchSizeInsertsIntoStore(t *testing.T) {
	store := memtsdb.New()
	c := newTestCollector(t, store)
	c.Start(context.Background())
	defer c.Stop()

	c.RecordRequest(proxy.RequestMetric{Timestamp: time.Now(), StatusCode: 200, Backend: "svc"})
	c.RecordRequest(proxy.RequestMetric{Timestamp: time.Now(), StatusCode: 200, Backend: "svc"})

	require.Eventually(t, func() bool {
		o, err := store.Overview(context.Background(), overviewRangeNow())
		return err == nil && o.TotalRequests == 2
	}, time.Second, 5*time.Millisecond)
}

func TestOverviewFallsBackToRollingWindowWithoutStore(t *testing.T) {
	c := New(Config{Registerer: prometheus.NewRegistry()})
	c.RecordRequest(proxy.RequestMetric{Timestamp: time.Now(), StatusCode: 200, Duration: 10 * time.Millisecond})
	c.RecordRequest(proxy.RequestMetric{Timestamp: time.Now(), StatusCode: 500, Duration: 20 * time.Millisecond})

	o, err := c.Overview(context.Background(), overviewRangeNow())
	require.NoError(t, err)
	assert.Equal(t, int64(2), o.TotalRequests)
	assert.Equal(t, int64(1), o.ErrorCount)
}

func TestRecordBackendMetricUpdatesHealthGauge(t *testing.T) {
	c := New(Config{Registerer: prometheus.NewRegistry()})
	c.RecordBackendMetric(health.Metric{Backend: "svc", Healthy: true, Timestamp: time.Now()})

	o, err := c.Overview(context.Background(), overviewRangeNow())
	require.NoError(t, err)
	assert.Equal(t, 1, o.ActiveBackends)
}

func TestMetricValueComputesErrorRateFromOverview(t *testing.T) {
	c := New(Config{Registerer: prometheus.NewRegistry()})
	c.RecordRequest(proxy.RequestMetric{Timestamp: time.Now(), StatusCode: 200})
	c.RecordRequest(proxy.RequestMetric{Timestamp: time.Now(), StatusCode: 500})

	v, err := c.MetricValue(context.Background(), "error_rate", 60, "", "")
	require.NoError(t, err)
	assert.InDelta(t, 0.5, v, 0.001)
}
