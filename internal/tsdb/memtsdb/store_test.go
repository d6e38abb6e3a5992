package memtsdb

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegis-gateway/aegis/internal/tsdb"
)

func TestOverviewCountsByStatus(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.InsertRequests(ctx, []tsdb.RequestRecord{
		{Timestamp: now, StatusCode: 200, DurationMS: 10, Backend: "a"},
		{Timestamp: now, StatusCode: 500, DurationMS: 20, Backend: "a"},
		{Timestamp: now, StatusCode: 429, RateLimited: true, DurationMS: 1},
	}))

	o, err := s.Overview(ctx, tsdb.Range{Start: now.Add(-time.Minute), End: now.Add(time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, int64(3), o.TotalRequests)
	assert.Equal(t, int64(1), o.SuccessCount)
	assert.Equal(t, int64(2), o.ErrorCount)
	assert.Equal(t, int64(1), o.RateLimitedCount)
	assert.Equal(t, 1, o.ActiveBackends)
}

func TestDeleteOlderThanPrunesAllTables(t *testing.T) {
	s := New()
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)
	fresh := time.Now()

	require.NoError(t, s.InsertRequests(ctx, []tsdb.RequestRecord{{Timestamp: old}, {Timestamp: fresh}}))
	require.NoError(t, s.DeleteOlderThan(ctx, time.Now().Add(-24*time.Hour)))

	o, err := s.Overview(ctx, tsdb.Range{Start: time.Now().Add(-72 * time.Hour), End: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, int64(1), o.TotalRequests)
}

func TestTopEndpointsOrdersByCount(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.InsertRequests(ctx, []tsdb.RequestRecord{
		{Timestamp: now, Path: "/a", Method: "GET", StatusCode: 200, DurationMS: 5},
		{Timestamp: now, Path: "/a", Method: "GET", StatusCode: 200, DurationMS: 5},
		{Timestamp: now, Path: "/b", Method: "GET", StatusCode: 200, DurationMS: 5},
	}))

	top, err := s.TopEndpoints(ctx, tsdb.Range{Start: now.Add(-time.Minute), End: now.Add(time.Minute)}, 10)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, "/a", top[0].Path)
	assert.Equal(t, int64(2), top[0].RequestCount)
}

func TestAlertRuleRoundTrip(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.SaveRule(ctx, tsdb.AlertRuleRecord{ID: "r1", Name: "latency"}))
	rules, err := s.LoadRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "latency", rules[0].Name)

	require.NoError(t, s.DeleteRule(ctx, "r1"))
	rules, err = s.LoadRules(ctx)
	require.NoError(t, err)
	assert.Empty(t, rules)
}
