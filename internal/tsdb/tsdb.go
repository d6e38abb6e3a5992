// Package tsdb defines the time-series store contract: append-only
// request/rate-limit/backend metric tables plus configuration tables
// for alert rules, alerts, and alert history, with batched writes and
// aggregate queries.
//
// Two implementations exist: tsdb/pgstore (PostgreSQL via
// github.com/jackc/pgx/v5) and tsdb/memtsdb (an in-memory fallback
// exercised by the same tests).
package tsdb

import (
	"context"
	"time"
)

// RangePreset names one of the canned lookback windows; a Range may
// instead carry an explicit Start/End.
type RangePreset string

const (
	Range5m  RangePreset = "5m"
	Range15m RangePreset = "15m"
	Range1h  RangePreset = "1h"
	Range6h  RangePreset = "6h"
	Range24h RangePreset = "24h"
	Range7d  RangePreset = "7d"
	Range30d RangePreset = "30d"
)

// Range is either a preset or a custom [Start, End) interval.
type Range struct {
	Preset RangePreset
	Start  time.Time
	End    time.Time
}

// Bounds resolves Range to concrete [start, end) instants, honoring an
// explicit Start/End over a preset.
func (r Range) Bounds(now time.Time) (time.Time, time.Time) {
	if !r.Start.IsZero() && !r.End.IsZero() {
		return r.Start, r.End
	}
	return now.Add(-r.presetDuration()), now
}

func (r Range) presetDuration() time.Duration {
	switch r.Preset {
	case Range5m:
		return 5 * time.Minute
	case Range15m:
		return 15 * time.Minute
	case Range1h:
		return time.Hour
	case Range6h:
		return 6 * time.Hour
	case Range24h:
		return 24 * time.Hour
	case Range7d:
		return 7 * 24 * time.Hour
	case Range30d:
		return 30 * 24 * time.Hour
	default:
		return time.Hour
	}
}

// BucketWidth derives the aggregation bucket width for Range
// (1h -> 1m, 24h -> 15m, 7d -> 1h).
func (r Range) BucketWidth(now time.Time) time.Duration {
	start, end := r.Bounds(now)
	span := end.Sub(start)
	switch {
	case span <= 15*time.Minute:
		return 10 * time.Second
	case span <= time.Hour:
		return time.Minute
	case span <= 6*time.Hour:
		return 5 * time.Minute
	case span <= 24*time.Hour:
		return 15 * time.Minute
	case span <= 7*24*time.Hour:
		return time.Hour
	default:
		return 6 * time.Hour
	}
}

// RequestRecord is the append-only row for one proxied request.
type RequestRecord struct {
	Timestamp   time.Time
	RequestID   string
	Path        string
	Method      string
	StatusCode  int
	DurationMS  float64
	UserID      string
	IP          string
	UserAgent   string
	Backend     string
	BytesIn     int64
	BytesOut    int64
	Error       string
	RateLimited bool
	Cached      bool
	Tier        string
}

// RateLimitRecord is the append-only row for one rate-limit
// decision.
type RateLimitRecord struct {
	Timestamp time.Time
	Key       string
	Endpoint  string
	Allowed   bool
	Remaining int64
	Limit     int64
	UserID    string
	IP        string
	Tier      string
	Algorithm string
}

// BackendRecord is the append-only row for one backend health
// probe.
type BackendRecord struct {
	Timestamp            time.Time
	Backend              string
	Healthy              bool
	ResponseTimeMS        float64
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
}

// Overview is the dashboard summary the overview(range) query
// returns.
type Overview struct {
	TotalRequests    int64
	SuccessCount     int64
	ErrorCount       int64
	RateLimitedCount int64
	CachedCount      int64
	AvgDurationMS    float64
	P95DurationMS    float64
	P99DurationMS    float64
	ActiveBackends   int
}

// Point is one bucket of a time-bucketed series.
type Point struct {
	Timestamp time.Time
	Value     float64
}

// LatencyPercentilePoint is one bucket of the latency-percentiles
// series, carrying p50/p95/p99 together since they share a bucket.
type LatencyPercentilePoint struct {
	Timestamp time.Time
	P50       float64
	P95       float64
	P99       float64
}

// StatusBucket is one entry of the status-code distribution query.
type StatusBucket struct {
	StatusCode int
	Count      int64
}

// EndpointStats is one row of the per-endpoint table.
type EndpointStats struct {
	Path          string
	Method        string
	RequestCount  int64
	ErrorCount    int64
	AvgDurationMS float64
	P95DurationMS float64
}

// MetricsStore is the query/write contract the metrics collector
// programs against for durable storage and aggregation.
type MetricsStore interface {
	InsertRequests(ctx context.Context, records []RequestRecord) error
	InsertRateLimits(ctx context.Context, records []RateLimitRecord) error
	InsertBackendMetrics(ctx context.Context, records []BackendRecord) error

	Overview(ctx context.Context, r Range) (Overview, error)
	RequestRate(ctx context.Context, r Range) ([]Point, error)
	LatencyPercentiles(ctx context.Context, r Range) ([]LatencyPercentilePoint, error)
	ErrorRate(ctx context.Context, r Range) ([]Point, error)
	StatusDistribution(ctx context.Context, r Range) ([]StatusBucket, error)
	TopEndpoints(ctx context.Context, r Range, limit int) ([]EndpointStats, error)
	EndpointMetrics(ctx context.Context, r Range, endpoint, method string, limit, offset int) ([]EndpointStats, error)

	// DeleteOlderThan prunes rows across all three metric tables older
	// than cutoff. The retention loop calls this periodically.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) error

	Ping(ctx context.Context) error
	Close()
}

// AlertRuleRecord, AlertRecord, and AlertHistoryRecord persist the
// alert configuration tables.
type AlertRuleRecord struct {
	ID              string
	Name            string
	Enabled         bool
	Severity        string
	Metric          string
	Operator        string
	Threshold       float64
	WindowSeconds   int64
	Endpoint        string
	Backend         string
	Actions         []byte // JSON-encoded []alerts.Action
	CooldownSeconds int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
	LastTriggeredAt *time.Time
}

type AlertRecord struct {
	ID             string
	RuleID         string
	RuleName       string
	Severity       string
	Status         string
	Message        string
	Value          float64
	Threshold      float64
	TriggeredAt    time.Time
	AcknowledgedAt *time.Time
	AcknowledgedBy string
	ResolvedAt     *time.Time
	MutedUntil     *time.Time
	Metadata       []byte
}

type AlertHistoryRecord struct {
	AlertID   string
	Action    string
	Timestamp time.Time
	UserID    string
	Note      string
}

// AlertStore is the persistence contract the alert manager programs
// against.
type AlertStore interface {
	LoadRules(ctx context.Context) ([]AlertRuleRecord, error)
	SaveRule(ctx context.Context, r AlertRuleRecord) error
	DeleteRule(ctx context.Context, id string) error

	LoadOpenAlerts(ctx context.Context) ([]AlertRecord, error)
	SaveAlert(ctx context.Context, a AlertRecord) error

	AppendHistory(ctx context.Context, h AlertHistoryRecord) error
	History(ctx context.Context, limit int) ([]AlertHistoryRecord, error)
}

// Store is the union MetricsStore + AlertStore a single backing
// database satisfies.
type Store interface {
	MetricsStore
	AlertStore
}
