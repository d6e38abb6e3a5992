// Package pgstore implements the full tsdb.Store contract
// (MetricsStore + AlertStore) over PostgreSQL with
// github.com/jackc/pgx/v5. Open takes a single DSN string and builds a
// pgxpool connection pool from it.
package pgstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/aegis-gateway/aegis/internal/obs/otelspan"
	"github.com/aegis-gateway/aegis/internal/tsdb"
)

var tracer trace.Tracer = otel.Tracer("aegis/tsdb/pgstore")

// Schema is the DDL for the append-only metric tables and the alert
// configuration tables: indexes on (timestamp desc), (path),
// (status_code), (backend), and (rule_id), plus a partial index on
// alerts.status = 'active'.
const Schema = `
CREATE TABLE IF NOT EXISTS request_metrics (
	ts             TIMESTAMPTZ NOT NULL,
	request_id     TEXT NOT NULL,
	path           TEXT NOT NULL,
	method         TEXT NOT NULL,
	status_code    INT NOT NULL,
	duration_ms    DOUBLE PRECISION NOT NULL,
	user_id        TEXT,
	ip             TEXT NOT NULL,
	user_agent     TEXT,
	backend        TEXT,
	bytes_in       BIGINT,
	bytes_out      BIGINT,
	error          TEXT,
	rate_limited   BOOLEAN NOT NULL DEFAULT false,
	cached         BOOLEAN NOT NULL DEFAULT false,
	tier           TEXT
);
CREATE INDEX IF NOT EXISTS idx_request_metrics_ts ON request_metrics (ts DESC);
CREATE INDEX IF NOT EXISTS idx_request_metrics_path ON request_metrics (path);
CREATE INDEX IF NOT EXISTS idx_request_metrics_status ON request_metrics (status_code);
CREATE INDEX IF NOT EXISTS idx_request_metrics_backend ON request_metrics (backend);

CREATE TABLE IF NOT EXISTS rate_limit_metrics (
	ts         TIMESTAMPTZ NOT NULL,
	key        TEXT NOT NULL,
	endpoint   TEXT NOT NULL,
	allowed    BOOLEAN NOT NULL,
	remaining  BIGINT NOT NULL,
	"limit"    BIGINT NOT NULL,
	user_id    TEXT,
	ip         TEXT NOT NULL,
	tier       TEXT,
	algorithm  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rate_limit_metrics_ts ON rate_limit_metrics (ts DESC);

CREATE TABLE IF NOT EXISTS backend_metrics (
	ts                    TIMESTAMPTZ NOT NULL,
	backend               TEXT NOT NULL,
	healthy               BOOLEAN NOT NULL,
	response_time_ms      DOUBLE PRECISION,
	consecutive_failures  INT NOT NULL,
	consecutive_successes INT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_backend_metrics_ts ON backend_metrics (ts DESC);
CREATE INDEX IF NOT EXISTS idx_backend_metrics_backend ON backend_metrics (backend);

CREATE TABLE IF NOT EXISTS alert_rules (
	id               TEXT PRIMARY KEY,
	name             TEXT NOT NULL,
	enabled          BOOLEAN NOT NULL,
	severity         TEXT NOT NULL,
	metric           TEXT NOT NULL,
	operator         TEXT NOT NULL,
	threshold        DOUBLE PRECISION NOT NULL,
	window_seconds   BIGINT NOT NULL,
	endpoint         TEXT,
	backend          TEXT,
	actions          JSONB,
	cooldown_seconds BIGINT,
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL,
	last_triggered_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_alert_rules_id ON alert_rules (id);

CREATE TABLE IF NOT EXISTS alerts (
	id              TEXT PRIMARY KEY,
	rule_id         TEXT NOT NULL,
	rule_name       TEXT NOT NULL,
	severity        TEXT NOT NULL,
	status          TEXT NOT NULL,
	message         TEXT NOT NULL,
	value           DOUBLE PRECISION NOT NULL,
	threshold       DOUBLE PRECISION NOT NULL,
	triggered_at    TIMESTAMPTZ NOT NULL,
	acknowledged_at TIMESTAMPTZ,
	acknowledged_by TEXT,
	resolved_at     TIMESTAMPTZ,
	muted_until     TIMESTAMPTZ,
	metadata        JSONB
);
CREATE INDEX IF NOT EXISTS idx_alerts_rule_id ON alerts (rule_id);
CREATE INDEX IF NOT EXISTS idx_alerts_status_active ON alerts (status) WHERE status = 'active';

CREATE TABLE IF NOT EXISTS alert_history (
	alert_id  TEXT NOT NULL,
	action    TEXT NOT NULL,
	ts        TIMESTAMPTZ NOT NULL,
	user_id   TEXT,
	note      TEXT
);
CREATE INDEX IF NOT EXISTS idx_alert_history_ts ON alert_history (ts DESC);
`

// Store implements tsdb.Store over a pgxpool.Pool.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to dsn and ensures the schema exists.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgstore: connect: %w", err)
	}
	if _, err := pool.Exec(ctx, Schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgstore: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }
func (s *Store) Close()                         { s.pool.Close() }

// InsertRequests performs one bulk insert via CopyFrom.
func (s *Store) InsertRequests(ctx context.Context, records []tsdb.RequestRecord) (err error) {
	if len(records) == 0 {
		return nil
	}
	ctx, endSpan := otelspan.StartIfRecording(ctx, tracer, "pgstore.insert_requests")
	defer func() { endSpan(err) }()
	_, err = s.pool.CopyFrom(
		ctx,
		pgx.Identifier{"request_metrics"},
		[]string{"ts", "request_id", "path", "method", "status_code", "duration_ms", "user_id", "ip", "user_agent", "backend", "bytes_in", "bytes_out", "error", "rate_limited", "cached", "tier"},
		pgx.CopyFromSlice(len(records), func(i int) ([]any, error) {
			r := records[i]
			return []any{r.Timestamp, r.RequestID, r.Path, r.Method, r.StatusCode, r.DurationMS, nullStr(r.UserID), r.IP, nullStr(r.UserAgent), nullStr(r.Backend), r.BytesIn, r.BytesOut, nullStr(r.Error), r.RateLimited, r.Cached, nullStr(r.Tier)}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("pgstore: insert requests: %w", err)
	}
	return nil
}

func (s *Store) InsertRateLimits(ctx context.Context, records []tsdb.RateLimitRecord) error {
	if len(records) == 0 {
		return nil
	}
	_, err := s.pool.CopyFrom(
		ctx,
		pgx.Identifier{"rate_limit_metrics"},
		[]string{"ts", "key", "endpoint", "allowed", "remaining", "limit", "user_id", "ip", "tier", "algorithm"},
		pgx.CopyFromSlice(len(records), func(i int) ([]any, error) {
			r := records[i]
			return []any{r.Timestamp, r.Key, r.Endpoint, r.Allowed, r.Remaining, r.Limit, nullStr(r.UserID), r.IP, nullStr(r.Tier), r.Algorithm}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("pgstore: insert rate limits: %w", err)
	}
	return nil
}

func (s *Store) InsertBackendMetrics(ctx context.Context, records []tsdb.BackendRecord) error {
	if len(records) == 0 {
		return nil
	}
	_, err := s.pool.CopyFrom(
		ctx,
		pgx.Identifier{"backend_metrics"},
		[]string{"ts", "backend", "healthy", "response_time_ms", "consecutive_failures", "consecutive_successes"},
		pgx.CopyFromSlice(len(records), func(i int) ([]any, error) {
			r := records[i]
			return []any{r.Timestamp, r.Backend, r.Healthy, r.ResponseTimeMS, r.ConsecutiveFailures, r.ConsecutiveSuccesses}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("pgstore: insert backend metrics: %w", err)
	}
	return nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (s *Store) Overview(ctx context.Context, r tsdb.Range) (o tsdb.Overview, err error) {
	ctx, endSpan := otelspan.StartIfRecording(ctx, tracer, "pgstore.overview")
	defer func() { endSpan(err) }()

	start, end := r.Bounds(time.Now())
	const q = `
SELECT
	count(*),
	count(*) FILTER (WHERE status_code < 400),
	count(*) FILTER (WHERE status_code >= 400),
	count(*) FILTER (WHERE rate_limited),
	count(*) FILTER (WHERE cached),
	coalesce(avg(duration_ms), 0),
	coalesce(percentile_cont(0.95) WITHIN GROUP (ORDER BY duration_ms), 0),
	coalesce(percentile_cont(0.99) WITHIN GROUP (ORDER BY duration_ms), 0),
	count(DISTINCT backend)
FROM request_metrics
WHERE ts >= $1 AND ts < $2`

	row := s.pool.QueryRow(ctx, q, start, end)
	err = row.Scan(&o.TotalRequests, &o.SuccessCount, &o.ErrorCount, &o.RateLimitedCount, &o.CachedCount, &o.AvgDurationMS, &o.P95DurationMS, &o.P99DurationMS, &o.ActiveBackends)
	if err != nil {
		return tsdb.Overview{}, fmt.Errorf("pgstore: overview: %w", err)
	}
	return o, nil
}

func (s *Store) RequestRate(ctx context.Context, r tsdb.Range) ([]tsdb.Point, error) {
	start, end := r.Bounds(time.Now())
	bucket := r.BucketWidth(time.Now())
	const q = `
SELECT date_bin($3::interval, ts, timestamptz 'epoch') AS bucket, count(*)
FROM request_metrics
WHERE ts >= $1 AND ts < $2
GROUP BY bucket ORDER BY bucket`
	return s.queryPoints(ctx, q, start, end, bucket)
}

func (s *Store) ErrorRate(ctx context.Context, r tsdb.Range) ([]tsdb.Point, error) {
	start, end := r.Bounds(time.Now())
	bucket := r.BucketWidth(time.Now())
	const q = `
SELECT date_bin($3::interval, ts, timestamptz 'epoch') AS bucket,
       (count(*) FILTER (WHERE status_code >= 400))::float / greatest(count(*), 1)
FROM request_metrics
WHERE ts >= $1 AND ts < $2
GROUP BY bucket ORDER BY bucket`
	return s.queryPoints(ctx, q, start, end, bucket)
}

func (s *Store) queryPoints(ctx context.Context, q string, start, end time.Time, bucket time.Duration) ([]tsdb.Point, error) {
	rows, err := s.pool.Query(ctx, q, start, end, bucket)
	if err != nil {
		return nil, fmt.Errorf("pgstore: series query: %w", err)
	}
	defer rows.Close()

	var out []tsdb.Point
	for rows.Next() {
		var p tsdb.Point
		if err := rows.Scan(&p.Timestamp, &p.Value); err != nil {
			return nil, fmt.Errorf("pgstore: series scan: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) LatencyPercentiles(ctx context.Context, r tsdb.Range) ([]tsdb.LatencyPercentilePoint, error) {
	start, end := r.Bounds(time.Now())
	bucket := r.BucketWidth(time.Now())
	const q = `
SELECT date_bin($3::interval, ts, timestamptz 'epoch') AS bucket,
	percentile_cont(0.50) WITHIN GROUP (ORDER BY duration_ms),
	percentile_cont(0.95) WITHIN GROUP (ORDER BY duration_ms),
	percentile_cont(0.99) WITHIN GROUP (ORDER BY duration_ms)
FROM request_metrics
WHERE ts >= $1 AND ts < $2
GROUP BY bucket ORDER BY bucket`

	rows, err := s.pool.Query(ctx, q, start, end, bucket)
	if err != nil {
		return nil, fmt.Errorf("pgstore: latency percentiles: %w", err)
	}
	defer rows.Close()

	var out []tsdb.LatencyPercentilePoint
	for rows.Next() {
		var p tsdb.LatencyPercentilePoint
		if err := rows.Scan(&p.Timestamp, &p.P50, &p.P95, &p.P99); err != nil {
			return nil, fmt.Errorf("pgstore: latency percentiles scan: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) StatusDistribution(ctx context.Context, r tsdb.Range) ([]tsdb.StatusBucket, error) {
	start, end := r.Bounds(time.Now())
	const q = `
SELECT status_code, count(*)
FROM request_metrics
WHERE ts >= $1 AND ts < $2
GROUP BY status_code ORDER BY status_code`

	rows, err := s.pool.Query(ctx, q, start, end)
	if err != nil {
		return nil, fmt.Errorf("pgstore: status distribution: %w", err)
	}
	defer rows.Close()

	var out []tsdb.StatusBucket
	for rows.Next() {
		var b tsdb.StatusBucket
		if err := rows.Scan(&b.StatusCode, &b.Count); err != nil {
			return nil, fmt.Errorf("pgstore: status distribution scan: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) TopEndpoints(ctx context.Context, r tsdb.Range, limit int) ([]tsdb.EndpointStats, error) {
	return s.endpointQuery(ctx, r, "", "", limit, 0, true)
}

func (s *Store) EndpointMetrics(ctx context.Context, r tsdb.Range, endpoint, method string, limit, offset int) ([]tsdb.EndpointStats, error) {
	return s.endpointQuery(ctx, r, endpoint, method, limit, offset, false)
}

func (s *Store) endpointQuery(ctx context.Context, r tsdb.Range, endpoint, method string, limit, offset int, topOnly bool) ([]tsdb.EndpointStats, error) {
	start, end := r.Bounds(time.Now())
	if limit <= 0 {
		limit = 20
	}
	q := `
SELECT path, method, count(*), count(*) FILTER (WHERE status_code >= 400),
	coalesce(avg(duration_ms), 0),
	coalesce(percentile_cont(0.95) WITHIN GROUP (ORDER BY duration_ms), 0)
FROM request_metrics
WHERE ts >= $1 AND ts < $2`
	args := []any{start, end}
	if endpoint != "" {
		args = append(args, endpoint)
		q += fmt.Sprintf(" AND path = $%d", len(args))
	}
	if method != "" {
		args = append(args, method)
		q += fmt.Sprintf(" AND method = $%d", len(args))
	}
	q += " GROUP BY path, method ORDER BY count(*) DESC"
	args = append(args, limit)
	q += fmt.Sprintf(" LIMIT $%d", len(args))
	if !topOnly {
		args = append(args, offset)
		q += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("pgstore: endpoint query: %w", err)
	}
	defer rows.Close()

	var out []tsdb.EndpointStats
	for rows.Next() {
		var e tsdb.EndpointStats
		if err := rows.Scan(&e.Path, &e.Method, &e.RequestCount, &e.ErrorCount, &e.AvgDurationMS, &e.P95DurationMS); err != nil {
			return nil, fmt.Errorf("pgstore: endpoint query scan: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) error {
	batch := &pgx.Batch{}
	batch.Queue("DELETE FROM request_metrics WHERE ts < $1", cutoff)
	batch.Queue("DELETE FROM rate_limit_metrics WHERE ts < $1", cutoff)
	batch.Queue("DELETE FROM backend_metrics WHERE ts < $1", cutoff)
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for i := 0; i < 3; i++ {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("pgstore: retention delete: %w", err)
		}
	}
	return nil
}

// LoadRules returns every configured alert rule, used to prime the
// alert manager's in-memory cache on startup.
func (s *Store) LoadRules(ctx context.Context) ([]tsdb.AlertRuleRecord, error) {
	const q = `
SELECT id, name, enabled, severity, metric, operator, threshold, window_seconds,
	coalesce(endpoint, ''), coalesce(backend, ''), coalesce(actions, '[]'), coalesce(cooldown_seconds, 0),
	created_at, updated_at, last_triggered_at
FROM alert_rules ORDER BY created_at`

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("pgstore: load rules: %w", err)
	}
	defer rows.Close()

	var out []tsdb.AlertRuleRecord
	for rows.Next() {
		var r tsdb.AlertRuleRecord
		if err := rows.Scan(&r.ID, &r.Name, &r.Enabled, &r.Severity, &r.Metric, &r.Operator, &r.Threshold, &r.WindowSeconds,
			&r.Endpoint, &r.Backend, &r.Actions, &r.CooldownSeconds, &r.CreatedAt, &r.UpdatedAt, &r.LastTriggeredAt); err != nil {
			return nil, fmt.Errorf("pgstore: load rules scan: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveRule upserts r, used both when a rule is first created and when
// its lastTriggeredAt is bumped after firing.
func (s *Store) SaveRule(ctx context.Context, r tsdb.AlertRuleRecord) error {
	const q = `
INSERT INTO alert_rules (id, name, enabled, severity, metric, operator, threshold, window_seconds, endpoint, backend, actions, cooldown_seconds, created_at, updated_at, last_triggered_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
ON CONFLICT (id) DO UPDATE SET
	name = EXCLUDED.name, enabled = EXCLUDED.enabled, severity = EXCLUDED.severity,
	metric = EXCLUDED.metric, operator = EXCLUDED.operator, threshold = EXCLUDED.threshold,
	window_seconds = EXCLUDED.window_seconds, endpoint = EXCLUDED.endpoint, backend = EXCLUDED.backend,
	actions = EXCLUDED.actions, cooldown_seconds = EXCLUDED.cooldown_seconds,
	updated_at = EXCLUDED.updated_at, last_triggered_at = EXCLUDED.last_triggered_at`

	_, err := s.pool.Exec(ctx, q, r.ID, r.Name, r.Enabled, r.Severity, r.Metric, r.Operator, r.Threshold, r.WindowSeconds,
		nullStr(r.Endpoint), nullStr(r.Backend), r.Actions, r.CooldownSeconds, r.CreatedAt, r.UpdatedAt, r.LastTriggeredAt)
	if err != nil {
		return fmt.Errorf("pgstore: save rule: %w", err)
	}
	return nil
}

func (s *Store) DeleteRule(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, "DELETE FROM alert_rules WHERE id = $1", id); err != nil {
		return fmt.Errorf("pgstore: delete rule: %w", err)
	}
	return nil
}

// LoadOpenAlerts returns every alert not yet resolved, used to prime
// the active-alerts cache on startup.
func (s *Store) LoadOpenAlerts(ctx context.Context) ([]tsdb.AlertRecord, error) {
	const q = `
SELECT id, rule_id, rule_name, severity, status, message, value, threshold, triggered_at,
	acknowledged_at, coalesce(acknowledged_by, ''), resolved_at, muted_until, coalesce(metadata, '{}')
FROM alerts WHERE status != 'resolved' ORDER BY triggered_at DESC`

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("pgstore: load open alerts: %w", err)
	}
	defer rows.Close()

	var out []tsdb.AlertRecord
	for rows.Next() {
		var a tsdb.AlertRecord
		if err := rows.Scan(&a.ID, &a.RuleID, &a.RuleName, &a.Severity, &a.Status, &a.Message, &a.Value, &a.Threshold, &a.TriggeredAt,
			&a.AcknowledgedAt, &a.AcknowledgedBy, &a.ResolvedAt, &a.MutedUntil, &a.Metadata); err != nil {
			return nil, fmt.Errorf("pgstore: load open alerts scan: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SaveAlert upserts a, covering both the initial trigger insert and
// every subsequent lifecycle transition (acknowledge/resolve/mute).
func (s *Store) SaveAlert(ctx context.Context, a tsdb.AlertRecord) error {
	const q = `
INSERT INTO alerts (id, rule_id, rule_name, severity, status, message, value, threshold, triggered_at, acknowledged_at, acknowledged_by, resolved_at, muted_until, metadata)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
ON CONFLICT (id) DO UPDATE SET
	status = EXCLUDED.status, acknowledged_at = EXCLUDED.acknowledged_at, acknowledged_by = EXCLUDED.acknowledged_by,
	resolved_at = EXCLUDED.resolved_at, muted_until = EXCLUDED.muted_until, metadata = EXCLUDED.metadata`

	_, err := s.pool.Exec(ctx, q, a.ID, a.RuleID, a.RuleName, a.Severity, a.Status, a.Message, a.Value, a.Threshold, a.TriggeredAt,
		a.AcknowledgedAt, nullStr(a.AcknowledgedBy), a.ResolvedAt, a.MutedUntil, a.Metadata)
	if err != nil {
		return fmt.Errorf("pgstore: save alert: %w", err)
	}
	return nil
}

func (s *Store) AppendHistory(ctx context.Context, h tsdb.AlertHistoryRecord) error {
	const q = `INSERT INTO alert_history (alert_id, action, ts, user_id, note) VALUES ($1,$2,$3,$4,$5)`
	_, err := s.pool.Exec(ctx, q, h.AlertID, h.Action, h.Timestamp, nullStr(h.UserID), nullStr(h.Note))
	if err != nil {
		return fmt.Errorf("pgstore: append history: %w", err)
	}
	return nil
}

func (s *Store) History(ctx context.Context, limit int) ([]tsdb.AlertHistoryRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `
SELECT alert_id, action, ts, coalesce(user_id, ''), coalesce(note, '')
FROM alert_history ORDER BY ts DESC LIMIT $1`

	rows, err := s.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("pgstore: history: %w", err)
	}
	defer rows.Close()

	var out []tsdb.AlertHistoryRecord
	for rows.Next() {
		var h tsdb.AlertHistoryRecord
		if err := rows.Scan(&h.AlertID, &h.Action, &h.Timestamp, &h.UserID, &h.Note); err != nil {
			return nil, fmt.Errorf("pgstore: history scan: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
