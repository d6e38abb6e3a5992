// Package memtsdb is an in-memory tsdb.Store for tests and
// single-process deployments (kv/memstore plays the same role for
// rate-limit state).
package memtsdb

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/aegis-gateway/aegis/internal/tsdb"
)

// Store implements tsdb.Store with process-local slices, guarded by one
// mutex. Adequate for tests and small deployments, not a durable
// production store.
type Store struct {
	mu           sync.Mutex
	requests     []tsdb.RequestRecord
	rateLimits   []tsdb.RateLimitRecord
	backendRecs  []tsdb.BackendRecord
	rules        map[string]tsdb.AlertRuleRecord
	alerts       map[string]tsdb.AlertRecord
	history      []tsdb.AlertHistoryRecord
}

// New builds an empty Store.
func New() *Store {
	return &Store{
		rules:  make(map[string]tsdb.AlertRuleRecord),
		alerts: make(map[string]tsdb.AlertRecord),
	}
}

func (s *Store) Ping(context.Context) error { return nil }
func (s *Store) Close()                     {}

func (s *Store) InsertRequests(_ context.Context, records []tsdb.RequestRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, records...)
	return nil
}

func (s *Store) InsertRateLimits(_ context.Context, records []tsdb.RateLimitRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rateLimits = append(s.rateLimits, records...)
	return nil
}

func (s *Store) InsertBackendMetrics(_ context.Context, records []tsdb.BackendRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backendRecs = append(s.backendRecs, records...)
	return nil
}

func (s *Store) Overview(_ context.Context, r tsdb.Range) (tsdb.Overview, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	start, end := r.Bounds(time.Now())

	var o tsdb.Overview
	var durations []float64
	backends := map[string]struct{}{}
	for _, req := range s.requests {
		if req.Timestamp.Before(start) || !req.Timestamp.Before(end) {
			continue
		}
		o.TotalRequests++
		if req.StatusCode < 400 {
			o.SuccessCount++
		} else {
			o.ErrorCount++
		}
		if req.RateLimited {
			o.RateLimitedCount++
		}
		if req.Cached {
			o.CachedCount++
		}
		if req.Backend != "" {
			backends[req.Backend] = struct{}{}
		}
		durations = append(durations, req.DurationMS)
	}
	o.ActiveBackends = len(backends)
	o.AvgDurationMS = avg(durations)
	o.P95DurationMS = percentile(durations, 0.95)
	o.P99DurationMS = percentile(durations, 0.99)
	return o, nil
}

func (s *Store) RequestRate(_ context.Context, r tsdb.Range) ([]tsdb.Point, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return bucketCount(s.requests, r, func(req tsdb.RequestRecord) time.Time { return req.Timestamp }), nil
}

func (s *Store) ErrorRate(_ context.Context, r tsdb.Range) ([]tsdb.Point, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	start, end := r.Bounds(time.Now())
	width := r.BucketWidth(time.Now())

	type bucketStat struct{ total, errs int }
	buckets := map[int64]*bucketStat{}
	for _, req := range s.requests {
		if req.Timestamp.Before(start) || !req.Timestamp.Before(end) {
			continue
		}
		key := req.Timestamp.Truncate(width).Unix()
		b, ok := buckets[key]
		if !ok {
			b = &bucketStat{}
			buckets[key] = b
		}
		b.total++
		if req.StatusCode >= 400 {
			b.errs++
		}
	}
	keys := sortedKeys(buckets)
	out := make([]tsdb.Point, 0, len(keys))
	for _, k := range keys {
		b := buckets[k]
		rate := 0.0
		if b.total > 0 {
			rate = float64(b.errs) / float64(b.total)
		}
		out = append(out, tsdb.Point{Timestamp: time.Unix(k, 0), Value: rate})
	}
	return out, nil
}

func (s *Store) LatencyPercentiles(_ context.Context, r tsdb.Range) ([]tsdb.LatencyPercentilePoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	start, end := r.Bounds(time.Now())
	width := r.BucketWidth(time.Now())

	buckets := map[int64][]float64{}
	for _, req := range s.requests {
		if req.Timestamp.Before(start) || !req.Timestamp.Before(end) {
			continue
		}
		key := req.Timestamp.Truncate(width).Unix()
		buckets[key] = append(buckets[key], req.DurationMS)
	}
	keys := sortedKeys(buckets)
	out := make([]tsdb.LatencyPercentilePoint, 0, len(keys))
	for _, k := range keys {
		vals := buckets[k]
		out = append(out, tsdb.LatencyPercentilePoint{
			Timestamp: time.Unix(k, 0),
			P50:       percentile(vals, 0.50),
			P95:       percentile(vals, 0.95),
			P99:       percentile(vals, 0.99),
		})
	}
	return out, nil
}

func (s *Store) StatusDistribution(_ context.Context, r tsdb.Range) ([]tsdb.StatusBucket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	start, end := r.Bounds(time.Now())

	counts := map[int]int64{}
	for _, req := range s.requests {
		if req.Timestamp.Before(start) || !req.Timestamp.Before(end) {
			continue
		}
		counts[req.StatusCode]++
	}
	codes := make([]int, 0, len(counts))
	for c := range counts {
		codes = append(codes, c)
	}
	sort.Ints(codes)
	out := make([]tsdb.StatusBucket, 0, len(codes))
	for _, c := range codes {
		out = append(out, tsdb.StatusBucket{StatusCode: c, Count: counts[c]})
	}
	return out, nil
}

func (s *Store) TopEndpoints(_ context.Context, r tsdb.Range, limit int) ([]tsdb.EndpointStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.endpointStats(r, "", "")
	sort.Slice(out, func(i, j int) bool { return out[i].RequestCount > out[j].RequestCount })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) EndpointMetrics(_ context.Context, r tsdb.Range, endpoint, method string, limit, offset int) ([]tsdb.EndpointStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.endpointStats(r, endpoint, method)
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	if offset < len(out) {
		out = out[offset:]
	} else {
		out = nil
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) endpointStats(r tsdb.Range, endpoint, method string) []tsdb.EndpointStats {
	start, end := r.Bounds(time.Now())
	type agg struct {
		count, errs int64
		durations   []float64
	}
	grouped := map[[2]string]*agg{}
	for _, req := range s.requests {
		if req.Timestamp.Before(start) || !req.Timestamp.Before(end) {
			continue
		}
		if endpoint != "" && req.Path != endpoint {
			continue
		}
		if method != "" && req.Method != method {
			continue
		}
		key := [2]string{req.Path, req.Method}
		a, ok := grouped[key]
		if !ok {
			a = &agg{}
			grouped[key] = a
		}
		a.count++
		if req.StatusCode >= 400 {
			a.errs++
		}
		a.durations = append(a.durations, req.DurationMS)
	}

	out := make([]tsdb.EndpointStats, 0, len(grouped))
	for key, a := range grouped {
		out = append(out, tsdb.EndpointStats{
			Path:          key[0],
			Method:        key[1],
			RequestCount:  a.count,
			ErrorCount:    a.errs,
			AvgDurationMS: avg(a.durations),
			P95DurationMS: percentile(a.durations, 0.95),
		})
	}
	return out
}

func (s *Store) DeleteOlderThan(_ context.Context, cutoff time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = pruneBefore(s.requests, cutoff, func(r tsdb.RequestRecord) time.Time { return r.Timestamp })
	s.rateLimits = pruneBefore(s.rateLimits, cutoff, func(r tsdb.RateLimitRecord) time.Time { return r.Timestamp })
	s.backendRecs = pruneBefore(s.backendRecs, cutoff, func(r tsdb.BackendRecord) time.Time { return r.Timestamp })
	return nil
}

func (s *Store) LoadRules(context.Context) ([]tsdb.AlertRuleRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]tsdb.AlertRuleRecord, 0, len(s.rules))
	for _, r := range s.rules {
		out = append(out, r)
	}
	return out, nil
}

func (s *Store) SaveRule(_ context.Context, r tsdb.AlertRuleRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[r.ID] = r
	return nil
}

func (s *Store) DeleteRule(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rules, id)
	return nil
}

func (s *Store) LoadOpenAlerts(context.Context) ([]tsdb.AlertRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]tsdb.AlertRecord, 0, len(s.alerts))
	for _, a := range s.alerts {
		if a.Status != "resolved" {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *Store) SaveAlert(_ context.Context, a tsdb.AlertRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts[a.ID] = a
	return nil
}

func (s *Store) AppendHistory(_ context.Context, h tsdb.AlertHistoryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, h)
	return nil
}

func (s *Store) History(_ context.Context, limit int) ([]tsdb.AlertHistoryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.history) {
		limit = len(s.history)
	}
	out := make([]tsdb.AlertHistoryRecord, 0, limit)
	for i := len(s.history) - 1; i >= len(s.history)-limit; i-- {
		out = append(out, s.history[i])
	}
	return out, nil
}

func bucketCount[T any](records []T, r tsdb.Range, ts func(T) time.Time) []tsdb.Point {
	start, end := r.Bounds(time.Now())
	width := r.BucketWidth(time.Now())

	counts := map[int64]int64{}
	for _, rec := range records {
		t := ts(rec)
		if t.Before(start) || !t.Before(end) {
			continue
		}
		counts[t.Truncate(width).Unix()]++
	}
	keys := sortedKeys(counts)
	out := make([]tsdb.Point, 0, len(keys))
	for _, k := range keys {
		out = append(out, tsdb.Point{Timestamp: time.Unix(k, 0), Value: float64(counts[k])})
	}
	return out
}

func pruneBefore[T any](records []T, cutoff time.Time, ts func(T) time.Time) []T {
	out := records[:0]
	for _, r := range records {
		if !ts(r).Before(cutoff) {
			out = append(out, r)
		}
	}
	return out
}

func sortedKeys[V any](m map[int64]V) []int64 {
	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func avg(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

// percentile computes the value at quantile q (0..1) using linear
// interpolation between the two nearest ranks of a sorted copy of vals.
// The collector's in-memory fallback does not interpolate; it takes the
// lower of the two ranks.
func percentile(vals []float64, q float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	sorted := append([]float64(nil), vals...)
	sort.Float64s(sorted)
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := q * float64(len(sorted)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return sorted[lower]
	}
	frac := pos - float64(lower)
	return sorted[lower] + (sorted[upper]-sorted[lower])*frac
}
