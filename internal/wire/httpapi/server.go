// Package httpapi exposes the operator-facing REST surface: metrics,
// health, circuit-breaker, and alert endpoints, plus the realtime
// subscription route. The proxy's own any-path/any-method surface is
// served separately by the proxy package; this router only carries the
// admin/dashboard API.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aegis-gateway/aegis/alerts"
	"github.com/aegis-gateway/aegis/alerts/notify"
	"github.com/aegis-gateway/aegis/breaker"
	"github.com/aegis-gateway/aegis/health"
	"github.com/aegis-gateway/aegis/internal/aerr"
	"github.com/aegis-gateway/aegis/internal/obs/log"
	"github.com/aegis-gateway/aegis/internal/realtime"
	"github.com/aegis-gateway/aegis/internal/tsdb"
	"github.com/aegis-gateway/aegis/metrics"
)

// Config wires the already-constructed components this router fronts.
type Config struct {
	Metrics      *metrics.Collector
	Health       *health.Checker
	Breakers     *breaker.Registry
	Alerts       *alerts.Manager
	Realtime     *realtime.Hub
	RealtimePath string // default "/ws"
	StartedAt    time.Time
	Logger       *log.Logger
}

// NewRouter builds the chi.Router serving the admin REST surface.
func NewRouter(cfg Config) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Noop()
	}
	s := &server{
		metrics:   cfg.Metrics,
		health:    cfg.Health,
		breakers:  cfg.Breakers,
		alerts:    cfg.Alerts,
		realtime:  cfg.Realtime,
		startedAt: cfg.StartedAt,
		log:       logger.Named("httpapi"),
	}
	if s.startedAt.IsZero() {
		s.startedAt = time.Now()
	}

	r := chi.NewRouter()
	r.Route("/api/metrics", func(r chi.Router) {
		r.Get("/overview", s.metricsOverview)
		r.Get("/requests", s.metricsSeries(func(ctx context.Context, rng tsdb.Range) (any, error) { return s.metrics.RequestRate(ctx, rng) }))
		r.Get("/latency", s.metricsSeries(func(ctx context.Context, rng tsdb.Range) (any, error) { return s.metrics.LatencyPercentiles(ctx, rng) }))
		r.Get("/latency/current", s.metricsLatencyCurrent)
		r.Get("/errors", s.metricsSeries(func(ctx context.Context, rng tsdb.Range) (any, error) { return s.metrics.ErrorRate(ctx, rng) }))
		r.Get("/status", s.metricsSeries(func(ctx context.Context, rng tsdb.Range) (any, error) { return s.metrics.StatusDistribution(ctx, rng) }))
		r.Get("/endpoints", s.metricsEndpoints)
		r.Get("/endpoints/top", s.metricsEndpointsTop)
		r.Get("/stats", s.metricsStats)
		r.Post("/flush", s.metricsFlush)
	})

	r.Route("/api/health", func(r chi.Router) {
		r.Get("/gateway", s.healthGateway)
		r.Get("/backends", s.healthBackends)
		r.Get("/backends/{name}", s.healthBackend)
		r.Post("/backends/{name}/check", s.healthBackendCheck)
		r.Get("/circuit-breakers", s.circuitBreakers)
		r.Post("/circuit-breakers/{name}/open", s.circuitBreakerAction(true))
		r.Post("/circuit-breakers/{name}/close", s.circuitBreakerAction(false))
	})

	r.Route("/api/alerts", func(r chi.Router) {
		r.Get("/stats", s.alertsStats)
		r.Get("/active", s.alertsActive)
		r.Get("/rules", s.alertsRules)
		r.Post("/rules", s.alertsCreateRule)
		r.Post("/rules/{id}/enable", s.alertsSetRuleEnabled(true))
		r.Post("/rules/{id}/disable", s.alertsSetRuleEnabled(false))
		r.Delete("/rules/{id}", s.alertsDeleteRule)
		r.Post("/{id}/acknowledge", s.alertsTransition(actionAcknowledge))
		r.Post("/{id}/resolve", s.alertsTransition(actionResolve))
		r.Post("/{id}/mute", s.alertsTransition(actionMute))
		r.Get("/history", s.alertsHistory)
	})

	realtimePath := cfg.RealtimePath
	if realtimePath == "" {
		realtimePath = "/ws"
	}
	if s.realtime != nil {
		r.Get(realtimePath, s.realtime.ServeHTTP)
	}

	return r
}

type server struct {
	metrics   *metrics.Collector
	health    *health.Checker
	breakers  *breaker.Registry
	alerts    *alerts.Manager
	realtime  *realtime.Hub
	startedAt time.Time
	log       *log.Logger
}

func renderJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func renderError(w http.ResponseWriter, status int, err error) {
	code := aerr.CodeBadInput
	if status >= 500 {
		code = aerr.CodeDependencyUnavailable
	}
	body := map[string]any{"error": true, "code": code, "message": err.Error()}
	var coded *aerr.Error
	if errors.As(err, &coded) {
		body["code"] = coded.Code
		if len(coded.Details) > 0 {
			body["details"] = coded.Details
		}
	}
	renderJSON(w, status, body)
}

func parseRange(r *http.Request) tsdb.Range {
	q := r.URL.Query()
	if start := q.Get("start"); start != "" {
		if end := q.Get("end"); end != "" {
			st, errA := time.Parse(time.RFC3339, start)
			en, errB := time.Parse(time.RFC3339, end)
			if errA == nil && errB == nil {
				return tsdb.Range{Start: st, End: en}
			}
		}
	}
	preset := q.Get("range")
	if preset == "" {
		preset = "1h"
	}
	return tsdb.Range{Preset: tsdb.RangePreset(preset)}
}

func (s *server) metricsOverview(w http.ResponseWriter, r *http.Request) {
	o, err := s.metrics.Overview(r.Context(), parseRange(r))
	if err != nil {
		renderError(w, http.StatusInternalServerError, err)
		return
	}
	renderJSON(w, http.StatusOK, o)
}

func (s *server) metricsSeries(query func(context.Context, tsdb.Range) (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := query(r.Context(), parseRange(r))
		if err != nil {
			renderError(w, http.StatusInternalServerError, err)
			return
		}
		renderJSON(w, http.StatusOK, data)
	}
}

func (s *server) metricsLatencyCurrent(w http.ResponseWriter, r *http.Request) {
	o, err := s.metrics.Overview(r.Context(), tsdb.Range{Preset: tsdb.Range5m})
	if err != nil {
		renderError(w, http.StatusInternalServerError, err)
		return
	}
	renderJSON(w, http.StatusOK, map[string]float64{"p50": 0, "p95": o.P95DurationMS, "p99": o.P99DurationMS})
}

func (s *server) metricsEndpoints(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	rows, err := s.metrics.EndpointMetrics(r.Context(), parseRange(r), q.Get("endpoint"), q.Get("method"), limit, offset)
	if err != nil {
		renderError(w, http.StatusInternalServerError, err)
		return
	}
	renderJSON(w, http.StatusOK, rows)
}

func (s *server) metricsEndpointsTop(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	rows, err := s.metrics.TopEndpoints(r.Context(), parseRange(r), limit)
	if err != nil {
		renderError(w, http.StatusInternalServerError, err)
		return
	}
	renderJSON(w, http.StatusOK, rows)
}

func (s *server) metricsStats(w http.ResponseWriter, r *http.Request) {
	renderJSON(w, http.StatusOK, s.metrics.Stats())
}

func (s *server) metricsFlush(w http.ResponseWriter, r *http.Request) {
	s.metrics.Flush(r.Context())
	renderJSON(w, http.StatusOK, map[string]bool{"flushed": true})
}

func (s *server) healthGateway(w http.ResponseWriter, r *http.Request) {
	all := s.health.All()
	total := len(all)
	available := 0
	for _, h := range all {
		if h.Status == health.StatusHealthy || h.Status == health.StatusDegraded {
			available++
		}
	}
	status := "healthy"
	switch {
	case total > 0 && available == 0:
		status = "unhealthy"
	case available < total:
		status = "degraded"
	}
	renderJSON(w, http.StatusOK, map[string]any{
		"status": status,
		"uptime": time.Since(s.startedAt).Seconds(),
		"backends": map[string]int{
			"total":       total,
			"available":   available,
			"unavailable": total - available,
		},
		"stats": s.metrics.Stats(),
	})
}

func (s *server) healthBackends(w http.ResponseWriter, r *http.Request) {
	renderJSON(w, http.StatusOK, s.health.All())
}

func (s *server) healthBackend(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	h, ok := s.health.Health(name)
	if !ok {
		renderError(w, http.StatusNotFound, errBackendNotFound(name))
		return
	}
	renderJSON(w, http.StatusOK, h)
}

func (s *server) healthBackendCheck(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	h, ok := s.health.Check(r.Context(), name)
	if !ok {
		renderError(w, http.StatusNotFound, errBackendNotFound(name))
		return
	}
	renderJSON(w, http.StatusOK, h)
}

func (s *server) circuitBreakers(w http.ResponseWriter, r *http.Request) {
	renderJSON(w, http.StatusOK, s.breakers.All())
}

func (s *server) circuitBreakerAction(open bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		b := s.breakers.Get(name)
		if open {
			b.ForceOpen(r.Context())
		} else {
			b.ForceClose(r.Context())
		}
		renderJSON(w, http.StatusOK, b.Stats())
	}
}

func (s *server) alertsStats(w http.ResponseWriter, r *http.Request) {
	renderJSON(w, http.StatusOK, s.alerts.Stats())
}

func (s *server) alertsActive(w http.ResponseWriter, r *http.Request) {
	renderJSON(w, http.StatusOK, s.alerts.ActiveAlerts())
}

func (s *server) alertsRules(w http.ResponseWriter, r *http.Request) {
	renderJSON(w, http.StatusOK, s.alerts.Rules())
}

type createRuleRequest struct {
	Name          string          `json:"name"`
	Severity      string          `json:"severity"`
	Metric        string          `json:"metric"`
	Operator      string          `json:"operator"`
	Threshold     float64         `json:"threshold"`
	WindowSeconds int64           `json:"windowSeconds"`
	Endpoint      string          `json:"endpoint"`
	Backend       string          `json:"backend"`
	Actions       []notify.Action `json:"actions"`
	CooldownMS    int64           `json:"cooldownMs"`
}

func (s *server) alertsCreateRule(w http.ResponseWriter, r *http.Request) {
	var req createRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		renderError(w, http.StatusBadRequest, err)
		return
	}
	rule := alerts.Rule{
		Name: req.Name, Enabled: true, Severity: alerts.Severity(req.Severity),
		Metric: req.Metric, Operator: alerts.Operator(req.Operator), Threshold: req.Threshold,
		WindowSeconds: req.WindowSeconds, Endpoint: req.Endpoint, Backend: req.Backend,
		Actions: req.Actions, Cooldown: time.Duration(req.CooldownMS) * time.Millisecond,
	}
	if err := s.alerts.CreateRule(r.Context(), rule); err != nil {
		renderError(w, http.StatusBadRequest, err)
		return
	}
	renderJSON(w, http.StatusCreated, rule)
}

func (s *server) alertsSetRuleEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := s.alerts.SetRuleEnabled(r.Context(), id, enabled); err != nil {
			renderError(w, http.StatusNotFound, err)
			return
		}
		renderJSON(w, http.StatusOK, map[string]bool{"enabled": enabled})
	}
}

func (s *server) alertsDeleteRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.alerts.DeleteRule(r.Context(), id); err != nil {
		renderError(w, http.StatusBadRequest, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type alertActionKind int

const (
	actionAcknowledge alertActionKind = iota
	actionResolve
	actionMute
)

type alertActionRequest struct {
	UserID     string `json:"userId"`
	Note       string `json:"note"`
	MutedUntil string `json:"mutedUntil"`
}

func (s *server) alertsTransition(kind alertActionKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var req alertActionRequest
		_ = json.NewDecoder(r.Body).Decode(&req)

		var err error
		switch kind {
		case actionAcknowledge:
			err = s.alerts.Acknowledge(r.Context(), id, req.UserID, req.Note)
		case actionResolve:
			err = s.alerts.Resolve(r.Context(), id, req.UserID, req.Note)
		case actionMute:
			until := time.Now().Add(15 * time.Minute)
			if req.MutedUntil != "" {
				if t, parseErr := time.Parse(time.RFC3339, req.MutedUntil); parseErr == nil {
					until = t
				}
			}
			err = s.alerts.Mute(r.Context(), id, req.UserID, req.Note, until)
		}
		if err != nil {
			renderError(w, http.StatusBadRequest, err)
			return
		}
		renderJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

func (s *server) alertsHistory(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	history, err := s.alerts.History(r.Context(), limit)
	if err != nil {
		renderError(w, http.StatusInternalServerError, err)
		return
	}
	renderJSON(w, http.StatusOK, history)
}

type notFoundError string

func (e notFoundError) Error() string { return string(e) }

func errBackendNotFound(name string) error {
	return notFoundError("backend not found: " + name)
}
