package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aegis-gateway/aegis/alerts/notify"
	"github.com/aegis-gateway/aegis/internal/obs/log"
	"github.com/aegis-gateway/aegis/internal/tsdb"
)

// MetricValueFunc resolves a scalar metric value for the evaluator.
// It is the narrow seam between the alert manager and the metrics
// collector: the collector injects a single function here rather than
// the two packages depending on each other.
type MetricValueFunc func(ctx context.Context, metric string, windowSeconds int64, endpoint, backend string) (float64, error)

// Config configures a Manager.
type Config struct {
	Store         tsdb.AlertStore
	MetricValue   MetricValueFunc
	CheckInterval time.Duration
	Logger        *log.Logger
	Dispatcher    *notify.Dispatcher
}

// Manager implements the alert rule/instance lifecycle and periodic
// evaluator: a reader/writer-locked in-memory cache over a durable
// backing store.
type Manager struct {
	store         tsdb.AlertStore
	metricValue   MetricValueFunc
	checkInterval time.Duration
	log           *log.Logger
	dispatcher    *notify.Dispatcher

	mu           sync.RWMutex
	rules        map[string]*Rule
	activeByRule map[string]string // ruleID -> alertID, at most one active alert per rule
	alertsByID   map[string]*Alert

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Manager. Call Load before Start to prime the caches
// from the store.
func New(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Noop()
	}
	interval := cfg.CheckInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	dispatcher := cfg.Dispatcher
	if dispatcher == nil {
		dispatcher = notify.NewDispatcher(logger)
	}
	return &Manager{
		store:         cfg.Store,
		metricValue:   cfg.MetricValue,
		checkInterval: interval,
		log:           logger.Named("alerts"),
		dispatcher:    dispatcher,
		rules:         make(map[string]*Rule),
		activeByRule:  make(map[string]string),
		alertsByID:    make(map[string]*Alert),
	}
}

// Load primes the caches from the store: all rules plus every alert
// still in an open, acknowledged, or muted state.
func (m *Manager) Load(ctx context.Context) error {
	rules, err := m.store.LoadRules(ctx)
	if err != nil {
		return fmt.Errorf("alerts: load rules: %w", err)
	}
	openAlerts, err := m.store.LoadOpenAlerts(ctx)
	if err != nil {
		return fmt.Errorf("alerts: load open alerts: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rules {
		rule := ruleFromRecord(r)
		m.rules[rule.ID] = &rule
	}
	for _, a := range openAlerts {
		alert := alertFromRecord(a)
		m.alertsByID[alert.ID] = &alert
		if alert.Status == StatusActive || alert.Status == StatusAcknowledged || alert.Status == StatusMuted {
			m.activeByRule[alert.RuleID] = alert.ID
		}
	}
	return nil
}

// Start launches the periodic evaluator loop.
func (m *Manager) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.checkInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				m.evaluate(runCtx)
			}
		}
	}()
}

// Stop halts the evaluator loop and waits for the in-flight tick to
// finish.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// evaluate runs one pass over every enabled rule and sweeps expired
// mutes.
func (m *Manager) evaluate(ctx context.Context) {
	m.mu.RLock()
	rules := make([]Rule, 0, len(m.rules))
	for _, r := range m.rules {
		rules = append(rules, *r)
	}
	m.mu.RUnlock()

	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		if err := m.evaluateRule(ctx, rule); err != nil {
			m.log.Error(ctx, "alert rule evaluation failed", "rule", rule.Name, "error", err)
		}
	}

	m.sweepMuted(ctx)
}

// evaluateRule resolves the rule's metric, compares it against the
// threshold, and triggers or auto-resolves accordingly. evaluate runs
// the whole rule set from one goroutine per tick, so a rule can never
// double-trigger.
func (m *Manager) evaluateRule(ctx context.Context, rule Rule) error {
	now := time.Now()
	if rule.withinCooldown(now) {
		return nil
	}

	value, err := m.metricValue(ctx, rule.Metric, rule.WindowSeconds, rule.Endpoint, rule.Backend)
	if err != nil {
		return fmt.Errorf("resolve metric: %w", err)
	}

	triggered := rule.Operator.Evaluate(value, rule.Threshold)

	m.mu.RLock()
	activeID, hasActive := m.activeByRule[rule.ID]
	m.mu.RUnlock()

	if triggered {
		if hasActive {
			return nil
		}
		return m.trigger(ctx, rule, value)
	}

	if hasActive {
		return m.autoResolve(ctx, activeID, "condition no longer met")
	}
	return nil
}

func (m *Manager) trigger(ctx context.Context, rule Rule, value float64) error {
	now := time.Now()
	alert := Alert{
		ID:          uuid.NewString(),
		RuleID:      rule.ID,
		RuleName:    rule.Name,
		Severity:    rule.Severity,
		Status:      StatusActive,
		Message:     fmt.Sprintf("%s %s %.2f (value=%.2f)", rule.Metric, rule.Operator, rule.Threshold, value),
		Value:       value,
		Threshold:   rule.Threshold,
		TriggeredAt: now,
	}

	if err := m.store.SaveAlert(ctx, alertToRecord(alert)); err != nil {
		return fmt.Errorf("persist alert: %w", err)
	}
	if err := m.appendHistory(ctx, alert.ID, ActionTriggered, "", ""); err != nil {
		m.log.Warn(ctx, "append alert history failed", "error", err)
	}

	rule.LastTriggeredAt = now
	if err := m.store.SaveRule(ctx, ruleToRecord(rule)); err != nil {
		m.log.Warn(ctx, "persist rule lastTriggeredAt failed", "error", err)
	}

	m.mu.Lock()
	m.alertsByID[alert.ID] = &alert
	m.activeByRule[rule.ID] = alert.ID
	if r, ok := m.rules[rule.ID]; ok {
		r.LastTriggeredAt = now
	}
	m.mu.Unlock()

	m.dispatcher.Dispatch(ctx, rule.Actions, notify.Event{
		AlertID: alert.ID, RuleName: rule.Name, Severity: string(rule.Severity),
		Status: string(alert.Status), Message: alert.Message, Value: value, Threshold: rule.Threshold, Timestamp: now,
	})
	return nil
}

func (m *Manager) autoResolve(ctx context.Context, alertID, note string) error {
	return m.transition(ctx, alertID, StatusResolved, ActionResolved, "", note, nil)
}

// Acknowledge transitions alertID from active to acknowledged.
func (m *Manager) Acknowledge(ctx context.Context, alertID, userID, note string) error {
	return m.transition(ctx, alertID, StatusAcknowledged, ActionAcknowledged, userID, note, nil)
}

// Resolve transitions alertID to resolved. Resolved is terminal; a new
// occurrence creates a new alert.
func (m *Manager) Resolve(ctx context.Context, alertID, userID, note string) error {
	return m.transition(ctx, alertID, StatusResolved, ActionResolved, userID, note, nil)
}

// Mute transitions alertID to muted until until.
func (m *Manager) Mute(ctx context.Context, alertID, userID, note string, until time.Time) error {
	return m.transition(ctx, alertID, StatusMuted, ActionMuted, userID, note, &until)
}

func (m *Manager) transition(ctx context.Context, alertID string, status Status, action HistoryAction, userID, note string, mutedUntil *time.Time) error {
	m.mu.Lock()
	alert, ok := m.alertsByID[alertID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("alerts: unknown alert %q", alertID)
	}
	if alert.Status == StatusResolved {
		m.mu.Unlock()
		return fmt.Errorf("alerts: alert %q is already resolved", alertID)
	}

	now := time.Now()
	alert.Status = status
	switch status {
	case StatusAcknowledged:
		alert.AcknowledgedAt = now
		alert.AcknowledgedBy = userID
	case StatusResolved:
		alert.ResolvedAt = now
		delete(m.activeByRule, alert.RuleID)
	case StatusMuted:
		if mutedUntil != nil {
			alert.MutedUntil = *mutedUntil
		}
	case StatusActive:
		alert.MutedUntil = time.Time{}
	}
	snapshot := *alert
	m.mu.Unlock()

	if err := m.store.SaveAlert(ctx, alertToRecord(snapshot)); err != nil {
		return fmt.Errorf("persist transition: %w", err)
	}
	return m.appendHistory(ctx, alertID, action, userID, note)
}

// sweepMuted transitions every muted alert whose mutedUntil has
// elapsed back to active.
func (m *Manager) sweepMuted(ctx context.Context) {
	now := time.Now()
	m.mu.RLock()
	var expired []string
	for id, a := range m.alertsByID {
		if a.Status == StatusMuted && !a.MutedUntil.IsZero() && !a.MutedUntil.After(now) {
			expired = append(expired, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range expired {
		if err := m.transition(ctx, id, StatusActive, ActionUnmuted, "", "mute expired", nil); err != nil {
			m.log.Warn(ctx, "unmute sweep failed", "alert", id, "error", err)
		}
	}
}

func (m *Manager) appendHistory(ctx context.Context, alertID string, action HistoryAction, userID, note string) error {
	return m.store.AppendHistory(ctx, tsdb.AlertHistoryRecord{
		AlertID: alertID, Action: string(action), Timestamp: time.Now(), UserID: userID, Note: note,
	})
}

// CreateRule persists and caches a new rule.
func (m *Manager) CreateRule(ctx context.Context, rule Rule) error {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	now := time.Now()
	rule.CreatedAt, rule.UpdatedAt = now, now

	if err := m.store.SaveRule(ctx, ruleToRecord(rule)); err != nil {
		return fmt.Errorf("alerts: save rule: %w", err)
	}
	m.mu.Lock()
	m.rules[rule.ID] = &rule
	m.mu.Unlock()
	return nil
}

// SetRuleEnabled enables or disables an existing rule.
func (m *Manager) SetRuleEnabled(ctx context.Context, id string, enabled bool) error {
	m.mu.Lock()
	rule, ok := m.rules[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("alerts: unknown rule %q", id)
	}
	rule.Enabled = enabled
	rule.UpdatedAt = time.Now()
	snapshot := *rule
	m.mu.Unlock()
	return m.store.SaveRule(ctx, ruleToRecord(snapshot))
}

// DeleteRule removes a rule from both cache and store.
func (m *Manager) DeleteRule(ctx context.Context, id string) error {
	if err := m.store.DeleteRule(ctx, id); err != nil {
		return fmt.Errorf("alerts: delete rule: %w", err)
	}
	m.mu.Lock()
	delete(m.rules, id)
	m.mu.Unlock()
	return nil
}

// Rules returns every cached rule.
func (m *Manager) Rules() []Rule {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Rule, 0, len(m.rules))
	for _, r := range m.rules {
		out = append(out, *r)
	}
	return out
}

// ActiveAlerts returns every alert not in the resolved state.
func (m *Manager) ActiveAlerts() []Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Alert, 0, len(m.alertsByID))
	for _, a := range m.alertsByID {
		if a.Status != StatusResolved {
			out = append(out, *a)
		}
	}
	return out
}

// History returns the alert history from the store, most recent first.
func (m *Manager) History(ctx context.Context, limit int) ([]HistoryEntry, error) {
	records, err := m.store.History(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]HistoryEntry, 0, len(records))
	for _, r := range records {
		out = append(out, HistoryEntry{AlertID: r.AlertID, Action: HistoryAction(r.Action), Timestamp: r.Timestamp, UserID: r.UserID, Note: r.Note})
	}
	return out, nil
}

// Stats is the operational summary GET /api/alerts/stats returns.
type Stats struct {
	TotalRules  int
	ActiveRules int
	ActiveCount int
	MutedCount  int
}

// Stats returns a snapshot of rule and alert counts.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var s Stats
	s.TotalRules = len(m.rules)
	for _, r := range m.rules {
		if r.Enabled {
			s.ActiveRules++
		}
	}
	for _, a := range m.alertsByID {
		switch a.Status {
		case StatusActive, StatusAcknowledged:
			s.ActiveCount++
		case StatusMuted:
			s.MutedCount++
		}
	}
	return s
}

func ruleToRecord(r Rule) tsdb.AlertRuleRecord {
	actions, _ := json.Marshal(r.Actions)
	var lastTriggered *time.Time
	if !r.LastTriggeredAt.IsZero() {
		t := r.LastTriggeredAt
		lastTriggered = &t
	}
	return tsdb.AlertRuleRecord{
		ID: r.ID, Name: r.Name, Enabled: r.Enabled, Severity: string(r.Severity),
		Metric: r.Metric, Operator: string(r.Operator), Threshold: r.Threshold,
		WindowSeconds: r.WindowSeconds, Endpoint: r.Endpoint, Backend: r.Backend,
		Actions: actions, CooldownSeconds: int64(r.Cooldown / time.Second),
		CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt, LastTriggeredAt: lastTriggered,
	}
}

func ruleFromRecord(r tsdb.AlertRuleRecord) Rule {
	var actions []notify.Action
	_ = json.Unmarshal(r.Actions, &actions)
	rule := Rule{
		ID: r.ID, Name: r.Name, Enabled: r.Enabled, Severity: Severity(r.Severity),
		Metric: r.Metric, Operator: Operator(r.Operator), Threshold: r.Threshold,
		WindowSeconds: r.WindowSeconds, Endpoint: r.Endpoint, Backend: r.Backend,
		Actions: actions, Cooldown: time.Duration(r.CooldownSeconds) * time.Second,
		CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
	}
	if r.LastTriggeredAt != nil {
		rule.LastTriggeredAt = *r.LastTriggeredAt
	}
	return rule
}

func alertToRecord(a Alert) tsdb.AlertRecord {
	metadata, _ := json.Marshal(a.Metadata)
	var ackAt, resAt, mutedUntil *time.Time
	if !a.AcknowledgedAt.IsZero() {
		t := a.AcknowledgedAt
		ackAt = &t
	}
	if !a.ResolvedAt.IsZero() {
		t := a.ResolvedAt
		resAt = &t
	}
	if !a.MutedUntil.IsZero() {
		t := a.MutedUntil
		mutedUntil = &t
	}
	return tsdb.AlertRecord{
		ID: a.ID, RuleID: a.RuleID, RuleName: a.RuleName, Severity: string(a.Severity),
		Status: string(a.Status), Message: a.Message, Value: a.Value, Threshold: a.Threshold,
		TriggeredAt: a.TriggeredAt, AcknowledgedAt: ackAt, AcknowledgedBy: a.AcknowledgedBy,
		ResolvedAt: resAt, MutedUntil: mutedUntil, Metadata: metadata,
	}
}

func alertFromRecord(a tsdb.AlertRecord) Alert {
	alert := Alert{
		ID: a.ID, RuleID: a.RuleID, RuleName: a.RuleName, Severity: Severity(a.Severity),
		Status: Status(a.Status), Message: a.Message, Value: a.Value, Threshold: a.Threshold,
		TriggeredAt: a.TriggeredAt, AcknowledgedBy: a.AcknowledgedBy,
	}
	if a.AcknowledgedAt != nil {
		alert.AcknowledgedAt = *a.AcknowledgedAt
	}
	if a.ResolvedAt != nil {
		alert.ResolvedAt = *a.ResolvedAt
	}
	if a.MutedUntil != nil {
		alert.MutedUntil = *a.MutedUntil
	}
	if len(a.Metadata) > 0 {
		var md map[string]string
		if json.Unmarshal(a.Metadata, &md) == nil {
			alert.Metadata = md
		}
	}
	return alert
}
