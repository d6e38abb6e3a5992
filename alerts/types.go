// Package alerts implements the alert rule/instance lifecycle and
// evaluation loop: an in-memory reader/writer-locked cache primed from
// durable storage on startup, kept current through a single-writer API
// the evaluator and REST layer both call through.
package alerts

import (
	"time"

	"github.com/aegis-gateway/aegis/alerts/notify"
)

// Severity is the configured urgency of a Rule, also copied onto the
// Alert it triggers.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Status is an Alert's lifecycle state.
type Status string

const (
	StatusActive       Status = "active"
	StatusAcknowledged Status = "acknowledged"
	StatusResolved     Status = "resolved"
	StatusMuted        Status = "muted"
)

// Operator is the comparison a Rule evaluates `value operator threshold`
// with.
type Operator string

const (
	OpGreaterThan    Operator = "gt"
	OpGreaterOrEqual Operator = "gte"
	OpLessThan       Operator = "lt"
	OpLessOrEqual    Operator = "lte"
	OpEqual          Operator = "eq"
)

// Evaluate reports whether value satisfies op against threshold.
func (op Operator) Evaluate(value, threshold float64) bool {
	switch op {
	case OpGreaterThan:
		return value > threshold
	case OpGreaterOrEqual:
		return value >= threshold
	case OpLessThan:
		return value < threshold
	case OpLessOrEqual:
		return value <= threshold
	case OpEqual:
		return value == threshold
	default:
		return false
	}
}

// Rule is an alert condition evaluated against aggregated metrics.
type Rule struct {
	ID              string
	Name            string
	Enabled         bool
	Severity        Severity
	Metric          string
	Operator        Operator
	Threshold       float64
	WindowSeconds   int64
	Endpoint        string
	Backend         string
	Actions         []notify.Action
	Cooldown        time.Duration
	CreatedAt       time.Time
	UpdatedAt       time.Time
	LastTriggeredAt time.Time
}

// withinCooldown reports whether lastTriggeredAt is less than one
// cooldown ago. The evaluator skips such a rule entirely: it neither
// triggers a new alert nor auto-resolves the open one until the
// cooldown has elapsed.
func (r Rule) withinCooldown(now time.Time) bool {
	cooldown := r.Cooldown
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}
	return !r.LastTriggeredAt.IsZero() && now.Sub(r.LastTriggeredAt) < cooldown
}

// Alert is a triggered rule instance.
type Alert struct {
	ID             string
	RuleID         string
	RuleName       string
	Severity       Severity
	Status         Status
	Message        string
	Value          float64
	Threshold      float64
	TriggeredAt    time.Time
	AcknowledgedAt time.Time
	AcknowledgedBy string
	ResolvedAt     time.Time
	MutedUntil     time.Time
	Metadata       map[string]string
}

// HistoryAction names a lifecycle transition recorded for an Alert.
type HistoryAction string

const (
	ActionTriggered   HistoryAction = "triggered"
	ActionAcknowledged HistoryAction = "acknowledged"
	ActionResolved    HistoryAction = "resolved"
	ActionMuted       HistoryAction = "muted"
	ActionUnmuted     HistoryAction = "unmuted"
)

// HistoryEntry is one row of an Alert's audit trail.
type HistoryEntry struct {
	AlertID   string
	Action    HistoryAction
	Timestamp time.Time
	UserID    string
	Note      string
}
