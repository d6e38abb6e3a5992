// Package notify implements the pluggable alert notification
// channels: a local-log channel that always succeeds plus webhook and
// Slack chat channels, each send run with a per-call timeout. A failure
// on one channel never affects the others. The email and pager action
// types have no built-in channel; actions of those types are delivered
// only once a Channel is registered for them.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/aegis-gateway/aegis/internal/obs/log"
)

// ActionType names a configured notification channel.
type ActionType string

const (
	ActionLog     ActionType = "log"
	ActionWebhook ActionType = "webhook"
	ActionSlack   ActionType = "slack"
	ActionEmail   ActionType = "email"
	ActionPager   ActionType = "pager"
)

// Action is one configured notification target on a Rule.
type Action struct {
	Type    ActionType
	Target  string // webhook URL, Slack channel, email address, pager key
	Timeout time.Duration
}

// Event is the payload a Channel sends for a triggered or resolved
// alert.
type Event struct {
	AlertID   string
	RuleName  string
	Severity  string
	Status    string
	Message   string
	Value     float64
	Threshold float64
	Timestamp time.Time
}

// Channel delivers one Event to one destination.
type Channel interface {
	Send(ctx context.Context, action Action, event Event) error
}

// Dispatcher fans an Event out to every configured Action, per its
// Channel, running each send with its own timeout. One channel's
// failure never affects another's delivery.
type Dispatcher struct {
	channels map[ActionType]Channel
	log      *log.Logger
}

// NewDispatcher builds a Dispatcher. The log channel is always
// registered; additional channels are supplied via With*.
func NewDispatcher(logger *log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.Noop()
	}
	d := &Dispatcher{channels: make(map[ActionType]Channel), log: logger.Named("notify")}
	d.channels[ActionLog] = LogChannel{log: d.log}
	return d
}

// Register installs ch as the handler for t, replacing any channel
// already registered for that action type. Dispatch skips, with a
// warning, any action whose type has no registered channel.
func (d *Dispatcher) Register(t ActionType, ch Channel) {
	d.channels[t] = ch
}

// Dispatch sends event to every action concurrently and returns once
// all sends complete. Errors are logged per-channel, never returned.
// TODO: per-channel retry policy; today a failed send is logged and
// dropped.
func (d *Dispatcher) Dispatch(ctx context.Context, actions []Action, event Event) {
	var wg sync.WaitGroup
	for _, action := range actions {
		action := action
		ch, ok := d.channels[action.Type]
		if !ok {
			d.log.Warn(ctx, "no channel registered for action type", "type", action.Type)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			timeout := action.Timeout
			if timeout <= 0 {
				timeout = 5 * time.Second
			}
			sendCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			if err := ch.Send(sendCtx, action, event); err != nil {
				d.log.Error(ctx, "notification dispatch failed", "type", action.Type, "target", action.Target, "error", err)
			}
		}()
	}
	wg.Wait()
}

// LogChannel records the event through the structured logger. It never
// fails.
type LogChannel struct {
	log *log.Logger
}

func (c LogChannel) Send(ctx context.Context, _ Action, event Event) error {
	c.log.Info(ctx, "alert notification",
		"alert_id", event.AlertID, "rule", event.RuleName, "severity", event.Severity,
		"status", event.Status, "message", event.Message, "value", event.Value, "threshold", event.Threshold)
	return nil
}
