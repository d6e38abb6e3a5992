package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// WebhookChannel POSTs the event as JSON to action.Target.
type WebhookChannel struct {
	Client *http.Client
}

type webhookPayload struct {
	AlertID   string  `json:"alertId"`
	Rule      string  `json:"rule"`
	Severity  string  `json:"severity"`
	Status    string  `json:"status"`
	Message   string  `json:"message"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
	Timestamp string  `json:"timestamp"`
}

func (w WebhookChannel) Send(ctx context.Context, action Action, event Event) error {
	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}
	if action.Target == "" {
		return fmt.Errorf("notify: webhook action has no target URL")
	}

	body, err := json.Marshal(webhookPayload{
		AlertID:   event.AlertID,
		Rule:      event.RuleName,
		Severity:  event.Severity,
		Status:    event.Status,
		Message:   event.Message,
		Value:     event.Value,
		Threshold: event.Threshold,
		Timestamp: event.Timestamp.Format("2006-01-02T15:04:05Z07:00"),
	})
	if err != nil {
		return fmt.Errorf("notify: encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, action.Target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: webhook request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notify: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
