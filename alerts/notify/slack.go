package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
)

// SlackChannel posts the event to a Slack incoming webhook via
// slack.PostWebhookContext. It is the built-in "chat" channel type.
type SlackChannel struct{}

func (SlackChannel) Send(ctx context.Context, action Action, event Event) error {
	if action.Target == "" {
		return fmt.Errorf("notify: slack action has no webhook URL")
	}

	emoji := ":information_source:"
	switch event.Severity {
	case "critical":
		emoji = ":red_circle:"
	case "warning":
		emoji = ":warning:"
	}

	msg := &slack.WebhookMessage{
		Text: fmt.Sprintf("%s *%s* [%s] %s (value=%.2f threshold=%.2f)",
			emoji, event.RuleName, event.Status, event.Message, event.Value, event.Threshold),
	}
	if err := slack.PostWebhookContext(ctx, action.Target, msg); err != nil {
		return fmt.Errorf("notify: slack webhook: %w", err)
	}
	return nil
}
