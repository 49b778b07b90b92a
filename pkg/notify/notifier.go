package notify

import (
	"context"
	"fmt"
	"log/slog"

	goslack "github.com/slack-go/slack"
)

// Notifier posts best-effort deploy-outcome messages to a Slack channel.
// A failure to notify never fails the orchestrator run that triggered it.
type Notifier struct {
	client  *goslack.Client
	channel string
	logger  *slog.Logger
}

// NewNotifier builds a Notifier. If botToken is empty the notifier is a
// noop, logging only — deploys must work with Slack unconfigured.
func NewNotifier(botToken, channel string, logger *slog.Logger) *Notifier {
	var client *goslack.Client
	if botToken != "" {
		client = goslack.New(botToken)
	}
	return &Notifier{client: client, channel: channel, logger: logger}
}

// IsEnabled reports whether the notifier has a live Slack client.
func (n *Notifier) IsEnabled() bool {
	return n.client != nil && n.channel != ""
}

// Notify posts a deploy result to the configured channel. Errors are
// returned to the caller (who is expected to log-and-ignore) rather than
// retried; notification is not on the orchestrator's critical path.
func (n *Notifier) Notify(ctx context.Context, result DeployResult) error {
	if !n.IsEnabled() {
		n.logger.Debug("slack notifier disabled, skipping deploy notification",
			"operation", result.Operation, "service", result.ServiceName, "env", result.Env)
		return nil
	}

	blocks := DeployResultBlocks(result)
	fallback := fmt.Sprintf("%s %s %s: %s/%s", statusEmoji(result.Success), result.Operation, statusWord(result.Success), result.ProjectName, result.ServiceName)
	opts := []goslack.MsgOption{
		goslack.MsgOptionBlocks(blocks...),
		goslack.MsgOptionText(fallback, false),
	}

	_, _, err := n.client.PostMessageContext(ctx, n.channel, opts...)
	if err != nil {
		return fmt.Errorf("posting deploy notification to slack: %w", err)
	}
	n.logger.Info("posted deploy notification to slack",
		"operation", result.Operation, "service", result.ServiceName, "env", result.Env, "success", result.Success)
	return nil
}
