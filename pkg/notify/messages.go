package notify

import (
	"fmt"

	goslack "github.com/slack-go/slack"
)

func statusEmoji(success bool) string {
	if success {
		return "✅"
	}
	return "🔴"
}

func statusWord(success bool) string {
	if success {
		return "succeeded"
	}
	return "failed"
}

// DeployResultBlocks builds the Slack Block Kit blocks for a deploy/scale/
// rollback outcome notification.
func DeployResultBlocks(r DeployResult) []goslack.Block {
	title := fmt.Sprintf("%s %s %s: %s/%s (%s)",
		statusEmoji(r.Success), r.Operation, statusWord(r.Success), r.ProjectName, r.ServiceName, r.Env)
	header := goslack.NewHeaderBlock(
		goslack.NewTextBlockObject(goslack.PlainTextType, title, true, false),
	)

	var fields []*goslack.TextBlockObject
	if r.Version > 0 {
		fields = append(fields, goslack.NewTextBlockObject(goslack.MarkdownType, fmt.Sprintf("*Version:* %d", r.Version), false, false))
	}
	if r.TriggeredBy != "" {
		fields = append(fields, goslack.NewTextBlockObject(goslack.MarkdownType, fmt.Sprintf("*Triggered by:* %s", r.TriggeredBy), false, false))
	}
	if r.Duration > 0 {
		fields = append(fields, goslack.NewTextBlockObject(goslack.MarkdownType, fmt.Sprintf("*Duration:* %s", r.Duration.Round(1e9)), false, false))
	}

	blocks := []goslack.Block{header}
	if len(fields) > 0 {
		blocks = append(blocks, goslack.NewSectionBlock(nil, fields, nil))
	}

	if !r.Success && r.Error != "" {
		blocks = append(blocks, goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, fmt.Sprintf("*Error:*\n%s", truncate(r.Error, 500)), false, false),
			nil, nil,
		))
	}
	return blocks
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
