// Package slack posts task notifications to a Slack incoming webhook.
package slack

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/slack-go/slack"

	"github.com/jxucoder/muse/model"
	"github.com/jxucoder/muse/notify"
)

// Webhook is a notify.Notifier backed by an incoming webhook URL.
type Webhook struct {
	url    string
	client *http.Client
}

var _ notify.Notifier = (*Webhook)(nil)

// New creates a Webhook notifier.
func New(url string) *Webhook {
	return &Webhook{url: url, client: &http.Client{Timeout: 10 * time.Second}}
}

// TaskFinished posts a Block Kit message describing the task.
func (w *Webhook) TaskFinished(ctx context.Context, task *model.Task) error {
	headline := notify.Headline(task)

	headerText := slack.NewTextBlockObject(slack.MarkdownType,
		fmt.Sprintf("%s *%s*", stateEmoji(task.State), headline), false, false)
	headerSection := slack.NewSectionBlock(headerText, nil, nil)

	contextElements := []slack.MixedElement{
		slack.NewTextBlockObject(slack.MarkdownType,
			fmt.Sprintf("Task `%s` | State `%s`", task.ID, task.State), false, false),
	}
	contextBlock := slack.NewContextBlock("", contextElements...)

	msg := &slack.WebhookMessage{
		Text: headline,
		Blocks: &slack.Blocks{
			BlockSet: []slack.Block{headerSection, contextBlock},
		},
	}
	if err := slack.PostWebhookCustomHTTPContext(ctx, w.url, w.client, msg); err != nil {
		return fmt.Errorf("posting slack webhook: %w", err)
	}
	return nil
}

func stateEmoji(s model.TaskState) string {
	switch s {
	case model.TaskSuccess:
		return ":white_check_mark:"
	case model.TaskFailure:
		return ":x:"
	default:
		return ":no_entry_sign:"
	}
}
