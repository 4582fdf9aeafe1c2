package notifier

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/good-yellow-bee/alarmvault/internal/models"
)

// SlackConfig holds Slack webhook configuration.
type SlackConfig struct {
	WebhookURL string // Slack-compatible incoming webhook URL
}

// Validate validates the Slack configuration.
func (c *SlackConfig) Validate() error {
	return validateWebhookURL(c.WebhookURL)
}

// SlackNotifier sends alerts to a Slack-compatible webhook.
type SlackNotifier struct {
	config     SlackConfig
	httpClient *http.Client
}

// NewSlackNotifier creates a new Slack notifier.
func NewSlackNotifier(config SlackConfig) (*SlackNotifier, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid slack config: %w", err)
	}
	return &SlackNotifier{
		config:     config,
		httpClient: &http.Client{Timeout: webhookTimeout},
	}, nil
}

// Name returns "slack".
func (s *SlackNotifier) Name() string {
	return "slack"
}

// Send posts an alert as a Block Kit message.
func (s *SlackNotifier) Send(ctx context.Context, alert *models.Alert) error {
	return postJSON(ctx, s.httpClient, s.config.WebhookURL, "slack", s.buildPayload(alert))
}

// Close is a no-op for Slack notifier.
func (s *SlackNotifier) Close() error {
	return nil
}

type slackMessage struct {
	Text   string       `json:"text"`
	Blocks []slackBlock `json:"blocks"`
}

type slackBlock struct {
	Type     string      `json:"type"`
	Text     *slackText  `json:"text,omitempty"`
	Fields   []slackText `json:"fields,omitempty"`
	Elements []slackText `json:"elements,omitempty"`
}

type slackText struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Emoji bool   `json:"emoji,omitempty"`
}

func (s *SlackNotifier) buildPayload(alert *models.Alert) slackMessage {
	emoji := severityEmoji(alert.Severity)
	title := fmt.Sprintf("%s AlarmVault alert: %s", emoji, alert.Signature)

	blocks := []slackBlock{
		{
			Type: "header",
			Text: &slackText{Type: "plain_text", Text: title, Emoji: true},
		},
		{
			Type: "section",
			Fields: []slackText{
				{Type: "mrkdwn", Text: fmt.Sprintf("*Severity:*\n%s %s", emoji, strings.ToUpper(string(alert.Severity)))},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Time:*\n%s", alert.CreatedAt.Format("2006-01-02 15:04:05 MST"))},
			},
		},
		{
			Type: "section",
			Text: &slackText{Type: "mrkdwn", Text: fmt.Sprintf("*Message:*\n%s", truncate(alert.Message, 2000))},
		},
	}

	if facts := alertFacts(alert); len(facts) > 0 {
		fields := make([]slackText, 0, len(facts))
		for _, f := range facts {
			fields = append(fields, slackText{Type: "mrkdwn", Text: fmt.Sprintf("*%s:*\n%s", f[0], f[1])})
		}
		blocks = append(blocks, slackBlock{Type: "section", Fields: fields})
	}

	blocks = append(blocks, slackBlock{
		Type:     "context",
		Elements: []slackText{{Type: "mrkdwn", Text: fmt.Sprintf("Alert `%s`", alert.ID)}},
	})

	return slackMessage{Text: title, Blocks: blocks}
}
