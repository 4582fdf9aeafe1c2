package notifier

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/good-yellow-bee/alarmvault/internal/models"
)

// TeamsConfig holds Microsoft Teams webhook configuration.
type TeamsConfig struct {
	WebhookURL string
}

// Validate validates the Teams configuration.
func (c *TeamsConfig) Validate() error {
	return validateWebhookURL(c.WebhookURL)
}

// TeamsNotifier sends alerts to Microsoft Teams as Adaptive Cards.
type TeamsNotifier struct {
	config     TeamsConfig
	httpClient *http.Client
}

// NewTeamsNotifier creates a new Teams notifier.
func NewTeamsNotifier(config TeamsConfig) (*TeamsNotifier, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid teams config: %w", err)
	}
	return &TeamsNotifier{
		config:     config,
		httpClient: &http.Client{Timeout: webhookTimeout},
	}, nil
}

// Name returns "teams".
func (t *TeamsNotifier) Name() string {
	return "teams"
}

// Send posts an alert to Teams.
func (t *TeamsNotifier) Send(ctx context.Context, alert *models.Alert) error {
	return postJSON(ctx, t.httpClient, t.config.WebhookURL, "teams", t.buildPayload(alert))
}

// Close is a no-op for Teams notifier.
func (t *TeamsNotifier) Close() error {
	return nil
}

type teamsMessage struct {
	Type        string            `json:"type"`
	Attachments []teamsAttachment `json:"attachments"`
}

type teamsAttachment struct {
	ContentType string       `json:"contentType"`
	ContentURL  *string      `json:"contentUrl"`
	Content     adaptiveCard `json:"content"`
}

type adaptiveCard struct {
	Schema  string `json:"$schema"`
	Type    string `json:"type"`
	Version string `json:"version"`
	Body    []any  `json:"body"`
}

type textBlock struct {
	Type   string `json:"type"`
	Text   string `json:"text"`
	Size   string `json:"size,omitempty"`
	Weight string `json:"weight,omitempty"`
	Color  string `json:"color,omitempty"`
	Wrap   bool   `json:"wrap,omitempty"`
}

type factSet struct {
	Type  string `json:"type"`
	Facts []fact `json:"facts"`
}

type fact struct {
	Title string `json:"title"`
	Value string `json:"value"`
}

type container struct {
	Type  string `json:"type"`
	Style string `json:"style,omitempty"`
	Items []any  `json:"items"`
}

func (t *TeamsNotifier) buildPayload(alert *models.Alert) teamsMessage {
	emoji := severityEmoji(alert.Severity)

	facts := []fact{
		{Title: "Severity", Value: fmt.Sprintf("%s %s", emoji, strings.ToUpper(string(alert.Severity)))},
		{Title: "Time", Value: alert.CreatedAt.Format("2006-01-02 15:04:05 MST")},
	}
	for _, f := range alertFacts(alert) {
		facts = append(facts, fact{Title: f[0], Value: f[1]})
	}

	body := []any{
		container{
			Type:  "Container",
			Style: teamsSeverityStyle(alert.Severity),
			Items: []any{textBlock{
				Type:   "TextBlock",
				Text:   fmt.Sprintf("%s AlarmVault alert: %s", emoji, alert.Signature),
				Size:   "Large",
				Weight: "Bolder",
				Wrap:   true,
			}},
		},
		factSet{Type: "FactSet", Facts: facts},
		textBlock{Type: "TextBlock", Text: fmt.Sprintf("**Message:** %s", truncate(alert.Message, 2000)), Wrap: true},
		textBlock{Type: "TextBlock", Text: fmt.Sprintf("_Alert %s_", alert.ID), Wrap: true, Color: "light"},
	}

	return teamsMessage{
		Type: "message",
		Attachments: []teamsAttachment{{
			ContentType: "application/vnd.microsoft.card.adaptive",
			Content: adaptiveCard{
				Schema:  "http://adaptivecards.io/schemas/adaptive-card.json",
				Type:    "AdaptiveCard",
				Version: "1.4",
				Body:    body,
			},
		}},
	}
}

// teamsSeverityStyle returns an Adaptive Card container style for the severity level.
func teamsSeverityStyle(severity models.Severity) string {
	switch severity {
	case models.SeverityCritical:
		return "attention"
	case models.SeverityHigh:
		return "warning"
	case models.SeverityMedium:
		return "accent"
	case models.SeverityLow:
		return "good"
	default:
		return "default"
	}
}
