// Package teams posts incident notifications to Microsoft Teams incoming
// webhooks as Adaptive Cards.
package teams

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/linnemanlabs/warden/internal/dispatch"
	"github.com/linnemanlabs/warden/internal/incident"
	"github.com/linnemanlabs/warden/internal/notify"
)

const httpTimeout = 10 * time.Second

const cardSchema = "http://adaptivecards.io/schemas/adaptive-card.json"

// Notifier is a dispatch executor for "teams" notify targets.
type Notifier struct {
	webhookURL string
	client     *http.Client
}

// New creates a Teams notifier for webhookURL.
func New(webhookURL string) *Notifier {
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
	}
}

func (n *Notifier) Scheme() string { return "teams" }

func (n *Notifier) Kinds() []incident.ActionKind {
	return []incident.ActionKind{incident.KindNotify}
}

// Execute posts the notification card for req.
func (n *Notifier) Execute(ctx context.Context, req *dispatch.Request) (*dispatch.Result, error) {
	body, err := json.Marshal(buildCard(notify.Compose(req), notify.ConsoleURL(req.Incident)))
	if err != nil {
		return nil, fmt.Errorf("teams: marshal card: %w", err)
	}

	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("teams: create request: %w", err)
	}
	hreq.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(hreq) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return nil, fmt.Errorf("teams: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("teams: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	return &dispatch.Result{Detail: "posted to teams"}, nil
}

// buildCard wraps an Adaptive Card in the message envelope Teams webhooks
// expect.
func buildCard(m notify.Message, consoleURL string) map[string]any {
	facts := make([]map[string]any, 0, len(m.Fields)+1)
	facts = append(facts, map[string]any{"title": "Severity", "value": m.Severity})
	for _, f := range m.Fields {
		facts = append(facts, map[string]any{"title": f.Label, "value": f.Value})
	}

	body := []map[string]any{
		{
			"type":   "TextBlock",
			"text":   m.Subject,
			"weight": "bolder",
			"size":   "medium",
			"color":  severityColor(m.Severity),
			"wrap":   true,
		},
	}
	if m.Body != "" {
		body = append(body, map[string]any{"type": "TextBlock", "text": m.Body, "wrap": true})
	}
	body = append(body, map[string]any{"type": "FactSet", "facts": facts})
	if m.Rationale != "" {
		body = append(body, map[string]any{"type": "TextBlock", "text": m.Rationale, "wrap": true, "isSubtle": true})
	}
	body = append(body, map[string]any{"type": "TextBlock", "text": m.Footer, "size": "small", "isSubtle": true, "wrap": true})

	card := map[string]any{
		"$schema": cardSchema,
		"type":    "AdaptiveCard",
		"version": "1.4",
		"body":    body,
	}
	if consoleURL != "" {
		card["actions"] = []map[string]any{
			{"type": "Action.OpenUrl", "title": "View in CloudWatch", "url": consoleURL},
		}
	}

	return map[string]any{
		"type": "message",
		"attachments": []map[string]any{
			{"contentType": "application/vnd.microsoft.card.adaptive", "content": card},
		},
	}
}

func severityColor(severity string) string {
	switch severity {
	case notify.SeverityCritical, notify.SeverityHigh:
		return "attention"
	case notify.SeverityWarning:
		return "warning"
	default:
		return "good"
	}
}
