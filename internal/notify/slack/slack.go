// Package slack posts incident notifications to Slack via incoming webhooks.
package slack

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

// Notifier is a dispatch executor for "slack" notify targets. A target of
// "slack:#channel" overrides the webhook's default channel.
type Notifier struct {
	webhookURL string
	client     *http.Client
}

// New creates a Slack notifier for webhookURL.
func New(webhookURL string) *Notifier {
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
	}
}

func (n *Notifier) Scheme() string { return "slack" }

func (n *Notifier) Kinds() []incident.ActionKind {
	return []incident.ActionKind{incident.KindNotify}
}

// Execute posts the notification for req.
func (n *Notifier) Execute(ctx context.Context, req *dispatch.Request) (*dispatch.Result, error) {
	msg := buildMessage(notify.Compose(req))
	if ch := req.Target(); ch != "" {
		msg["channel"] = ch
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("slack: marshal message: %w", err)
	}

	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("slack: create request: %w", err)
	}
	hreq.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(hreq) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return nil, fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	return &dispatch.Result{Detail: "posted to slack"}, nil
}

func buildMessage(m notify.Message) map[string]any {
	blocks := []map[string]any{
		headerBlock(m),
		{"type": "divider"},
	}
	if m.Body != "" {
		blocks = append(blocks, textBlock(m.Body))
	}
	blocks = append(blocks, fieldsBlock(m))
	if m.Rationale != "" {
		blocks = append(blocks, textBlock("*Rationale*\n\n"+m.Rationale))
	}
	blocks = append(blocks, map[string]any{"type": "divider"}, contextBlock(m))
	return map[string]any{
		"text":   m.Subject,
		"blocks": blocks,
	}
}

func headerBlock(m notify.Message) map[string]any {
	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": severityEmoji(m.Severity) + " " + m.Subject,
		},
	}
}

func textBlock(s string) map[string]any {
	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": s,
		},
	}
}

func fieldsBlock(m notify.Message) map[string]any {
	fields := make([]map[string]any, 0, len(m.Fields))
	for _, f := range m.Fields {
		fields = append(fields, map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*%s:* %s", f.Label, f.Value),
		})
	}
	// section blocks accept at most 10 fields
	if len(fields) > 10 {
		fields = fields[:10]
	}
	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func contextBlock(m notify.Message) map[string]any {
	return map[string]any{
		"type": "context",
		"elements": []map[string]any{
			{"type": "mrkdwn", "text": m.Footer},
		},
	}
}

func severityEmoji(severity string) string {
	switch severity {
	case notify.SeverityCritical:
		return "\U0001f534" // red circle
	case notify.SeverityHigh:
		return "\U0001f7e0" // orange circle
	case notify.SeverityWarning:
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}
