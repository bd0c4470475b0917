// Package pagerduty triggers PagerDuty alerts through the Events API v2.
package pagerduty

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

// DefaultEventsURL is the Events API v2 enqueue endpoint.
const DefaultEventsURL = "https://events.pagerduty.com/v2/enqueue"

const (
	httpTimeout = 10 * time.Second
	// PagerDuty rejects summaries longer than 1024 characters.
	maxSummaryLen = 1024
)

// Pager is a dispatch executor for "pagerduty" notify targets. The target
// is "pagerduty:<routing-key>", or bare "pagerduty" for the default key.
type Pager struct {
	eventsURL  string
	routingKey string
	client     *http.Client
}

// New creates a Pager. An empty eventsURL selects DefaultEventsURL.
func New(eventsURL, routingKey string) *Pager {
	if eventsURL == "" {
		eventsURL = DefaultEventsURL
	}
	return &Pager{
		eventsURL:  eventsURL,
		routingKey: routingKey,
		client:     &http.Client{Timeout: httpTimeout},
	}
}

func (p *Pager) Scheme() string { return "pagerduty" }

func (p *Pager) Kinds() []incident.ActionKind {
	return []incident.ActionKind{incident.KindNotify}
}

type event struct {
	RoutingKey  string  `json:"routing_key"`
	EventAction string  `json:"event_action"`
	DedupKey    string  `json:"dedup_key"`
	Payload     payload `json:"payload"`
	Links       []link  `json:"links,omitempty"`
}

type payload struct {
	Summary       string            `json:"summary"`
	Source        string            `json:"source"`
	Severity      string            `json:"severity"`
	Component     string            `json:"component,omitempty"`
	Group         string            `json:"group,omitempty"`
	CustomDetails map[string]string `json:"custom_details,omitempty"`
}

type link struct {
	Href string `json:"href"`
	Text string `json:"text"`
}

type response struct {
	Status   string `json:"status"`
	Message  string `json:"message"`
	DedupKey string `json:"dedup_key"`
}

// Execute triggers an alert for req, deduplicated on the incident key.
func (p *Pager) Execute(ctx context.Context, req *dispatch.Request) (*dispatch.Result, error) {
	key := req.Target()
	if key == "" {
		key = p.routingKey
	}
	if key == "" {
		return nil, fmt.Errorf("%w: pagerduty target has no routing key and no default is configured", dispatch.ErrUnknownTarget)
	}

	m := notify.Compose(req)
	inc := req.Incident
	ev := event{
		RoutingKey:  key,
		EventAction: "trigger",
		DedupKey:    inc.Key,
		Payload: payload{
			Summary:       notify.Truncate(m.Subject, maxSummaryLen),
			Source:        inc.ResourceID,
			Severity:      eventSeverity(m.Severity),
			Component:     inc.Namespace + "/" + inc.MetricName,
			Group:         inc.AccountID,
			CustomDetails: details(m),
		},
	}
	if u := notify.ConsoleURL(inc); u != "" {
		ev.Links = []link{{Href: u, Text: "CloudWatch alarms"}}
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("pagerduty: marshal event: %w", err)
	}

	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.eventsURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("pagerduty: create request: %w", err)
	}
	hreq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(hreq) //nolint:gosec // G704: eventsURL is from trusted config, not user input
	if err != nil {
		return nil, fmt.Errorf("pagerduty: post event: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusAccepted {
		return nil, fmt.Errorf("pagerduty: events api returned %d: %s", resp.StatusCode, string(respBody))
	}

	var r response
	if err := json.Unmarshal(respBody, &r); err != nil {
		return nil, fmt.Errorf("pagerduty: decode response: %w", err)
	}
	ref := r.DedupKey
	if ref == "" {
		ref = inc.Key
	}
	return &dispatch.Result{Detail: "pagerduty event " + r.Status, ExternalRef: ref}, nil
}

// eventSeverity maps notification severity to the Events API levels
// critical, error, warning and info.
func eventSeverity(sev string) string {
	switch sev {
	case notify.SeverityCritical:
		return "critical"
	case notify.SeverityHigh:
		return "error"
	case notify.SeverityInfo:
		return "info"
	default:
		return "warning"
	}
}

func details(m notify.Message) map[string]string {
	out := make(map[string]string, len(m.Fields)+2)
	for _, f := range m.Fields {
		out[f.Label] = f.Value
	}
	if m.Body != "" {
		out["Message"] = m.Body
	}
	if m.Rationale != "" {
		out["Rationale"] = m.Rationale
	}
	return out
}
