// Package httpticket opens tickets in an HTTP ticketing service that
// deduplicates on an Idempotency-Key header.
package httpticket

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/linnemanlabs/warden/internal/dispatch"
	"github.com/linnemanlabs/warden/internal/incident"
	"github.com/linnemanlabs/warden/internal/notify"
	"github.com/linnemanlabs/warden/internal/retry"
)

const (
	httpTimeout  = 15 * time.Second
	maxErrorBody = 512
)

// Client is a dispatch executor for "ticket" targets. "ticket:<queue>"
// overrides the default queue.
type Client struct {
	endpoint     string
	token        string
	defaultQueue string
	client       *http.Client
}

// New creates a ticket client posting to endpoint.
func New(endpoint, token, defaultQueue string) *Client {
	return &Client{
		endpoint:     endpoint,
		token:        token,
		defaultQueue: defaultQueue,
		client:       &http.Client{Timeout: httpTimeout},
	}
}

func (c *Client) Scheme() string { return "ticket" }

func (c *Client) Kinds() []incident.ActionKind {
	return []incident.ActionKind{incident.KindTicket}
}

// Ticket is the request body.
type Ticket struct {
	Queue       string            `json:"queue,omitempty"`
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Severity    string            `json:"severity"`
	IncidentKey string            `json:"incident_key"`
	ResourceID  string            `json:"resource_id"`
	Labels      map[string]string `json:"labels,omitempty"`
}

type created struct {
	ID  string `json:"id"`
	Key string `json:"key"`
	URL string `json:"url"`
}

func (c created) ref() string {
	if c.Key != "" {
		return c.Key
	}
	return c.ID
}

// Execute creates the ticket. A 409 means the service already holds a
// ticket for the idempotency key and is reported as dispatch.ErrAlreadyExists.
func (c *Client) Execute(ctx context.Context, req *dispatch.Request) (*dispatch.Result, error) {
	if req.IdempotencyKey == "" {
		return nil, retry.Permanent(errors.New("ticket: missing idempotency key"))
	}
	queue := req.Target()
	if queue == "" {
		queue = c.defaultQueue
	}

	m := notify.Compose(req)
	t := Ticket{
		Queue:       queue,
		Title:       m.Subject,
		Description: m.Text(),
		Severity:    m.Severity,
		IncidentKey: req.Incident.Key,
		ResourceID:  req.Incident.ResourceID,
		Labels:      req.Action.Params,
	}
	if title := req.Action.Params["title"]; title != "" {
		t.Title = title
	}

	body, err := json.Marshal(t)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("ticket: marshal: %w", err))
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("ticket: create request: %w", err))
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	if c.token != "" {
		hreq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(hreq) //nolint:gosec // G704: endpoint is from trusted config
	if err != nil {
		return nil, fmt.Errorf("ticket: post: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var out created
	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&out); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("ticket: decode response: %w", err)
		}
		return &dispatch.Result{Detail: "ticket opened " + out.URL, ExternalRef: out.ref()}, nil

	case resp.StatusCode == http.StatusConflict:
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&out)
		return &dispatch.Result{Detail: "ticket exists", ExternalRef: out.ref()}, dispatch.ErrAlreadyExists
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	err = fmt.Errorf("ticket: service returned %d: %s", resp.StatusCode, string(respBody))
	if retryableStatus(resp.StatusCode) {
		return nil, err
	}
	return nil, retry.Permanent(err)
}

func retryableStatus(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout
}
