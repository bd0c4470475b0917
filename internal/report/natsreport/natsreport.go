// Package natsreport publishes incident reports to a NATS JetStream stream
// for downstream archiving and analytics.
package natsreport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/linnemanlabs/warden/internal/dispatch"
	"github.com/linnemanlabs/warden/internal/incident"
)

const streamMaxAge = 30 * 24 * time.Hour

// PublishAPI is the subset of nats.JetStreamContext used here.
type PublishAPI interface {
	PublishMsg(m *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// Publisher is a dispatch executor for "report" targets. A bare "report"
// target publishes to the default subject; "report:<subject>" overrides it.
type Publisher struct {
	js      PublishAPI
	subject string
	now     func() time.Time
}

// New creates a Publisher.
func New(js PublishAPI, subject string) *Publisher {
	return &Publisher{js: js, subject: subject, now: time.Now}
}

func (p *Publisher) Scheme() string { return "report" }

func (p *Publisher) Kinds() []incident.ActionKind {
	return []incident.ActionKind{incident.KindReport}
}

// Report is the published message body.
type Report struct {
	IncidentKey string             `json:"incident_key"`
	ActionID    string             `json:"action_id"`
	Params      map[string]string  `json:"params,omitempty"`
	GeneratedAt time.Time          `json:"generated_at"`
	Incident    *incident.Incident `json:"incident"`
}

// Execute publishes the report. JetStream drops a duplicate within its
// dedupe window by Nats-Msg-Id.
func (p *Publisher) Execute(ctx context.Context, req *dispatch.Request) (*dispatch.Result, error) {
	subject := req.Target()
	if subject == "" {
		subject = p.subject
	}

	body, err := json.Marshal(Report{
		IncidentKey: req.Incident.Key,
		ActionID:    req.Action.ID,
		Params:      req.Action.Params,
		GeneratedAt: p.now().UTC(),
		Incident:    req.Incident,
	})
	if err != nil {
		return nil, fmt.Errorf("report: marshal: %w", err)
	}

	msg := nats.NewMsg(subject)
	msg.Data = body
	msg.Header.Set(nats.MsgIdHdr, MsgID(req.Incident.Key, req.Incident.PlanVersion, req.Action.ID))
	ack, err := p.js.PublishMsg(msg, nats.Context(ctx))
	if err != nil {
		return nil, fmt.Errorf("report: publish to %s: %w", subject, err)
	}
	ref := ack.Stream + ":" + strconv.FormatUint(ack.Sequence, 10)
	return &dispatch.Result{Detail: "published to " + subject, ExternalRef: ref}, nil
}

// MsgID is the JetStream dedupe id for one report action.
func MsgID(key string, planVersion int, actionID string) string {
	return key + "/" + strconv.Itoa(planVersion) + "/" + actionID
}

// EnsureStream creates the report stream if it does not exist.
func EnsureStream(js nats.JetStreamContext, name, subject string) error {
	if _, err := js.StreamInfo(name); err == nil {
		return nil
	} else if !errors.Is(err, nats.ErrStreamNotFound) && !strings.Contains(strings.ToLower(err.Error()), "stream not found") {
		return fmt.Errorf("stream info %q: %w", name, err)
	}

	_, err := js.AddStream(&nats.StreamConfig{
		Name:      name,
		Subjects:  []string{subject},
		Retention: nats.LimitsPolicy,
		Storage:   nats.FileStorage,
		MaxAge:    streamMaxAge,
	})
	if err != nil {
		return fmt.Errorf("create stream %q: %w", name, err)
	}
	return nil
}
