package triage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/warden/internal/alarm"
	"github.com/linnemanlabs/warden/internal/incident"
	"github.com/linnemanlabs/warden/internal/retry"
	"github.com/linnemanlabs/warden/internal/rules"
)

var tracer = otel.Tracer("github.com/linnemanlabs/warden/internal/triage")

var (
	// ErrOracleUnavailable covers transport failures and unusable replies.
	ErrOracleUnavailable = xerrors.New("triage: oracle unavailable")
	// ErrOracleTimeout is returned when a single oracle call exceeds its budget.
	ErrOracleTimeout = xerrors.New("triage: oracle timeout")
)

const (
	DefaultOracleTimeout   = 3 * time.Second
	DefaultOracleAttempts  = 2
	DefaultConfidenceFloor = 0.7
	DefaultHistoryLimit    = 20
	DefaultNotifyTarget    = "slack"
	DefaultMetricTimeout   = 2 * time.Second
	ResponseTokens         = 1024
)

// Targets is the catalog of executable action targets.
// *dispatch.Registry implements it.
type Targets interface {
	Catalog() map[incident.ActionKind][]string
	Supports(a incident.Action) bool
}

// MetricContext describes recent metric behaviour for an incident. An
// empty string means there is nothing to add.
type MetricContext interface {
	Describe(ctx context.Context, inc *incident.Incident) (string, error)
}

// AdvisorConfig bounds the oracle. Zero values select defaults, except
// ConfidenceFloor where zero accepts any confidence and a negative value
// selects the default.
type AdvisorConfig struct {
	Timeout         time.Duration
	Attempts        int
	ConfidenceFloor float64
	HistoryLimit    int
	NotifyTarget    string
	// MetricContext, when set, adds a metric summary to the prompt.
	MetricContext   MetricContext
	MetricTimeout   time.Duration
}

func (c *AdvisorConfig) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = DefaultOracleTimeout
	}
	if c.Attempts <= 0 {
		c.Attempts = DefaultOracleAttempts
	}
	if c.ConfidenceFloor < 0 {
		c.ConfidenceFloor = DefaultConfidenceFloor
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = DefaultHistoryLimit
	}
	if c.NotifyTarget == "" {
		c.NotifyTarget = DefaultNotifyTarget
	}
	if c.MetricTimeout <= 0 {
		c.MetricTimeout = DefaultMetricTimeout
	}
}

// Advisor is the AI Augmentation Module. Decide never fails: any oracle
// problem yields a notify-only fallback decision.
type Advisor struct {
	provider Provider
	targets  Targets
	cfg      AdvisorConfig
	hooks    Hooks
	logger   log.Logger
}

// NewAdvisor creates an Advisor. A nil provider makes every decision a fallback.
func NewAdvisor(provider Provider, targets Targets, cfg AdvisorConfig, hooks Hooks, logger log.Logger) *Advisor {
	if logger == nil {
		logger = log.Nop()
	}
	cfg.defaults()
	return &Advisor{provider: provider, targets: targets, cfg: cfg, hooks: hooks, logger: logger}
}

// Decide asks the oracle for a plan for ev on inc. ambiguous carries the
// conflicting rules when the matcher found more than one.
func (a *Advisor) Decide(ctx context.Context, ev *alarm.Event, inc *incident.Incident, ambiguous []rules.Rule) *incident.Decision {
	ctx, span := tracer.Start(ctx, "triage.Decide", trace.WithAttributes(
		attribute.String("warden.incident.key", inc.Key),
		attribute.Int("warden.rules.ambiguous", len(ambiguous)),
	))
	defer span.End()

	L := a.logger.With("incident_key", inc.Key, "resource_id", inc.ResourceID, "metric", inc.MetricName)

	if a.provider == nil {
		return a.fallback(ctx, L, inc, ev, fmt.Errorf("%w: no provider configured", ErrOracleUnavailable))
	}

	req := &LLMRequest{
		MaxTokens: ResponseTokens,
		System:    buildSystemPrompt(a.targets.Catalog()),
		Messages: []Message{{
			Role:    "user",
			Content: []ContentBlock{{Type: "text", Text: buildDecisionPrompt(ev, inc, ambiguous, a.cfg.HistoryLimit, a.metricContext(ctx, L, inc))}},
		}},
	}

	var d *incident.Decision
	policy := retry.Policy{MaxAttempts: a.cfg.Attempts}
	attempts, err := policy.Do(ctx, func(ctx context.Context, attempt int) error {
		var err error
		d, err = a.consult(ctx, req)
		if err != nil {
			L.Warn(ctx, "oracle call failed", "attempt", attempt, "error", err.Error())
		}
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return a.fallback(ctx, L, inc, ev, err)
	}

	a.finalize(ctx, L, d)
	span.SetAttributes(
		attribute.Float64("warden.decision.confidence", d.Confidence),
		attribute.Bool("warden.decision.downgraded", d.Downgraded),
	)
	L.Info(ctx, "oracle decision",
		"decision_id", d.ID,
		"confidence", d.Confidence,
		"actions", len(d.Plan.Actions),
		"downgraded", d.Downgraded,
		"attempts", attempts,
	)
	return d
}

// metricContext fetches the metric summary for inc. Failures are logged
// and leave the prompt without it.
func (a *Advisor) metricContext(ctx context.Context, L log.Logger, inc *incident.Incident) string {
	if a.cfg.MetricContext == nil {
		return ""
	}
	mctx, cancel := context.WithTimeout(ctx, a.cfg.MetricTimeout)
	defer cancel()

	text, err := a.cfg.MetricContext.Describe(mctx, inc)
	switch {
	case err != nil:
		a.hooks.metricContext("error")
		L.Warn(ctx, "metric context unavailable", "error", err.Error())
		return ""
	case text == "":
		a.hooks.metricContext("empty")
	default:
		a.hooks.metricContext("ok")
	}
	return text
}

// consult makes one bounded oracle call and parses the reply.
func (a *Advisor) consult(ctx context.Context, req *LLMRequest) (*incident.Decision, error) {
	cctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	start := time.Now()
	resp, err := a.provider.Send(cctx, req)
	dur := time.Since(start)
	if err != nil {
		outcome, kind := "error", ErrOracleUnavailable
		if errors.Is(cctx.Err(), context.DeadlineExceeded) {
			outcome, kind = "timeout", ErrOracleTimeout
		}
		a.hooks.oracleCall(outcome, dur, 0, 0)
		return nil, fmt.Errorf("%w: %w", kind, err)
	}

	d, err := parseDecision(resp.Text())
	if err != nil {
		a.hooks.oracleCall("malformed", dur, resp.Usage.InputTokens, resp.Usage.OutputTokens)
		return nil, fmt.Errorf("%w: %w", ErrOracleUnavailable, err)
	}
	a.hooks.oracleCall("ok", dur, resp.Usage.InputTokens, resp.Usage.OutputTokens)
	d.Model = resp.Model
	return d, nil
}

// finalize applies policy to a parsed oracle decision: unsupported targets
// are replaced with a notify, an empty plan gets a notify, and a decision
// below the confidence floor loses its remediation.
func (a *Advisor) finalize(ctx context.Context, L log.Logger, d *incident.Decision) {
	for i, act := range d.Plan.Actions {
		if a.targets.Supports(act) {
			continue
		}
		L.Warn(ctx, "oracle proposed unsupported action", "action_id", act.ID, "type", act.Kind, "target", act.Target)
		d.Plan.Actions[i] = incident.Action{
			ID:     act.ID,
			Kind:   incident.KindNotify,
			Target: a.cfg.NotifyTarget,
			After:  act.After,
			Params: map[string]string{
				"severity": severityOf(act),
				"message":  fmt.Sprintf("proposed %s action %q is not available", act.Kind, act.Target),
			},
		}
	}

	if d.Plan.Empty() {
		d.Plan.Actions = append(d.Plan.Actions, defaultNotify(a.cfg.NotifyTarget, "oracle proposed no actions: "+d.Rationale))
	}

	if d.Confidence < a.cfg.ConfidenceFloor {
		reason := fmt.Sprintf("confidence %.2f below floor %.2f", d.Confidence, a.cfg.ConfidenceFloor)
		if plan, changed := downgradeRemediation(d.Plan, a.cfg.NotifyTarget, reason); changed {
			d.Plan = plan
			d.Downgraded = true
			a.hooks.downgrade("confidence")
		}
	}
}

func (a *Advisor) fallback(ctx context.Context, L log.Logger, inc *incident.Incident, ev *alarm.Event, err error) *incident.Decision {
	reason := "unavailable"
	if errors.Is(err, ErrOracleTimeout) {
		reason = "timeout"
	}
	a.hooks.fallback(reason)
	L.Warn(ctx, "oracle exhausted, using notify-only fallback", "reason", reason, "error", err.Error())

	return &incident.Decision{
		ID: ulid.Make().String(),
		Plan: incident.Plan{Actions: []incident.Action{
			defaultNotify(a.cfg.NotifyTarget, fmt.Sprintf("no rule resolved %s %g on %s and the oracle was %s", ev.MetricName, ev.Value, inc.ResourceID, reason)),
		}},
		Confidence: 0,
		Rationale:  "fallback: oracle " + reason,
		Source:     incident.SourceFallback,
		Error:      err.Error(),
	}
}

func defaultNotify(target, message string) incident.Action {
	return incident.Action{
		ID:     "notify-0",
		Kind:   incident.KindNotify,
		Target: target,
		Params: map[string]string{"severity": "warning", "message": message},
	}
}

// downgradeRemediation replaces every remediate action with a notify to
// target, keeping IDs and ordering. It reports whether anything changed.
func downgradeRemediation(p incident.Plan, target, reason string) (incident.Plan, bool) {
	out := p.Clone()
	changed := false
	for i, act := range out.Actions {
		if act.Kind != incident.KindRemediate {
			continue
		}
		out.Actions[i] = incident.Action{
			ID:     act.ID,
			Kind:   incident.KindNotify,
			Target: target,
			After:  act.After,
			Params: map[string]string{
				"severity": severityOf(act),
				"message":  fmt.Sprintf("remediation %s not executed: %s", act.Target, reason),
			},
		}
		changed = true
	}
	return out, changed
}

func severityOf(a incident.Action) string {
	if s := a.Params["severity"]; s != "" {
		return s
	}
	return "warning"
}

// oracleReply is the JSON object the oracle is asked to return.
type oracleReply struct {
	Actions    []incident.Action `json:"actions"`
	Confidence *float64          `json:"confidence"`
	Rationale  string            `json:"rationale"`
}

// parseDecision extracts the JSON object from the oracle's text, tolerating
// code fences and surrounding prose.
func parseDecision(text string) (*incident.Decision, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, errors.New("no JSON object in response")
	}

	var r oracleReply
	if err := json.Unmarshal([]byte(text[start:end+1]), &r); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if r.Confidence == nil {
		return nil, errors.New("response missing confidence")
	}
	if *r.Confidence < 0 || *r.Confidence > 1 {
		return nil, fmt.Errorf("confidence %g outside [0,1]", *r.Confidence)
	}

	plan := incident.Plan{Actions: r.Actions}
	if err := plan.Normalize(); err != nil {
		return nil, fmt.Errorf("invalid plan: %w", err)
	}
	return &incident.Decision{
		ID:         ulid.Make().String(),
		Plan:       plan,
		Confidence: *r.Confidence,
		Rationale:  strings.TrimSpace(r.Rationale),
		Source:     incident.SourceOracle,
	}, nil
}

func buildSystemPrompt(catalog map[incident.ActionKind][]string) string {
	kinds := make([]string, 0, len(catalog))
	for k := range catalog {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)

	var b strings.Builder
	b.WriteString(`You are warden, an automated NOC operator. An infrastructure alarm fired and no single
operator-authored rule resolved it. Decide what to do.

Reply with exactly one JSON object and nothing else:
{"actions":[{"id":"...","type":"remediate|notify|ticket|report","target":"...","params":{"k":"v"},"after":"<id of predecessor, optional>"}],
 "confidence":<0..1>,
 "rationale":"<one or two sentences>"}

Only propose remediation when you are confident it is safe and appropriate for the resource.
Prefer notify when unsure. Use only these targets:
`)
	for _, k := range kinds {
		fmt.Fprintf(&b, "- %s: %s\n", k, strings.Join(catalog[incident.ActionKind(k)], ", "))
	}
	b.WriteString(`A target is a scheme from this list, optionally followed by ":" and a name,
e.g. "ssm:AWS-RestartEC2Instance", "lambda:drain-node" or "sns:arn:aws:sns:...".`)
	return b.String()
}

func buildDecisionPrompt(ev *alarm.Event, inc *incident.Incident, ambiguous []rules.Rule, historyLimit int, metrics string) string {
	history := inc.EventHistory
	if len(history) > historyLimit {
		history = history[len(history)-historyLimit:]
	}
	evJSON, _ := json.MarshalIndent(ev, "", "  ")
	histJSON, _ := json.MarshalIndent(history, "", "  ")

	var b strings.Builder
	fmt.Fprintf(&b, `Alarm event:
%s

Incident %s opened %s (account %s, region %s).
Recent history (oldest first, at most %d entries):
%s
`,
		evJSON,
		inc.Key, inc.OpenedAt.UTC().Format(time.RFC3339), inc.AccountID, inc.Region,
		historyLimit, histJSON,
	)
	if metrics != "" {
		fmt.Fprintf(&b, "\nRecent metric behaviour:\n%s", metrics)
	}

	if len(ambiguous) > 0 {
		rulesJSON, _ := json.MarshalIndent(ambiguous, "", "  ")
		fmt.Fprintf(&b, `
These operator rules all matched the event and conflict with each other:
%s
`, rulesJSON)
	} else {
		b.WriteString("\nNo operator rule matched this event.\n")
	}
	return b.String()
}
