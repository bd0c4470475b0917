package incident

import (
	"fmt"
	"time"

	"github.com/linnemanlabs/warden/internal/alarm"
)

// Status is the externally visible lifecycle state of an incident.
type Status string

const (
	StatusOpen       Status = "OPEN"
	StatusResolved   Status = "RESOLVED"
	StatusSuppressed Status = "SUPPRESSED"
)

// Phase tracks decision progress while an incident is OPEN.
type Phase string

const (
	PhaseNew          Phase = "NEW"
	PhaseMatched      Phase = "MATCHED"
	PhaseAIPending    Phase = "AI_PENDING"
	PhasePlanResolved Phase = "PLAN_RESOLVED"
	PhaseDispatching  Phase = "DISPATCHING"
	PhaseDone         Phase = "DONE"
)

// Claimed reports whether a handler owns the incident in this phase.
func (p Phase) Claimed() bool {
	switch p {
	case PhaseMatched, PhaseAIPending, PhasePlanResolved, PhaseDispatching:
		return true
	}
	return false
}

// ActionKind is the type of a planned action.
type ActionKind string

const (
	KindRemediate ActionKind = "remediate"
	KindNotify    ActionKind = "notify"
	KindTicket    ActionKind = "ticket"
	KindReport    ActionKind = "report"
)

// Valid reports whether k is a known action kind.
func (k ActionKind) Valid() bool {
	switch k {
	case KindRemediate, KindNotify, KindTicket, KindReport:
		return true
	}
	return false
}

// Action is one typed step of a plan.
type Action struct {
	ID     string            `json:"id"`
	Kind   ActionKind        `json:"type"`
	Target string            `json:"target"`
	Params map[string]string `json:"params,omitempty"`
	After  string            `json:"after,omitempty"`
}

// Plan is the resolved set of actions for one resolution pass.
type Plan struct {
	Actions []Action `json:"actions"`
}

// Empty reports whether the plan has no actions.
func (p Plan) Empty() bool { return len(p.Actions) == 0 }

// Has reports whether any action in the plan is of kind k.
func (p Plan) Has(k ActionKind) bool {
	for _, a := range p.Actions {
		if a.Kind == k {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the plan.
func (p Plan) Clone() Plan {
	out := Plan{Actions: make([]Action, len(p.Actions))}
	for i, a := range p.Actions {
		out.Actions[i] = a
		if a.Params != nil {
			out.Actions[i].Params = make(map[string]string, len(a.Params))
			for k, v := range a.Params {
				out.Actions[i].Params[k] = v
			}
		}
	}
	return out
}

// Normalize assigns default IDs (<type>-<index>) and validates kinds,
// ID uniqueness and ordering references.
func (p *Plan) Normalize() error {
	seen := make(map[string]bool, len(p.Actions))
	for i := range p.Actions {
		a := &p.Actions[i]
		if !a.Kind.Valid() {
			return fmt.Errorf("action %d: unknown type %q", i, a.Kind)
		}
		if a.ID == "" {
			a.ID = fmt.Sprintf("%s-%d", a.Kind, i)
		}
		if seen[a.ID] {
			return fmt.Errorf("action %d: duplicate id %q", i, a.ID)
		}
		seen[a.ID] = true
	}
	for i, a := range p.Actions {
		if a.After == "" {
			continue
		}
		if a.After == a.ID {
			return fmt.Errorf("action %d: %q cannot run after itself", i, a.ID)
		}
		if !seen[a.After] {
			return fmt.Errorf("action %d: after references unknown action %q", i, a.After)
		}
	}
	if cyclic(p.Actions) {
		return fmt.Errorf("actions contain an ordering cycle")
	}
	return nil
}

func cyclic(actions []Action) bool {
	after := make(map[string]string, len(actions))
	for _, a := range actions {
		after[a.ID] = a.After
	}
	for _, a := range actions {
		slow, fast := a.ID, a.ID
		for {
			fast = after[fast]
			if fast == "" {
				break
			}
			fast = after[fast]
			if fast == "" {
				break
			}
			slow = after[slow]
			if slow == fast {
				return true
			}
		}
	}
	return false
}

// Result is the outcome of one action.
type Result string

const (
	ResultPending   Result = "PENDING"
	ResultSucceeded Result = "SUCCEEDED"
	ResultFailed    Result = "FAILED"
	ResultTimedOut  Result = "TIMED_OUT"
	ResultSkipped   Result = "SKIPPED"
	ResultSubmitted Result = "SUBMITTED"
)

// Terminal reports whether r is a final outcome.
func (r Result) Terminal() bool { return r != ResultPending && r != "" }

// ActionOutcome records the result of one action in the active plan.
type ActionOutcome struct {
	ActionID    string     `json:"action_id"`
	ActionType  ActionKind `json:"action_type"`
	Result      Result     `json:"result"`
	Attempts    int        `json:"attempts,omitempty"`
	Detail      string     `json:"detail,omitempty"`
	Error       string     `json:"error,omitempty"`
	ExternalRef string     `json:"external_ref,omitempty"`
	Timestamp   time.Time  `json:"timestamp"`
}

// EventRef is the slice of an alarm event kept in incident history.
type EventRef struct {
	EventID    string      `json:"event_id"`
	State      alarm.State `json:"state"`
	Value      float64     `json:"value"`
	Timestamp  time.Time   `json:"timestamp"`
	ReceivedAt time.Time   `json:"received_at"`
}

// RefOf builds the history entry for ev.
func RefOf(ev *alarm.Event, receivedAt time.Time) EventRef {
	return EventRef{
		EventID:    ev.EventID,
		State:      ev.State,
		Value:      ev.Value,
		Timestamp:  ev.Timestamp,
		ReceivedAt: receivedAt,
	}
}

// DecisionSource says where an AI decision came from.
type DecisionSource string

const (
	SourceOracle   DecisionSource = "oracle"
	SourceFallback DecisionSource = "fallback"
)

// Decision is a structured recommendation from the augmentation module.
type Decision struct {
	ID         string         `json:"id"`
	Plan       Plan           `json:"plan"`
	Confidence float64        `json:"confidence"`
	Rationale  string         `json:"rationale"`
	Source     DecisionSource `json:"source"`
	Model      string         `json:"model,omitempty"`
	Downgraded bool           `json:"downgraded,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// ResolutionKind tags a Resolution.
type ResolutionKind string

const (
	ResolvedByRule ResolutionKind = "rule"
	ResolvedByAI   ResolutionKind = "ai"
)

// Resolution is either a rule match or an AI decision; exactly one of
// RuleName or Decision is set, as indicated by Kind.
type Resolution struct {
	Kind     ResolutionKind
	RuleName string
	Decision *Decision
}

// RuleMatch returns a rule-based resolution.
func RuleMatch(name string) Resolution {
	return Resolution{Kind: ResolvedByRule, RuleName: name}
}

// AIDecision returns an oracle-based resolution.
func AIDecision(d *Decision) Resolution {
	return Resolution{Kind: ResolvedByAI, Decision: d}
}

// Incident is the durable correlation record for one resource/metric issue.
type Incident struct {
	Key        string     `json:"incident_key"`
	SeriesID   string     `json:"series_id"`
	Epoch      int64      `json:"epoch"`
	ResourceID string     `json:"resource_id"`
	MetricName string     `json:"metric_name"`
	Namespace  string     `json:"namespace"`
	AccountID  string     `json:"account_id"`
	Region     string     `json:"region"`
	Status     Status     `json:"status"`
	Phase      Phase      `json:"phase"`
	PhaseSince time.Time  `json:"phase_since"`
	OpenedAt   time.Time  `json:"opened_at"`
	ClosedAt   *time.Time `json:"closed_at,omitempty"`

	MatchedRule string    `json:"matched_rule,omitempty"`
	AIDecision  *Decision `json:"ai_decision,omitempty"`
	Plan        Plan      `json:"plan"`
	PlanVersion int       `json:"plan_version"`
	Suppressed  bool      `json:"suppressed,omitempty"`

	ActionOutcomes []ActionOutcome `json:"action_outcomes"`
	EventHistory   []EventRef      `json:"event_history"`
	// Evicted holds EventIdentity values of events trimmed from
	// EventHistory, oldest first, so re-deliveries are still recognised.
	Evicted []string `json:"evicted_events,omitempty"`

	// Version is the store revision the record was read at.
	Version int64 `json:"version"`
}

// Clone returns a deep copy of the incident.
func (inc *Incident) Clone() *Incident {
	cp := *inc
	if inc.ClosedAt != nil {
		t := *inc.ClosedAt
		cp.ClosedAt = &t
	}
	if inc.AIDecision != nil {
		d := *inc.AIDecision
		d.Plan = inc.AIDecision.Plan.Clone()
		cp.AIDecision = &d
	}
	cp.Plan = inc.Plan.Clone()
	cp.ActionOutcomes = append([]ActionOutcome(nil), inc.ActionOutcomes...)
	cp.EventHistory = append([]EventRef(nil), inc.EventHistory...)
	cp.Evicted = append([]string(nil), inc.Evicted...)
	return &cp
}

// EventIdentity is the dedup identity of an event: its id and timestamp.
func EventIdentity(eventID string, ts time.Time) string {
	return eventID + "@" + ts.UTC().Format(time.RFC3339Nano)
}

// HasEvent reports whether the (event_id, timestamp) pair is in history or
// among the identities evicted from it.
func (inc *Incident) HasEvent(eventID string, ts time.Time) bool {
	for _, e := range inc.EventHistory {
		if e.EventID == eventID && e.Timestamp.Equal(ts) {
			return true
		}
	}
	if len(inc.Evicted) == 0 {
		return false
	}
	id := EventIdentity(eventID, ts)
	for _, e := range inc.Evicted {
		if e == id {
			return true
		}
	}
	return false
}

// Outcome returns the outcome for an action ID in the active plan.
func (inc *Incident) Outcome(actionID string) (ActionOutcome, bool) {
	for _, o := range inc.ActionOutcomes {
		if o.ActionID == actionID {
			return o, true
		}
	}
	return ActionOutcome{}, false
}

// AllTerminal reports whether every action of the active plan has a terminal outcome.
func (inc *Incident) AllTerminal() bool {
	for _, a := range inc.Plan.Actions {
		o, ok := inc.Outcome(a.ID)
		if !ok || !o.Result.Terminal() {
			return false
		}
	}
	return true
}

// PendingActions returns the plan actions that have no terminal outcome yet.
func (inc *Incident) PendingActions() []Action {
	var out []Action
	for _, a := range inc.Plan.Actions {
		if o, ok := inc.Outcome(a.ID); ok && o.Result.Terminal() {
			continue
		}
		out = append(out, a)
	}
	return out
}

// Series is the head record for one (resource, metric) pair. It points at
// the open incident, if any, and carries the epoch counter used to derive
// incident keys.
type Series struct {
	SeriesID   string `json:"series_id"`
	ResourceID string `json:"resource_id"`
	MetricName string `json:"metric_name"`
	Epoch      int64  `json:"epoch"`
	OpenKey    string `json:"open_key,omitempty"`
	Version    int64  `json:"version"`
}

// Filter selects incidents for listing.
type Filter struct {
	Status Status
	Since  time.Time
	Until  time.Time
	Limit  int
}

// Matches reports whether inc passes the filter on status and opened_at range.
func (f Filter) Matches(inc *Incident) bool {
	if f.Status != "" && inc.Status != f.Status {
		return false
	}
	if !f.Since.IsZero() && inc.OpenedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !inc.OpenedAt.Before(f.Until) {
		return false
	}
	return true
}
