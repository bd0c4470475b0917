package triage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/alarm"
	"github.com/linnemanlabs/warden/internal/dispatch"
	"github.com/linnemanlabs/warden/internal/incident"
	"github.com/linnemanlabs/warden/internal/rules"
)

// Outcome says what Handle did with an event.
type Outcome string

const (
	// OutcomeIgnored: OK or INSUFFICIENT_DATA with no open incident.
	OutcomeIgnored Outcome = "ignored"
	// OutcomeAppended: recorded in history, nothing else to do.
	OutcomeAppended Outcome = "appended"
	// OutcomeClosed: an OK event closed an incident with no plan.
	OutcomeClosed Outcome = "closed"
	// OutcomeDuplicate: re-delivery of an event already in history.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeInFlight: appended while another handler owns the plan.
	OutcomeInFlight Outcome = "in_flight"
	// OutcomePending: a sustained trigger window is still filling.
	OutcomePending Outcome = "pending"
	// OutcomeResolved: a plan with no actions closed the incident.
	OutcomeResolved Outcome = "resolved"
	// OutcomeDispatched: a plan was handed to the dispatcher.
	OutcomeDispatched Outcome = "dispatched"
	// OutcomeAlreadyResolved: a concurrent handler resolved the incident first.
	OutcomeAlreadyResolved Outcome = "already_resolved"
	// OutcomeError: validation or persistence failure; only reported to hooks.
	OutcomeError Outcome = "error"
)

// maxReopen bounds how often an ALARM chases an incident that closed under it.
const maxReopen = 3

// HandleResult reports the effect of one Handle call.
type HandleResult struct {
	Outcome     Outcome              `json:"outcome"`
	IncidentKey string               `json:"incident_key,omitempty"`
	Created     bool                 `json:"created,omitempty"`
	Resolution  *incident.Resolution `json:"-"`
	Plan        *incident.Plan       `json:"plan,omitempty"`
	Report      *dispatch.Report     `json:"report,omitempty"`
}

// ServiceOptions configures the Decision Engine.
type ServiceOptions struct {
	// CostSafe downgrades remediation to notify for accounts not listed in
	// ProductionAccounts and closes such incidents as SUPPRESSED.
	CostSafe           bool
	ProductionAccounts []string
	// Async dispatches in the background; Handle returns once the plan is
	// recorded. Synchronous dispatch returns the report.
	Async        bool
	NotifyTarget string
	Hooks        Hooks
}

// Service is the Decision Engine. It holds no lock across oracle or action
// calls; per-incident serialisation comes from the tracker's conditional
// writes.
type Service struct {
	tracker    *incident.Tracker
	rules      *rules.Store
	advisor    *Advisor
	dispatcher *dispatch.Dispatcher
	opts       ServiceOptions
	production map[string]bool
	logger     log.Logger
	bg         sync.WaitGroup
}

// NewService creates the Decision Engine.
func NewService(tracker *incident.Tracker, ruleStore *rules.Store, advisor *Advisor, dispatcher *dispatch.Dispatcher, opts ServiceOptions, logger log.Logger) *Service {
	if logger == nil {
		logger = log.Nop()
	}
	if opts.NotifyTarget == "" {
		opts.NotifyTarget = DefaultNotifyTarget
	}
	prod := make(map[string]bool, len(opts.ProductionAccounts))
	for _, a := range opts.ProductionAccounts {
		prod[a] = true
	}
	return &Service{
		tracker:    tracker,
		rules:      ruleStore,
		advisor:    advisor,
		dispatcher: dispatcher,
		opts:       opts,
		production: prod,
		logger:     logger,
	}
}

// Get returns the incident stored under key.
func (s *Service) Get(ctx context.Context, key string) (*incident.Incident, error) {
	return s.tracker.Get(ctx, key)
}

// List returns incidents matching f, newest first.
func (s *Service) List(ctx context.Context, f incident.Filter) ([]*incident.Incident, error) {
	return s.tracker.List(ctx, f)
}

// Wait blocks until background dispatches and report deliveries finish.
func (s *Service) Wait() {
	s.bg.Wait()
	s.dispatcher.Wait()
}

// Handle processes one alarm event. It is safe to call concurrently and to
// call again with a re-delivered event. Errors are ValidationError for a
// malformed event or a persistence failure, after which the event should be
// redelivered.
func (s *Service) Handle(ctx context.Context, ev *alarm.Event) (*HandleResult, error) {
	if err := ev.Validate(); err != nil {
		s.opts.Hooks.event(string(ev.State), OutcomeError)
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "triage.Handle", trace.WithAttributes(
		attribute.String("warden.event.id", ev.EventID),
		attribute.String("warden.event.state", string(ev.State)),
		attribute.String("warden.resource.id", ev.ResourceID),
		attribute.String("warden.metric.name", ev.MetricName),
	))
	defer span.End()

	L := s.logger.With("event_id", ev.EventID, "resource_id", ev.ResourceID, "metric", ev.MetricName)

	var res *HandleResult
	var err error
	switch ev.State {
	case alarm.StateOK:
		res, err = s.handleOK(ctx, ev)
	case alarm.StateInsufficientData:
		res, err = s.handleInsufficient(ctx, ev)
	default:
		res, err = s.handleAlarm(ctx, L, ev)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.opts.Hooks.event(string(ev.State), OutcomeError)
		L.Error(ctx, err, "event handling failed")
		return res, err
	}

	span.SetAttributes(
		attribute.String("warden.outcome", string(res.Outcome)),
		attribute.String("warden.incident.key", res.IncidentKey),
	)
	s.opts.Hooks.event(string(ev.State), res.Outcome)
	L.Info(ctx, "event handled", "incident_key", res.IncidentKey, "outcome", res.Outcome, "created", res.Created)
	return res, nil
}

func (s *Service) handleOK(ctx context.Context, ev *alarm.Event) (*HandleResult, error) {
	inc, err := s.tracker.Lookup(ctx, ev.ResourceID, ev.MetricName)
	if errors.Is(err, incident.ErrNotFound) {
		return &HandleResult{Outcome: OutcomeIgnored}, nil
	}
	if err != nil {
		return nil, err
	}
	if _, _, err := s.tracker.AppendEvent(ctx, inc.Key, ev); err != nil {
		if errors.Is(err, incident.ErrAlreadyResolved) {
			return &HandleResult{Outcome: OutcomeIgnored, IncidentKey: inc.Key}, nil
		}
		return nil, err
	}
	_, closed, err := s.tracker.CloseIfOK(ctx, inc.Key)
	if err != nil {
		return nil, err
	}
	res := &HandleResult{Outcome: OutcomeAppended, IncidentKey: inc.Key}
	if closed {
		res.Outcome = OutcomeClosed
	}
	return res, nil
}

func (s *Service) handleInsufficient(ctx context.Context, ev *alarm.Event) (*HandleResult, error) {
	inc, err := s.tracker.Lookup(ctx, ev.ResourceID, ev.MetricName)
	if errors.Is(err, incident.ErrNotFound) {
		return &HandleResult{Outcome: OutcomeIgnored}, nil
	}
	if err != nil {
		return nil, err
	}
	if _, _, err := s.tracker.AppendEvent(ctx, inc.Key, ev); err != nil {
		if errors.Is(err, incident.ErrAlreadyResolved) {
			return &HandleResult{Outcome: OutcomeIgnored, IncidentKey: inc.Key}, nil
		}
		return nil, err
	}
	return &HandleResult{Outcome: OutcomeAppended, IncidentKey: inc.Key}, nil
}

// openAndAppend records ev on the OPEN incident for its series. When the
// incident closes between lookup and append the event moves on to the next
// incident, up to maxReopen times.
func (s *Service) openAndAppend(ctx context.Context, ev *alarm.Event) (*incident.Incident, bool, bool, error) {
	var err error
	for range maxReopen {
		var inc *incident.Incident
		var created, appended bool
		inc, created, err = s.tracker.OpenOrGet(ctx, ev)
		if err != nil {
			return nil, false, false, err
		}
		inc, appended, err = s.tracker.AppendEvent(ctx, inc.Key, ev)
		if errors.Is(err, incident.ErrAlreadyResolved) {
			continue
		}
		if err != nil {
			return nil, false, false, err
		}
		return inc, created, appended, nil
	}
	return nil, false, false, &incident.PersistenceError{Op: "open_and_append", Key: incident.SeriesID(ev.ResourceID, ev.MetricName), Attempts: maxReopen, Err: err}
}

func (s *Service) handleAlarm(ctx context.Context, L log.Logger, ev *alarm.Event) (*HandleResult, error) {
	inc, created, appended, err := s.openAndAppend(ctx, ev)
	if err != nil {
		return nil, err
	}
	L = L.With("incident_key", inc.Key)
	res := &HandleResult{IncidentKey: inc.Key, Created: created}

	if inc.Status != incident.StatusOpen {
		// re-delivery of an event already recorded on a closed incident
		res.Outcome = OutcomeDuplicate
		return res, nil
	}
	if s.tracker.Busy(inc) {
		res.Outcome = OutcomeInFlight
		if !appended {
			res.Outcome = OutcomeDuplicate
		}
		return res, nil
	}

	mr := s.match(ev, inc)
	phase := incident.PhaseAIPending
	switch mr.Kind {
	case rules.PendingMatch:
		L.Info(ctx, "trigger window filling, deferring resolution", "pending_rules", ruleNames(mr.Pending))
		res.Outcome = OutcomePending
		return res, nil
	case rules.SingleMatch:
		phase = incident.PhaseMatched
	}

	inc, kind, err := s.tracker.Claim(ctx, inc.Key, phase)
	switch {
	case errors.Is(err, incident.ErrInFlight):
		res.Outcome = OutcomeInFlight
		if !appended {
			res.Outcome = OutcomeDuplicate
		}
		return res, nil
	case errors.Is(err, incident.ErrAlreadyResolved):
		L.Info(ctx, "incident resolved by a concurrent handler")
		res.Outcome = OutcomeAlreadyResolved
		return res, nil
	case err != nil:
		return nil, err
	}

	if kind == incident.ClaimResume {
		pending := inc.PendingActions()
		L.Warn(ctx, "taking over stale dispatch", "plan_version", inc.PlanVersion, "pending_actions", len(pending))
		plan := inc.Plan.Clone()
		res.Plan = &plan
		return s.dispatch(ctx, L, inc, pending, res)
	}

	resolution, plan, source := s.resolve(ctx, L, ev, inc, mr)

	suppressed := false
	if s.costSafe(inc.AccountID) {
		reason := fmt.Sprintf("cost-safe mode, account %s is not production", inc.AccountID)
		if p, changed := downgradeRemediation(plan, s.opts.NotifyTarget, reason); changed {
			plan, suppressed = p, true
			s.opts.Hooks.downgrade("cost_safe")
			L.Info(ctx, "remediation suppressed by cost-safe mode", "account_id", inc.AccountID)
		}
	}

	inc, err = s.tracker.RecordResolution(ctx, inc.Key, resolution, plan, suppressed)
	if errors.Is(err, incident.ErrAlreadyResolved) {
		L.Info(ctx, "resolution dropped, incident already resolved")
		res.Outcome = OutcomeAlreadyResolved
		return res, nil
	}
	if err != nil {
		return nil, err
	}
	s.opts.Hooks.resolution(source)
	res.Resolution = &resolution
	res.Plan = &plan

	if plan.Empty() {
		res.Outcome = OutcomeResolved
		return res, nil
	}

	inc, err = s.tracker.BeginDispatch(ctx, inc.Key, inc.PlanVersion)
	if errors.Is(err, incident.ErrAlreadyResolved) {
		L.Info(ctx, "dispatch dropped, plan superseded")
		res.Outcome = OutcomeAlreadyResolved
		return res, nil
	}
	if err != nil {
		return nil, err
	}
	return s.dispatch(ctx, L, inc, inc.Plan.Actions, res)
}

// resolve turns a match result into a resolution and plan. A single match
// uses the rule's actions; anything else goes to the advisor.
func (s *Service) resolve(ctx context.Context, L log.Logger, ev *alarm.Event, inc *incident.Incident, mr rules.MatchResult) (incident.Resolution, incident.Plan, string) {
	if mr.Kind == rules.SingleMatch {
		r := mr.Rule()
		plan := r.Plan(planVars(ev, inc))
		err := plan.Normalize()
		if err == nil {
			L.Info(ctx, "resolved by rule", "rule", r.Name, "actions", len(plan.Actions))
			return incident.RuleMatch(r.Name), plan, "rule"
		}
		L.Warn(ctx, "rule produced an invalid plan, consulting oracle", "rule", r.Name, "error", err.Error())
	}

	if mr.Kind == rules.AmbiguousMatch {
		L.Warn(ctx, "event matched conflicting rules, consulting oracle", "rules", ruleNames(mr.Matched))
	}
	d := s.advisor.Decide(ctx, ev, inc, mr.Matched)
	return incident.AIDecision(d), d.Plan.Clone(), string(d.Source)
}

func (s *Service) dispatch(ctx context.Context, L log.Logger, inc *incident.Incident, actions []incident.Action, res *HandleResult) (*HandleResult, error) {
	res.Outcome = OutcomeDispatched
	if s.opts.Async {
		s.bg.Add(1)
		go func() {
			defer s.bg.Done()
			// detached so the plan completes after the triggering request ends
			if _, err := s.dispatcher.Dispatch(context.WithoutCancel(ctx), inc, actions); err != nil {
				L.Error(ctx, err, "background dispatch could not record all outcomes")
			}
		}()
		return res, nil
	}

	rep, err := s.dispatcher.Dispatch(ctx, inc, actions)
	res.Report = rep
	if err != nil {
		return res, err
	}
	return res, nil
}

func (s *Service) match(ev *alarm.Event, inc *incident.Incident) rules.MatchResult {
	points := make([]rules.Datapoint, 0, len(inc.EventHistory))
	for _, e := range inc.EventHistory {
		if e.State == alarm.StateInsufficientData {
			continue
		}
		points = append(points, rules.Datapoint{Value: e.Value, Timestamp: e.Timestamp})
	}
	snap := s.rules.Snapshot()
	if snap == nil {
		return rules.Match(nil, ev, points)
	}
	return snap.Match(ev, points)
}

func (s *Service) costSafe(account string) bool {
	return s.opts.CostSafe && !s.production[account]
}

func planVars(ev *alarm.Event, inc *incident.Incident) map[string]string {
	return map[string]string{
		"resource_id":  ev.ResourceID,
		"metric_name":  ev.MetricName,
		"namespace":    ev.Namespace,
		"account_id":   ev.AccountID,
		"region":       ev.Region,
		"value":        strconv.FormatFloat(ev.Value, 'g', -1, 64),
		"incident_key": inc.Key,
	}
}

func ruleNames(rs []rules.Rule) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.Name
	}
	return out
}
