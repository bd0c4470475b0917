package incident

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/warden/internal/alarm"
	"github.com/linnemanlabs/warden/internal/retry"
)

// ErrUnknownAction is returned when an outcome names an action outside the active plan.
var ErrUnknownAction = xerrors.New("incident: action not in active plan")

// evictedFactor bounds remembered evicted identities as a multiple of the
// history limit.
const evictedFactor = 8

// errNoChange aborts an update without writing.
var errNoChange = errors.New("no change")

// DefaultStoreRetry bounds retry-on-conflict for store writes.
var DefaultStoreRetry = retry.Policy{MaxAttempts: 5, Initial: 10 * time.Millisecond, Max: 250 * time.Millisecond, Multiplier: 2}

// Hooks are optional callbacks fired by the Tracker.
type Hooks struct {
	OnConflict         func(op string)
	OnPersistenceError func(op string)
	OnClosed           func(status Status)
}

// TrackerOptions configures a Tracker. Zero values select defaults.
type TrackerOptions struct {
	Retry      retry.Policy
	ClaimTTL   time.Duration
	MaxHistory int
	Hooks      Hooks
	Now        func() time.Time
}

// ClaimKind says how a claim was granted.
type ClaimKind int

const (
	// ClaimFresh means the caller should resolve a new plan.
	ClaimFresh ClaimKind = iota
	// ClaimResume means the caller took over a stale dispatch and should
	// re-dispatch the pending actions of the current plan version.
	ClaimResume
)

// Tracker implements the incident lifecycle on top of a Store. All
// coordination is optimistic: reads, a pure mutation, and a conditional
// write, retried on conflict within the retry budget.
type Tracker struct {
	store      Store
	retry      retry.Policy
	claimTTL   time.Duration
	maxHistory int
	hooks      Hooks
	now        func() time.Time
	logger     log.Logger
}

// NewTracker creates a Tracker over store.
func NewTracker(store Store, opts TrackerOptions, logger log.Logger) *Tracker {
	if logger == nil {
		logger = log.Nop()
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = DefaultStoreRetry
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Tracker{
		store:      store,
		retry:      opts.Retry,
		claimTTL:   opts.ClaimTTL,
		maxHistory: opts.MaxHistory,
		hooks:      opts.Hooks,
		now:        opts.Now,
		logger:     logger,
	}
}

// OpenOrGet returns the OPEN incident for the event's (resource, metric)
// pair, creating it when none is open. created is true only for the caller
// whose create landed. A re-delivered event already recorded on the latest
// closed incident returns that incident instead of opening a new one.
func (t *Tracker) OpenOrGet(ctx context.Context, ev *alarm.Event) (*Incident, bool, error) {
	sid := SeriesID(ev.ResourceID, ev.MetricName)

	var inc *Incident
	var created bool
	attempts, err := t.retry.DoIf(ctx, t.retryable(ctx, "open_or_get"), func(ctx context.Context, _ int) error {
		inc, created = nil, false

		s, err := t.store.GetSeries(ctx, sid)
		switch {
		case errors.Is(err, ErrNotFound):
			s = &Series{SeriesID: sid, ResourceID: ev.ResourceID, MetricName: ev.MetricName}
		case err != nil:
			return err
		}

		if s.OpenKey != "" {
			cur, err := t.store.GetIncident(ctx, s.OpenKey)
			switch {
			case err == nil && cur.Status == StatusOpen:
				inc = cur
				return nil
			case err == nil && cur.HasEvent(ev.EventID, ev.Timestamp):
				inc = cur
				return nil
			case err == nil:
				// closed but the head was not cleared; start the next epoch
			case errors.Is(err, ErrNotFound):
				// head advanced but the create never landed
				inc, created, err = t.create(ctx, s, ev)
				return err
			default:
				return err
			}
		}

		if s.OpenKey == "" && s.Epoch > 0 {
			prev, err := t.store.GetIncident(ctx, Key(ev.MetricName, sid, s.Epoch))
			switch {
			case err == nil && prev.HasEvent(ev.EventID, ev.Timestamp):
				inc = prev
				return nil
			case err != nil && !errors.Is(err, ErrNotFound):
				return err
			}
		}

		next := *s
		next.Epoch++
		next.OpenKey = Key(ev.MetricName, sid, next.Epoch)
		v, err := t.store.PutSeries(ctx, &next, s.Version)
		if err != nil {
			return err
		}
		next.Version = v

		inc, created, err = t.create(ctx, &next, ev)
		return err
	})
	if err != nil {
		return nil, false, t.persistenceError("open_or_get", sid, attempts, err)
	}
	return inc, created, nil
}

func (t *Tracker) create(ctx context.Context, s *Series, ev *alarm.Event) (*Incident, bool, error) {
	now := t.now()
	inc := &Incident{
		Key:        s.OpenKey,
		SeriesID:   s.SeriesID,
		Epoch:      s.Epoch,
		ResourceID: ev.ResourceID,
		MetricName: ev.MetricName,
		Namespace:  ev.Namespace,
		AccountID:  ev.AccountID,
		Region:     ev.Region,
		Status:     StatusOpen,
		Phase:      PhaseNew,
		PhaseSince: now,
		OpenedAt:   now,
	}
	v, err := t.store.PutIncident(ctx, inc, 0)
	if errors.Is(err, ErrConflict) {
		cur, gerr := t.store.GetIncident(ctx, inc.Key)
		if gerr != nil {
			return nil, false, gerr
		}
		if cur.Status == StatusOpen {
			return cur, false, nil
		}
		return nil, false, ErrConflict
	}
	if err != nil {
		return nil, false, err
	}
	inc.Version = v
	return inc, true, nil
}

// Lookup returns the OPEN incident for a (resource, metric) pair or ErrNotFound.
func (t *Tracker) Lookup(ctx context.Context, resourceID, metricName string) (*Incident, error) {
	sid := SeriesID(resourceID, metricName)
	var inc *Incident
	attempts, err := t.retry.DoIf(ctx, t.retryable(ctx, "lookup"), func(ctx context.Context, _ int) error {
		s, err := t.store.GetSeries(ctx, sid)
		if err != nil {
			return notFoundIsFinal(err)
		}
		if s.OpenKey == "" {
			return retry.Permanent(ErrNotFound)
		}
		cur, err := t.store.GetIncident(ctx, s.OpenKey)
		if err != nil {
			return notFoundIsFinal(err)
		}
		if cur.Status != StatusOpen {
			return retry.Permanent(ErrNotFound)
		}
		inc = cur
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, t.persistenceError("lookup", sid, attempts, err)
	}
	return inc, nil
}

// Get returns the incident stored under key.
func (t *Tracker) Get(ctx context.Context, key string) (*Incident, error) {
	var inc *Incident
	attempts, err := t.retry.DoIf(ctx, t.retryable(ctx, "get"), func(ctx context.Context, _ int) error {
		cur, err := t.store.GetIncident(ctx, key)
		if err != nil {
			return notFoundIsFinal(err)
		}
		inc = cur
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, t.persistenceError("get", key, attempts, err)
	}
	return inc, nil
}

// List returns incidents matching f, newest first.
func (t *Tracker) List(ctx context.Context, f Filter) ([]*Incident, error) {
	var out []*Incident
	attempts, err := t.retry.DoIf(ctx, t.retryable(ctx, "list"), func(ctx context.Context, _ int) error {
		var err error
		out, err = t.store.ListIncidents(ctx, f)
		return err
	})
	if err != nil {
		return nil, t.persistenceError("list", "", attempts, err)
	}
	return out, nil
}

// AppendEvent records ev in the incident history. Re-delivery of an event
// already present (same event_id and timestamp) is a no-op and returns
// appended=false. A new event for an incident that is no longer OPEN
// returns ErrAlreadyResolved; the caller should open the next incident.
func (t *Tracker) AppendEvent(ctx context.Context, key string, ev *alarm.Event) (*Incident, bool, error) {
	var appended bool
	inc, err := t.update(ctx, "append_event", key, func(inc *Incident) error {
		appended = false
		if inc.HasEvent(ev.EventID, ev.Timestamp) {
			return errNoChange
		}
		if inc.Status != StatusOpen {
			return ErrAlreadyResolved
		}
		inc.EventHistory = append(inc.EventHistory, RefOf(ev, t.now()))
		if t.maxHistory > 0 && len(inc.EventHistory) > t.maxHistory {
			cut := len(inc.EventHistory) - t.maxHistory
			for _, e := range inc.EventHistory[:cut] {
				inc.Evicted = append(inc.Evicted, EventIdentity(e.EventID, e.Timestamp))
			}
			if limit := t.maxHistory * evictedFactor; len(inc.Evicted) > limit {
				inc.Evicted = append([]string(nil), inc.Evicted[len(inc.Evicted)-limit:]...)
			}
			inc.EventHistory = append([]EventRef(nil), inc.EventHistory[cut:]...)
		}
		appended = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return inc, appended, nil
}

// Claim takes ownership of an OPEN incident for plan resolution, moving it
// into phase (MATCHED or AI_PENDING). A fresh claim held by another handler
// returns ErrInFlight. A claim older than the claim TTL is taken over; if it
// had already resolved a plan the result is ClaimResume.
func (t *Tracker) Claim(ctx context.Context, key string, phase Phase) (*Incident, ClaimKind, error) {
	if phase != PhaseMatched && phase != PhaseAIPending {
		return nil, ClaimFresh, fmt.Errorf("claim: invalid phase %q", phase)
	}
	var kind ClaimKind
	inc, err := t.update(ctx, "claim", key, func(inc *Incident) error {
		now := t.now()
		kind = ClaimFresh
		if inc.Status != StatusOpen {
			return ErrAlreadyResolved
		}
		switch {
		case inc.Phase == PhaseNew:
		case inc.Phase.Claimed() && !t.stale(inc, now):
			return ErrInFlight
		case inc.Phase == PhasePlanResolved || inc.Phase == PhaseDispatching:
			kind = ClaimResume
			inc.Phase = PhaseDispatching
			inc.PhaseSince = now
			return nil
		case inc.Phase.Claimed():
		default:
			return ErrAlreadyResolved
		}
		inc.Phase = phase
		inc.PhaseSince = now
		return nil
	})
	if err != nil {
		return nil, ClaimFresh, err
	}
	return inc, kind, nil
}

// Busy reports whether inc is held by a handler whose claim has not expired.
func (t *Tracker) Busy(inc *Incident) bool {
	return inc.Status == StatusOpen && inc.Phase.Claimed() && !t.stale(inc, t.now())
}

func (t *Tracker) stale(inc *Incident, now time.Time) bool {
	return t.claimTTL > 0 && now.Sub(inc.PhaseSince) >= t.claimTTL
}

// RecordResolution stores the resolution and plan on a claimed incident and
// initialises one PENDING outcome per action. It returns ErrAlreadyResolved
// if the incident is not OPEN or a plan was already resolved. An empty plan
// closes the incident immediately.
func (t *Tracker) RecordResolution(ctx context.Context, key string, res Resolution, plan Plan, suppressed bool) (*Incident, error) {
	var closed bool
	inc, err := t.update(ctx, "record_resolution", key, func(inc *Incident) error {
		now := t.now()
		closed = false
		if inc.Status != StatusOpen {
			return ErrAlreadyResolved
		}
		if inc.Phase != PhaseMatched && inc.Phase != PhaseAIPending {
			return ErrAlreadyResolved
		}
		switch res.Kind {
		case ResolvedByRule:
			inc.MatchedRule = res.RuleName
			inc.AIDecision = nil
		case ResolvedByAI:
			if res.Decision == nil {
				return errors.New("record_resolution: ai resolution without decision")
			}
			d := *res.Decision
			d.Plan = res.Decision.Plan.Clone()
			inc.AIDecision = &d
			inc.MatchedRule = ""
		default:
			return fmt.Errorf("record_resolution: unknown resolution kind %q", res.Kind)
		}

		inc.Plan = plan.Clone()
		inc.PlanVersion++
		inc.Suppressed = suppressed
		inc.ActionOutcomes = make([]ActionOutcome, 0, len(plan.Actions))
		for _, a := range plan.Actions {
			inc.ActionOutcomes = append(inc.ActionOutcomes, ActionOutcome{
				ActionID:   a.ID,
				ActionType: a.Kind,
				Result:     ResultPending,
				Timestamp:  now,
			})
		}
		inc.Phase = PhasePlanResolved
		inc.PhaseSince = now
		if plan.Empty() {
			t.close(inc, now)
			closed = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if closed {
		t.released(ctx, inc)
	}
	return inc, nil
}

// BeginDispatch moves a resolved plan into DISPATCHING.
func (t *Tracker) BeginDispatch(ctx context.Context, key string, planVersion int) (*Incident, error) {
	return t.update(ctx, "begin_dispatch", key, func(inc *Incident) error {
		if inc.Status != StatusOpen || inc.PlanVersion != planVersion {
			return ErrAlreadyResolved
		}
		switch inc.Phase {
		case PhasePlanResolved:
			inc.Phase = PhaseDispatching
			inc.PhaseSince = t.now()
			return nil
		case PhaseDispatching:
			return errNoChange
		default:
			return ErrAlreadyResolved
		}
	})
}

// RecordActionOutcome upserts the outcome of one action of plan version
// planVersion. When every action of the plan is terminal the incident is
// closed as RESOLVED, or SUPPRESSED when cost-safe mode altered the plan.
func (t *Tracker) RecordActionOutcome(ctx context.Context, key string, planVersion int, o ActionOutcome) (*Incident, bool, error) {
	var closed bool
	inc, err := t.update(ctx, "record_action_outcome", key, func(inc *Incident) error {
		now := t.now()
		closed = false
		if inc.Status != StatusOpen || inc.PlanVersion != planVersion {
			return ErrAlreadyResolved
		}
		var kind ActionKind
		for _, a := range inc.Plan.Actions {
			if a.ID == o.ActionID {
				kind = a.Kind
				break
			}
		}
		if kind == "" {
			return fmt.Errorf("%w: %q", ErrUnknownAction, o.ActionID)
		}
		o.ActionType = kind
		if o.Timestamp.IsZero() {
			o.Timestamp = now
		}
		replaced := false
		for i := range inc.ActionOutcomes {
			if inc.ActionOutcomes[i].ActionID == o.ActionID {
				inc.ActionOutcomes[i] = o
				replaced = true
				break
			}
		}
		if !replaced {
			inc.ActionOutcomes = append(inc.ActionOutcomes, o)
		}
		// progress keeps the claim fresh
		inc.PhaseSince = now
		if inc.AllTerminal() {
			t.close(inc, now)
			closed = true
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if closed {
		t.released(ctx, inc)
	}
	return inc, closed, nil
}

// CloseIfOK resolves an OPEN incident that has no plan pending, as on an
// OK-state event after manual recovery. It is a no-op otherwise.
func (t *Tracker) CloseIfOK(ctx context.Context, key string) (*Incident, bool, error) {
	var closed bool
	inc, err := t.update(ctx, "close_if_ok", key, func(inc *Incident) error {
		closed = false
		if inc.Status != StatusOpen || inc.Phase != PhaseNew {
			return errNoChange
		}
		t.close(inc, t.now())
		closed = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if closed {
		t.released(ctx, inc)
	}
	return inc, closed, nil
}

func (t *Tracker) close(inc *Incident, now time.Time) {
	inc.Status = StatusResolved
	if inc.Suppressed {
		inc.Status = StatusSuppressed
	}
	inc.Phase = PhaseDone
	inc.PhaseSince = now
	closedAt := now
	inc.ClosedAt = &closedAt
}

// released clears the series head once an incident is closed. A failure
// here is not fatal: OpenOrGet skips heads that point at closed incidents.
func (t *Tracker) released(ctx context.Context, inc *Incident) {
	if t.hooks.OnClosed != nil {
		t.hooks.OnClosed(inc.Status)
	}
	_, err := t.retry.DoIf(ctx, t.retryable(ctx, "clear_head"), func(ctx context.Context, _ int) error {
		s, err := t.store.GetSeries(ctx, inc.SeriesID)
		if err != nil {
			return notFoundIsFinal(err)
		}
		if s.OpenKey != inc.Key {
			return nil
		}
		next := *s
		next.OpenKey = ""
		_, err = t.store.PutSeries(ctx, &next, s.Version)
		return err
	})
	if err != nil && !errors.Is(err, ErrNotFound) {
		t.logger.Warn(ctx, "failed to clear series head", "incident_key", inc.Key, "series_id", inc.SeriesID, "error", err.Error())
	}
}

// update applies fn to a fresh copy of the incident and writes it back
// conditionally. Errors returned by fn are final; store errors and
// conflicts are retried.
func (t *Tracker) update(ctx context.Context, op, key string, fn func(inc *Incident) error) (*Incident, error) {
	var out *Incident
	var final error
	attempts, err := t.retry.DoIf(ctx, t.retryable(ctx, op), func(ctx context.Context, _ int) error {
		cur, err := t.store.GetIncident(ctx, key)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				final = ErrNotFound
				return retry.Permanent(err)
			}
			return err
		}
		next := cur.Clone()
		if ferr := fn(next); ferr != nil {
			if errors.Is(ferr, errNoChange) {
				out = cur
				return nil
			}
			final = ferr
			return retry.Permanent(ferr)
		}
		v, err := t.store.PutIncident(ctx, next, cur.Version)
		if err != nil {
			return err
		}
		next.Version = v
		out = next
		return nil
	})
	if final != nil {
		return nil, final
	}
	if err != nil {
		return nil, t.persistenceError(op, key, attempts, err)
	}
	return out, nil
}

func (t *Tracker) retryable(ctx context.Context, op string) func(error) bool {
	return func(err error) bool {
		if errors.Is(err, ErrConflict) && t.hooks.OnConflict != nil {
			t.hooks.OnConflict(op)
		}
		return ctx.Err() == nil
	}
}

func (t *Tracker) persistenceError(op, key string, attempts int, err error) error {
	if t.hooks.OnPersistenceError != nil {
		t.hooks.OnPersistenceError(op)
	}
	return &PersistenceError{Op: op, Key: key, Attempts: attempts, Err: err}
}

func notFoundIsFinal(err error) error {
	if errors.Is(err, ErrNotFound) {
		return retry.Permanent(err)
	}
	return err
}
