package incident_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/linnemanlabs/warden/internal/alarm"
	"github.com/linnemanlabs/warden/internal/incident"
	"github.com/linnemanlabs/warden/internal/incident/memstore"
	"github.com/linnemanlabs/warden/internal/retry"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func event(id string, ts time.Time) *alarm.Event {
	return &alarm.Event{
		EventID:    id,
		MetricName: "CPUUtilization",
		Namespace:  "AWS/EC2",
		ResourceID: "i-0abc",
		Value:      95,
		State:      alarm.StateAlarm,
		Timestamp:  ts,
		AccountID:  "111111111111",
		Region:     "us-east-1",
	}
}

func newTracker(store incident.Store, c *clock) *incident.Tracker {
	return incident.NewTracker(store, incident.TrackerOptions{
		Retry:      retry.Policy{MaxAttempts: 20},
		ClaimTTL:   5 * time.Minute,
		MaxHistory: 50,
		Now:        c.Now,
	}, nil)
}

var twoActions = incident.Plan{Actions: []incident.Action{
	{ID: "remediate-0", Kind: incident.KindRemediate, Target: "ssm:AWS-RestartEC2Instance"},
	{ID: "notify-1", Kind: incident.KindNotify, Target: "slack"},
}}

func TestTracker_OpenOrGet(t *testing.T) {
	t.Parallel()

	c := newClock()
	tr := newTracker(memstore.New(), c)
	ctx := context.Background()

	inc, created, err := tr.OpenOrGet(ctx, event("e1", c.Now()))
	if err != nil {
		t.Fatalf("OpenOrGet: %v", err)
	}
	if !created {
		t.Error("first call should create")
	}
	if inc.Status != incident.StatusOpen || inc.Phase != incident.PhaseNew {
		t.Errorf("status/phase = %s/%s", inc.Status, inc.Phase)
	}
	if inc.AccountID != "111111111111" || inc.Region != "us-east-1" {
		t.Errorf("account/region not tagged: %s/%s", inc.AccountID, inc.Region)
	}

	again, created, err := tr.OpenOrGet(ctx, event("e2", c.Now()))
	if err != nil {
		t.Fatalf("OpenOrGet: %v", err)
	}
	if created {
		t.Error("second call should not create")
	}
	if again.Key != inc.Key {
		t.Errorf("key = %q, want %q", again.Key, inc.Key)
	}
}

func TestTracker_OpenOrGetConcurrent(t *testing.T) {
	t.Parallel()

	c := newClock()
	tr := newTracker(memstore.New(), c)
	ctx := context.Background()

	const n = 32
	var wg sync.WaitGroup
	var createdCount atomic.Int32
	keys := make([]string, n)
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			inc, created, err := tr.OpenOrGet(ctx, event(fmt.Sprintf("e%d", i), c.Now()))
			if err != nil {
				errs[i] = err
				return
			}
			if created {
				createdCount.Add(1)
			}
			keys[i] = inc.Key
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("[%d] OpenOrGet: %v", i, err)
		}
	}
	if got := createdCount.Load(); got != 1 {
		t.Errorf("created %d incidents, want 1", got)
	}
	for i := 1; i < n; i++ {
		if keys[i] != keys[0] {
			t.Fatalf("[%d] key %q diverged from %q", i, keys[i], keys[0])
		}
	}

	open, err := tr.List(ctx, incident.Filter{Status: incident.StatusOpen})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(open) != 1 {
		t.Errorf("%d open incidents, want 1", len(open))
	}
}

func TestTracker_AppendEventIdempotent(t *testing.T) {
	t.Parallel()

	c := newClock()
	tr := newTracker(memstore.New(), c)
	ctx := context.Background()
	ev := event("e1", c.Now())

	inc, _, _ := tr.OpenOrGet(ctx, ev)
	if _, appended, err := tr.AppendEvent(ctx, inc.Key, ev); err != nil || !appended {
		t.Fatalf("first append: appended=%v err=%v", appended, err)
	}
	got, appended, err := tr.AppendEvent(ctx, inc.Key, ev)
	if err != nil {
		t.Fatalf("second append: %v", err)
	}
	if appended {
		t.Error("re-delivered event should not be appended")
	}
	if len(got.EventHistory) != 1 {
		t.Errorf("history length = %d, want 1", len(got.EventHistory))
	}

	// same event_id with a different timestamp is a distinct event
	later := event("e1", c.Now().Add(time.Minute))
	if _, appended, _ := tr.AppendEvent(ctx, inc.Key, later); !appended {
		t.Error("event with new timestamp should be appended")
	}
}

func TestTracker_AppendEventBoundsHistory(t *testing.T) {
	t.Parallel()

	c := newClock()
	tr := incident.NewTracker(memstore.New(), incident.TrackerOptions{MaxHistory: 3, Now: c.Now}, nil)
	ctx := context.Background()

	inc, _, _ := tr.OpenOrGet(ctx, event("e0", c.Now()))
	for i := range 5 {
		if _, _, err := tr.AppendEvent(ctx, inc.Key, event(fmt.Sprintf("e%d", i), c.Now().Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
	}
	got, _ := tr.Get(ctx, inc.Key)
	if len(got.EventHistory) != 3 {
		t.Fatalf("history length = %d, want 3", len(got.EventHistory))
	}
	if got.EventHistory[0].EventID != "e2" || got.EventHistory[2].EventID != "e4" {
		t.Errorf("kept %s..%s, want e2..e4", got.EventHistory[0].EventID, got.EventHistory[2].EventID)
	}

	// a trimmed event re-delivered later is still recognised
	_, appended, err := tr.AppendEvent(ctx, inc.Key, event("e0", c.Now()))
	if err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
	if appended {
		t.Error("evicted event was appended again")
	}
}

func TestTracker_EvictedIdentitiesAreBounded(t *testing.T) {
	t.Parallel()

	c := newClock()
	tr := incident.NewTracker(memstore.New(), incident.TrackerOptions{MaxHistory: 1, Now: c.Now}, nil)
	ctx := context.Background()

	inc, _, _ := tr.OpenOrGet(ctx, event("e0", c.Now()))
	for i := range 20 {
		if _, _, err := tr.AppendEvent(ctx, inc.Key, event(fmt.Sprintf("e%d", i), c.Now().Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
	}
	got, _ := tr.Get(ctx, inc.Key)
	if len(got.Evicted) != 8 {
		t.Fatalf("evicted = %d, want 8", len(got.Evicted))
	}
	if want := incident.EventIdentity("e18", c.Now().Add(18*time.Second)); got.Evicted[7] != want {
		t.Errorf("newest evicted = %q, want %q", got.Evicted[7], want)
	}
}

func TestTracker_AppendEventToClosedIncident(t *testing.T) {
	t.Parallel()

	c := newClock()
	tr := newTracker(memstore.New(), c)
	ctx := context.Background()

	ev := event("e1", c.Now())
	inc, _, _ := tr.OpenOrGet(ctx, ev)
	if _, _, err := tr.AppendEvent(ctx, inc.Key, ev); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
	if _, closed, err := tr.CloseIfOK(ctx, inc.Key); err != nil || !closed {
		t.Fatalf("CloseIfOK: closed=%v err=%v", closed, err)
	}

	if _, _, err := tr.AppendEvent(ctx, inc.Key, event("e2", c.Now())); !errors.Is(err, incident.ErrAlreadyResolved) {
		t.Errorf("new event on closed incident: err = %v, want ErrAlreadyResolved", err)
	}
	got, appended, err := tr.AppendEvent(ctx, inc.Key, ev)
	if err != nil || appended || got.Status != incident.StatusResolved {
		t.Errorf("re-delivery on closed incident: appended=%v err=%v", appended, err)
	}
}

func TestTracker_ClaimLifecycle(t *testing.T) {
	t.Parallel()

	c := newClock()
	tr := newTracker(memstore.New(), c)
	ctx := context.Background()
	inc, _, _ := tr.OpenOrGet(ctx, event("e1", c.Now()))

	claimed, kind, err := tr.Claim(ctx, inc.Key, incident.PhaseMatched)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if kind != incident.ClaimFresh || claimed.Phase != incident.PhaseMatched {
		t.Errorf("kind=%v phase=%s", kind, claimed.Phase)
	}
	if !tr.Busy(claimed) {
		t.Error("fresh claim should be busy")
	}

	if _, _, err := tr.Claim(ctx, inc.Key, incident.PhaseAIPending); !errors.Is(err, incident.ErrInFlight) {
		t.Fatalf("second claim: err = %v, want ErrInFlight", err)
	}

	if _, _, err := tr.Claim(ctx, inc.Key, incident.PhaseDispatching); err == nil {
		t.Error("claim into DISPATCHING should be rejected")
	}

	c.Advance(6 * time.Minute)
	taken, kind, err := tr.Claim(ctx, inc.Key, incident.PhaseAIPending)
	if err != nil {
		t.Fatalf("stale takeover: %v", err)
	}
	if kind != incident.ClaimFresh || taken.Phase != incident.PhaseAIPending {
		t.Errorf("takeover kind=%v phase=%s", kind, taken.Phase)
	}
}

func TestTracker_StaleDispatchResumes(t *testing.T) {
	t.Parallel()

	c := newClock()
	tr := newTracker(memstore.New(), c)
	ctx := context.Background()
	inc, _, _ := tr.OpenOrGet(ctx, event("e1", c.Now()))
	_, _, _ = tr.Claim(ctx, inc.Key, incident.PhaseMatched)
	res, err := tr.RecordResolution(ctx, inc.Key, incident.RuleMatch("HighCPU"), twoActions, false)
	if err != nil {
		t.Fatalf("RecordResolution: %v", err)
	}
	if _, err := tr.BeginDispatch(ctx, inc.Key, res.PlanVersion); err != nil {
		t.Fatalf("BeginDispatch: %v", err)
	}
	if _, _, err := tr.RecordActionOutcome(ctx, inc.Key, res.PlanVersion, incident.ActionOutcome{ActionID: "notify-1", Result: incident.ResultSucceeded}); err != nil {
		t.Fatalf("RecordActionOutcome: %v", err)
	}

	if _, _, err := tr.Claim(ctx, inc.Key, incident.PhaseMatched); !errors.Is(err, incident.ErrInFlight) {
		t.Fatalf("claim during dispatch: err = %v, want ErrInFlight", err)
	}

	c.Advance(10 * time.Minute)
	resumed, kind, err := tr.Claim(ctx, inc.Key, incident.PhaseMatched)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if kind != incident.ClaimResume {
		t.Fatalf("kind = %v, want ClaimResume", kind)
	}
	if resumed.PlanVersion != res.PlanVersion {
		t.Errorf("plan version changed on resume: %d -> %d", res.PlanVersion, resumed.PlanVersion)
	}
	pending := resumed.PendingActions()
	if len(pending) != 1 || pending[0].ID != "remediate-0" {
		t.Errorf("pending = %+v, want only remediate-0", pending)
	}
}

func TestTracker_OutcomeRefreshesClaim(t *testing.T) {
	t.Parallel()

	c := newClock()
	tr := newTracker(memstore.New(), c)
	ctx := context.Background()
	inc, _, _ := tr.OpenOrGet(ctx, event("e1", c.Now()))
	_, _, _ = tr.Claim(ctx, inc.Key, incident.PhaseMatched)
	res, err := tr.RecordResolution(ctx, inc.Key, incident.RuleMatch("HighCPU"), twoActions, false)
	if err != nil {
		t.Fatalf("RecordResolution: %v", err)
	}
	if _, err := tr.BeginDispatch(ctx, inc.Key, res.PlanVersion); err != nil {
		t.Fatalf("BeginDispatch: %v", err)
	}

	c.Advance(4 * time.Minute)
	got, _, err := tr.RecordActionOutcome(ctx, inc.Key, res.PlanVersion, incident.ActionOutcome{ActionID: "notify-1", Result: incident.ResultSucceeded})
	if err != nil {
		t.Fatalf("RecordActionOutcome: %v", err)
	}
	if !got.PhaseSince.Equal(c.Now()) {
		t.Errorf("phase_since = %s, want %s", got.PhaseSince, c.Now())
	}

	// 8m after BeginDispatch but only 4m after the last outcome
	c.Advance(4 * time.Minute)
	if _, _, err := tr.Claim(ctx, inc.Key, incident.PhaseMatched); !errors.Is(err, incident.ErrInFlight) {
		t.Errorf("claim with recent progress: err = %v, want ErrInFlight", err)
	}
	if busy := tr.Busy(got); !busy {
		t.Error("incident with recent progress should be busy")
	}
}

func TestTracker_RecordResolutionOnce(t *testing.T) {
	t.Parallel()

	c := newClock()
	tr := newTracker(memstore.New(), c)
	ctx := context.Background()
	inc, _, _ := tr.OpenOrGet(ctx, event("e1", c.Now()))

	if _, err := tr.RecordResolution(ctx, inc.Key, incident.RuleMatch("HighCPU"), twoActions, false); !errors.Is(err, incident.ErrAlreadyResolved) {
		t.Errorf("resolution without claim: err = %v, want ErrAlreadyResolved", err)
	}

	_, _, _ = tr.Claim(ctx, inc.Key, incident.PhaseMatched)
	got, err := tr.RecordResolution(ctx, inc.Key, incident.RuleMatch("HighCPU"), twoActions, false)
	if err != nil {
		t.Fatalf("RecordResolution: %v", err)
	}
	if got.MatchedRule != "HighCPU" || got.AIDecision != nil {
		t.Errorf("resolution metadata = %q / %+v", got.MatchedRule, got.AIDecision)
	}
	if got.PlanVersion != 1 || got.Phase != incident.PhasePlanResolved {
		t.Errorf("plan version %d phase %s", got.PlanVersion, got.Phase)
	}
	if len(got.ActionOutcomes) != 2 {
		t.Fatalf("outcomes = %d, want 2", len(got.ActionOutcomes))
	}
	for _, o := range got.ActionOutcomes {
		if o.Result != incident.ResultPending {
			t.Errorf("%s initial result = %s, want PENDING", o.ActionID, o.Result)
		}
	}

	if _, err := tr.RecordResolution(ctx, inc.Key, incident.RuleMatch("HighCPU"), twoActions, false); !errors.Is(err, incident.ErrAlreadyResolved) {
		t.Errorf("duplicate resolution: err = %v, want ErrAlreadyResolved", err)
	}
}

func TestTracker_OutcomesCloseIncident(t *testing.T) {
	t.Parallel()

	c := newClock()
	var closed []incident.Status
	var mu sync.Mutex
	tr := incident.NewTracker(memstore.New(), incident.TrackerOptions{
		Now: c.Now,
		Hooks: incident.Hooks{OnClosed: func(s incident.Status) {
			mu.Lock()
			closed = append(closed, s)
			mu.Unlock()
		}},
	}, nil)
	ctx := context.Background()
	inc, _, _ := tr.OpenOrGet(ctx, event("e1", c.Now()))
	_, _, _ = tr.Claim(ctx, inc.Key, incident.PhaseMatched)
	res, _ := tr.RecordResolution(ctx, inc.Key, incident.RuleMatch("HighCPU"), twoActions, false)
	_, _ = tr.BeginDispatch(ctx, inc.Key, res.PlanVersion)

	got, done, err := tr.RecordActionOutcome(ctx, inc.Key, res.PlanVersion, incident.ActionOutcome{ActionID: "remediate-0", Result: incident.ResultFailed, Attempts: 1})
	if err != nil || done {
		t.Fatalf("first outcome: done=%v err=%v", done, err)
	}
	// re-dispatch overwrites rather than appends
	got, done, err = tr.RecordActionOutcome(ctx, inc.Key, res.PlanVersion, incident.ActionOutcome{ActionID: "remediate-0", Result: incident.ResultSucceeded, Attempts: 2})
	if err != nil || done {
		t.Fatalf("overwrite: done=%v err=%v", done, err)
	}
	if len(got.ActionOutcomes) != 2 {
		t.Errorf("outcomes = %d, want 2", len(got.ActionOutcomes))
	}

	if _, _, err := tr.RecordActionOutcome(ctx, inc.Key, res.PlanVersion, incident.ActionOutcome{ActionID: "ticket-9", Result: incident.ResultSucceeded}); !errors.Is(err, incident.ErrUnknownAction) {
		t.Errorf("unknown action: err = %v, want ErrUnknownAction", err)
	}
	if _, _, err := tr.RecordActionOutcome(ctx, inc.Key, res.PlanVersion+1, incident.ActionOutcome{ActionID: "notify-1", Result: incident.ResultSucceeded}); !errors.Is(err, incident.ErrAlreadyResolved) {
		t.Errorf("stale plan version: err = %v, want ErrAlreadyResolved", err)
	}

	got, done, err = tr.RecordActionOutcome(ctx, inc.Key, res.PlanVersion, incident.ActionOutcome{ActionID: "notify-1", Result: incident.ResultSucceeded})
	if err != nil || !done {
		t.Fatalf("final outcome: done=%v err=%v", done, err)
	}
	if got.Status != incident.StatusResolved || got.ClosedAt == nil || got.Phase != incident.PhaseDone {
		t.Errorf("status=%s closed_at=%v phase=%s", got.Status, got.ClosedAt, got.Phase)
	}
	if len(closed) != 1 || closed[0] != incident.StatusResolved {
		t.Errorf("OnClosed calls = %v", closed)
	}

	if _, err := tr.Lookup(ctx, "i-0abc", "CPUUtilization"); !errors.Is(err, incident.ErrNotFound) {
		t.Errorf("Lookup after close: err = %v, want ErrNotFound", err)
	}

	next, created, err := tr.OpenOrGet(ctx, event("e9", c.Now()))
	if err != nil || !created {
		t.Fatalf("reopen: created=%v err=%v", created, err)
	}
	if next.Key == inc.Key || next.Epoch != inc.Epoch+1 {
		t.Errorf("reopen key=%q epoch=%d, want new epoch after %q", next.Key, next.Epoch, inc.Key)
	}
}

func TestTracker_SuppressedClose(t *testing.T) {
	t.Parallel()

	c := newClock()
	tr := newTracker(memstore.New(), c)
	ctx := context.Background()
	inc, _, _ := tr.OpenOrGet(ctx, event("e1", c.Now()))
	_, _, _ = tr.Claim(ctx, inc.Key, incident.PhaseMatched)
	plan := incident.Plan{Actions: []incident.Action{{ID: "notify-0", Kind: incident.KindNotify, Target: "slack"}}}
	res, _ := tr.RecordResolution(ctx, inc.Key, incident.RuleMatch("HighCPU"), plan, true)

	got, done, err := tr.RecordActionOutcome(ctx, inc.Key, res.PlanVersion, incident.ActionOutcome{ActionID: "notify-0", Result: incident.ResultSucceeded})
	if err != nil || !done {
		t.Fatalf("done=%v err=%v", done, err)
	}
	if got.Status != incident.StatusSuppressed {
		t.Errorf("status = %s, want SUPPRESSED", got.Status)
	}
}

func TestTracker_EmptyPlanClosesImmediately(t *testing.T) {
	t.Parallel()

	c := newClock()
	tr := newTracker(memstore.New(), c)
	ctx := context.Background()
	inc, _, _ := tr.OpenOrGet(ctx, event("e1", c.Now()))
	_, _, _ = tr.Claim(ctx, inc.Key, incident.PhaseAIPending)

	d := &incident.Decision{ID: "d1", Confidence: 0.9, Source: incident.SourceOracle}
	got, err := tr.RecordResolution(ctx, inc.Key, incident.AIDecision(d), incident.Plan{}, false)
	if err != nil {
		t.Fatalf("RecordResolution: %v", err)
	}
	if got.Status != incident.StatusResolved || got.AIDecision == nil || got.MatchedRule != "" {
		t.Errorf("status=%s decision=%v rule=%q", got.Status, got.AIDecision, got.MatchedRule)
	}
}

func TestTracker_CloseIfOK(t *testing.T) {
	t.Parallel()

	c := newClock()
	tr := newTracker(memstore.New(), c)
	ctx := context.Background()

	inc, _, _ := tr.OpenOrGet(ctx, event("e1", c.Now()))
	got, closed, err := tr.CloseIfOK(ctx, inc.Key)
	if err != nil || !closed {
		t.Fatalf("CloseIfOK: closed=%v err=%v", closed, err)
	}
	if got.Status != incident.StatusResolved {
		t.Errorf("status = %s", got.Status)
	}

	// a pending plan keeps the incident open
	other, _, _ := tr.OpenOrGet(ctx, event("e2", c.Now()))
	_, _, _ = tr.Claim(ctx, other.Key, incident.PhaseMatched)
	_, closed, err = tr.CloseIfOK(ctx, other.Key)
	if err != nil || closed {
		t.Errorf("CloseIfOK with claim: closed=%v err=%v", closed, err)
	}

	if _, _, err := tr.CloseIfOK(ctx, "missing"); !errors.Is(err, incident.ErrNotFound) {
		t.Errorf("missing key: err = %v, want ErrNotFound", err)
	}
}

// flakyStore fails PutIncident with ErrConflict for the first n calls, or
// forever when n < 0.
type flakyStore struct {
	incident.Store
	n     atomic.Int32
	calls atomic.Int32
}

func (f *flakyStore) PutIncident(ctx context.Context, inc *incident.Incident, expected int64) (int64, error) {
	f.calls.Add(1)
	if f.n.Load() != 0 {
		f.n.Add(-1)
		return 0, incident.ErrConflict
	}
	return f.Store.PutIncident(ctx, inc, expected)
}

func TestTracker_RetriesConflicts(t *testing.T) {
	t.Parallel()

	c := newClock()
	base := memstore.New()
	tr := newTracker(base, c)
	ctx := context.Background()
	inc, _, _ := tr.OpenOrGet(ctx, event("e1", c.Now()))

	flaky := &flakyStore{Store: base}
	flaky.n.Store(2)
	var conflicts atomic.Int32
	ft := incident.NewTracker(flaky, incident.TrackerOptions{
		Retry: retry.Policy{MaxAttempts: 3},
		Now:   c.Now,
		Hooks: incident.Hooks{OnConflict: func(string) { conflicts.Add(1) }},
	}, nil)

	if _, appended, err := ft.AppendEvent(ctx, inc.Key, event("e2", c.Now())); err != nil || !appended {
		t.Fatalf("AppendEvent: appended=%v err=%v", appended, err)
	}
	if got := conflicts.Load(); got != 2 {
		t.Errorf("conflicts = %d, want 2", got)
	}
}

func TestTracker_PersistenceErrorAfterBudget(t *testing.T) {
	t.Parallel()

	c := newClock()
	base := memstore.New()
	inc, _, _ := newTracker(base, c).OpenOrGet(context.Background(), event("e1", c.Now()))

	flaky := &flakyStore{Store: base}
	flaky.n.Store(-1)
	var failures atomic.Int32
	ft := incident.NewTracker(flaky, incident.TrackerOptions{
		Retry: retry.Policy{MaxAttempts: 3},
		Now:   c.Now,
		Hooks: incident.Hooks{OnPersistenceError: func(string) { failures.Add(1) }},
	}, nil)

	_, _, err := ft.AppendEvent(context.Background(), inc.Key, event("e2", c.Now()))
	var perr *incident.PersistenceError
	if !errors.As(err, &perr) {
		t.Fatalf("err = %v, want *PersistenceError", err)
	}
	if !errors.Is(err, incident.ErrPersistence) || !errors.Is(err, incident.ErrConflict) {
		t.Errorf("err should match ErrPersistence and ErrConflict: %v", err)
	}
	if perr.Attempts != 3 || flaky.calls.Load() != 3 {
		t.Errorf("attempts = %d, calls = %d, want 3", perr.Attempts, flaky.calls.Load())
	}
	if failures.Load() != 1 {
		t.Errorf("OnPersistenceError calls = %d, want 1", failures.Load())
	}
}

func TestTracker_RedeliveryAfterCloseDoesNotReopen(t *testing.T) {
	t.Parallel()

	c := newClock()
	tr := newTracker(memstore.New(), c)
	ctx := context.Background()

	ev := event("e1", c.Now())
	inc, _, _ := tr.OpenOrGet(ctx, ev)
	if _, _, err := tr.AppendEvent(ctx, inc.Key, ev); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
	if _, closed, err := tr.CloseIfOK(ctx, inc.Key); err != nil || !closed {
		t.Fatalf("CloseIfOK: closed=%v err=%v", closed, err)
	}

	again, created, err := tr.OpenOrGet(ctx, ev)
	if err != nil {
		t.Fatalf("OpenOrGet: %v", err)
	}
	if created || again.Key != inc.Key || again.Status != incident.StatusResolved {
		t.Errorf("redelivery got key=%s created=%v status=%s, want closed %s", again.Key, created, again.Status, inc.Key)
	}

	fresh, created, err := tr.OpenOrGet(ctx, event("e2", c.Now()))
	if err != nil || !created || fresh.Key == inc.Key {
		t.Errorf("new event should open a new incident: key=%s created=%v err=%v", fresh.Key, created, err)
	}
}
