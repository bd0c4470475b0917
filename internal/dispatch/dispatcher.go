package dispatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/incident"
	"github.com/linnemanlabs/warden/internal/retry"
)

var tracer = otel.Tracer("github.com/linnemanlabs/warden/internal/dispatch")

const (
	DefaultActionTimeout  = 30 * time.Second
	DefaultOverallTimeout = 2 * time.Minute
	// RecordTimeout bounds one outcome write after the dispatch budget ends.
	RecordTimeout = 10 * time.Second
	claimSlack    = 30 * time.Second
)

// MinClaimTTL is the shortest claim TTL under which a dispatch with the
// given overall budget can never look stale while it is still running.
func MinClaimTTL(overall time.Duration) time.Duration {
	return overall + RecordTimeout + claimSlack
}

// Recorder persists action outcomes. incident.Tracker implements it.
type Recorder interface {
	RecordActionOutcome(ctx context.Context, key string, planVersion int, o incident.ActionOutcome) (*incident.Incident, bool, error)
}

// Hooks are optional callbacks for metrics.
type Hooks struct {
	OnAction       func(kind incident.ActionKind, result incident.Result, d time.Duration)
	OnDispatch     func(d time.Duration, closed bool)
	OnReportFailed func()
}

// Options configures a Dispatcher. Zero values select defaults.
type Options struct {
	ActionTimeout  time.Duration
	OverallTimeout time.Duration
	// RemediateRetry bounds attempts for remediate and ticket actions.
	RemediateRetry retry.Policy
	Hooks          Hooks
	Now            func() time.Time
}

// Dispatcher executes plans. Each action runs independently; a failure of
// one never blocks its siblings except for declared ordering, where the
// dependent action is skipped.
type Dispatcher struct {
	registry *Registry
	recorder Recorder
	opts     Options
	logger   log.Logger
	bg       sync.WaitGroup
}

// New creates a Dispatcher.
func New(registry *Registry, recorder Recorder, opts Options, logger log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.Nop()
	}
	if opts.ActionTimeout <= 0 {
		opts.ActionTimeout = DefaultActionTimeout
	}
	if opts.OverallTimeout <= 0 {
		opts.OverallTimeout = DefaultOverallTimeout
	}
	if opts.RemediateRetry.MaxAttempts == 0 {
		opts.RemediateRetry = retry.Default
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Dispatcher{registry: registry, recorder: recorder, opts: opts, logger: logger}
}

// Registry returns the executor registry.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// Report summarises one dispatch pass.
type Report struct {
	ID          string                   `json:"id"`
	IncidentKey string                   `json:"incident_key"`
	PlanVersion int                      `json:"plan_version"`
	Outcomes    []incident.ActionOutcome `json:"outcomes"`
	Closed      bool                     `json:"closed"`
	Duration    time.Duration            `json:"duration"`
	// Incident is the record after the last outcome write, if any.
	Incident *incident.Incident `json:"-"`
}

// Count returns how many outcomes have result r.
func (r *Report) Count(res incident.Result) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Result == res {
			n++
		}
	}
	return n
}

// TicketToken derives the idempotency token for a ticket action. It is
// stable for a given incident key, plan version and action.
func TicketToken(key string, planVersion int, actionID string) string {
	sum := sha256.Sum256([]byte(key + "\x00" + strconv.Itoa(planVersion) + "\x00" + actionID))
	return hex.EncodeToString(sum[:16])
}

// Dispatch runs actions, which must belong to inc's active plan, and
// records every outcome. Actions execute concurrently except where After
// declares a predecessor. The returned error reports outcome writes that
// failed; execution failures are recorded, not returned.
func (d *Dispatcher) Dispatch(ctx context.Context, inc *incident.Incident, actions []incident.Action) (*Report, error) {
	start := d.opts.Now()
	ctx, span := tracer.Start(ctx, "dispatch.Dispatch", trace.WithAttributes(
		attribute.String("warden.incident.key", inc.Key),
		attribute.Int("warden.plan.version", inc.PlanVersion),
		attribute.Int("warden.plan.actions", len(actions)),
	))
	defer span.End()

	L := d.logger.With("incident_key", inc.Key, "plan_version", inc.PlanVersion)

	rep := &Report{
		ID:          ulid.Make().String(),
		IncidentKey: inc.Key,
		PlanVersion: inc.PlanVersion,
		Outcomes:    make([]incident.ActionOutcome, len(actions)),
	}

	octx, cancel := context.WithTimeout(ctx, d.opts.OverallTimeout)
	defer cancel()

	done := make(map[string]chan struct{}, len(actions))
	for _, a := range actions {
		done[a.ID] = make(chan struct{})
	}

	var mu sync.Mutex
	results := make(map[string]incident.Result, len(actions))
	var recordErrs []error

	predecessor := func(id string) (incident.Result, bool) {
		if ch, ok := done[id]; ok {
			select {
			case <-ch:
			case <-octx.Done():
				return incident.ResultTimedOut, false
			}
			mu.Lock()
			defer mu.Unlock()
			return results[id], true
		}
		// finished in an earlier pass of the same plan version
		o, ok := inc.Outcome(id)
		if !ok {
			return incident.ResultPending, true
		}
		return o.Result, true
	}

	var g errgroup.Group
	for i, a := range actions {
		g.Go(func() error {
			defer close(done[a.ID])
			astart := d.opts.Now()

			var o incident.ActionOutcome
			if a.After != "" {
				res, finished := predecessor(a.After)
				switch {
				case !finished:
					o = d.outcome(a, incident.ResultTimedOut, 0, "", "", fmt.Errorf("overall timeout waiting for %q", a.After))
				case res != incident.ResultSucceeded && res != incident.ResultSubmitted:
					o = d.outcome(a, incident.ResultSkipped, 0, fmt.Sprintf("predecessor %q %s", a.After, res), "", nil)
				}
			}
			if o.Result == "" {
				o = d.execute(octx, L, inc, a)
			}

			mu.Lock()
			results[a.ID] = o.Result
			rep.Outcomes[i] = o
			mu.Unlock()

			if d.opts.Hooks.OnAction != nil {
				d.opts.Hooks.OnAction(a.Kind, o.Result, d.opts.Now().Sub(astart))
			}

			rctx, rcancel := context.WithTimeout(context.WithoutCancel(ctx), RecordTimeout)
			defer rcancel()
			latest, closed, err := d.recorder.RecordActionOutcome(rctx, inc.Key, inc.PlanVersion, o)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if errors.Is(err, incident.ErrAlreadyResolved) {
					L.Info(ctx, "outcome for superseded plan dropped", "action_id", a.ID)
					return nil
				}
				recordErrs = append(recordErrs, fmt.Errorf("record %s: %w", a.ID, err))
				return nil
			}
			if closed {
				rep.Closed = true
			}
			if rep.Incident == nil || latest.Version > rep.Incident.Version {
				rep.Incident = latest
			}
			return nil
		})
	}
	_ = g.Wait()

	rep.Duration = d.opts.Now().Sub(start)
	if d.opts.Hooks.OnDispatch != nil {
		d.opts.Hooks.OnDispatch(rep.Duration, rep.Closed)
	}

	L.Info(ctx, "dispatch complete",
		"dispatch_id", rep.ID,
		"actions", len(actions),
		"succeeded", rep.Count(incident.ResultSucceeded),
		"failed", rep.Count(incident.ResultFailed),
		"timed_out", rep.Count(incident.ResultTimedOut),
		"skipped", rep.Count(incident.ResultSkipped),
		"closed", rep.Closed,
	)

	err := errors.Join(recordErrs...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return rep, err
}

func (d *Dispatcher) execute(ctx context.Context, L log.Logger, inc *incident.Incident, a incident.Action) incident.ActionOutcome {
	ctx, span := tracer.Start(ctx, "dispatch.action", trace.WithAttributes(
		attribute.String("warden.action.id", a.ID),
		attribute.String("warden.action.type", string(a.Kind)),
		attribute.String("warden.action.target", a.Target),
	))
	defer span.End()

	start := d.opts.Now()
	exec, err := d.registry.Resolve(a)
	if err != nil {
		L.Warn(ctx, "action has no executor", "action_id", a.ID, "target", a.Target)
		return d.outcome(a, incident.ResultFailed, 0, "", "", err)
	}

	req := &Request{Incident: inc, Action: a}
	var o incident.ActionOutcome
	switch a.Kind {
	case incident.KindReport:
		o = d.submitReport(ctx, L, exec, req)
	case incident.KindNotify:
		o = d.once(ctx, exec, req)
	case incident.KindTicket:
		req.IdempotencyKey = TicketToken(inc.Key, inc.PlanVersion, a.ID)
		o = d.retried(ctx, exec, req)
	default:
		o = d.retried(ctx, exec, req)
	}

	if o.Error != "" {
		span.SetStatus(codes.Error, o.Error)
		L.Warn(ctx, "action did not succeed",
			"action_id", a.ID,
			"type", a.Kind,
			"target", a.Target,
			"result", o.Result,
			"attempts", o.Attempts,
			"error", o.Error,
			"duration", d.opts.Now().Sub(start),
		)
	}
	span.SetAttributes(attribute.String("warden.action.result", string(o.Result)))
	return o
}

func (d *Dispatcher) once(ctx context.Context, exec Executor, req *Request) incident.ActionOutcome {
	req.Attempt = 1
	actx, cancel := context.WithTimeout(ctx, d.opts.ActionTimeout)
	defer cancel()
	res, err := exec.Execute(actx, req)
	return d.classify(req.Action, 1, res, err)
}

func (d *Dispatcher) retried(ctx context.Context, exec Executor, req *Request) incident.ActionOutcome {
	var res *Result
	attempts, err := d.opts.RemediateRetry.DoIf(ctx, func(err error) bool {
		return !errors.Is(err, ErrAlreadyExists) && !errors.Is(err, ErrUnknownTarget)
	}, func(ctx context.Context, attempt int) error {
		req.Attempt = attempt
		actx, cancel := context.WithTimeout(ctx, d.opts.ActionTimeout)
		defer cancel()
		var err error
		res, err = exec.Execute(actx, req)
		return err
	})
	return d.classify(req.Action, attempts, res, err)
}

// submitReport hands the action to the executor in the background and
// records it as SUBMITTED. Failures are logged, never retried.
func (d *Dispatcher) submitReport(ctx context.Context, L log.Logger, exec Executor, req *Request) incident.ActionOutcome {
	bctx := context.WithoutCancel(ctx)
	timeout := d.opts.ActionTimeout
	d.bg.Add(1)
	go func() {
		defer d.bg.Done()
		rctx, cancel := context.WithTimeout(bctx, timeout)
		defer cancel()
		req.Attempt = 1
		if _, err := exec.Execute(rctx, req); err != nil {
			if d.opts.Hooks.OnReportFailed != nil {
				d.opts.Hooks.OnReportFailed()
			}
			L.Error(rctx, err, "report submission failed", "action_id", req.Action.ID, "target", req.Action.Target)
		}
	}()
	return d.outcome(req.Action, incident.ResultSubmitted, 1, "submitted", "", nil)
}

// Wait blocks until background report submissions finish.
func (d *Dispatcher) Wait() { d.bg.Wait() }

func (d *Dispatcher) classify(a incident.Action, attempts int, res *Result, err error) incident.ActionOutcome {
	var detail, ref string
	if res != nil {
		detail, ref = res.Detail, res.ExternalRef
	}
	switch {
	case err == nil:
		return d.outcome(a, incident.ResultSucceeded, attempts, detail, ref, nil)
	case errors.Is(err, ErrAlreadyExists):
		if detail == "" {
			detail = "already exists"
		}
		return d.outcome(a, incident.ResultSucceeded, attempts, detail+" (deduplicated)", ref, nil)
	case errors.Is(err, context.DeadlineExceeded):
		return d.outcome(a, incident.ResultTimedOut, attempts, detail, ref, err)
	default:
		return d.outcome(a, incident.ResultFailed, attempts, detail, ref, err)
	}
}

func (d *Dispatcher) outcome(a incident.Action, r incident.Result, attempts int, detail, ref string, err error) incident.ActionOutcome {
	o := incident.ActionOutcome{
		ActionID:    a.ID,
		ActionType:  a.Kind,
		Result:      r,
		Attempts:    attempts,
		Detail:      detail,
		ExternalRef: ref,
		Timestamp:   d.opts.Now(),
	}
	if err != nil {
		o.Error = err.Error()
	}
	return o
}
