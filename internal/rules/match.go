package rules

import (
	"sort"
	"time"

	"github.com/linnemanlabs/warden/internal/alarm"
)

// MatchKind classifies a match result.
type MatchKind int

const (
	NoMatch MatchKind = iota
	SingleMatch
	AmbiguousMatch
	// PendingMatch means no rule is satisfied yet but at least one rule's
	// threshold is breached and its sustained window is still filling.
	PendingMatch
)

func (k MatchKind) String() string {
	switch k {
	case NoMatch:
		return "no_match"
	case SingleMatch:
		return "single"
	case AmbiguousMatch:
		return "ambiguous"
	case PendingMatch:
		return "pending"
	default:
		return "unknown"
	}
}

// Datapoint is one observed value of the event's series.
type Datapoint struct {
	Value     float64
	Timestamp time.Time
}

// MatchResult is the outcome of evaluating one event against a rule set.
// Matched holds satisfied rules in rule-set order; Pending holds rules
// whose window is not yet satisfied.
type MatchResult struct {
	Kind    MatchKind
	Matched []Rule
	Pending []Rule
}

// Rule returns the single matched rule. It is only meaningful for SingleMatch.
func (m MatchResult) Rule() Rule {
	if len(m.Matched) == 0 {
		return Rule{}
	}
	return m.Matched[0]
}

// Match evaluates ev against every rule independently and collects all
// matches. history is the series' observed datapoints in any order and
// should include ev itself; it is only consulted for windowed triggers.
func Match(rules []Rule, ev *alarm.Event, history []Datapoint) MatchResult {
	var res MatchResult
	var points []Datapoint
	for _, r := range rules {
		t := r.Trigger
		if t.Metric != ev.MetricName || t.Namespace != ev.Namespace {
			continue
		}
		if !t.Operator.Compare(ev.Value, t.Threshold) {
			continue
		}
		if !t.Windowed() {
			res.Matched = append(res.Matched, r)
			continue
		}
		if points == nil {
			points = ordered(history, ev)
		}
		switch windowState(t, points) {
		case windowSatisfied:
			res.Matched = append(res.Matched, r)
		case windowFilling:
			res.Pending = append(res.Pending, r)
		}
	}

	switch {
	case len(res.Matched) == 1:
		res.Kind = SingleMatch
	case len(res.Matched) > 1:
		res.Kind = AmbiguousMatch
	case len(res.Pending) > 0:
		res.Kind = PendingMatch
	default:
		res.Kind = NoMatch
	}
	return res
}

// ordered returns a timestamp-sorted copy of history that contains ev.
func ordered(history []Datapoint, ev *alarm.Event) []Datapoint {
	out := make([]Datapoint, 0, len(history)+1)
	found := false
	for _, p := range history {
		if p.Timestamp.Equal(ev.Timestamp) && p.Value == ev.Value {
			found = true
		}
		out = append(out, p)
	}
	if !found {
		out = append(out, Datapoint{Value: ev.Value, Timestamp: ev.Timestamp})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

type window int

const (
	windowUnmet window = iota
	windowFilling
	windowSatisfied
)

// windowState checks the trailing run of breaching datapoints. periods
// requires the newest N datapoints to breach; sustained requires the run to
// span at least that duration. Both apply when both are set.
func windowState(t Trigger, points []Datapoint) window {
	if len(points) == 0 {
		return windowUnmet
	}
	run := 0
	for i := len(points) - 1; i >= 0; i-- {
		if !t.Operator.Compare(points[i].Value, t.Threshold) {
			break
		}
		run++
	}
	if run == 0 {
		return windowUnmet
	}

	if t.Periods > 1 && run < t.Periods {
		return windowFilling
	}
	if t.Sustained > 0 {
		newest := points[len(points)-1].Timestamp
		oldest := points[len(points)-run].Timestamp
		if newest.Sub(oldest) < t.Sustained {
			return windowFilling
		}
	}
	return windowSatisfied
}
