package rules

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/linnemanlabs/warden/internal/incident"
)

// ValidationError lists every problem found in a rule document.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 1 {
		return "invalid rule document: " + e.Problems[0]
	}
	return fmt.Sprintf("invalid rule document (%d problems): %s", len(e.Problems), strings.Join(e.Problems, "; "))
}

// document is the on-disk shape.
type document struct {
	Rules []rawRule `yaml:"rules"`
}

type rawRule struct {
	Name        string       `yaml:"name"`
	Description string       `yaml:"description"`
	Trigger     rawTrigger   `yaml:"trigger"`
	Actions     []ActionSpec `yaml:"actions"`
}

type rawTrigger struct {
	Metric    string   `yaml:"metric"`
	Namespace string   `yaml:"namespace"`
	Operator  Operator `yaml:"operator"`
	Threshold *float64 `yaml:"threshold"`
	Sustained string   `yaml:"sustained"`
	Periods   int      `yaml:"periods"`
}

// Parse decodes and validates a rule document. Validation is eager and
// all-or-nothing: any problem rejects the whole document.
func Parse(data []byte) (*Snapshot, error) {
	var doc document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, &ValidationError{Problems: []string{fmt.Sprintf("yaml: %v", err)}}
	}

	var problems []string
	addf := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	rules := make([]Rule, 0, len(doc.Rules))
	seen := make(map[string]int, len(doc.Rules))
	for i, rr := range doc.Rules {
		where := fmt.Sprintf("rules[%d]", i)
		name := strings.TrimSpace(rr.Name)
		if name == "" {
			addf("%s: name is required", where)
		} else {
			where = fmt.Sprintf("rule %q", name)
			if first, dup := seen[name]; dup {
				addf("%s: duplicate name (first defined at rules[%d])", where, first)
			} else {
				seen[name] = i
			}
		}

		t := rr.Trigger
		trig := Trigger{
			Metric:    strings.TrimSpace(t.Metric),
			Namespace: strings.TrimSpace(t.Namespace),
			Operator:  t.Operator,
			Periods:   t.Periods,
		}
		if trig.Metric == "" {
			addf("%s: trigger.metric is required", where)
		}
		if trig.Namespace == "" {
			addf("%s: trigger.namespace is required", where)
		}
		if !trig.Operator.Valid() {
			addf("%s: trigger.operator %q is not one of > >= < <= == !=", where, t.Operator)
		}
		if t.Threshold == nil {
			addf("%s: trigger.threshold is required", where)
		} else {
			trig.Threshold = *t.Threshold
		}
		if t.Sustained != "" {
			d, err := time.ParseDuration(t.Sustained)
			switch {
			case err != nil:
				addf("%s: trigger.sustained: %v", where, err)
			case d < 0:
				addf("%s: trigger.sustained must not be negative", where)
			default:
				trig.Sustained = d
			}
		}
		if t.Periods < 0 {
			addf("%s: trigger.periods must not be negative", where)
		}

		if len(rr.Actions) == 0 {
			addf("%s: at least one action is required", where)
		}
		plan := incident.Plan{Actions: make([]incident.Action, 0, len(rr.Actions))}
		for j, a := range rr.Actions {
			if strings.TrimSpace(a.Target) == "" {
				addf("%s: actions[%d].target is required", where, j)
			}
			plan.Actions = append(plan.Actions, incident.Action{ID: a.ID, Kind: a.Type, Target: a.Target, After: a.After})
		}
		if err := plan.Normalize(); err != nil {
			addf("%s: %v", where, err)
		}

		rules = append(rules, Rule{
			Name:        name,
			Description: rr.Description,
			Trigger:     trig,
			Actions:     rr.Actions,
		})
	}

	if len(problems) > 0 {
		return nil, &ValidationError{Problems: problems}
	}

	sum := sha256.Sum256(data)
	return newSnapshot(rules, hex.EncodeToString(sum[:8])), nil
}
