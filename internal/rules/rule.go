// Package rules loads the declarative rule document, holds it as an
// immutable snapshot, and evaluates alarm events against it.
package rules

import (
	"fmt"
	"strings"
	"time"

	"github.com/linnemanlabs/warden/internal/incident"
)

// Operator is a threshold comparison.
type Operator string

const (
	OpGT  Operator = ">"
	OpGTE Operator = ">="
	OpLT  Operator = "<"
	OpLTE Operator = "<="
	OpEQ  Operator = "=="
	OpNE  Operator = "!="
)

// Valid reports whether o is a supported comparison.
func (o Operator) Valid() bool {
	switch o {
	case OpGT, OpGTE, OpLT, OpLTE, OpEQ, OpNE:
		return true
	}
	return false
}

// Compare applies the operator as "value <op> threshold".
func (o Operator) Compare(value, threshold float64) bool {
	switch o {
	case OpGT:
		return value > threshold
	case OpGTE:
		return value >= threshold
	case OpLT:
		return value < threshold
	case OpLTE:
		return value <= threshold
	case OpEQ:
		return value == threshold
	case OpNE:
		return value != threshold
	default:
		return false
	}
}

// Trigger is the predicate half of a rule.
type Trigger struct {
	Metric    string        `yaml:"metric" json:"metric"`
	Namespace string        `yaml:"namespace" json:"namespace"`
	Operator  Operator      `yaml:"operator" json:"operator"`
	Threshold float64       `yaml:"threshold" json:"threshold"`
	Sustained time.Duration `yaml:"sustained,omitempty" json:"sustained,omitempty"`
	Periods   int           `yaml:"periods,omitempty" json:"periods,omitempty"`
}

// Windowed reports whether the trigger needs history beyond the current event.
func (t Trigger) Windowed() bool { return t.Sustained > 0 || t.Periods > 1 }

// ActionSpec is one typed action of a rule.
type ActionSpec struct {
	ID     string              `yaml:"id,omitempty" json:"id,omitempty"`
	Type   incident.ActionKind `yaml:"type" json:"type"`
	Target string              `yaml:"target" json:"target"`
	Params map[string]string   `yaml:"params,omitempty" json:"params,omitempty"`
	After  string              `yaml:"after,omitempty" json:"after,omitempty"`
}

// Rule binds a trigger to an ordered list of actions.
type Rule struct {
	Name        string       `yaml:"name" json:"name"`
	Description string       `yaml:"description,omitempty" json:"description,omitempty"`
	Trigger     Trigger      `yaml:"trigger" json:"trigger"`
	Actions     []ActionSpec `yaml:"actions" json:"actions"`
}

// Plan builds the action plan for this rule. Params may reference
// ${resource_id}, ${metric_name}, ${namespace}, ${account_id}, ${region},
// ${value} and ${incident_key}; vars supplies their values.
func (r Rule) Plan(vars map[string]string) incident.Plan {
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "${"+k+"}", v)
	}
	rep := strings.NewReplacer(pairs...)

	p := incident.Plan{Actions: make([]incident.Action, 0, len(r.Actions))}
	for i, a := range r.Actions {
		act := incident.Action{
			ID:     a.ID,
			Kind:   a.Type,
			Target: rep.Replace(a.Target),
			After:  a.After,
		}
		if act.ID == "" {
			act.ID = fmt.Sprintf("%s-%d", a.Type, i)
		}
		if len(a.Params) > 0 {
			act.Params = make(map[string]string, len(a.Params))
			for k, v := range a.Params {
				act.Params[k] = rep.Replace(v)
			}
		}
		p.Actions = append(p.Actions, act)
	}
	return p
}
