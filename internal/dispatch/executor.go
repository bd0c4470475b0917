// Package dispatch executes resolved action plans against external targets
// and records each action's outcome on the incident.
package dispatch

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/warden/internal/incident"
)

var (
	// ErrUnknownTarget is returned when no executor serves an action's target.
	ErrUnknownTarget = xerrors.New("dispatch: no executor for target")
	// ErrAlreadyExists is returned by idempotent executors for a token they
	// have already processed. The dispatcher records it as success.
	ErrAlreadyExists = xerrors.New("dispatch: already exists")
)

// Request is one action execution.
type Request struct {
	Incident *incident.Incident
	Action   incident.Action
	// IdempotencyKey is stable across retries and re-dispatch of the same
	// plan version.
	IdempotencyKey string
	Attempt        int
}

// Target returns the part of the action target after the scheme, e.g.
// "AWS-RestartEC2Instance" for "ssm:AWS-RestartEC2Instance".
func (r *Request) Target() string {
	_, rest := splitTarget(r.Action.Target)
	return rest
}

// Result carries executor-specific details for the outcome record.
type Result struct {
	Detail      string
	ExternalRef string
}

// Executor performs actions for one target scheme.
type Executor interface {
	// Scheme is the target prefix this executor serves, e.g. "ssm" or "slack".
	Scheme() string
	// Kinds lists the action types the executor accepts.
	Kinds() []incident.ActionKind
	Execute(ctx context.Context, req *Request) (*Result, error)
}

// Registry maps (action kind, target scheme) to executors.
type Registry struct {
	executors map[incident.ActionKind]map[string]Executor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[incident.ActionKind]map[string]Executor)}
}

// Register adds an executor for each kind it accepts. A later registration
// for the same (kind, scheme) replaces the earlier one.
func (r *Registry) Register(e Executor) {
	for _, k := range e.Kinds() {
		m, ok := r.executors[k]
		if !ok {
			m = make(map[string]Executor)
			r.executors[k] = m
		}
		m[e.Scheme()] = e
	}
}

// Resolve finds the executor for an action.
func (r *Registry) Resolve(a incident.Action) (Executor, error) {
	scheme, _ := splitTarget(a.Target)
	if e, ok := r.executors[a.Kind][scheme]; ok {
		return e, nil
	}
	return nil, fmt.Errorf("%w: %s %q", ErrUnknownTarget, a.Kind, a.Target)
}

// Supports reports whether Resolve would succeed for a.
func (r *Registry) Supports(a incident.Action) bool {
	_, err := r.Resolve(a)
	return err == nil
}

// Catalog lists the registered target schemes per kind, sorted, for
// presentation to the oracle.
func (r *Registry) Catalog() map[incident.ActionKind][]string {
	out := make(map[incident.ActionKind][]string, len(r.executors))
	for k, m := range r.executors {
		schemes := make([]string, 0, len(m))
		for s := range m {
			schemes = append(schemes, s)
		}
		sort.Strings(schemes)
		out[k] = schemes
	}
	return out
}

// splitTarget splits "scheme:rest". A target without a colon is a bare
// scheme such as "slack" or "ticket".
func splitTarget(target string) (scheme, rest string) {
	scheme, rest, ok := strings.Cut(target, ":")
	if !ok {
		return target, ""
	}
	return scheme, rest
}
