// Package alertapi serves the warden HTTP API: alarm ingest, incident
// queries and rule reload.
package alertapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/warden/internal/alarm"
	"github.com/linnemanlabs/warden/internal/authmw"
	"github.com/linnemanlabs/warden/internal/incident"
	"github.com/linnemanlabs/warden/internal/rules"
	"github.com/linnemanlabs/warden/internal/triage"
)

// Engine defines the Decision Engine operations alertapi needs.
type Engine interface {
	Handle(ctx context.Context, ev *alarm.Event) (*triage.HandleResult, error)
	Get(ctx context.Context, key string) (*incident.Incident, error)
	List(ctx context.Context, f incident.Filter) ([]*incident.Incident, error)
}

// RuleStore is the rule set the API reports on and reloads.
type RuleStore interface {
	Snapshot() *rules.Snapshot
	Reload(ctx context.Context) (*rules.Snapshot, error)
}

// Principal names used with authmw.Tokens.
const (
	PrincipalIngest   = "ingest"
	PrincipalOperator = "operator"
)

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	engine Engine
	rules  RuleStore
	tokens authmw.Tokens
}

// New creates a new API handler. With no tokens the API is unauthenticated.
func New(logger log.Logger, engine Engine, ruleStore RuleStore, tokens authmw.Tokens) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if engine == nil {
		panic(xerrors.New("decision engine is required"))
	}
	return &API{
		logger: logger,
		engine: engine,
		rules:  ruleStore,
		tokens: tokens,
	}
}

// RegisterRoutes attaches API endpoints to the router. Ingest accepts the
// ingest or operator token; incident reads and rule reload need operator.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		if len(a.tokens) > 0 {
			r.Use(authmw.BearerToken(a.tokens))
		}
		r.With(a.require(PrincipalIngest, PrincipalOperator)).Post("/alarms", a.handleIngestAlarm)

		r.Group(func(r chi.Router) {
			r.Use(a.require(PrincipalOperator))
			r.Get("/incidents", a.handleListIncidents)
			r.Get("/incidents/{key}", a.handleGetIncident)
			r.Get("/rules", a.handleGetRules)
			r.Post("/rules/reload", a.handleReloadRules)
		})
	})
}

func (a *API) require(names ...string) func(http.Handler) http.Handler {
	if len(a.tokens) == 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return authmw.Require(names...)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
