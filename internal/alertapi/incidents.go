package alertapi

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/warden/internal/incident"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

func (a *API) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("warden.incident.key", key))

	inc, err := a.engine.Get(r.Context(), key)
	if errors.Is(err, incident.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to get incident", "incident_key", key)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	span.SetAttributes(attribute.String("warden.incident.status", string(inc.Status)))
	writeJSON(w, http.StatusOK, inc)
}

func (a *API) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	incs, err := a.engine.List(r.Context(), f)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to list incidents")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if incs == nil {
		incs = []*incident.Incident{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"incidents": incs,
		"count":     len(incs),
	})
}

func parseFilter(q url.Values) (incident.Filter, error) {
	f := incident.Filter{Limit: defaultListLimit}

	switch s := incident.Status(q.Get("status")); s {
	case "":
	case incident.StatusOpen, incident.StatusResolved, incident.StatusSuppressed:
		f.Status = s
	default:
		return f, fmt.Errorf("status %q is not one of OPEN, RESOLVED, SUPPRESSED", s)
	}

	var err error
	if f.Since, err = parseTime(q.Get("since")); err != nil {
		return f, fmt.Errorf("since: %w", err)
	}
	if f.Until, err = parseTime(q.Get("until")); err != nil {
		return f, fmt.Errorf("until: %w", err)
	}
	if !f.Since.IsZero() && !f.Until.IsZero() && !f.Since.Before(f.Until) {
		return f, errors.New("since must be before until")
	}

	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 1 {
			return f, fmt.Errorf("limit %q must be a positive integer", l)
		}
		f.Limit = min(n, maxListLimit)
	}
	return f, nil
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}
