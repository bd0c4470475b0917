package alertapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/alarm"
	"github.com/linnemanlabs/warden/internal/authmw"
	"github.com/linnemanlabs/warden/internal/incident"
	"github.com/linnemanlabs/warden/internal/rules"
	"github.com/linnemanlabs/warden/internal/triage"
)

type fakeEngine struct {
	mu        sync.Mutex
	handleErr error
	handled   []*alarm.Event
	incidents map[string]*incident.Incident
	lastList  incident.Filter
}

func (f *fakeEngine) Handle(_ context.Context, ev *alarm.Event) (*triage.HandleResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handleErr != nil {
		return nil, f.handleErr
	}
	f.handled = append(f.handled, ev)
	return &triage.HandleResult{Outcome: triage.OutcomeDispatched, IncidentKey: "inc-1", Created: true}, nil
}

func (f *fakeEngine) Get(_ context.Context, key string) (*incident.Incident, error) {
	inc, ok := f.incidents[key]
	if !ok {
		return nil, incident.ErrNotFound
	}
	return inc, nil
}

func (f *fakeEngine) List(_ context.Context, flt incident.Filter) ([]*incident.Incident, error) {
	f.mu.Lock()
	f.lastList = flt
	f.mu.Unlock()
	var out []*incident.Incident
	for _, inc := range f.incidents {
		if flt.Matches(inc) {
			out = append(out, inc)
		}
	}
	return out, nil
}

type memSource struct {
	mu  sync.Mutex
	doc string
}

func (s *memSource) Load(context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return []byte(s.doc), nil
}

func (s *memSource) String() string { return "memory" }

func (s *memSource) set(doc string) {
	s.mu.Lock()
	s.doc = doc
	s.mu.Unlock()
}

const ruleDoc = `
rules:
  - name: HighCPU
    trigger:
      metric: CPUUtilization
      namespace: AWS/EC2
      operator: ">"
      threshold: 90
    actions:
      - type: notify
        target: slack
`

const alarmBody = `{"event_id":"e1","metric_name":"CPUUtilization","namespace":"AWS/EC2","resource_id":"i-1",` +
	`"account_id":"111111111111","region":"us-east-1","state":"ALARM","value":97,"timestamp":"2026-01-02T03:04:05Z"}`

func newTestRouter(t *testing.T, tokens authmw.Tokens) (chi.Router, *fakeEngine, *memSource) {
	t.Helper()
	opened := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	eng := &fakeEngine{incidents: map[string]*incident.Incident{
		"inc-1": {Key: "inc-1", Status: incident.StatusOpen, OpenedAt: opened},
		"inc-2": {Key: "inc-2", Status: incident.StatusResolved, OpenedAt: opened.Add(-time.Hour)},
	}}
	src := &memSource{doc: ruleDoc}
	store := rules.NewStore(src, nil, nil)
	if err := store.Load(context.Background()); err != nil {
		t.Fatalf("load rules: %v", err)
	}
	r := chi.NewRouter()
	New(nil, eng, store, tokens).RegisterRoutes(r)
	return r, eng, src
}

func do(r http.Handler, method, path, body, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestNew_NilLogger(t *testing.T) {
	t.Parallel()

	api := New(nil, &fakeEngine{}, nil, nil)
	if api.logger == nil {
		t.Fatal("New left logger nil; expected Nop logger")
	}
	_ = New(log.Nop(), &fakeEngine{}, nil, nil)
}

func TestNew_NilEngine_Panics(t *testing.T) {
	t.Parallel()

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("New with nil engine did not panic")
		}
	}()
	New(nil, nil, nil, nil)
}

func TestIngestAlarm(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		body       string
		handleErr  error
		wantStatus int
	}{
		{"accepted", alarmBody, nil, http.StatusAccepted},
		{"invalid json", `{bad`, nil, http.StatusBadRequest},
		{"missing field", `{"event_id":"e1","state":"ALARM"}`, nil, http.StatusBadRequest},
		{"persistence failure", alarmBody, &incident.PersistenceError{Op: "put", Err: errors.New("down")}, http.StatusServiceUnavailable},
		{"unexpected failure", alarmBody, errors.New("boom"), http.StatusInternalServerError},
		{"too large", `{"pad":"` + strings.Repeat("x", maxAlarmBody) + `"}`, nil, http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			r, eng, _ := newTestRouter(t, nil)
			eng.handleErr = tt.handleErr

			rec := do(r, http.MethodPost, "/api/v1/alarms", tt.body, "")
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantStatus != http.StatusAccepted {
				return
			}
			var res triage.HandleResult
			if err := json.NewDecoder(rec.Body).Decode(&res); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if res.Outcome != triage.OutcomeDispatched || res.IncidentKey != "inc-1" {
				t.Errorf("result = %+v", res)
			}
			if len(eng.handled) != 1 || eng.handled[0].EventID != "e1" {
				t.Errorf("handled = %+v", eng.handled)
			}
		})
	}
}

func TestIngestAlarm_MethodNotAllowed(t *testing.T) {
	t.Parallel()

	r, _, _ := newTestRouter(t, nil)
	for _, m := range []string{http.MethodGet, http.MethodPut, http.MethodDelete} {
		if rec := do(r, m, "/api/v1/alarms", "", ""); rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s = %d, want 405", m, rec.Code)
		}
	}
}

func TestGetIncident(t *testing.T) {
	t.Parallel()

	r, _, _ := newTestRouter(t, nil)

	rec := do(r, http.MethodGet, "/api/v1/incidents/inc-1", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var inc incident.Incident
	if err := json.NewDecoder(rec.Body).Decode(&inc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if inc.Key != "inc-1" || inc.Status != incident.StatusOpen {
		t.Errorf("incident = %+v", inc)
	}

	if rec := do(r, http.MethodGet, "/api/v1/incidents/nope", "", ""); rec.Code != http.StatusNotFound {
		t.Errorf("missing status = %d, want 404", rec.Code)
	}
}

func TestListIncidents(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		query      string
		wantStatus int
		wantCount  int
	}{
		{"all", "", http.StatusOK, 2},
		{"by status", "?status=RESOLVED", http.StatusOK, 1},
		{"by range", "?since=2026-01-02T00:00:00Z&until=2026-01-03T00:00:00Z", http.StatusOK, 2},
		{"range excludes", "?since=2026-01-02T03:00:00Z", http.StatusOK, 1},
		{"bad status", "?status=CLOSED", http.StatusBadRequest, 0},
		{"bad since", "?since=yesterday", http.StatusBadRequest, 0},
		{"inverted range", "?since=2026-01-03T00:00:00Z&until=2026-01-02T00:00:00Z", http.StatusBadRequest, 0},
		{"bad limit", "?limit=0", http.StatusBadRequest, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			r, _, _ := newTestRouter(t, nil)
			rec := do(r, http.MethodGet, "/api/v1/incidents"+tt.query, "", "")
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			var body struct {
				Count int `json:"count"`
			}
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Count != tt.wantCount {
				t.Errorf("count = %d, want %d", body.Count, tt.wantCount)
			}
		})
	}
}

func TestListIncidents_LimitCapped(t *testing.T) {
	t.Parallel()

	r, eng, _ := newTestRouter(t, nil)
	if rec := do(r, http.MethodGet, "/api/v1/incidents?limit=50000", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if eng.lastList.Limit != maxListLimit {
		t.Errorf("limit = %d, want %d", eng.lastList.Limit, maxListLimit)
	}
}

func TestRulesReload(t *testing.T) {
	t.Parallel()

	r, _, src := newTestRouter(t, nil)

	rec := do(r, http.MethodGet, "/api/v1/rules", "", "")
	var before ruleSetView
	if err := json.NewDecoder(rec.Body).Decode(&before); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(before.Rules) != 1 || before.Rules[0] != "HighCPU" {
		t.Fatalf("rules = %+v", before)
	}

	src.set("rules: [")
	rec = do(r, http.MethodPost, "/api/v1/rules/reload", "", "")
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("invalid reload status = %d, want 422", rec.Code)
	}
	var rejected struct {
		Problems []string    `json:"problems"`
		Current  ruleSetView `json:"current"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&rejected); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(rejected.Problems) == 0 || rejected.Current.Version != before.Version {
		t.Errorf("rejected = %+v, want problems and previous version %s", rejected, before.Version)
	}

	src.set(strings.Replace(ruleDoc, "HighCPU", "HotCPU", 1))
	rec = do(r, http.MethodPost, "/api/v1/rules/reload", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("reload status = %d, want 200", rec.Code)
	}
	var after ruleSetView
	if err := json.NewDecoder(rec.Body).Decode(&after); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if after.Version == before.Version || after.Rules[0] != "HotCPU" {
		t.Errorf("after = %+v", after)
	}
}

func TestAuth(t *testing.T) {
	t.Parallel()

	tokens := authmw.Tokens{PrincipalIngest: "in-tok", PrincipalOperator: "op-tok"}

	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		token      string
		wantStatus int
	}{
		{"ingest without token", http.MethodPost, "/api/v1/alarms", alarmBody, "", http.StatusUnauthorized},
		{"ingest with ingest token", http.MethodPost, "/api/v1/alarms", alarmBody, "in-tok", http.StatusAccepted},
		{"ingest with operator token", http.MethodPost, "/api/v1/alarms", alarmBody, "op-tok", http.StatusAccepted},
		{"read with ingest token", http.MethodGet, "/api/v1/incidents/inc-1", "", "in-tok", http.StatusForbidden},
		{"read with operator token", http.MethodGet, "/api/v1/incidents/inc-1", "", "op-tok", http.StatusOK},
		{"reload with ingest token", http.MethodPost, "/api/v1/rules/reload", "", "in-tok", http.StatusForbidden},
		{"reload with wrong token", http.MethodPost, "/api/v1/rules/reload", "", "nope", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			r, _, _ := newTestRouter(t, tokens)
			if rec := do(r, tt.method, tt.path, tt.body, tt.token); rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}
