// Package storetest is a conformance suite for incident.Store backends.
package storetest

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/warden/internal/incident"
)

// Run exercises the conditional-write contract of the store returned by
// open. Keys are unique per run so backends may share state across runs.
func Run(t *testing.T, open func(t *testing.T) incident.Store) {
	t.Helper()

	t.Run("SeriesCreateAndCAS", func(t *testing.T) { testSeries(t, open(t)) })
	t.Run("IncidentCreateAndCAS", func(t *testing.T) { testIncident(t, open(t)) })
	t.Run("ConcurrentCAS", func(t *testing.T) { testConcurrentCAS(t, open(t)) })
	t.Run("List", func(t *testing.T) { testList(t, open(t)) })
}

func unique(prefix string) string {
	return prefix + "-" + ulid.Make().String()
}

func testSeries(t *testing.T, s incident.Store) {
	ctx := context.Background()
	id := unique("series")

	if _, err := s.GetSeries(ctx, id); !errors.Is(err, incident.ErrNotFound) {
		t.Fatalf("GetSeries absent: err = %v, want ErrNotFound", err)
	}

	v1, err := s.PutSeries(ctx, &incident.Series{SeriesID: id, ResourceID: "i-0abc", MetricName: "CPUUtilization", Epoch: 1, OpenKey: "k.1"}, 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.PutSeries(ctx, &incident.Series{SeriesID: id}, 0); !errors.Is(err, incident.ErrConflict) {
		t.Errorf("duplicate create: err = %v, want ErrConflict", err)
	}
	if _, err := s.PutSeries(ctx, &incident.Series{SeriesID: id}, v1+5); !errors.Is(err, incident.ErrConflict) {
		t.Errorf("stale update: err = %v, want ErrConflict", err)
	}

	v2, err := s.PutSeries(ctx, &incident.Series{SeriesID: id, ResourceID: "i-0abc", MetricName: "CPUUtilization", Epoch: 2}, v1)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if v2 == v1 {
		t.Errorf("version did not advance: %d", v2)
	}
	got, err := s.GetSeries(ctx, id)
	if err != nil {
		t.Fatalf("GetSeries: %v", err)
	}
	if got.Epoch != 2 || got.OpenKey != "" || got.Version != v2 || got.ResourceID != "i-0abc" {
		t.Errorf("series = %+v, want epoch 2, empty open key, version %d", got, v2)
	}
}

func sample(key string, opened time.Time) *incident.Incident {
	return &incident.Incident{
		Key:        key,
		SeriesID:   "series",
		Epoch:      1,
		ResourceID: "i-0abc",
		MetricName: "CPUUtilization",
		Namespace:  "AWS/EC2",
		Status:     incident.StatusOpen,
		Phase:      incident.PhaseNew,
		PhaseSince: opened,
		OpenedAt:   opened,
		EventHistory: []incident.EventRef{
			{EventID: "e1", Value: 95, Timestamp: opened, ReceivedAt: opened},
		},
	}
}

func testIncident(t *testing.T, s incident.Store) {
	ctx := context.Background()
	key := unique("inc")
	opened := time.Now().UTC().Truncate(time.Millisecond)

	if _, err := s.GetIncident(ctx, key); !errors.Is(err, incident.ErrNotFound) {
		t.Fatalf("GetIncident absent: err = %v, want ErrNotFound", err)
	}

	inc := sample(key, opened)
	v1, err := s.PutIncident(ctx, inc, 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.PutIncident(ctx, inc, 0); !errors.Is(err, incident.ErrConflict) {
		t.Errorf("duplicate create: err = %v, want ErrConflict", err)
	}

	next := inc.Clone()
	next.Phase = incident.PhaseDispatching
	next.PlanVersion = 1
	next.MatchedRule = "HighCPU"
	next.Plan = incident.Plan{Actions: []incident.Action{
		{ID: "notify-0", Kind: incident.KindNotify, Target: "slack", Params: map[string]string{"severity": "critical"}},
	}}
	next.ActionOutcomes = []incident.ActionOutcome{{ActionID: "notify-0", ActionType: incident.KindNotify, Result: incident.ResultPending, Timestamp: opened}}
	v2, err := s.PutIncident(ctx, next, v1)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := s.PutIncident(ctx, next, v1); !errors.Is(err, incident.ErrConflict) {
		t.Errorf("stale update: err = %v, want ErrConflict", err)
	}

	got, err := s.GetIncident(ctx, key)
	if err != nil {
		t.Fatalf("GetIncident: %v", err)
	}
	if got.Version != v2 {
		t.Errorf("version = %d, want %d", got.Version, v2)
	}
	if got.Phase != incident.PhaseDispatching || got.MatchedRule != "HighCPU" || got.PlanVersion != 1 {
		t.Errorf("incident = %+v", got)
	}
	if len(got.Plan.Actions) != 1 || got.Plan.Actions[0].Params["severity"] != "critical" {
		t.Errorf("plan = %+v", got.Plan)
	}
	if len(got.EventHistory) != 1 || !got.EventHistory[0].Timestamp.Equal(opened) {
		t.Errorf("history = %+v", got.EventHistory)
	}
	if !got.OpenedAt.Equal(opened) {
		t.Errorf("opened_at = %s, want %s", got.OpenedAt, opened)
	}
}

func testConcurrentCAS(t *testing.T, s incident.Store) {
	ctx := context.Background()
	key := unique("race")
	v, err := s.PutIncident(ctx, sample(key, time.Now().UTC()), 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	const writers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, conflicts := 0, 0
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inc := sample(key, time.Now().UTC())
			inc.Epoch = int64(i)
			_, err := s.PutIncident(ctx, inc, v)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, incident.ErrConflict):
				conflicts++
			default:
				t.Errorf("PutIncident: %v", err)
			}
		}()
	}
	wg.Wait()
	if wins != 1 || conflicts != writers-1 {
		t.Errorf("wins = %d conflicts = %d, want 1/%d", wins, conflicts, writers-1)
	}
}

func testList(t *testing.T, s incident.Store) {
	ctx := context.Background()
	// a private time window keeps other runs' records out of the result
	base := time.Date(2090, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(rand.Int64N(1_000_000)) * time.Hour)

	keys := make([]string, 4)
	for i := range keys {
		keys[i] = unique("list")
		inc := sample(keys[i], base.Add(time.Duration(i)*time.Minute))
		if i == 1 {
			inc.Status = incident.StatusResolved
			closed := inc.OpenedAt.Add(time.Second)
			inc.ClosedAt = &closed
		}
		if _, err := s.PutIncident(ctx, inc, 0); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}

	window := incident.Filter{Since: base, Until: base.Add(time.Hour)}
	all, err := s.ListIncidents(ctx, window)
	if err != nil {
		t.Fatalf("ListIncidents: %v", err)
	}
	if len(all) != 4 || all[0].Key != keys[3] || all[3].Key != keys[0] {
		t.Fatalf("list order = %v", listKeys(all))
	}

	open := window
	open.Status = incident.StatusOpen
	got, err := s.ListIncidents(ctx, open)
	if err != nil {
		t.Fatalf("ListIncidents open: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("open = %v, want 3 incidents", listKeys(got))
	}

	ranged := incident.Filter{Since: base.Add(time.Minute), Until: base.Add(3 * time.Minute)}
	got, err = s.ListIncidents(ctx, ranged)
	if err != nil {
		t.Fatalf("ListIncidents range: %v", err)
	}
	if len(got) != 2 || got[0].Key != keys[2] || got[1].Key != keys[1] {
		t.Errorf("range = %v, want [%s %s]", listKeys(got), keys[2], keys[1])
	}

	limited := window
	limited.Limit = 2
	got, err = s.ListIncidents(ctx, limited)
	if err != nil {
		t.Fatalf("ListIncidents limit: %v", err)
	}
	if len(got) != 2 || got[0].Key != keys[3] {
		t.Errorf("limit = %v", listKeys(got))
	}
}

func listKeys(incs []*incident.Incident) []string {
	out := make([]string, len(incs))
	for i, inc := range incs {
		out[i] = inc.Key
	}
	return out
}
