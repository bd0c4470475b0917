package httpticket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/linnemanlabs/warden/internal/dispatch"
	"github.com/linnemanlabs/warden/internal/incident"
	"github.com/linnemanlabs/warden/internal/retry"
)

func request(token string) *dispatch.Request {
	return &dispatch.Request{
		Incident:       &incident.Incident{Key: "k.1", ResourceID: "orders-db", MetricName: "FreeStorageSpace", Namespace: "AWS/RDS"},
		Action:         incident.Action{ID: "ticket-0", Kind: incident.KindTicket, Target: "ticket:DBA"},
		IdempotencyKey: token,
		Attempt:        1,
	}
}

// service dedupes tickets by Idempotency-Key like a real ticketing API.
func service(t *testing.T) (*httptest.Server, *int) {
	t.Helper()
	var mu sync.Mutex
	seen := map[string]string{}
	n := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer s3cret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var tk Ticket
		if err := json.NewDecoder(r.Body).Decode(&tk); err != nil || tk.Queue != "DBA" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		defer mu.Unlock()
		key := r.Header.Get("Idempotency-Key")
		if id, ok := seen[key]; ok {
			w.WriteHeader(http.StatusConflict)
			_ = json.NewEncoder(w).Encode(map[string]string{"key": id})
			return
		}
		n++
		seen[key] = "DBA-42"
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"key": "DBA-42", "url": "https://tickets.example/DBA-42"})
	}))
	t.Cleanup(srv.Close)
	return srv, &n
}

func TestExecute_Idempotent(t *testing.T) {
	t.Parallel()

	srv, created := service(t)
	c := New(srv.URL, "s3cret", "NOC")

	res, err := c.Execute(context.Background(), request("tok-1"))
	if err != nil {
		t.Fatalf("first Execute: %v", err)
	}
	if res.ExternalRef != "DBA-42" {
		t.Errorf("ExternalRef = %q", res.ExternalRef)
	}

	res, err = c.Execute(context.Background(), request("tok-1"))
	if !errors.Is(err, dispatch.ErrAlreadyExists) {
		t.Fatalf("second Execute err = %v, want ErrAlreadyExists", err)
	}
	if res.ExternalRef != "DBA-42" {
		t.Errorf("duplicate ExternalRef = %q", res.ExternalRef)
	}
	if *created != 1 {
		t.Errorf("tickets created = %d, want 1", *created)
	}
}

func TestExecute_StatusClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		status    int
		permanent bool
	}{
		{"bad request", http.StatusBadRequest, true},
		{"unauthorized", http.StatusUnauthorized, true},
		{"rate limited", http.StatusTooManyRequests, false},
		{"server error", http.StatusBadGateway, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			_, err := New(srv.URL, "", "").Execute(context.Background(), request("tok"))
			if err == nil {
				t.Fatal("expected error")
			}
			if retry.IsPermanent(err) != tt.permanent {
				t.Errorf("permanent = %v, want %v", retry.IsPermanent(err), tt.permanent)
			}
		})
	}
}

func TestExecute_RequiresToken(t *testing.T) {
	t.Parallel()

	_, err := New("http://127.0.0.1:1", "", "").Execute(context.Background(), request(""))
	if !retry.IsPermanent(err) {
		t.Errorf("err = %v, want permanent", err)
	}
}
