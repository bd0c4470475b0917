package incident

import "context"

// Store is the persistence interface for incidents and series heads.
//
// Every write is conditional: expected is the Version the caller read, or 0
// to create a record that must not exist yet. A mismatch returns ErrConflict.
// Successful writes return the new version. Reads of absent keys return
// ErrNotFound.
type Store interface {
	GetSeries(ctx context.Context, seriesID string) (*Series, error)
	PutSeries(ctx context.Context, s *Series, expected int64) (int64, error)
	GetIncident(ctx context.Context, key string) (*Incident, error)
	PutIncident(ctx context.Context, inc *Incident, expected int64) (int64, error)
	ListIncidents(ctx context.Context, f Filter) ([]*Incident, error)
}
