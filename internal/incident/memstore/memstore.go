// Package memstore provides an in-memory implementation of incident.Store.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/linnemanlabs/warden/internal/incident"
)

// Store holds incidents and series heads in memory. Suitable for dev/testing.
type Store struct {
	mu        sync.RWMutex
	series    map[string]*incident.Series   // series ID -> head
	incidents map[string]*incident.Incident // incident key -> record
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		series:    make(map[string]*incident.Series),
		incidents: make(map[string]*incident.Incident),
	}
}

// GetSeries returns a copy of the series head.
func (s *Store) GetSeries(_ context.Context, seriesID string) (*incident.Series, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cur, ok := s.series[seriesID]
	if !ok {
		return nil, incident.ErrNotFound
	}
	cp := *cur
	return &cp, nil
}

// PutSeries writes a copy of the head if its stored version equals expected.
func (s *Store) PutSeries(_ context.Context, h *incident.Series, expected int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.series[h.SeriesID]
	if !matches(ok, versionOf(cur), expected) {
		return 0, incident.ErrConflict
	}
	cp := *h
	cp.Version = expected + 1
	s.series[h.SeriesID] = &cp
	return cp.Version, nil
}

// GetIncident returns a copy of the incident.
func (s *Store) GetIncident(_ context.Context, key string) (*incident.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cur, ok := s.incidents[key]
	if !ok {
		return nil, incident.ErrNotFound
	}
	return cur.Clone(), nil
}

// PutIncident writes a copy of the incident if its stored version equals expected.
func (s *Store) PutIncident(_ context.Context, inc *incident.Incident, expected int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.incidents[inc.Key]
	var have int64
	if ok {
		have = cur.Version
	}
	if !matches(ok, have, expected) {
		return 0, incident.ErrConflict
	}
	cp := inc.Clone()
	cp.Version = expected + 1
	s.incidents[inc.Key] = cp
	return cp.Version, nil
}

// ListIncidents returns copies of matching incidents, newest first.
func (s *Store) ListIncidents(_ context.Context, f incident.Filter) ([]*incident.Incident, error) {
	s.mu.RLock()
	out := make([]*incident.Incident, 0)
	for _, inc := range s.incidents {
		if f.Matches(inc) {
			out = append(out, inc.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].Key > out[j].Key
		}
		return out[i].OpenedAt.After(out[j].OpenedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func versionOf(h *incident.Series) int64 {
	if h == nil {
		return 0
	}
	return h.Version
}

// matches implements create-if-absent (expected 0) and compare-and-set.
func matches(exists bool, have, expected int64) bool {
	if expected == 0 {
		return !exists
	}
	return exists && have == expected
}
