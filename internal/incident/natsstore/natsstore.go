// Package natsstore provides an incident.Store on NATS JetStream key-value
// buckets. The KV revision of an entry is its version.
package natsstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/linnemanlabs/warden/internal/incident"
)

// Store keeps series heads and incidents in two KV buckets.
type Store struct {
	series    nats.KeyValue
	incidents nats.KeyValue
}

// New opens, or creates, the series and incident buckets.
func New(js nats.JetStreamContext, seriesBucket, incidentBucket string) (*Store, error) {
	series, err := openBucket(js, seriesBucket)
	if err != nil {
		return nil, err
	}
	incidents, err := openBucket(js, incidentBucket)
	if err != nil {
		return nil, err
	}
	return &Store{series: series, incidents: incidents}, nil
}

func openBucket(js nats.JetStreamContext, bucket string) (nats.KeyValue, error) {
	kv, err := js.KeyValue(bucket)
	if err == nil {
		return kv, nil
	}
	if !errors.Is(err, nats.ErrBucketNotFound) {
		return nil, fmt.Errorf("open bucket %q: %w", bucket, err)
	}
	kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
		Bucket:  bucket,
		History: 1,
		Storage: nats.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("create bucket %q: %w", bucket, err)
	}
	return kv, nil
}

// GetSeries returns the series head for seriesID.
func (s *Store) GetSeries(_ context.Context, seriesID string) (*incident.Series, error) {
	var h incident.Series
	rev, err := get(s.series, seriesID, &h)
	if err != nil {
		return nil, err
	}
	h.Version = int64(rev)
	return &h, nil
}

// PutSeries creates (expected 0) or conditionally updates a series head.
func (s *Store) PutSeries(_ context.Context, h *incident.Series, expected int64) (int64, error) {
	return put(s.series, h.SeriesID, h, expected)
}

// GetIncident returns the incident stored under key.
func (s *Store) GetIncident(_ context.Context, key string) (*incident.Incident, error) {
	var inc incident.Incident
	rev, err := get(s.incidents, key, &inc)
	if err != nil {
		return nil, err
	}
	inc.Version = int64(rev)
	return &inc, nil
}

// PutIncident creates (expected 0) or conditionally updates an incident.
func (s *Store) PutIncident(_ context.Context, inc *incident.Incident, expected int64) (int64, error) {
	return put(s.incidents, inc.Key, inc, expected)
}

// ListIncidents scans the bucket and returns matching incidents, newest
// first. It reads every key and suits modest incident volumes; use pgstore
// for long histories.
func (s *Store) ListIncidents(ctx context.Context, f incident.Filter) ([]*incident.Incident, error) {
	keys, err := s.incidents.Keys(nats.Context(ctx))
	if err != nil && !errors.Is(err, nats.ErrNoKeysFound) {
		return nil, fmt.Errorf("list incident keys: %w", err)
	}

	out := make([]*incident.Incident, 0)
	for _, key := range keys {
		inc, err := s.GetIncident(ctx, key)
		if errors.Is(err, incident.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if f.Matches(inc) {
			out = append(out, inc)
		}
	}

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

func get(kv nats.KeyValue, key string, v any) (uint64, error) {
	entry, err := kv.Get(key)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return 0, incident.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("get %s: %w", key, err)
	}
	if err := json.Unmarshal(entry.Value(), v); err != nil {
		return 0, fmt.Errorf("decode %s: %w", key, err)
	}
	return entry.Revision(), nil
}

func put(kv nats.KeyValue, key string, v any, expected int64) (int64, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("encode %s: %w", key, err)
	}
	var rev uint64
	if expected == 0 {
		rev, err = kv.Create(key, body)
	} else {
		rev, err = kv.Update(key, body, uint64(expected))
	}
	if err != nil {
		if isConflict(err) {
			return 0, incident.ErrConflict
		}
		return 0, fmt.Errorf("write %s: %w", key, err)
	}
	return int64(rev), nil
}

func isConflict(err error) bool {
	return errors.Is(err, nats.ErrKeyExists) || strings.Contains(strings.ToLower(err.Error()), "wrong last sequence")
}
