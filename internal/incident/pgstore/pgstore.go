// Package pgstore provides a PostgreSQL implementation of incident.Store.
// Conditional writes compare the version column.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/warden/internal/incident"
)

var tracer = otel.Tracer("github.com/linnemanlabs/warden/internal/incident/pgstore")

//go:embed schema.sql
var schema string

// Store persists incidents and series heads in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema on pool and returns a ready Store. The Store takes
// ownership of the pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close shuts down the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func fail(span trace.Span, err error) error {
	if err != nil && !errors.Is(err, incident.ErrNotFound) && !errors.Is(err, incident.ErrConflict) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// GetSeries returns the series head for seriesID.
func (s *Store) GetSeries(ctx context.Context, seriesID string) (*incident.Series, error) {
	ctx, span := startSpan(ctx, "pgstore.GetSeries", "SELECT")
	defer span.End()

	var h incident.Series
	err := s.pool.QueryRow(ctx,
		`SELECT series_id, resource_id, metric_name, epoch, open_key, version
		 FROM incident_series WHERE series_id = $1`, seriesID,
	).Scan(&h.SeriesID, &h.ResourceID, &h.MetricName, &h.Epoch, &h.OpenKey, &h.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, incident.ErrNotFound
	}
	if err != nil {
		return nil, fail(span, fmt.Errorf("select series: %w", err))
	}
	return &h, nil
}

// PutSeries creates (expected 0) or conditionally updates a series head.
func (s *Store) PutSeries(ctx context.Context, h *incident.Series, expected int64) (int64, error) {
	op := "UPDATE"
	if expected == 0 {
		op = "INSERT"
	}
	ctx, span := startSpan(ctx, "pgstore.PutSeries", op)
	defer span.End()

	var tag pgconn.CommandTag
	var err error
	if expected == 0 {
		tag, err = s.pool.Exec(ctx,
			`INSERT INTO incident_series (series_id, resource_id, metric_name, epoch, open_key, version)
			 VALUES ($1, $2, $3, $4, $5, 1)
			 ON CONFLICT (series_id) DO NOTHING`,
			h.SeriesID, h.ResourceID, h.MetricName, h.Epoch, h.OpenKey)
	} else {
		tag, err = s.pool.Exec(ctx,
			`UPDATE incident_series
			 SET resource_id = $2, metric_name = $3, epoch = $4, open_key = $5, version = version + 1
			 WHERE series_id = $1 AND version = $6`,
			h.SeriesID, h.ResourceID, h.MetricName, h.Epoch, h.OpenKey, expected)
	}
	if err != nil {
		return 0, fail(span, fmt.Errorf("write series: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return 0, incident.ErrConflict
	}
	return expected + 1, nil
}

// GetIncident returns the incident stored under key.
func (s *Store) GetIncident(ctx context.Context, key string) (*incident.Incident, error) {
	ctx, span := startSpan(ctx, "pgstore.GetIncident", "SELECT")
	defer span.End()

	inc, err := scanIncident(s.pool.QueryRow(ctx,
		`SELECT record, version FROM incidents WHERE incident_key = $1`, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, incident.ErrNotFound
	}
	if err != nil {
		return nil, fail(span, err)
	}
	return inc, nil
}

// PutIncident creates (expected 0) or conditionally updates an incident.
func (s *Store) PutIncident(ctx context.Context, inc *incident.Incident, expected int64) (int64, error) {
	op := "UPDATE"
	if expected == 0 {
		op = "INSERT"
	}
	ctx, span := startSpan(ctx, "pgstore.PutIncident", op)
	defer span.End()
	span.SetAttributes(attribute.String("warden.incident.key", inc.Key))

	next := expected + 1
	rec := *inc
	rec.Version = next
	record, err := json.Marshal(&rec)
	if err != nil {
		return 0, fail(span, fmt.Errorf("marshal incident: %w", err))
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	var tag pgconn.CommandTag
	if expected == 0 {
		tag, err = tx.Exec(ctx,
			`INSERT INTO incidents (incident_key, series_id, status, phase, resource_id, metric_name, opened_at, closed_at, record, version)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1)
			 ON CONFLICT (incident_key) DO NOTHING`,
			inc.Key, inc.SeriesID, string(inc.Status), string(inc.Phase), inc.ResourceID, inc.MetricName,
			inc.OpenedAt, inc.ClosedAt, record)
	} else {
		tag, err = tx.Exec(ctx,
			`UPDATE incidents
			 SET status = $2, phase = $3, closed_at = $4, record = $5, version = version + 1
			 WHERE incident_key = $1 AND version = $6`,
			inc.Key, string(inc.Status), string(inc.Phase), inc.ClosedAt, record, expected)
	}
	if err != nil {
		return 0, fail(span, fmt.Errorf("write incident: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return 0, incident.ErrConflict
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fail(span, fmt.Errorf("commit: %w", err))
	}
	return next, nil
}

// ListIncidents returns incidents matching f, newest first.
func (s *Store) ListIncidents(ctx context.Context, f incident.Filter) ([]*incident.Incident, error) {
	ctx, span := startSpan(ctx, "pgstore.ListIncidents", "SELECT")
	defer span.End()

	var since, until *time.Time
	if !f.Since.IsZero() {
		since = &f.Since
	}
	if !f.Until.IsZero() {
		until = &f.Until
	}
	var limit *int
	if f.Limit > 0 {
		limit = &f.Limit
	}

	rows, err := s.pool.Query(ctx,
		`SELECT record, version FROM incidents
		 WHERE ($1::text = '' OR status = $1)
		   AND ($2::timestamptz IS NULL OR opened_at >= $2)
		   AND ($3::timestamptz IS NULL OR opened_at < $3)
		 ORDER BY opened_at DESC, incident_key DESC
		 LIMIT $4`,
		string(f.Status), since, until, limit)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query incidents: %w", err))
	}
	defer rows.Close()

	out := make([]*incident.Incident, 0)
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, fail(span, err)
		}
		out = append(out, inc)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate incidents: %w", err))
	}
	return out, nil
}

func scanIncident(row pgx.Row) (*incident.Incident, error) {
	var (
		record  []byte
		version int64
	)
	if err := row.Scan(&record, &version); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan incident: %w", err)
	}
	var inc incident.Incident
	if err := json.Unmarshal(record, &inc); err != nil {
		return nil, fmt.Errorf("unmarshal incident: %w", err)
	}
	inc.Version = version
	return &inc, nil
}
