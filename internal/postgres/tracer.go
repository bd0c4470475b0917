// Package postgres builds the pgx connection pool used by the incident store
// and traces every query with spans, structured logs and a latency observer.
package postgres

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
)

type ctxKey string

const (
	ctxKeySQL    ctxKey = "pgx.sql"
	ctxKeyStart  ctxKey = "pgx.start"
	ctxKeyCaller ctxKey = "db.caller"
	ctxKeyOrigin ctxKey = "db.origin"
)

type statsKey struct{}

// slowQuery is the duration above which successful queries log at info;
// faster ones are not logged.
const slowQuery = 250 * time.Millisecond

// QueryStats accumulates query statistics for one unit of work, such as an
// API request or a consumed event.
type QueryStats struct {
	mu            sync.Mutex
	QueryCount    int
	TotalDuration time.Duration
	ErrorCount    int
}

// AddQuery records a single query execution.
func (s *QueryStats) AddQuery(dur time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.QueryCount++
	s.TotalDuration += dur
	if err != nil {
		s.ErrorCount++
	}
}

// Snapshot returns the counters under the lock.
func (s *QueryStats) Snapshot() (count int, total time.Duration, errs int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.QueryCount, s.TotalDuration, s.ErrorCount
}

// NewStatsContext returns ctx with an empty QueryStats attached.
func NewStatsContext(ctx context.Context) (context.Context, *QueryStats) {
	s := &QueryStats{}
	return context.WithValue(ctx, statsKey{}, s), s
}

// StatsFromContext returns the QueryStats attached to ctx, if any.
func StatsFromContext(ctx context.Context) (*QueryStats, bool) {
	s, ok := ctx.Value(statsKey{}).(*QueryStats)
	return s, ok
}

// WithOrigin labels queries issued under ctx with the component that caused
// them, e.g. "ingest" or "api".
func WithOrigin(ctx context.Context, origin string) context.Context {
	if origin == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKeyOrigin, origin)
}

func originFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyOrigin).(string); ok {
		return v
	}
	if rc := chi.RouteContext(ctx); rc != nil && rc.RoutePattern() != "" {
		return "api " + rc.RoutePattern()
	}
	return "unknown"
}

// QueryObserver receives per-query latency (wired by main for Prometheus).
type QueryObserver interface {
	ObserveQuery(ctx context.Context, origin, operation, outcome string, dur time.Duration)
}

// QueryObserverFunc adapts a plain function to QueryObserver.
type QueryObserverFunc func(ctx context.Context, origin, operation, outcome string, dur time.Duration)

// ObserveQuery implements QueryObserver.
func (f QueryObserverFunc) ObserveQuery(ctx context.Context, origin, operation, outcome string, dur time.Duration) {
	f(ctx, origin, operation, outcome, dur)
}

// loggingTracer wraps another pgx.QueryTracer (otelpgx) and adds stats,
// latency observation and a log line for slow or failed queries.
type loggingTracer struct {
	inner    pgx.QueryTracer
	logger   log.Logger
	observer QueryObserver
}

func newTracer(inner pgx.QueryTracer, logger log.Logger, observer QueryObserver) *loggingTracer {
	if logger == nil {
		logger = log.Nop()
	}
	return &loggingTracer{inner: inner, logger: logger, observer: observer}
}

func (t *loggingTracer) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	start := time.Now()
	caller := findDBCaller()

	if t.inner != nil {
		ctx = t.inner.TraceQueryStart(ctx, conn, data)
	}

	ctx = context.WithValue(ctx, ctxKeySQL, data.SQL)
	ctx = context.WithValue(ctx, ctxKeyStart, start)
	if caller != "" {
		ctx = context.WithValue(ctx, ctxKeyCaller, caller)
		if span := trace.SpanFromContext(ctx); span.IsRecording() {
			span.SetAttributes(attribute.String("db.caller", caller))
		}
	}
	return ctx
}

func (t *loggingTracer) TraceQueryEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryEndData) {
	if t.inner != nil {
		t.inner.TraceQueryEnd(ctx, conn, data)
	}

	sql, _ := ctx.Value(ctxKeySQL).(string)
	start, _ := ctx.Value(ctxKeyStart).(time.Time)
	caller, _ := ctx.Value(ctxKeyCaller).(string)

	var dur time.Duration
	if !start.IsZero() {
		dur = time.Since(start)
	}

	if s, ok := StatsFromContext(ctx); ok {
		s.AddQuery(dur, data.Err)
	}

	op := operation(data.CommandTag, sql)
	if t.observer != nil && dur > 0 {
		outcome := "ok"
		if data.Err != nil {
			outcome = "error"
		}
		t.observer.ObserveQuery(ctx, originFromContext(ctx), op, outcome, dur)
	}

	if data.Err == nil && dur < slowQuery {
		return
	}

	fields := []any{
		"db.statement", sql,
		"db.duration", dur.Seconds(),
		"db.operation.name", op,
		"db.origin", originFromContext(ctx),
	}
	if rows := data.CommandTag.RowsAffected(); rows >= 0 && data.Err == nil {
		fields = append(fields, "db.rows", rows)
	}
	if caller != "" {
		fields = append(fields, "db.caller", caller)
	}

	if data.Err != nil {
		var pgErr *pgconn.PgError
		if errors.As(data.Err, &pgErr) {
			fields = append(fields,
				"db.error_code", pgErr.Code,
				"db.error_constraint", pgErr.ConstraintName,
			)
		}
		t.logger.Error(ctx, data.Err, "db query failed", fields...)
		return
	}
	t.logger.Info(ctx, "slow db query", fields...)
}

// operation derives the statement verb from the command tag, or from the SQL
// text when the query failed before producing one.
func operation(tag pgconn.CommandTag, sql string) string {
	s := strings.TrimSpace(tag.String())
	if s == "" {
		s = strings.TrimSpace(sql)
	}
	if f := strings.Fields(s); len(f) > 0 {
		return strings.ToUpper(f[0])
	}
	return "UNKNOWN"
}

// findDBCaller walks the stack to the first application frame issuing the
// query.
func findDBCaller() string {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	for {
		fr, more := frames.Next()
		fn := fr.Function
		if fn != "" &&
			!strings.HasPrefix(fn, "runtime.") &&
			!strings.Contains(fn, "github.com/jackc/pgx/v5") &&
			!strings.Contains(fn, "github.com/exaring/otelpgx") &&
			!strings.Contains(fn, "loggingTracer.TraceQuery") {
			return shortenFuncName(fn)
		}
		if !more {
			return ""
		}
	}
}

func shortenFuncName(fn string) string {
	// Trim package path.
	if i := strings.LastIndex(fn, "/"); i >= 0 && i+1 < len(fn) {
		fn = fn[i+1:]
	}
	// Trim package name, keep receiver + method.
	if dot := strings.Index(fn, "."); dot >= 0 && dot+1 < len(fn) {
		fn = fn[dot+1:]
	}
	return fn
}
