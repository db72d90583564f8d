package postgres

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
)

var queryObserver atomic.Pointer[observerBox]

type (
	operationKey struct{}
	statsKey     struct{}
	queryKey     struct{}
)

type observerBox struct{ QueryObserver }

// query is what TraceQueryStart hands to TraceQueryEnd.
type query struct {
	sql    string
	args   int
	start  time.Time
	caller string
	origin string
	op     string
}

// Stats totals the ledger queries issued during one sync run.
type Stats struct {
	mu       sync.Mutex
	queries  int
	total    time.Duration
	failures int
}

// QueryObserver receives per-query metrics.
type QueryObserver interface {
	ObserveQuery(ctx context.Context, operation, outcome string, dur time.Duration)
}

// QueryObserverFunc adapts a plain function to QueryObserver.
type QueryObserverFunc func(ctx context.Context, operation, outcome string, dur time.Duration)

// ObserveQuery implements QueryObserver.
func (f QueryObserverFunc) ObserveQuery(ctx context.Context, operation, outcome string, dur time.Duration) {
	f(ctx, operation, outcome, dur)
}

// AddQuery records one finished query.
func (s *Stats) AddQuery(dur time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries++
	s.total += dur
	if err != nil {
		s.failures++
	}
}

// Snapshot returns the totals so far.
func (s *Stats) Snapshot() (queries int, total time.Duration, failures int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries, s.total, s.failures
}

// SetQueryObserver installs the process-wide observer; nil removes it.
func SetQueryObserver(o QueryObserver) {
	if o == nil {
		queryObserver.Store(nil)
		return
	}
	queryObserver.Store(&observerBox{QueryObserver: o})
}

// WithOperation labels queries issued under ctx, e.g. "ledger.append".
func WithOperation(ctx context.Context, op string) context.Context {
	if op == "" {
		return ctx
	}
	return context.WithValue(ctx, operationKey{}, op)
}

// NewStatsContext attaches an empty Stats to ctx. Every query traced under
// the returned context is counted on it.
func NewStatsContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, statsKey{}, &Stats{})
}

// StatsFromContext returns the Stats attached by NewStatsContext.
func StatsFromContext(ctx context.Context) (*Stats, bool) {
	s, ok := ctx.Value(statsKey{}).(*Stats)
	return s, ok
}

func observer() QueryObserver {
	if b := queryObserver.Load(); b != nil {
		return b.QueryObserver
	}
	return nil
}

func operationFromContext(ctx context.Context) string {
	op, _ := ctx.Value(operationKey{}).(string)
	return op
}

// loggingTracer logs every query and feeds Stats and the observer, after
// delegating to an inner tracer such as otelpgx.
type loggingTracer struct {
	inner pgx.QueryTracer
}

func wrapQueryTracer(inner pgx.QueryTracer) pgx.QueryTracer {
	return loggingTracer{inner: inner}
}

func (t loggingTracer) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	q := &query{
		sql:   data.SQL,
		args:  len(data.Args),
		start: time.Now(),
		op:    operationFromContext(ctx),
	}
	if q.op == "" {
		q.op = "unknown"
	}
	q.caller, q.origin = callSite()

	if t.inner != nil {
		ctx = t.inner.TraceQueryStart(ctx, conn, data)
	}

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.SetAttributes(attribute.String("leadsync.db.operation", q.op))
		if q.caller != "" {
			span.SetAttributes(attribute.String("db.caller", q.caller))
		}
		if q.origin != "" {
			span.SetAttributes(attribute.String("db.origin", q.origin))
		}
	}

	return context.WithValue(ctx, queryKey{}, q)
}

func (t loggingTracer) TraceQueryEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryEndData) {
	if t.inner != nil {
		t.inner.TraceQueryEnd(ctx, conn, data)
	}

	q, ok := ctx.Value(queryKey{}).(*query)
	if !ok {
		return
	}
	dur := time.Since(q.start)

	if s, ok := StatsFromContext(ctx); ok {
		s.AddQuery(dur, data.Err)
	}
	if obs := observer(); obs != nil {
		outcome := "ok"
		if data.Err != nil {
			outcome = "error"
		}
		obs.ObserveQuery(ctx, q.op, outcome, dur)
	}

	L := log.FromContext(ctx)
	fields := q.fields(dur, data.CommandTag)
	if data.Err == nil {
		L.Info(ctx, "db query", fields...)
		return
	}

	var pgErr *pgconn.PgError
	if errors.As(data.Err, &pgErr) {
		fields = append(fields, "db.error_code", pgErr.Code, "db.error_constraint", pgErr.ConstraintName)
	}
	L.Error(ctx, data.Err, "db query failed", fields...)
}

func (q *query) fields(dur time.Duration, tag pgconn.CommandTag) []any {
	fields := []any{
		"db.statement", q.sql,
		"db.args", q.args,
		"db.duration", dur.Seconds(),
		"db.operation", q.op,
	}
	if s := strings.TrimSpace(tag.String()); s != "" {
		fields = append(fields, "pg.command_tag", s, "db.rows", tag.RowsAffected())
	}
	if q.caller != "" {
		fields = append(fields, "db.caller", q.caller)
	}
	if q.origin != "" {
		fields = append(fields, "db.origin", q.origin)
	}
	return fields
}

// callSite finds the first application frame above pgx (the store method
// issuing the query) and the frame that called it.
func callSite() (caller, origin string) {
	pcs := make([]uintptr, 32)
	frames := runtime.CallersFrames(pcs[:runtime.Callers(3, pcs)])

	for {
		fr, more := frames.Next()
		fn := fr.Function
		skip := strings.HasPrefix(fn, "runtime.") ||
			strings.Contains(fn, "github.com/jackc/pgx/v5") ||
			strings.Contains(fn, "github.com/exaring/otelpgx") ||
			strings.Contains(fn, "leadsync/internal/postgres.")
		if !skip && fn != "" {
			if caller == "" {
				caller = shortenFuncName(fn)
			} else {
				return caller, shortenFuncName(fn)
			}
		}
		if !more {
			return caller, origin
		}
	}
}

// shortenFuncName drops the import path and package name, keeping receiver and method.
func shortenFuncName(fn string) string {
	if i := strings.LastIndex(fn, "/"); i >= 0 && i+1 < len(fn) {
		fn = fn[i+1:]
	}
	if dot := strings.Index(fn, "."); dot >= 0 && dot+1 < len(fn) {
		fn = fn[dot+1:]
	}
	return fn
}
