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

// QueryObserver receives one sample per finished query.
type QueryObserver interface {
	ObserveQuery(ctx context.Context, q QuerySample)
}

// QueryObserverFunc adapts a plain function to QueryObserver.
type QueryObserverFunc func(ctx context.Context, q QuerySample)

// ObserveQuery implements QueryObserver.
func (f QueryObserverFunc) ObserveQuery(ctx context.Context, q QuerySample) { f(ctx, q) }

// QuerySample is the label set and timing of a finished query.
type QuerySample struct {
	Method    string // HTTP method of the originating request, or "background"
	Route     string // chi route pattern, or "none"
	Operation string // first word of the command tag, e.g. SELECT
	Outcome   string // ok | error
	Duration  time.Duration
}

// TracerOptions configures the query tracer.
type TracerOptions struct {
	// Observer, when set, is called for every query.
	Observer QueryObserver
	// SlowQuery suppresses the per-query log line for successful queries
	// faster than this. Zero logs every query.
	SlowQuery time.Duration
	// LogArgs includes bind arguments in log lines. Arguments carry
	// patient and accession identifiers, so this stays off outside dev.
	LogArgs bool
}

// QueryTracer wraps another pgx.QueryTracer (otelpgx) and adds a
// structured log line, request stats and an observer callback per query.
type QueryTracer struct {
	inner pgx.QueryTracer
	opts  TracerOptions
}

// NewQueryTracer returns a tracer that delegates span handling to inner.
func NewQueryTracer(inner pgx.QueryTracer, opts TracerOptions) *QueryTracer {
	return &QueryTracer{inner: inner, opts: opts}
}

type queryStateKey struct{}

type queryState struct {
	sql     string
	args    []any
	start   time.Time
	caller  string
	handler string
}

// TraceQueryStart implements pgx.QueryTracer.
func (t *QueryTracer) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	st := &queryState{sql: data.SQL, args: data.Args, start: time.Now()}
	st.caller, st.handler = queryOrigin()

	if t.inner != nil {
		ctx = t.inner.TraceQueryStart(ctx, conn, data)
	}

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		if st.caller != "" {
			span.SetAttributes(attribute.String("db.caller", st.caller))
		}
		if st.handler != "" {
			span.SetAttributes(attribute.String("db.handler", st.handler))
		}
	}
	return context.WithValue(ctx, queryStateKey{}, st)
}

// TraceQueryEnd implements pgx.QueryTracer.
func (t *QueryTracer) TraceQueryEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryEndData) {
	if t.inner != nil {
		t.inner.TraceQueryEnd(ctx, conn, data)
	}

	st, _ := ctx.Value(queryStateKey{}).(*queryState)
	if st == nil {
		st = &queryState{}
	}
	var dur time.Duration
	if !st.start.IsZero() {
		dur = time.Since(st.start)
	}

	if s, ok := ReqDBStatsFromContext(ctx); ok {
		s.AddQuery(dur, data.Err)
	}

	op := operationName(data.CommandTag)
	if t.opts.Observer != nil {
		t.opts.Observer.ObserveQuery(ctx, QuerySample{
			Method:    httpMethodFromContext(ctx),
			Route:     routePatternFromContext(ctx),
			Operation: op,
			Outcome:   outcome(data.Err),
			Duration:  dur,
		})
	}

	if data.Err == nil && t.opts.SlowQuery > 0 && dur < t.opts.SlowQuery {
		return
	}
	t.logQuery(ctx, st, op, dur, data)
}

func (t *QueryTracer) logQuery(ctx context.Context, st *queryState, op string, dur time.Duration, data pgx.TraceQueryEndData) {
	fields := []any{
		"db.statement", compactSQL(st.sql),
		"db.duration", dur.Seconds(),
	}
	if t.opts.LogArgs {
		fields = append(fields, "db.args", st.args)
	} else {
		fields = append(fields, "db.arg_count", len(st.args))
	}
	if op != "" {
		fields = append(fields, "db.operation.name", op, "db.rows", data.CommandTag.RowsAffected())
	}
	if st.caller != "" {
		fields = append(fields, "db.caller", st.caller)
	}
	if st.handler != "" {
		fields = append(fields, "db.handler", st.handler)
	}

	L := log.FromContext(ctx)
	if data.Err != nil {
		var pgErr *pgconn.PgError
		if errors.As(data.Err, &pgErr) {
			fields = append(fields, "db.error_code", pgErr.Code, "db.error_constraint", pgErr.ConstraintName)
		}
		L.Error(ctx, data.Err, "db query failed", fields...)
		return
	}
	L.Info(ctx, "db query", fields...)
}

// ReqDBStats accumulates database statistics for one HTTP request.
type ReqDBStats struct {
	mu            sync.Mutex
	QueryCount    int
	TotalDuration time.Duration
	ErrorCount    int
}

// AddQuery records a single query execution.
func (s *ReqDBStats) AddQuery(dur time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.QueryCount++
	s.TotalDuration += dur
	if err != nil {
		s.ErrorCount++
	}
}

// Snapshot returns the counters under lock.
func (s *ReqDBStats) Snapshot() (queries int, total time.Duration, errs int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.QueryCount, s.TotalDuration, s.ErrorCount
}

type dbStatsKey struct{}

// NewReqDBStatsContext returns a context carrying an empty ReqDBStats.
func NewReqDBStatsContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, dbStatsKey{}, &ReqDBStats{})
}

// ReqDBStatsFromContext extracts the ReqDBStats from the context, if present.
func ReqDBStatsFromContext(ctx context.Context) (*ReqDBStats, bool) {
	s, ok := ctx.Value(dbStatsKey{}).(*ReqDBStats)
	return s, ok
}

type httpMethodKey struct{}

// WithHTTPMethod stores the HTTP method in the context for query labelling.
func WithHTTPMethod(ctx context.Context, method string) context.Context {
	if method == "" {
		return ctx
	}
	return context.WithValue(ctx, httpMethodKey{}, method)
}

// Queries issued by the async analysis worker carry no request method.
func httpMethodFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(httpMethodKey{}).(string); ok {
		return v
	}
	return "background"
}

func routePatternFromContext(ctx context.Context) string {
	if rc := chi.RouteContext(ctx); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return "none"
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func operationName(tag pgconn.CommandTag) string {
	if f := strings.Fields(tag.String()); len(f) > 0 {
		return strings.ToUpper(f[0])
	}
	return ""
}

// compactSQL folds the multi-line statements in pgstore onto one line.
func compactSQL(sql string) string {
	return strings.Join(strings.Fields(sql), " ")
}

// queryOrigin walks the stack for the store method that issued the query
// (caller) and the first frame outside the store package (handler), which
// is usually the triage service or an API handler.
func queryOrigin() (caller, handler string) {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	callerPkg := ""
	for {
		fr, more := frames.Next()
		fn := fr.Function
		switch {
		case fn == "":
		case strings.HasPrefix(fn, "runtime."),
			strings.Contains(fn, "github.com/jackc/pgx/"),
			strings.Contains(fn, "github.com/exaring/otelpgx"),
			strings.Contains(fn, "/internal/postgres."):
		case caller == "":
			caller = shortenFuncName(fn)
			callerPkg = packagePath(fn)
		case packagePath(fn) != callerPkg:
			return caller, shortenFuncName(fn)
		}
		if !more {
			return caller, handler
		}
	}
}

// packagePath returns the import path portion of a fully qualified function name.
func packagePath(fn string) string {
	slash := strings.LastIndex(fn, "/")
	if dot := strings.Index(fn[slash+1:], "."); dot >= 0 {
		return fn[:slash+1+dot]
	}
	return fn
}

func shortenFuncName(fn string) string {
	if i := strings.LastIndex(fn, "/"); i >= 0 && i+1 < len(fn) {
		fn = fn[i+1:]
	}
	if dot := strings.Index(fn, "."); dot >= 0 && dot+1 < len(fn) {
		fn = fn[dot+1:]
	}
	return fn
}
