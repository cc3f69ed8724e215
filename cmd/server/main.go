// cxrtriage-server triages chest radiographs: it runs uploaded studies through
// the inference service and the triage engine and serves the resulting worklist.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/opshttp"
	"github.com/linnemanlabs/go-core/prof"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"

	"github.com/linnemanlabs/go-core/health"

	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/go-core/metrics"
	"github.com/linnemanlabs/go-core/otelx"
	v "github.com/linnemanlabs/go-core/version"

	otelpyroscope "github.com/grafana/otel-profiling-go"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/cxrtriage/internal/authmw"
	"github.com/linnemanlabs/cxrtriage/internal/calibration"
	xc "github.com/linnemanlabs/cxrtriage/internal/cfg"
	"github.com/linnemanlabs/cxrtriage/internal/inference"
	"github.com/linnemanlabs/cxrtriage/internal/llm"
	"github.com/linnemanlabs/cxrtriage/internal/notify/slack"
	"github.com/linnemanlabs/cxrtriage/internal/postgres"
	"github.com/linnemanlabs/cxrtriage/internal/settings"
	"github.com/linnemanlabs/cxrtriage/internal/studyapi"
	"github.com/linnemanlabs/cxrtriage/internal/triage"
	"github.com/linnemanlabs/cxrtriage/internal/triage/memstore"
	"github.com/linnemanlabs/cxrtriage/internal/triage/pgstore"
)

const appName = "cxrtriage"
const component = "server"

// multipart framing on top of the image itself
const uploadOverheadBytes = 1 << 20

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	v.AppName = appName
	v.Component = component
	vi := v.Get()

	// each package registers its own flags and options struct
	var (
		appCfg    xc.Config
		dbCfg     postgres.Config
		httpCfg   httpserver.Config
		httpmwCfg httpmw.Config
		logCfg    log.Config
		opsCfg    opshttp.Config
		profCfg   prof.Config
		traceCfg  otelx.Config
	)

	appCfg.RegisterFlags(flag.CommandLine)
	dbCfg.RegisterFlags(flag.CommandLine)
	httpCfg.RegisterFlags(flag.CommandLine)
	httpmwCfg.RegisterFlags(flag.CommandLine)
	logCfg.RegisterFlags(flag.CommandLine)
	opsCfg.RegisterFlags(flag.CommandLine)
	profCfg.RegisterFlags(flag.CommandLine)
	traceCfg.RegisterFlags(flag.CommandLine)
	var showVersion bool
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")

	// cmdline flags win over env vars
	flag.Parse()
	if showVersion {
		fmt.Printf(
			"%s (%s) %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Component, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		return nil
	}

	cfg.FillFromEnv(flag.CommandLine, "CXRTRIAGE_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := errors.Join(
		appCfg.Validate(),
		dbCfg.Validate(),
		httpCfg.Validate(),
		httpmwCfg.Validate(),
		logCfg.Validate(),
		opsCfg.Validate(),
		profCfg.Validate(),
		traceCfg.Validate(),
	); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	// cross-cutting checks that only main can validate
	if appCfg.APIPort == opsCfg.Port {
		return fmt.Errorf("http and admin ports must differ (both %d)", appCfg.APIPort)
	}

	lg, err := log.New(logCfg.ToOptions(v.AppName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = lg.Sync() }()

	L := lg.With("component", vi.Component)
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"go_version", vi.GoVersion,
		"http_port", appCfg.APIPort,
		"admin_port", opsCfg.Port,
		"inference_url", appCfg.InferenceURL,
		"settings_file", appCfg.SettingsFile,
		"calibration_file", appCfg.CalibrationFile,
		"database", appCfg.DatabaseURL != "",
		"settings_writable", appCfg.AdminToken != "",
		"max_upload_mb", appCfg.MaxUploadMB,
		"enable_pyroscope", profCfg.EnablePyroscope,
		"enable_tracing", traceCfg.EnableTracing,
		"otlp_endpoint", traceCfg.OTLPEndpoint,
		"trusted_proxy_hops", httpmwCfg.TrustedProxyHops,
	)

	// profiling first so the whole app lifetime is covered
	profOpts := profCfg.ToOptions()
	profOpts.AppName = v.AppName
	profOpts.Tags = map[string]string{
		"app":       v.AppName,
		"component": v.Component,
		"version":   vi.Version,
		"commit":    vi.Commit,
		"build_id":  vi.BuildId,
	}
	stopProf, profErr := prof.Start(ctx, profOpts)
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", profCfg.PyroServer)
	}
	if stopProf == nil {
		stopProf = func() {}
	}
	defer stopProf()

	traceOpts := traceCfg.ToOptions()
	traceOpts.Service = v.AppName
	traceOpts.Component = v.Component
	traceOpts.Version = v.Version

	shutdownOtelx, err := otelx.Init(ctx, traceOpts)
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	if shutdownOtelx == nil {
		shutdownOtelx = func(context.Context) error { return nil }
	}
	defer func() { _ = shutdownOtelx(context.Background()) }()

	// label profiles with span IDs so traces link to flame graphs
	if profErr == nil && profCfg.EnablePyroscope {
		otel.SetTracerProvider(otelpyroscope.NewTracerProvider(otel.GetTracerProvider()))
	}

	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, component, &vi)
	m.SetProfilingActive(profErr == nil && profCfg.EnablePyroscope)

	triageMetrics := triage.NewMetrics(m.Registry())

	dbQueryDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cxrtriage_db_query_duration_seconds",
		Help:    "Duration of individual database queries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "operation", "outcome"})
	m.Registry().MustRegister(dbQueryDuration)
	observer := postgres.QueryObserverFunc(func(_ context.Context, q postgres.QuerySample) {
		dbQueryDuration.WithLabelValues(q.Method, q.Route, q.Operation, q.Outcome).Observe(q.Duration.Seconds())
	})

	store, closeStore, err := openStore(ctx, L, appCfg.DatabaseURL, dbCfg, observer)
	if err != nil {
		return err
	}
	defer closeStore()

	// engine settings: file (or defaults), then provider keys from env
	initial, err := settings.Load(appCfg.SettingsFile)
	if err != nil {
		return err
	}
	initial.ApplyEnv("CXRTRIAGE_", os.LookupEnv)
	if err := initial.Validate(); err != nil {
		return fmt.Errorf("settings: %w", err)
	}
	holder := settings.NewHolder(initial, appCfg.SettingsFile, L.With("subsystem", "settings"))

	calSet, err := loadCalibration(ctx, L, appCfg.CalibrationFile)
	if err != nil {
		return err
	}

	inferenceClient, err := inference.New(appCfg.InferenceURL, appCfg.InferenceTimeout)
	if err != nil {
		return err
	}
	checkInference(ctx, L, inferenceClient)

	factory := llm.NewFactory(appCfg.LLMRatePerSecond, appCfg.LLMBurst)
	engine := triage.NewEngine(calSet, factory, L.With("subsystem", "engine"), triageMetrics.Hooks())

	svcOpts := []triage.Option{triage.WithHooks(triageMetrics.ServiceHooks())}
	if appCfg.SlackWebhookURL != "" {
		svcOpts = append(svcOpts, triage.WithNotifier(slack.New(appCfg.SlackWebhookURL, appCfg.PublicURL)))
		L.Info(ctx, "notifier enabled", "type", "slack")
	}
	svc := triage.NewService(store, engine, inferenceClient, holder, L.With("subsystem", "service"), svcOpts...)

	// fails readiness during shutdown so the load balancer drains us first
	var shutdownGate health.ShutdownGate
	readiness := health.All(
		shutdownGate.Probe(),
	)
	liveness := health.Fixed(true, "")

	opsOpts := opsCfg.ToOptions()
	opsOpts.Metrics = m.Handler()
	opsOpts.Health = liveness
	opsOpts.Readiness = readiness
	opsOpts.UseRecoverMW = true
	opsOpts.OnPanic = m.IncHttpPanic

	opsHTTPStop, err := opshttp.Start(ctx, L, opsOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		return err
	}
	defer func() {
		if err := opsHTTPStop(context.Background()); err != nil {
			L.Error(ctx, err, "failed to stop ops http listener")
		}
	}()

	r := chi.NewRouter()
	r.Use(middleware.Compress(5, "application/json"))
	r.Use(httpmw.AnnotateHTTPRoute)
	r.Use(requestDBContext)
	r.Use(httpmw.AccessLog())
	r.Use(httpmw.MaxBody(appCfg.MaxUploadBytes() + uploadOverheadBytes))

	r.Get("/-/healthy", health.HealthzHandler(liveness))
	r.Get("/-/ready", health.ReadyzHandler(readiness))

	api := studyapi.New(L.With("subsystem", "api"), svc, holder, studyapi.Options{
		MaxUploadBytes: appCfg.MaxUploadBytes(),
	})
	r.Group(func(r chi.Router) {
		r.Use(authmw.BearerToken(
			authmw.Token{Value: appCfg.APIToken, Principal: authmw.Principal{Name: "api"}},
			authmw.Token{Value: appCfg.AdminToken, Principal: authmw.Principal{Name: "admin", Admin: true}},
		))
		api.RegisterRoutes(r)
	})

	// outermost wrapper sees the raw request first and the response last
	var h http.Handler = r
	h = httpmw.WithLogger(L)(h)
	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)
	h = otelhttp.NewHandler(h, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/-/healthy" && r.URL.Path != "/-/ready"
		}),
		// AnnotateHTTPRoute renames the span to the route pattern later
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithPublicEndpointFn(func(_ *http.Request) bool { return true }),
	)
	h = m.Middleware(h)
	h = httpmw.ClientIPWithOptions(httpmw.ClientIPOptions{
		TrustedHops: httpmwCfg.TrustedProxyHops,
	})(h)
	h = httpmw.RequestID("X-Request-Id")(h)
	h = httpmw.Recover(L, nil)(h)
	h = httpmw.SecurityHeaders(h)

	apiOpts, err := httpCfg.ToOptions()
	if err != nil {
		L.Error(ctx, err, "invalid http config")
		return err
	}

	apiHTTPStop, err := httpserver.Start(ctx, fmt.Sprintf(":%d", appCfg.APIPort), h, L, apiOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start api http listener")
		return err
	}
	defer func() {
		if err := apiHTTPStop(context.Background()); err != nil {
			L.Error(ctx, err, "failed to stop api http listener")
		}
	}()

	if err := notifySystemd(); err != nil {
		// systemd kills us after its timeout if this really mattered
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	<-ctx.Done()

	L.Info(context.Background(), "shutdown signal received")

	shutdownGate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed")

	drainDuration := time.Duration(appCfg.DrainSeconds) * time.Second
	L.Info(context.Background(), "sleeping for drain period", "drain_seconds", appCfg.DrainSeconds)
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(drainDuration):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	// per-component budget sliced from the total; stopProf is synchronous
	type stopFn struct {
		name string
		fn   func(context.Context) error
	}
	stopFns := []stopFn{
		{"api http server", apiHTTPStop},
		{"background analyses", svc.Wait},
		{"ops http server", opsHTTPStop},
		{"otel", shutdownOtelx},
	}

	budget := time.Duration(appCfg.ShutdownBudgetSeconds) * time.Second
	perComponent := budget / time.Duration(len(stopFns))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	for _, s := range stopFns {
		cctx, ccancel := context.WithTimeout(shutdownCtx, perComponent)
		if err := s.fn(cctx); err != nil {
			L.Error(context.Background(), err, s.name+" shutdown")
		}
		ccancel()
	}

	L.Info(context.Background(), "shutdown complete")
	return nil
}

// openStore returns the postgres store when databaseURL is set, migrating
// the schema first, and the in-memory store otherwise.
func openStore(ctx context.Context, L log.Logger, databaseURL string, dbCfg postgres.Config, obs postgres.QueryObserver) (triage.Store, func(), error) {
	if databaseURL == "" {
		L.Info(ctx, "using in-memory store (no database-url configured)")
		return memstore.New(), func() {}, nil
	}
	if err := pgstore.Migrate(databaseURL); err != nil {
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	pool, err := postgres.NewPool(ctx, databaseURL, dbCfg, obs)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres pool: %w", err)
	}
	L.Info(ctx, "using postgres store", "max_conns", dbCfg.MaxConns)
	return pgstore.New(pool), pool.Close, nil
}

// loadCalibration reads the artifact, or returns an empty set (identity) when
// no path is configured.
func loadCalibration(ctx context.Context, L log.Logger, path string) (triage.CalibrationSet, error) {
	if path == "" {
		L.Warn(ctx, "no calibration file configured, probabilities are used uncalibrated")
		return triage.CalibrationSet{}, nil
	}
	set, sum, err := calibration.LoadFile(path)
	if err != nil {
		return triage.CalibrationSet{}, fmt.Errorf("calibration %s: %w", path, err)
	}
	L.Info(ctx, "calibration loaded", "path", path, "temperature", sum.Temperature, "isotonic_curves", sum.Curves)
	return set, nil
}

// checkInference logs the inference service state. An unreachable service is
// not fatal; studies submitted meanwhile fail individually.
func checkInference(ctx context.Context, L log.Logger, c *inference.Client) {
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	h, err := c.Health(pctx)
	if err != nil {
		L.Warn(ctx, "inference service not reachable at startup", "error", err)
		return
	}
	L.Info(ctx, "inference service reachable",
		"status", h.Status,
		"version", h.Version,
		"models_loaded", h.ModelsLoaded,
		"device", h.Device,
	)
}

// requestDBContext stashes the HTTP method for query metric labels and
// collects per-request query stats, logged once the request finishes.
func requestDBContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := postgres.WithHTTPMethod(r.Context(), r.Method)
		ctx = postgres.NewReqDBStatsContext(ctx)
		next.ServeHTTP(w, r.WithContext(ctx))

		stats, ok := postgres.ReqDBStatsFromContext(ctx)
		if !ok {
			return
		}
		if n, total, errs := stats.Snapshot(); n > 0 {
			log.FromContext(ctx).Info(ctx, "request db stats",
				"db_queries", n,
				"db_time", total,
				"db_errors", errs,
			)
		}
	})
}

func notifySystemd() error {
	// systemd sets NOTIFY_SOCKET when started with Type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr) //nolint:gosec,noctx // G704: addr is from NOTIFY_SOCKET set by systemd not user input, no context support in net package for unixgram sockets
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	return nil
}
