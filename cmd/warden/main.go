// Warden is the incident decision and dispatch engine: it correlates alarm
// events into incidents, resolves an action plan from operator rules or the
// AI oracle, and dispatches it.
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

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	awssns "github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/opshttp"
	"github.com/linnemanlabs/go-core/prof"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/go-core/health"

	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/go-core/metrics"
	"github.com/linnemanlabs/go-core/otelx"
	v "github.com/linnemanlabs/go-core/version"

	"github.com/linnemanlabs/warden/internal/alertapi"
	"github.com/linnemanlabs/warden/internal/authmw"
	vc "github.com/linnemanlabs/warden/internal/cfg"
	"github.com/linnemanlabs/warden/internal/dispatch"
	"github.com/linnemanlabs/warden/internal/incident"
	"github.com/linnemanlabs/warden/internal/ingest"
	"github.com/linnemanlabs/warden/internal/insight"
	"github.com/linnemanlabs/warden/internal/llm/claude"
	"github.com/linnemanlabs/warden/internal/report/natsreport"
	"github.com/linnemanlabs/warden/internal/rules"
	"github.com/linnemanlabs/warden/internal/triage"
)

const appName = "warden"
const component = "server"

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
		appCfg    vc.Config
		httpCfg   httpserver.Config
		httpmwCfg httpmw.Config
		logCfg    log.Config
		opsCfg    opshttp.Config
		profCfg   prof.Config
		traceCfg  otelx.Config
	)

	appCfg.RegisterFlags(flag.CommandLine)
	httpCfg.RegisterFlags(flag.CommandLine)
	httpmwCfg.RegisterFlags(flag.CommandLine)
	logCfg.RegisterFlags(flag.CommandLine)
	opsCfg.RegisterFlags(flag.CommandLine)
	profCfg.RegisterFlags(flag.CommandLine)
	traceCfg.RegisterFlags(flag.CommandLine)
	var showVersion bool
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")

	// cmdline first; env vars fill only what the cmdline left unset
	flag.Parse()
	if showVersion {
		fmt.Printf(
			"%s (%s) %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Component, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		return nil
	}

	cfg.FillFromEnv(flag.CommandLine, "WARDEN_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := errors.Join(
		appCfg.Validate(),
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
		"store", appCfg.StoreBackend,
		"rules", appCfg.RulesLocation,
		"rules_watch", appCfg.RulesWatch,
		"nats", appCfg.NATSURL != "",
		"oracle_enabled", !appCfg.OracleDisabled,
		"claude_model", appCfg.ClaudeModel,
		"confidence_floor", appCfg.ConfidenceFloor,
		"cost_safe", appCfg.CostSafe,
		"async_dispatch", appCfg.AsyncDispatch,
		"enable_pyroscope", profCfg.EnablePyroscope,
		"enable_tracing", traceCfg.EnableTracing,
		"trace_sample", traceCfg.TraceSample,
		"otlp_endpoint", traceCfg.OTLPEndpoint,
	)

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
	if stopProf != nil {
		defer stopProf()
	}

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

	var m = metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, component, &vi)
	m.SetProfilingActive(profErr == nil && profCfg.EnablePyroscope)
	wardenMetrics := triage.NewMetrics(m.Registry())

	// AWS clients back remediation, notifications, metric context and S3 rule documents
	var awsOpts []func(*awsconfig.LoadOptions) error
	if appCfg.AWSRegion != "" {
		awsOpts = append(awsOpts, awsconfig.WithRegion(appCfg.AWSRegion))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsOpts...)
	if err != nil {
		return fmt.Errorf("aws config: %w", err)
	}

	// NATS is shared by ingest, the KV store and the report target
	var (
		nc *nats.Conn
		js nats.JetStreamContext
	)
	if appCfg.NATSURL != "" {
		nc, err = nats.Connect(appCfg.NATSURL,
			nats.Name(appName),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		defer nc.Close()
		if js, err = nc.JetStream(); err != nil {
			return fmt.Errorf("nats jetstream: %w", err)
		}
		L.Info(ctx, "connected to nats", "url", nc.ConnectedUrlRedacted())
	}

	store, closeStore, err := openStore(ctx, &appCfg, js, L, wardenMetrics)
	if err != nil {
		return err
	}
	defer closeStore()
	L.Info(ctx, "incident store ready", "backend", appCfg.StoreBackend)

	tracker := incident.NewTracker(store, incident.TrackerOptions{
		Retry:      storeRetry(&appCfg),
		ClaimTTL:   appCfg.ClaimTTL,
		MaxHistory: appCfg.MaxHistory,
		Hooks:      wardenMetrics.TrackerHooks(),
	}, L.With("component", "incident"))

	// Executors
	clients := executorClients{
		ssm:    ssm.NewFromConfig(awsCfg),
		lambda: lambda.NewFromConfig(awsCfg),
		sns:    awssns.NewFromConfig(awsCfg),
	}
	if appCfg.EmailFrom != "" {
		clients.ses = sesv2.NewFromConfig(awsCfg)
	}
	if js != nil && appCfg.ReportSubject != "" {
		if err := natsreport.EnsureStream(js, appCfg.ReportStream, appCfg.ReportSubject); err != nil {
			return fmt.Errorf("report stream: %w", err)
		}
		clients.reports = js
	}
	registry, err := buildRegistry(&appCfg, clients)
	if err != nil {
		return err
	}
	for kind, schemes := range registry.Catalog() {
		L.Info(ctx, "registered action targets", "kind", kind, "targets", schemes)
	}

	dispatcher := dispatch.New(registry, tracker, dispatch.Options{
		ActionTimeout:  appCfg.ActionTimeout,
		OverallTimeout: appCfg.DispatchTimeout,
		RemediateRetry: remediateRetry(&appCfg),
		Hooks:          wardenMetrics.DispatchHooks(),
	}, L.With("component", "dispatch"))

	// Rules
	var s3Client rules.S3API
	if rules.IsS3(appCfg.RulesLocation) {
		s3Client = s3.NewFromConfig(awsCfg)
	}
	ruleSrc, err := buildRuleSource(appCfg.RulesLocation, s3Client)
	if err != nil {
		return err
	}
	ruleStore := rules.NewStore(ruleSrc, L.With("component", "rules"), func(snap *rules.Snapshot, err error) {
		n := 0
		if snap != nil {
			n = snap.Len()
		}
		wardenMetrics.RuleReloaded(n, err)
	})
	if err := ruleStore.Load(ctx); err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	if appCfg.RulesWatch {
		if err := ruleStore.Watch(ctx, appCfg.RulesLocation, 500*time.Millisecond); err != nil {
			return fmt.Errorf("watch rules: %w", err)
		}
	}
	go reloadOnSIGHUP(ctx, ruleStore, L)

	// Oracle
	var provider triage.Provider
	if !appCfg.OracleDisabled {
		provider = claude.New(appCfg.ClaudeAPIKey, appCfg.ClaudeModel)
		L.Info(ctx, "initialized oracle provider", "provider", "claude", "model", appCfg.ClaudeModel)
	} else {
		L.Warn(ctx, "oracle disabled, unmatched alarms get the fallback notify plan")
	}
	advisorCfg := triage.AdvisorConfig{
		Timeout:         appCfg.OracleTimeout,
		Attempts:        appCfg.OracleAttempts,
		ConfidenceFloor: appCfg.ConfidenceFloor,
		HistoryLimit:    appCfg.HistoryLimit,
		NotifyTarget:    appCfg.NotifyTarget,
	}
	if provider != nil && appCfg.MetricContext {
		advisorCfg.MetricContext = insight.New(cloudwatch.NewFromConfig(awsCfg), appCfg.MetricWindow)
		L.Info(ctx, "oracle prompts carry cloudwatch metric context", "window", appCfg.MetricWindow)
	}
	advisor := triage.NewAdvisor(provider, registry, advisorCfg, wardenMetrics.Hooks(), L.With("component", "advisor"))

	svc := triage.NewService(tracker, ruleStore, advisor, dispatcher, triage.ServiceOptions{
		CostSafe:           appCfg.CostSafe,
		ProductionAccounts: appCfg.ProductionAccountList(),
		Async:              appCfg.AsyncDispatch,
		NotifyTarget:       appCfg.NotifyTarget,
		Hooks:              wardenMetrics.Hooks(),
	}, L.With("component", "engine"))

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
	// http.route on logger and span; the db tracer also reads it as the query origin
	r.Use(httpmw.AnnotateHTTPRoute)
	r.Use(httpmw.AccessLog())
	r.Use(httpmw.MaxBody(1024 * 64))

	r.Get("/-/healthy", health.HealthzHandler(liveness))
	r.Get("/-/ready", health.ReadyzHandler(readiness))

	api := alertapi.New(L.With("component", "api"), svc, ruleStore, authmw.Tokens{
		alertapi.PrincipalIngest:   appCfg.IngestToken,
		alertapi.PrincipalOperator: appCfg.OperatorToken,
	})
	api.RegisterRoutes(r)

	// outermost wrapper sees the raw request first and the response last
	var h http.Handler = r
	h = httpmw.WithLogger(L)(h)
	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)
	h = otelhttp.NewHandler(h, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/-/healthy" && r.URL.Path != "/-/ready"
		}),
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

	// JetStream ingest
	consumerStop := func(context.Context) error { return nil }
	if js != nil && appCfg.IngestSubject != "" {
		consumer := ingest.NewConsumer(js, svc, ingest.Config{
			Stream:        appCfg.IngestStream,
			Subject:       appCfg.IngestSubject,
			Durable:       appCfg.IngestDurable,
			AckWait:       appCfg.IngestAckWait,
			MaxDeliver:    appCfg.IngestMaxDeliver,
			MaxAckPending: appCfg.IngestWorkers * 4,
			Workers:       appCfg.IngestWorkers,
			HandleTimeout: appCfg.IngestAckWait,
		}, L.With("component", "ingest"))
		if err := consumer.Start(ctx); err != nil {
			return fmt.Errorf("start alarm consumer: %w", err)
		}
		consumerStop = consumer.Stop
	}

	if err := notifySystemd(); err != nil {
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	<-ctx.Done()

	L.Info(context.Background(), "shutdown signal received")
	shutdownGate.Set("draining")

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

	// intake stops first, then in-flight dispatches finish before their
	// transports go away
	type stopFn struct {
		name string
		fn   func(context.Context) error
	}
	stopFns := []stopFn{
		{"alarm consumer", consumerStop},
		{"api http server", apiHTTPStop},
		{"decision engine", func(ctx context.Context) error { return waitFor(ctx, svc.Wait) }},
		{"nats", func(context.Context) error { return drainNATS(nc) }},
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

// reloadOnSIGHUP reloads the rule document on every SIGHUP until ctx ends.
// A rejected document keeps the current rule set.
func reloadOnSIGHUP(ctx context.Context, store *rules.Store, L log.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			L.Info(ctx, "SIGHUP received, reloading rules")
			_, _ = store.Reload(ctx)
		}
	}
}

// waitFor runs wait and returns when it does or ctx ends.
func waitFor(ctx context.Context, wait func()) error {
	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("gave up waiting: %w", ctx.Err())
	}
}

func drainNATS(nc *nats.Conn) error {
	if nc == nil {
		return nil
	}
	return nc.Drain()
}

func notifySystemd() error {
	// systemd sets NOTIFY_SOCKET when the unit has type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr) //nolint:gosec,noctx // addr comes from systemd, unixgram dial has no context variant
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	return nil
}
