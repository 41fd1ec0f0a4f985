// Sieve triages recurring application log errors into tracker tickets.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	otelpyroscope "github.com/grafana/otel-profiling-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	"go.opentelemetry.io/otel"

	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/health"
	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/metrics"
	"github.com/linnemanlabs/go-core/opshttp"
	"github.com/linnemanlabs/go-core/otelx"
	"github.com/linnemanlabs/go-core/prof"
	v "github.com/linnemanlabs/go-core/version"

	"github.com/linnemanlabs/sieve/internal/authmw"
	sc "github.com/linnemanlabs/sieve/internal/cfg"
	"github.com/linnemanlabs/sieve/internal/logsource/loki"
	"github.com/linnemanlabs/sieve/internal/logsource/seq"
	"github.com/linnemanlabs/sieve/internal/notify/slack"
	"github.com/linnemanlabs/sieve/internal/postgres"
	"github.com/linnemanlabs/sieve/internal/reviewapi"
	"github.com/linnemanlabs/sieve/internal/tracker/jira"
	"github.com/linnemanlabs/sieve/internal/triage"
	"github.com/linnemanlabs/sieve/internal/triage/filestore"
	"github.com/linnemanlabs/sieve/internal/triage/memstore"
	"github.com/linnemanlabs/sieve/internal/triage/pgstore"
)

const appName = "sieve"
const component = "cli"

// Exit codes.
const (
	exitOK     = 0
	exitConfig = 1
	exitFatal  = 2
)

func main() {
	err := run()
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
	}
	os.Exit(exitCode(err))
}

// exitCode maps a run error to the process exit status. Errors from the
// fatal taxonomy exit 2; configuration and startup errors exit 1.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case triage.IsFatal(err):
		return exitFatal
	default:
		return exitConfig
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	v.AppName = appName
	v.Component = component
	vi := v.Get()

	var (
		appCfg    sc.Config
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

	// flags win over env vars
	flag.Parse()
	if showVersion {
		fmt.Printf(
			"%s (%s) %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Component, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		return nil
	}

	cfg.FillFromEnv(flag.CommandLine, "SIEVE_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	reviewing := appCfg.Approval == sc.ApprovalHTTP
	validators := []error{
		appCfg.Validate(),
		logCfg.Validate(),
		profCfg.Validate(),
		traceCfg.Validate(),
	}
	if reviewing {
		validators = append(validators, httpCfg.Validate(), httpmwCfg.Validate(), opsCfg.Validate())
	}
	if err := errors.Join(validators...); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	if reviewing && appCfg.ReviewPort == opsCfg.Port {
		return fmt.Errorf("review and admin ports must differ (both %d)", appCfg.ReviewPort)
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
		"source", appCfg.Source,
		"approval", appCfg.Approval,
		"level", appCfg.Level,
		"window_hours", appCfg.WindowHours,
		"minimum_count", appCfg.MinimumCount,
		"max_templates", appCfg.MaxTemplates,
		"enable_pyroscope", profCfg.EnablePyroscope,
		"enable_tracing", traceCfg.EnableTracing,
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
	shutdownBudget := time.Duration(appCfg.ShutdownBudgetSeconds) * time.Second
	if shutdownOtelx != nil {
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownBudget)
			defer cancel()
			_ = shutdownOtelx(sctx)
		}()
	}

	// link spans to profiles when both are on
	if profErr == nil && profCfg.EnablePyroscope {
		otel.SetTracerProvider(otelpyroscope.NewTracerProvider(otel.GetTracerProvider()))
	}

	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, component, &vi)
	m.SetProfilingActive(profErr == nil && profCfg.EnablePyroscope)

	triageMetrics := triage.NewMetrics(m.Registry())

	dbQueryDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sieve_db_query_duration_seconds",
		Help:    "Duration of individual ledger database queries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"phase", "outcome"})
	m.Registry().MustRegister(dbQueryDuration)
	postgres.SetQueryObserver(postgres.QueryObserverFunc(
		func(_ context.Context, phase, outcome string, dur time.Duration) {
			dbQueryDuration.WithLabelValues(phase, outcome).Observe(dur.Seconds())
		},
	))

	rules, err := triage.LoadRuleSet(appCfg.RulesPath)
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	classifier, err := triage.NewRuleClassifier(rules)
	if err != nil {
		return fmt.Errorf("compile rules: %w", err)
	}

	var source triage.EventSource
	switch appCfg.Source {
	case sc.SourceLoki:
		source = loki.New(appCfg.LokiEndpoint, appCfg.LokiTenantID, appCfg.LokiSelector)
		L.Info(ctx, "using loki source", "endpoint", appCfg.LokiEndpoint, "selector", appCfg.LokiSelector)
	default:
		source = seq.New(appCfg.SeqEndpoint, appCfg.SeqAPIKey)
		L.Info(ctx, "using seq source", "endpoint", appCfg.SeqEndpoint)
	}

	var ledger triage.Ledger
	switch {
	case appCfg.DatabaseURL != "":
		pool, err := postgres.NewPool(ctx, appCfg.DatabaseURL, postgres.DefaultPoolConfig())
		if err != nil {
			return fmt.Errorf("postgres pool: %w", err)
		}
		defer pool.Close()
		pg, err := pgstore.New(ctx, pool)
		if err != nil {
			return fmt.Errorf("pgstore init: %w", err)
		}
		ledger = pg
		L.Info(ctx, "using postgres ledger")
	case appCfg.LedgerPath == sc.MemoryLedger:
		ledger = memstore.New()
		L.Warn(ctx, "using in-memory ledger, decisions will not persist")
	default:
		ledger = filestore.New(appCfg.LedgerPath)
		L.Info(ctx, "using file ledger", "path", appCfg.LedgerPath)
	}

	publisher := triage.NewPublisher(
		jira.New(appCfg.JiraEndpoint, appCfg.JiraUser, appCfg.JiraToken),
		appCfg.ProjectKey, appCfg.ParentTicketKey, appCfg.IssueType,
	)

	var gate triage.Gate
	switch appCfg.Approval {
	case sc.ApprovalAccept:
		gate = triage.AutoAccept
	case sc.ApprovalReject:
		gate = triage.AutoReject
	case sc.ApprovalHTTP:
		reviewers, err := authmw.ParseReviewers(appCfg.ReviewToken)
		if err != nil {
			return fmt.Errorf("review token: %w", err)
		}

		var shutdownGate health.ShutdownGate
		readiness := health.All(shutdownGate.Probe())
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
			sctx, cancel := context.WithTimeout(context.Background(), shutdownBudget)
			defer cancel()
			if err := opsHTTPStop(sctx); err != nil {
				L.Error(ctx, err, "failed to stop ops http listener")
			}
		}()

		httpGate := reviewapi.NewGate(L)
		h := newReviewHandler(L, reviewapi.New(L, httpGate, reviewers),
			health.HealthzHandler(liveness), health.ReadyzHandler(readiness),
			m.Middleware, httpmwCfg)

		httpOpts, err := httpCfg.ToOptions()
		if err != nil {
			L.Error(ctx, err, "invalid http config")
			return err
		}
		reviewHTTPStop, err := httpserver.Start(ctx, fmt.Sprintf(":%d", appCfg.ReviewPort), h, L, httpOpts)
		if err != nil {
			L.Error(ctx, err, "failed to start review http listener")
			return err
		}
		defer func() {
			shutdownGate.Set("draining")
			sctx, cancel := context.WithTimeout(context.Background(), shutdownBudget)
			defer cancel()
			if err := reviewHTTPStop(sctx); err != nil {
				L.Error(ctx, err, "failed to stop review http listener")
			}
		}()
		L.Info(ctx, "review api listening", "port", appCfg.ReviewPort, "reviewers", len(reviewers))

		if err := notifySystemd(); err != nil {
			L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
		}
		gate = httpGate
	default:
		gate = triage.PromptGate{In: os.Stdin, Out: os.Stdout}
	}

	hooks := triageMetrics.Hooks()
	hooks.PhaseContext = func(ctx context.Context, s triage.State) context.Context {
		return postgres.WithPhase(ctx, string(s))
	}

	pipeline := triage.NewPipeline(appCfg.Pipeline(), source, ledger, classifier, gate, publisher, L, hooks)

	ctx = postgres.NewRunDBStatsContext(ctx)
	summary, runErr := pipeline.Run(ctx)

	var pe *triage.PhaseError
	if errors.As(runErr, &pe) {
		triageMetrics.RecordFailure(pe.Phase)
	}

	printSummary(os.Stdout, summary, runErr)

	// reporting must not be cut short by a signal that already ended the run
	reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownBudget)
	defer cancel()

	if err := slack.New(appCfg.SlackWebhookURL).Send(reportCtx, summary); err != nil {
		L.Error(ctx, err, "slack notification failed")
	}

	if appCfg.PushgatewayURL != "" {
		if err := pushMetrics(reportCtx, appCfg.PushgatewayURL, appCfg.Source, triageMetrics.Collectors()); err != nil {
			L.Error(ctx, err, "pushgateway push failed", "url", appCfg.PushgatewayURL)
		}
	}

	if stats, ok := postgres.RunDBStatsFromContext(ctx); ok {
		if queries, total, errs := stats.Snapshot(); queries > 0 {
			L.Info(ctx, "ledger database usage", "queries", queries, "total_seconds", total.Seconds(), "errors", errs)
		}
	}

	return runErr
}

func pushMetrics(ctx context.Context, url, source string, collectors []prometheus.Collector) error {
	p := push.New(url, appName).Grouping("source", source)
	for _, c := range collectors {
		p = p.Collector(c)
	}
	return p.PushContext(ctx)
}

func printSummary(w io.Writer, s *triage.RunSummary, runErr error) {
	if s == nil {
		return
	}

	if runErr != nil {
		_, _ = fmt.Fprintf(w, "\nrun %s aborted while %s: %v\n", s.RunID, s.State, runErr)
		return
	}

	_, _ = fmt.Fprintf(w, "\nrun %s done in %.1fs\n", s.RunID, s.Duration)
	_, _ = fmt.Fprintf(w, "window %s .. %s: %d events, %d templates, %d below minimum, %d already known, %d considered\n",
		s.WindowStart.Format(time.RFC3339), s.WindowEnd.Format(time.RFC3339),
		s.EventsFetched, s.Groups, s.BelowMinimum, s.AlreadyKnown, s.Considered)

	for _, o := range s.Outcomes {
		detail := o.TicketKey
		if o.Status == triage.OutcomeFailed {
			detail = o.Error
		}
		_, _ = fmt.Fprintf(w, "  %-10s %-13s %6d  %s  %s\n", o.Status, o.Classification, o.Count, o.MessageTemplate, detail)
	}

	_, _ = fmt.Fprintf(w, "succeeded %d, failed %d, skipped %d, suppressed %d\n", s.Succeeded, s.Failed, s.Skipped, s.Suppressed)
}
