// Leadsync pulls recent adopters of a technology from TheirStack, records the
// new ones in a ledger and adds them to an Apollo account list.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/otelx"
	v "github.com/linnemanlabs/go-core/version"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/linnemanlabs/leadsync/internal/apollo"
	lc "github.com/linnemanlabs/leadsync/internal/cfg"
	"github.com/linnemanlabs/leadsync/internal/ledger"
	"github.com/linnemanlabs/leadsync/internal/ledger/memstore"
	"github.com/linnemanlabs/leadsync/internal/ledger/pgstore"
	"github.com/linnemanlabs/leadsync/internal/ledger/sheetstore"
	"github.com/linnemanlabs/leadsync/internal/notify/slack"
	"github.com/linnemanlabs/leadsync/internal/pipeline"
	"github.com/linnemanlabs/leadsync/internal/postgres"
	"github.com/linnemanlabs/leadsync/internal/report"
	"github.com/linnemanlabs/leadsync/internal/theirstack"
)

const appName = "leadsync"
const component = "sync"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Set app name and component
	v.AppName = appName
	v.Component = component

	// Get build/version info
	vi := v.Get()

	// each package registers its own flags and options struct
	var (
		appCfg   lc.Config
		logCfg   log.Config
		traceCfg otelx.Config
	)

	appCfg.RegisterFlags(flag.CommandLine)
	logCfg.RegisterFlags(flag.CommandLine)
	traceCfg.RegisterFlags(flag.CommandLine)
	var showVersion bool
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")

	// parse flags to get config values from cmdline, we check env vars next which do not override cmdline flags
	flag.Parse()
	if showVersion {
		fmt.Printf(
			"%s (%s) %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Component, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		return nil
	}

	// Fill in config values from environment variables with prefix LEADSYNC_,
	// these do not override cmdline flags
	cfg.FillFromEnv(flag.CommandLine, "LEADSYNC_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	// config file fills whatever cmdline and env left unset
	if err := lc.ApplyFile(flag.CommandLine, appCfg.ConfigFile); err != nil {
		return fmt.Errorf("config file: %w", err)
	}

	if err := errors.Join(
		appCfg.Validate(),
		logCfg.Validate(),
		traceCfg.Validate(),
	); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	// initialize logger early
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
		"commit_date", vi.CommitDate,
		"build_id", vi.BuildId,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"technology", appCfg.Technology,
		"lookback_days", appCfg.LookbackDays,
		"max_companies", appCfg.MaxCompanies,
		"ledger", appCfg.Ledger,
		"dry_run", appCfg.DryRun,
		"run_timeout_seconds", appCfg.RunTimeoutSeconds,
		"enable_tracing", traceCfg.EnableTracing,
		"trace_sample", traceCfg.TraceSample,
		"otlp_endpoint", traceCfg.OTLPEndpoint,
		"pushgateway", appCfg.PushgatewayURL != "",
		"slack", appCfg.SlackWebhookURL != "",
	)

	// Setup otel for tracing
	traceOpts := traceCfg.ToOptions()
	traceOpts.Service = v.AppName
	traceOpts.Component = v.Component
	traceOpts.Version = v.Version

	// Start otel, returns a shutdown function to flush spans before exit
	shutdownOtelx, err := otelx.Init(ctx, traceOpts)
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	if shutdownOtelx != nil {
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = shutdownOtelx(sctx)
		}()
	}

	// the whole run, including ledger setup, shares one deadline
	runCtx, cancel := context.WithTimeout(ctx, appCfg.RunTimeout())
	defer cancel()

	res, err := execute(runCtx, &appCfg, L, os.Stdout)

	if res != nil {
		if serr := notifySystemd(systemdStatus(res)); serr != nil {
			// only meaningful when started by systemd with NotifyAccess set
			L.Info(ctx, "systemd status not sent", "reason", serr.Error())
		}
	}
	return err
}

// execute builds the collaborators from c, runs one sync and pushes metrics.
// The dry-run table goes to stdout.
func execute(ctx context.Context, c *lc.Config, L log.Logger, stdout io.Writer) (*pipeline.Result, error) {
	reg := prometheus.NewRegistry()
	metrics := pipeline.NewMetrics(reg)
	buildInfo := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "leadsync_build_info",
		Help: "Build information of the running binary.",
	}, []string{"version", "commit"})
	reg.MustRegister(buildInfo)
	vi := v.Get()
	buildInfo.WithLabelValues(vi.Version, vi.Commit).Set(1)

	// push whatever was recorded, even when the run fails
	defer pushMetrics(ctx, c, L, reg)

	store, closeStore, err := openLedger(ctx, c, L, metrics)
	if err != nil {
		return nil, fmt.Errorf("open %s ledger: %w", c.Ledger, err)
	}
	defer closeStore()

	source := theirstack.New(c.TheirStackBaseURL, c.TheirStackAPIKey, c.TheirStackRPS, L)

	var ingester pipeline.Ingester
	if !c.DryRun {
		ingester = apollo.New(c.ApolloBaseURL, c.ApolloAPIKey, c.ApolloListID, L)
	}

	opts := []pipeline.Option{pipeline.WithHooks(metrics.Hooks())}
	if c.SlackWebhookURL != "" {
		opts = append(opts, pipeline.WithNotifier(slack.New(c.SlackWebhookURL)))
		L.Info(ctx, "notifier enabled", "type", "slack")
	}

	runner := pipeline.NewRunner(source, store, ingester, L, opts...)
	res, err := runner.Run(ctx, pipeline.Params{
		Technology: c.Technology,
		Since:      c.Since(time.Now()),
		Limit:      c.MaxCompanies,
		DryRun:     c.DryRun,
	})
	if err != nil {
		return res, err
	}

	if c.DryRun {
		if err := report.WriteTable(stdout, res.Companies); err != nil {
			return res, fmt.Errorf("write dry run table: %w", err)
		}
		if err := report.WriteSummary(stdout, res.Fetched, res.New); err != nil {
			return res, fmt.Errorf("write dry run summary: %w", err)
		}
	}
	return res, nil
}

// openLedger returns the configured ledger and a func releasing its resources.
func openLedger(ctx context.Context, c *lc.Config, L log.Logger, metrics *pipeline.Metrics) (ledger.Store, func(), error) {
	switch c.Ledger {
	case lc.LedgerPostgres:
		postgres.SetQueryObserver(metrics)
		pool, err := postgres.NewPool(ctx, c.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres pool: %w", err)
		}
		store, err := pgstore.NewWithPool(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("pgstore init: %w", err)
		}
		L.Info(ctx, "using postgres ledger")
		return store, pool.Close, nil

	case lc.LedgerMemory:
		L.Warn(ctx, "using in-memory ledger, dedup state does not survive this process")
		return memstore.New(), func() {}, nil

	default:
		creds, err := c.ServiceAccountJSON()
		if err != nil {
			return nil, nil, err
		}
		store, err := sheetstore.New(ctx, sheetstore.Options{
			SpreadsheetID:   c.GoogleSheetID,
			SheetName:       c.GoogleSheetName,
			CredentialsJSON: creds,
		})
		if err != nil {
			return nil, nil, err
		}
		L.Info(ctx, "using google sheets ledger", "sheet", c.GoogleSheetName)
		return store, func() {}, nil
	}
}

func pushMetrics(ctx context.Context, c *lc.Config, L log.Logger, g prometheus.Gatherer) {
	if c.PushgatewayURL == "" {
		return
	}
	// the run deadline may already be spent
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	err := push.New(c.PushgatewayURL, appName).
		Gatherer(g).
		Grouping("technology", c.Technology).
		PushContext(pctx)
	if err != nil {
		L.Warn(ctx, "metrics push failed", "pushgateway", c.PushgatewayURL, "error", err.Error())
	}
}

func systemdStatus(r *pipeline.Result) string {
	if r.Status == pipeline.StatusFailed {
		return fmt.Sprintf("STATUS=last run %s failed in %s", r.RunID, r.Phase)
	}
	return fmt.Sprintf("STATUS=last run %s: fetched %d, new %d, created %d, existing %d",
		r.RunID, r.Fetched, r.New, r.Created, r.Existing)
}

func notifySystemd(state string) error {
	// systemd will set NOTIFY_SOCKET to a unix socket path if we were started with NotifyAccess
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr) //nolint:gosec,noctx // addr is from NOTIFY_SOCKET set by systemd, net has no context dial for unixgram
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.Write([]byte(state)); err != nil {
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	return nil
}
