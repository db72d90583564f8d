package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/leadsync/internal/company"
	"github.com/linnemanlabs/leadsync/internal/dedup"
	"github.com/linnemanlabs/leadsync/internal/ledger"
	"github.com/linnemanlabs/leadsync/internal/postgres"
	"github.com/linnemanlabs/leadsync/internal/theirstack"
)

var tracer = otel.Tracer("github.com/linnemanlabs/leadsync/internal/pipeline")

// Source fetches candidate companies.
type Source interface {
	Search(ctx context.Context, q theirstack.Query) ([]company.Company, error)
}

// Ingester bulk-creates companies in the downstream account list.
type Ingester interface {
	BulkCreate(ctx context.Context, companies []company.Company) (created, existing int, err error)
}

// Notifier is told about every finished run.
type Notifier interface {
	Send(ctx context.Context, r *Result) error
}

// Runner wires the phases of a sync together.
type Runner struct {
	source   Source
	ledger   ledger.Store
	ingester Ingester
	notifier Notifier
	logger   log.Logger
	hooks    Hooks
	now      func() time.Time
}

// Option configures a Runner.
type Option func(*Runner)

// WithNotifier sends a summary of every run to n.
func WithNotifier(n Notifier) Option {
	return func(r *Runner) { r.notifier = n }
}

// WithHooks installs run observers.
func WithHooks(h Hooks) Option {
	return func(r *Runner) { r.hooks = h }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// NewRunner creates a Runner. ingester may be nil for dry runs only.
func NewRunner(source Source, store ledger.Store, ingester Ingester, logger log.Logger, opts ...Option) *Runner {
	if logger == nil {
		logger = log.Nop()
	}
	r := &Runner{
		source:   source,
		ledger:   store,
		ingester: ingester,
		logger:   logger,
		now:      time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run executes one sync. The returned Result is always non-nil; on failure
// it carries the failed phase and the same error that is returned.
func (r *Runner) Run(ctx context.Context, p Params) (*Result, error) {
	res := &Result{
		RunID:      ulid.Make().String(),
		Technology: p.Technology,
		DryRun:     p.DryRun,
		StartedAt:  r.now(),
	}

	L := r.logger.With("run_id", res.RunID, "technology", p.Technology)
	ctx = log.WithContext(ctx, L)
	ctx = postgres.NewStatsContext(ctx)

	ctx, span := tracer.Start(ctx, "sync.run", trace.WithAttributes(
		attribute.String("leadsync.run.id", res.RunID),
		attribute.String("leadsync.technology", p.Technology),
		attribute.Int("leadsync.limit", p.Limit),
		attribute.Bool("leadsync.dry_run", p.DryRun),
	))
	defer span.End()

	err := r.run(ctx, L, p, res)
	res.Duration = r.now().Sub(res.StartedAt)
	if st, ok := postgres.StatsFromContext(ctx); ok {
		res.DBQueries, res.DBTime, res.DBErrors = st.Snapshot()
	}

	span.SetAttributes(
		attribute.Int("leadsync.fetched", res.Fetched),
		attribute.Int("leadsync.new", res.New),
		attribute.Int("leadsync.persisted", res.Persisted),
		attribute.Int("leadsync.created", res.Created),
		attribute.Int("leadsync.existing", res.Existing),
		attribute.Int("leadsync.db.queries", res.DBQueries),
	)

	if err != nil {
		res.Status = StatusFailed
		res.Err = err
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		L.Error(ctx, err, "sync failed",
			"phase", res.Phase,
			"fetched", res.Fetched,
			"new", res.New,
			"persisted", res.Persisted,
			"created", res.Created,
			"existing", res.Existing,
			"db_queries", res.DBQueries,
			"db_errors", res.DBErrors,
			"db_time", res.DBTime.Seconds(),
			"duration", res.Duration.Seconds(),
		)
	} else {
		res.Status = StatusSuccess
		res.Phase = PhaseDone
		L.Info(ctx, "sync complete",
			"fetched", res.Fetched,
			"new", res.New,
			"created", res.Created,
			"existing", res.Existing,
			"dry_run", res.DryRun,
			"db_queries", res.DBQueries,
			"db_time", res.DBTime.Seconds(),
			"duration", res.Duration.Seconds(),
		)
	}

	if r.hooks.OnComplete != nil {
		r.hooks.OnComplete(res)
	}
	r.notify(ctx, L, res)

	return res, err
}

func (r *Runner) run(ctx context.Context, L log.Logger, p Params, res *Result) error {
	if err := p.Validate(); err != nil {
		res.Phase = PhaseFetch
		return err
	}
	if !p.DryRun && r.ingester == nil {
		res.Phase = PhaseIngest
		return fmt.Errorf("%w: ingester is required unless dry run", ErrInvalidParams)
	}

	var candidates []company.Company
	err := r.phase(ctx, res, PhaseFetch, func(ctx context.Context, span trace.Span) error {
		var err error
		candidates, err = r.source.Search(ctx, theirstack.Query{
			Technology: p.Technology,
			Since:      p.Since,
			Limit:      p.Limit,
		})
		if err != nil {
			return fmt.Errorf("fetch companies: %w", err)
		}
		res.Fetched = len(candidates)
		span.SetAttributes(attribute.Int("leadsync.fetched", res.Fetched))
		since := ""
		if p.Since != nil {
			since = p.Since.UTC().Format(company.DateLayout)
		}
		L.Info(ctx, "fetched companies", "count", res.Fetched, "since", since, "limit", p.Limit)
		return nil
	})
	if err != nil {
		return err
	}
	if res.Fetched == 0 {
		L.Info(ctx, "no companies fetched, nothing to do")
		return nil
	}

	var fresh []company.Company
	err = r.phase(ctx, res, PhaseDedup, func(ctx context.Context, span trace.Span) error {
		var err error
		var stats dedup.Stats
		fresh, stats, err = dedup.NewState(r.ledger).FilterNew(ctx, candidates)
		if err != nil {
			return fmt.Errorf("dedup: %w", err)
		}
		res.Dedup = stats
		res.New = len(fresh)
		res.Companies = fresh
		span.SetAttributes(
			attribute.Int("leadsync.new", stats.Accepted),
			attribute.Int("leadsync.dedup.existing", stats.Existing),
			attribute.Int("leadsync.dedup.duplicate", stats.Duplicate),
			attribute.Int("leadsync.dedup.no_domain", stats.NoDomain),
		)
		L.Info(ctx, "deduplicated companies",
			"input", stats.Input,
			"new", stats.Accepted,
			"existing", stats.Existing,
			"duplicate", stats.Duplicate,
			"no_domain", stats.NoDomain,
		)
		return nil
	})
	if err != nil {
		return err
	}
	if res.New == 0 {
		L.Info(ctx, "no new companies after dedup, nothing to write")
		return nil
	}
	if p.DryRun {
		L.Info(ctx, "dry run, skipping ledger and account writes", "new", res.New)
		return nil
	}

	err = r.phase(ctx, res, PhasePersist, func(ctx context.Context, span trace.Span) error {
		n, err := r.ledger.Append(ctx, fresh)
		if err != nil {
			return fmt.Errorf("append to ledger: %w", err)
		}
		res.Persisted = n
		span.SetAttributes(attribute.Int("leadsync.persisted", n))
		L.Info(ctx, "appended companies to ledger", "rows", n)
		return nil
	})
	if err != nil {
		return err
	}

	return r.phase(ctx, res, PhaseIngest, func(ctx context.Context, span trace.Span) error {
		created, existing, err := r.ingester.BulkCreate(ctx, fresh)
		res.Created = created
		res.Existing = existing
		span.SetAttributes(
			attribute.Int("leadsync.created", created),
			attribute.Int("leadsync.existing", existing),
		)
		if err != nil {
			return &PartialFailureError{
				Persisted: res.Persisted,
				Created:   created,
				Existing:  existing,
				Err:       err,
			}
		}
		L.Info(ctx, "bulk created accounts", "created", created, "existing", existing)
		return nil
	})
}

// phase runs fn inside its own span and reports its duration to hooks. On
// error it records the failing phase on res.
func (r *Runner) phase(ctx context.Context, res *Result, ph Phase, fn func(context.Context, trace.Span) error) error {
	ctx, span := tracer.Start(ctx, "sync."+string(ph))
	defer span.End()

	start := time.Now()
	err := fn(ctx, span)
	dur := time.Since(start).Seconds()

	outcome := "ok"
	if err != nil {
		outcome = "error"
		res.Phase = ph
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if r.hooks.OnPhase != nil {
		r.hooks.OnPhase(ph, outcome, dur)
	}
	return err
}

func (r *Runner) notify(ctx context.Context, L log.Logger, res *Result) {
	if r.notifier == nil {
		return
	}
	// The run may have ended because ctx was cancelled; the summary should
	// still go out.
	ctx = context.WithoutCancel(ctx)
	if err := r.notifier.Send(ctx, res); err != nil {
		L.Warn(ctx, "run notification failed", "error", err.Error())
	}
}
