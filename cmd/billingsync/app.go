package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/dmitrymomot/billingsync/handler"
	"github.com/dmitrymomot/billingsync/pkg/billing"
	"github.com/dmitrymomot/billingsync/pkg/billing/paddle"
	"github.com/dmitrymomot/billingsync/pkg/billing/pgstore"
	"github.com/dmitrymomot/billingsync/pkg/config"
	"github.com/dmitrymomot/billingsync/pkg/email"
	"github.com/dmitrymomot/billingsync/pkg/environment"
	"github.com/dmitrymomot/billingsync/pkg/logger"
	"github.com/dmitrymomot/billingsync/pkg/metrics"
	"github.com/dmitrymomot/billingsync/pkg/pg"
	"github.com/dmitrymomot/billingsync/pkg/redis"
	"github.com/dmitrymomot/billingsync/pkg/requestid"
	"github.com/dmitrymomot/billingsync/pkg/server"
	"github.com/dmitrymomot/billingsync/svc/webhook"
)

const serviceName = "billingsync"

type runOptions struct {
	migrateOnly bool
	redriveOnce bool
	mergeFrom   string
	mergeInto   string
}

type appConfig struct {
	Env string `env:"APP_ENV" envDefault:"development"`
	// InFlightGuard enables the Redis lock in front of the ledger lease.
	InFlightGuard   bool          `env:"BILLING_INFLIGHT_GUARD" envDefault:"true"`
	InFlightLockTTL time.Duration `env:"BILLING_INFLIGHT_LOCK_TTL" envDefault:"30s"`
	HealthTimeout   time.Duration `env:"HEALTH_CHECK_TIMEOUT" envDefault:"2s"`
}

type app struct {
	cfg       appConfig
	billing   billing.Config
	log       *slog.Logger
	env       environment.Environment
	pool      *pgxpool.Pool
	redis     *goredis.Client
	store     *pgstore.Store
	metrics   *metrics.Metrics
	processor *billing.Processor
}

func run(ctx context.Context, opts runOptions) error {
	var cfg appConfig
	if err := config.Load(&cfg); err != nil {
		return err
	}
	env := environment.Parse(cfg.Env)
	log := logger.New(
		logger.WithEnvironment(env, serviceName),
		logger.WithContextExtractors(
			requestid.LoggerExtractor(),
			logger.EventIDExtractor(),
			environment.LoggerExtractor(),
		),
	)
	logger.SetAsDefault(log)

	var pgCfg pg.Config
	if err := config.Load(&pgCfg); err != nil {
		return err
	}
	pool, err := pg.Connect(ctx, pgCfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := pg.Migrate(ctx, pool, pgstore.Migrations(), pgCfg, log); err != nil {
		return err
	}
	if opts.migrateOnly {
		log.InfoContext(ctx, "migrations applied")
		return nil
	}

	a := &app{
		cfg:     cfg,
		log:     log,
		env:     env,
		pool:    pool,
		store:   pgstore.New(pool),
		metrics: metrics.New(),
	}
	if err := config.Load(&a.billing); err != nil {
		return err
	}

	if opts.mergeFrom != "" || opts.mergeInto != "" {
		return a.merge(ctx, opts.mergeFrom, opts.mergeInto)
	}

	if cfg.InFlightGuard {
		var redisCfg redis.Config
		if err := config.Load(&redisCfg); err != nil {
			return err
		}
		if a.redis, err = redis.Connect(ctx, redisCfg); err != nil {
			return err
		}
		defer func() {
			if err := a.redis.Close(); err != nil {
				log.WarnContext(ctx, "failed to close redis client", logger.Error(err))
			}
		}()
	}

	if err := a.buildProcessor(); err != nil {
		return err
	}

	redriver := a.redriver()
	if opts.redriveOnce {
		_, err := a.redrive(ctx, redriver)
		return err
	}

	return a.serve(ctx, redriver)
}

func (a *app) buildProcessor() error {
	catalog, err := billing.LoadCatalog(a.billing.CatalogPath)
	if err != nil {
		return err
	}
	// The environment can tighten the file setting but not relax it.
	catalog.Strict = catalog.Strict || a.billing.StrictProducts

	procOpts := []billing.Option{
		billing.WithConfig(a.billing),
		billing.WithLogger(a.log),
		billing.WithObserver(a.metrics),
		billing.WithDunningPolicy(billing.NewLogDunningPolicy(a.log)),
	}
	if a.redis != nil {
		procOpts = append(procOpts,
			billing.WithInFlightGuard(redis.NewLocker(a.redis, serviceName+":event:")),
			billing.WithInFlightGuardTTL(a.cfg.InFlightLockTTL),
		)
	}
	reporter, err := a.conflictReporter()
	if err != nil {
		return err
	}
	if reporter != nil {
		procOpts = append(procOpts, billing.WithConflictReporter(reporter))
	}

	a.processor = billing.NewProcessor(a.store.Stores(), catalog, procOpts...)
	return nil
}

// conflictReporter returns nil when no alert address is configured.
func (a *app) conflictReporter() (billing.ConflictReporter, error) {
	if a.billing.ConflictAlertEmail == "" {
		return nil, nil
	}
	var emailCfg email.Config
	if err := config.Load(&emailCfg); err != nil {
		return nil, err
	}
	if !emailCfg.Enabled() {
		a.log.Info("postmark is not configured, conflict reports are written to disk",
			slog.String("dir", emailCfg.DevOutputDir))
		return billing.NewEmailConflictReporter(email.NewDevSender(emailCfg.DevOutputDir), a.billing.ConflictAlertEmail), nil
	}
	sender, err := email.NewPostmarkSender(emailCfg)
	if err != nil {
		return nil, err
	}
	return billing.NewEmailConflictReporter(sender, a.billing.ConflictAlertEmail), nil
}

func (a *app) redriver() *billing.Redriver {
	return billing.NewRedriver(a.store, a.processor,
		billing.WithRedriveLogger(a.log),
		billing.WithRedriveLimits(a.billing.RedriveBatchSize, a.billing.RedriveConcurrency, a.billing.RedriveMaxAttempts),
	)
}

func (a *app) redrive(ctx context.Context, r *billing.Redriver) (billing.RedriveStats, error) {
	stats, err := r.RunOnce(ctx)
	a.metrics.ObserveRedrive(stats)
	if err != nil {
		return stats, fmt.Errorf("redrive: %w", err)
	}
	if stats.Due > 0 {
		a.log.InfoContext(ctx, "redrive pass finished",
			slog.Int("due", stats.Due),
			slog.Int("resolved", stats.Resolved),
			slog.Int("rescheduled", stats.Rescheduled),
			slog.Int("abandoned", stats.Abandoned),
			slog.Int("skipped", stats.Skipped),
		)
	}
	return stats, nil
}

func (a *app) merge(ctx context.Context, from, into string) error {
	if from == "" || into == "" {
		return errors.New("both -merge-from and -merge-into are required")
	}
	merger := billing.NewAccountMerger(a.store, a.store, a.store, a.log)
	res, err := merger.Merge(ctx, from, into)
	if err != nil {
		var mergeErr *billing.MergeError
		if errors.As(err, &mergeErr) {
			a.log.ErrorContext(ctx, "account merge failed",
				slog.String("failed_step", mergeErr.FailedStep),
				slog.Any("completed", mergeErr.Completed),
				slog.Any("compensated", mergeErr.Compensated),
				slog.Bool("rolled_back", mergeErr.RolledBack),
			)
		}
		return err
	}
	a.log.InfoContext(ctx, "accounts merged",
		slog.String("from", res.FromUserID),
		slog.String("into", res.IntoUserID),
		slog.Int("subscriptions_moved", len(res.Moved.SubscriptionIDs)),
	)
	return nil
}

func (a *app) serve(ctx context.Context, redriver *billing.Redriver) error {
	var paddleCfg paddle.Config
	if err := config.Load(&paddleCfg); err != nil {
		return err
	}
	verifier, err := paddle.NewVerifier(paddleCfg)
	if err != nil {
		return err
	}
	var srvCfg server.Config
	if err := config.Load(&srvCfg); err != nil {
		return err
	}

	scheduler, err := newScheduler(a.billing.RedriveSchedule, a.log, func(ctx context.Context) {
		if _, err := a.redrive(ctx, redriver); err != nil {
			a.log.ErrorContext(ctx, "scheduled redrive failed", logger.Error(err))
		}
	})
	if err != nil {
		return err
	}

	srv := server.New(srvCfg, a.routes(verifier), server.WithLogger(a.log))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(ctx) })
	g.Go(func() error {
		scheduler.Start(ctx)
		<-ctx.Done()
		a.log.Info("waiting for scheduled jobs to finish")
		scheduler.Stop()
		return nil
	})
	return g.Wait()
}

func (a *app) routes(verifier webhook.Verifier) http.Handler {
	checks := []server.Check{{Name: "postgres", Probe: pg.Healthcheck(a.pool)}}
	if a.redis != nil {
		checks = append(checks, server.Check{Name: "redis", Probe: redis.Healthcheck(a.redis)})
	}

	onError := handler.NewErrorHandler(a.log)

	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer,
		requestid.Middleware,
		environment.Middleware(a.env),
		a.metrics.Middleware,
	)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) { onError(w, r, handler.ErrNotFound) })
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) { onError(w, r, handler.ErrMethodNotAllowed) })
	r.Get("/livez", server.Liveness)
	r.Get("/healthz", server.Readiness(a.log, a.cfg.HealthTimeout, checks...))
	r.Method(http.MethodGet, "/metrics", a.metrics.Handler())
	r.Mount("/webhooks/paddle", webhook.NewHandler(a.processor, verifier,
		webhook.WithLogger(a.log),
		webhook.WithErrorHandler(onError),
	).Routes())
	return r
}
