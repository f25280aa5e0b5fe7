// Package app wires storage, the job registry, the scheduler and the HTTP API
// into one process.
package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"crawlflow/internal/api"
	"crawlflow/internal/bulk"
	"crawlflow/internal/config"
	"crawlflow/internal/domain"
	"crawlflow/internal/handlers/analyze"
	"crawlflow/internal/handlers/crawl"
	"crawlflow/internal/metrics"
	"crawlflow/internal/progress"
	"crawlflow/internal/queue"
	"crawlflow/internal/registry"
	"crawlflow/internal/scheduler"
	"crawlflow/internal/sqlitedb"
	"crawlflow/internal/store"
	"crawlflow/internal/worker"
)

const shutdownTimeout = 5 * time.Second

type App struct {
	cfg      config.Config
	log      zerolog.Logger
	db       *sql.DB
	repo     queue.Repository
	registry *registry.Registry
	pool     *worker.Pool
	handler  http.Handler
}

// New opens the database, registers every job type and seeds the startup jobs.
func New(ctx context.Context, cfg config.Config, log zerolog.Logger) (*App, error) {
	db, err := sqlitedb.Open(cfg.DB.Path, cfg.DB.BusyTimeout)
	if err != nil {
		return nil, err
	}
	a, err := build(ctx, cfg, log, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return a, nil
}

func build(ctx context.Context, cfg config.Config, log zerolog.Logger, db *sql.DB) (*App, error) {
	if err := queue.EnsureSchema(db); err != nil {
		return nil, errors.Wrap(err, "ensure queue schema")
	}
	if err := store.EnsureSchema(db); err != nil {
		return nil, errors.Wrap(err, "ensure store schema")
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(promReg)
	if err != nil {
		return nil, err
	}

	st := store.New(db)
	repo := queue.NewSQLiteRepo(db)
	reg := registry.New(cfg.Scheduler.DefaultConcurrency, cfg.Scheduler.DefaultLockLifetime)

	tracker := scheduler.NewTracker(st, repo, reg, cfg.BucketSize(),
		scheduler.WithLogger(log.With().Str("component", "tracker").Logger()), scheduler.WithMetrics(m))

	reg.Register(domain.JobCrawl, crawl.New(st, cfg.Crawl.DefaultTimeout, crawl.WithHostRate(cfg.Crawl.HostRPS, cfg.Crawl.HostBurst)),
		cfg.JobConcurrency(domain.JobCrawl), registry.WithFollowUp(domain.JobAnalyze))
	reg.Register(domain.JobAnalyze, analyze.New(st), cfg.JobConcurrency(domain.JobAnalyze))
	reg.Register(domain.JobRecurrenceTick, tracker, 1, registry.WithPriority(10))
	reg.Register(domain.JobLiveness, liveness(log), 1)

	a := &App{
		cfg:      cfg,
		log:      log,
		db:       db,
		repo:     repo,
		registry: reg,
		pool: worker.NewPool(repo, reg, worker.Config{
			PollInterval:   cfg.Scheduler.PollInterval,
			MaxConcurrency: cfg.Scheduler.MaxConcurrency,
			ReleaseDelay:   cfg.Scheduler.ReleaseDelay,
		}, worker.WithLogger(log.With().Str("component", "scheduler").Logger()), worker.WithMetrics(m)),
	}

	submitter := bulk.NewSubmitter(st, repo, reg, bulk.Policy{
		Remaining:   cfg.Recurrence.DefaultRemaining,
		PeriodHours: cfg.Recurrence.DefaultPeriodHours,
	}, bulk.WithLogger(log.With().Str("component", "bulk").Logger()), bulk.WithMetrics(m))

	a.handler = api.NewServer(api.Deps{
		Jobs:      repo,
		Targets:   st,
		Submitter: submitter,
		Progress:  progress.New(st),
		Gatherer:  promReg,
		Log:       log.With().Str("component", "api").Logger(),
		Debug:     cfg.Server.Debug,
	})

	if err := a.seed(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

// seed drops stale one-off jobs, then schedules the liveness probe and the
// recurrence tick.
func (a *App) seed(ctx context.Context) error {
	for _, jobType := range a.cfg.Scheduler.CancelOnStart {
		n, err := a.repo.CancelAll(ctx, jobType)
		if err != nil {
			return errors.Wrapf(err, "cancel %s jobs", jobType)
		}
		if n > 0 {
			a.log.Info().Int("cancelled", n).Str("job_type", jobType).Msg("dropped pending jobs from previous run")
		}
	}

	probe, err := a.registry.NewJob(domain.JobLiveness, domain.LivenessPayload{Time: time.Now().UTC()})
	if err != nil {
		return err
	}
	if _, err := a.repo.Enqueue(ctx, probe); err != nil {
		return errors.Wrap(err, "enqueue liveness job")
	}

	tick, err := a.registry.NewJob(domain.JobRecurrenceTick, struct{}{})
	if err != nil {
		return err
	}
	tick.RepeatSpec = a.cfg.Recurrence.TickSpec
	id, err := a.repo.EnsureRecurring(ctx, tick)
	if err != nil {
		return errors.Wrap(err, "schedule recurrence tick")
	}
	a.log.Info().Str("job_id", id).Str("spec", tick.RepeatSpec).Msg("recurrence tick scheduled")
	return nil
}

func liveness(log zerolog.Logger) registry.Handler {
	return registry.HandlerFunc(func(_ context.Context, payload json.RawMessage) error {
		var p domain.LivenessPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return errors.Wrap(err, "decode liveness payload")
		}
		log.Info().Time("enqueued_at", p.Time).Dur("latency", time.Since(p.Time)).Msg("scheduler is alive")
		return nil
	})
}

func (a *App) Handler() http.Handler { return a.handler }

func (a *App) Registry() *registry.Registry { return a.registry }

func (a *App) Jobs() queue.Repository { return a.repo }

// Run serves HTTP on ln and runs the scheduler until ctx is cancelled. It
// returns after in-flight jobs finish.
func (a *App) Run(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: a.handler, ReadHeaderTimeout: 10 * time.Second}

	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		a.pool.Run(ctx)
	}()

	srvErr := make(chan error, 1)
	go func() {
		a.log.Info().Str("addr", ln.Addr().String()).Msg("HTTP server starting")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
		close(srvErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err, ok := <-srvErr:
		if ok {
			runErr = errors.Wrap(err, "http server")
		}
	}

	a.log.Info().Msg("shutting down")
	a.pool.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = errors.Wrap(err, "shutdown http server")
	}
	<-poolDone
	return runErr
}

// ListenAndRun listens on the configured address and calls Run.
func (a *App) ListenAndRun(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.Addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", a.cfg.Server.Addr)
	}
	return a.Run(ctx, ln)
}

func (a *App) Close() error {
	return a.db.Close()
}
