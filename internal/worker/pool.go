// Package worker runs the polling loop that claims due jobs and dispatches
// them to registered handlers under a global and a per-type concurrency limit.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"crawlflow/internal/domain"
	"crawlflow/internal/metrics"
	"crawlflow/internal/queue"
	"crawlflow/internal/registry"
)

type Config struct {
	PollInterval   time.Duration
	MaxConcurrency int
	// ReleaseDelay pushes back jobs whose type is at its limit.
	ReleaseDelay time.Duration
}

type Option func(*Pool)

func WithLogger(l zerolog.Logger) Option {
	return func(p *Pool) { p.log = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// Pool owns the in-flight accounting for one scheduler. Several pools may share
// a job store; the store's atomic claim keeps them from running the same job.
type Pool struct {
	repo      queue.Repository
	reg       *registry.Registry
	log       zerolog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
	pollEvery time.Duration
	delay     time.Duration

	sem      chan struct{}
	mu       sync.Mutex
	inFlight map[string]int
	wg       sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once
}

func NewPool(repo queue.Repository, reg *registry.Registry, cfg Config, opts ...Option) *Pool {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	p := &Pool{
		repo:      repo,
		reg:       reg,
		log:       zerolog.Nop(),
		now:       time.Now,
		pollEvery: cfg.PollInterval,
		delay:     cfg.ReleaseDelay,
		sem:       make(chan struct{}, cfg.MaxConcurrency),
		inFlight:  make(map[string]int),
		stop:      make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Run polls until ctx is cancelled or Stop is called, then waits for
// in-flight handlers before returning. Running handlers are never cancelled.
func (p *Pool) Run(ctx context.Context) {
	t := time.NewTicker(p.pollEvery)
	defer t.Stop()
	defer p.wg.Wait()

	p.log.Info().Dur("interval", p.pollEvery).Int("max_concurrency", cap(p.sem)).Msg("scheduler started")
	p.Tick(ctx, p.now())
	for {
		select {
		case <-ctx.Done():
			p.log.Info().Msg("scheduler stopping, waiting for in-flight jobs")
			return
		case <-p.stop:
			p.log.Info().Msg("scheduler stopping, waiting for in-flight jobs")
			return
		case <-t.C:
			p.Tick(ctx, p.now())
		}
	}
}

// Stop ends the polling loop. It is safe to call more than once.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
}

// Tick claims what the free global budget allows and dispatches it. It returns
// the number of jobs handed to handlers.
func (p *Pool) Tick(ctx context.Context, now time.Time) int {
	budget := cap(p.sem) - len(p.sem)
	if budget <= 0 {
		return 0
	}
	jobs, err := p.repo.ClaimDue(ctx, now, budget)
	if err != nil {
		p.metrics.ClaimError()
		p.log.Error().Err(err).Bool("storage_unavailable", errors.Is(err, domain.ErrStorageUnavailable)).
			Msg("claim due jobs failed, retrying next tick")
		return 0
	}

	dispatched := 0
	for _, job := range jobs {
		if job.Reclaimed {
			p.metrics.Reclaimed(job.Type)
			p.log.Debug().Err(domain.ErrLockExpired).Str("job_id", job.ID).Str("job_type", job.Type).
				Msg("reclaimed job with expired lock")
		}

		def, err := p.reg.Lookup(job.Type)
		if err != nil {
			p.log.Error().Err(err).Str("job_id", job.ID).Str("job_type", job.Type).
				Msg("no handler registered for job type, marking failed")
			p.metrics.JobRejected(job.Type, metrics.OutcomeUnknown)
			if ferr := p.repo.Fail(ctx, job.ID, now, err); ferr != nil {
				p.log.Error().Err(ferr).Str("job_id", job.ID).Msg("fail job failed")
			}
			continue
		}

		if !p.acquire(def) {
			p.metrics.Released(job.Type)
			if rerr := p.repo.Release(ctx, job.ID, now.Add(p.delay)); rerr != nil {
				// the lock expires on its own
				p.log.Error().Err(rerr).Str("job_id", job.ID).Msg("release job failed")
			}
			continue
		}

		p.wg.Add(1)
		go p.run(context.WithoutCancel(ctx), job, def)
		dispatched++
	}
	return dispatched
}

func (p *Pool) acquire(def registry.Definition) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inFlight[def.Name] >= def.Concurrency {
		return false
	}
	select {
	case p.sem <- struct{}{}:
	default:
		return false
	}
	p.inFlight[def.Name]++
	return true
}

func (p *Pool) release(jobType string) {
	p.mu.Lock()
	p.inFlight[jobType]--
	if p.inFlight[jobType] <= 0 {
		delete(p.inFlight, jobType)
	}
	p.mu.Unlock()
	<-p.sem
}

// InFlight returns the number of running handlers of jobType.
func (p *Pool) InFlight(jobType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inFlight[jobType]
}

func (p *Pool) run(ctx context.Context, job domain.Job, def registry.Definition) {
	defer p.wg.Done()
	defer p.release(job.Type)

	logger := p.log.With().Str("job_id", job.ID).Str("job_type", job.Type).Logger()
	p.metrics.JobStarted(job.Type)
	start := time.Now()
	runErr := invoke(ctx, def.Handler, job)
	elapsed := time.Since(start)

	outcome := metrics.OutcomeSuccess
	if runErr != nil {
		outcome = metrics.OutcomeFailure
		logger.Warn().Err(runErr).Dur("elapsed", elapsed).Msg("job failed")
	} else {
		logger.Debug().Dur("elapsed", elapsed).Msg("job succeeded")
	}
	p.metrics.JobFinished(job.Type, outcome, elapsed)

	out := queue.Outcome{Err: runErr}
	if job.LockedAt != nil {
		out.LockedAt = *job.LockedAt
	}
	if runErr == nil && def.FollowUp != "" {
		out.FollowUp = p.followUp(logger, job, def.FollowUp)
	}
	err := p.repo.Finish(ctx, job.ID, p.now(), out)
	switch {
	case errors.Is(err, domain.ErrLockExpired):
		logger.Warn().Err(err).Msg("lock taken over by another worker, result dropped")
	case err != nil:
		logger.Error().Err(err).Msg("finish job failed")
	case out.FollowUp != nil:
		logger.Debug().Str("follow_up", out.FollowUp.Type).Msg("follow-up job enqueued")
	}
}

func (p *Pool) followUp(logger zerolog.Logger, job domain.Job, jobType string) *domain.Job {
	next, err := p.reg.NewJob(jobType, job.Payload)
	if err != nil {
		logger.Error().Err(err).Str("follow_up", jobType).Msg("build follow-up job failed")
		return nil
	}
	return &next
}

// invoke runs the handler, turning returned errors and panics into handler failures.
func invoke(ctx context.Context, h registry.Handler, job domain.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Mark(errors.Newf("panic in %s handler: %v", job.Type, r), domain.ErrHandlerFailure)
		}
	}()
	if err := h.Handle(ctx, job.Payload); err != nil {
		return errors.Mark(err, domain.ErrHandlerFailure)
	}
	return nil
}
