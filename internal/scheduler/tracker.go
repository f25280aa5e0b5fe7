// Package scheduler holds the recurrence tracker, the repeating job that
// re-enqueues crawls for subjects with runs remaining.
package scheduler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"crawlflow/internal/domain"
	"crawlflow/internal/metrics"
	"crawlflow/internal/queue"
	"crawlflow/internal/registry"
	"crawlflow/internal/store"
)

type Option func(*Tracker)

func WithLogger(l zerolog.Logger) Option {
	return func(t *Tracker) { t.log = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Tracker) { t.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

type Tracker struct {
	store   *store.Store
	repo    queue.Repository
	reg     *registry.Registry
	bucket  time.Duration
	log     zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewTracker returns a tracker deciding due-ness in buckets of the given width.
func NewTracker(st *store.Store, repo queue.Repository, reg *registry.Registry, bucket time.Duration, opts ...Option) *Tracker {
	if bucket <= 0 {
		bucket = time.Hour
	}
	t := &Tracker{
		store:  st,
		repo:   repo,
		reg:    reg,
		bucket: bucket,
		log:    zerolog.Nop(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Handle runs one tick; it is the recurrence-tick job handler.
func (t *Tracker) Handle(ctx context.Context, _ json.RawMessage) error {
	_, err := t.Tick(ctx, t.now())
	return err
}

// errNotDue reports a subject that changed between listing and re-enqueueing.
var errNotDue = errors.New("subject no longer due")

// Tick enqueues a crawl for every recurring subject due at now and returns how
// many were enqueued. Failures on one subject are logged and skipped.
func (t *Tracker) Tick(ctx context.Context, now time.Time) (int, error) {
	subjects, err := t.store.ListRecurring(ctx)
	if err != nil {
		return 0, err
	}

	enqueued := 0
	for _, sub := range subjects {
		logger := t.log.With().Str("url", sub.URL).Logger()
		due, err := isDue(ctx, t.store, sub, now, t.bucket)
		if err != nil {
			logger.Error().Err(err).Msg("check recurrence failed")
			continue
		}
		if !due {
			continue
		}
		res, err := t.recrawl(ctx, sub.URL, now)
		if errors.Is(err, errNotDue) {
			logger.Debug().Msg("subject changed since listing, skipped")
			continue
		}
		if err != nil {
			logger.Error().Err(err).Msg("re-enqueue crawl failed")
			continue
		}
		enqueued++
		logger.Info().
			Str("target_id", res.targetID).
			Str("job_id", res.jobID).
			Int("remaining", res.remaining).
			Msg("recurring crawl enqueued")
	}

	t.metrics.RecurrenceEnqueued(enqueued)
	t.log.Debug().Int("subjects", len(subjects)).Int("enqueued", enqueued).Msg("recurrence tick done")
	return enqueued, nil
}

func isDue(ctx context.Context, st *store.Store, sub domain.Subject, now time.Time, bucket time.Duration) (bool, error) {
	if !sub.Recurrence.Active() {
		return false, nil
	}
	if sub.LastTargetID == "" {
		return true, nil
	}
	last, err := st.GetTarget(ctx, sub.LastTargetID)
	if errors.Is(err, domain.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return Due(now, last.CreatedAt, sub.Recurrence.PeriodHours, bucket), nil
}

// Due reports whether a subject whose last target was created at last is due
// at now. Both times are floored to bucket boundaries and periodHours counts
// whole buckets, so the bucket width stays fixed whatever the period.
func Due(now, last time.Time, periodHours int, bucket time.Duration) bool {
	width := bucket.Milliseconds()
	nowBucket := now.UnixMilli() / width
	dueBucket := int64(periodHours) + last.UnixMilli()/width
	return nowBucket >= dueBucket
}

type recrawlResult struct {
	targetID  string
	jobID     string
	remaining int
}

// recrawl re-reads the subject and, if it is still due, creates the next target
// and spends one run. Fields other writers own, such as owner groups, are
// never written here.
func (t *Tracker) recrawl(ctx context.Context, url string, now time.Time) (recrawlResult, error) {
	var res recrawlResult
	err := t.store.WithTx(ctx, func(tx *store.Store) error {
		sub, err := tx.GetSubject(ctx, url)
		if errors.Is(err, domain.ErrNotFound) {
			return errNotDue
		}
		if err != nil {
			return err
		}
		due, err := isDue(ctx, tx, sub, now, t.bucket)
		if err != nil {
			return err
		}
		if !due {
			return errNotDue
		}
		target, err := tx.CreateTarget(ctx, domain.Target{
			InputURL:  sub.URL,
			Option:    sub.Recurrence.Option,
			CreatedAt: now.UTC(),
		})
		if err != nil {
			return err
		}
		ok, err := tx.AdvanceRecurrence(ctx, sub.URL, target.ID)
		if err != nil {
			return err
		}
		if !ok {
			return errNotDue
		}
		res.targetID = target.ID
		res.remaining = sub.Recurrence.Remaining - 1
		return nil
	})
	if err != nil {
		return recrawlResult{}, err
	}

	job, err := t.reg.NewJob(domain.JobCrawl, domain.TargetPayload{TargetID: res.targetID})
	if err != nil {
		return res, err
	}
	res.jobID, err = t.repo.Enqueue(ctx, job)
	if err != nil {
		return res, errors.Wrapf(err, "enqueue crawl for %s", res.targetID)
	}
	return res, nil
}
