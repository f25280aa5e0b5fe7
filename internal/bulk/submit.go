// Package bulk creates targets and subjects for a batch of submitted URLs and
// enqueues one crawl job per target.
package bulk

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"crawlflow/internal/domain"
	"crawlflow/internal/metrics"
	"crawlflow/internal/queue"
	"crawlflow/internal/registry"
	"crawlflow/internal/store"
)

// RecurrenceRequest says what a submission does to each subject's recurrence.
type RecurrenceRequest int

const (
	// RecurrenceNone leaves existing recurrence untouched.
	RecurrenceNone RecurrenceRequest = iota
	// RecurrenceEnable arms recurrence unless it is already active.
	RecurrenceEnable
	// RecurrenceReset always overwrites recurrence with a fresh budget.
	RecurrenceReset
)

var ErrInvalidRecurrence = errors.New("invalid recurrence request")

// Requester identifies who submitted the batch.
type Requester struct {
	Groups []string
}

// Policy is the recurrence budget armed by RecurrenceEnable and RecurrenceReset.
type Policy struct {
	Remaining   int
	PeriodHours int
}

var DefaultPolicy = Policy{Remaining: 24, PeriodHours: 1}

type Option func(*Submitter)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Submitter) { s.log = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Submitter) { s.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(s *Submitter) { s.now = now }
}

type Submitter struct {
	store   *store.Store
	repo    queue.Repository
	reg     *registry.Registry
	policy  Policy
	log     zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewSubmitter(st *store.Store, repo queue.Repository, reg *registry.Registry, policy Policy, opts ...Option) *Submitter {
	if policy.Remaining <= 0 || policy.PeriodHours <= 0 {
		policy = DefaultPolicy
	}
	s := &Submitter{store: st, repo: repo, reg: reg, policy: policy, log: zerolog.Nop(), now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Submit persists one target per input and updates the subject of every
// distinct URL in a single transaction, then enqueues the crawl jobs. The
// returned ids follow input order. If enqueueing fails the targets already
// exist and their ids are returned alongside the error.
func (s *Submitter) Submit(ctx context.Context, inputs []domain.Input, code RecurrenceRequest, req Requester) ([]string, error) {
	if code < RecurrenceNone || code > RecurrenceReset {
		return nil, errors.Wrapf(ErrInvalidRecurrence, "code %d", code)
	}
	ids := make([]string, 0, len(inputs))
	if len(inputs) == 0 {
		return ids, nil
	}

	createdAt := s.now().UTC()
	err := s.store.WithTx(ctx, func(tx *store.Store) error {
		subjects := make(map[string]*domain.Subject)
		var order []string
		for _, in := range inputs {
			target, err := tx.CreateTarget(ctx, domain.Target{InputURL: in.URL, Option: in.Option, CreatedAt: createdAt})
			if err != nil {
				return err
			}
			ids = append(ids, target.ID)

			sub, ok := subjects[in.URL]
			if !ok {
				loaded, err := tx.GetSubject(ctx, in.URL)
				switch {
				case errors.Is(err, domain.ErrNotFound):
					loaded = domain.Subject{URL: in.URL}
				case err != nil:
					return err
				}
				sub = &loaded
				subjects[in.URL] = sub
				order = append(order, in.URL)
			}
			sub.MergeGroups(req.Groups)
			sub.LastTargetID = target.ID
			s.applyRecurrence(sub, code, in.Option)
		}
		for _, url := range order {
			if err := tx.SaveSubject(ctx, *subjects[url]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, id := range ids {
		job, err := s.reg.NewJob(domain.JobCrawl, domain.TargetPayload{TargetID: id})
		if err != nil {
			return ids, err
		}
		if _, err := s.repo.Enqueue(ctx, job); err != nil {
			return ids, errors.Wrapf(err, "enqueue crawl for %s", id)
		}
	}

	s.metrics.TargetsSubmitted(len(ids))
	s.log.Info().Int("targets", len(ids)).Int("recurrence", int(code)).Strs("groups", req.Groups).Msg("crawl batch submitted")
	return ids, nil
}

func (s *Submitter) applyRecurrence(sub *domain.Subject, code RecurrenceRequest, opt domain.Option) {
	switch code {
	case RecurrenceEnable:
		if sub.Recurrence.Active() {
			return
		}
	case RecurrenceReset:
	default:
		return
	}
	sub.Recurrence = &domain.Recurrence{
		Remaining:   s.policy.Remaining,
		PeriodHours: s.policy.PeriodHours,
		Option:      opt,
	}
}
