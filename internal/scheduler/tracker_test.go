package scheduler

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crawlflow/internal/bulk"
	"crawlflow/internal/domain"
	"crawlflow/internal/queue"
	"crawlflow/internal/registry"
	"crawlflow/internal/sqlitedb"
	"crawlflow/internal/store"
)

var base = time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store   *store.Store
	repo    queue.Repository
	reg     *registry.Registry
	tracker *Tracker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := sqlitedb.Open(filepath.Join(t.TempDir(), "crawlflow.db"), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, queue.EnsureSchema(db))
	require.NoError(t, store.EnsureSchema(db))

	clock := func() time.Time { return base }
	st := store.New(db).WithClock(clock)
	repo := queue.NewSQLiteRepo(db, queue.WithClock(clock))
	reg := registry.New(1, time.Minute)
	return &fixture{
		store:   st,
		repo:    repo,
		reg:     reg,
		tracker: NewTracker(st, repo, reg, time.Hour, WithClock(clock)),
	}
}

func (f *fixture) seed(t *testing.T, url string, rec *domain.Recurrence, lastCreated time.Time) domain.Subject {
	t.Helper()
	ctx := context.Background()
	last, err := f.store.CreateTarget(ctx, domain.Target{InputURL: url, CreatedAt: lastCreated})
	require.NoError(t, err)
	sub := domain.Subject{URL: url, LastTargetID: last.ID, OwnerGroups: []string{"admin"}, Recurrence: rec}
	require.NoError(t, f.store.SaveSubject(ctx, sub))
	return sub
}

func (f *fixture) subject(t *testing.T, url string) domain.Subject {
	t.Helper()
	sub, err := f.store.GetSubject(context.Background(), url)
	require.NoError(t, err)
	return sub
}

func TestTickEnqueuesDueSubject(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	opt := domain.Option{Timeout: 30, Delay: 5, Lang: "en-US"}
	f.seed(t, "https://a.example", &domain.Recurrence{Remaining: 24, PeriodHours: 1, Option: opt}, base.Add(-time.Hour))

	n, err := f.tracker.Tick(ctx, base)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	sub := f.subject(t, "https://a.example")
	assert.Equal(t, 23, sub.Recurrence.Remaining)
	assert.Equal(t, []string{"admin"}, sub.OwnerGroups)

	target, err := f.store.GetTarget(ctx, sub.LastTargetID)
	require.NoError(t, err)
	assert.Equal(t, opt, target.Option)
	assert.True(t, target.CreatedAt.Equal(base))
	assert.False(t, target.Done())

	jobs, err := f.repo.ListRecent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, domain.JobCrawl, jobs[0].Type)
	var payload domain.TargetPayload
	require.NoError(t, json.Unmarshal(jobs[0].Payload, &payload))
	assert.Equal(t, target.ID, payload.TargetID)
}

func TestTickAtMostOncePerBucket(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, "https://a.example", &domain.Recurrence{Remaining: 24, PeriodHours: 1}, base.Add(-3*time.Hour))

	for _, tc := range []struct {
		at   time.Time
		want int
	}{
		{base, 1},
		{base.Add(10 * time.Minute), 0},
		{base.Add(59 * time.Minute), 0},
		{base.Add(time.Hour), 1},
		{base.Add(time.Hour + 30*time.Minute), 0},
	} {
		n, err := f.tracker.Tick(ctx, tc.at)
		require.NoError(t, err)
		assert.Equal(t, tc.want, n, "tick at %s", tc.at.Format(time.Kitchen))
	}
	assert.Equal(t, 22, f.subject(t, "https://a.example").Recurrence.Remaining)
}

func TestRemainingOnlyDecreases(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	const initial = 3
	f.seed(t, "https://a.example", &domain.Recurrence{Remaining: initial, PeriodHours: 1}, base.Add(-time.Hour))

	due, prev := 0, initial
	for at := base; at.Before(base.Add(6 * time.Hour)); at = at.Add(10 * time.Minute) {
		n, err := f.tracker.Tick(ctx, at)
		require.NoError(t, err)
		due += n

		rem := f.subject(t, "https://a.example").Recurrence.Remaining
		require.LessOrEqual(t, rem, prev)
		require.GreaterOrEqual(t, rem, 0)
		prev = rem
	}

	assert.Equal(t, initial, due)
	sub := f.subject(t, "https://a.example")
	require.NotNil(t, sub.Recurrence, "exhausted recurrence stays in place")
	assert.Equal(t, 0, sub.Recurrence.Remaining)

	recurring, err := f.store.ListRecurring(ctx)
	require.NoError(t, err)
	assert.Empty(t, recurring)
}

// The bucket width is fixed; periodHours only counts buckets. A target created
// late in an hour becomes due at the top of the hour periodHours later.
func TestDueCountsWholeBucketsRegardlessOfPeriod(t *testing.T) {
	t.Parallel()
	last := base.Add(59 * time.Minute)

	assert.False(t, Due(base.Add(2*time.Hour+59*time.Minute), last, 3, time.Hour))
	assert.True(t, Due(base.Add(3*time.Hour), last, 3, time.Hour), "due 2h01m after the last crawl")
	assert.True(t, Due(base.Add(time.Hour), last, 1, time.Hour), "due one minute after the last crawl")
	assert.False(t, Due(base.Add(time.Hour), last, 1, 2*time.Hour))
}

func TestTickMissingLastTargetIsDue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.store.SaveSubject(ctx, domain.Subject{
		URL:          "https://gone.example",
		LastTargetID: "tgt_deleted",
		Recurrence:   &domain.Recurrence{Remaining: 2, PeriodHours: 1},
	}))

	n, err := f.tracker.Tick(ctx, base)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, f.subject(t, "https://gone.example").Recurrence.Remaining)
}

func TestTickIgnoresInactiveSubjects(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, "https://none.example", nil, base.Add(-48*time.Hour))
	f.seed(t, "https://spent.example", &domain.Recurrence{Remaining: 0, PeriodHours: 1}, base.Add(-48*time.Hour))

	n, err := f.tracker.Tick(ctx, base)
	require.NoError(t, err)
	assert.Zero(t, n)

	jobs, err := f.repo.ListRecent(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestHandleUsesClock(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, "https://a.example", &domain.Recurrence{Remaining: 1, PeriodHours: 1}, base.Add(-time.Hour))

	require.NoError(t, f.tracker.Handle(ctx, json.RawMessage(`{}`)))
	assert.Equal(t, 0, f.subject(t, "https://a.example").Recurrence.Remaining)
}

// listDue mirrors the first half of Tick: the subject as listed and found due.
func (f *fixture) listDue(t *testing.T, url string, now time.Time) domain.Subject {
	t.Helper()
	sub := f.subject(t, url)
	due, err := isDue(context.Background(), f.store, sub, now, time.Hour)
	require.NoError(t, err)
	require.True(t, due)
	return sub
}

func TestRecrawlSkipsSubjectResubmittedAfterListing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, "https://a.example", &domain.Recurrence{Remaining: 3, PeriodHours: 1}, base.Add(-time.Hour))
	listed := f.listDue(t, "https://a.example", base)

	submitter := bulk.NewSubmitter(f.store, f.repo, f.reg, bulk.DefaultPolicy, bulk.WithClock(func() time.Time { return base }))
	ids, err := submitter.Submit(ctx, []domain.Input{{URL: "https://a.example"}}, bulk.RecurrenceReset, bulk.Requester{Groups: []string{"ops"}})
	require.NoError(t, err)

	_, err = f.tracker.recrawl(ctx, listed.URL, base)
	require.True(t, errors.Is(err, errNotDue))

	sub := f.subject(t, "https://a.example")
	assert.Equal(t, []string{"admin", "ops"}, sub.OwnerGroups)
	assert.Equal(t, bulk.DefaultPolicy.Remaining, sub.Recurrence.Remaining, "reset kept")
	assert.Equal(t, ids[0], sub.LastTargetID)

	jobs, err := f.repo.ListRecent(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, jobs, 1, "only the submitted crawl")
}

func TestRecrawlKeepsFieldsWrittenAfterListing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, "https://a.example", &domain.Recurrence{Remaining: 3, PeriodHours: 1}, base.Add(-time.Hour))
	listed := f.listDue(t, "https://a.example", base)

	other := f.subject(t, "https://a.example")
	other.OwnerGroups = append(other.OwnerGroups, "ops")
	other.Recurrence.Remaining = 10
	require.NoError(t, f.store.SaveSubject(ctx, other))

	res, err := f.tracker.recrawl(ctx, listed.URL, base)
	require.NoError(t, err)
	assert.Equal(t, 9, res.remaining)

	sub := f.subject(t, "https://a.example")
	assert.Equal(t, []string{"admin", "ops"}, sub.OwnerGroups)
	assert.Equal(t, 9, sub.Recurrence.Remaining)
	assert.Equal(t, res.targetID, sub.LastTargetID)
}

func TestRecrawlSkipsSubjectExhaustedAfterListing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, "https://a.example", &domain.Recurrence{Remaining: 1, PeriodHours: 1}, base.Add(-time.Hour))
	listed := f.listDue(t, "https://a.example", base)

	other := f.subject(t, "https://a.example")
	other.Recurrence.Remaining = 0
	require.NoError(t, f.store.SaveSubject(ctx, other))

	_, err := f.tracker.recrawl(ctx, listed.URL, base)
	require.True(t, errors.Is(err, errNotDue))
	assert.Equal(t, 0, f.subject(t, "https://a.example").Recurrence.Remaining)

	jobs, err := f.repo.ListRecent(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}
