package progress

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crawlflow/internal/domain"
	"crawlflow/internal/sqlitedb"
	"crawlflow/internal/store"
)

func newStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := sqlitedb.Open(filepath.Join(t.TempDir(), "crawlflow.db"), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.EnsureSchema(db))
	return store.New(db)
}

func TestProgressPendingAndUnknown(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newStore(t)
	pending, err := st.CreateTarget(ctx, domain.Target{InputURL: "https://a.example"})
	require.NoError(t, err)

	got, err := New(st).Progress(ctx, []string{pending.ID, "tgt_unknown"})
	require.NoError(t, err)

	assert.False(t, got.Completed)
	require.Len(t, got.Targets, 2)
	assert.Equal(t, domain.TargetProgress{ID: pending.ID, Known: true}, got.Targets[0])
	assert.Equal(t, domain.TargetProgress{ID: "tgt_unknown"}, got.Targets[1])
}

func TestProgressCompletesAndStaysDone(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newStore(t)
	agg := New(st)

	ok, err := st.CreateTarget(ctx, domain.Target{InputURL: "https://a.example"})
	require.NoError(t, err)
	bad, err := st.CreateTarget(ctx, domain.Target{InputURL: "https://b.example"})
	require.NoError(t, err)
	ids := []string{ok.ID, bad.ID}

	_, err = st.RecordCrawl(ctx, ok.ID, domain.CrawlResult{Requests: []domain.RequestRecord{{URL: "https://a.example"}, {URL: "https://a.example/app.js"}}})
	require.NoError(t, err)

	got, err := agg.Progress(ctx, ids)
	require.NoError(t, err)
	assert.False(t, got.Completed)
	assert.Equal(t, 2, got.Targets[0].RequestCount)

	_, err = st.RecordCrawl(ctx, bad.ID, domain.CrawlResult{Error: "net::ERR_NAME_NOT_RESOLVED"})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		got, err = agg.Progress(ctx, ids)
		require.NoError(t, err)
		assert.True(t, got.Completed)
		assert.True(t, got.Targets[1].Done)
		assert.True(t, got.Targets[1].HasError)
	}
}

func TestProgressEmpty(t *testing.T) {
	t.Parallel()
	got, err := New(newStore(t)).Progress(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, got.Completed)
	assert.Empty(t, got.Targets)
}

type failingReader struct{}

func (failingReader) GetTargets(context.Context, []string) (map[string]domain.Target, error) {
	return nil, domain.Unavailable(errors.New("disk I/O error"), "get targets")
}

func TestProgressStorageFailure(t *testing.T) {
	t.Parallel()
	_, err := New(failingReader{}).Progress(context.Background(), []string{"tgt_1"})
	require.True(t, errors.Is(err, domain.ErrStorageUnavailable))
}
