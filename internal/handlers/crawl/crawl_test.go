package crawl

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crawlflow/internal/domain"
)

type memStore struct {
	mu      sync.Mutex
	targets map[string]domain.Target
}

func newMemStore(targets ...domain.Target) *memStore {
	m := &memStore{targets: make(map[string]domain.Target)}
	for _, t := range targets {
		m.targets[t.ID] = t
	}
	return m
}

func (m *memStore) GetTarget(_ context.Context, id string) (domain.Target, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.targets[id]
	if !ok {
		return domain.Target{}, domain.ErrNotFound
	}
	return t, nil
}

func (m *memStore) RecordCrawl(_ context.Context, id string, res domain.CrawlResult) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.targets[id]
	if t.Done() {
		return false, nil
	}
	res = res.Normalized()
	t.Content, t.Error, t.Requests = res.Content, res.Error, res.Requests
	m.targets[id] = t
	return true, nil
}

func payload(id string) json.RawMessage {
	b, _ := json.Marshal(domain.TargetPayload{TargetID: id})
	return b
}

func TestHandleRecordsRedirectsAndHeaders(t *testing.T) {
	t.Parallel()

	headers := make(chan http.Header, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/final", http.StatusFound)
	})
	mux.HandleFunc("/final", func(w http.ResponseWriter, r *http.Request) {
		headers <- r.Header.Clone()
		_, _ = w.Write([]byte("<html><head><title>Final</title></head></html>"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	st := newMemStore(domain.Target{ID: "tgt_1", InputURL: srv.URL + "/start", Option: domain.Option{
		Timeout:   5,
		Lang:      "ja-JP",
		UserAgent: "crawlflow-test",
		ExHeaders: map[string]string{"X-Test": "1"},
	}})

	require.NoError(t, New(st, time.Second).Handle(context.Background(), payload("tgt_1")))

	got, _ := st.GetTarget(context.Background(), "tgt_1")
	assert.True(t, got.Done())
	assert.Empty(t, got.Error)
	assert.Contains(t, got.Content, "<title>Final</title>")
	require.Len(t, got.Requests, 2)

	assert.Equal(t, srv.URL+"/start", got.Requests[0].URL)
	assert.Equal(t, http.StatusFound, got.Requests[0].Status)
	final := got.Requests[1]
	assert.Equal(t, srv.URL+"/final", final.URL)
	assert.Equal(t, http.StatusOK, final.Status)
	assert.True(t, final.IsNavigation)
	assert.Equal(t, []string{srv.URL + "/start", srv.URL + "/final"}, final.RedirectChain)

	seen := <-headers
	assert.Equal(t, "ja-JP", seen.Get("Accept-Language"))
	assert.Equal(t, "crawlflow-test", seen.Get("User-Agent"))
	assert.Equal(t, "1", seen.Get("X-Test"))
}

func TestHandleKeepsErrorStatusAsRequest(t *testing.T) {
	t.Parallel()
	referer := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		referer <- r.Referer()
		http.NotFound(w, r)
	}))
	defer srv.Close()

	st := newMemStore(domain.Target{ID: "tgt_1", InputURL: srv.URL, Option: domain.Option{Referer: "https://referrer.example"}})
	require.NoError(t, New(st, time.Second).Handle(context.Background(), payload("tgt_1")))
	assert.Equal(t, "https://referrer.example", <-referer)

	got, _ := st.GetTarget(context.Background(), "tgt_1")
	require.Len(t, got.Requests, 1)
	assert.Equal(t, http.StatusNotFound, got.Requests[0].Status)
	assert.Nil(t, got.Requests[0].RedirectChain)
}

func TestHandleWritesFetchErrorOntoTarget(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	st := newMemStore(domain.Target{ID: "tgt_1", InputURL: url})
	err := New(st, time.Second).Handle(context.Background(), payload("tgt_1"))
	require.Error(t, err)

	got, _ := st.GetTarget(context.Background(), "tgt_1")
	assert.True(t, got.Done())
	assert.NotEmpty(t, got.Error)
	assert.Empty(t, got.Requests)
}

func TestHandleRejectsBadProxy(t *testing.T) {
	t.Parallel()
	st := newMemStore(domain.Target{ID: "tgt_1", InputURL: "http://127.0.0.1:1", Option: domain.Option{Proxy: "::bad"}})

	err := New(st, time.Second).Handle(context.Background(), payload("tgt_1"))
	require.Error(t, err)
	got, _ := st.GetTarget(context.Background(), "tgt_1")
	assert.Contains(t, got.Error, "invalid proxy")
}

func TestHandleBadPayload(t *testing.T) {
	t.Parallel()
	h := New(newMemStore(), time.Second)

	require.Error(t, h.Handle(context.Background(), json.RawMessage(`not json`)))
	require.Error(t, h.Handle(context.Background(), json.RawMessage(`{}`)))
	require.ErrorIs(t, h.Handle(context.Background(), payload("tgt_missing")), domain.ErrNotFound)
}
