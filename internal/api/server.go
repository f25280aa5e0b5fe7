package api

import (
	"context"
	"encoding/json"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"crawlflow/internal/bulk"
	"crawlflow/internal/domain"
	"crawlflow/internal/metrics"
	"crawlflow/internal/queue"
)

const (
	defaultTimeout = 30
	defaultDelay   = 5
)

var validURL = regexp.MustCompile(`(https?|ftp)://.+`)

type Submitter interface {
	Submit(ctx context.Context, inputs []domain.Input, code bulk.RecurrenceRequest, req bulk.Requester) ([]string, error)
}

type ProgressReader interface {
	Progress(ctx context.Context, ids []string) (domain.Progress, error)
}

type TargetReader interface {
	GetTarget(ctx context.Context, id string) (domain.Target, error)
}

type Deps struct {
	Jobs      queue.Repository
	Targets   TargetReader
	Submitter Submitter
	Progress  ProgressReader
	// Gatherer backs /metrics; nil uses the default registry.
	Gatherer prometheus.Gatherer
	Log      zerolog.Logger
	// Debug mounts net/http/pprof under /debug.
	Debug bool
}

type Server struct {
	r    *chi.Mux
	deps Deps
}

func NewServer(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, deps: d}

	r.Get("/health", s.health)
	r.Handle("/metrics", metrics.Handler(d.Gatherer))
	r.Route("/api", func(r chi.Router) {
		r.Post("/crawls", s.submitCrawls)
		r.Post("/progress", s.progress)
		r.Get("/targets/{id}", s.getTarget)
		r.Get("/jobs", s.listJobs)
		r.Get("/jobs/{id}", s.getJob)
	})

	if d.Debug {
		r.Mount("/debug", middleware.Profiler())
	}
	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// stringList accepts either a JSON string or an array of strings.
type stringList []string

func (l *stringList) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		if one != "" {
			*l = stringList{one}
		}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*l = many
	return nil
}

type submitReq struct {
	URL           string            `json:"url"`
	Lang          stringList        `json:"lang"`
	UserAgent     stringList        `json:"user_agent"`
	Timeout       int               `json:"timeout"`
	Delay         int               `json:"delay"`
	Referer       string            `json:"referer"`
	Proxy         string            `json:"proxy"`
	Click         bool              `json:"click"`
	ExHeaders     map[string]string `json:"ex_headers"`
	DisableScript bool              `json:"disable_script"`
	Headless      bool              `json:"headless"`
	Track         int               `json:"track"`
	Groups        []string          `json:"groups"`
}

type submitResp struct {
	OK    bool     `json:"ok"`
	IDs   []string `json:"ids"`
	Count int      `json:"count"`
}

// inputs expands every valid URL into one input per lang and user agent pair.
func (req submitReq) inputs() []domain.Input {
	langs := []string(req.Lang)
	if len(langs) == 0 {
		langs = []string{""}
	}
	agents := []string(req.UserAgent)
	if len(agents) == 0 {
		agents = []string{""}
	}
	timeout, delay := req.Timeout, req.Delay
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if delay <= 0 {
		delay = defaultDelay
	}

	var out []domain.Input
	for _, line := range strings.FieldsFunc(req.URL, func(r rune) bool { return r == '\r' || r == '\n' || r == ',' }) {
		u := validURL.FindString(strings.TrimSpace(line))
		if u == "" {
			continue
		}
		for _, lang := range langs {
			for _, ua := range agents {
				out = append(out, domain.Input{URL: u, Option: domain.Option{
					Timeout:       timeout,
					Delay:         delay,
					Lang:          lang,
					UserAgent:     ua,
					Referer:       req.Referer,
					Proxy:         req.Proxy,
					Click:         req.Click,
					ExHeaders:     req.ExHeaders,
					DisableScript: req.DisableScript,
					Headless:      req.Headless,
				}})
			}
		}
	}
	return out
}

func (s *Server) submitCrawls(w http.ResponseWriter, r *http.Request) {
	var req submitReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err)
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		writeError(w, http.StatusBadRequest, "url_required", nil)
		return
	}
	inputs := req.inputs()
	if len(inputs) == 0 {
		writeError(w, http.StatusBadRequest, "no_valid_urls", nil)
		return
	}

	ids, err := s.deps.Submitter.Submit(r.Context(), inputs, bulk.RecurrenceRequest(req.Track), bulk.Requester{Groups: req.Groups})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResp{OK: true, IDs: ids, Count: len(ids)})
}

type progressReq struct {
	IDs stringList `json:"ids"`
}

func (s *Server) progress(w http.ResponseWriter, r *http.Request) {
	var req progressReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err)
		return
	}
	var ids []string
	for _, v := range req.IDs {
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
	}
	if len(ids) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_ids", nil)
		return
	}

	p, err := s.deps.Progress.Progress(r.Context(), ids)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) getTarget(w http.ResponseWriter, r *http.Request) {
	t, err := s.deps.Targets.GetTarget(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type jobView struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	Priority       int             `json:"priority"`
	NextRunAt      *time.Time      `json:"next_run_at"`
	LockedAt       *time.Time      `json:"locked_at,omitempty"`
	RepeatSpec     string          `json:"repeat_spec,omitempty"`
	LastFinishedAt *time.Time      `json:"last_finished_at,omitempty"`
	FailCount      int             `json:"fail_count"`
	LastError      string          `json:"last_error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

func viewJob(j domain.Job) jobView {
	return jobView{
		ID:             j.ID,
		Type:           j.Type,
		Payload:        j.Payload,
		Priority:       j.Priority,
		NextRunAt:      j.NextRunAt,
		LockedAt:       j.LockedAt,
		RepeatSpec:     j.RepeatSpec,
		LastFinishedAt: j.LastFinishedAt,
		FailCount:      j.FailCount,
		LastError:      j.LastError,
		CreatedAt:      j.CreatedAt,
	}
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			writeError(w, http.StatusBadRequest, "invalid_limit", nil)
			return
		}
		limit = n
	}
	jobs, err := s.deps.Jobs.ListRecent(r.Context(), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, viewJob(j))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.deps.Jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewJob(j))
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", nil)
	case errors.Is(err, bulk.ErrInvalidRecurrence):
		writeError(w, http.StatusBadRequest, "invalid_track", err)
	case errors.Is(err, domain.ErrStorageUnavailable):
		s.deps.Log.Error().Err(err).Str("path", r.URL.Path).Msg("storage unavailable")
		writeError(w, http.StatusServiceUnavailable, "storage_unavailable", nil)
	default:
		s.deps.Log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal_error", nil)
	}
}

type errorResp struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func writeError(w http.ResponseWriter, code int, msg string, err error) {
	resp := errorResp{Error: msg}
	if err != nil {
		resp.Detail = err.Error()
	}
	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
