// Package crawl is the default crawl job handler. It fetches a target's URL
// with colly and records the navigation requests and body on the target.
package crawl

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gocolly/colly/v2"

	"crawlflow/internal/domain"
)

const maxRedirects = 10

// Store is the part of the target store the handler writes to.
type Store interface {
	GetTarget(ctx context.Context, id string) (domain.Target, error)
	RecordCrawl(ctx context.Context, id string, res domain.CrawlResult) (bool, error)
}

type Handler struct {
	store          Store
	defaultTimeout time.Duration
	transport      http.RoundTripper
	limiter        *hostLimiter
}

type Option func(*Handler)

// WithTransport replaces the HTTP transport used for fetches.
func WithTransport(rt http.RoundTripper) Option {
	return func(h *Handler) { h.transport = rt }
}

// WithHostRate caps fetches per host at rps with the given burst.
func WithHostRate(rps float64, burst int) Option {
	return func(h *Handler) { h.limiter = newHostLimiter(rps, burst) }
}

func New(st Store, defaultTimeout time.Duration, opts ...Option) *Handler {
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	h := &Handler{store: st, defaultTimeout: defaultTimeout, transport: newHTTPTransport()}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Handle crawls the target named in the payload. A failed fetch is written
// onto the target and returned so the job is marked failed.
func (h *Handler) Handle(ctx context.Context, payload json.RawMessage) error {
	var p domain.TargetPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("invalid crawl payload: %w", err)
	}
	if p.TargetID == "" {
		return fmt.Errorf("targetId is required")
	}

	target, err := h.store.GetTarget(ctx, p.TargetID)
	if err != nil {
		return fmt.Errorf("load target: %w", err)
	}

	var crawlErr error
	if h.limiter != nil {
		crawlErr = h.limiter.Wait(ctx, target.InputURL)
	}
	var res domain.CrawlResult
	if crawlErr == nil {
		res, crawlErr = h.fetch(ctx, target)
	}
	if crawlErr != nil {
		res = domain.CrawlResult{Error: crawlErr.Error()}
	}
	if _, err := h.store.RecordCrawl(ctx, target.ID, res); err != nil {
		return fmt.Errorf("record crawl: %w", err)
	}
	return crawlErr
}

func (h *Handler) fetch(ctx context.Context, target domain.Target) (domain.CrawlResult, error) {
	opt := target.Option
	timeout := h.defaultTimeout
	if opt.Timeout > 0 {
		timeout = time.Duration(opt.Timeout) * time.Second
	}

	c := colly.NewCollector(colly.AllowURLRevisit(), colly.IgnoreRobotsTxt())
	c.ParseHTTPErrorResponse = true
	c.SetRequestTimeout(timeout)
	rt, err := h.roundTripper(opt.Proxy)
	if err != nil {
		return domain.CrawlResult{}, err
	}
	c.WithTransport(&contextTransport{base: rt, ctx: ctx})
	if opt.UserAgent != "" {
		c.UserAgent = opt.UserAgent
	}

	var (
		res      domain.CrawlResult
		chain    = []string{target.InputURL}
		fetchErr error
	)
	c.SetRedirectHandler(func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return fmt.Errorf("stopped after %d redirects", maxRedirects)
		}
		prev := via[len(via)-1]
		rec := domain.RequestRecord{URL: prev.URL.String(), Method: prev.Method, ResourceType: "document", IsNavigation: true}
		if req.Response != nil {
			rec.Status = req.Response.StatusCode
		}
		res.Requests = append(res.Requests, rec)
		chain = append(chain, req.URL.String())
		return nil
	})
	c.OnRequest(func(r *colly.Request) {
		if opt.Lang != "" {
			r.Headers.Set("Accept-Language", opt.Lang)
		}
		if opt.Referer != "" {
			r.Headers.Set("Referer", opt.Referer)
		}
		for k, v := range opt.ExHeaders {
			r.Headers.Set(k, v)
		}
	})
	c.OnResponse(func(r *colly.Response) {
		res.Content = string(r.Body)
		rec := domain.RequestRecord{
			URL:          r.Request.URL.String(),
			Method:       r.Request.Method,
			Status:       r.StatusCode,
			ResourceType: "document",
			IsNavigation: true,
		}
		if len(chain) > 1 {
			rec.RedirectChain = chain
		}
		res.Requests = append(res.Requests, rec)
	})
	c.OnError(func(_ *colly.Response, err error) {
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- c.Visit(target.InputURL)
	}()
	select {
	case <-ctx.Done():
		return domain.CrawlResult{}, fmt.Errorf("crawl canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return domain.CrawlResult{}, fmt.Errorf("visit %s: %w", target.InputURL, err)
		}
		if fetchErr != nil {
			return domain.CrawlResult{}, fmt.Errorf("fetch %s: %w", target.InputURL, fetchErr)
		}
	}
	return res, nil
}

func (h *Handler) roundTripper(proxy string) (http.RoundTripper, error) {
	if proxy == "" {
		return h.transport, nil
	}
	u, err := url.Parse(proxy)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid proxy %q", proxy)
	}
	base, ok := h.transport.(*http.Transport)
	if !ok {
		base = newHTTPTransport()
	}
	t := base.Clone()
	t.Proxy = http.ProxyURL(u)
	return t, nil
}

// contextTransport ties in-flight requests to the job context.
type contextTransport struct {
	base http.RoundTripper
	ctx  context.Context
}

func (t *contextTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.ctx.Err(); err != nil {
		return nil, err
	}
	return t.base.RoundTrip(req.WithContext(t.ctx))
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
