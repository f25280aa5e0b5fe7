package crawl

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"golang.org/x/time/rate"
)

// hostLimiter spaces out fetches per host so a large batch against one site
// does not hammer it.
type hostLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func newHostLimiter(rps float64, burst int) *hostLimiter {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &hostLimiter{limiters: make(map[string]*rate.Limiter), limit: limit, burst: burst}
}

func (l *hostLimiter) Wait(ctx context.Context, rawURL string) error {
	host := "unknown"
	if u, err := url.Parse(rawURL); err == nil && u.Hostname() != "" {
		host = u.Hostname()
	}

	l.mu.Lock()
	lim, ok := l.limiters[host]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[host] = lim
	}
	l.mu.Unlock()

	if err := lim.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait for %s: %w", host, err)
	}
	return nil
}
