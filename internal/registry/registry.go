// Package registry maps job type names to handlers and their scheduling policy.
package registry

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"crawlflow/internal/domain"
)

type Handler interface {
	Handle(ctx context.Context, payload json.RawMessage) error
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) error

func (f HandlerFunc) Handle(ctx context.Context, payload json.RawMessage) error {
	return f(ctx, payload)
}

// Definition is the registered policy for one job type.
type Definition struct {
	Name         string
	Handler      Handler
	Concurrency  int
	Priority     int
	LockLifetime time.Duration
	// FollowUp is enqueued with the same payload, atomically with the successful
	// run being recorded.
	FollowUp string
}

type Option func(*Definition)

func WithPriority(p int) Option {
	return func(d *Definition) { d.Priority = p }
}

func WithLockLifetime(l time.Duration) Option {
	return func(d *Definition) { d.LockLifetime = l }
}

func WithFollowUp(jobType string) Option {
	return func(d *Definition) { d.FollowUp = jobType }
}

type Registry struct {
	mu                 sync.RWMutex
	defs               map[string]Definition
	defaultConcurrency int
	defaultLifetime    time.Duration
}

// New returns an empty registry. Non-positive concurrency passed to Register
// falls back to defaultConcurrency, and a zero lock lifetime to defaultLifetime.
func New(defaultConcurrency int, defaultLifetime time.Duration) *Registry {
	if defaultConcurrency <= 0 {
		defaultConcurrency = 1
	}
	return &Registry{
		defs:               make(map[string]Definition),
		defaultConcurrency: defaultConcurrency,
		defaultLifetime:    defaultLifetime,
	}
}

// Register adds or replaces the handler for name.
func (r *Registry) Register(name string, h Handler, concurrency int, opts ...Option) {
	if concurrency <= 0 {
		concurrency = r.defaultConcurrency
	}
	d := Definition{Name: name, Handler: h, Concurrency: concurrency, LockLifetime: r.defaultLifetime}
	for _, o := range opts {
		o(&d)
	}
	r.mu.Lock()
	r.defs[name] = d
	r.mu.Unlock()
}

func (r *Registry) Lookup(name string) (Definition, error) {
	r.mu.RLock()
	d, ok := r.defs[name]
	r.mu.RUnlock()
	if !ok {
		return Definition{}, errors.Wrapf(domain.ErrUnknownJobType, "%q", name)
	}
	return d, nil
}

// NewJob builds a job of the given type with the registered priority and lock
// lifetime. Unknown types get the registry defaults.
func (r *Registry) NewJob(name string, payload any) (domain.Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return domain.Job{}, errors.Wrapf(err, "encode %s payload", name)
	}
	job := domain.Job{Type: name, Payload: raw, LockLifetime: r.defaultLifetime}
	if d, err := r.Lookup(name); err == nil {
		job.Priority = d.Priority
		job.LockLifetime = d.LockLifetime
	}
	return job, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.defs))
	for n := range r.defs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
