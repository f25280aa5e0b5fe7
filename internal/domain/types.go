package domain

import (
	"encoding/json"
	"time"
)

// Well-known job types.
const (
	JobCrawl          = "crawl"
	JobAnalyze        = "analyze"
	JobRecurrenceTick = "recurrence-tick"
	JobLiveness       = "liveness"
)

type Job struct {
	ID             string
	Type           string
	Payload        json.RawMessage
	Priority       int
	NextRunAt      *time.Time // nil once the job is terminal
	LockedAt       *time.Time
	LockLifetime   time.Duration
	RepeatSpec     string
	LastFinishedAt *time.Time
	FailCount      int
	LastError      string
	CreatedAt      time.Time

	// Reclaimed is set by a claim that took over an expired lock.
	Reclaimed bool
}

// LockValid reports whether the job is claimed and its lock has not expired at now.
// A lock expires exactly at LockedAt+LockLifetime.
func (j Job) LockValid(now time.Time) bool {
	if j.LockedAt == nil {
		return false
	}
	return now.Before(j.LockedAt.Add(j.LockLifetime))
}

// TargetPayload is the payload of crawl and analyze jobs.
type TargetPayload struct {
	TargetID string `json:"targetId"`
}

type LivenessPayload struct {
	Time time.Time `json:"time"`
}

// Option is the crawl configuration attached to a target.
type Option struct {
	Timeout       int               `json:"timeout"` // seconds
	Delay         int               `json:"delay"`   // seconds
	Lang          string            `json:"lang,omitempty"`
	UserAgent     string            `json:"userAgent,omitempty"`
	Referer       string            `json:"referer,omitempty"`
	Proxy         string            `json:"proxy,omitempty"`
	Click         bool              `json:"click,omitempty"`
	ExHeaders     map[string]string `json:"exHeaders,omitempty"`
	DisableScript bool              `json:"disableScript,omitempty"`
	Headless      bool              `json:"headless,omitempty"`
}

type RequestRecord struct {
	URL           string   `json:"url"`
	Method        string   `json:"method"`
	Status        int      `json:"status,omitempty"`
	ResourceType  string   `json:"resourceType,omitempty"`
	IsNavigation  bool     `json:"isNavigationRequest"`
	RedirectChain []string `json:"redirectChain,omitempty"`
}

type Analysis struct {
	Title        string   `json:"title,omitempty"`
	Generator    string   `json:"generator,omitempty"`
	Scripts      []string `json:"scripts,omitempty"`
	Technologies []string `json:"technologies,omitempty"`
}

// Target is one crawl attempt against one URL with one configuration.
type Target struct {
	ID        string          `json:"id"`
	InputURL  string          `json:"input"`
	Option    Option          `json:"option"`
	Content   string          `json:"content,omitempty"`
	Error     string          `json:"error,omitempty"`
	Requests  []RequestRecord `json:"requests"`
	Analysis  *Analysis       `json:"analysis,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	CrawledAt *time.Time      `json:"crawledAt,omitempty"`
}

// Done reports whether the crawl handler has produced an outcome.
func (t Target) Done() bool {
	return len(t.Requests) > 0 || t.Error != ""
}

// CrawlResult is the write-once outcome of a crawl.
type CrawlResult struct {
	Content  string
	Error    string
	Requests []RequestRecord
}

type Recurrence struct {
	Remaining   int    `json:"remaining"`
	PeriodHours int    `json:"periodHours"`
	Option      Option `json:"option"`
}

// Active reports whether the recurrence will still re-enqueue crawls.
func (r *Recurrence) Active() bool {
	return r != nil && r.Remaining > 0
}

// Subject is the long-lived identity of a URL.
type Subject struct {
	URL          string      `json:"url"`
	LastTargetID string      `json:"last"`
	OwnerGroups  []string    `json:"group"`
	Recurrence   *Recurrence `json:"track,omitempty"`
	CreatedAt    time.Time   `json:"createdAt"`
	UpdatedAt    time.Time   `json:"updatedAt"`
}

// MergeGroups adds groups not already owned, keeping the existing order.
func (s *Subject) MergeGroups(groups []string) {
	seen := make(map[string]struct{}, len(s.OwnerGroups))
	for _, g := range s.OwnerGroups {
		seen[g] = struct{}{}
	}
	for _, g := range groups {
		if _, ok := seen[g]; ok {
			continue
		}
		seen[g] = struct{}{}
		s.OwnerGroups = append(s.OwnerGroups, g)
	}
}

// Input is one (url, option) pair submitted for crawling.
type Input struct {
	URL    string
	Option Option
}

type TargetProgress struct {
	ID           string `json:"id"`
	Known        bool   `json:"known"`
	Done         bool   `json:"done"`
	HasError     bool   `json:"error"`
	RequestCount int    `json:"requestsCount"`
}

type Progress struct {
	Completed bool             `json:"completed"`
	Targets   []TargetProgress `json:"targets"`
}

// Normalized enforces that exactly one of Requests and Error is populated.
func (r CrawlResult) Normalized() CrawlResult {
	switch {
	case r.Error != "":
		r.Requests = nil
	case len(r.Requests) == 0:
		r.Error = "crawl produced no requests"
	}
	return r
}
