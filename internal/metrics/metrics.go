// Package metrics owns the Prometheus collectors for the scheduler and its
// producers. Collectors are per instance so several schedulers can share a process.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Job outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeUnknown = "unknown_type"
)

type Metrics struct {
	jobsTotal    *prometheus.CounterVec
	jobDuration  *prometheus.HistogramVec
	inFlight     *prometheus.GaugeVec
	claimErrors  prometheus.Counter
	reclaimed    *prometheus.CounterVec
	releases     *prometheus.CounterVec
	recurrences  prometheus.Counter
	targetsTotal prometheus.Counter
}

// New registers the collectors against reg, or the default registerer when nil.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawlflow_jobs_total",
			Help: "Jobs finished, partitioned by type and outcome.",
		}, []string{"type", "outcome"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawlflow_job_duration_seconds",
			Help:    "Handler wall time per job type.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 180},
		}, []string{"type"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "crawlflow_jobs_in_flight",
			Help: "Handlers currently running, by job type.",
		}, []string{"type"}),
		claimErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawlflow_claim_errors_total",
			Help: "Poll ticks whose claim failed against storage.",
		}),
		reclaimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawlflow_jobs_reclaimed_total",
			Help: "Jobs claimed after their previous lock expired.",
		}, []string{"type"}),
		releases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawlflow_jobs_released_total",
			Help: "Claimed jobs handed back because their type was at its concurrency limit.",
		}, []string{"type"}),
		recurrences: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawlflow_recurrence_enqueued_total",
			Help: "Crawl jobs enqueued by the recurrence tracker.",
		}),
		targetsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawlflow_targets_submitted_total",
			Help: "Targets created through bulk submission.",
		}),
	}
	for _, c := range []prometheus.Collector{
		m.jobsTotal,
		m.jobDuration,
		m.inFlight,
		m.claimErrors,
		m.reclaimed,
		m.releases,
		m.recurrences,
		m.targetsTotal,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register collector: %w", err)
		}
	}
	return m, nil
}

// Handler exposes the collectors gathered by g, or the default gatherer when nil.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// The observers below are nil-safe so components can run without metrics.

func (m *Metrics) JobStarted(jobType string) {
	if m == nil {
		return
	}
	m.inFlight.WithLabelValues(jobType).Inc()
}

func (m *Metrics) JobFinished(jobType, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.inFlight.WithLabelValues(jobType).Dec()
	m.jobsTotal.WithLabelValues(jobType, outcome).Inc()
	m.jobDuration.WithLabelValues(jobType).Observe(d.Seconds())
}

// JobRejected counts a job that never reached a handler.
func (m *Metrics) JobRejected(jobType, outcome string) {
	if m == nil {
		return
	}
	m.jobsTotal.WithLabelValues(jobType, outcome).Inc()
}

func (m *Metrics) ClaimError() {
	if m == nil {
		return
	}
	m.claimErrors.Inc()
}

func (m *Metrics) Reclaimed(jobType string) {
	if m == nil {
		return
	}
	m.reclaimed.WithLabelValues(jobType).Inc()
}

func (m *Metrics) Released(jobType string) {
	if m == nil {
		return
	}
	m.releases.WithLabelValues(jobType).Inc()
}

func (m *Metrics) RecurrenceEnqueued(n int) {
	if m == nil {
		return
	}
	m.recurrences.Add(float64(n))
}

func (m *Metrics) TargetsSubmitted(n int) {
	if m == nil {
		return
	}
	m.targetsTotal.Add(float64(n))
}
