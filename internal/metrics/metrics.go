// Package metrics exposes job scheduling counters for the health server.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "rulegridgo"

// Metrics holds the collectors for one run.
type Metrics struct {
	jobsStarted  prometheus.Counter
	jobsFinished *prometheus.CounterVec
	jobDuration  *prometheus.HistogramVec
	slotsInUse   prometheus.Gauge
	targetsFresh prometheus.Counter
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		jobsStarted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_started_total",
			Help:      "Jobs whose process was started.",
		}),
		jobsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Jobs that reached a terminal state, by result.",
		}, []string{"result"}),
		jobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall-clock duration of job processes, by rule.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 4, 10),
		}, []string{"rule"}),
		slotsInUse: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "slots_in_use",
			Help:      "Process slots currently held by running jobs.",
		}),
		targetsFresh: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "targets_fresh_total",
			Help:      "Targets that were already up to date.",
		}),
	}
}

// JobStarted records a job acquiring procs slots.
func (m *Metrics) JobStarted(procs int) {
	if m == nil {
		return
	}
	m.jobsStarted.Inc()
	m.slotsInUse.Add(float64(procs))
}

// JobFinished records a job releasing its slots.
func (m *Metrics) JobFinished(rule string, succeeded bool, elapsed time.Duration, procs int) {
	if m == nil {
		return
	}
	result := "failed"
	if succeeded {
		result = "succeeded"
	}
	m.jobsFinished.WithLabelValues(result).Inc()
	m.jobDuration.WithLabelValues(rule).Observe(elapsed.Seconds())
	m.slotsInUse.Sub(float64(procs))
}

// JobSkipped records a job that never ran.
func (m *Metrics) JobSkipped() {
	if m == nil {
		return
	}
	m.jobsFinished.WithLabelValues("skipped").Inc()
}

// TargetsFresh records n up-to-date targets.
func (m *Metrics) TargetsFresh(n int) {
	if m == nil {
		return
	}
	m.targetsFresh.Add(float64(n))
}
