// Package metrics provides Prometheus-based recording for iteration
// lifecycle events and a query service for aggregated lineage metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder records iteration controller metrics.
type Recorder struct {
	iterationsTotal   *prometheus.CounterVec
	terminalsTotal    *prometheus.CounterVec
	transitionsTotal  *prometheus.CounterVec
	iterationDuration *prometheus.HistogramVec
	ciWaitDuration    *prometheus.HistogramVec
	providerErrors    *prometheus.CounterVec
	activeLineages    prometheus.Gauge
	staleCommitsTotal prometheus.Counter
}

// NewRecorder creates a recorder with all collectors registered on the
// default registry.
func NewRecorder() *Recorder {
	return NewRecorderWith(prometheus.DefaultRegisterer)
}

// NewRecorderWith creates a recorder registered on the given registerer.
// Tests pass a fresh registry to avoid duplicate registration.
func NewRecorderWith(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		iterationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "prloop_iterations_total",
				Help: "Total completed iterations by repository and verdict",
			},
			[]string{"repo", "verdict"},
		),
		terminalsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "prloop_terminals_total",
				Help: "Total lineages reaching a terminal status",
			},
			[]string{"repo", "status"},
		),
		transitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "prloop_transitions_total",
				Help: "Total committed status transitions",
			},
			[]string{"from", "to"},
		),
		iterationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "prloop_iteration_duration_seconds",
				Help:    "Duration of one generate-publish-review iteration",
				Buckets: prometheus.ExponentialBuckets(10, 2, 10),
			},
			[]string{"repo"},
		),
		ciWaitDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "prloop_ci_wait_duration_seconds",
				Help:    "Time spent waiting for CI to reach a terminal state",
				Buckets: prometheus.ExponentialBuckets(5, 2, 10),
			},
			[]string{"repo"},
		),
		providerErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "prloop_provider_errors_total",
				Help: "Provider and host errors by classification",
			},
			[]string{"component", "kind"},
		),
		activeLineages: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "prloop_active_lineages",
				Help: "Number of currently active issue lineages",
			},
		),
		staleCommitsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "prloop_stale_commits_total",
				Help: "Total transition commits rejected for stale versions",
			},
		),
	}
}

// ObserveIteration records one completed iteration.
func (r *Recorder) ObserveIteration(repo, verdict string, duration time.Duration) {
	r.iterationsTotal.WithLabelValues(repo, verdict).Inc()
	r.iterationDuration.WithLabelValues(repo).Observe(duration.Seconds())
}

// ObserveTerminal records a lineage reaching a terminal status.
func (r *Recorder) ObserveTerminal(repo, status string) {
	r.terminalsTotal.WithLabelValues(repo, status).Inc()
}

// ObserveTransition records a committed status transition.
func (r *Recorder) ObserveTransition(from, to string) {
	r.transitionsTotal.WithLabelValues(from, to).Inc()
}

// ObserveCIWait records how long a lineage waited on CI.
func (r *Recorder) ObserveCIWait(repo string, duration time.Duration) {
	r.ciWaitDuration.WithLabelValues(repo).Observe(duration.Seconds())
}

// IncProviderError records a classified failure from an external
// collaborator.
func (r *Recorder) IncProviderError(component, kind string) {
	r.providerErrors.WithLabelValues(component, kind).Inc()
}

// SetActiveLineages updates the active lineage gauge.
func (r *Recorder) SetActiveLineages(n int) {
	r.activeLineages.Set(float64(n))
}

// IncStaleCommit records a lost optimistic write race.
func (r *Recorder) IncStaleCommit() {
	r.staleCommitsTotal.Inc()
}
