// Package metrics defines the Prometheus metrics exported on /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/stevecastle/lightfield/correspond"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lightfield_http_requests_total",
			Help: "Total number of HTTP requests processed",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lightfield_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	QueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lightfield_queries_total",
			Help: "Correspondence queries by result (ok or error)",
		},
		[]string{"result"},
	)

	QueryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lightfield_query_duration_seconds",
			Help:    "Duration of one correspondence query across all views",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
		},
	)

	ViewOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lightfield_view_outcomes_total",
			Help: "Per-view search outcomes",
		},
		[]string{"outcome"},
	)

	WalkSteps = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lightfield_walk_steps",
			Help:    "Candidates scored per matched view",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		},
	)

	LoadDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lightfield_load_duration_seconds",
			Help:    "Time to fetch and decode a light field",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"result"},
	)

	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lightfield_jobs_total",
			Help: "Finished jobs by command and final state",
		},
		[]string{"command", "state"},
	)

	JobsRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lightfield_jobs_running",
			Help: "Jobs currently in progress",
		},
	)

	SubmissionsRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lightfield_job_submissions_rate_limited_total",
			Help: "Job submissions rejected by the rate limiter",
		},
	)
)

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// ObserveQuery records one FindCorrespondences call. rec may be nil on error.
func ObserveQuery(rec *correspond.Record, d time.Duration, err error) {
	QueriesTotal.WithLabelValues(result(err)).Inc()
	QueryDuration.Observe(d.Seconds())
	if rec == nil {
		return
	}
	for _, vr := range rec.Results {
		ViewOutcomes.WithLabelValues(vr.Outcome.String()).Inc()
		if vr.Outcome == correspond.OutcomeMatched {
			WalkSteps.Observe(float64(vr.Steps))
		}
	}
}

// ObserveLoad records one light field load.
func ObserveLoad(d time.Duration, err error) {
	LoadDuration.WithLabelValues(result(err)).Observe(d.Seconds())
}
