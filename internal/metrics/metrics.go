// Package metrics exposes Prometheus instrumentation for the orchestration
// pipeline. HTTP-level metrics live in the middleware package; the
// collectors here cover the domain events — admissions, group flushes,
// dispatches, worker outcomes, retries, and recovery sweeps — with bounded
// label sets so dashboards stay cheap.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// Admissions counts quota decisions by outcome
	// (admitted | rejected | blocked | error).
	Admissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quota_admissions_total",
			Help: "Total quota admission decisions by outcome.",
		},
		[]string{"outcome"},
	)

	// GroupFlushes counts media-group flushes by trigger
	// (idle | size | hard-cap | shutdown).
	GroupFlushes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_group_flushes_total",
			Help: "Total media-group flushes by trigger reason.",
		},
		[]string{"reason"},
	)

	// GroupBatchSize records the number of items per flushed batch.
	GroupBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "media_group_batch_size",
			Help:    "Items per flushed media-group batch.",
			Buckets: []float64{1, 2, 3, 5, 8, 10, 15, 20},
		},
	)

	// Dispatches counts per-item dispatch outcomes
	// (dispatched | duplicate | quota_rejected | dispatch_failed | blocked | error).
	Dispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_dispatched_total",
			Help: "Total per-item dispatch outcomes.",
		},
		[]string{"outcome"},
	)

	// WorkerResults counts correlated worker results by outcome
	// (succeeded | failed_transient | failed_permanent | duplicate | unknown_job).
	WorkerResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_results_total",
			Help: "Total worker results correlated, by outcome.",
		},
		[]string{"outcome"},
	)

	// Retries counts retry re-enqueues scheduled after transient failures.
	Retries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "job_retries_total",
			Help: "Total delayed re-enqueues after transient worker failures.",
		},
	)

	// RecoveredJobs counts jobs touched by the recovery sweep, by action
	// (requeued | failed).
	RecoveredJobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recovered_jobs_total",
			Help: "Total stale jobs handled by the recovery sweep, by action.",
		},
		[]string{"action"},
	)

	// QueueDepth gauges the number of ready work units (redis queue only;
	// updated opportunistically on enqueue).
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "work_queue_depth",
			Help: "Approximate number of ready work units in the queue.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		Admissions,
		GroupFlushes,
		GroupBatchSize,
		Dispatches,
		WorkerResults,
		Retries,
		RecoveredJobs,
		QueueDepth,
	)
}
