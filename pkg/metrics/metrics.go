package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for tenderhub.
// Using promauto for automatic registration with default registry.
var (
	// --- Gateway Metrics ---

	// GatewayJobsTotal counts resolved jobs by worker kind and outcome.
	GatewayJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tenderhub",
			Subsystem: "gateway",
			Name:      "jobs_total",
			Help:      "Total number of worker jobs by outcome",
		},
		[]string{"job", "outcome"},
	)

	// GatewayJobDuration tracks wall-clock job duration.
	GatewayJobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tenderhub",
			Subsystem: "gateway",
			Name:      "job_duration_seconds",
			Help:      "Duration of worker jobs in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14), // 50ms to ~7m
		},
		[]string{"job", "outcome"},
	)

	// GatewayJobsRunning tracks workers currently alive.
	GatewayJobsRunning = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "tenderhub",
			Subsystem: "gateway",
			Name:      "jobs_running",
			Help:      "Number of worker processes currently running",
		},
		[]string{"job"},
	)

	// GatewayCapturedBytes tracks how much output workers produce per stream.
	GatewayCapturedBytes = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tenderhub",
			Subsystem: "gateway",
			Name:      "captured_bytes",
			Help:      "Bytes captured from worker output streams",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 10), // 64B to ~16MB
		},
		[]string{"job", "stream"},
	)

	// GatewayDeadlineKills counts workers killed by their deadline.
	GatewayDeadlineKills = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tenderhub",
			Subsystem: "gateway",
			Name:      "deadline_kills_total",
			Help:      "Total number of workers killed after exceeding their deadline",
		},
		[]string{"job"},
	)

	// --- Queue Metrics ---

	// DispatchesTotal counts jobs pushed onto the async queue.
	DispatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tenderhub",
			Subsystem: "queue",
			Name:      "dispatches_total",
			Help:      "Total number of jobs dispatched to the queue",
		},
		[]string{"job", "source"},
	)

	// ExecutorJobsRunning tracks concurrent queued jobs on an executor.
	ExecutorJobsRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tenderhub",
			Subsystem: "executor",
			Name:      "jobs_running",
			Help:      "Number of queued jobs currently running on this executor",
		},
	)

	// ExecutorJobsConsumed counts queued jobs executed by outcome.
	ExecutorJobsConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tenderhub",
			Subsystem: "executor",
			Name:      "jobs_consumed_total",
			Help:      "Total number of queued jobs executed",
		},
		[]string{"job", "outcome"},
	)

	// --- Transcript Metrics ---

	// TranscriptWrites counts transcript archive attempts by backend and result.
	TranscriptWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tenderhub",
			Subsystem: "transcripts",
			Name:      "writes_total",
			Help:      "Total number of job transcript writes",
		},
		[]string{"backend", "result"},
	)
)

// RecordJob records metrics for a resolved gateway job.
func RecordJob(job, outcome string, durationSeconds float64, stdoutBytes, stderrBytes int) {
	GatewayJobsTotal.WithLabelValues(job, outcome).Inc()
	GatewayJobDuration.WithLabelValues(job, outcome).Observe(durationSeconds)
	GatewayCapturedBytes.WithLabelValues(job, "stdout").Observe(float64(stdoutBytes))
	GatewayCapturedBytes.WithLabelValues(job, "stderr").Observe(float64(stderrBytes))
}

// RecordDispatch records a job being pushed onto the queue.
func RecordDispatch(job, source string) {
	DispatchesTotal.WithLabelValues(job, source).Inc()
}
