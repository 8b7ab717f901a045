package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"tenderhub/pkg/models"
)

const (
	modeSync  = "sync"
	modeAsync = "async"
	noWorker  = "none"
)

var (
	// HTTPRequestsTotal counts requests per route, worker and dispatch mode.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tenderhub",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "worker", "mode", "status"},
	)

	// HTTPRequestDuration tracks request latency. Synchronous worker routes
	// hold the request for the whole job.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tenderhub",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   []float64{.005, .025, .1, .5, 1, 5, 15, 30, 65, 120, 300, 900},
		},
		[]string{"path", "worker", "mode"},
	)

	// HTTPWorkerRequestsInFlight counts requests currently blocked on a worker.
	HTTPWorkerRequestsInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "tenderhub",
			Subsystem: "http",
			Name:      "worker_requests_in_flight",
			Help:      "Synchronous HTTP requests waiting for a worker to finish",
		},
		[]string{"worker"},
	)
)

// MetricsMiddleware records request metrics. workerRoutes maps a route
// template (e.g. /api/simulate) to the worker it runs.
func MetricsMiddleware(workerRoutes map[string]models.JobKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/metrics" {
			c.Next()
			return
		}

		start := time.Now()
		route := routeLabel(c)
		worker, mode := noWorker, modeSync
		if kind, ok := workerRoutes[route]; ok {
			worker = string(kind)
			if c.Query("async") == "true" {
				mode = modeAsync
			}
		}

		if worker != noWorker && mode == modeSync {
			inFlight := HTTPWorkerRequestsInFlight.WithLabelValues(worker)
			inFlight.Inc()
			defer inFlight.Dec()
		}

		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, route, worker, mode, status).Inc()
		HTTPRequestDuration.WithLabelValues(route, worker, mode).Observe(time.Since(start).Seconds())
	}
}

// routeLabel uses the matched route template so that path parameters such
// as invoice names do not explode label cardinality.
func routeLabel(c *gin.Context) string {
	if route := c.FullPath(); route != "" {
		return route
	}
	return "unmatched"
}
