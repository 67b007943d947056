/*
metrics.go - Prometheus instrumentation

PURPOSE:
  Domain-level counters and latency histograms, registered via promauto on
  the default registry and exposed at /metrics by the router.

METRIC NAMES:
  Prefixed with "session_engine_" so several services can share one
  Prometheus instance without collisions.

SEE ALSO:
  - server.go: Mounts the /metrics endpoint and the duration middleware
*/
package api

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "session_engine_http_request_duration_seconds",
		Help:    "HTTP request latency by method and status class.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "status"})

	sessionsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "session_engine_sessions_created_total",
		Help: "Sessions successfully created.",
	})

	sessionsCancelledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "session_engine_sessions_cancelled_total",
		Help: "Sessions cancelled, directly or via approved request.",
	})

	overlapRejectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "session_engine_overlap_rejections_total",
		Help: "Create/edit attempts rejected by the teacher-calendar overlap rule.",
	})

	changeRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "session_engine_change_requests_total",
		Help: "Change requests by outcome (created, approved, rejected, cutoff).",
	}, []string{"outcome"})

	ledgerEntriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "session_engine_ledger_entries_total",
		Help: "Ledger entries appended, by reason.",
	}, []string{"reason"})

	sweepRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "session_engine_sweep_runs_total",
		Help: "Completion sweep executions.",
	})

	sweepCompletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "session_engine_sweep_sessions_completed_total",
		Help: "Sessions transitioned to COMPLETED by the sweep.",
	})
)

// statusRecorder captures the response status for the duration histogram.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		httpRequestDuration.WithLabelValues(r.Method, statusClass(rec.status)).
			Observe(time.Since(start).Seconds())
	})
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
