// Package metrics exposes the relay's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, route pattern and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)
	// HTTPRequestDuration is the latency of HTTP requests.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	// QueryRequestsTotal counts finished query requests by final state.
	QueryRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_query_requests_total",
			Help: "Total number of query requests by final state",
		},
		[]string{"state"},
	)
	// LocalTasksTotal counts finished local tasks by state.
	LocalTasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_local_tasks_total",
			Help: "Total number of local execution tasks by final state",
		},
		[]string{"state"},
	)
	// RemoteTasksTotal counts finished forwarded queries by peer and state.
	RemoteTasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_remote_tasks_total",
			Help: "Total number of forwarded queries by peer relay and final state",
		},
		[]string{"relay", "state"},
	)
	// CycleSkipsTotal counts peers skipped because they were already visited.
	CycleSkipsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_cycle_skips_total",
			Help: "Total number of peer relays skipped by the cycle guard",
		},
	)
	// TaskDuration is the execution latency of local tasks.
	TaskDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relay_local_task_duration_seconds",
			Help:    "Local task execution latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// Handler returns the Prometheus HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware records request counts and latency labelled by chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
