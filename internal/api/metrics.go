// ABOUTME: Prometheus instrumentation for the control API
// ABOUTME: Labels use the chi route pattern to keep cardinality bounded

package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coven",
			Subsystem: "bridge_http",
			Name:      "requests_total",
			Help:      "Total number of control API requests",
		},
		[]string{"route", "method", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "coven",
			Subsystem: "bridge_http",
			Name:      "request_duration_seconds",
			Help:      "Duration of control API requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)

	sseClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "coven",
		Subsystem: "bridge_http",
		Name:      "event_stream_clients",
		Help:      "Connected event stream clients",
	})

	sseDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "coven",
		Subsystem: "bridge_http",
		Name:      "event_stream_dropped_total",
		Help:      "Events dropped because a stream client was too slow",
	})
)

func init() {
	prometheus.MustRegister(httpRequestsTotal, httpRequestDuration, sseClients, sseDropped)
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// Flush passes through so event streams keep working behind the recorder.
func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Unwrap() http.ResponseWriter { return sr.ResponseWriter }

// metricsMiddleware instruments requests for Prometheus.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(sr, r)

		route := routePatternOrPath(r)
		httpRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(sr.status)).Inc()
		httpRequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}

// routePatternOrPath returns the chi route pattern if available, otherwise
// the URL path.
func routePatternOrPath(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}
