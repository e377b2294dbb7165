package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	JobsAdmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_admitted_total",
			Help: "Total number of jobs admitted",
		},
		[]string{"type"},
	)
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Total number of jobs completed",
		},
		[]string{"type"},
	)
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Total number of jobs failed",
		},
		[]string{"type"},
	)
	JobsCancelledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_cancelled_total",
			Help: "Total number of jobs cancelled",
		},
		[]string{"type"},
	)

	AssignmentsDeliveredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "assignments_delivered_total",
			Help: "Total number of URL assignments handed to workers",
		},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Number of queue tickets by state",
		},
		[]string{"state"},
	)

	RateLimitDeniedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_denied_total",
			Help: "Total number of requests denied by the rate limiter",
		},
		[]string{"class"},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(JobsAdmittedTotal)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(JobsCancelledTotal)
	prometheus.MustRegister(AssignmentsDeliveredTotal)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(RateLimitDeniedTotal)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			// fallback when route pattern is unavailable
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

// AssignmentDelivered counts one assignment handed to a worker.
func AssignmentDelivered() {
	AssignmentsDeliveredTotal.Inc()
}

// RateLimitDenied counts one 429 answered for the class.
func RateLimitDenied(class string) {
	RateLimitDeniedTotal.WithLabelValues(class).Inc()
}

// SetQueueDepths publishes a queue-depth snapshot. Callers poll Stats and
// feed it here.
func SetQueueDepths(ready, delayed, leased, dead int64) {
	QueueDepth.WithLabelValues("ready").Set(float64(ready))
	QueueDepth.WithLabelValues("delayed").Set(float64(delayed))
	QueueDepth.WithLabelValues("leased").Set(float64(leased))
	QueueDepth.WithLabelValues("dead").Set(float64(dead))
}
