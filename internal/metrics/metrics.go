package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sendloop_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sendloop_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	emailsScheduled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sendloop_emails_scheduled_total",
			Help: "Total email records created by the scheduling planner",
		},
	)

	emailsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sendloop_emails_dispatched_total",
			Help: "Total delivery attempts by outcome (sent, failed, rescheduled)",
		},
		[]string{"outcome"},
	)

	emailsCanceled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sendloop_emails_canceled_total",
			Help: "Total emails canceled before dispatch",
		},
	)

	quotaDeferrals = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sendloop_quota_deferrals_total",
			Help: "Delivery attempts deferred to the next quota window",
		},
	)

	sendLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sendloop_send_latency_seconds",
			Help:    "Sender round-trip latency distribution",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10},
		},
	)

	jobsPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sendloop_jobs_pending",
			Help: "Jobs currently waiting in the delayed queue",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordEmailsScheduled records records created by one scheduling request
func RecordEmailsScheduled(count int) {
	emailsScheduled.Add(float64(count))
}

// RecordDispatch records the outcome of one delivery attempt
func RecordDispatch(outcome string) {
	emailsDispatched.WithLabelValues(outcome).Inc()
}

// RecordEmailsCanceled records emails canceled by a batch cancellation
func RecordEmailsCanceled(count int) {
	emailsCanceled.Add(float64(count))
}

// RecordQuotaDeferral records an attempt deferred by the hourly quota
func RecordQuotaDeferral() {
	quotaDeferrals.Inc()
}

// RecordSendLatency records the sender round-trip time
func RecordSendLatency(latency time.Duration) {
	sendLatency.Observe(latency.Seconds())
}

// SetJobsPending sets the delayed-queue depth gauge
func SetJobsPending(count int64) {
	jobsPending.Set(float64(count))
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
