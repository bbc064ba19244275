// Package metrics exposes Prometheus instrumentation for the pipeline.
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
			Name: "pasarwa_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pasarwa_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	signatureFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pasarwa_webhook_signature_failures_total",
			Help: "Rejected webhook signatures by reason code",
		},
		[]string{"reason"},
	)

	eventsNormalized = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pasarwa_webhook_events_total",
			Help: "Normalized webhook events by kind",
		},
		[]string{"kind"},
	)

	jobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pasarwa_jobs_processed_total",
			Help: "Queue jobs processed by lane and outcome",
		},
		[]string{"lane", "outcome"},
	)

	sendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pasarwa_sends_total",
			Help: "Outbound send attempts by result",
		},
		[]string{"result"},
	)

	sendLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pasarwa_send_latency_seconds",
			Help:    "Outbound send call latency",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10},
		},
	)

	rateDeferrals = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pasarwa_rate_budget_deferrals_total",
			Help: "Sends that waited for rate-budget capacity",
		},
	)

	quietSuppressions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pasarwa_quiet_hours_suppressions_total",
			Help: "Sends deferred into the quiet-hours window by type",
		},
		[]string{"type"},
	)

	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pasarwa_queue_depth",
			Help: "Jobs scheduled per lane (ready or delayed)",
		},
		[]string{"lane"},
	)
)

// RecordSignatureFailure counts a rejected webhook signature.
func RecordSignatureFailure(reason string) {
	signatureFailures.WithLabelValues(reason).Inc()
}

// RecordEventNormalized counts one normalized webhook event.
func RecordEventNormalized(kind string) {
	eventsNormalized.WithLabelValues(kind).Inc()
}

// RecordJobProcessed counts a finished job by outcome
// (completed, retried, failed, skipped, duplicate).
func RecordJobProcessed(lane, outcome string) {
	jobsProcessed.WithLabelValues(lane, outcome).Inc()
}

// RecordSend counts an outbound send attempt result.
func RecordSend(result string) {
	sendsTotal.WithLabelValues(result).Inc()
}

// ObserveSendLatency records one outbound call's latency.
func ObserveSendLatency(d time.Duration) {
	sendLatency.Observe(d.Seconds())
}

// RecordRateDeferral counts a send that had to wait for budget capacity.
func RecordRateDeferral() {
	rateDeferrals.Inc()
}

// RecordQuietHoursSuppression counts a quiet-hours deferral.
func RecordQuietHoursSuppression(notifType string) {
	quietSuppressions.WithLabelValues(notifType).Inc()
}

// SetQueueDepth publishes a lane's current depth.
func SetQueueDepth(lane string, depth float64) {
	queueDepth.WithLabelValues(lane).Set(depth)
}

// Handler returns the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// statusRecorder captures the response status for instrumentation.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware instruments HTTP requests with count and latency metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		httpRequestsTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(rec.status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(time.Since(start).Seconds())
	})
}
