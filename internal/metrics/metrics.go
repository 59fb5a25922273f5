package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	messagesConsumed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_messages_consumed_total",
			Help: "Total dispatch requests received from the queue",
		},
	)

	dispatchOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_dispatch_outcomes_total",
			Help: "Terminal and requeue outcomes by failure reason",
		},
		[]string{"outcome", "reason"},
	)

	sendAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_send_attempts_total",
			Help: "Mail send attempts by result",
		},
		[]string{"result"},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "courier_breaker_state",
			Help: "Availability breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"name"},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_rate_limit_rejections_total",
			Help: "Dispatch requests rejected by the per-user rate limiter",
		},
		[]string{"category"},
	)

	deadLettersPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_dead_letters_published_total",
			Help: "Messages routed to the application-level dead-letter queue",
		},
	)

	processingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "courier_processing_duration_seconds",
			Help:    "Per-message pipeline latency including send retries",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10, 30},
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordMessageConsumed counts a delivery received from the queue
func RecordMessageConsumed() {
	messagesConsumed.Inc()
}

// RecordOutcome records the disposition of one processed message
func RecordOutcome(outcome, reason string) {
	dispatchOutcomes.WithLabelValues(outcome, reason).Inc()
}

// RecordSendAttempt records one mail send attempt
func RecordSendAttempt(result string) {
	sendAttempts.WithLabelValues(result).Inc()
}

// SetBreakerState publishes the current breaker state
func SetBreakerState(name string, state int) {
	breakerState.WithLabelValues(name).Set(float64(state))
}

// RecordRateLimitRejection counts a rate-limited dispatch request
func RecordRateLimitRejection(category string) {
	rateLimitRejections.WithLabelValues(category).Inc()
}

// RecordDeadLetter counts an application-level dead-letter publish
func RecordDeadLetter() {
	deadLettersPublished.Inc()
}

// ObserveProcessing records end-to-end pipeline latency in seconds
func ObserveProcessing(seconds float64) {
	processingDuration.Observe(seconds)
}
