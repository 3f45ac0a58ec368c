package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Attempt lifecycle metrics
	paymentAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_attempts_total",
		Help: "Payment attempts started, by origin",
	}, []string{
		"payment_method", // ALIPAY, WECHAT
		"origin",         // minted, resumed, already_paid
	})

	paymentOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_outcomes_total",
		Help: "Payment attempts that reached an exit state",
	}, []string{
		"payment_method",
		"status", // PAID, CANCELED, EXPIRED, ERROR
		"source", // realtime, polling, manual, countdown, setup
	})

	paymentTimeToSettle = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name: "payment_time_to_settle_seconds",
		Help: "Time from QR code minting to a terminal status",
		// Buckets: 5s to the full 300s window
		Buckets: []float64{5, 15, 30, 60, 120, 180, 240, 300},
	}, []string{
		"status",
	})

	activeAttempts = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "payment_attempts_active",
		Help: "Attempts currently awaiting payment",
	})

	// Status query metrics
	statusQueriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_status_queries_total",
		Help: "Backend payment-status queries, by trigger and result",
	}, []string{
		"trigger", // polling, manual
		"result",  // ok, error, shared
	})

	statusQueryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "payment_status_query_duration_seconds",
		Help:    "Backend payment-status query latency",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	})

	pollingStopsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_polling_stops_total",
		Help: "Polling loops stopped, by reason",
	}, []string{
		"reason", // terminal, horizon, disconnect
	})

	// Realtime channel metrics
	realtimeReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payment_realtime_reconnects_total",
		Help: "Realtime reconnect attempts scheduled after abnormal closure",
	})

	realtimeExhaustedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payment_realtime_exhausted_total",
		Help: "Realtime connections that gave up after the reconnect bound",
	})

	realtimeFramesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_realtime_frames_dropped_total",
		Help: "Inbound realtime frames that were not applied",
	}, []string{
		"reason", // decode, stale
	})

	channelDegradationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_channel_degradations_total",
		Help: "Fallbacks from realtime to polling",
	}, []string{
		"reason", // exhausted, grace_elapsed, connect_failed, unavailable
	})

	circuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "payment_circuit_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{
		"name",
	})
)

// RecordAttemptStarted records an attempt entering AWAITING_PAYMENT or short-circuiting to PAID
func RecordAttemptStarted(paymentMethod, origin string) {
	paymentAttemptsTotal.WithLabelValues(paymentMethod, origin).Inc()
}

// RecordOutcome records an attempt exit; settleTime is ignored when zero
func RecordOutcome(paymentMethod, status, source string, settleTime time.Duration) {
	paymentOutcomesTotal.WithLabelValues(paymentMethod, status, source).Inc()
	if settleTime > 0 {
		paymentTimeToSettle.WithLabelValues(status).Observe(settleTime.Seconds())
	}
}

// AttemptActivated increments the awaiting-payment gauge
func AttemptActivated() {
	activeAttempts.Inc()
}

// AttemptDeactivated decrements the awaiting-payment gauge
func AttemptDeactivated() {
	activeAttempts.Dec()
}

// RecordStatusQuery records one status query through the single-flight guard
func RecordStatusQuery(trigger, result string, duration time.Duration) {
	statusQueriesTotal.WithLabelValues(trigger, result).Inc()
	if duration > 0 {
		statusQueryDuration.Observe(duration.Seconds())
	}
}

// RecordPollingStopped records why a polling loop ended
func RecordPollingStopped(reason string) {
	pollingStopsTotal.WithLabelValues(reason).Inc()
}

// RecordRealtimeReconnect records a scheduled reconnect
func RecordRealtimeReconnect() {
	realtimeReconnectsTotal.Inc()
}

// RecordRealtimeExhausted records a connection that ran out of reconnect attempts
func RecordRealtimeExhausted() {
	realtimeExhaustedTotal.Inc()
}

// RecordFrameDropped records an inbound frame that was ignored
func RecordFrameDropped(reason string) {
	realtimeFramesDropped.WithLabelValues(reason).Inc()
}

// RecordDegradation records a realtime-to-polling fallback
func RecordDegradation(reason string) {
	channelDegradationsTotal.WithLabelValues(reason).Inc()
}

// SetCircuitState publishes a breaker's state as a gauge
func SetCircuitState(name string, state int) {
	circuitState.WithLabelValues(name).Set(float64(state))
}
