package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the capture service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Capture metrics
	SessionsStarted  prometheus.Counter
	SessionsFinished *prometheus.CounterVec
	SessionDuration  prometheus.Histogram
	CapturedSamples  prometheus.Histogram
	RingEvicted      prometheus.Counter

	// Network microphone metrics
	PacketsReceived prometheus.Counter
	PacketsDropped  *prometheus.CounterVec
	ParseErrors     prometheus.Counter

	// Encoder metrics
	PayloadSize prometheus.Histogram

	// Delivery metrics
	DeliveryAttempts *prometheus.CounterVec
	AttemptDuration  *prometheus.HistogramVec
	DeliveryOutcomes *prometheus.CounterVec

	// Queue metrics
	QueueDepth        prometheus.Gauge
	QueueEnqueued     prometheus.Counter
	QueueExpired      prometheus.Counter
	QueueRetryPasses  prometheus.Counter
	QueueRetryFlushed prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// Capture metrics
		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "aha_capture_sessions_started_total",
			Help: "Total number of capture sessions started",
		}),
		SessionsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aha_capture_sessions_finished_total",
			Help: "Total number of capture sessions by terminal state",
		}, []string{"state"}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "aha_capture_session_duration_seconds",
			Help:    "Wall-clock duration of capture sessions",
			Buckets: prometheus.LinearBuckets(5, 5, 12), // 5s to 60s
		}),
		CapturedSamples: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "aha_capture_samples",
			Help:    "Number of samples in each drained capture window",
			Buckets: prometheus.ExponentialBuckets(8000, 2, 10),
		}),
		RingEvicted: factory.NewCounter(prometheus.CounterOpts{
			Name: "aha_ring_evicted_samples_total",
			Help: "Total number of samples overwritten in the ring buffer",
		}),

		// Network microphone metrics
		PacketsReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "aha_udp_packets_received_total",
			Help: "Total number of UDP audio frames received",
		}),
		PacketsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aha_udp_packets_dropped_total",
			Help: "Total number of UDP audio frames lost or dropped",
		}, []string{"reason"}),
		ParseErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "aha_udp_parse_errors_total",
			Help: "Total number of frame parsing errors",
		}),

		// Encoder metrics
		PayloadSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "aha_payload_size_bytes",
			Help:    "Size of encoded WAV payloads in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 2, 14), // 1KB to ~8MB
		}),

		// Delivery metrics
		DeliveryAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aha_delivery_attempts_total",
			Help: "Total number of channel send attempts by outcome",
		}, []string{"channel", "outcome"}),
		AttemptDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aha_delivery_attempt_duration_seconds",
			Help:    "Duration of channel send attempts",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		}, []string{"channel"}),
		DeliveryOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aha_delivery_outcomes_total",
			Help: "Total number of payloads by final delivery status",
		}, []string{"status"}),

		// Queue metrics
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "aha_queue_depth",
			Help: "Current number of payloads awaiting upload",
		}),
		QueueEnqueued: factory.NewCounter(prometheus.CounterOpts{
			Name: "aha_queue_enqueued_total",
			Help: "Total number of payloads added to the pending queue",
		}),
		QueueExpired: factory.NewCounter(prometheus.CounterOpts{
			Name: "aha_queue_expired_total",
			Help: "Total number of queued payloads dropped after exhausting retries",
		}),
		QueueRetryPasses: factory.NewCounter(prometheus.CounterOpts{
			Name: "aha_queue_retry_passes_total",
			Help: "Total number of queue retry passes",
		}),
		QueueRetryFlushed: factory.NewCounter(prometheus.CounterOpts{
			Name: "aha_queue_retry_delivered_total",
			Help: "Total number of queued payloads delivered on retry",
		}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aha_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aha_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aha_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordSessionStarted increments the sessions started counter
func (m *Metrics) RecordSessionStarted() {
	if m == nil {
		return
	}
	m.SessionsStarted.Inc()
}

// RecordSessionFinished records a session reaching a terminal state
func (m *Metrics) RecordSessionFinished(state string, durationSeconds float64, samples int, evicted uint64) {
	if m == nil {
		return
	}
	m.SessionsFinished.WithLabelValues(state).Inc()
	m.SessionDuration.Observe(durationSeconds)
	m.CapturedSamples.Observe(float64(samples))
	m.RingEvicted.Add(float64(evicted))
}

// RecordPacketReceived increments the packets received counter
func (m *Metrics) RecordPacketReceived() {
	if m == nil {
		return
	}
	m.PacketsReceived.Inc()
}

// RecordPacketsDropped adds n lost or dropped frames under reason
func (m *Metrics) RecordPacketsDropped(reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.PacketsDropped.WithLabelValues(reason).Add(float64(n))
}

// RecordParseError increments the parse errors counter
func (m *Metrics) RecordParseError() {
	if m == nil {
		return
	}
	m.ParseErrors.Inc()
}

// RecordPayloadEncoded records the size of an encoded payload
func (m *Metrics) RecordPayloadEncoded(sizeBytes int) {
	if m == nil {
		return
	}
	m.PayloadSize.Observe(float64(sizeBytes))
}

// RecordDeliveryAttempt records one channel send attempt
func (m *Metrics) RecordDeliveryAttempt(channel, outcome string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.DeliveryAttempts.WithLabelValues(channel, outcome).Inc()
	m.AttemptDuration.WithLabelValues(channel).Observe(durationSeconds)
}

// RecordDeliveryOutcome records the final status of a payload
func (m *Metrics) RecordDeliveryOutcome(status string) {
	if m == nil {
		return
	}
	m.DeliveryOutcomes.WithLabelValues(status).Inc()
}

// SetQueueDepth sets the current queue depth
func (m *Metrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(depth))
}

// RecordEnqueued increments the enqueued counter
func (m *Metrics) RecordEnqueued() {
	if m == nil {
		return
	}
	m.QueueEnqueued.Inc()
}

// RecordExpired increments the expired counter
func (m *Metrics) RecordExpired() {
	if m == nil {
		return
	}
	m.QueueExpired.Inc()
}

// RecordRetryPass records one retry pass and how many entries it delivered
func (m *Metrics) RecordRetryPass(delivered int) {
	if m == nil {
		return
	}
	m.QueueRetryPasses.Inc()
	m.QueueRetryFlushed.Add(float64(delivered))
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	if m == nil {
		return
	}
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
