package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the speech bridge.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Session metrics
	SessionsCreated    *prometheus.CounterVec
	SessionTransitions *prometheus.CounterVec
	SessionDuration    *prometheus.HistogramVec
	Reconnects         *prometheus.CounterVec
	VendorFailures     *prometheus.CounterVec
	ActiveStreams      prometheus.Gauge

	// Handoff queue metrics
	QueuePushed  *prometheus.CounterVec
	QueueDropped *prometheus.CounterVec

	// Audio metrics
	AudioBytesDelivered  prometheus.Counter
	ResidualBytesDropped prometheus.Counter
	FirstAudioLatency    prometheus.Histogram

	// Recognition metrics
	RecognitionResults *prometheus.CounterVec
	MalformedPayloads  *prometheus.CounterVec

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg.
// Passing prometheus.DefaultRegisterer exposes them on promhttp.Handler().
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SessionsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_sessions_created_total",
			Help: "Total number of vendor sessions created",
		}, []string{"controller"}),
		SessionTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_session_transitions_total",
			Help: "Total number of session state transitions by target state",
		}, []string{"controller", "state"}),
		SessionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bridge_session_duration_seconds",
			Help:    "Lifetime of vendor sessions from connect to teardown",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~3.4 minutes
		}, []string{"controller", "outcome"}),
		Reconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_reconnects_total",
			Help: "Total number of lazy reconnects after an errored session",
		}, []string{"controller"}),
		VendorFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_vendor_failures_total",
			Help: "Total number of vendor-reported failures",
		}, []string{"controller"}),
		ActiveStreams: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_active_streams",
			Help: "Current number of registered streams",
		}),

		QueuePushed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_queue_items_pushed_total",
			Help: "Total number of vendor events pushed into handoff queues",
		}, []string{"controller"}),
		QueueDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_queue_items_dropped_total",
			Help: "Total number of vendor events pushed after their queue was closed",
		}, []string{"controller"}),

		AudioBytesDelivered: factory.NewCounter(prometheus.CounterOpts{
			Name: "bridge_audio_bytes_delivered_total",
			Help: "Total number of int16 PCM bytes delivered downstream",
		}),
		ResidualBytesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "bridge_residual_bytes_dropped_total",
			Help: "Total number of partial-sample bytes discarded at session teardown",
		}),
		FirstAudioLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "bridge_tts_first_audio_seconds",
			Help:    "Time from the first text submit to the first delivered audio chunk",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~5s
		}),

		RecognitionResults: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_recognition_results_total",
			Help: "Total number of recognition results delivered",
		}, []string{"finality"}),
		MalformedPayloads: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_malformed_payloads_total",
			Help: "Total number of vendor payloads that could not be interpreted",
		}, []string{"controller"}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bridge_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordSessionCreated increments the sessions created counter
func (m *Metrics) RecordSessionCreated(controller string) {
	if m == nil {
		return
	}
	m.SessionsCreated.WithLabelValues(controller).Inc()
}

// RecordTransition counts a state transition into state
func (m *Metrics) RecordTransition(controller, state string) {
	if m == nil {
		return
	}
	m.SessionTransitions.WithLabelValues(controller, state).Inc()
}

// RecordSessionEnded records the lifetime of a torn-down session
func (m *Metrics) RecordSessionEnded(controller, outcome string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.SessionDuration.WithLabelValues(controller, outcome).Observe(durationSeconds)
}

// RecordReconnect increments the reconnect counter
func (m *Metrics) RecordReconnect(controller string) {
	if m == nil {
		return
	}
	m.Reconnects.WithLabelValues(controller).Inc()
}

// RecordVendorFailure increments the vendor failure counter
func (m *Metrics) RecordVendorFailure(controller string) {
	if m == nil {
		return
	}
	m.VendorFailures.WithLabelValues(controller).Inc()
}

// SetActiveStreams sets the current number of registered streams
func (m *Metrics) SetActiveStreams(count int) {
	if m == nil {
		return
	}
	m.ActiveStreams.Set(float64(count))
}

// RecordQueuePush counts an event handed to a queue, dropped when the queue was already closed
func (m *Metrics) RecordQueuePush(controller string, dropped bool) {
	if m == nil {
		return
	}
	if dropped {
		m.QueueDropped.WithLabelValues(controller).Inc()
		return
	}
	m.QueuePushed.WithLabelValues(controller).Inc()
}

// RecordAudioDelivered adds delivered PCM bytes
func (m *Metrics) RecordAudioDelivered(bytes int) {
	if m == nil {
		return
	}
	m.AudioBytesDelivered.Add(float64(bytes))
}

// RecordResidualDropped adds partial-sample bytes lost at teardown
func (m *Metrics) RecordResidualDropped(bytes int) {
	if m == nil || bytes == 0 {
		return
	}
	m.ResidualBytesDropped.Add(float64(bytes))
}

// RecordFirstAudio observes the submit-to-first-audio latency
func (m *Metrics) RecordFirstAudio(seconds float64) {
	if m == nil {
		return
	}
	m.FirstAudioLatency.Observe(seconds)
}

// RecordRecognitionResult counts a delivered result by finality
func (m *Metrics) RecordRecognitionResult(final bool) {
	if m == nil {
		return
	}
	finality := "partial"
	if final {
		finality = "final"
	}
	m.RecognitionResults.WithLabelValues(finality).Inc()
}

// RecordMalformedPayload counts an uninterpretable vendor payload
func (m *Metrics) RecordMalformedPayload(controller string) {
	if m == nil {
		return
	}
	m.MalformedPayloads.WithLabelValues(controller).Inc()
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
