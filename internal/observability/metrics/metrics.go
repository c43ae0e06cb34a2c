// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "asr_stream_relay"

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Session metrics
	SessionsTotal    prometheus.Counter
	SessionsActive   prometheus.Gauge
	SessionsEnded    *prometheus.CounterVec
	SessionDuration  prometheus.Histogram
	SubscribersTotal prometheus.Counter

	// Audio metrics
	AudioBytesReceived  prometheus.Counter
	AudioFramesReceived prometheus.Counter
	AudioFramesDropped  *prometheus.CounterVec

	// ASR connection metrics
	ASRFramesSent    *prometheus.CounterVec
	ASRBytesSent     *prometheus.CounterVec
	ASRConnectTime   *prometheus.HistogramVec
	ASRReadyTime     *prometheus.HistogramVec
	ASRDecodeErrors  prometheus.Counter
	ASRErrors        *prometheus.CounterVec
	PacingDelay      prometheus.Histogram
	TranscodeLatency prometheus.Histogram
	TranscodeErrors  prometheus.Counter

	// Transcript metrics
	TranscriptUpdates *prometheus.CounterVec
	SinkErrors        *prometheus.CounterVec

	// Kafka publish metrics
	KafkaPublishTotal   *prometheus.CounterVec
	KafkaPublishErrors  *prometheus.CounterVec
	KafkaPublishLatency *prometheus.HistogramVec

	// gRPC metrics
	GRPCRequests *prometheus.CounterVec
	GRPCDuration *prometheus.HistogramVec
}

// DefaultMetrics is the global metrics instance.
var DefaultMetrics = NewMetrics()

// NewMetrics creates and registers all Prometheus metrics.
// Registration is global, so it must only run once per process.
func NewMetrics() *Metrics {
	return &Metrics{
		// Session metrics
		SessionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of call sessions created",
		}),
		SessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of call sessions currently registered",
		}),
		SessionsEnded: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_ended_total",
			Help:      "Total number of call sessions ended",
		}, []string{"reason"}),
		SessionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Lifetime of call sessions in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}),
		SubscribersTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscribers_total",
			Help:      "Total number of subscriptions registered",
		}),

		// Audio metrics
		AudioBytesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_received_total",
			Help:      "Total audio bytes received",
		}),
		AudioFramesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_received_total",
			Help:      "Total audio frames received",
		}),
		AudioFramesDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_dropped_total",
			Help:      "Total audio frames dropped before reaching the ASR backend",
		}, []string{"reason"}),

		// ASR connection metrics
		ASRFramesSent: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "asr_frames_sent_total",
			Help:      "Total frames written to the ASR backend",
		}, []string{"provider"}),
		ASRBytesSent: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "asr_audio_bytes_sent_total",
			Help:      "Total audio bytes written to the ASR backend",
		}, []string{"provider"}),
		ASRConnectTime: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "asr_connect_seconds",
			Help:      "Time to establish the ASR transport",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"provider"}),
		ASRReadyTime: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "asr_ready_seconds",
			Help:      "Time from connect until the ASR backend acknowledged the session",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"provider"}),
		ASRDecodeErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "asr_decode_errors_total",
			Help:      "Total malformed frames received from the ASR backend",
		}),
		ASRErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "asr_errors_total",
			Help:      "Total number of session-fatal ASR errors",
		}, []string{"provider", "error_type"}),
		PacingDelay: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pacing_delay_seconds",
			Help:      "Time spent waiting before an outbound audio slice",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1},
		}),
		TranscodeLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transcode_latency_seconds",
			Help:      "Audio transcoding latency in seconds",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
		TranscodeErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcode_errors_total",
			Help:      "Total number of failed transcodes",
		}),

		// Transcript metrics
		TranscriptUpdates: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcript_updates_total",
			Help:      "Transcript deltas received, by outcome",
		}, []string{"outcome"}),
		SinkErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_errors_total",
			Help:      "Total number of failed deliveries to subscribers",
		}, []string{"event_type"}),

		// Kafka publish metrics
		KafkaPublishTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_total",
			Help:      "Total number of Kafka messages published",
		}, []string{"topic", "event_type"}),
		KafkaPublishErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_errors_total",
			Help:      "Total number of Kafka publish errors",
		}, []string{"topic", "event_type"}),
		KafkaPublishLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "kafka_publish_latency_seconds",
			Help:      "Kafka publish latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"topic"}),

		// gRPC metrics
		GRPCRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grpc_requests_total",
			Help:      "Total number of gRPC calls, by method and status code",
		}, []string{"method", "code"}),
		GRPCDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "grpc_duration_seconds",
			Help:      "gRPC call duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
	}
}

// RecordSessionStart records a new call session.
func (m *Metrics) RecordSessionStart() {
	m.SessionsTotal.Inc()
	m.SessionsActive.Inc()
}

// RecordSessionEnd records a call session leaving the registry.
func (m *Metrics) RecordSessionEnd(reason string, durationSeconds float64) {
	m.SessionsActive.Dec()
	m.SessionsEnded.WithLabelValues(reason).Inc()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordSubscribe records a subscription.
func (m *Metrics) RecordSubscribe() {
	m.SubscribersTotal.Inc()
}

// RecordAudioReceived records an inbound audio frame.
func (m *Metrics) RecordAudioReceived(bytes int) {
	m.AudioBytesReceived.Add(float64(bytes))
	m.AudioFramesReceived.Inc()
}

// RecordFrameDropped records an inbound frame that was not forwarded.
func (m *Metrics) RecordFrameDropped(reason string) {
	m.AudioFramesDropped.WithLabelValues(reason).Inc()
}

// RecordASRSend records one frame written to the ASR backend.
func (m *Metrics) RecordASRSend(provider string, audioBytes int) {
	m.ASRFramesSent.WithLabelValues(provider).Inc()
	m.ASRBytesSent.WithLabelValues(provider).Add(float64(audioBytes))
}

// RecordASRConnect records the time taken to dial the ASR backend.
func (m *Metrics) RecordASRConnect(provider string, seconds float64) {
	m.ASRConnectTime.WithLabelValues(provider).Observe(seconds)
}

// RecordASRReady records the time until the ASR backend acknowledged the session.
func (m *Metrics) RecordASRReady(provider string, seconds float64) {
	m.ASRReadyTime.WithLabelValues(provider).Observe(seconds)
}

// RecordDecodeError records a dropped malformed frame.
func (m *Metrics) RecordDecodeError() {
	m.ASRDecodeErrors.Inc()
}

// RecordASRError records a session-fatal ASR error.
func (m *Metrics) RecordASRError(provider, errorType string) {
	m.ASRErrors.WithLabelValues(provider, errorType).Inc()
}

// RecordPacingDelay records a pacing wait.
func (m *Metrics) RecordPacingDelay(seconds float64) {
	m.PacingDelay.Observe(seconds)
}

// RecordTranscode records a transcode attempt.
func (m *Metrics) RecordTranscode(err error, latencySeconds float64) {
	m.TranscodeLatency.Observe(latencySeconds)
	if err != nil {
		m.TranscodeErrors.Inc()
	}
}

// RecordTranscriptUpdate records how a transcript delta was handled
// ("published", "duplicate", "provisional").
func (m *Metrics) RecordTranscriptUpdate(outcome string) {
	m.TranscriptUpdates.WithLabelValues(outcome).Inc()
}

// RecordSinkError records a failed or panicking subscriber delivery.
func (m *Metrics) RecordSinkError(eventType string) {
	m.SinkErrors.WithLabelValues(eventType).Inc()
}

// RecordKafkaPublish records a Kafka publish attempt.
func (m *Metrics) RecordKafkaPublish(topic, eventType string, err error, latencySeconds float64) {
	m.KafkaPublishTotal.WithLabelValues(topic, eventType).Inc()
	m.KafkaPublishLatency.WithLabelValues(topic).Observe(latencySeconds)
	if err != nil {
		m.KafkaPublishErrors.WithLabelValues(topic, eventType).Inc()
	}
}

// RecordGRPCCall records a completed gRPC call.
func (m *Metrics) RecordGRPCCall(method, code string, seconds float64) {
	m.GRPCRequests.WithLabelValues(method, code).Inc()
	m.GRPCDuration.WithLabelValues(method).Observe(seconds)
}
