// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "speech_bridge"

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Stream metrics
	StreamsTotal   *prometheus.CounterVec
	StreamsActive  *prometheus.GaugeVec
	StreamsFailed  *prometheus.CounterVec
	StreamDuration *prometheus.HistogramVec

	// Audio metrics
	AudioBytesReceived     prometheus.Counter
	AudioPacketsReceived   prometheus.Counter
	AudioPacketsMisaligned prometheus.Counter

	// Utterance metrics
	UtterancesEmitted *prometheus.CounterVec
	UtterancesDropped *prometheus.CounterVec
	UtteranceDuration prometheus.Histogram
	QueueDepth        prometheus.Gauge

	// Recognition metrics
	RecognitionLatency *prometheus.HistogramVec
	RecognitionResults *prometheus.CounterVec
	RecognitionErrors  *prometheus.CounterVec
	ResultViolations   prometheus.Counter

	// Engine bridge metrics
	EngineConnected    prometheus.Gauge
	EngineAudioBytes   prometheus.Counter
	EngineAudioDropped prometheus.Counter
	EngineReconnects   prometheus.Counter
	EngineEvents       *prometheus.CounterVec
	EngineLogAudio     prometheus.Counter
	GrammarCommands    *prometheus.CounterVec

	// Circuit breaker metrics
	BreakerState       *prometheus.GaugeVec
	BreakerTransitions *prometheus.CounterVec

	// Archive metrics
	ArchiveWrites *prometheus.CounterVec

	// Kafka publish metrics
	KafkaPublishTotal   *prometheus.CounterVec
	KafkaPublishErrors  *prometheus.CounterVec
	KafkaPublishLatency *prometheus.HistogramVec
}

// DefaultMetrics is the global metrics instance.
var DefaultMetrics = NewMetrics()

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		// Stream metrics
		StreamsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_total",
			Help:      "Total number of audio streams started",
		}, []string{"transport"}),
		StreamsActive: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streams_active",
			Help:      "Number of currently active audio streams",
		}, []string{"transport"}),
		StreamsFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_failed_total",
			Help:      "Total number of streams that ended with an error",
		}, []string{"transport"}),
		StreamDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stream_duration_seconds",
			Help:      "Duration of audio streams in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"transport"}),

		// Audio metrics
		AudioBytesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_received_total",
			Help:      "Total audio bytes received",
		}),
		AudioPacketsReceived: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_packets_received_total",
			Help:      "Total audio packets received",
		}),
		AudioPacketsMisaligned: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_packets_misaligned_total",
			Help:      "Total audio packets dropped for not being sample aligned",
		}),

		// Utterance metrics
		UtterancesEmitted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "utterances_emitted_total",
			Help:      "Total number of utterances emitted by the segmenter",
		}, []string{"reason"}),
		UtterancesDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "utterances_dropped_total",
			Help:      "Total number of utterances not sent to a backend",
		}, []string{"reason"}),
		UtteranceDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "utterance_duration_seconds",
			Help:      "Playback duration of emitted utterances",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 16, 30},
		}),
		QueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recognition_queue_depth",
			Help:      "Utterances waiting for the recognition worker",
		}),

		// Recognition metrics
		RecognitionLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recognition_latency_seconds",
			Help:      "Backend recognition latency in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"backend"}),
		RecognitionResults: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recognition_results_total",
			Help:      "Total number of recognition results by state",
		}, []string{"backend", "state"}),
		RecognitionErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recognition_errors_total",
			Help:      "Total number of backend errors",
		}, []string{"backend", "error_type"}),
		ResultViolations: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "result_violations_total",
			Help:      "Results that failed schema validation",
		}),

		// Engine bridge metrics
		EngineConnected: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "engine_connected",
			Help:      "1 while the local engine session is connected",
		}),
		EngineAudioBytes: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_audio_bytes_total",
			Help:      "Audio bytes written to the local engine",
		}),
		EngineAudioDropped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_audio_dropped_total",
			Help:      "Audio packets dropped after a failed write",
		}),
		EngineReconnects: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_reconnects_total",
			Help:      "Audio channel reconnect attempts",
		}),
		EngineEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_events_total",
			Help:      "Events received on the engine control channel",
		}, []string{"type"}),
		EngineLogAudio: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_log_audio_total",
			Help:      "Log audio files collected from the engine",
		}),
		GrammarCommands: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grammar_commands_total",
			Help:      "Grammar commands sent to the engine",
		}, []string{"command"}),

		// Circuit breaker metrics
		BreakerState: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		}, []string{"name"}),
		BreakerTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_transitions_total",
			Help:      "Circuit breaker state transitions",
		}, []string{"name", "to"}),

		// Archive metrics
		ArchiveWrites: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_writes_total",
			Help:      "Audio files written to the archive",
		}, []string{"kind", "result"}),

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
	}
}

// RecordStreamStart records a new stream starting.
func (m *Metrics) RecordStreamStart(transport string) {
	m.StreamsTotal.WithLabelValues(transport).Inc()
	m.StreamsActive.WithLabelValues(transport).Inc()
}

// RecordStreamEnd records a stream ending.
func (m *Metrics) RecordStreamEnd(transport string, success bool, durationSeconds float64) {
	m.StreamsActive.WithLabelValues(transport).Dec()
	m.StreamDuration.WithLabelValues(transport).Observe(durationSeconds)
	if !success {
		m.StreamsFailed.WithLabelValues(transport).Inc()
	}
}

// RecordAudioReceived records one received packet.
func (m *Metrics) RecordAudioReceived(bytes int) {
	m.AudioBytesReceived.Add(float64(bytes))
	m.AudioPacketsReceived.Inc()
}

// RecordMisaligned records a packet dropped by the segmenter.
func (m *Metrics) RecordMisaligned() {
	m.AudioPacketsMisaligned.Inc()
}

// RecordUtterance records an emitted utterance. Reason is silence, flush or cap.
func (m *Metrics) RecordUtterance(reason string, durationSeconds float64) {
	m.UtterancesEmitted.WithLabelValues(reason).Inc()
	m.UtteranceDuration.Observe(durationSeconds)
}

// RecordUtteranceDropped records an utterance that never reached a backend.
func (m *Metrics) RecordUtteranceDropped(reason string) {
	m.UtterancesDropped.WithLabelValues(reason).Inc()
}

// SetQueueDepth records the number of queued utterances.
func (m *Metrics) SetQueueDepth(n int) {
	m.QueueDepth.Set(float64(n))
}

// RecordRecognition records a completed recognition.
func (m *Metrics) RecordRecognition(backend, state string, latencySeconds float64) {
	m.RecognitionLatency.WithLabelValues(backend).Observe(latencySeconds)
	m.RecognitionResults.WithLabelValues(backend, state).Inc()
}

// RecordRecognitionError records a backend error.
func (m *Metrics) RecordRecognitionError(backend, errorType string) {
	m.RecognitionErrors.WithLabelValues(backend, errorType).Inc()
}

// RecordResultViolation records a result that failed validation.
func (m *Metrics) RecordResultViolation() {
	m.ResultViolations.Inc()
}

// SetEngineConnected records the engine session state.
func (m *Metrics) SetEngineConnected(connected bool) {
	if connected {
		m.EngineConnected.Set(1)
	} else {
		m.EngineConnected.Set(0)
	}
}

// RecordEngineWrite records audio written to the engine.
func (m *Metrics) RecordEngineWrite(bytes int) {
	m.EngineAudioBytes.Add(float64(bytes))
}

// RecordEngineDropped records a packet dropped by the audio channel.
func (m *Metrics) RecordEngineDropped() {
	m.EngineAudioDropped.Inc()
}

// RecordEngineReconnect records an audio channel reconnect attempt.
func (m *Metrics) RecordEngineReconnect() {
	m.EngineReconnects.Inc()
}

// RecordEngineEvent records a control channel event.
func (m *Metrics) RecordEngineEvent(eventType string) {
	m.EngineEvents.WithLabelValues(eventType).Inc()
}

// RecordLogAudio records a collected log audio file.
func (m *Metrics) RecordLogAudio() {
	m.EngineLogAudio.Inc()
}

// RecordGrammarCommand records a grammar command sent to the engine.
func (m *Metrics) RecordGrammarCommand(command string) {
	m.GrammarCommands.WithLabelValues(command).Inc()
}

// RecordBreakerState records a circuit breaker transition.
func (m *Metrics) RecordBreakerState(name, to string, value float64) {
	m.BreakerState.WithLabelValues(name).Set(value)
	m.BreakerTransitions.WithLabelValues(name, to).Inc()
}

// RecordArchiveWrite records an archive write. Kind is utterance or log.
func (m *Metrics) RecordArchiveWrite(kind string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ArchiveWrites.WithLabelValues(kind, result).Inc()
}

// RecordKafkaPublish records a Kafka publish attempt.
func (m *Metrics) RecordKafkaPublish(topic, eventType string, err error, latencySeconds float64) {
	m.KafkaPublishTotal.WithLabelValues(topic, eventType).Inc()
	m.KafkaPublishLatency.WithLabelValues(topic).Observe(latencySeconds)
	if err != nil {
		m.KafkaPublishErrors.WithLabelValues(topic, eventType).Inc()
	}
}
