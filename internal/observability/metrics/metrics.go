// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "mendan"

// Metrics holds all Prometheus metrics for the proxy and the copilot.
type Metrics struct {
	// Bridge metrics
	BridgeSessionsTotal  prometheus.Counter
	BridgeSessionsActive prometheus.Gauge
	AudioBytesReceived   prometheus.Counter
	Commits              *prometheus.CounterVec
	Transcripts          *prometheus.CounterVec
	UpstreamErrors       *prometheus.CounterVec

	// Generation metrics
	GenerationRequests   *prometheus.CounterVec
	GenerationLatency    *prometheus.HistogramVec
	GenerationFirstToken *prometheus.HistogramVec
	EstimatedCostCents   *prometheus.CounterVec

	// Session metrics
	DetectionLatency prometheus.Histogram
	Detections       *prometheus.CounterVec

	// Event publish metrics
	EventPublishTotal  *prometheus.CounterVec
	EventPublishErrors *prometheus.CounterVec
}

// DefaultMetrics is the global metrics instance.
var DefaultMetrics = NewMetrics()

// NewMetrics creates and registers all metrics with the default registry.
// It must be called at most once per process.
func NewMetrics() *Metrics {
	return &Metrics{
		BridgeSessionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bridge_sessions_total",
			Help:      "Total number of transcription bridge sessions opened",
		}),
		BridgeSessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bridge_sessions_active",
			Help:      "Number of currently open transcription bridge sessions",
		}),
		AudioBytesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_received_total",
			Help:      "Total decoded PCM bytes received from clients",
		}),
		Commits: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commits_total",
			Help:      "Client commit requests by outcome",
		}, []string{"outcome"}),
		Transcripts: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_total",
			Help:      "Transcript events sent to clients by kind",
		}, []string{"kind"}),
		UpstreamErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Upstream transcription errors by severity",
		}, []string{"severity"}),

		GenerationRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_requests_total",
			Help:      "Generation requests by stage, mode and outcome",
		}, []string{"stage", "mode", "outcome"}),
		GenerationLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_latency_seconds",
			Help:      "Time from request to final payload",
			Buckets:   []float64{0.25, 0.5, 1, 2, 3, 5, 8, 13, 20},
		}, []string{"stage"}),
		GenerationFirstToken: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_first_token_seconds",
			Help:      "Time from request to first streamed delta",
			Buckets:   []float64{0.1, 0.25, 0.5, 0.75, 1, 1.5, 2, 3, 5},
		}, []string{"stage"}),
		EstimatedCostCents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "estimated_cost_cents_total",
			Help:      "Estimated upstream spend in cents",
		}, []string{"kind"}),

		DetectionLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "detection_latency_seconds",
			Help:      "Time from first transcript delta of an utterance to question detection",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}),
		Detections: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detections_total",
			Help:      "Question detections by category and source",
		}, []string{"category", "source"}),

		EventPublishTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_publish_total",
			Help:      "Total number of events published",
		}, []string{"topic", "event_type"}),
		EventPublishErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_publish_errors_total",
			Help:      "Total number of event publish errors",
		}, []string{"topic", "event_type"}),
	}
}

// RecordBridgeOpen records a new bridge session.
func (m *Metrics) RecordBridgeOpen() {
	m.BridgeSessionsTotal.Inc()
	m.BridgeSessionsActive.Inc()
}

// RecordBridgeClose records a bridge session ending.
func (m *Metrics) RecordBridgeClose() {
	m.BridgeSessionsActive.Dec()
}

func (m *Metrics) RecordAudio(bytes int) {
	m.AudioBytesReceived.Add(float64(bytes))
}

// RecordCommit records a commit as "forwarded" or "skipped".
func (m *Metrics) RecordCommit(outcome string) {
	m.Commits.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordTranscript(kind string) {
	m.Transcripts.WithLabelValues(kind).Inc()
}

// RecordUpstreamError records an upstream error as "ignored" or "fatal".
func (m *Metrics) RecordUpstreamError(severity string) {
	m.UpstreamErrors.WithLabelValues(severity).Inc()
}

// RecordGeneration records a finished generation request.
func (m *Metrics) RecordGeneration(stage, mode, outcome string, latencySeconds float64) {
	m.GenerationRequests.WithLabelValues(stage, mode, outcome).Inc()
	m.GenerationLatency.WithLabelValues(stage).Observe(latencySeconds)
}

func (m *Metrics) RecordFirstToken(stage string, latencySeconds float64) {
	m.GenerationFirstToken.WithLabelValues(stage).Observe(latencySeconds)
}

// RecordCost adds an estimate under kind ("generation" or "transcription").
func (m *Metrics) RecordCost(kind string, cents float64) {
	if cents > 0 {
		m.EstimatedCostCents.WithLabelValues(kind).Add(cents)
	}
}

func (m *Metrics) RecordDetection(category, source string, latencySeconds float64) {
	m.Detections.WithLabelValues(category, source).Inc()
	if latencySeconds >= 0 {
		m.DetectionLatency.Observe(latencySeconds)
	}
}

// RecordEventPublish records a publish attempt.
func (m *Metrics) RecordEventPublish(topic, eventType string, err error) {
	m.EventPublishTotal.WithLabelValues(topic, eventType).Inc()
	if err != nil {
		m.EventPublishErrors.WithLabelValues(topic, eventType).Inc()
	}
}
