// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// LLMStreamDuration tracks LLM streaming response duration.
	LLMStreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_stream_duration_seconds",
			Help:    "LLM streaming response duration",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 45, 60, 90, 120},
		},
		[]string{"provider", "status"},
	)

	// LLMChunksTotal tracks text deltas received from the model.
	LLMChunksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_chunks_total",
			Help: "Total streamed text chunks received",
		},
		[]string{"provider"},
	)

	// StreamFramesSkipped tracks malformed frames dropped by the SSE decoder.
	StreamFramesSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "llm_stream_frames_skipped_total",
			Help: "Malformed stream frames skipped by the decoder",
		},
	)

	// SSEConnectionsActive tracks active SSE connections.
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	// TurnsTotal tracks finished turns by outcome.
	TurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "turns_total",
			Help: "Total conversation turns by outcome",
		},
		[]string{"outcome"},
	)

	// RiskFlagsTotal tracks classifier hits.
	RiskFlagsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "risk_flags_total",
			Help: "Utterances flagged by the risk classifier",
		},
		[]string{"flag"},
	)

	// PersistenceErrorsTotal tracks best-effort store failures.
	PersistenceErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "persistence_errors_total",
			Help: "Conversation store failures by operation",
		},
		[]string{"operation"},
	)

	// ConversationsTotal tracks conversations created.
	ConversationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "conversations_total",
			Help: "Total conversations created",
		},
	)

	// ConversationsDeleted tracks "new chat" deletions.
	ConversationsDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "conversations_deleted_total",
			Help: "Total conversations deleted",
		},
	)

	// MessagesTotal tracks messages persisted.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_total",
			Help: "Total messages persisted",
		},
		[]string{"role", "kind"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordLLMStream records metrics for an LLM streaming response.
func RecordLLMStream(provider, status string, duration float64, chunks int) {
	LLMStreamDuration.WithLabelValues(provider, status).Observe(duration)
	LLMChunksTotal.WithLabelValues(provider).Add(float64(chunks))
}

// RecordTurn records the outcome of a turn.
func RecordTurn(outcome string) {
	TurnsTotal.WithLabelValues(outcome).Inc()
}

// RecordRisk records classifier flags.
func RecordRisk(emergency, crisis bool) {
	if emergency {
		RiskFlagsTotal.WithLabelValues("emergency").Inc()
	}
	if crisis {
		RiskFlagsTotal.WithLabelValues("crisis").Inc()
	}
}

// RecordPersistenceError records a failed store operation.
func RecordPersistenceError(operation string) {
	PersistenceErrorsTotal.WithLabelValues(operation).Inc()
}

// IncrementSSEConnections increments the active SSE connection count.
func IncrementSSEConnections() {
	SSEConnectionsActive.Inc()
}

// DecrementSSEConnections decrements the active SSE connection count.
func DecrementSSEConnections() {
	SSEConnectionsActive.Dec()
}
