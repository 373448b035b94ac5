package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all custom Prometheus metrics for the application
type Metrics struct {
	// WebSocket metrics
	WebSocketConnections prometheus.Gauge
	WebSocketMessages    *prometheus.CounterVec

	// Turn pipeline metrics
	TurnsCompleted prometheus.Counter
	TurnDuration   prometheus.Histogram
	TurnErrors     *prometheus.CounterVec
	TurnPanics     prometheus.Counter

	// Knowledge base metrics
	FactsMerged prometheus.Counter
	FactsPruned prometheus.Counter

	connManager *ConnectionManager
}

var globalMetrics *Metrics

// InitMetrics initializes the Prometheus metrics
func InitMetrics(connManager *ConnectionManager) *Metrics {
	metrics := &Metrics{
		connManager: connManager,

		WebSocketConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "mentora_websocket_connections_active",
			Help: "Number of active WebSocket connections",
		}),

		WebSocketMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mentora_websocket_messages_total",
			Help: "Total number of WebSocket messages by type",
		}, []string{"type", "direction"}), // direction: "inbound" or "outbound"

		TurnsCompleted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mentora_turns_completed_total",
			Help: "Total number of chat turns completed",
		}),

		TurnDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "mentora_turn_duration_seconds",
			Help:    "Full chat turn latency in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120}, // up to the stream wall clock
		}),

		TurnErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mentora_turn_errors_total",
			Help: "Total number of turn errors by code",
		}, []string{"code"}),

		TurnPanics: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mentora_turn_panics_total",
			Help: "Total number of recovered panics in the turn pipeline",
		}),

		FactsMerged: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mentora_facts_merged_total",
			Help: "Total number of facts merged into user contexts",
		}),

		FactsPruned: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mentora_facts_pruned_total",
			Help: "Total number of expired facts pruned from user contexts",
		}),
	}

	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "mentora_websocket_connections_current",
			Help: "Current number of active WebSocket connections (from connection manager)",
		},
		func() float64 {
			if connManager != nil {
				return float64(connManager.Count())
			}
			return 0
		},
	))

	globalMetrics = metrics
	return metrics
}

// GetMetrics returns the global metrics instance
func GetMetrics() *Metrics {
	return globalMetrics
}

// RecordWebSocketConnect records a new WebSocket connection
func (m *Metrics) RecordWebSocketConnect() {
	m.WebSocketConnections.Inc()
}

// RecordWebSocketDisconnect records a WebSocket disconnection
func (m *Metrics) RecordWebSocketDisconnect() {
	m.WebSocketConnections.Dec()
}

// RecordWebSocketMessage records a WebSocket message
func (m *Metrics) RecordWebSocketMessage(msgType, direction string) {
	m.WebSocketMessages.WithLabelValues(msgType, direction).Inc()
}
