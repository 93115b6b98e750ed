package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the signalling server.
//
// Naming convention: namespace_subsystem_name
// - namespace: pairlane (application-level grouping)
// - subsystem: websocket, room, webrtc, rate_limit, bus (feature-level grouping)
// - name: specific metric (connections_active, events_total, etc.)

var (
	// ActiveWebSocketConnections tracks the current number of active WebSocket connections.
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "pairlane",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// ActiveRooms tracks the current number of rooms with at least one open socket.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "pairlane",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of rooms with at least one open socket",
	})

	// RoomReceivers is registered for waiting/active/done receiver counts per
	// room; no package sets it.
	RoomReceivers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "pairlane",
		Subsystem: "room",
		Name:      "receivers_count",
		Help:      "Number of receivers per room by state",
	}, []string{"room_id", "state"})

	// SignallingEvents tracks relayed/dropped signalling frames by type.
	SignallingEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pairlane",
		Subsystem: "room",
		Name:      "signalling_events_total",
		Help:      "Total signalling frames handled by the room actor",
	}, []string{"event_type", "status"})

	// SignallingRelayDuration is registered for time spent relaying a
	// signalling message; no package observes it.
	SignallingRelayDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pairlane",
		Subsystem: "room",
		Name:      "relay_duration_seconds",
		Help:      "Time spent processing a signalling message inside the room actor",
		Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25},
	}, []string{"event_type"})

	// WebrtcConnectionAttempts tracks the total number of peer-connection attempts.
	WebrtcConnectionAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pairlane",
		Subsystem: "webrtc",
		Name:      "connection_attempts_total",
		Help:      "Total WebRTC connection attempts",
	}, []string{"role", "status"})

	// CircuitBreakerState tracks the current state of the bus circuit breaker.
	// 0: Closed (Healthy), 1: Open (Failure), 2: Half-Open (Recovering)
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "pairlane",
		Subsystem: "circuit_breaker",
		Name:      "state",
		Help:      "Current state of the circuit breaker (0: Closed, 1: Open, 2: Half-Open)",
	}, []string{"service"})

	// CircuitBreakerFailures tracks requests rejected by the circuit breaker.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pairlane",
		Subsystem: "circuit_breaker",
		Name:      "failures_total",
		Help:      "Total requests rejected by the circuit breaker",
	}, []string{"service"})

	// RateLimitExceeded tracks requests that exceeded the rate limit.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pairlane",
		Subsystem: "rate_limit",
		Name:      "exceeded_total",
		Help:      "Total number of requests that exceeded the rate limit",
	}, []string{"endpoint", "reason"})

	// RateLimitRequests tracks requests checked against the rate limiter.
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pairlane",
		Subsystem: "rate_limit",
		Name:      "requests_total",
		Help:      "Total number of requests checked against the rate limiter",
	}, []string{"endpoint"})

	// BusOperationsTotal tracks cross-instance bus operations.
	BusOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pairlane",
		Subsystem: "bus",
		Name:      "operations_total",
		Help:      "Total number of cross-instance bus operations",
	}, []string{"operation", "status"})

	// BusOperationDuration is registered for the duration of bus operations;
	// no package observes it.
	BusOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pairlane",
		Subsystem: "bus",
		Name:      "operation_duration_seconds",
		Help:      "Duration of cross-instance bus operations",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})
)

func IncConnection() {
	ActiveWebSocketConnections.Inc()
}

func DecConnection() {
	ActiveWebSocketConnections.Dec()
}
