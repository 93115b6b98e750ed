package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestConnectionGauges(t *testing.T) {
	before := testutil.ToFloat64(ActiveWebSocketConnections)
	IncConnection()
	IncConnection()
	DecConnection()
	after := testutil.ToFloat64(ActiveWebSocketConnections)

	if after != before+1 {
		t.Errorf("expected ActiveWebSocketConnections to net +1, got delta %v", after-before)
	}
}

func TestSignallingEventsCounter(t *testing.T) {
	SignallingEvents.WithLabelValues("offer", "relayed").Inc()
	val := testutil.ToFloat64(SignallingEvents.WithLabelValues("offer", "relayed"))
	if val < 1 {
		t.Errorf("expected SignallingEvents{offer,relayed} to be at least 1, got %v", val)
	}
}

func TestWebrtcConnectionAttempts(t *testing.T) {
	WebrtcConnectionAttempts.WithLabelValues("offerer", "started").Inc()
	val := testutil.ToFloat64(WebrtcConnectionAttempts.WithLabelValues("offerer", "started"))
	if val < 1 {
		t.Errorf("expected WebrtcConnectionAttempts{offerer,started} to be at least 1, got %v", val)
	}
}

func TestRateLimitCounters(t *testing.T) {
	RateLimitRequests.WithLabelValues("/api/rooms").Inc()
	RateLimitExceeded.WithLabelValues("/api/rooms", "ip").Inc()

	if v := testutil.ToFloat64(RateLimitRequests.WithLabelValues("/api/rooms")); v < 1 {
		t.Errorf("expected RateLimitRequests to be at least 1, got %v", v)
	}
	if v := testutil.ToFloat64(RateLimitExceeded.WithLabelValues("/api/rooms", "ip")); v < 1 {
		t.Errorf("expected RateLimitExceeded to be at least 1, got %v", v)
	}
}

func TestBusOperationsTotal(t *testing.T) {
	BusOperationsTotal.WithLabelValues("publish", "ok").Inc()
	val := testutil.ToFloat64(BusOperationsTotal.WithLabelValues("publish", "ok"))
	if val < 1 {
		t.Errorf("expected BusOperationsTotal{publish,ok} to be at least 1, got %v", val)
	}
}

func TestCircuitBreakerState(t *testing.T) {
	CircuitBreakerState.WithLabelValues("redis").Set(1)
	val := testutil.ToFloat64(CircuitBreakerState.WithLabelValues("redis"))
	if val != 1 {
		t.Errorf("expected CircuitBreakerState{redis} to be 1, got %v", val)
	}
}
