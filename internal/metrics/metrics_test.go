package metrics

import (
	"testing"
	"time"

	"tradeflow/logger"
)

func resetHandlers() {
	handlersMu.Lock()
	handlers = make(map[HandlerID]Handler)
	nextHandlerID = 0
	handlersMu.Unlock()
}

func TestRegisterHandlerReturnsUniqueIDs(t *testing.T) {
	resetHandlers()

	id := RegisterHandler(func(Metric) {})
	if id == 0 {
		t.Fatalf("expected non-zero handler id")
	}

	second := RegisterHandler(func(Metric) {})
	if second == 0 || second == id {
		t.Fatalf("expected unique handler id")
	}
}

func TestRegisterHandlerNil(t *testing.T) {
	resetHandlers()

	if id := RegisterHandler(nil); id != 0 {
		t.Fatalf("expected zero id for nil handler, got %d", id)
	}
}

func TestEmitDispatchesToHandlers(t *testing.T) {
	resetHandlers()

	events := make(chan Metric, 1)
	id := RegisterHandler(func(m Metric) {
		events <- m
	})
	t.Cleanup(func() {
		UnregisterHandler(id)
	})

	fields := logger.Fields{"exchange": "binance"}
	Emit(logger.GetLogger(), "binance_adapter", "messages_received", 3, "gauge", fields)

	select {
	case event := <-events:
		if event.Component != "binance_adapter" {
			t.Fatalf("unexpected component: %s", event.Component)
		}
		if event.Name != "messages_received" {
			t.Fatalf("unexpected metric name: %s", event.Name)
		}
		if event.Type != "gauge" {
			t.Fatalf("unexpected metric type: %s", event.Type)
		}
		if _, ok := fields["metric"]; ok {
			t.Fatalf("original fields mutated: %v", fields)
		}
	case <-time.After(50 * time.Millisecond):
		t.Fatal("metric handler not invoked")
	}
}

func TestEmitDefaultType(t *testing.T) {
	resetHandlers()

	events := make(chan Metric, 1)
	id := RegisterHandler(func(m Metric) {
		events <- m
	})
	t.Cleanup(func() {
		UnregisterHandler(id)
	})

	Emit(nil, "bot_engine", "ticks", 1, "", nil)

	select {
	case event := <-events:
		if event.Type != "counter" {
			t.Fatalf("expected default counter type, got %s", event.Type)
		}
	case <-time.After(50 * time.Millisecond):
		t.Fatal("metric handler not invoked")
	}
}

func TestEmitIgnoresEmptyName(t *testing.T) {
	resetHandlers()

	called := false
	id := RegisterHandler(func(Metric) { called = true })
	t.Cleanup(func() { UnregisterHandler(id) })

	Emit(nil, "bot_engine", "", 1, "counter", nil)
	if called {
		t.Fatal("handler invoked for empty metric name")
	}
}

func TestReportAdapter(t *testing.T) {
	resetHandlers()
	ReportAdapter(logger.GetLogger(), "binance", AdapterStats{
		MessagesReceived: 10,
		BytesReceived:    1024,
		EventsEmitted:    9,
		ParseErrors:      1,
		Reconnects:       2,
		Subscriptions:    3,
		LatencyMs:        12.5,
	})
}

func TestReportEngine(t *testing.T) {
	resetHandlers()
	ReportEngine(logger.GetLogger(), "bot-1", EngineStats{
		Ticks:            100,
		SkippedTicks:     2,
		SignalsGenerated: 40,
		OrdersPlaced:     5,
		AvgTickMs:        3.2,
	})
}
