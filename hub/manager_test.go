package hub

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"tradeflow/config"
	"tradeflow/models"
)

type fakeAdapter struct {
	exchange string

	mu           sync.Mutex
	connected    bool
	subscribed   map[string]models.SubscriptionRequest
	disconnected bool

	events chan models.MarketEvent
}

func newFakeAdapter(exchange string) *fakeAdapter {
	return &fakeAdapter{
		exchange:   exchange,
		subscribed: make(map[string]models.SubscriptionRequest),
		events:     make(chan models.MarketEvent, 64),
	}
}

func (f *fakeAdapter) Exchange() string { return f.exchange }

func (f *fakeAdapter) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	return nil
}

func (f *fakeAdapter) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.disconnected {
		return
	}
	f.disconnected = true
	close(f.events)
}

func (f *fakeAdapter) Subscribe(req models.SubscriptionRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed[req.Key()] = req
	return nil
}

func (f *fakeAdapter) Unsubscribe(req models.SubscriptionRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subscribed, req.Key())
	return nil
}

func (f *fakeAdapter) Status() models.ConnectionStatus {
	return models.ConnectionStatus{Exchange: f.exchange, State: models.StateConnected}
}

func (f *fakeAdapter) Events() <-chan models.MarketEvent { return f.events }

func (f *fakeAdapter) emit(ev models.MarketEvent) { f.events <- ev }

type fakeBridge struct {
	mu        sync.Mutex
	published []models.MarketEvent
	closed    bool
	err       error
}

func (b *fakeBridge) Publish(ctx context.Context, ev models.MarketEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.published = append(b.published, ev)
	return nil
}

func (b *fakeBridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *fakeBridge) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.published)
}

func testManager(t *testing.T, maxConns int, bridge Bridge) (*Manager, map[string]*fakeAdapter) {
	t.Helper()
	adapters := make(map[string]*fakeAdapter)
	m := NewManager(config.WebsocketConfig{
		MaxConnections: maxConns,
		EventBuffer:    64,
	}, bridge)
	m.SetFactory(func(exchangeID string, cfg models.ConnectionConfig) (Adapter, error) {
		a := newFakeAdapter(exchangeID)
		adapters[exchangeID] = a
		return a, nil
	})
	return m, adapters
}

func connCfg() models.ConnectionConfig {
	return models.ConnectionConfig{URL: "ws://example/ws"}
}

func TestManagerConnectDuplicateFails(t *testing.T) {
	m, _ := testManager(t, 5, nil)
	defer m.DisconnectAll()

	if err := m.Connect(context.Background(), "binance", connCfg()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	err := m.Connect(context.Background(), "binance", connCfg())
	if err == nil || !strings.Contains(err.Error(), "already connected") {
		t.Fatalf("duplicate connect err = %v", err)
	}
}

func TestManagerConnectionCap(t *testing.T) {
	m, _ := testManager(t, 2, nil)
	defer m.DisconnectAll()

	m.Connect(context.Background(), "binance", connCfg())
	m.Connect(context.Background(), "bybit", connCfg())

	err := m.Connect(context.Background(), "kucoin", connCfg())
	if err == nil || !strings.Contains(err.Error(), "limit") {
		t.Fatalf("over-cap connect err = %v", err)
	}
}

func TestManagerSubscribeInference(t *testing.T) {
	m, adapters := testManager(t, 5, nil)
	defer m.DisconnectAll()

	req := models.SubscriptionRequest{Channel: models.ChannelTicker, Symbol: "BTC/USDT"}

	// No exchange connected.
	if err := m.Subscribe(req); err == nil {
		t.Fatal("subscribe with no exchanges should fail")
	}

	// Exactly one connected: inference allowed.
	m.Connect(context.Background(), "binance", connCfg())
	if err := m.Subscribe(req); err != nil {
		t.Fatalf("inferred subscribe: %v", err)
	}
	if _, ok := adapters["binance"].subscribed[req.Key()]; !ok {
		t.Fatal("subscription did not reach the adapter")
	}

	// Two connected: inference is ambiguous.
	m.Connect(context.Background(), "bybit", connCfg())
	if err := m.Subscribe(req); err == nil {
		t.Fatal("ambiguous subscribe should fail")
	}

	// Explicit exchange still works.
	req.Exchange = "bybit"
	if err := m.Subscribe(req); err != nil {
		t.Fatalf("explicit subscribe: %v", err)
	}
	if _, ok := adapters["bybit"].subscribed["ticker:BTC/USDT"]; !ok {
		t.Fatal("explicit subscription did not reach bybit adapter")
	}
}

func TestManagerReEmitsTaggedEvents(t *testing.T) {
	m, adapters := testManager(t, 5, nil)
	defer m.DisconnectAll()

	m.Connect(context.Background(), "binance", connCfg())
	out, unsub := m.Events("test")
	defer unsub()

	adapters["binance"].emit(models.MarketEvent{
		Type:   models.EventTicker,
		Symbol: "BTC/USDT",
		Ticker: &models.Ticker{Last: 50000},
	})

	select {
	case ev := <-out:
		if ev.Exchange != "binance" {
			t.Errorf("event exchange = %q, want binance", ev.Exchange)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event re-emitted")
	}

	stats := m.Stats()["binance"]
	if stats.MessagesReceived != 1 {
		t.Errorf("messages = %d, want 1", stats.MessagesReceived)
	}
}

func TestManagerCountsErrorsAndReconnects(t *testing.T) {
	m, adapters := testManager(t, 5, nil)
	defer m.DisconnectAll()

	m.Connect(context.Background(), "binance", connCfg())
	a := adapters["binance"]
	a.emit(models.MarketEvent{Type: models.EventParseError})
	a.emit(models.MarketEvent{Type: models.EventReconnecting})
	a.emit(models.MarketEvent{Type: models.EventReconnecting})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s := m.Stats()["binance"]
		if s.ParseErrors == 1 && s.Reconnects == 2 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("stats never converged: %+v", m.Stats()["binance"])
}

func TestManagerBridgeRepublishesMarketData(t *testing.T) {
	bridge := &fakeBridge{}
	m, adapters := testManager(t, 5, bridge)

	m.Connect(context.Background(), "binance", connCfg())
	a := adapters["binance"]
	a.emit(models.MarketEvent{Type: models.EventTicker, Ticker: &models.Ticker{Last: 1}})
	a.emit(models.MarketEvent{Type: models.EventConnected}) // status events stay local

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && bridge.count() < 1 {
		time.Sleep(10 * time.Millisecond)
	}
	if bridge.count() != 1 {
		t.Fatalf("bridge published %d events, want 1", bridge.count())
	}

	m.DisconnectAll()
	if !bridge.closed {
		t.Error("DisconnectAll must close the bridge")
	}
}

func TestManagerBridgeFailureDoesNotBlockLocalDelivery(t *testing.T) {
	bridge := &fakeBridge{err: errors.New("redis down")}
	m, adapters := testManager(t, 5, bridge)
	defer m.DisconnectAll()

	m.Connect(context.Background(), "binance", connCfg())
	out, unsub := m.Events("test")
	defer unsub()

	adapters["binance"].emit(models.MarketEvent{Type: models.EventTrade, Trade: &models.Trade{Price: 1}})

	select {
	case <-out:
	case <-time.After(2 * time.Second):
		t.Fatal("local delivery blocked by failing bridge")
	}
}

func TestManagerDisconnectUnknown(t *testing.T) {
	m, _ := testManager(t, 5, nil)
	defer m.DisconnectAll()

	if err := m.Disconnect("okx"); err == nil {
		t.Fatal("disconnecting an unknown exchange should fail")
	}
}

func TestManagerStatusSnapshot(t *testing.T) {
	m, _ := testManager(t, 5, nil)
	defer m.DisconnectAll()

	m.Connect(context.Background(), "binance", connCfg())
	m.Connect(context.Background(), "kucoin", connCfg())

	status := m.Status()
	if len(status) != 2 {
		t.Fatalf("status has %d entries, want 2", len(status))
	}
	if status["binance"].State != models.StateConnected {
		t.Errorf("binance state = %s", status["binance"].State)
	}
}
