package hub

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"tradeflow/config"
	"tradeflow/exchange"
	"tradeflow/exchange/binance"
	"tradeflow/exchange/bybit"
	"tradeflow/exchange/kucoin"
	"tradeflow/internal/events"
	"tradeflow/internal/metrics"
	"tradeflow/logger"
	"tradeflow/models"
)

// Adapter is the slice of the exchange driver the manager depends on.
type Adapter interface {
	Exchange() string
	Connect(ctx context.Context) error
	Disconnect()
	Subscribe(req models.SubscriptionRequest) error
	Unsubscribe(req models.SubscriptionRequest) error
	Status() models.ConnectionStatus
	Events() <-chan models.MarketEvent
}

// Bridge republishes market data to other process instances. Publishing is
// best-effort; failures must never block local delivery.
type Bridge interface {
	Publish(ctx context.Context, ev models.MarketEvent) error
	Close() error
}

// AdapterFactory builds an adapter for the named exchange.
type AdapterFactory func(exchangeID string, cfg models.ConnectionConfig) (Adapter, error)

type exchangeStats struct {
	messages   int64
	errors     int64
	reconnects int64
}

// Manager owns the adapter pool: one adapter per connected exchange, bounded
// by MaxConnections. Adapter events are re-emitted on the manager's fan-out
// bus tagged with their exchange and, for market data, republished through
// the bridge when one is configured.
type Manager struct {
	maxConnections int
	opts           exchange.Options
	factory        AdapterFactory
	bridge         Bridge
	bus            *events.Bus[models.MarketEvent]
	log            *logger.Entry

	mu         sync.Mutex
	adapters   map[string]Adapter
	connecting map[string]bool
	stats      map[string]*exchangeStats

	bridgeCh      chan models.MarketEvent
	bridgeDropped int64
	forwardWg     sync.WaitGroup
	wg            sync.WaitGroup
	closeOnce     sync.Once
}

// NewManager creates a manager from the websocket config section. A nil
// bridge disables cross-instance republishing.
func NewManager(cfg config.WebsocketConfig, bridge Bridge) *Manager {
	m := &Manager{
		maxConnections: cfg.MaxConnections,
		opts: exchange.Options{
			EventBuffer:      cfg.EventBuffer,
			ControlPerSecond: cfg.RateLimit.MessagesPerSecond,
			ControlBurst:     cfg.RateLimit.BurstSize,
		},
		bridge:     bridge,
		bus:        events.NewBus[models.MarketEvent](cfg.EventBuffer),
		log:        logger.GetLogger().WithComponent("market_data_manager"),
		adapters:   make(map[string]Adapter),
		connecting: make(map[string]bool),
		stats:      make(map[string]*exchangeStats),
		bridgeCh:   make(chan models.MarketEvent, 1024),
	}
	m.factory = m.defaultFactory

	if bridge != nil {
		m.wg.Add(1)
		go m.bridgePublisher()
	}
	return m
}

// SetFactory swaps the adapter construction hook. Used by tests to inject
// fakes; production code keeps the default.
func (m *Manager) SetFactory(f AdapterFactory) {
	m.factory = f
}

func (m *Manager) defaultFactory(exchangeID string, cfg models.ConnectionConfig) (Adapter, error) {
	var protocol exchange.Protocol
	switch exchangeID {
	case "binance":
		protocol = binance.New(cfg.URL)
	case "bybit":
		protocol = bybit.New(cfg.URL)
	case "kucoin":
		protocol = kucoin.New(cfg.URL)
	default:
		return nil, fmt.Errorf("unsupported exchange '%s'", exchangeID)
	}
	return exchange.NewAdapter(protocol, cfg, m.opts), nil
}

// Connect opens an adapter for the exchange. Connecting an exchange twice is
// an error, as is exceeding the connection cap.
func (m *Manager) Connect(ctx context.Context, exchangeID string, cfg models.ConnectionConfig) error {
	exchangeID = strings.ToLower(strings.TrimSpace(exchangeID))
	if exchangeID == "" {
		return fmt.Errorf("exchange id is required")
	}

	m.mu.Lock()
	if _, exists := m.adapters[exchangeID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("exchange '%s' is already connected", exchangeID)
	}
	if m.connecting[exchangeID] {
		m.mu.Unlock()
		return fmt.Errorf("exchange '%s' connection already in progress", exchangeID)
	}
	if len(m.adapters)+len(m.connecting) >= m.maxConnections {
		m.mu.Unlock()
		return fmt.Errorf("connection limit of %d reached", m.maxConnections)
	}
	m.connecting[exchangeID] = true
	m.mu.Unlock()

	adapter, err := m.factory(exchangeID, cfg)
	if err != nil {
		m.clearConnecting(exchangeID)
		return err
	}

	if err := adapter.Connect(ctx); err != nil {
		m.clearConnecting(exchangeID)
		return fmt.Errorf("connect %s: %w", exchangeID, err)
	}

	m.mu.Lock()
	delete(m.connecting, exchangeID)
	m.adapters[exchangeID] = adapter
	m.stats[exchangeID] = &exchangeStats{}
	m.mu.Unlock()

	m.forwardWg.Add(1)
	go m.forward(exchangeID, adapter)

	m.log.WithFields(logger.Fields{"exchange": exchangeID}).Info("exchange connected")
	return nil
}

func (m *Manager) clearConnecting(exchangeID string) {
	m.mu.Lock()
	delete(m.connecting, exchangeID)
	m.mu.Unlock()
}

// Disconnect tears down one exchange adapter.
func (m *Manager) Disconnect(exchangeID string) error {
	exchangeID = strings.ToLower(strings.TrimSpace(exchangeID))

	m.mu.Lock()
	adapter, exists := m.adapters[exchangeID]
	delete(m.adapters, exchangeID)
	m.mu.Unlock()

	if !exists {
		return fmt.Errorf("exchange '%s' is not connected", exchangeID)
	}

	adapter.Disconnect()
	m.log.WithFields(logger.Fields{"exchange": exchangeID}).Info("exchange disconnected")
	return nil
}

// DisconnectAll tears down every adapter concurrently, then the bridge.
func (m *Manager) DisconnectAll() {
	m.mu.Lock()
	adapters := make([]Adapter, 0, len(m.adapters))
	for id, a := range m.adapters {
		adapters = append(adapters, a)
		delete(m.adapters, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, adapter := range adapters {
		wg.Add(1)
		go func(a Adapter) {
			defer wg.Done()
			a.Disconnect()
		}(adapter)
	}
	wg.Wait()
	m.forwardWg.Wait()

	m.closeOnce.Do(func() { close(m.bridgeCh) })
	m.wg.Wait()

	if m.bridge != nil {
		if err := m.bridge.Close(); err != nil {
			m.log.WithError(err).Warn("bridge close failed")
		}
	}
	m.bus.Close()
	m.log.Info("all exchanges disconnected")
}

// resolve picks the adapter for a request. An empty exchange is allowed only
// while exactly one exchange is connected.
func (m *Manager) resolve(exchangeID string) (Adapter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if exchangeID != "" {
		adapter, ok := m.adapters[strings.ToLower(exchangeID)]
		if !ok {
			return nil, fmt.Errorf("exchange '%s' is not connected", exchangeID)
		}
		return adapter, nil
	}

	switch len(m.adapters) {
	case 0:
		return nil, fmt.Errorf("no exchanges connected")
	case 1:
		for _, adapter := range m.adapters {
			return adapter, nil
		}
	}
	return nil, fmt.Errorf("exchange id required when %d exchanges are connected", len(m.adapters))
}

// Subscribe opens a market data stream. The exchange may be omitted only
// when a single exchange is connected.
func (m *Manager) Subscribe(req models.SubscriptionRequest) error {
	adapter, err := m.resolve(req.Exchange)
	if err != nil {
		return err
	}
	return adapter.Subscribe(req)
}

// Unsubscribe closes a market data stream, with the same inference rule as
// Subscribe.
func (m *Manager) Unsubscribe(req models.SubscriptionRequest) error {
	adapter, err := m.resolve(req.Exchange)
	if err != nil {
		return err
	}
	return adapter.Unsubscribe(req)
}

// Events registers a named subscriber for the manager's fan-out stream. The
// returned channel is buffered; slow consumers lose events rather than
// blocking the pipeline.
func (m *Manager) Events(name string) (<-chan models.MarketEvent, func()) {
	return m.bus.Subscribe(name)
}

// Status returns a read-only snapshot per connected exchange.
func (m *Manager) Status() map[string]models.ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]models.ConnectionStatus, len(m.adapters))
	for id, adapter := range m.adapters {
		out[id] = adapter.Status()
	}
	return out
}

// Stats returns per-exchange message, error and reconnect counters.
func (m *Manager) Stats() map[string]metrics.AdapterStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]metrics.AdapterStats, len(m.stats))
	for id, s := range m.stats {
		out[id] = metrics.AdapterStats{
			MessagesReceived: atomic.LoadInt64(&s.messages),
			ParseErrors:      atomic.LoadInt64(&s.errors),
			Reconnects:       atomic.LoadInt64(&s.reconnects),
		}
	}
	return out
}

// forward drains one adapter's events into the manager bus, keeping the
// per-exchange counters and feeding the bridge publisher.
func (m *Manager) forward(exchangeID string, adapter Adapter) {
	defer m.forwardWg.Done()

	m.mu.Lock()
	stats := m.stats[exchangeID]
	m.mu.Unlock()

	for ev := range adapter.Events() {
		ev.Exchange = exchangeID

		switch ev.Type {
		case models.EventParseError, models.EventError:
			atomic.AddInt64(&stats.errors, 1)
		case models.EventReconnecting:
			atomic.AddInt64(&stats.reconnects, 1)
		}

		if ev.IsMarketData() {
			atomic.AddInt64(&stats.messages, 1)
			if m.bridge != nil {
				select {
				case m.bridgeCh <- ev:
				default:
					if atomic.AddInt64(&m.bridgeDropped, 1)%1000 == 1 {
						m.log.WithFields(logger.Fields{
							"dropped": atomic.LoadInt64(&m.bridgeDropped),
						}).Warn("bridge publish queue full, dropping events")
					}
				}
			}
		}

		m.bus.Publish(ev)
	}
}

// bridgePublisher pushes market data to the bridge off the hot path.
// Failures are logged and never propagate.
func (m *Manager) bridgePublisher() {
	defer m.wg.Done()

	for ev := range m.bridgeCh {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := m.bridge.Publish(ctx, ev)
		cancel()
		if err != nil {
			m.log.WithError(err).WithFields(logger.Fields{
				"event_type": string(ev.Type),
				"exchange":   ev.Exchange,
			}).Warn("bridge publish failed")
		}
	}
}
