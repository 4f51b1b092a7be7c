package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"tradeflow/config"
	"tradeflow/logger"
	"tradeflow/models"
)

// Stats is a snapshot of the bridge counters.
type Stats struct {
	Published int64
	Received  int64
	Filtered  int64
	Dropped   int64
}

// RedisBridge fans market data out to other process instances over Redis
// pub/sub, one channel per event type. Every outgoing envelope carries this
// instance's id so subscribers can discard their own echoes.
//
// Publishing and subscribing are independently switchable: a read-only
// consumer runs with Publish disabled, a pure feed instance with Subscribe
// disabled.
type RedisBridge struct {
	cfg        config.BridgeConfig
	instanceID string
	log        *logger.Entry

	mu        sync.Mutex
	connected bool
	pub       *redis.Client
	sub       *redis.Client
	pubsub    *redis.PubSub
	cancel    context.CancelFunc

	events    chan models.MarketEvent
	closeOnce sync.Once
	wg        sync.WaitGroup

	published int64
	received  int64
	filtered  int64
	dropped   int64
}

// NewBridge creates a bridge from the config section. Call Connect before
// publishing; until then Publish is a silent no-op.
func NewBridge(cfg config.BridgeConfig) *RedisBridge {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "tradeflow:events:"
	}
	id := uuid.NewString()
	return &RedisBridge{
		cfg:        cfg,
		instanceID: id,
		log: logger.GetLogger().WithComponent("bridge").WithFields(logger.Fields{
			"instance_id": id,
		}),
		events: make(chan models.MarketEvent, 1024),
	}
}

// InstanceID returns the id stamped on every envelope this bridge publishes.
func (b *RedisBridge) InstanceID() string { return b.instanceID }

// Connect establishes the Redis connections enabled by the config and starts
// the subscriber loop. A failed ping is returned to the caller; the bridge
// stays disconnected.
func (b *RedisBridge) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.connected {
		return nil
	}

	opts := &redis.Options{
		Addr:     b.cfg.Address,
		Password: b.cfg.Password,
		DB:       b.cfg.DB,
	}

	if b.cfg.Publish {
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return fmt.Errorf("failed to connect publish client to redis at %s: %w", b.cfg.Address, err)
		}
		b.pub = client
	}

	if b.cfg.Subscribe {
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			if b.pub != nil {
				b.pub.Close()
				b.pub = nil
			}
			return fmt.Errorf("failed to connect subscribe client to redis at %s: %w", b.cfg.Address, err)
		}
		b.sub = client
		b.subscribeAllLocked()
	}

	b.connected = true
	b.log.WithFields(logger.Fields{
		"address":   b.cfg.Address,
		"publish":   b.cfg.Publish,
		"subscribe": b.cfg.Subscribe,
	}).Info("Redis bridge connected")
	return nil
}

// SubscribeAll fans the subscriber out to every market data event channel.
// Without a subscribe connection this is a no-op, as is a repeated call.
func (b *RedisBridge) SubscribeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribeAllLocked()
}

func (b *RedisBridge) subscribeAllLocked() {
	if b.sub == nil || b.pubsub != nil {
		return
	}

	channels := make([]string, 0, len(models.MarketEventTypes))
	for _, t := range models.MarketEventTypes {
		channels = append(channels, b.channelFor(t))
	}
	b.pubsub = b.sub.Subscribe(context.Background(), channels...)

	loopCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.wg.Add(1)
	go b.receive(loopCtx, b.pubsub)
	b.log.WithFields(logger.Fields{
		"channels": len(channels),
	}).Debug("subscribed to bridge channels")
}

// UnsubscribeAll tears down every channel subscription and the receive loop.
// The events channel stays open so a later SubscribeAll resumes delivery.
func (b *RedisBridge) UnsubscribeAll() {
	b.mu.Lock()
	cancel := b.cancel
	pubsub := b.pubsub
	b.cancel = nil
	b.pubsub = nil
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if pubsub != nil {
		if err := pubsub.Close(); err != nil {
			b.log.WithError(err).Warn("failed to close pubsub")
		}
	}
	b.wg.Wait()
}

// Publish sends one market data event to the event type's channel. Calls
// before Connect or with publishing disabled return nil without touching
// Redis, keeping the hot path alive when the bridge is down.
func (b *RedisBridge) Publish(ctx context.Context, ev models.MarketEvent) error {
	b.mu.Lock()
	client := b.pub
	b.mu.Unlock()

	if client == nil {
		return nil
	}
	if !ev.IsMarketData() {
		return nil
	}

	payload, err := encodeEvent(ev, b.instanceID)
	if err != nil {
		return fmt.Errorf("failed to encode bridge envelope: %w", err)
	}

	if err := client.Publish(ctx, b.channelFor(ev.Type), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish %s event: %w", ev.Type, err)
	}

	atomic.AddInt64(&b.published, 1)
	logger.IncrementBridgePublish(len(payload))
	return nil
}

// Events delivers events published by other instances. The channel closes
// when the bridge is closed.
func (b *RedisBridge) Events() <-chan models.MarketEvent {
	return b.events
}

// Stats returns a snapshot of the bridge counters.
func (b *RedisBridge) Stats() Stats {
	return Stats{
		Published: atomic.LoadInt64(&b.published),
		Received:  atomic.LoadInt64(&b.received),
		Filtered:  atomic.LoadInt64(&b.filtered),
		Dropped:   atomic.LoadInt64(&b.dropped),
	}
}

// Close tears down the subscriber loop and both connections. Safe to call
// more than once and on a bridge that never connected.
func (b *RedisBridge) Close() error {
	var firstErr error
	b.closeOnce.Do(func() {
		b.UnsubscribeAll()

		b.mu.Lock()
		if b.sub != nil {
			if err := b.sub.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
			b.sub = nil
		}
		if b.pub != nil {
			if err := b.pub.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
			b.pub = nil
		}
		b.connected = false
		b.mu.Unlock()

		close(b.events)
		b.log.Info("Redis bridge closed")
	})
	return firstErr
}

func (b *RedisBridge) channelFor(t models.EventType) string {
	return b.cfg.KeyPrefix + string(t)
}

func (b *RedisBridge) receive(ctx context.Context, pubsub *redis.PubSub) {
	defer b.wg.Done()

	ch := pubsub.Channel(redis.WithChannelHealthCheckInterval(30 * time.Second))
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			ev, self, err := decodeEvent([]byte(msg.Payload), b.instanceID)
			if err != nil {
				b.log.WithError(err).WithFields(logger.Fields{
					"channel": msg.Channel,
				}).Warn("discarding malformed bridge envelope")
				continue
			}
			if self {
				atomic.AddInt64(&b.filtered, 1)
				continue
			}
			atomic.AddInt64(&b.received, 1)
			select {
			case b.events <- ev:
			default:
				if atomic.AddInt64(&b.dropped, 1)%1000 == 1 {
					b.log.WithFields(logger.Fields{
						"dropped": atomic.LoadInt64(&b.dropped),
					}).Warn("bridge event buffer full, dropping events")
				}
			}
		}
	}
}

// encodeEvent wraps a market event in the wire envelope.
func encodeEvent(ev models.MarketEvent, source string) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return json.Marshal(models.BridgeEnvelope{
		Type:      ev.Type,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
		Source:    source,
	})
}

// decodeEvent unwraps an envelope. The second return is true when the
// envelope was published by selfID and should be dropped.
func decodeEvent(payload []byte, selfID string) (models.MarketEvent, bool, error) {
	var env models.BridgeEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return models.MarketEvent{}, false, fmt.Errorf("invalid envelope: %w", err)
	}
	if env.Source == selfID {
		return models.MarketEvent{}, true, nil
	}
	var ev models.MarketEvent
	if err := json.Unmarshal(env.Data, &ev); err != nil {
		return models.MarketEvent{}, false, fmt.Errorf("invalid envelope data for %s: %w", env.Type, err)
	}
	if ev.Type == "" {
		ev.Type = env.Type
	}
	return ev, false, nil
}
