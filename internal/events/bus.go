package events

import (
	"sync"

	"tradeflow/logger"
)

// SubscriberStats counts deliveries and drops for one subscriber channel.
type SubscriberStats struct {
	Sent    int64
	Dropped int64
}

type subscriber[T any] struct {
	name string
	ch   chan T

	mu    sync.Mutex
	stats SubscriberStats
}

// Bus is a buffered fan-out of typed events. Every subscriber gets its own
// buffered channel; a full buffer drops the event for that subscriber and
// counts the drop rather than blocking the publisher.
type Bus[T any] struct {
	buffer int

	mu     sync.RWMutex
	subs   map[int]*subscriber[T]
	nextID int
	closed bool

	log *logger.Log
}

// NewBus creates a bus whose subscriber channels hold up to buffer events.
func NewBus[T any](buffer int) *Bus[T] {
	if buffer <= 0 {
		buffer = 256
	}
	return &Bus[T]{
		buffer: buffer,
		subs:   make(map[int]*subscriber[T]),
		log:    logger.GetLogger(),
	}
}

// Subscribe registers a named subscriber and returns its channel together
// with an unsubscribe function. The channel is closed on unsubscribe and on
// bus close.
func (b *Bus[T]) Subscribe(name string) (<-chan T, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan T)
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	sub := &subscriber[T]{name: name, ch: make(chan T, b.buffer)}
	b.subs[id] = sub

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if s, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(s.ch)
			}
		})
	}
	return sub.ch, unsubscribe
}

// Publish fans the event out to every subscriber. It never blocks; slow
// subscribers lose events and the loss is counted against them.
func (b *Bus[T]) Publish(ev T) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, sub := range b.subs {
		select {
		case sub.ch <- ev:
			sub.mu.Lock()
			sub.stats.Sent++
			sub.mu.Unlock()
		default:
			sub.mu.Lock()
			sub.stats.Dropped++
			dropped := sub.stats.Dropped
			sub.mu.Unlock()
			// Log every 1000th drop to avoid flooding.
			if dropped%1000 == 1 {
				b.log.WithComponent("event_bus").WithFields(logger.Fields{
					"subscriber": sub.name,
					"dropped":    dropped,
				}).Warn("subscriber buffer full, dropping events")
			}
		}
	}
}

// Stats returns a snapshot of per-subscriber delivery counters keyed by name.
func (b *Bus[T]) Stats() map[string]SubscriberStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[string]SubscriberStats, len(b.subs))
	for _, sub := range b.subs {
		sub.mu.Lock()
		out[sub.name] = sub.stats
		sub.mu.Unlock()
	}
	return out
}

// Close closes every subscriber channel and rejects further publishes.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}
