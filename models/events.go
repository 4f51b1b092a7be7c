package models

import (
	"encoding/json"
	"time"
)

// EventType names the event streams emitted by adapters and re-published by
// the manager and the bridge. One Redis channel exists per event type.
type EventType string

const (
	EventOrderbook    EventType = "orderbook"
	EventTrade        EventType = "trade"
	EventTicker       EventType = "ticker"
	EventCandle       EventType = "candle"
	EventConnected    EventType = "connected"
	EventDisconnected EventType = "disconnected"
	EventReconnecting EventType = "reconnecting"
	EventError        EventType = "error"
	EventParseError   EventType = "parse_error"
)

// MarketEventTypes lists the data-bearing event types that cross the bridge.
var MarketEventTypes = []EventType{EventOrderbook, EventTrade, EventTicker, EventCandle}

// MarketEvent is the envelope for one normalized event flowing out of an
// adapter. Exactly one of the payload fields is set, matching Type.
type MarketEvent struct {
	Type      EventType  `json:"type"`
	Exchange  string     `json:"exchange"`
	Symbol    string     `json:"symbol,omitempty"`
	OrderBook *OrderBook `json:"orderbook,omitempty"`
	Trade     *Trade     `json:"trade,omitempty"`
	Ticker    *Ticker    `json:"ticker,omitempty"`
	Candle    *Candle    `json:"candle,omitempty"`
	Err       string     `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// IsMarketData reports whether the event carries a normalized payload rather
// than a status or error notification.
func (e MarketEvent) IsMarketData() bool {
	switch e.Type {
	case EventOrderbook, EventTrade, EventTicker, EventCandle:
		return true
	}
	return false
}

// BridgeEnvelope is the wire format used on Redis pub/sub channels. Source
// carries the publishing instance id so receivers can drop their own echoes.
type BridgeEnvelope struct {
	Type      EventType       `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
	Source    string          `json:"source"`
}

// BotEventType names the typed events emitted by a bot execution engine.
type BotEventType string

const (
	BotEventStarted        BotEventType = "started"
	BotEventStopped        BotEventType = "stopped"
	BotEventPaused         BotEventType = "paused"
	BotEventResumed        BotEventType = "resumed"
	BotEventError          BotEventType = "error"
	BotEventWarning        BotEventType = "warning"
	BotEventPriceUpdate    BotEventType = "price_update"
	BotEventSignal         BotEventType = "signal"
	BotEventOrderPlaced    BotEventType = "order_placed"
	BotEventOrderFailed    BotEventType = "order_failed"
	BotEventStopLossHit    BotEventType = "stop_loss_hit"
	BotEventTakeProfitHit  BotEventType = "take_profit_hit"
	BotEventCircuitOpened  BotEventType = "circuit_opened"
	BotEventCircuitClosed  BotEventType = "circuit_closed"
	BotEventAutoStopped    BotEventType = "auto_stopped"
	BotEventStateChanged   BotEventType = "state_changed"
	BotEventPositionClosed BotEventType = "position_closed"
)

// BotEvent is one typed notification from a bot execution engine. Consumers
// (monitoring, UI, alerting) subscribe to this stream instead of polling.
type BotEvent struct {
	Type        BotEventType           `json:"type"`
	BotID       string                 `json:"bot_id"`
	ExecutionID string                 `json:"execution_id"`
	Data        map[string]interface{} `json:"data,omitempty"`
	Err         string                 `json:"error,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
}
