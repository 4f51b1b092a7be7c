package models

import (
	"fmt"
	"strings"
	"time"
)

// Channel identifies a market data stream type.
type Channel string

const (
	ChannelOrderbook Channel = "orderbook"
	ChannelTrades    Channel = "trades"
	ChannelTicker    Channel = "ticker"
	ChannelCandles   Channel = "candles"
)

// ValidChannel reports whether c names a supported stream type.
func ValidChannel(c Channel) bool {
	switch c {
	case ChannelOrderbook, ChannelTrades, ChannelTicker, ChannelCandles:
		return true
	}
	return false
}

// SubscriptionRequest describes one market data subscription. Symbol uses the
// unified BASE/QUOTE form; Exchange may be empty when only one exchange is
// connected and the target can be inferred.
type SubscriptionRequest struct {
	Exchange string  `json:"exchange,omitempty"`
	Channel  Channel `json:"channel"`
	Symbol   string  `json:"symbol"`
	Depth    int     `json:"depth,omitempty"`    // orderbook only
	Interval string  `json:"interval,omitempty"` // candles only
}

// Key returns the subscription identity used for uniqueness bookkeeping.
func (r SubscriptionRequest) Key() string {
	return fmt.Sprintf("%s:%s", r.Channel, r.Symbol)
}

// Validate checks the request for obvious misuse before it reaches the wire.
func (r SubscriptionRequest) Validate() error {
	if !ValidChannel(r.Channel) {
		return fmt.Errorf("unsupported channel '%s'", r.Channel)
	}
	if !strings.Contains(r.Symbol, "/") {
		return fmt.Errorf("symbol '%s' must use BASE/QUOTE form", r.Symbol)
	}
	return nil
}

// ConnectionState enumerates the adapter lifecycle states.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "DISCONNECTED"
	StateConnecting   ConnectionState = "CONNECTING"
	StateConnected    ConnectionState = "CONNECTED"
	StateReconnecting ConnectionState = "RECONNECTING"
	StateError        ConnectionState = "ERROR"
	StateTerminated   ConnectionState = "TERMINATED"
)

// ConnectionStatus is a read-only snapshot of one adapter's connection. The
// adapter owns the live state; callers only ever see copies.
type ConnectionStatus struct {
	Exchange          string          `json:"exchange"`
	State             ConnectionState `json:"state"`
	ConnectedAt       time.Time       `json:"connected_at,omitempty"`
	ReconnectAttempts int             `json:"reconnect_attempts"`
	LastError         string          `json:"last_error,omitempty"`
	Subscriptions     []string        `json:"subscriptions"`
	// Latency is the most recent ping/pong round trip; nil until the first
	// successful heartbeat.
	Latency *time.Duration `json:"latency,omitempty"`
}

// ReconnectionConfig bounds the adapter's reconnection behaviour.
// MaxAttempts zero means retry forever.
type ReconnectionConfig struct {
	MaxAttempts       int           `yaml:"max_attempts" json:"max_attempts"`
	InitialDelay      time.Duration `yaml:"initial_delay" json:"initial_delay"`
	MaxDelay          time.Duration `yaml:"max_delay" json:"max_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier" json:"backoff_multiplier"`
	JitterFactor      float64       `yaml:"jitter_factor" json:"jitter_factor"`
}

// ConnectionConfig is the immutable per-adapter connection configuration.
type ConnectionConfig struct {
	URL            string             `yaml:"url" json:"url"`
	ConnectTimeout time.Duration      `yaml:"connect_timeout" json:"connect_timeout"`
	PingInterval   time.Duration      `yaml:"ping_interval" json:"ping_interval"`
	PongTimeout    time.Duration      `yaml:"pong_timeout" json:"pong_timeout"`
	Reconnection   ReconnectionConfig `yaml:"reconnection" json:"reconnection"`
}

// WithDefaults fills in zero values with conservative defaults.
func (c ConnectionConfig) WithDefaults() ConnectionConfig {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 20 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 10 * time.Second
	}
	if c.Reconnection.InitialDelay <= 0 {
		c.Reconnection.InitialDelay = time.Second
	}
	if c.Reconnection.MaxDelay <= 0 {
		c.Reconnection.MaxDelay = 30 * time.Second
	}
	if c.Reconnection.BackoffMultiplier <= 0 {
		c.Reconnection.BackoffMultiplier = 2
	}
	if c.Reconnection.JitterFactor < 0 {
		c.Reconnection.JitterFactor = 0
	}
	if c.Reconnection.JitterFactor > 1 {
		c.Reconnection.JitterFactor = 1
	}
	return c
}
