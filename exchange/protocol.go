package exchange

import (
	"context"

	"tradeflow/models"
)

// Protocol captures everything exchange-specific about one websocket stream:
// endpoint resolution, subscribe/unsubscribe wire formats, payload parsing
// and the application-level heartbeat, when the exchange requires one. The
// shared Adapter owns the socket, the state machine and reconnection; a
// Protocol only translates.
type Protocol interface {
	// Name returns the lowercase exchange identifier ("binance", "bybit").
	Name() string

	// ResolveURL returns the websocket endpoint. Exchanges with static
	// endpoints return a configured URL; kucoin performs a REST token
	// handshake here.
	ResolveURL(ctx context.Context) (string, error)

	// FormatSubscribe renders the wire messages that open the given stream.
	// Most exchanges need a single message; some need one per topic.
	FormatSubscribe(req models.SubscriptionRequest) ([][]byte, error)

	// FormatUnsubscribe renders the wire messages that close the stream.
	FormatUnsubscribe(req models.SubscriptionRequest) ([][]byte, error)

	// ParseMessage converts one raw frame into zero or more normalized
	// events. Unknown message types return (nil, nil); malformed payloads
	// return an error which the adapter surfaces as a non-fatal
	// MessageParsingError event.
	ParseMessage(raw []byte) ([]models.MarketEvent, error)

	// Heartbeat returns the application-level ping payload and true when the
	// exchange requires one (bybit, kucoin). Exchanges that rely on
	// websocket control pings return (nil, false).
	Heartbeat() ([]byte, bool)
}

// Bootstrapper is implemented by protocols that can seed a freshly opened
// stream with initial state fetched out of band, such as a REST order book
// snapshot. The adapter calls Bootstrap asynchronously after a successful
// subscribe and emits the returned events ahead of the streamed ones.
type Bootstrapper interface {
	Bootstrap(ctx context.Context, req models.SubscriptionRequest) ([]models.MarketEvent, error)
}
