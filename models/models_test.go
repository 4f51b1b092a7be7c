package models

import (
	"errors"
	"testing"
)

func TestSubscriptionKey(t *testing.T) {
	req := SubscriptionRequest{Channel: ChannelTicker, Symbol: "BTC/USDT"}
	if req.Key() != "ticker:BTC/USDT" {
		t.Fatalf("unexpected key %q", req.Key())
	}
}

func TestSubscriptionValidate(t *testing.T) {
	cases := []struct {
		name    string
		req     SubscriptionRequest
		wantErr bool
	}{
		{"valid", SubscriptionRequest{Channel: ChannelTrades, Symbol: "ETH/USDT"}, false},
		{"bad channel", SubscriptionRequest{Channel: "funding", Symbol: "ETH/USDT"}, true},
		{"bad symbol", SubscriptionRequest{Channel: ChannelTicker, Symbol: "ETHUSDT"}, true},
	}
	for _, tc := range cases {
		if err := tc.req.Validate(); (err != nil) != tc.wantErr {
			t.Fatalf("%s: got err=%v", tc.name, err)
		}
	}
}

func TestConnectionConfigDefaults(t *testing.T) {
	cfg := ConnectionConfig{URL: "wss://example"}.WithDefaults()
	if cfg.ConnectTimeout == 0 || cfg.PingInterval == 0 || cfg.PongTimeout == 0 {
		t.Fatalf("timeouts not defaulted: %+v", cfg)
	}
	if cfg.Reconnection.BackoffMultiplier != 2 {
		t.Fatalf("backoff multiplier not defaulted: %v", cfg.Reconnection.BackoffMultiplier)
	}
}

func TestConnectionConfigClampsJitter(t *testing.T) {
	cfg := ConnectionConfig{Reconnection: ReconnectionConfig{JitterFactor: 3}}.WithDefaults()
	if cfg.Reconnection.JitterFactor != 1 {
		t.Fatalf("jitter not clamped: %v", cfg.Reconnection.JitterFactor)
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	var err error = &ConnectionError{Exchange: "binance", Message: "dial failed", Cause: cause}
	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to find the cause")
	}

	err = &MessageParsingError{Exchange: "bybit", Cause: cause}
	if !errors.Is(err, cause) {
		t.Fatalf("expected parse error to unwrap to the cause")
	}
}

func TestHoldSignal(t *testing.T) {
	sig := Hold("No strategy configured")
	if sig.Type != SignalHold {
		t.Fatalf("expected HOLD, got %s", sig.Type)
	}
	if len(sig.Reasons) != 1 || sig.Reasons[0] != "No strategy configured" {
		t.Fatalf("unexpected reasons: %v", sig.Reasons)
	}
}
