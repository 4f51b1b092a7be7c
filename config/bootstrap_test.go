package config

import (
	"testing"

	"tradeflow/models"
)

func TestBootstrapSubscriptionsParsesEntries(t *testing.T) {
	t.Setenv("TRADEFLOW_SUBSCRIPTIONS", "binance:BTC/USDT:ticker,trades;kucoin:ETH/USDT:orderbook")
	t.Setenv("TRADEFLOW_ORDERBOOK_DEPTH", "50")

	subs := BootstrapSubscriptions(nil)
	if len(subs) != 3 {
		t.Fatalf("got %d subscriptions, want 3", len(subs))
	}

	if subs[0].Exchange != "binance" || subs[0].Channel != models.ChannelTicker || subs[0].Symbol != "BTC/USDT" {
		t.Errorf("unexpected first subscription: %+v", subs[0])
	}
	if subs[1].Channel != models.ChannelTrades {
		t.Errorf("unexpected second subscription: %+v", subs[1])
	}
	if subs[2].Exchange != "kucoin" || subs[2].Channel != models.ChannelOrderbook {
		t.Errorf("unexpected third subscription: %+v", subs[2])
	}
	if subs[2].Depth != 50 {
		t.Errorf("orderbook depth = %d, want 50", subs[2].Depth)
	}
}

func TestBootstrapSubscriptionsSkipsInvalid(t *testing.T) {
	t.Setenv("TRADEFLOW_SUBSCRIPTIONS", "okx:BTC/USDT:ticker;binance:BTCUSDT:ticker;binance:ETH/USDT:nope;garbage;binance:SOL/USDT:trades")

	subs := BootstrapSubscriptions(nil)
	if len(subs) != 1 {
		t.Fatalf("got %d subscriptions, want 1: %+v", len(subs), subs)
	}
	if subs[0].Exchange != "binance" || subs[0].Symbol != "SOL/USDT" || subs[0].Channel != models.ChannelTrades {
		t.Errorf("unexpected surviving subscription: %+v", subs[0])
	}
}

func TestBootstrapSubscriptionsFallback(t *testing.T) {
	t.Setenv("TRADEFLOW_SUBSCRIPTIONS", "")

	subs := BootstrapSubscriptions(nil)
	if len(subs) != 2 {
		t.Fatalf("got %d subscriptions, want 2", len(subs))
	}
	for _, s := range subs {
		if s.Exchange != "binance" || s.Symbol != "BTC/USDT" {
			t.Errorf("fallback subscription unexpected: %+v", s)
		}
	}
	if subs[0].Channel != models.ChannelTicker || subs[1].Channel != models.ChannelTrades {
		t.Errorf("fallback channels unexpected: %+v", subs)
	}
}

func TestBootstrapSubscriptionsDeduplicates(t *testing.T) {
	t.Setenv("TRADEFLOW_SUBSCRIPTIONS", "binance:BTC/USDT:ticker;binance:BTC/USDT:ticker")

	subs := BootstrapSubscriptions(nil)
	if len(subs) != 1 {
		t.Fatalf("got %d subscriptions, want 1", len(subs))
	}
}

func TestBootstrapSubscriptionsCandleInterval(t *testing.T) {
	t.Setenv("TRADEFLOW_SUBSCRIPTIONS", "binance:BTC/USDT:candles")
	t.Setenv("TRADEFLOW_CANDLE_INTERVAL", "5m")

	subs := BootstrapSubscriptions(nil)
	if len(subs) != 1 {
		t.Fatalf("got %d subscriptions, want 1", len(subs))
	}
	if subs[0].Interval != "5m" {
		t.Errorf("interval = %q, want 5m", subs[0].Interval)
	}
}

func TestPipelineEnabled(t *testing.T) {
	t.Setenv("TRADEFLOW_PIPELINE_ENABLED", "")
	if !PipelineEnabled() {
		t.Error("default should be enabled")
	}

	t.Setenv("TRADEFLOW_PIPELINE_ENABLED", "false")
	if PipelineEnabled() {
		t.Error("false should disable")
	}

	t.Setenv("TRADEFLOW_PIPELINE_ENABLED", "banana")
	if !PipelineEnabled() {
		t.Error("unparseable values should default to enabled")
	}
}

func TestExchangeURLOverride(t *testing.T) {
	t.Setenv("TRADEFLOW_BINANCE_WS_URL", "wss://testnet.binance.vision/ws")
	if got := ExchangeURLOverride("binance"); got != "wss://testnet.binance.vision/ws" {
		t.Errorf("override = %q", got)
	}
	if got := ExchangeURLOverride("bybit"); got != "" {
		t.Errorf("unset override should be empty, got %q", got)
	}
}
