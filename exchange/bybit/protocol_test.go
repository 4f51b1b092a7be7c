package bybit

import (
	"encoding/json"
	"testing"

	"tradeflow/models"
)

func TestFormatSubscribeTopics(t *testing.T) {
	p := New("")

	tests := []struct {
		req  models.SubscriptionRequest
		want string
	}{
		{models.SubscriptionRequest{Channel: models.ChannelTicker, Symbol: "BTC/USDT"}, "tickers.BTCUSDT"},
		{models.SubscriptionRequest{Channel: models.ChannelTrades, Symbol: "ETH/USDT"}, "publicTrade.ETHUSDT"},
		{models.SubscriptionRequest{Channel: models.ChannelOrderbook, Symbol: "BTC/USDT", Depth: 200}, "orderbook.200.BTCUSDT"},
		{models.SubscriptionRequest{Channel: models.ChannelOrderbook, Symbol: "BTC/USDT"}, "orderbook.50.BTCUSDT"},
		{models.SubscriptionRequest{Channel: models.ChannelCandles, Symbol: "BTC/USDT", Interval: "1h"}, "kline.60.BTCUSDT"},
		{models.SubscriptionRequest{Channel: models.ChannelCandles, Symbol: "BTC/USDT", Interval: "1d"}, "kline.D.BTCUSDT"},
	}
	for _, tt := range tests {
		msgs, err := p.FormatSubscribe(tt.req)
		if err != nil {
			t.Fatalf("FormatSubscribe(%+v): %v", tt.req, err)
		}
		var msg opMessage
		if err := json.Unmarshal(msgs[0], &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if msg.Op != "subscribe" {
			t.Errorf("op = %q", msg.Op)
		}
		if len(msg.Args) != 1 || msg.Args[0] != tt.want {
			t.Errorf("args = %v, want [%s]", msg.Args, tt.want)
		}
	}
}

func TestHeartbeatIsAppLevel(t *testing.T) {
	payload, app := New("").Heartbeat()
	if !app {
		t.Fatal("bybit requires an app-level ping")
	}
	var msg opMessage
	if err := json.Unmarshal(payload, &msg); err != nil || msg.Op != "ping" {
		t.Errorf("ping payload = %s (%v)", payload, err)
	}
}

func TestParseTicker(t *testing.T) {
	p := New("")
	raw := []byte(`{"topic":"tickers.BTCUSDT","type":"snapshot","ts":1700000000000,"data":{"symbol":"BTCUSDT","lastPrice":"50000.5","highPrice24h":"51000","lowPrice24h":"49000","volume24h":"100","price24hPcnt":"0.025"}}`)

	events, err := p.ParseMessage(raw)
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	tk := events[0].Ticker
	if tk.Symbol != "BTC/USDT" || tk.Last != 50000.5 {
		t.Errorf("ticker: %+v", tk)
	}
	if tk.Change24h != 2.5 {
		t.Errorf("change = %v, want percent 2.5", tk.Change24h)
	}
}

func TestParseTrades(t *testing.T) {
	p := New("")
	raw := []byte(`{"topic":"publicTrade.BTCUSDT","ts":1700000000000,"data":[{"i":"t1","s":"BTCUSDT","p":"50000","v":"0.1","S":"Buy","T":1700000000001},{"i":"t2","s":"BTCUSDT","p":"50001","v":"0.2","S":"Sell","T":1700000000002}]}`)

	events, err := p.ParseMessage(raw)
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Trade.Side != "buy" || events[1].Trade.Side != "sell" {
		t.Errorf("sides: %q, %q", events[0].Trade.Side, events[1].Trade.Side)
	}
}

func TestParseOrderbook(t *testing.T) {
	p := New("")
	raw := []byte(`{"topic":"orderbook.50.BTCUSDT","type":"delta","ts":1700000000000,"data":{"s":"BTCUSDT","b":[["50000","1"]],"a":[["50001","2"]],"u":77}}`)

	events, err := p.ParseMessage(raw)
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	ob := events[0].OrderBook
	if ob.SequenceID != 77 || len(ob.Bids) != 1 || len(ob.Asks) != 1 {
		t.Errorf("orderbook: %+v", ob)
	}
}

func TestParseKline(t *testing.T) {
	p := New("")
	raw := []byte(`{"topic":"kline.1.BTCUSDT","ts":1700000000000,"data":[{"start":1700000000000,"interval":"1","open":"50000","high":"50100","low":"49900","close":"50050","volume":"5","confirm":true}]}`)

	events, err := p.ParseMessage(raw)
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	c := events[0].Candle
	if c.Symbol != "BTC/USDT" || !c.Closed || c.Close != 50050 {
		t.Errorf("candle: %+v", c)
	}
}

func TestParseDropsAcksAndPongs(t *testing.T) {
	p := New("")
	for _, raw := range []string{
		`{"op":"pong","success":true}`,
		`{"op":"subscribe","success":true,"conn_id":"x"}`,
		`{"topic":"unknownTopic.BTCUSDT","data":{}}`,
	} {
		events, err := p.ParseMessage([]byte(raw))
		if err != nil || len(events) != 0 {
			t.Errorf("ParseMessage(%s) = (%v, %v), want none", raw, events, err)
		}
	}
}

func TestParseMalformed(t *testing.T) {
	p := New("")
	if _, err := p.ParseMessage([]byte(`garbage`)); err == nil {
		t.Error("expected error for invalid json")
	}
	if _, err := p.ParseMessage([]byte(`{"topic":"tickers.BTCUSDT","data":{"symbol":"BTCUSDT","lastPrice":"oops"}}`)); err == nil {
		t.Error("expected error for bad lastPrice")
	}
}
