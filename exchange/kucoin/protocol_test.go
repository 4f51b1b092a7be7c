package kucoin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"tradeflow/models"
)

func TestResolveURLHandshake(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/bullet-public" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		w.Write([]byte(`{"code":"200000","data":{"token":"tok123","instanceServers":[{"endpoint":"wss://ws.example.com/endpoint","protocol":"websocket"}]}}`))
	}))
	defer srv.Close()

	p := New("")
	p.apiBase = srv.URL

	url, err := p.ResolveURL(context.Background())
	if err != nil {
		t.Fatalf("ResolveURL: %v", err)
	}
	if !strings.HasPrefix(url, "wss://ws.example.com/endpoint?token=tok123&connectId=") {
		t.Errorf("url = %q", url)
	}
}

func TestResolveURLHandshakeFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"500000","data":{}}`))
	}))
	defer srv.Close()

	p := New("")
	p.apiBase = srv.URL

	if _, err := p.ResolveURL(context.Background()); err == nil {
		t.Fatal("expected error when no instance servers are returned")
	}
}

func TestResolveURLOverride(t *testing.T) {
	p := New("ws://localhost:1234/ws")
	url, err := p.ResolveURL(context.Background())
	if err != nil || url != "ws://localhost:1234/ws" {
		t.Errorf("override = (%q, %v)", url, err)
	}
}

func TestFormatSubscribeTopics(t *testing.T) {
	p := New("")

	tests := []struct {
		req  models.SubscriptionRequest
		want string
	}{
		{models.SubscriptionRequest{Channel: models.ChannelTicker, Symbol: "BTC/USDT"}, "/market/ticker:BTC-USDT"},
		{models.SubscriptionRequest{Channel: models.ChannelTrades, Symbol: "ETH/USDT"}, "/market/match:ETH-USDT"},
		{models.SubscriptionRequest{Channel: models.ChannelOrderbook, Symbol: "BTC/USDT"}, "/market/level2:BTC-USDT"},
		{models.SubscriptionRequest{Channel: models.ChannelCandles, Symbol: "BTC/USDT", Interval: "1h"}, "/market/candles:BTC-USDT_1hour"},
	}
	for _, tt := range tests {
		msgs, err := p.FormatSubscribe(tt.req)
		if err != nil {
			t.Fatalf("FormatSubscribe(%+v): %v", tt.req, err)
		}
		var msg wsMessage
		if err := json.Unmarshal(msgs[0], &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if msg.Type != "subscribe" || msg.Topic != tt.want {
			t.Errorf("message = %+v, want topic %s", msg, tt.want)
		}
		if msg.ID == "" {
			t.Error("subscribe message must carry an id")
		}
	}
}

func TestHeartbeatIncrementsID(t *testing.T) {
	p := New("")

	first, app := p.Heartbeat()
	if !app {
		t.Fatal("kucoin requires an app-level ping")
	}
	second, _ := p.Heartbeat()

	var a, b wsMessage
	json.Unmarshal(first, &a)
	json.Unmarshal(second, &b)
	if a.Type != "ping" || b.Type != "ping" {
		t.Errorf("types: %q, %q", a.Type, b.Type)
	}
	if a.ID == b.ID {
		t.Error("ping ids must differ")
	}
}

func TestParseTicker(t *testing.T) {
	p := New("")
	raw := []byte(`{"type":"message","topic":"/market/ticker:BTC-USDT","subject":"trade.ticker","data":{"price":"50000.5","bestBid":"50000","bestAsk":"50001","size":"0.1","time":1700000000000}}`)

	events, err := p.ParseMessage(raw)
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	tk := events[0].Ticker
	if tk.Symbol != "BTC/USDT" || tk.Last != 50000.5 || tk.Bid != 50000 || tk.Ask != 50001 {
		t.Errorf("ticker: %+v", tk)
	}
}

func TestParseMatch(t *testing.T) {
	p := New("")
	raw := []byte(`{"type":"message","topic":"/market/match:BTC-USDT","subject":"trade.l3match","data":{"symbol":"BTC-USDT","tradeId":"m1","price":"50000","size":"0.25","side":"sell","time":"1700000000000000000"}}`)

	events, err := p.ParseMessage(raw)
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	tr := events[0].Trade
	if tr.ID != "m1" || tr.Price != 50000 || tr.Amount != 0.25 || tr.Side != "sell" {
		t.Errorf("trade: %+v", tr)
	}
}

func TestParseLevel2(t *testing.T) {
	p := New("")
	raw := []byte(`{"type":"message","topic":"/market/level2:BTC-USDT","subject":"trade.l2update","data":{"sequenceStart":1,"sequenceEnd":5,"changes":{"bids":[["50000","1","3"]],"asks":[["50001","2","4"]]},"time":1700000000000}}`)

	events, err := p.ParseMessage(raw)
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	ob := events[0].OrderBook
	if ob.SequenceID != 5 || ob.Symbol != "BTC/USDT" {
		t.Errorf("orderbook: %+v", ob)
	}
	if len(ob.Bids) != 1 || ob.Bids[0].Amount != 1 {
		t.Errorf("bids: %+v", ob.Bids)
	}
}

func TestParseCandles(t *testing.T) {
	p := New("")
	raw := []byte(`{"type":"message","topic":"/market/candles:BTC-USDT_1min","subject":"trade.candles.add","data":{"symbol":"BTC-USDT","candles":["1700000000","50000","50050","50100","49900","12.5","625000"]}}`)

	events, err := p.ParseMessage(raw)
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	c := events[0].Candle
	if c.Open != 50000 || c.Close != 50050 || c.High != 50100 || c.Low != 49900 {
		t.Errorf("ohlc: %+v", c)
	}
	if c.Timeframe != "1min" || !c.Closed {
		t.Errorf("meta: %+v", c)
	}
}

func TestParseDropsControlFrames(t *testing.T) {
	p := New("")
	for _, raw := range []string{
		`{"id":"1","type":"welcome"}`,
		`{"id":"2","type":"pong"}`,
		`{"id":"3","type":"ack"}`,
		`{"type":"message","topic":"/market/snapshot:BTC-USDT","data":{}}`,
	} {
		events, err := p.ParseMessage([]byte(raw))
		if err != nil || len(events) != 0 {
			t.Errorf("ParseMessage(%s) = (%v, %v), want none", raw, events, err)
		}
	}
}

func TestCandleIntervalMapping(t *testing.T) {
	tests := map[string]string{
		"":   "1min",
		"1m": "1min",
		"5m": "5min",
		"1h": "1hour",
		"1d": "1day",
		"1w": "1week",
	}
	for in, want := range tests {
		if got := candleInterval(in); got != want {
			t.Errorf("candleInterval(%q) = %q, want %q", in, got, want)
		}
	}
}
