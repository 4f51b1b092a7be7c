package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"tradeflow/internal/symbols"
	"tradeflow/models"
)

const (
	// DefaultURL is the Bybit v5 public spot stream endpoint.
	DefaultURL = "wss://stream.bybit.com/v5/public/spot"

	defaultDepth = 50
)

// Protocol speaks the Bybit v5 public stream wire format.
type Protocol struct {
	url string
}

func New(url string) *Protocol {
	if url == "" {
		url = DefaultURL
	}
	return &Protocol{url: url}
}

func (p *Protocol) Name() string { return "bybit" }

func (p *Protocol) ResolveURL(ctx context.Context) (string, error) {
	return p.url, nil
}

// interval converts unified timeframes ("1m", "1h", "1d") to Bybit's kline
// interval codes ("1", "60", "D").
func interval(tf string) string {
	if tf == "" {
		return "1"
	}
	unit := tf[len(tf)-1]
	value := tf[:len(tf)-1]
	switch unit {
	case 'm':
		return value
	case 'h':
		if mins, err := strconv.Atoi(value); err == nil {
			return strconv.Itoa(mins * 60)
		}
	case 'd':
		return "D"
	case 'w':
		return "W"
	}
	return tf
}

func topic(req models.SubscriptionRequest) (string, error) {
	sym := symbols.ToNative("bybit", req.Symbol)
	switch req.Channel {
	case models.ChannelTicker:
		return "tickers." + sym, nil
	case models.ChannelTrades:
		return "publicTrade." + sym, nil
	case models.ChannelOrderbook:
		depth := req.Depth
		if depth <= 0 {
			depth = defaultDepth
		}
		return fmt.Sprintf("orderbook.%d.%s", depth, sym), nil
	case models.ChannelCandles:
		return fmt.Sprintf("kline.%s.%s", interval(req.Interval), sym), nil
	}
	return "", fmt.Errorf("unsupported channel '%s'", req.Channel)
}

type opMessage struct {
	Op   string   `json:"op"`
	Args []string `json:"args,omitempty"`
}

func format(op string, req models.SubscriptionRequest) ([][]byte, error) {
	t, err := topic(req)
	if err != nil {
		return nil, err
	}
	msg, err := json.Marshal(opMessage{Op: op, Args: []string{t}})
	if err != nil {
		return nil, err
	}
	return [][]byte{msg}, nil
}

func (p *Protocol) FormatSubscribe(req models.SubscriptionRequest) ([][]byte, error) {
	return format("subscribe", req)
}

func (p *Protocol) FormatUnsubscribe(req models.SubscriptionRequest) ([][]byte, error) {
	return format("unsubscribe", req)
}

// Heartbeat returns the application-level ping Bybit requires to keep the
// stream open.
func (p *Protocol) Heartbeat() ([]byte, bool) {
	return []byte(`{"op":"ping"}`), true
}

type envelope struct {
	Topic string          `json:"topic"`
	Type  string          `json:"type"`
	TS    int64           `json:"ts"`
	Data  json.RawMessage `json:"data"`
	Op    string          `json:"op"`
}

// ParseMessage dispatches on the topic prefix. Pongs, subscription acks and
// unknown topics are silently dropped.
func (p *Protocol) ParseMessage(raw []byte) ([]models.MarketEvent, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid frame: %w", err)
	}
	if env.Topic == "" {
		return nil, nil // op responses, pongs
	}

	parts := strings.Split(env.Topic, ".")
	switch parts[0] {
	case "tickers":
		return parseTicker(env)
	case "publicTrade":
		return parseTrades(env)
	case "orderbook":
		return parseOrderbook(env)
	case "kline":
		if len(parts) < 3 {
			return nil, fmt.Errorf("kline topic %q malformed", env.Topic)
		}
		return parseKline(env, parts[2])
	}
	return nil, nil
}

type tickerData struct {
	Symbol    string `json:"symbol"`
	LastPrice string `json:"lastPrice"`
	Bid1Price string `json:"bid1Price"`
	Ask1Price string `json:"ask1Price"`
	High24h   string `json:"highPrice24h"`
	Low24h    string `json:"lowPrice24h"`
	Volume24h string `json:"volume24h"`
	ChangePct string `json:"price24hPcnt"`
}

func parseTicker(env envelope) ([]models.MarketEvent, error) {
	var data tickerData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("ticker: %w", err)
	}

	last, err := strconv.ParseFloat(data.LastPrice, 64)
	if err != nil {
		return nil, fmt.Errorf("ticker: bad lastPrice %q", data.LastPrice)
	}
	bid, _ := strconv.ParseFloat(data.Bid1Price, 64)
	ask, _ := strconv.ParseFloat(data.Ask1Price, 64)
	high, _ := strconv.ParseFloat(data.High24h, 64)
	low, _ := strconv.ParseFloat(data.Low24h, 64)
	volume, _ := strconv.ParseFloat(data.Volume24h, 64)
	change, _ := strconv.ParseFloat(data.ChangePct, 64)

	symbol := symbols.ToUnified("bybit", data.Symbol)
	ts := time.UnixMilli(env.TS).UTC()
	return []models.MarketEvent{{
		Type:   models.EventTicker,
		Symbol: symbol,
		Ticker: &models.Ticker{
			Exchange:  "bybit",
			Symbol:    symbol,
			Last:      last,
			Bid:       bid,
			Ask:       ask,
			High24h:   high,
			Low24h:    low,
			Volume24h: volume,
			Change24h: change * 100, // fractional on the wire
			Timestamp: ts,
		},
		Timestamp: ts,
	}}, nil
}

type tradeData struct {
	ID        string `json:"i"`
	Symbol    string `json:"s"`
	Price     string `json:"p"`
	Size      string `json:"v"`
	Side      string `json:"S"`
	TradeTime int64  `json:"T"`
}

func parseTrades(env envelope) ([]models.MarketEvent, error) {
	var trades []tradeData
	if err := json.Unmarshal(env.Data, &trades); err != nil {
		return nil, fmt.Errorf("trades: %w", err)
	}

	events := make([]models.MarketEvent, 0, len(trades))
	for _, tr := range trades {
		price, err := strconv.ParseFloat(tr.Price, 64)
		if err != nil {
			return nil, fmt.Errorf("trade: bad price %q", tr.Price)
		}
		amount, err := strconv.ParseFloat(tr.Size, 64)
		if err != nil {
			return nil, fmt.Errorf("trade: bad size %q", tr.Size)
		}

		symbol := symbols.ToUnified("bybit", tr.Symbol)
		ts := time.UnixMilli(tr.TradeTime).UTC()
		events = append(events, models.MarketEvent{
			Type:   models.EventTrade,
			Symbol: symbol,
			Trade: &models.Trade{
				Exchange:  "bybit",
				Symbol:    symbol,
				ID:        tr.ID,
				Price:     price,
				Amount:    amount,
				Side:      strings.ToLower(tr.Side),
				IsTaker:   true,
				Timestamp: ts,
			},
			Timestamp: ts,
		})
	}
	return events, nil
}

type orderbookData struct {
	Symbol string     `json:"s"`
	Bids   [][]string `json:"b"`
	Asks   [][]string `json:"a"`
	Update int64      `json:"u"`
}

func parseOrderbook(env envelope) ([]models.MarketEvent, error) {
	var data orderbookData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("orderbook: %w", err)
	}

	bids, err := parseLevels(data.Bids)
	if err != nil {
		return nil, fmt.Errorf("orderbook bids: %w", err)
	}
	asks, err := parseLevels(data.Asks)
	if err != nil {
		return nil, fmt.Errorf("orderbook asks: %w", err)
	}

	symbol := symbols.ToUnified("bybit", data.Symbol)
	ts := time.UnixMilli(env.TS).UTC()
	return []models.MarketEvent{{
		Type:   models.EventOrderbook,
		Symbol: symbol,
		OrderBook: &models.OrderBook{
			Exchange:   "bybit",
			Symbol:     symbol,
			Bids:       bids,
			Asks:       asks,
			SequenceID: data.Update,
			Timestamp:  ts,
		},
		Timestamp: ts,
	}}, nil
}

type klineData struct {
	Start    int64  `json:"start"`
	Interval string `json:"interval"`
	Open     string `json:"open"`
	High     string `json:"high"`
	Low      string `json:"low"`
	Close    string `json:"close"`
	Volume   string `json:"volume"`
	Confirm  bool   `json:"confirm"`
}

func parseKline(env envelope, nativeSymbol string) ([]models.MarketEvent, error) {
	var candles []klineData
	if err := json.Unmarshal(env.Data, &candles); err != nil {
		return nil, fmt.Errorf("kline: %w", err)
	}

	symbol := symbols.ToUnified("bybit", nativeSymbol)
	events := make([]models.MarketEvent, 0, len(candles))
	for _, k := range candles {
		open, err := strconv.ParseFloat(k.Open, 64)
		if err != nil {
			return nil, fmt.Errorf("kline: bad open %q", k.Open)
		}
		high, _ := strconv.ParseFloat(k.High, 64)
		low, _ := strconv.ParseFloat(k.Low, 64)
		cls, _ := strconv.ParseFloat(k.Close, 64)
		volume, _ := strconv.ParseFloat(k.Volume, 64)

		ts := time.UnixMilli(k.Start).UTC()
		events = append(events, models.MarketEvent{
			Type:   models.EventCandle,
			Symbol: symbol,
			Candle: &models.Candle{
				Exchange:  "bybit",
				Symbol:    symbol,
				Timeframe: k.Interval,
				Open:      open,
				High:      high,
				Low:       low,
				Close:     cls,
				Volume:    volume,
				Closed:    k.Confirm,
				Timestamp: ts,
			},
			Timestamp: ts,
		})
	}
	return events, nil
}

func parseLevels(raw [][]string) ([]models.PriceLevel, error) {
	levels := make([]models.PriceLevel, 0, len(raw))
	for _, entry := range raw {
		if len(entry) < 2 {
			return nil, fmt.Errorf("level %v too short", entry)
		}
		price, err := strconv.ParseFloat(entry[0], 64)
		if err != nil {
			return nil, fmt.Errorf("bad price %q", entry[0])
		}
		amount, err := strconv.ParseFloat(entry[1], 64)
		if err != nil {
			return nil, fmt.Errorf("bad amount %q", entry[1])
		}
		levels = append(levels, models.PriceLevel{Price: price, Amount: amount})
	}
	return levels, nil
}
