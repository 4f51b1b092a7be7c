package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	gobinance "github.com/adshao/go-binance/v2"

	"tradeflow/internal/symbols"
	"tradeflow/models"
)

const (
	// DefaultURL is the Binance spot combined stream endpoint.
	DefaultURL = "wss://stream.binance.com:9443/ws"

	defaultDepth = 20
)

// Protocol speaks the Binance spot websocket wire format and bootstraps
// order book streams with a REST depth snapshot.
type Protocol struct {
	url    string
	client *gobinance.Client
	reqID  int64
}

// New creates a Binance protocol. An empty url falls back to the production
// endpoint; the REST client is unauthenticated, public market data only.
func New(url string) *Protocol {
	if url == "" {
		url = DefaultURL
	}
	return &Protocol{
		url:    url,
		client: gobinance.NewClient("", ""),
	}
}

func (p *Protocol) Name() string { return "binance" }

func (p *Protocol) ResolveURL(ctx context.Context) (string, error) {
	return p.url, nil
}

// streamName maps a subscription to the Binance stream suffix form,
// e.g. "btcusdt@ticker".
func streamName(req models.SubscriptionRequest) (string, error) {
	sym := strings.ToLower(symbols.ToNative("binance", req.Symbol))
	switch req.Channel {
	case models.ChannelTicker:
		return sym + "@ticker", nil
	case models.ChannelTrades:
		return sym + "@trade", nil
	case models.ChannelOrderbook:
		depth := req.Depth
		if depth <= 0 {
			depth = defaultDepth
		}
		return fmt.Sprintf("%s@depth%d@100ms", sym, depth), nil
	case models.ChannelCandles:
		interval := req.Interval
		if interval == "" {
			interval = "1m"
		}
		return fmt.Sprintf("%s@kline_%s", sym, interval), nil
	}
	return "", fmt.Errorf("unsupported channel '%s'", req.Channel)
}

type request struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

func (p *Protocol) format(method string, req models.SubscriptionRequest) ([][]byte, error) {
	stream, err := streamName(req)
	if err != nil {
		return nil, err
	}
	msg, err := json.Marshal(request{
		Method: method,
		Params: []string{stream},
		ID:     atomic.AddInt64(&p.reqID, 1),
	})
	if err != nil {
		return nil, err
	}
	return [][]byte{msg}, nil
}

func (p *Protocol) FormatSubscribe(req models.SubscriptionRequest) ([][]byte, error) {
	return p.format("SUBSCRIBE", req)
}

func (p *Protocol) FormatUnsubscribe(req models.SubscriptionRequest) ([][]byte, error) {
	return p.format("UNSUBSCRIBE", req)
}

// Heartbeat is a no-op; Binance answers websocket control pings.
func (p *Protocol) Heartbeat() ([]byte, bool) { return nil, false }

// tickerPayload is the 24hrTicker event.
type tickerPayload struct {
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Last      string `json:"c"`
	Bid       string `json:"b"`
	Ask       string `json:"a"`
	High      string `json:"h"`
	Low       string `json:"l"`
	Volume    string `json:"v"`
	ChangePct string `json:"P"`
}

type tradePayload struct {
	Symbol       string `json:"s"`
	TradeID      int64  `json:"t"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	TradeTime    int64  `json:"T"`
	IsBuyerMaker bool   `json:"m"`
}

type depthPayload struct {
	Symbol        string     `json:"s"`
	FinalUpdateID int64      `json:"u"`
	Bids          [][]string `json:"b"`
	Asks          [][]string `json:"a"`
	EventTime     int64      `json:"E"`
}

type klinePayload struct {
	Symbol string `json:"s"`
	Kline  struct {
		StartTime int64  `json:"t"`
		Interval  string `json:"i"`
		Open      string `json:"o"`
		High      string `json:"h"`
		Low       string `json:"l"`
		Close     string `json:"c"`
		Volume    string `json:"v"`
		Closed    bool   `json:"x"`
	} `json:"k"`
}

// ParseMessage dispatches on the "e" discriminator. Acks and unknown event
// types are silently dropped.
func (p *Protocol) ParseMessage(raw []byte) ([]models.MarketEvent, error) {
	var head struct {
		Event string `json:"e"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("invalid frame: %w", err)
	}

	switch head.Event {
	case "24hrTicker":
		return p.parseTicker(raw)
	case "trade":
		return p.parseTrade(raw)
	case "depthUpdate":
		return p.parseDepth(raw)
	case "kline":
		return p.parseKline(raw)
	}
	return nil, nil
}

func (p *Protocol) parseTicker(raw []byte) ([]models.MarketEvent, error) {
	var msg tickerPayload
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("ticker: %w", err)
	}

	last, err := parseFloat(msg.Last, "last")
	if err != nil {
		return nil, fmt.Errorf("ticker: %w", err)
	}
	bid, _ := strconv.ParseFloat(msg.Bid, 64)
	ask, _ := strconv.ParseFloat(msg.Ask, 64)
	high, _ := strconv.ParseFloat(msg.High, 64)
	low, _ := strconv.ParseFloat(msg.Low, 64)
	volume, _ := strconv.ParseFloat(msg.Volume, 64)
	change, _ := strconv.ParseFloat(msg.ChangePct, 64)

	symbol := symbols.ToUnified("binance", msg.Symbol)
	ts := time.UnixMilli(msg.EventTime).UTC()
	return []models.MarketEvent{{
		Type:   models.EventTicker,
		Symbol: symbol,
		Ticker: &models.Ticker{
			Exchange:  "binance",
			Symbol:    symbol,
			Last:      last,
			Bid:       bid,
			Ask:       ask,
			High24h:   high,
			Low24h:    low,
			Volume24h: volume,
			Change24h: change,
			Timestamp: ts,
		},
		Timestamp: ts,
	}}, nil
}

func (p *Protocol) parseTrade(raw []byte) ([]models.MarketEvent, error) {
	var msg tradePayload
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("trade: %w", err)
	}

	price, err := parseFloat(msg.Price, "price")
	if err != nil {
		return nil, fmt.Errorf("trade: %w", err)
	}
	amount, err := parseFloat(msg.Quantity, "quantity")
	if err != nil {
		return nil, fmt.Errorf("trade: %w", err)
	}

	// The buyer being the maker means the aggressor sold.
	side := "buy"
	if msg.IsBuyerMaker {
		side = "sell"
	}

	symbol := symbols.ToUnified("binance", msg.Symbol)
	ts := time.UnixMilli(msg.TradeTime).UTC()
	return []models.MarketEvent{{
		Type:   models.EventTrade,
		Symbol: symbol,
		Trade: &models.Trade{
			Exchange:  "binance",
			Symbol:    symbol,
			ID:        strconv.FormatInt(msg.TradeID, 10),
			Price:     price,
			Amount:    amount,
			Side:      side,
			IsTaker:   true,
			Timestamp: ts,
		},
		Timestamp: ts,
	}}, nil
}

func (p *Protocol) parseDepth(raw []byte) ([]models.MarketEvent, error) {
	var msg depthPayload
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("depth: %w", err)
	}

	bids, err := parseLevels(msg.Bids)
	if err != nil {
		return nil, fmt.Errorf("depth bids: %w", err)
	}
	asks, err := parseLevels(msg.Asks)
	if err != nil {
		return nil, fmt.Errorf("depth asks: %w", err)
	}

	symbol := symbols.ToUnified("binance", msg.Symbol)
	ts := time.UnixMilli(msg.EventTime).UTC()
	return []models.MarketEvent{{
		Type:   models.EventOrderbook,
		Symbol: symbol,
		OrderBook: &models.OrderBook{
			Exchange:   "binance",
			Symbol:     symbol,
			Bids:       bids,
			Asks:       asks,
			SequenceID: msg.FinalUpdateID,
			Timestamp:  ts,
		},
		Timestamp: ts,
	}}, nil
}

func (p *Protocol) parseKline(raw []byte) ([]models.MarketEvent, error) {
	var msg klinePayload
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("kline: %w", err)
	}

	open, err := parseFloat(msg.Kline.Open, "open")
	if err != nil {
		return nil, fmt.Errorf("kline: %w", err)
	}
	high, _ := strconv.ParseFloat(msg.Kline.High, 64)
	low, _ := strconv.ParseFloat(msg.Kline.Low, 64)
	cls, _ := strconv.ParseFloat(msg.Kline.Close, 64)
	volume, _ := strconv.ParseFloat(msg.Kline.Volume, 64)

	symbol := symbols.ToUnified("binance", msg.Symbol)
	ts := time.UnixMilli(msg.Kline.StartTime).UTC()
	return []models.MarketEvent{{
		Type:   models.EventCandle,
		Symbol: symbol,
		Candle: &models.Candle{
			Exchange:  "binance",
			Symbol:    symbol,
			Timeframe: msg.Kline.Interval,
			Open:      open,
			High:      high,
			Low:       low,
			Close:     cls,
			Volume:    volume,
			Closed:    msg.Kline.Closed,
			Timestamp: ts,
		},
		Timestamp: ts,
	}}, nil
}

// Bootstrap fetches a REST depth snapshot for order book subscriptions so
// consumers see a full book before the first streamed delta arrives. Other
// channels need no seeding.
func (p *Protocol) Bootstrap(ctx context.Context, req models.SubscriptionRequest) ([]models.MarketEvent, error) {
	if req.Channel != models.ChannelOrderbook {
		return nil, nil
	}

	depth := req.Depth
	if depth <= 0 {
		depth = defaultDepth
	}
	native := symbols.ToNative("binance", req.Symbol)

	res, err := p.client.NewDepthService().Symbol(native).Limit(depth).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("depth snapshot for %s: %w", native, err)
	}

	bids := make([]models.PriceLevel, 0, len(res.Bids))
	for _, b := range res.Bids {
		price, amount, err := b.Parse()
		if err != nil {
			return nil, fmt.Errorf("snapshot bid: %w", err)
		}
		bids = append(bids, models.PriceLevel{Price: price, Amount: amount})
	}
	asks := make([]models.PriceLevel, 0, len(res.Asks))
	for _, a := range res.Asks {
		price, amount, err := a.Parse()
		if err != nil {
			return nil, fmt.Errorf("snapshot ask: %w", err)
		}
		asks = append(asks, models.PriceLevel{Price: price, Amount: amount})
	}

	now := time.Now().UTC()
	return []models.MarketEvent{{
		Type:   models.EventOrderbook,
		Symbol: req.Symbol,
		OrderBook: &models.OrderBook{
			Exchange:   "binance",
			Symbol:     req.Symbol,
			Bids:       bids,
			Asks:       asks,
			SequenceID: res.LastUpdateID,
			Timestamp:  now,
		},
		Timestamp: now,
	}}, nil
}

func parseFloat(s, field string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("bad %s %q", field, s)
	}
	return v, nil
}

func parseLevels(raw [][]string) ([]models.PriceLevel, error) {
	levels := make([]models.PriceLevel, 0, len(raw))
	for _, entry := range raw {
		if len(entry) < 2 {
			return nil, fmt.Errorf("level %v too short", entry)
		}
		price, err := parseFloat(entry[0], "price")
		if err != nil {
			return nil, err
		}
		amount, err := parseFloat(entry[1], "amount")
		if err != nil {
			return nil, err
		}
		levels = append(levels, models.PriceLevel{Price: price, Amount: amount})
	}
	return levels, nil
}
