package kucoin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"tradeflow/internal/symbols"
	"tradeflow/models"
)

// DefaultAPIBase is the KuCoin REST base used for the bullet-public
// handshake that issues websocket tokens.
const DefaultAPIBase = "https://api.kucoin.com"

// Protocol speaks the KuCoin public stream wire format. KuCoin has no static
// websocket endpoint: ResolveURL performs the bullet-public token handshake
// and builds the connect URL from the returned server list.
type Protocol struct {
	override   string
	apiBase    string
	httpClient *http.Client
	msgID      int64
}

// New creates a KuCoin protocol. A non-empty urlOverride skips the token
// handshake and connects directly (testnets, tests).
func New(urlOverride string) *Protocol {
	return &Protocol{
		override:   urlOverride,
		apiBase:    DefaultAPIBase,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (p *Protocol) Name() string { return "kucoin" }

type bulletResponse struct {
	Code string `json:"code"`
	Data struct {
		Token           string `json:"token"`
		InstanceServers []struct {
			Endpoint string `json:"endpoint"`
			Protocol string `json:"protocol"`
		} `json:"instanceServers"`
	} `json:"data"`
}

// ResolveURL POSTs /api/v1/bullet-public and assembles the websocket URL
// from the issued token and endpoint.
func (p *Protocol) ResolveURL(ctx context.Context) (string, error) {
	if p.override != "" {
		return p.override, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiBase+"/api/v1/bullet-public", nil)
	if err != nil {
		return "", fmt.Errorf("bullet-public request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("bullet-public: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("bullet-public: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("bullet-public read: %w", err)
	}

	var bullet bulletResponse
	if err := json.Unmarshal(body, &bullet); err != nil {
		return "", fmt.Errorf("bullet-public decode: %w", err)
	}
	if bullet.Code != "200000" || len(bullet.Data.InstanceServers) == 0 {
		return "", fmt.Errorf("bullet-public: no instance servers (code %s)", bullet.Code)
	}

	server := bullet.Data.InstanceServers[0]
	return fmt.Sprintf("%s?token=%s&connectId=%s", server.Endpoint, bullet.Data.Token, uuid.NewString()), nil
}

// candleInterval converts unified timeframes to KuCoin's candle type names.
func candleInterval(tf string) string {
	if tf == "" {
		return "1min"
	}
	unit := tf[len(tf)-1]
	value := tf[:len(tf)-1]
	switch unit {
	case 'm':
		return value + "min"
	case 'h':
		return value + "hour"
	case 'd':
		return value + "day"
	case 'w':
		return value + "week"
	}
	return tf
}

func topic(req models.SubscriptionRequest) (string, error) {
	sym := symbols.ToNative("kucoin", req.Symbol)
	switch req.Channel {
	case models.ChannelTicker:
		return "/market/ticker:" + sym, nil
	case models.ChannelTrades:
		return "/market/match:" + sym, nil
	case models.ChannelOrderbook:
		return "/market/level2:" + sym, nil
	case models.ChannelCandles:
		return fmt.Sprintf("/market/candles:%s_%s", sym, candleInterval(req.Interval)), nil
	}
	return "", fmt.Errorf("unsupported channel '%s'", req.Channel)
}

type wsMessage struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Topic    string `json:"topic,omitempty"`
	Response bool   `json:"response,omitempty"`
}

func (p *Protocol) format(msgType string, req models.SubscriptionRequest) ([][]byte, error) {
	t, err := topic(req)
	if err != nil {
		return nil, err
	}
	msg, err := json.Marshal(wsMessage{
		ID:       strconv.FormatInt(atomic.AddInt64(&p.msgID, 1), 10),
		Type:     msgType,
		Topic:    t,
		Response: true,
	})
	if err != nil {
		return nil, err
	}
	return [][]byte{msg}, nil
}

func (p *Protocol) FormatSubscribe(req models.SubscriptionRequest) ([][]byte, error) {
	return p.format("subscribe", req)
}

func (p *Protocol) FormatUnsubscribe(req models.SubscriptionRequest) ([][]byte, error) {
	return p.format("unsubscribe", req)
}

// Heartbeat returns the application-level ping KuCoin requires; the server
// drops clients that stay silent past its ping timeout.
func (p *Protocol) Heartbeat() ([]byte, bool) {
	msg, _ := json.Marshal(wsMessage{
		ID:   strconv.FormatInt(atomic.AddInt64(&p.msgID, 1), 10),
		Type: "ping",
	})
	return msg, true
}

type envelope struct {
	Type    string          `json:"type"`
	Topic   string          `json:"topic"`
	Subject string          `json:"subject"`
	Data    json.RawMessage `json:"data"`
}

// ParseMessage dispatches on the topic prefix. Welcome, pong and ack frames
// are silently dropped.
func (p *Protocol) ParseMessage(raw []byte) ([]models.MarketEvent, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid frame: %w", err)
	}
	if env.Type != "message" || env.Topic == "" {
		return nil, nil
	}

	parts := strings.SplitN(env.Topic, ":", 2)
	if len(parts) != 2 {
		return nil, nil
	}

	switch parts[0] {
	case "/market/ticker":
		return parseTicker(env, parts[1])
	case "/market/match":
		return parseMatch(env)
	case "/market/level2":
		return parseLevel2(env, parts[1])
	case "/market/candles":
		return parseCandles(env)
	}
	return nil, nil
}

type tickerData struct {
	Price   string `json:"price"`
	BestBid string `json:"bestBid"`
	BestAsk string `json:"bestAsk"`
	Size    string `json:"size"`
	Time    int64  `json:"time"`
}

func parseTicker(env envelope, nativeSymbol string) ([]models.MarketEvent, error) {
	var data tickerData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("ticker: %w", err)
	}

	last, err := strconv.ParseFloat(data.Price, 64)
	if err != nil {
		return nil, fmt.Errorf("ticker: bad price %q", data.Price)
	}
	bid, _ := strconv.ParseFloat(data.BestBid, 64)
	ask, _ := strconv.ParseFloat(data.BestAsk, 64)

	symbol := symbols.ToUnified("kucoin", nativeSymbol)
	ts := time.UnixMilli(data.Time).UTC()
	if data.Time == 0 {
		ts = time.Now().UTC()
	}
	return []models.MarketEvent{{
		Type:   models.EventTicker,
		Symbol: symbol,
		Ticker: &models.Ticker{
			Exchange:  "kucoin",
			Symbol:    symbol,
			Last:      last,
			Bid:       bid,
			Ask:       ask,
			Timestamp: ts,
		},
		Timestamp: ts,
	}}, nil
}

type matchData struct {
	Symbol  string `json:"symbol"`
	TradeID string `json:"tradeId"`
	Price   string `json:"price"`
	Size    string `json:"size"`
	Side    string `json:"side"`
	Time    string `json:"time"` // nanoseconds
}

func parseMatch(env envelope) ([]models.MarketEvent, error) {
	var data matchData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("match: %w", err)
	}

	price, err := strconv.ParseFloat(data.Price, 64)
	if err != nil {
		return nil, fmt.Errorf("match: bad price %q", data.Price)
	}
	amount, err := strconv.ParseFloat(data.Size, 64)
	if err != nil {
		return nil, fmt.Errorf("match: bad size %q", data.Size)
	}

	ts := time.Now().UTC()
	if nanos, err := strconv.ParseInt(data.Time, 10, 64); err == nil {
		ts = time.Unix(0, nanos).UTC()
	}

	symbol := symbols.ToUnified("kucoin", data.Symbol)
	return []models.MarketEvent{{
		Type:   models.EventTrade,
		Symbol: symbol,
		Trade: &models.Trade{
			Exchange:  "kucoin",
			Symbol:    symbol,
			ID:        data.TradeID,
			Price:     price,
			Amount:    amount,
			Side:      strings.ToLower(data.Side),
			IsTaker:   true,
			Timestamp: ts,
		},
		Timestamp: ts,
	}}, nil
}

type level2Data struct {
	SequenceEnd int64 `json:"sequenceEnd"`
	Changes     struct {
		Bids [][]string `json:"bids"`
		Asks [][]string `json:"asks"`
	} `json:"changes"`
	Time int64 `json:"time"`
}

func parseLevel2(env envelope, nativeSymbol string) ([]models.MarketEvent, error) {
	var data level2Data
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("level2: %w", err)
	}

	bids, err := parseLevels(data.Changes.Bids)
	if err != nil {
		return nil, fmt.Errorf("level2 bids: %w", err)
	}
	asks, err := parseLevels(data.Changes.Asks)
	if err != nil {
		return nil, fmt.Errorf("level2 asks: %w", err)
	}

	symbol := symbols.ToUnified("kucoin", nativeSymbol)
	ts := time.UnixMilli(data.Time).UTC()
	if data.Time == 0 {
		ts = time.Now().UTC()
	}
	return []models.MarketEvent{{
		Type:   models.EventOrderbook,
		Symbol: symbol,
		OrderBook: &models.OrderBook{
			Exchange:   "kucoin",
			Symbol:     symbol,
			Bids:       bids,
			Asks:       asks,
			SequenceID: data.SequenceEnd,
			Timestamp:  ts,
		},
		Timestamp: ts,
	}}, nil
}

type candlesData struct {
	Symbol  string   `json:"symbol"`
	Candles []string `json:"candles"`
}

// parseCandles handles the candle array layout: time, open, close, high,
// low, volume, turnover.
func parseCandles(env envelope) ([]models.MarketEvent, error) {
	var data candlesData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("candles: %w", err)
	}
	if len(data.Candles) < 6 {
		return nil, fmt.Errorf("candles: %d fields, want >= 6", len(data.Candles))
	}

	start, err := strconv.ParseInt(data.Candles[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("candles: bad time %q", data.Candles[0])
	}
	open, err := strconv.ParseFloat(data.Candles[1], 64)
	if err != nil {
		return nil, fmt.Errorf("candles: bad open %q", data.Candles[1])
	}
	cls, _ := strconv.ParseFloat(data.Candles[2], 64)
	high, _ := strconv.ParseFloat(data.Candles[3], 64)
	low, _ := strconv.ParseFloat(data.Candles[4], 64)
	volume, _ := strconv.ParseFloat(data.Candles[5], 64)

	timeframe := ""
	if idx := strings.LastIndex(env.Topic, "_"); idx >= 0 {
		timeframe = env.Topic[idx+1:]
	}

	symbol := symbols.ToUnified("kucoin", data.Symbol)
	ts := time.Unix(start, 0).UTC()
	return []models.MarketEvent{{
		Type:   models.EventCandle,
		Symbol: symbol,
		Candle: &models.Candle{
			Exchange:  "kucoin",
			Symbol:    symbol,
			Timeframe: timeframe,
			Open:      open,
			High:      high,
			Low:       low,
			Close:     cls,
			Volume:    volume,
			Closed:    env.Subject == "trade.candles.add",
			Timestamp: ts,
		},
		Timestamp: ts,
	}}, nil
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
