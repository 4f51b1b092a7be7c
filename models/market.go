package models

import "time"

// PriceLevel is a single price/amount pair inside an order book.
type PriceLevel struct {
	Price  float64 `json:"price"`
	Amount float64 `json:"amount"`
}

// OrderBook is a normalized order book snapshot or delta.
type OrderBook struct {
	Exchange   string       `json:"exchange"`
	Symbol     string       `json:"symbol"`
	Bids       []PriceLevel `json:"bids"`
	Asks       []PriceLevel `json:"asks"`
	SequenceID int64        `json:"sequence_id"`
	Timestamp  time.Time    `json:"timestamp"`
}

// Trade is a normalized public trade.
type Trade struct {
	Exchange  string    `json:"exchange"`
	Symbol    string    `json:"symbol"`
	ID        string    `json:"id"`
	Price     float64   `json:"price"`
	Amount    float64   `json:"amount"`
	Side      string    `json:"side"` // "buy" or "sell"
	IsTaker   bool      `json:"is_taker"`
	Timestamp time.Time `json:"timestamp"`
}

// Ticker is a normalized 24h ticker update.
type Ticker struct {
	Exchange  string    `json:"exchange"`
	Symbol    string    `json:"symbol"`
	Last      float64   `json:"last"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	High24h   float64   `json:"high_24h"`
	Low24h    float64   `json:"low_24h"`
	Volume24h float64   `json:"volume_24h"`
	Change24h float64   `json:"change_24h"`
	Timestamp time.Time `json:"timestamp"`
}

// Candle is a normalized OHLCV candle.
type Candle struct {
	Exchange  string    `json:"exchange"`
	Symbol    string    `json:"symbol"`
	Timeframe string    `json:"timeframe"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	Closed    bool      `json:"closed"`
	Timestamp time.Time `json:"timestamp"`
}
