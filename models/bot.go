package models

import "time"

// Bot is the authoritative trading bot record owned by the bot service. The
// execution engine reloads it on start and never mutates it.
type Bot struct {
	ID       string `json:"id"`
	UserID   string `json:"user_id"`
	TenantID string `json:"tenant_id"`
	Name     string `json:"name"`
	Enabled  bool   `json:"enabled"`
	Status   string `json:"status"` // "stopped", "running", "error"

	Exchange   string `json:"exchange"`
	Symbol     string `json:"symbol"` // unified BASE/QUOTE form
	StrategyID string `json:"strategy_id"`

	AllocatedCapital    float64 `json:"allocated_capital"`
	PositionSizePercent float64 `json:"position_size_percent"`
	StopLossPercent     float64 `json:"stop_loss_percent"`
	OrderType           string  `json:"order_type"` // "market", "limit", "stop_limit"

	AutoStopOnLoss bool `json:"auto_stop_on_loss"`

	// Schedule gate. Empty TradingDays means every day; an empty window means
	// round the clock. Times use "15:04" in UTC.
	TradingDays  []time.Weekday `json:"trading_days,omitempty"`
	TradingStart string         `json:"trading_start,omitempty"`
	TradingEnd   string         `json:"trading_end,omitempty"`
}

const (
	BotStatusStopped = "stopped"
	BotStatusRunning = "running"
	BotStatusError   = "error"
)

// SignalType classifies a strategy decision.
type SignalType string

const (
	SignalBuy  SignalType = "BUY"
	SignalSell SignalType = "SELL"
	SignalHold SignalType = "HOLD"
)

// TradingSignal is produced by the external strategy runner. HOLD with a
// reason string is the fail-safe default whenever evaluation cannot complete.
type TradingSignal struct {
	Type       SignalType `json:"type"`
	Strength   float64    `json:"strength"`
	Confidence float64    `json:"confidence"` // 0-100
	Reasons    []string   `json:"reasons"`
	Timestamp  time.Time  `json:"timestamp"`
}

// Hold builds the fail-safe HOLD signal with an explanatory reason.
func Hold(reason string) TradingSignal {
	return TradingSignal{
		Type:      SignalHold,
		Reasons:   []string{reason},
		Timestamp: time.Now().UTC(),
	}
}

// RiskValidationResult is returned by the risk collaborator. Never retained
// beyond the call that produced it.
type RiskValidationResult struct {
	Approved bool     `json:"approved"`
	Reasons  []string `json:"reasons,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// OrderExecutionResult reports the outcome of one order submission.
type OrderExecutionResult struct {
	Success    bool    `json:"success"`
	OrderID    string  `json:"order_id,omitempty"`
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"`
	Type       string  `json:"type"`
	Quantity   float64 `json:"quantity"`
	Price      float64 `json:"price,omitempty"`
	Error      string  `json:"error,omitempty"`
	ErrorCode  string  `json:"error_code,omitempty"`
	ExecutedAt int64   `json:"executed_at,omitempty"`
}

// PositionCheckResult is returned by stop-loss / take-profit checks.
type PositionCheckResult struct {
	ShouldClose  bool    `json:"should_close"`
	Reason       string  `json:"reason,omitempty"`
	TriggerPrice float64 `json:"trigger_price,omitempty"`
}

// Position is an open position owned by the position service.
type Position struct {
	ID            string    `json:"id"`
	BotID         string    `json:"bot_id"`
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"` // "long" or "short"
	Quantity      float64   `json:"quantity"`
	EntryPrice    float64   `json:"entry_price"`
	StopLoss      float64   `json:"stop_loss,omitempty"`
	TakeProfit    float64   `json:"take_profit,omitempty"`
	TrailingStop  bool      `json:"trailing_stop"`
	TrailingDelta float64   `json:"trailing_delta,omitempty"`
	OpenedAt      time.Time `json:"opened_at"`
}

// OrderRequest describes one order the engine asks the order service to place.
type OrderRequest struct {
	BotID     string  `json:"bot_id"`
	UserID    string  `json:"user_id"`
	TenantID  string  `json:"tenant_id"`
	Symbol    string  `json:"symbol"`
	Side      string  `json:"side"`
	Type      string  `json:"type"`
	Quantity  float64 `json:"quantity"`
	Price     float64 `json:"price,omitempty"`
	StopPrice float64 `json:"stop_price,omitempty"`
}

// ExposureMetrics summarises the portfolio exposure used for position sizing.
type ExposureMetrics struct {
	// ExposurePercent is current exposure as a percentage of capital, 0-100.
	ExposurePercent float64 `json:"exposure_percent"`
	OpenPositions   int     `json:"open_positions"`
}
