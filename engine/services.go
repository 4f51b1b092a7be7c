package engine

import (
	"context"

	"tradeflow/models"
)

// Strategy is the subset of the strategy record the engine needs. The full
// record lives with the strategy service.
type Strategy struct {
	ID     string                 `json:"id"`
	Name   string                 `json:"name"`
	Active bool                   `json:"active"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// MarketSnapshot is the input handed to the strategy runner for one tick.
type MarketSnapshot struct {
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Timestamp int64   `json:"timestamp"`
}

// TradeCheck describes the trade the engine asks the risk service to approve.
type TradeCheck struct {
	BotID        string  `json:"bot_id"`
	UserID       string  `json:"user_id"`
	Symbol       string  `json:"symbol"`
	Side         string  `json:"side"`
	Quantity     float64 `json:"quantity"`
	Price        float64 `json:"price"`
	StopLoss     float64 `json:"stop_loss,omitempty"`
}

// BotService owns the authoritative bot records.
type BotService interface {
	// Get returns the current record, or nil when the bot does not exist.
	Get(ctx context.Context, botID string) (*models.Bot, error)
	// Stop marks the bot stopped with a reason. Used for fatal auto-stop.
	Stop(ctx context.Context, botID, reason string) error
}

// StrategyService looks up strategies and runs signal evaluation.
type StrategyService interface {
	// Get returns the strategy, or nil when it does not exist.
	Get(ctx context.Context, strategyID string) (*Strategy, error)
	// Evaluate runs the strategy against the snapshot. A nil signal with a
	// nil error means the strategy produced no actionable signal.
	Evaluate(ctx context.Context, strategy *Strategy, snap MarketSnapshot) (*models.TradingSignal, error)
}

// RiskService validates trades and reports portfolio exposure.
type RiskService interface {
	ValidateTrade(ctx context.Context, check TradeCheck) (*models.RiskValidationResult, error)
	ExposureMetrics(ctx context.Context, userID string) (*models.ExposureMetrics, error)
}

// PositionService owns open positions and their protective checks.
type PositionService interface {
	OpenPositions(ctx context.Context, botID string) ([]models.Position, error)
	CheckStopLoss(ctx context.Context, pos models.Position, price float64) (models.PositionCheckResult, error)
	CheckTakeProfit(ctx context.Context, pos models.Position, price float64) (models.PositionCheckResult, error)
	UpdateTrailingStop(ctx context.Context, pos models.Position, price float64) error
	Close(ctx context.Context, positionID, reason string, price float64) error
}

// OrderService places orders and cancels pending ones in bulk.
type OrderService interface {
	Create(ctx context.Context, req models.OrderRequest) (*models.OrderExecutionResult, error)
	CancelAll(ctx context.Context, userID, tenantID, symbol string) error
}

// Services bundles the collaborators an engine depends on. All five are
// required; the market feed is passed separately because it is optional.
type Services struct {
	Bots       BotService
	Strategies StrategyService
	Risk       RiskService
	Positions  PositionService
	Orders     OrderService
}

// MarketFeed is the slice of the websocket manager the engine uses for live
// prices. A nil feed leaves the engine without price updates; it will idle.
type MarketFeed interface {
	Subscribe(req models.SubscriptionRequest) error
	Unsubscribe(req models.SubscriptionRequest) error
	Events(name string) (<-chan models.MarketEvent, func())
}
