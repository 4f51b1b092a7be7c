package metrics

import "tradeflow/logger"

// EngineStats holds counters for a single bot execution engine.
type EngineStats struct {
	Ticks            int64
	SkippedTicks     int64
	SignalsGenerated int64
	OrdersPlaced     int64
	OrdersFailed     int64
	Errors           int64
	AvgTickMs        float64
	AvgEvalMs        float64
	AvgOrderMs       float64
}

// ReportEngine emits execution metrics for one bot engine.
func ReportEngine(log *logger.Log, botID string, stats EngineStats) {
	fields := logger.Fields{"bot_id": botID}

	Emit(log, "bot_engine", "ticks", stats.Ticks, "counter", fields)
	Emit(log, "bot_engine", "skipped_ticks", stats.SkippedTicks, "counter", fields)
	Emit(log, "bot_engine", "signals_generated", stats.SignalsGenerated, "counter", fields)
	Emit(log, "bot_engine", "orders_placed", stats.OrdersPlaced, "counter", fields)
	Emit(log, "bot_engine", "orders_failed", stats.OrdersFailed, "counter", fields)
	Emit(log, "bot_engine", "avg_tick_ms", stats.AvgTickMs, "gauge", fields)

	entry := log.WithComponent("bot_engine").WithFields(logger.Fields{
		"bot_id":            botID,
		"ticks":             stats.Ticks,
		"skipped_ticks":     stats.SkippedTicks,
		"signals_generated": stats.SignalsGenerated,
		"orders_placed":     stats.OrdersPlaced,
		"orders_failed":     stats.OrdersFailed,
		"errors":            stats.Errors,
		"avg_tick_ms":       stats.AvgTickMs,
		"avg_eval_ms":       stats.AvgEvalMs,
		"avg_order_ms":      stats.AvgOrderMs,
	})

	if stats.Errors > 0 {
		entry.Warn("bot engine metrics")
		return
	}
	entry.Info("bot engine metrics")
}

// EmitDrop records a dropped event for a subscriber with optional context.
func EmitDrop(log *logger.Log, subscriber, exchange, symbol string) {
	fields := logger.Fields{}
	if subscriber != "" {
		fields["subscriber"] = subscriber
	}
	if exchange != "" {
		fields["exchange"] = exchange
	}
	if symbol != "" {
		fields["symbol"] = symbol
	}
	Emit(log, "event_drops", "events_dropped", 1, "counter", fields)
}
