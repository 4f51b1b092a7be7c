package engine

import (
	"context"
	"time"

	"tradeflow/logger"
	"tradeflow/models"
)

func (e *Engine) monitorLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.PositionCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.checkPositions(ctx)
		}
	}
}

// checkPositions enforces stop-loss, then take-profit, then trailing-stop
// updates for every open position, always against the live price. Without a
// live price the whole pass is a no-op: a position's cached price may be
// stale and must never trigger a close.
func (e *Engine) checkPositions(ctx context.Context) {
	e.mu.Lock()
	if e.state == StatePaused || !e.state.IsRunning() {
		e.mu.Unlock()
		return
	}
	bot := e.bot
	price := e.lastPrice
	e.mu.Unlock()

	if price <= 0 {
		return
	}

	positions, err := e.svcs.Positions.OpenPositions(ctx, bot.ID)
	if err != nil {
		e.log.WithError(err).Warn("failed to list open positions")
		return
	}
	if len(positions) == 0 {
		return
	}

	e.setState(StateMonitoring)
	defer e.setState(StateRunning)

	for _, pos := range positions {
		if e.checkOne(ctx, pos, price) {
			continue
		}
		if pos.TrailingStop {
			if err := e.svcs.Positions.UpdateTrailingStop(ctx, pos, price); err != nil {
				e.log.WithError(err).WithFields(logger.Fields{
					"position_id": pos.ID,
				}).Warn("trailing stop update failed")
			}
		}
	}
}

// checkOne returns true when the position was closed.
func (e *Engine) checkOne(ctx context.Context, pos models.Position, price float64) bool {
	if result, err := e.svcs.Positions.CheckStopLoss(ctx, pos, price); err != nil {
		e.log.WithError(err).WithFields(logger.Fields{
			"position_id": pos.ID,
		}).Warn("stop-loss check failed")
	} else if result.ShouldClose {
		e.closePosition(ctx, pos, price, result, models.BotEventStopLossHit)
		return true
	}

	if result, err := e.svcs.Positions.CheckTakeProfit(ctx, pos, price); err != nil {
		e.log.WithError(err).WithFields(logger.Fields{
			"position_id": pos.ID,
		}).Warn("take-profit check failed")
	} else if result.ShouldClose {
		e.closePosition(ctx, pos, price, result, models.BotEventTakeProfitHit)
		return true
	}

	return false
}

func (e *Engine) closePosition(ctx context.Context, pos models.Position, price float64, result models.PositionCheckResult, eventType models.BotEventType) {
	if err := e.svcs.Positions.Close(ctx, pos.ID, result.Reason, price); err != nil {
		e.log.WithError(err).WithFields(logger.Fields{
			"position_id": pos.ID,
			"reason":      result.Reason,
		}).Error("position close failed")
		return
	}

	data := map[string]interface{}{
		"position_id":   pos.ID,
		"symbol":        pos.Symbol,
		"reason":        result.Reason,
		"trigger_price": result.TriggerPrice,
		"close_price":   price,
	}
	e.emit(eventType, data, nil)
	e.emit(models.BotEventPositionClosed, data, nil)
	e.log.WithFields(logger.Fields(data)).Info("Position closed")
}
