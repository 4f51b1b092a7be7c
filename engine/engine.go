package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"tradeflow/config"
	"tradeflow/internal/events"
	"tradeflow/logger"
	"tradeflow/models"
)

// Start rejections use fixed messages so callers and the API layer can match
// on them.
var (
	ErrBotDisabled       = errors.New("Bot is disabled")
	ErrBotAlreadyRunning = errors.New("Bot is already running")
)

const autoStopReason = "max consecutive errors reached"

// Engine runs one bot: a tick loop that evaluates the bot's strategy against
// the live price and trades on actionable signals, and an independent
// position-monitoring loop enforcing stop-loss, take-profit and trailing
// stops. Both loops are fault-isolated: tick errors feed a circuit breaker
// instead of crashing the engine.
type Engine struct {
	cfg  config.EngineConfig
	svcs Services
	feed MarketFeed
	log  *logger.Entry

	executionID string
	events      *events.Bus[models.BotEvent]

	mu                sync.Mutex
	bot               *models.Bot
	state             ExecutionState
	startedAt         time.Time
	lastTickAt        time.Time
	lastPrice         float64
	lastPriceAt       time.Time
	lastError         string
	consecutiveErrors int
	breakerOpen       bool
	breakerOpenedAt   time.Time
	autoStopped       bool

	inTick   int32
	metrics  tracker
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
	feedStop func()
}

// New creates an engine for the bot. The feed may be nil; the engine then
// runs without live prices and never trades.
func New(bot *models.Bot, cfg config.EngineConfig, svcs Services, feed MarketFeed) *Engine {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.PositionCheckInterval <= 0 {
		cfg.PositionCheckInterval = time.Second
	}
	if cfg.CircuitBreaker.FailureThreshold <= 0 {
		cfg.CircuitBreaker.FailureThreshold = 5
	}
	if cfg.CircuitBreaker.ResetTimeout <= 0 {
		cfg.CircuitBreaker.ResetTimeout = 30 * time.Second
	}
	if cfg.MaxConsecutiveErrors <= 0 {
		cfg.MaxConsecutiveErrors = 10
	}

	id := uuid.NewString()
	return &Engine{
		cfg:         cfg,
		svcs:        svcs,
		feed:        feed,
		bot:         bot,
		state:       StateIdle,
		executionID: id,
		events:      events.NewBus[models.BotEvent](256),
		log: logger.GetLogger().WithComponent("engine").WithFields(logger.Fields{
			"bot_id":       bot.ID,
			"execution_id": id,
		}),
	}
}

// ExecutionID identifies this engine instance across restarts of one bot.
func (e *Engine) ExecutionID() string { return e.executionID }

// Events delivers the engine's typed event stream. The unsubscribe function
// must be called when the consumer is done.
func (e *Engine) Events(name string) (<-chan models.BotEvent, func()) {
	return e.events.Subscribe(name)
}

// State returns the current lifecycle state.
func (e *Engine) State() ExecutionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Metrics returns a snapshot of the engine counters.
func (e *Engine) Metrics() ExecutionMetrics {
	return e.metrics.snapshot()
}

// Context returns a snapshot of the runtime state.
func (e *Engine) Context() ExecutionContext {
	e.mu.Lock()
	defer e.mu.Unlock()
	return ExecutionContext{
		BotID:             e.bot.ID,
		ExecutionID:       e.executionID,
		State:             e.state,
		StartedAt:         e.startedAt,
		LastTickAt:        e.lastTickAt,
		LastPrice:         e.lastPrice,
		LastPriceAt:       e.lastPriceAt,
		ConsecutiveErrors: e.consecutiveErrors,
		BreakerOpen:       e.breakerOpen,
		BreakerOpenedAt:   e.breakerOpenedAt,
		LastError:         e.lastError,
	}
}

// StartedAt returns when Start succeeded, zero before that.
func (e *Engine) StartedAt() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.startedAt
}

// Start validates the bot, reloads its authoritative record, subscribes to
// the price feed (best-effort) and launches the tick and monitoring loops.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.state.IsRunning() || e.state == StateInitializing || e.state == StatePaused {
		e.mu.Unlock()
		return ErrBotAlreadyRunning
	}
	if e.state == StateStopping || e.state == StateStopped {
		e.mu.Unlock()
		return fmt.Errorf("engine for bot %s has been stopped", e.bot.ID)
	}
	if !e.bot.Enabled {
		e.mu.Unlock()
		return ErrBotDisabled
	}
	if e.bot.Status == models.BotStatusRunning {
		e.mu.Unlock()
		return ErrBotAlreadyRunning
	}
	e.state = StateInitializing
	botID := e.bot.ID
	e.mu.Unlock()

	fail := func(err error) error {
		e.mu.Lock()
		e.state = StateError
		e.lastError = err.Error()
		e.mu.Unlock()
		return err
	}

	// The caller's copy of the bot may be stale. The owning service has the
	// authoritative record.
	fresh, err := e.svcs.Bots.Get(ctx, botID)
	if err != nil {
		return fail(fmt.Errorf("failed to load bot %s: %w", botID, err))
	}
	if fresh == nil {
		return fail(fmt.Errorf("bot %s not found", botID))
	}
	if !fresh.Enabled {
		e.mu.Lock()
		e.state = StateIdle
		e.mu.Unlock()
		return ErrBotDisabled
	}
	if fresh.Status == models.BotStatusRunning {
		e.mu.Lock()
		e.state = StateIdle
		e.mu.Unlock()
		return ErrBotAlreadyRunning
	}
	if err := validateBot(fresh); err != nil {
		return fail(err)
	}

	e.mu.Lock()
	e.bot = fresh
	e.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	e.subscribeFeed(runCtx, fresh)

	e.wg.Add(2)
	go e.tickLoop(runCtx)
	go e.monitorLoop(runCtx)

	e.mu.Lock()
	e.state = StateRunning
	e.startedAt = time.Now().UTC()
	e.mu.Unlock()
	e.metrics.begin(e.StartedAt())

	e.log.WithFields(logger.Fields{
		"symbol":   fresh.Symbol,
		"exchange": fresh.Exchange,
	}).Info("Bot execution started")
	e.emit(models.BotEventStarted, map[string]interface{}{
		"symbol":   fresh.Symbol,
		"exchange": fresh.Exchange,
	}, nil)
	return nil
}

func validateBot(bot *models.Bot) error {
	if bot.Symbol == "" {
		return fmt.Errorf("bot %s has no trading symbol", bot.ID)
	}
	if bot.AllocatedCapital <= 0 {
		return fmt.Errorf("bot %s allocated capital must be greater than 0", bot.ID)
	}
	if bot.PositionSizePercent <= 0 || bot.PositionSizePercent > 100 {
		return fmt.Errorf("bot %s position size percent must be in (0, 100]", bot.ID)
	}
	return nil
}

// subscribeFeed wires the live price stream. A feed failure is a warning,
// not a startup error: the engine runs degraded until prices arrive.
func (e *Engine) subscribeFeed(ctx context.Context, bot *models.Bot) {
	if e.feed == nil {
		return
	}

	req := models.SubscriptionRequest{
		Exchange: bot.Exchange,
		Channel:  models.ChannelTicker,
		Symbol:   bot.Symbol,
	}
	if err := e.feed.Subscribe(req); err != nil {
		e.log.WithError(err).Warn("price feed subscription failed, continuing without live prices")
		return
	}

	ch, unsub := e.feed.Events("engine:" + bot.ID)
	e.feedStop = func() {
		unsub()
		if err := e.feed.Unsubscribe(req); err != nil {
			e.log.WithError(err).Debug("price feed unsubscribe failed")
		}
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				e.onMarketEvent(bot, ev)
			}
		}
	}()
}

// onMarketEvent filters the shared feed down to this bot's ticker stream.
func (e *Engine) onMarketEvent(bot *models.Bot, ev models.MarketEvent) {
	if ev.Type != models.EventTicker || ev.Ticker == nil {
		return
	}
	if ev.Symbol != bot.Symbol {
		return
	}
	if bot.Exchange != "" && ev.Exchange != "" && ev.Exchange != bot.Exchange {
		return
	}

	e.mu.Lock()
	e.lastPrice = ev.Ticker.Last
	e.lastPriceAt = time.Now().UTC()
	e.mu.Unlock()

	e.emit(models.BotEventPriceUpdate, map[string]interface{}{
		"symbol": ev.Symbol,
		"price":  ev.Ticker.Last,
	}, nil)
}

func (e *Engine) tickLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

// tick is one evaluate-validate-trade cycle. A tick that fires while the
// previous one is still in flight is skipped and counted, never overlapped.
func (e *Engine) tick(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&e.inTick, 0, 1) {
		e.metrics.skipped()
		return
	}
	defer atomic.StoreInt32(&e.inTick, 0)

	defer func() {
		if r := recover(); r != nil {
			e.mu.Lock()
			bot := e.bot
			e.mu.Unlock()
			e.tickError(ctx, bot, fmt.Errorf("tick panic: %v", r))
		}
	}()

	e.mu.Lock()
	if e.state == StatePaused {
		e.mu.Unlock()
		return
	}
	if e.breakerOpen {
		open := time.Since(e.breakerOpenedAt)
		if open < e.cfg.CircuitBreaker.ResetTimeout {
			e.mu.Unlock()
			return
		}
		e.breakerOpen = false
		e.consecutiveErrors = 0
		e.state = StateRunning
		e.mu.Unlock()
		e.log.Info("Circuit breaker reset, resuming trading")
		e.emit(models.BotEventCircuitClosed, nil, nil)
	} else {
		e.mu.Unlock()
	}

	started := time.Now()
	logger.IncrementEngineTick()
	defer func() {
		e.metrics.tick(time.Since(started))
		e.mu.Lock()
		e.lastTickAt = time.Now().UTC()
		e.mu.Unlock()
	}()

	e.mu.Lock()
	bot := e.bot
	price := e.lastPrice
	e.mu.Unlock()

	if !scheduleAllows(bot, time.Now()) {
		return
	}
	if price <= 0 {
		return
	}

	e.setState(StateEvaluating)
	evalStart := time.Now()
	signal := e.evaluateStrategy(ctx, bot, price)
	e.metrics.evaluation(time.Since(evalStart))

	if signal.Type == models.SignalHold {
		e.setState(StateRunning)
		e.resetErrors()
		return
	}

	e.metrics.signal()
	e.emit(models.BotEventSignal, map[string]interface{}{
		"signal":     string(signal.Type),
		"strength":   signal.Strength,
		"confidence": signal.Confidence,
		"reasons":    signal.Reasons,
	}, nil)

	e.setState(StateTrading)
	if err := e.executeTrade(ctx, bot, signal, price); err != nil {
		e.tickError(ctx, bot, err)
		e.mu.Lock()
		if !e.breakerOpen && e.state == StateTrading {
			e.state = StateRunning
		}
		e.mu.Unlock()
		return
	}

	e.setState(StateRunning)
	e.resetErrors()
}

// evaluateStrategy never returns an error. Every failure mode collapses to a
// HOLD signal with an explanatory reason.
func (e *Engine) evaluateStrategy(ctx context.Context, bot *models.Bot, price float64) models.TradingSignal {
	if bot.StrategyID == "" {
		return models.Hold("No strategy configured")
	}

	strategy, err := e.svcs.Strategies.Get(ctx, bot.StrategyID)
	if err != nil {
		e.log.WithError(err).Warn("strategy lookup failed")
		return models.Hold("Evaluation error")
	}
	if strategy == nil {
		return models.Hold("Strategy not found")
	}
	if !strategy.Active {
		return models.Hold("Strategy not active")
	}

	signal, err := e.svcs.Strategies.Evaluate(ctx, strategy, MarketSnapshot{
		Symbol:    bot.Symbol,
		Price:     price,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		e.log.WithError(err).Warn("strategy evaluation failed")
		return models.Hold("Evaluation error")
	}
	if signal == nil {
		return models.Hold("Strategy conditions not met")
	}
	return *signal
}

// validateRisk delegates to the risk service and fails open when it is
// unreachable. A missing live price is the one condition that always
// rejects.
func (e *Engine) validateRisk(ctx context.Context, bot *models.Bot, signal models.TradingSignal, price float64) models.RiskValidationResult {
	if price <= 0 {
		return models.RiskValidationResult{
			Approved: false,
			Reasons:  []string{"No live price available"},
		}
	}

	check := TradeCheck{
		BotID:    bot.ID,
		UserID:   bot.UserID,
		Symbol:   bot.Symbol,
		Side:     strings.ToLower(string(signal.Type)),
		Quantity: baseQuantity(bot, price),
		Price:    price,
	}
	if bot.StopLossPercent > 0 {
		if signal.Type == models.SignalSell {
			check.StopLoss = price * (1 + bot.StopLossPercent/100)
		} else {
			check.StopLoss = price * (1 - bot.StopLossPercent/100)
		}
	}

	result, err := e.svcs.Risk.ValidateTrade(ctx, check)
	if err != nil || result == nil {
		if err != nil {
			e.log.WithError(err).Warn("risk validation unavailable, failing open")
		}
		return models.RiskValidationResult{
			Approved: true,
			Warnings: []string{"Risk validation service unavailable"},
		}
	}
	return *result
}

// baseQuantity is the unadjusted order quantity implied by the bot's capital
// allocation at the given price.
func baseQuantity(bot *models.Bot, price float64) float64 {
	return bot.AllocatedCapital * bot.PositionSizePercent / 100 / price
}

// positionSize scales the base capital slice by signal confidence, portfolio
// exposure and signal strength, clamped to [1%, 50%] of allocated capital.
func positionSize(capital, sizePercent, confidence, strength, exposurePercent float64) float64 {
	size := capital * sizePercent / 100

	size *= 0.5 + confidence/100

	switch {
	case exposurePercent < 50:
		// full size
	case exposurePercent < 75:
		size *= 0.75
	default:
		size *= 0.5
	}

	switch {
	case strength > 0.8:
		size *= 1.2
	case strength > 0.5:
		// unchanged
	default:
		size *= 0.7
	}

	if min := capital * 0.01; size < min {
		size = min
	}
	if max := capital * 0.50; size > max {
		size = max
	}
	return size
}

// mapOrderType translates the bot's configured order type to the exchange
// order type. stop_limit becomes stop_loss_limit; everything else passes
// through.
func mapOrderType(t string) string {
	if t == "" {
		return "market"
	}
	if t == "stop_limit" {
		return "stop_loss_limit"
	}
	return t
}

// executeTrade runs risk validation, sizing and order creation. Order
// collaborator failures become structured failure events, not errors; only
// unexpected conditions return an error and count against the breaker.
func (e *Engine) executeTrade(ctx context.Context, bot *models.Bot, signal models.TradingSignal, price float64) error {
	risk := e.validateRisk(ctx, bot, signal, price)
	for _, w := range risk.Warnings {
		e.log.WithFields(logger.Fields{"warning": w}).Warn("risk validation warning")
		e.emit(models.BotEventWarning, map[string]interface{}{"warning": w}, nil)
	}
	if !risk.Approved {
		e.log.WithFields(logger.Fields{
			"reasons": risk.Reasons,
		}).Info("Trade rejected by risk validation")
		return nil
	}

	exposure := 0.0
	if metrics, err := e.svcs.Risk.ExposureMetrics(ctx, bot.UserID); err == nil && metrics != nil {
		exposure = metrics.ExposurePercent
	}

	sized := positionSize(bot.AllocatedCapital, bot.PositionSizePercent, signal.Confidence, signal.Strength, exposure)
	quantity := sized / price

	orderType := mapOrderType(bot.OrderType)
	req := models.OrderRequest{
		BotID:    bot.ID,
		UserID:   bot.UserID,
		TenantID: bot.TenantID,
		Symbol:   bot.Symbol,
		Side:     strings.ToLower(string(signal.Type)),
		Type:     orderType,
		Quantity: quantity,
	}
	if orderType != "market" {
		req.Price = price
	}
	if orderType == "stop_loss_limit" {
		if signal.Type == models.SignalSell {
			req.StopPrice = price * (1 + bot.StopLossPercent/100)
		} else {
			req.StopPrice = price * (1 - bot.StopLossPercent/100)
		}
	}

	orderStart := time.Now()
	result, err := e.svcs.Orders.Create(ctx, req)
	if err != nil {
		// Transport-level failure, distinct from a rejected order. This one
		// counts against the circuit breaker.
		e.metrics.order(time.Since(orderStart), false)
		e.emit(models.BotEventOrderFailed, map[string]interface{}{
			"symbol":   req.Symbol,
			"side":     req.Side,
			"type":     req.Type,
			"quantity": req.Quantity,
		}, err)
		return fmt.Errorf("order creation failed: %w", err)
	}
	if result == nil || !result.Success {
		e.metrics.order(time.Since(orderStart), false)
		data := map[string]interface{}{
			"symbol":   req.Symbol,
			"side":     req.Side,
			"type":     req.Type,
			"quantity": req.Quantity,
		}
		var orderErr error
		if result != nil && result.Error != "" {
			orderErr = errors.New(result.Error)
			data["error_code"] = result.ErrorCode
		}
		e.emit(models.BotEventOrderFailed, data, orderErr)
		e.log.WithFields(logger.Fields(data)).Warn("order rejected")
		return nil
	}

	e.metrics.order(time.Since(orderStart), true)
	logger.IncrementOrderPlaced()
	e.emit(models.BotEventOrderPlaced, map[string]interface{}{
		"order_id": result.OrderID,
		"symbol":   result.Symbol,
		"side":     result.Side,
		"type":     result.Type,
		"quantity": result.Quantity,
		"price":    result.Price,
	}, nil)
	e.log.WithFields(logger.Fields{
		"order_id": result.OrderID,
		"side":     result.Side,
		"quantity": result.Quantity,
	}).Info("Order placed")
	return nil
}

// tickError drives the circuit breaker and the fatal auto-stop.
func (e *Engine) tickError(ctx context.Context, bot *models.Bot, err error) {
	e.metrics.failure()
	e.emit(models.BotEventError, nil, err)

	e.mu.Lock()
	e.consecutiveErrors++
	e.lastError = err.Error()
	count := e.consecutiveErrors
	openBreaker := !e.breakerOpen && count >= e.cfg.CircuitBreaker.FailureThreshold
	if openBreaker {
		e.breakerOpen = true
		e.breakerOpenedAt = time.Now()
		e.state = StateError
	}
	autoStop := !e.autoStopped && count >= e.cfg.MaxConsecutiveErrors && bot.AutoStopOnLoss
	if autoStop {
		e.autoStopped = true
	}
	e.mu.Unlock()

	e.log.WithError(err).WithFields(logger.Fields{
		"consecutive_errors": count,
	}).Warn("tick failed")

	if openBreaker {
		e.log.WithFields(logger.Fields{
			"threshold":     e.cfg.CircuitBreaker.FailureThreshold,
			"reset_timeout": e.cfg.CircuitBreaker.ResetTimeout.String(),
		}).Warn("Circuit breaker opened, trading halted")
		e.emit(models.BotEventCircuitOpened, map[string]interface{}{
			"consecutive_errors": count,
			"reset_timeout_ms":   e.cfg.CircuitBreaker.ResetTimeout.Milliseconds(),
		}, nil)
	}

	if autoStop {
		e.log.Error("Max consecutive errors reached, stopping bot")
		if stopErr := e.svcs.Bots.Stop(ctx, bot.ID, autoStopReason); stopErr != nil {
			e.log.WithError(stopErr).Error("authoritative bot stop failed")
		}
		e.emit(models.BotEventAutoStopped, map[string]interface{}{
			"reason": autoStopReason,
		}, err)
		// Stop waits for the loops, so it cannot run on the tick goroutine.
		go e.Stop()
	}
}

// emit publishes one typed event on the engine's bus.
func (e *Engine) emit(t models.BotEventType, data map[string]interface{}, err error) {
	ev := models.BotEvent{
		Type:        t,
		BotID:       e.bot.ID,
		ExecutionID: e.executionID,
		Data:        data,
		Timestamp:   time.Now().UTC(),
	}
	if err != nil {
		ev.Err = err.Error()
	}
	e.events.Publish(ev)
}

func (e *Engine) setState(s ExecutionState) {
	e.mu.Lock()
	if e.state == StateStopping || e.state == StateStopped {
		e.mu.Unlock()
		return
	}
	changed := e.state != s
	e.state = s
	e.mu.Unlock()
	if changed {
		e.emit(models.BotEventStateChanged, map[string]interface{}{"state": string(s)}, nil)
	}
}

func (e *Engine) resetErrors() {
	e.mu.Lock()
	e.consecutiveErrors = 0
	e.mu.Unlock()
}

// Pause suspends ticking and monitoring without releasing resources.
func (e *Engine) Pause() {
	e.mu.Lock()
	if !e.state.IsRunning() {
		e.mu.Unlock()
		return
	}
	e.state = StatePaused
	e.mu.Unlock()
	e.log.Info("Bot execution paused")
	e.emit(models.BotEventPaused, nil, nil)
}

// Resume restarts a paused engine.
func (e *Engine) Resume() {
	e.mu.Lock()
	if e.state != StatePaused {
		e.mu.Unlock()
		return
	}
	e.state = StateRunning
	e.mu.Unlock()
	e.log.Info("Bot execution resumed")
	e.emit(models.BotEventResumed, nil, nil)
}

// Stop cancels both loops, drops the price feed subscription and cancels
// pending orders. Collaborator failures during cleanup are logged; shutdown
// always completes. Safe to call more than once.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.mu.Lock()
		e.state = StateStopping
		bot := e.bot
		e.mu.Unlock()

		e.emit(models.BotEventStateChanged, map[string]interface{}{"state": string(StateStopping)}, nil)

		if e.cancel != nil {
			e.cancel()
		}
		e.wg.Wait()

		if e.feedStop != nil {
			e.feedStop()
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.svcs.Orders.CancelAll(ctx, bot.UserID, bot.TenantID, bot.Symbol); err != nil {
			e.log.WithError(err).Warn("failed to cancel pending orders during shutdown")
		}

		e.mu.Lock()
		e.state = StateStopped
		e.mu.Unlock()

		e.log.Info("Bot execution stopped")
		e.emit(models.BotEventStopped, nil, nil)
		e.events.Close()
	})
}
