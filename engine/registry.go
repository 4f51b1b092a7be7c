package engine

import (
	"context"
	"sync"
	"time"

	"tradeflow/config"
	"tradeflow/logger"
	"tradeflow/models"
)

// StateNotRunning is the sentinel State answer for unknown bot ids.
const StateNotRunning = "not running"

// EngineInfo is one row of Registry.List.
type EngineInfo struct {
	BotID       string         `json:"bot_id"`
	ExecutionID string         `json:"execution_id"`
	State       ExecutionState `json:"state"`
	StartedAt   time.Time      `json:"started_at"`
}

// Registry is the sole owner of the bot id to engine map. No other component
// may hold a second live engine for the same bot.
type Registry struct {
	svcs Services
	feed MarketFeed
	log  *logger.Entry

	mu       sync.Mutex
	engines  map[string]*Engine
	starting map[string]bool
}

// NewRegistry creates an empty registry. The feed may be nil.
func NewRegistry(svcs Services, feed MarketFeed) *Registry {
	return &Registry{
		svcs:     svcs,
		feed:     feed,
		log:      logger.GetLogger().WithComponent("registry"),
		engines:  make(map[string]*Engine),
		starting: make(map[string]bool),
	}
}

// Start launches an engine for the bot. When one is already registered the
// call is a no-op unless force is set, in which case the existing engine is
// stopped first. A failed Start leaves no registration behind. The bot id is
// reserved before the engine is built, so a concurrent Start for the same id
// is a no-op rather than a second live engine.
func (r *Registry) Start(ctx context.Context, bot *models.Bot, cfg config.EngineConfig, force bool) error {
	r.mu.Lock()
	if r.starting[bot.ID] {
		r.mu.Unlock()
		r.log.WithFields(logger.Fields{"bot_id": bot.ID}).Debug("engine start already in progress")
		return nil
	}
	existing, ok := r.engines[bot.ID]
	if ok && !force {
		r.mu.Unlock()
		r.log.WithFields(logger.Fields{"bot_id": bot.ID}).Debug("engine already registered")
		return nil
	}
	if ok {
		delete(r.engines, bot.ID)
	}
	r.starting[bot.ID] = true
	r.mu.Unlock()

	if existing != nil {
		r.log.WithFields(logger.Fields{"bot_id": bot.ID}).Info("Force restart, stopping existing engine")
		existing.Stop()
	}

	eng := New(bot, cfg, r.svcs, r.feed)
	if err := eng.Start(ctx); err != nil {
		r.mu.Lock()
		delete(r.starting, bot.ID)
		r.mu.Unlock()
		return err
	}

	r.mu.Lock()
	delete(r.starting, bot.ID)
	r.engines[bot.ID] = eng
	r.mu.Unlock()
	return nil
}

// Stop shuts down the bot's engine. Unknown ids are a no-op.
func (r *Registry) Stop(botID string) {
	r.mu.Lock()
	eng, ok := r.engines[botID]
	delete(r.engines, botID)
	r.mu.Unlock()

	if ok {
		eng.Stop()
	}
}

// StopAll shuts down every registered engine concurrently.
func (r *Registry) StopAll() {
	r.mu.Lock()
	engines := make([]*Engine, 0, len(r.engines))
	for _, eng := range r.engines {
		engines = append(engines, eng)
	}
	r.engines = make(map[string]*Engine)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, eng := range engines {
		wg.Add(1)
		go func(e *Engine) {
			defer wg.Done()
			e.Stop()
		}(eng)
	}
	wg.Wait()
}

// State returns the engine state, or the "not running" sentinel.
func (r *Registry) State(botID string) string {
	r.mu.Lock()
	eng, ok := r.engines[botID]
	r.mu.Unlock()
	if !ok {
		return StateNotRunning
	}
	return string(eng.State())
}

// Metrics returns the engine metrics, or nil for unknown ids.
func (r *Registry) Metrics(botID string) *ExecutionMetrics {
	r.mu.Lock()
	eng, ok := r.engines[botID]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	m := eng.Metrics()
	return &m
}

// IsRunning reports whether the bot has an engine in a running state.
func (r *Registry) IsRunning(botID string) bool {
	r.mu.Lock()
	eng, ok := r.engines[botID]
	r.mu.Unlock()
	return ok && eng.State().IsRunning()
}

// Engine returns the live engine, or nil. Callers use it to subscribe to
// the engine's event stream; lifecycle stays with the registry.
func (r *Registry) Engine(botID string) *Engine {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.engines[botID]
}

// List enumerates every registered engine.
func (r *Registry) List() []EngineInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]EngineInfo, 0, len(r.engines))
	for id, eng := range r.engines {
		out = append(out, EngineInfo{
			BotID:       id,
			ExecutionID: eng.ExecutionID(),
			State:       eng.State(),
			StartedAt:   eng.StartedAt(),
		})
	}
	return out
}
