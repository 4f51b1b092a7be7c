package engine

import "time"

// ExecutionState is the engine lifecycle state.
type ExecutionState string

const (
	StateIdle         ExecutionState = "idle"
	StateInitializing ExecutionState = "initializing"
	StateRunning      ExecutionState = "running"
	StateEvaluating   ExecutionState = "evaluating"
	StateTrading      ExecutionState = "trading"
	StateMonitoring   ExecutionState = "monitoring"
	StatePaused       ExecutionState = "paused"
	StateStopping     ExecutionState = "stopping"
	StateStopped      ExecutionState = "stopped"
	StateError        ExecutionState = "error"
)

// IsRunning reports whether the state counts as an active engine. Paused is
// not running: a paused engine holds resources but does not trade.
func (s ExecutionState) IsRunning() bool {
	switch s {
	case StateRunning, StateEvaluating, StateTrading, StateMonitoring:
		return true
	}
	return false
}

// ExecutionContext is a snapshot of one engine's runtime state. Only the
// owning engine mutates the underlying fields; snapshots are safe to retain.
type ExecutionContext struct {
	BotID             string         `json:"bot_id"`
	ExecutionID       string         `json:"execution_id"`
	State             ExecutionState `json:"state"`
	StartedAt         time.Time      `json:"started_at"`
	LastTickAt        time.Time      `json:"last_tick_at,omitempty"`
	LastPrice         float64        `json:"last_price,omitempty"`
	LastPriceAt       time.Time      `json:"last_price_at,omitempty"`
	ConsecutiveErrors int            `json:"consecutive_errors"`
	BreakerOpen       bool           `json:"breaker_open"`
	BreakerOpenedAt   time.Time      `json:"breaker_opened_at,omitempty"`
	LastError         string         `json:"last_error,omitempty"`
}
