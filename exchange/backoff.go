package exchange

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"tradeflow/models"
)

// ReconnectionStrategy computes exponential backoff delays with jitter and
// tracks how many reconnect attempts have been consumed. It is safe for
// concurrent use, though an adapter only ever drives it from one goroutine.
type ReconnectionStrategy struct {
	cfg models.ReconnectionConfig

	mu       sync.Mutex
	attempts int
	rand     *rand.Rand
}

// NewReconnectionStrategy builds a strategy from the given configuration.
// A MaxAttempts of 0 means unlimited retries.
func NewReconnectionStrategy(cfg models.ReconnectionConfig) *ReconnectionStrategy {
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.BackoffMultiplier <= 1 {
		cfg.BackoffMultiplier = 2.0
	}
	if cfg.JitterFactor < 0 {
		cfg.JitterFactor = 0
	}
	if cfg.JitterFactor > 1 {
		cfg.JitterFactor = 1
	}
	return &ReconnectionStrategy{
		cfg:  cfg,
		rand: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// RecordAttempt consumes one reconnect attempt. It returns true when the
// caller may proceed and false once the configured attempt budget is
// exhausted.
func (s *ReconnectionStrategy) RecordAttempt() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.MaxAttempts > 0 && s.attempts >= s.cfg.MaxAttempts {
		return false
	}
	s.attempts++
	return true
}

// NextDelay returns the wait before the next attempt. With n attempts
// recorded the base is min(MaxDelay, InitialDelay * BackoffMultiplier^n), so
// callers compute the delay before recording the attempt it precedes.
// Symmetric uniform jitter of up to base*JitterFactor is applied and the
// result is clamped to >= 0. With JitterFactor 0 the delay is fully
// deterministic.
func (s *ReconnectionStrategy) NextDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	base := float64(s.cfg.InitialDelay) * math.Pow(s.cfg.BackoffMultiplier, float64(s.attempts))
	if max := float64(s.cfg.MaxDelay); base > max {
		base = max
	}

	delay := base
	if s.cfg.JitterFactor > 0 {
		// Uniform in [-1, 1), scaled by the jitter factor.
		jitter := (s.rand.Float64()*2 - 1) * s.cfg.JitterFactor * base
		delay += jitter
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// Reset zeroes the attempt counter after a stable connection is regained.
func (s *ReconnectionStrategy) Reset() {
	s.mu.Lock()
	s.attempts = 0
	s.mu.Unlock()
}

// Attempts returns the number of attempts consumed since the last reset.
func (s *ReconnectionStrategy) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}
