package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"tradeflow/models"
)

type Config struct {
	Tradeflow TradeflowConfig `yaml:"tradeflow"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Websocket WebsocketConfig `yaml:"websocket"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	Engine    EngineConfig    `yaml:"engine"`
}

type TradeflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

type MetricsConfig struct {
	CloudwatchEnabled bool          `yaml:"cloudwatch_enabled"`
	Region            string        `yaml:"region"`
	Namespace         string        `yaml:"namespace"`
	ReportInterval    time.Duration `yaml:"report_interval"`
}

type WebsocketConfig struct {
	MaxConnections int           `yaml:"max_connections"`
	EventBuffer    int           `yaml:"event_buffer"`
	RateLimit      RateLimit     `yaml:"rate_limit"`
	StatsInterval  time.Duration `yaml:"stats_interval"`

	Binance models.ConnectionConfig `yaml:"binance"`
	Bybit   models.ConnectionConfig `yaml:"bybit"`
	Kucoin  models.ConnectionConfig `yaml:"kucoin"`
}

// RateLimit bounds outbound control messages (subscribe, unsubscribe, ping)
// per connection.
type RateLimit struct {
	MessagesPerSecond int `yaml:"messages_per_second"`
	BurstSize         int `yaml:"burst_size"`
}

type BridgeConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Address   string `yaml:"address"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
	Publish   bool   `yaml:"publish"`
	Subscribe bool   `yaml:"subscribe"`
}

type EngineConfig struct {
	TickInterval          time.Duration `yaml:"tick_interval"`
	PositionCheckInterval time.Duration `yaml:"position_check_interval"`
	MaxConsecutiveErrors  int           `yaml:"max_consecutive_errors"`
	CircuitBreaker        BreakerConfig `yaml:"circuit_breaker"`
}

type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// Exchange returns the connection configuration for the named exchange with
// defaults applied, or false when the exchange is not configured.
func (w WebsocketConfig) Exchange(name string) (models.ConnectionConfig, bool) {
	var cfg models.ConnectionConfig
	switch strings.ToLower(name) {
	case "binance":
		cfg = w.Binance
	case "bybit":
		cfg = w.Bybit
	case "kucoin":
		cfg = w.Kucoin
	default:
		return models.ConnectionConfig{}, false
	}
	if cfg.URL == "" {
		return models.ConnectionConfig{}, false
	}
	return cfg.WithDefaults(), true
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Metrics: MetricsConfig{
			Namespace:      "Tradeflow",
			ReportInterval: time.Minute,
		},
		Websocket: WebsocketConfig{
			MaxConnections: 10,
			EventBuffer:    1024,
			RateLimit:      RateLimit{MessagesPerSecond: 5, BurstSize: 10},
			StatsInterval:  30 * time.Second,
		},
		Engine: EngineConfig{
			TickInterval:          time.Second,
			PositionCheckInterval: time.Second,
			MaxConsecutiveErrors:  10,
			CircuitBreaker:        BreakerConfig{FailureThreshold: 5, ResetTimeout: 30 * time.Second},
		},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Redis connection details come from the environment when present.
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		config.Bridge.Address = strings.TrimSpace(v)
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		config.Bridge.Password = strings.TrimSpace(v)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Tradeflow.Name == "" {
		return fmt.Errorf("tradeflow.name is required")
	}

	if cfg.Tradeflow.Version == "" {
		return fmt.Errorf("tradeflow.version is required")
	}

	if cfg.Websocket.MaxConnections <= 0 {
		return fmt.Errorf("websocket.max_connections must be greater than 0")
	}
	if cfg.Websocket.EventBuffer <= 0 {
		return fmt.Errorf("websocket.event_buffer must be greater than 0")
	}

	if cfg.Bridge.Enabled {
		if cfg.Bridge.Address == "" {
			return fmt.Errorf("bridge.address is required when the bridge is enabled")
		}
		if cfg.Bridge.KeyPrefix == "" {
			cfg.Bridge.KeyPrefix = "tradeflow:events:"
		}
	}

	if cfg.Engine.TickInterval <= 0 {
		return fmt.Errorf("engine.tick_interval must be greater than 0")
	}
	if cfg.Engine.PositionCheckInterval <= 0 {
		return fmt.Errorf("engine.position_check_interval must be greater than 0")
	}
	if cfg.Engine.CircuitBreaker.FailureThreshold <= 0 {
		return fmt.Errorf("engine.circuit_breaker.failure_threshold must be greater than 0")
	}
	if cfg.Engine.CircuitBreaker.ResetTimeout <= 0 {
		return fmt.Errorf("engine.circuit_breaker.reset_timeout must be greater than 0")
	}

	return nil
}
