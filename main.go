package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/joho/godotenv"

	"tradeflow/bridge"
	"tradeflow/config"
	"tradeflow/hub"
	"tradeflow/internal/metrics"
	"tradeflow/logger"
	"tradeflow/models"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service":     cfg.Tradeflow.Name,
		"version":     cfg.Tradeflow.Version,
		"environment": config.AppEnvironment(),
	}).Info("starting tradeflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, cfg.Metrics.ReportInterval)
	}

	if cfg.Metrics.CloudwatchEnabled {
		logger.InitCloudWatch(cfg.Metrics.Region, cfg.Metrics.Namespace)
		metrics.RegisterHandler(publishToCloudWatch)
	}

	var eventBridge hub.Bridge
	if cfg.Bridge.Enabled {
		rb := bridge.NewBridge(cfg.Bridge)
		if err := rb.Connect(ctx); err != nil {
			log.WithError(err).Error("failed to connect event bridge")
			os.Exit(1)
		}
		eventBridge = rb
	}

	manager := hub.NewManager(cfg.Websocket, eventBridge)

	if config.PipelineEnabled() {
		startPipeline(ctx, cfg, manager, log)
	} else {
		log.WithComponent("main").Info("pipeline bootstrap disabled; waiting for explicit connections")
	}

	go reportAdapterStats(ctx, manager, log, cfg.Websocket.StatsInterval)

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	done := make(chan struct{})
	go func() {
		manager.DisconnectAll()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("tradeflow stopped")
}

// startPipeline connects every exchange named by the bootstrap subscription
// set and subscribes its streams. Failures are warned and skipped so one bad
// exchange never blocks the rest.
func startPipeline(ctx context.Context, cfg *config.Config, manager *hub.Manager, log *logger.Log) {
	subs := config.BootstrapSubscriptions(log)

	byExchange := make(map[string][]models.SubscriptionRequest)
	for _, sub := range subs {
		byExchange[sub.Exchange] = append(byExchange[sub.Exchange], sub)
	}

	for exchangeID, requests := range byExchange {
		conn, ok := cfg.Websocket.Exchange(exchangeID)
		if !ok {
			// No explicit config; the adapter falls back to the exchange's
			// public endpoint.
			conn = models.ConnectionConfig{}.WithDefaults()
		}
		if url := config.ExchangeURLOverride(exchangeID); url != "" {
			conn.URL = url
		}

		if err := manager.Connect(ctx, exchangeID, conn); err != nil {
			log.WithError(err).WithFields(logger.Fields{
				"exchange": exchangeID,
			}).Warn("failed to connect exchange, skipping its subscriptions")
			continue
		}

		for _, req := range requests {
			if err := manager.Subscribe(req); err != nil {
				log.WithError(err).WithFields(logger.Fields{
					"exchange": exchangeID,
					"key":      req.Key(),
				}).Warn("subscription failed")
			}
		}
	}
}

func reportAdapterStats(ctx context.Context, manager *hub.Manager, log *logger.Log, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for exchangeID, stats := range manager.Stats() {
				metrics.ReportAdapter(log, exchangeID, stats)
			}
		}
	}
}

// publishToCloudWatch forwards one structured metric to CloudWatch. Non-numeric
// values are skipped.
func publishToCloudWatch(m metrics.Metric) {
	value, ok := numericValue(m.Value)
	if !ok {
		return
	}

	unit := cwtypes.StandardUnitCount
	if m.Type == "gauge" {
		unit = cwtypes.StandardUnitNone
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	logger.PublishMetrics(ctx, []cwtypes.MetricDatum{{
		MetricName: aws.String(m.Name),
		Timestamp:  aws.Time(m.Timestamp),
		Value:      aws.Float64(value),
		Unit:       unit,
		Dimensions: []cwtypes.Dimension{{
			Name:  aws.String("Component"),
			Value: aws.String(m.Component),
		}},
	}})
}

func numericValue(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
