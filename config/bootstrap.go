package config

import (
	"os"
	"strconv"
	"strings"

	"tradeflow/logger"
	"tradeflow/models"
)

const (
	envPipelineEnabled = "TRADEFLOW_PIPELINE_ENABLED"
	envSubscriptions   = "TRADEFLOW_SUBSCRIPTIONS"
	envOrderbookDepth  = "TRADEFLOW_ORDERBOOK_DEPTH"
	envCandleInterval  = "TRADEFLOW_CANDLE_INTERVAL"

	defaultOrderbookDepth = 20
	defaultCandleInterval = "1m"
)

var supportedExchanges = map[string]bool{
	"binance": true,
	"bybit":   true,
	"kucoin":  true,
}

// PipelineEnabled reports whether the market data pipeline should start.
// Absent or unparseable values default to enabled.
func PipelineEnabled() bool {
	v := strings.TrimSpace(os.Getenv(envPipelineEnabled))
	if v == "" {
		return true
	}
	enabled, err := strconv.ParseBool(v)
	if err != nil {
		logger.GetLogger().WithComponent("bootstrap").WithFields(logger.Fields{
			"value": v,
		}).Warn("invalid " + envPipelineEnabled + ", defaulting to enabled")
		return true
	}
	return enabled
}

// ExchangeURLOverride returns the websocket URL override for an exchange, read
// from TRADEFLOW_<EXCHANGE>_WS_URL, or an empty string when unset.
func ExchangeURLOverride(exchange string) string {
	key := "TRADEFLOW_" + strings.ToUpper(exchange) + "_WS_URL"
	return strings.TrimSpace(os.Getenv(key))
}

// BootstrapSubscriptions parses TRADEFLOW_SUBSCRIPTIONS into subscription
// requests. The format is semicolon separated entries of
// "exchange:symbol:channel[,channel...]", e.g.
// "binance:BTC/USDT:ticker,trades;kucoin:ETH/USDT:orderbook". Malformed
// entries, unsupported exchanges and unknown channels are logged and skipped.
// When the variable is empty or nothing parses, a single binance BTC/USDT
// ticker and trades subscription is returned so the pipeline always has data.
func BootstrapSubscriptions(log *logger.Log) []models.SubscriptionRequest {
	if log == nil {
		log = logger.GetLogger()
	}
	l := log.WithComponent("bootstrap")

	depth := defaultOrderbookDepth
	if v := strings.TrimSpace(os.Getenv(envOrderbookDepth)); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			depth = parsed
		} else {
			l.WithFields(logger.Fields{"value": v}).Warn("invalid " + envOrderbookDepth + ", using default")
		}
	}

	interval := defaultCandleInterval
	if v := strings.TrimSpace(os.Getenv(envCandleInterval)); v != "" {
		interval = v
	}

	raw := strings.TrimSpace(os.Getenv(envSubscriptions))
	var subs []models.SubscriptionRequest
	seen := make(map[string]bool)

	for _, entry := range strings.Split(raw, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		parts := strings.SplitN(entry, ":", 3)
		if len(parts) != 3 {
			l.WithFields(logger.Fields{"entry": entry}).Warn("malformed subscription entry, skipping")
			continue
		}

		exchange := strings.ToLower(strings.TrimSpace(parts[0]))
		symbol := strings.ToUpper(strings.TrimSpace(parts[1]))
		if !supportedExchanges[exchange] {
			l.WithFields(logger.Fields{"exchange": exchange, "entry": entry}).Warn("unsupported exchange, skipping")
			continue
		}

		for _, ch := range strings.Split(parts[2], ",") {
			channel := models.Channel(strings.ToLower(strings.TrimSpace(ch)))
			if !models.ValidChannel(channel) {
				l.WithFields(logger.Fields{"channel": string(channel), "entry": entry}).Warn("unknown channel, skipping")
				continue
			}

			req := models.SubscriptionRequest{
				Exchange: exchange,
				Channel:  channel,
				Symbol:   symbol,
			}
			switch channel {
			case models.ChannelOrderbook:
				req.Depth = depth
			case models.ChannelCandles:
				req.Interval = interval
			}

			if err := req.Validate(); err != nil {
				l.WithError(err).WithFields(logger.Fields{"entry": entry}).Warn("invalid subscription, skipping")
				continue
			}

			key := exchange + "|" + req.Key()
			if seen[key] {
				continue
			}
			seen[key] = true
			subs = append(subs, req)
		}
	}

	if len(subs) == 0 {
		l.Info("no subscriptions configured, falling back to binance BTC/USDT ticker and trades")
		subs = []models.SubscriptionRequest{
			{Exchange: "binance", Channel: models.ChannelTicker, Symbol: "BTC/USDT"},
			{Exchange: "binance", Channel: models.ChannelTrades, Symbol: "BTC/USDT"},
		}
	}

	return subs
}
