package metrics

import "tradeflow/logger"

// AdapterStats holds counters for a single exchange connection.
type AdapterStats struct {
	MessagesReceived int64
	BytesReceived    int64
	EventsEmitted    int64
	ParseErrors      int64
	Reconnects       int64
	Subscriptions    int
	LatencyMs        float64
}

// ReportAdapter emits connection metrics for one exchange adapter.
func ReportAdapter(log *logger.Log, exchange string, stats AdapterStats) {
	l := log.WithComponent(exchange + "_adapter")
	fields := logger.Fields{"exchange": exchange}

	errorRate := float64(0)
	if stats.MessagesReceived+stats.ParseErrors > 0 {
		errorRate = float64(stats.ParseErrors) / float64(stats.MessagesReceived+stats.ParseErrors)
	}

	Emit(log, exchange+"_adapter", "messages_received", stats.MessagesReceived, "counter", fields)
	Emit(log, exchange+"_adapter", "bytes_received", stats.BytesReceived, "counter", fields)
	Emit(log, exchange+"_adapter", "events_emitted", stats.EventsEmitted, "counter", fields)
	Emit(log, exchange+"_adapter", "parse_errors", stats.ParseErrors, "counter", fields)
	Emit(log, exchange+"_adapter", "reconnects", stats.Reconnects, "counter", fields)
	Emit(log, exchange+"_adapter", "latency_ms", stats.LatencyMs, "gauge", fields)

	entry := l.WithFields(logger.Fields{
		"messages_received": stats.MessagesReceived,
		"bytes_received":    stats.BytesReceived,
		"events_emitted":    stats.EventsEmitted,
		"parse_errors":      stats.ParseErrors,
		"error_rate":        errorRate,
		"reconnects":        stats.Reconnects,
		"subscriptions":     stats.Subscriptions,
		"latency_ms":        stats.LatencyMs,
	})

	if stats.ParseErrors > 0 {
		entry.Warn(exchange + " adapter metrics")
		return
	}
	entry.Info(exchange + " adapter metrics")
}
