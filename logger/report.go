package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type streamStat struct {
	messages int64
	bytes    int64
}

var (
	errorsFeed      int64
	errorsEngine    int64
	warnsFeed       int64
	warnsEngine     int64
	marketReads     int64
	bridgePublishes int64
	reconnects      int64
	engineTicks     int64
	ordersPlaced    int64
	streams         sync.Map // map[string]*streamStat
)

func recordWarn(component string) {
	if strings.Contains(component, "engine") {
		atomic.AddInt64(&warnsEngine, 1)
	} else if strings.Contains(component, "adapter") || strings.Contains(component, "manager") {
		atomic.AddInt64(&warnsFeed, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "engine") {
		atomic.AddInt64(&errorsEngine, 1)
	} else if strings.Contains(component, "adapter") || strings.Contains(component, "manager") {
		atomic.AddInt64(&errorsFeed, 1)
	}
}

// IncrementMarketRead counts one normalized market event of the given size.
func IncrementMarketRead(stream string, size int) {
	atomic.AddInt64(&marketReads, 1)
	recordStream(stream, size)
}

// IncrementBridgePublish counts one event republished to the bridge.
func IncrementBridgePublish(size int) {
	atomic.AddInt64(&bridgePublishes, 1)
	recordStream("bridge_publish", size)
}

// IncrementReconnect counts one websocket reconnection attempt.
func IncrementReconnect() {
	atomic.AddInt64(&reconnects, 1)
}

// IncrementEngineTick counts one completed bot engine tick.
func IncrementEngineTick() {
	atomic.AddInt64(&engineTicks, 1)
}

// IncrementOrderPlaced counts one order submitted by a bot engine.
func IncrementOrderPlaced() {
	atomic.AddInt64(&ordersPlaced, 1)
}

func recordStream(name string, size int) {
	v, _ := streams.LoadOrStore(name, &streamStat{})
	ss := v.(*streamStat)
	atomic.AddInt64(&ss.messages, 1)
	atomic.AddInt64(&ss.bytes, int64(size))
}

// StartReport begins periodic logging of runtime and stream statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

func logReport(ctx context.Context, log *Log) {
	streamData := map[string]map[string]int64{}
	streams.Range(func(k, v any) bool {
		name := k.(string)
		ss := v.(*streamStat)
		streamData[name] = map[string]int64{
			"messages": atomic.LoadInt64(&ss.messages),
			"bytes":    atomic.LoadInt64(&ss.bytes),
		}
		return true
	})

	fields := Fields{
		"errors_feed":      atomic.LoadInt64(&errorsFeed),
		"errors_engine":    atomic.LoadInt64(&errorsEngine),
		"warns_feed":       atomic.LoadInt64(&warnsFeed),
		"warns_engine":     atomic.LoadInt64(&warnsEngine),
		"market_reads":     atomic.LoadInt64(&marketReads),
		"bridge_publishes": atomic.LoadInt64(&bridgePublishes),
		"reconnects":       atomic.LoadInt64(&reconnects),
		"engine_ticks":     atomic.LoadInt64(&engineTicks),
		"orders_placed":    atomic.LoadInt64(&ordersPlaced),
		"goroutines":       runtime.NumGoroutine(),
		"streams":          streamData,
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	data := []cwtypes.MetricDatum{
		{MetricName: aws.String("MarketReads"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["market_reads"].(int64)))},
		{MetricName: aws.String("BridgePublishes"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["bridge_publishes"].(int64)))},
		{MetricName: aws.String("Reconnects"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["reconnects"].(int64)))},
		{MetricName: aws.String("EngineTicks"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["engine_ticks"].(int64)))},
		{MetricName: aws.String("OrdersPlaced"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["orders_placed"].(int64)))},
		{MetricName: aws.String("ErrorsFeed"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_feed"].(int64)))},
		{MetricName: aws.String("ErrorsEngine"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_engine"].(int64)))},
	}

	for name, stats := range streamData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("StreamMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Stream"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("StreamBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Stream"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
