package cache

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/orchestrator/internal/infra/telemetry"
)

type cacheMetrics struct {
	lookups     metric.Int64Counter
	fetches     metric.Int64Counter
	fetchTime   metric.Float64Histogram
	pollSkipped metric.Int64Counter
}

func newCacheMetrics() *cacheMetrics {
	meter := otel.Meter("cache")
	lookups, _ := meter.Int64Counter("orchestrator_cache_lookups_total",
		metric.WithDescription("Query cache reads by freshness outcome"),
		metric.WithUnit("{lookup}"))
	fetches, _ := meter.Int64Counter("orchestrator_cache_fetches_total",
		metric.WithDescription("Backend fetches issued by the query cache"),
		metric.WithUnit("{fetch}"))
	fetchTime, _ := meter.Float64Histogram("orchestrator_cache_fetch_duration",
		metric.WithDescription("Query fetch latency including retries"),
		metric.WithUnit("ms"))
	pollSkipped, _ := meter.Int64Counter("orchestrator_cache_poll_skipped_total",
		metric.WithDescription("Poll ticks skipped because a realtime channel owns the key"),
		metric.WithUnit("{tick}"))
	return &cacheMetrics{lookups: lookups, fetches: fetches, fetchTime: fetchTime, pollSkipped: pollSkipped}
}

func (m *cacheMetrics) lookup(ctx context.Context, key Key, result string) {
	if m == nil || m.lookups == nil {
		return
	}
	m.lookups.Add(ctx, 1, metric.WithAttributes(telemetry.CacheAttributes(telemetry.Environment(), key.root(), result)...))
}

func (m *cacheMetrics) fetched(ctx context.Context, key Key, err error, took time.Duration) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	attrs := metric.WithAttributes(telemetry.CacheAttributes(telemetry.Environment(), key.root(), result)...)
	if m.fetches != nil {
		m.fetches.Add(ctx, 1, attrs)
	}
	if m.fetchTime != nil {
		m.fetchTime.Record(ctx, float64(took.Microseconds())/1000, attrs)
	}
}

func (m *cacheMetrics) skipped(ctx context.Context, key Key) {
	if m == nil || m.pollSkipped == nil {
		return
	}
	m.pollSkipped.Add(ctx, 1, metric.WithAttributes(telemetry.CacheAttributes(telemetry.Environment(), key.root(), "")...))
}
