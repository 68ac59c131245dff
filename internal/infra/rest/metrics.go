package rest

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/orchestrator/internal/infra/telemetry"
)

type clientMetrics struct {
	requests metric.Int64Counter
	duration metric.Float64Histogram
}

func newClientMetrics() *clientMetrics {
	meter := otel.Meter("rest.client")
	m := &clientMetrics{requests: nil, duration: nil}
	m.requests, _ = meter.Int64Counter("orchestrator_rest_requests_total",
		metric.WithDescription("REST requests issued to the orchestrator backend"),
		metric.WithUnit("{request}"))
	m.duration, _ = meter.Float64Histogram("orchestrator_rest_request_duration",
		metric.WithDescription("REST request latency"),
		metric.WithUnit("ms"))
	return m
}

func (m *clientMetrics) record(ctx context.Context, method string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(telemetry.RequestAttributes(telemetry.Environment(), method, statusClass(status))...)
	if m.requests != nil {
		m.requests.Add(ctx, 1, attrs)
	}
	if m.duration != nil {
		m.duration.Record(ctx, float64(elapsed.Microseconds())/1000.0, attrs)
	}
}

func statusClass(status int) string {
	if status <= 0 {
		return "transport_error"
	}
	return strconv.Itoa(status/100) + "xx"
}
