package session

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/orchestrator/errs"
	"github.com/coachpo/orchestrator/internal/infra/telemetry"
)

type sessionMetrics struct {
	operations metric.Int64Counter
}

func newSessionMetrics() *sessionMetrics {
	meter := otel.Meter("session")
	counter, _ := meter.Int64Counter("orchestrator_session_operations_total",
		metric.WithDescription("Authentication operations by outcome"),
		metric.WithUnit("{operation}"))
	return &sessionMetrics{operations: counter}
}

func (m *sessionMetrics) record(ctx context.Context, op string, err error) {
	if m == nil || m.operations == nil {
		return
	}
	result := "success"
	if err != nil {
		result = string(errs.CodeOf(err))
		if result == "" {
			result = "error"
		}
	}
	m.operations.Add(ctx, 1, metric.WithAttributes(telemetry.OperationResultAttributes(telemetry.Environment(), op, result)...))
}
