package mutation

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/orchestrator/internal/infra/telemetry"
)

var (
	runsOnce sync.Once
	runs     metric.Int64Counter
)

func recordRun(ctx context.Context, name, outcome string) {
	runsOnce.Do(func() {
		runs, _ = otel.Meter("mutation").Int64Counter("orchestrator_mutations_total",
			metric.WithDescription("Optimistic mutation runs by outcome"),
			metric.WithUnit("{mutation}"))
	})
	if runs == nil {
		return
	}
	runs.Add(ctx, 1, metric.WithAttributes(telemetry.OperationResultAttributes(telemetry.Environment(), name, outcome)...))
}
