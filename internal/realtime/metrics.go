package realtime

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/orchestrator/internal/infra/telemetry"
)

type channelMetrics struct {
	environment string
	stream      string

	transitions metric.Int64Counter
	reconnects  metric.Int64Counter
	messages    metric.Int64Counter
	bytes       metric.Int64Histogram
	dropped     metric.Int64Counter
}

func newChannelMetrics(stream string) *channelMetrics {
	meter := otel.Meter("realtime")
	cm := &channelMetrics{environment: telemetry.Environment(), stream: stream}

	cm.transitions, _ = meter.Int64Counter("orchestrator_channel_transitions_total",
		metric.WithDescription("Realtime channel state transitions"),
		metric.WithUnit("{transition}"))
	cm.reconnects, _ = meter.Int64Counter("orchestrator_channel_reconnects_total",
		metric.WithDescription("Realtime channel dial attempts by outcome"),
		metric.WithUnit("{reconnect}"))
	cm.messages, _ = meter.Int64Counter("orchestrator_channel_messages_total",
		metric.WithDescription("Inbound realtime messages by type"),
		metric.WithUnit("{message}"))
	cm.bytes, _ = meter.Int64Histogram("orchestrator_channel_message_bytes",
		metric.WithDescription("Size of inbound realtime frames"),
		metric.WithUnit("By"))
	cm.dropped, _ = meter.Int64Counter("orchestrator_channel_dropped_total",
		metric.WithDescription("Inbound frames dropped as malformed or unknown"),
		metric.WithUnit("{message}"))
	return cm
}

func (cm *channelMetrics) transition(ctx context.Context, state State) {
	if cm == nil || cm.transitions == nil {
		return
	}
	cm.transitions.Add(ctx, 1, metric.WithAttributes(
		telemetry.ChannelAttributes(cm.environment, cm.stream, state.String())...))
}

func (cm *channelMetrics) reconnect(ctx context.Context, result string) {
	if cm == nil || cm.reconnects == nil {
		return
	}
	cm.reconnects.Add(ctx, 1, metric.WithAttributes(
		telemetry.OperationResultAttributes(cm.environment, cm.stream, result)...))
}

func (cm *channelMetrics) message(ctx context.Context, messageType string, size int) {
	if cm == nil {
		return
	}
	attrs := metric.WithAttributes(telemetry.MessageAttributes(cm.environment, cm.stream, messageType)...)
	if cm.messages != nil {
		cm.messages.Add(ctx, 1, attrs)
	}
	if cm.bytes != nil {
		cm.bytes.Record(ctx, int64(size), attrs)
	}
}

func (cm *channelMetrics) drop(ctx context.Context, messageType string) {
	if cm == nil || cm.dropped == nil {
		return
	}
	cm.dropped.Add(ctx, 1, metric.WithAttributes(
		telemetry.MessageAttributes(cm.environment, cm.stream, messageType)...))
}
