package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for orchestrator client telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name

const (
	// AttrEnvironment specifies the deployment environment (dev/staging/prod) for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrChannel identifies the realtime stream (market-data, portfolio, ...).
	AttrChannel = attribute.Key("channel")
	// AttrConnectionState labels connection lifecycle signals (connecting, authenticated, ...).
	AttrConnectionState = attribute.Key("connection.state")
	// AttrMessageType differentiates payload classes inside a single stream.
	AttrMessageType = attribute.Key("message.type")
	// AttrCacheKey names the root segment of a query key (bots, portfolio, ...).
	AttrCacheKey = attribute.Key("cache.key")
	// AttrOperation differentiates specific client operations (login, refresh, stake, ...).
	AttrOperation = attribute.Key("operation")
	// AttrResult records the outcome of an operation (success, error class, etc.).
	AttrResult = attribute.Key("result")
	// AttrErrorType categorizes failures by taxonomy code.
	AttrErrorType = attribute.Key("error.type")
	// AttrHTTPMethod records the REST verb.
	AttrHTTPMethod = attribute.Key("http.method")
	// AttrHTTPStatus records the REST response status class.
	AttrHTTPStatus = attribute.Key("http.status")
)

// Connection state values
const (
	StateConnecting    = "connecting"
	StateOpen          = "open"
	StateAuthenticated = "authenticated"
	StateClosed        = "closed"
	StateFailed        = "failed"
)

// ChannelAttributes returns attributes for realtime channel metrics.
func ChannelAttributes(environment, channel, state string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrChannel.String(channel),
	}
	if state != "" {
		attrs = append(attrs, AttrConnectionState.String(state))
	}
	return attrs
}

// MessageAttributes returns attributes for inbound channel message metrics.
func MessageAttributes(environment, channel, messageType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrChannel.String(channel),
		AttrMessageType.String(messageType),
	}
}

// CacheAttributes returns attributes for cache metrics.
func CacheAttributes(environment, key, result string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrCacheKey.String(key),
	}
	if result != "" {
		attrs = append(attrs, AttrResult.String(result))
	}
	return attrs
}

// RequestAttributes returns attributes for REST request metrics.
func RequestAttributes(environment, method, status string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrHTTPMethod.String(method),
		AttrHTTPStatus.String(status),
	}
}

// OperationResultAttributes returns attributes for operation metrics with result classification.
func OperationResultAttributes(environment, operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}
