package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute key constants for consistent span attributes.
const (
	AttrGatewayName    = "relay.gateway.name"
	AttrUpdateKind     = "relay.update.kind"
	AttrUpdateSeq      = "relay.update.seq"
	AttrCorrelationID  = "relay.correlation_id"
	AttrKafkaTopic     = "messaging.kafka.topic"
	AttrKafkaPartition = "messaging.kafka.partition"
	AttrKafkaOffset    = "messaging.kafka.offset"
	AttrHTTPTarget     = "http.target"
	AttrHTTPMethod     = "http.method"
)

// Span name constants for consistent span naming.
const (
	SpanUpdateReceived = "relay.update.receive"
	SpanDispatch       = "relay.dispatch"
	SpanKafkaConsume   = "kafka.consume"
	SpanKafkaPublish   = "kafka.publish"
	SpanHTTPDeliver    = "http.deliver"
)

// StartSpan starts a new span with the given name and options. If
// tracer is nil, returns the span already on the context (a no-op span
// when none is set).
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name, opts...)
}

// SetSpanError records an error on the span and sets the status to Error.
func SetSpanError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK sets the span status to Ok.
func SetSpanOK(span trace.Span) {
	if span == nil {
		return
	}
	span.SetStatus(codes.Ok, "")
}

// GatewayAttr returns an attribute for the gateway name.
func GatewayAttr(name string) attribute.KeyValue {
	return attribute.String(AttrGatewayName, name)
}

// KindAttr returns an attribute for the update kind.
func KindAttr(kind string) attribute.KeyValue {
	return attribute.String(AttrUpdateKind, kind)
}

// SeqAttr returns an attribute for the update sequence id.
func SeqAttr(seq int64) attribute.KeyValue {
	return attribute.Int64(AttrUpdateSeq, seq)
}

// CorrelationAttr returns an attribute for the correlation id.
func CorrelationAttr(id string) attribute.KeyValue {
	return attribute.String(AttrCorrelationID, id)
}

// KafkaTopicAttr returns an attribute for the Kafka topic.
func KafkaTopicAttr(topic string) attribute.KeyValue {
	return attribute.String(AttrKafkaTopic, topic)
}

// KafkaPartitionAttr returns an attribute for the Kafka partition.
func KafkaPartitionAttr(partition int32) attribute.KeyValue {
	return attribute.Int(AttrKafkaPartition, int(partition))
}

// KafkaOffsetAttr returns an attribute for the Kafka offset.
func KafkaOffsetAttr(offset int64) attribute.KeyValue {
	return attribute.Int64(AttrKafkaOffset, offset)
}

// HTTPTargetAttr returns an attribute for the HTTP target URL.
func HTTPTargetAttr(url string) attribute.KeyValue {
	return attribute.String(AttrHTTPTarget, url)
}

// HTTPMethodAttr returns an attribute for the HTTP method.
func HTTPMethodAttr(method string) attribute.KeyValue {
	return attribute.String(AttrHTTPMethod, method)
}
