// Package dlq publishes envelopes relay could not process to a
// dead-letter topic for later inspection.
package dlq

import (
	"context"
	"fmt"
	"time"
)

// Publisher is the interface for publishing messages to a broker.
type Publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
	Close() error
}

// FailureInfo contains metadata about why an envelope failed processing.
type FailureInfo struct {
	Transport     string
	ErrorCode     string
	ErrorMessage  string
	GatewayName   string
	CorrelationID string
}

// Handler publishes failed envelopes to a Dead Letter Queue topic.
type Handler struct {
	publisher Publisher
	topicFn   func(gatewayName string) string
}

// Option configures a Handler.
type Option func(*Handler)

// WithTopicFunc overrides the default DLQ topic naming function.
func WithTopicFunc(fn func(gatewayName string) string) Option {
	return func(h *Handler) {
		h.topicFn = fn
	}
}

// NewHandler creates a new DLQ handler.
func NewHandler(pub Publisher, opts ...Option) *Handler {
	h := &Handler{
		publisher: pub,
		topicFn:   func(gatewayName string) string { return "relay-dlq-" + gatewayName },
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Send publishes a failed envelope to the appropriate DLQ topic.
func (h *Handler) Send(ctx context.Context, key, value []byte, info FailureInfo) error {
	topic := h.topicFn(info.GatewayName)

	headers := map[string]string{
		"relay-transport":      info.Transport,
		"relay-error-code":     info.ErrorCode,
		"relay-error-message":  info.ErrorMessage,
		"relay-failed-at":      time.Now().UTC().Format(time.RFC3339),
		"relay-gateway-name":   info.GatewayName,
		"relay-correlation-id": info.CorrelationID,
	}

	if err := h.publisher.Publish(ctx, topic, key, value, headers); err != nil {
		return fmt.Errorf("dlq publish to %s: %w", topic, err)
	}
	return nil
}

// Close releases resources held by the handler.
func (h *Handler) Close() error {
	return h.publisher.Close()
}

// NoopPublisher is a Publisher that discards all messages. Used when
// no broker is configured (e.g., webhook or poll sources).
type NoopPublisher struct{}

func (*NoopPublisher) Publish(context.Context, string, []byte, []byte, map[string]string) error {
	return nil
}

func (*NoopPublisher) Close() error { return nil }
