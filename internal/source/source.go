// Package source defines the update-source contract: a transport that
// produces raw envelopes for the gateway to decode and order.
package source

import "context"

// Event is one raw envelope consumed from a transport. Value holds the
// undecoded envelope payload; decoding and sequencing happen
// downstream.
type Event struct {
	Value         []byte
	Headers       map[string]string
	Transport     string // "http", "poll", "kafka"
	Topic         string
	Offset        int64
	CorrelationID string
}

// Source consumes raw envelopes from an external system.
type Source interface {
	// Start begins consuming. Blocks until ctx is cancelled. Envelopes
	// are delivered to the handler function.
	Start(ctx context.Context, handler func(context.Context, Event) error) error

	// Close performs graceful shutdown.
	Close() error
}
