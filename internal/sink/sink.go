// Package sink defines the dispatch-target contract: where classified,
// ordered updates end up.
package sink

import "context"

// Sink delivers dispatched updates to a destination.
type Sink interface {
	// Deliver sends one encoded update to the destination.
	Deliver(ctx context.Context, event []byte, headers map[string]string) error

	// Close performs graceful shutdown.
	Close() error
}
