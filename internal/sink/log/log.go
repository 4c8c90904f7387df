// Package log implements a development sink that prints dispatched
// updates to the structured log.
package log

import (
	"context"
	"log/slog"

	"github.com/lsm/relay/internal/correlation"
)

// Sink logs each delivered update. Useful as a fallback route target
// and in development.
type Sink struct {
	logger *slog.Logger
}

// NewSink creates a new logging sink.
func NewSink(logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{logger: logger}
}

// Deliver logs the update payload.
func (s *Sink) Deliver(_ context.Context, event []byte, headers map[string]string) error {
	s.logger.Info("update delivered",
		"payload", string(event),
		"correlation_id", headers[correlation.HeaderCorrelationID],
	)
	return nil
}

// Close is a no-op.
func (s *Sink) Close() error { return nil }
