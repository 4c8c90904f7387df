// Package collect runs the final hand-off loop between delivery and
// business logic. The collector isolates handler failures so one bad
// update never halts the stream; the failed update is not retried.
package collect

import (
	"context"
	"log/slog"

	"github.com/lsm/relay/internal/update"
)

const defaultQueueSize = 256

// Option configures a Collector.
type Option func(*Collector)

// WithQueueSize sets the hand-off queue capacity.
func WithQueueSize(n int) Option {
	return func(c *Collector) {
		if n > 0 {
			c.queue = make(chan update.Update, n)
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Collector) {
		c.logger = logger
	}
}

// Collector drains a hand-off queue into a handler.
type Collector struct {
	queue  chan update.Update
	handle func(update.Update) error
	logger *slog.Logger
}

// New creates a Collector feeding the given handler.
func New(handle func(update.Update) error, opts ...Option) *Collector {
	c := &Collector{
		queue:  make(chan update.Update, defaultQueueSize),
		handle: handle,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Enqueue hands an update to the collector. Blocks while the queue is
// full.
func (c *Collector) Enqueue(ctx context.Context, u update.Update) error {
	select {
	case c.queue <- u:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drains the queue, invoking the handler once per update. Handler
// errors and panics are logged and swallowed. Blocks until ctx is
// cancelled.
func (c *Collector) Run(ctx context.Context) error {
	for {
		select {
		case u := <-c.queue:
			c.dispatch(u)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Collector) dispatch(u update.Update) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("handler panicked", "kind", u.Kind, "panic", r)
		}
	}()
	if err := c.handle(u); err != nil {
		c.logger.Error("handler error", "kind", u.Kind, "error", err)
	}
}
