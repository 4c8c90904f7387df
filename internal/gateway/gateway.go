// Package gateway wires the relay loops together: an ingestion loop
// pulls raw envelopes from the update source and feeds the orderer, a
// collector loop drains ordered updates into the router, and an
// optional scheduler fires its events into the same collector so live
// and synthetic traffic share one dispatch point.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/lsm/relay/internal/collect"
	"github.com/lsm/relay/internal/dlq"
	"github.com/lsm/relay/internal/observability"
	"github.com/lsm/relay/internal/order"
	"github.com/lsm/relay/internal/route"
	"github.com/lsm/relay/internal/schedule"
	"github.com/lsm/relay/internal/sink"
	"github.com/lsm/relay/internal/source"
	"github.com/lsm/relay/internal/tracing"
	"github.com/lsm/relay/internal/update"
)

// Config holds gateway configuration.
type Config struct {
	Name    string
	Mode    string        // "ordered" (default) or "unordered"
	MaxHold time.Duration // wait for a missing sequence id before skipping
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger
	}
}

// WithMetrics attaches Prometheus metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(g *Gateway) {
		g.metrics = m
	}
}

// WithTracer sets the tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(g *Gateway) {
		g.tracer = tracer
	}
}

// Gateway orchestrates source → orderer → collector → router.
type Gateway struct {
	config    Config
	source    source.Source
	router    atomic.Pointer[route.Router]
	scheduler *schedule.Scheduler
	orderer   *order.Orderer
	collector *collect.Collector
	dlq       *dlq.Handler
	metrics   *observability.Metrics
	logger    *slog.Logger
	tracer    trace.Tracer

	runCtx context.Context
}

// New creates a Gateway over the given source. Install the router
// with SetRouter before running; without one every update is dropped.
func New(cfg Config, src source.Source, dlqHandler *dlq.Handler, opts ...Option) *Gateway {
	g := &Gateway{
		config: cfg,
		source: src,
		dlq:    dlqHandler,
		logger: slog.Default(),
		runCtx: context.Background(),
	}
	for _, opt := range opts {
		opt(g)
	}

	g.collector = collect.New(g.dispatch, collect.WithLogger(g.logger))

	orderOpts := []order.Option{
		order.WithLogger(g.logger),
		order.WithMaxHold(cfg.MaxHold),
	}
	if cfg.Mode == "unordered" {
		orderOpts = append(orderOpts, order.WithUnordered())
	}
	if g.metrics != nil {
		orderOpts = append(orderOpts,
			order.WithSkipFunc(func(int64) {
				g.metrics.SkippedTotal.WithLabelValues(cfg.Name).Inc()
			}),
			order.WithDepthFunc(func(depth int) {
				g.metrics.ReorderBufferDepth.WithLabelValues(cfg.Name).Set(float64(depth))
			}),
		)
	}
	g.orderer = order.New(g.deliver, orderOpts...)

	return g
}

// SetRouter installs the routing table the collector dispatches
// through. The pointer is published atomically so the config watcher
// may swap it while the collector loop is dispatching.
func (g *Gateway) SetRouter(r *route.Router) {
	g.router.Store(r)
}

// AttachScheduler routes a scheduler's fired events into the gateway's
// collector, so scheduled events reach the same classification and
// dispatch point as live updates.
func (g *Gateway) AttachScheduler(s *schedule.Scheduler) {
	g.scheduler = s
}

// SinkHandler adapts a sink into a route handler: the dispatched
// update is wrapped as a CloudEvent and delivered.
func (g *Gateway) SinkHandler(sk sink.Sink) route.Handler {
	return func(u update.Update) {
		body, err := update.EncodeCloudEvent(g.config.Name, u)
		if err != nil {
			g.logger.Error("encode update failed", "kind", u.Kind, "error", err)
			return
		}
		headers := map[string]string{
			"Content-Type": "application/cloudevents+json",
		}
		if err := sk.Deliver(g.runCtx, body, headers); err != nil {
			g.logger.Error("sink delivery failed", "kind", u.Kind, "error", err)
		}
	}
}

// Run starts the collector and orderer loops, wires the scheduler
// sink, then blocks consuming the source until ctx is cancelled.
func (g *Gateway) Run(ctx context.Context) error {
	g.logger.Info("starting gateway",
		"gateway", g.config.Name,
		"mode", g.modeName(),
		"max_hold", g.config.MaxHold,
	)
	g.runCtx = ctx

	if g.scheduler != nil {
		g.scheduler.OnFire(func(payload any) {
			u, ok := coerceUpdate(payload)
			if !ok {
				g.logger.Warn("dropping scheduled event of unsupported type",
					"type", fmt.Sprintf("%T", payload))
				return
			}
			if err := g.collector.Enqueue(ctx, u); err != nil {
				g.logger.Error("enqueue scheduled event failed", "error", err)
			}
		})
	}

	go g.runLoop(ctx, "collector", g.collector.Run)
	go g.runLoop(ctx, "orderer", g.orderer.Run)

	return g.source.Start(ctx, g.ingest)
}

// runLoop runs a background loop, logging any exit that was not a
// plain context cancellation.
func (g *Gateway) runLoop(ctx context.Context, name string, run func(context.Context) error) {
	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		g.logger.Error("loop exited", "loop", name, "error", err)
	}
}

// ingest handles one raw envelope from the source: decode, then hand
// to the orderer. A malformed envelope is logged, counted, sent to the
// DLQ and skipped — it never halts the loop.
func (g *Gateway) ingest(ctx context.Context, evt source.Event) error {
	env, err := update.Decode(evt.Value)
	if err != nil {
		g.logger.Error("malformed envelope, skipping",
			"gateway", g.config.Name,
			"transport", evt.Transport,
			"error", err,
		)
		g.count("malformed")
		g.sendToDLQ(ctx, evt, "DECODE_FAILED", err.Error())
		return nil
	}

	_, span := tracing.StartSpan(ctx, g.tracer, tracing.SpanUpdateReceived,
		trace.WithAttributes(
			tracing.GatewayAttr(g.config.Name),
			tracing.KindAttr(env.Update.Kind),
			tracing.SeqAttr(env.Seq),
		),
	)
	defer span.End()

	if err := g.orderer.Feed(ctx, env); err != nil {
		tracing.SetSpanError(span, err)
		return err
	}
	tracing.SetSpanOK(span)
	return nil
}

// deliver is the orderer's sink: ordered envelopes are unwrapped and
// queued for the collector.
func (g *Gateway) deliver(env update.Envelope) {
	if err := g.collector.Enqueue(g.runCtx, env.Update); err != nil {
		g.logger.Error("enqueue update failed", "seq", env.Seq, "error", err)
	}
}

// dispatch is the collector's handler: one update through the router.
func (g *Gateway) dispatch(u update.Update) error {
	router := g.router.Load()
	if router == nil {
		g.logger.Warn("no router installed, dropping update", "kind", u.Kind)
		return nil
	}

	start := time.Now()
	err := router.Dispatch(u)
	if g.metrics != nil {
		g.metrics.DispatchDuration.WithLabelValues(g.config.Name, u.Kind).
			Observe(time.Since(start).Seconds())
	}
	if err != nil {
		g.count("error")
		return err
	}
	g.count("delivered")
	return nil
}

func (g *Gateway) count(status string) {
	if g.metrics != nil {
		g.metrics.UpdatesTotal.WithLabelValues(g.config.Name, status).Inc()
	}
}

func (g *Gateway) sendToDLQ(ctx context.Context, evt source.Event, code, message string) {
	if g.dlq == nil {
		return
	}
	info := dlq.FailureInfo{
		Transport:     evt.Transport,
		ErrorCode:     code,
		ErrorMessage:  message,
		GatewayName:   g.config.Name,
		CorrelationID: evt.CorrelationID,
	}
	if err := g.dlq.Send(ctx, nil, evt.Value, info); err != nil {
		g.logger.Error("failed to send to DLQ", "gateway", g.config.Name, "error", err)
		return
	}
	if g.metrics != nil {
		g.metrics.DLQTotal.WithLabelValues(g.config.Name).Inc()
	}
}

// Shutdown performs graceful shutdown of the gateway components.
// Returns all errors joined.
func (g *Gateway) Shutdown(_ context.Context) error {
	g.logger.Info("shutting down gateway", "gateway", g.config.Name)

	var errs []error
	if err := g.source.Close(); err != nil {
		g.logger.Error("source close error", "gateway", g.config.Name, "error", err)
		errs = append(errs, fmt.Errorf("source close: %w", err))
	}
	if g.dlq != nil {
		if err := g.dlq.Close(); err != nil {
			g.logger.Error("dlq close error", "gateway", g.config.Name, "error", err)
			errs = append(errs, fmt.Errorf("dlq close: %w", err))
		}
	}

	g.logger.Info("gateway shutdown complete", "gateway", g.config.Name)
	return errors.Join(errs...)
}

func (g *Gateway) modeName() string {
	if g.config.Mode == "unordered" {
		return "unordered"
	}
	return "ordered"
}

// coerceUpdate normalizes a scheduled payload into an Update. Maps are
// run through the payload-kind scan; anything else already has to be
// an Update.
func coerceUpdate(payload any) (update.Update, bool) {
	switch v := payload.(type) {
	case update.Update:
		return v, true
	case map[string]any:
		if u, err := update.Extract(v); err == nil {
			return u, true
		}
		return update.Update{Kind: "event", Fields: v}, true
	default:
		return update.Update{}, false
	}
}
