package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/lsm/relay/internal/config"
	"github.com/lsm/relay/internal/dlq"
	"github.com/lsm/relay/internal/gateway"
	"github.com/lsm/relay/internal/kafka"
	"github.com/lsm/relay/internal/observability"
	"github.com/lsm/relay/internal/order"
	"github.com/lsm/relay/internal/route"
	"github.com/lsm/relay/internal/schedule"
	"github.com/lsm/relay/internal/sink"
	httpsink "github.com/lsm/relay/internal/sink/http"
	kafkasink "github.com/lsm/relay/internal/sink/kafka"
	logsink "github.com/lsm/relay/internal/sink/log"
	"github.com/lsm/relay/internal/source"
	httpsource "github.com/lsm/relay/internal/source/http"
	kafkasource "github.com/lsm/relay/internal/source/kafka"
	pollsource "github.com/lsm/relay/internal/source/poll"
	"github.com/lsm/relay/internal/tracing"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logger := observability.NewLogger("relayd", observability.GetLogLevel(""))
	slog.SetDefault(logger)

	configDir := os.Getenv("RELAY_CONFIG_DIR")
	if configDir == "" {
		configDir = "/etc/relay/gateways"
	}

	metricsAddr := os.Getenv("RELAY_METRICS_ADDR")
	if metricsAddr == "" {
		metricsAddr = ":9090"
	}

	// Load configuration
	loader := config.NewLoader(configDir, logger)
	gateways, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if len(gateways) == 0 {
		return fmt.Errorf("no gateway definitions found in %s", configDir)
	}

	// Pick the gateway this process serves: RELAY_GATEWAY selects by
	// name, otherwise a single definition is required.
	def, err := selectGateway(gateways, os.Getenv("RELAY_GATEWAY"))
	if err != nil {
		return err
	}

	// Tracing
	tracer, shutdownTracing, err := tracing.Initialize(tracing.GetConfig("relayd"), logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	// Setup metrics. The pending gauge reads the scheduler created just
	// below; the gauge is only sampled at scrape time.
	var scheduler *schedule.Scheduler
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	metrics := observability.NewMetrics(reg, func() float64 {
		if scheduler == nil {
			return 0
		}
		return float64(scheduler.Pending())
	})

	scheduler = schedule.New(
		schedule.WithLogger(logger),
		schedule.WithFiredFunc(metrics.SchedulerFired.Inc),
	)

	// Health server
	health := observability.NewHealthServer()

	// Start metrics + health HTTP server
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/", health.Handler())

	httpServer := &http.Server{Addr: metricsAddr, Handler: mux}
	go func() {
		logger.Info("metrics server starting", "addr", metricsAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "error", err)
		}
	}()

	// Context with signal handling
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("starting gateway", "name", def.Name)

	g, sinks, err := buildGateway(def, metrics, tracer, logger)
	if err != nil {
		return fmt.Errorf("build gateway %s: %w", def.Name, err)
	}
	g.AttachScheduler(scheduler)

	// Config watcher: on change, swap in a freshly built routing table.
	// sinkMu guards the live sink set against the watcher goroutine.
	var sinkMu sync.Mutex
	loader.OnChange(func(defs map[string]*config.GatewayDefinition) {
		newDef, ok := defs[def.Name]
		if !ok {
			logger.Warn("gateway removed from config, keeping current routes", "name", def.Name)
			return
		}
		router, newSinks, err := buildRouter(g, newDef, logger)
		if err != nil {
			logger.Error("config reload: router rebuild failed, keeping current routes",
				"name", def.Name, "error", err)
			return
		}
		g.SetRouter(router)
		sinkMu.Lock()
		closeSinks(sinks, logger)
		sinks = newSinks
		sinkMu.Unlock()
		logger.Info("routing table reloaded", "name", def.Name)
	})

	watchDone := make(chan struct{})
	go func() {
		if err := loader.Watch(watchDone); err != nil {
			logger.Error("config watcher error", "error", err)
		}
	}()

	go func() {
		if err := scheduler.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("scheduler error", "error", err)
		}
	}()

	health.SetReady(true)

	// Run gateway until shutdown
	gatewayErr := g.Run(ctx)

	// Graceful shutdown
	health.SetReady(false)
	close(watchDone)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := g.Shutdown(shutdownCtx); err != nil {
		logger.Error("gateway shutdown error", "error", err)
	}
	sinkMu.Lock()
	closeSinks(sinks, logger)
	sinkMu.Unlock()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", "error", err)
	}

	logger.Info("shutdown complete")
	return gatewayErr
}

func selectGateway(defs map[string]*config.GatewayDefinition, name string) (*config.GatewayDefinition, error) {
	if name != "" {
		def, ok := defs[name]
		if !ok {
			return nil, fmt.Errorf("gateway %q not found in config", name)
		}
		return def, nil
	}
	if len(defs) > 1 {
		return nil, fmt.Errorf("multiple gateway definitions found, set RELAY_GATEWAY to pick one")
	}
	for _, def := range defs {
		return def, nil
	}
	return nil, fmt.Errorf("no gateway definitions")
}

func buildGateway(def *config.GatewayDefinition, metrics *observability.Metrics, tracer trace.Tracer, logger *slog.Logger) (*gateway.Gateway, []io.Closer, error) {
	src, err := buildSource(def, logger)
	if err != nil {
		return nil, nil, err
	}

	maxHold := order.DefaultMaxHold
	if def.MaxHold != "" {
		maxHold, err = time.ParseDuration(def.MaxHold)
		if err != nil {
			return nil, nil, fmt.Errorf("maxHold: %w", err)
		}
	}

	dlqHandler, err := buildDLQ(def)
	if err != nil {
		return nil, nil, err
	}

	g := gateway.New(gateway.Config{
		Name:    def.Name,
		Mode:    def.Mode,
		MaxHold: maxHold,
	}, src, dlqHandler,
		gateway.WithLogger(logger),
		gateway.WithMetrics(metrics),
		gateway.WithTracer(tracer),
	)

	router, sinks, err := buildRouter(g, def, logger)
	if err != nil {
		return nil, nil, err
	}
	g.SetRouter(router)

	return g, sinks, nil
}

func buildSource(def *config.GatewayDefinition, logger *slog.Logger) (source.Source, error) {
	switch def.Source.Type {
	case "kafka":
		cluster, err := clusterFromConfig(def.Source.Config)
		if err != nil {
			return nil, fmt.Errorf("kafka source: %w", err)
		}
		topic, _ := def.Source.Config["topic"].(string)
		consumerGroup, _ := def.Source.Config["consumerGroup"].(string)
		startOffset, _ := def.Source.Config["startOffset"].(string)

		s, err := kafkasource.NewSource(kafkasource.Config{
			Cluster:       cluster,
			Topic:         topic,
			ConsumerGroup: consumerGroup,
			StartOffset:   startOffset,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("kafka source: %w", err)
		}
		return s, nil

	case "webhook", "http":
		listenAddr, _ := def.Source.Config["listenAddr"].(string)
		path, _ := def.Source.Config["path"].(string)
		secretToken, _ := def.Source.Config["secretToken"].(string)
		s, err := httpsource.NewSource(httpsource.Config{
			ListenAddr:  listenAddr,
			Path:        path,
			SecretToken: secretToken,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("webhook source: %w", err)
		}
		return s, nil

	case "poll":
		url, _ := def.Source.Config["url"].(string)
		cfg := pollsource.Config{URL: url}
		if v, _ := def.Source.Config["timeout"].(string); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return nil, fmt.Errorf("poll source timeout: %w", err)
			}
			cfg.Timeout = d
		}
		if v, _ := def.Source.Config["relax"].(string); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return nil, fmt.Errorf("poll source relax: %w", err)
			}
			cfg.Relax = d
		}
		s, err := pollsource.NewSource(cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("poll source: %w", err)
		}
		return s, nil

	default:
		return nil, fmt.Errorf("unsupported source type: %s", def.Source.Type)
	}
}

func buildRouter(g *gateway.Gateway, def *config.GatewayDefinition, logger *slog.Logger) (*route.Router, []io.Closer, error) {
	classifier, err := buildClassifier(def.Classifier)
	if err != nil {
		return nil, nil, err
	}

	var sinks []io.Closer
	table := make(route.Table, len(def.Routes))
	for key, sinkCfg := range def.Routes {
		sk, err := buildSink(&sinkCfg, logger)
		if err != nil {
			closeSinks(sinks, logger)
			return nil, nil, fmt.Errorf("route %q: %w", key, err)
		}
		sinks = append(sinks, sk)
		table[key] = g.SinkHandler(sk)
	}

	opts := []route.Option{}
	if def.Fallback != nil {
		sk, err := buildSink(def.Fallback, logger)
		if err != nil {
			closeSinks(sinks, logger)
			return nil, nil, fmt.Errorf("fallback: %w", err)
		}
		sinks = append(sinks, sk)
		opts = append(opts, route.WithFallback(g.SinkHandler(sk)))
	}

	return route.New(classifier, table, opts...), sinks, nil
}

func buildClassifier(cfg *config.ClassifierConfig) (route.Classifier, error) {
	if cfg == nil {
		return route.ByKind(), nil
	}
	switch cfg.Type {
	case "", "kind":
		return route.ByKind(), nil
	case "command":
		field := cfg.Field
		if field == "" {
			field = "text"
		}
		return route.ByCommand(field), nil
	case "cel":
		classifier, err := route.NewCELClassifier(cfg.CEL)
		if err != nil {
			return nil, fmt.Errorf("cel classifier: %w", err)
		}
		return classifier, nil
	default:
		return nil, fmt.Errorf("unsupported classifier type: %s", cfg.Type)
	}
}

func buildSink(cfg *config.SinkConfig, logger *slog.Logger) (sink.Sink, error) {
	switch cfg.Type {
	case "http":
		url, _ := cfg.Config["url"].(string)
		method, _ := cfg.Config["method"].(string)
		maxRetries, _ := cfg.Config["maxRetries"].(int)

		s, err := httpsink.NewSink(httpsink.Config{
			URL:    url,
			Method: method,
			Retry: httpsink.RetryConfig{
				MaxAttempts:     maxRetries,
				InitialInterval: 200 * time.Millisecond,
				MaxInterval:     30 * time.Second,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("http sink: %w", err)
		}
		s.SetLogger(logger)
		return s, nil

	case "kafka":
		cluster, err := clusterFromConfig(cfg.Config)
		if err != nil {
			return nil, fmt.Errorf("kafka sink: %w", err)
		}
		topic, _ := cfg.Config["topic"].(string)
		s, err := kafkasink.NewSink(kafkasink.Config{Cluster: cluster, Topic: topic})
		if err != nil {
			return nil, fmt.Errorf("kafka sink: %w", err)
		}
		return s, nil

	case "log":
		return logsink.NewSink(logger), nil

	default:
		return nil, fmt.Errorf("unsupported sink type: %s", cfg.Type)
	}
}

func buildDLQ(def *config.GatewayDefinition) (*dlq.Handler, error) {
	if def.Source.Type != "kafka" {
		return dlq.NewHandler(&dlq.NoopPublisher{}), nil
	}
	cluster, err := clusterFromConfig(def.Source.Config)
	if err != nil {
		return nil, fmt.Errorf("dlq publisher: %w", err)
	}
	pub, err := kafkasource.NewPublisher(cluster)
	if err != nil {
		return nil, fmt.Errorf("dlq publisher: %w", err)
	}
	if topic := def.ErrorHandling.DeadLetterTopic; topic != "" {
		return dlq.NewHandler(pub, dlq.WithTopicFunc(func(string) string {
			return topic
		})), nil
	}
	return dlq.NewHandler(pub), nil
}

// clusterFromConfig extracts broker, auth and TLS settings from a
// source or sink config map.
func clusterFromConfig(m map[string]any) (*kafka.ClusterConfig, error) {
	brokers, err := getStringSlice(m, "brokers")
	if err != nil {
		return nil, err
	}
	cluster := &kafka.ClusterConfig{Brokers: brokers}

	if auth, ok := m["auth"].(map[string]any); ok {
		cluster.Auth.Mechanism = getString(auth, "mechanism")
		cluster.Auth.Username = getString(auth, "username")
		cluster.Auth.Password = getString(auth, "password")
	}
	if tlsCfg, ok := m["tls"].(map[string]any); ok {
		enabled, _ := tlsCfg["enabled"].(bool)
		cluster.TLS.Enabled = enabled
		cluster.TLS.CAFile = getString(tlsCfg, "caFile")
		cluster.TLS.CertFile = getString(tlsCfg, "certFile")
		cluster.TLS.KeyFile = getString(tlsCfg, "keyFile")
		skipVerify, _ := tlsCfg["skipVerify"].(bool)
		cluster.TLS.SkipVerify = skipVerify
	}

	if err := cluster.Validate(); err != nil {
		return nil, err
	}
	return cluster, nil
}

func closeSinks(sinks []io.Closer, logger *slog.Logger) {
	for _, s := range sinks {
		if err := s.Close(); err != nil {
			logger.Error("sink close error", "error", err)
		}
	}
}

func getString(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}

func getStringSlice(m map[string]any, key string) ([]string, error) {
	val, ok := m[key]
	if !ok {
		return nil, fmt.Errorf("missing key %q", key)
	}

	switch v := val.(type) {
	case []any:
		result := make([]string, len(v))
		for i, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("key %q: element %d is not a string", key, i)
			}
			result[i] = s
		}
		return result, nil
	case []string:
		return v, nil
	default:
		return nil, fmt.Errorf("key %q: expected string slice, got %T", key, val)
	}
}
