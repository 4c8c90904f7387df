// Package http implements the webhook update source: the chat platform
// pushes envelopes to us over HTTP POST.
package http

import (
	"context"
	"crypto/subtle"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"

	"github.com/lsm/relay/internal/correlation"
	"github.com/lsm/relay/internal/source"
)

// SecretTokenHeader carries the shared secret a platform may attach to
// webhook deliveries.
const SecretTokenHeader = "X-Relay-Secret-Token"

// Config holds webhook source configuration.
type Config struct {
	ListenAddr  string
	Path        string
	SecretToken string // when set, deliveries without it are rejected
}

// Source receives envelopes via HTTP POST and hands them to the
// gateway handler.
type Source struct {
	server      *http.Server
	logger      *slog.Logger
	addr        string
	path        string
	secretToken string
	ListenAddr  string
	ready       chan struct{}
}

// NewSource creates a new webhook source.
func NewSource(cfg Config, logger *slog.Logger) (*Source, error) {
	if cfg.ListenAddr == "" {
		return nil, fmt.Errorf("webhook listen address is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	path := cfg.Path
	if path == "" {
		path = "/webhook"
	}
	return &Source{
		addr:        cfg.ListenAddr,
		path:        path,
		secretToken: cfg.SecretToken,
		logger:      logger,
		ready:       make(chan struct{}),
	}, nil
}

// Start begins accepting webhook deliveries and dispatching them to
// the handler. Blocks until ctx is cancelled.
func (s *Source) Start(ctx context.Context, handler func(context.Context, source.Event) error) error {
	mux := http.NewServeMux()
	mux.HandleFunc(s.path, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if s.secretToken != "" {
			got := r.Header.Get(SecretTokenHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.secretToken)) != 1 {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}

		headers := make(map[string]string)
		for k, v := range r.Header {
			if len(v) > 0 {
				headers[k] = v[0]
			}
		}

		evt := source.Event{
			Value:         body,
			Headers:       headers,
			Transport:     "http",
			CorrelationID: correlation.ExtractOrGenerate(headers).Value,
		}

		if err := handler(r.Context(), evt); err != nil {
			s.logger.Error("webhook handler error", "error", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.WriteHeader(http.StatusOK)
	})

	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	s.ListenAddr = lis.Addr().String()

	s.server = &http.Server{Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("webhook source starting", "addr", s.ListenAddr, "path", s.path)
		close(s.ready)
		if err := s.server.Serve(lis); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		if err := s.server.Shutdown(context.Background()); err != nil {
			s.logger.Error("webhook server shutdown error", "error", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Ready returns a channel closed once the listener is accepting.
func (s *Source) Ready() <-chan struct{} {
	return s.ready
}

// Close stops the HTTP server.
func (s *Source) Close() error {
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}
