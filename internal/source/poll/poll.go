// Package poll implements the long-poll update source: relay pulls
// envelopes from a remote updates API, acknowledging progress through
// an offset parameter. The server holds each request open until
// updates are available or the poll timeout passes.
package poll

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/lsm/relay/internal/source"
)

const (
	defaultTimeout = 20 * time.Second
	defaultRelax   = 100 * time.Millisecond

	// serverErrorDelay is the extra wait after a 502: the remote is
	// probably down and hammering it helps nobody.
	serverErrorDelay = 30 * time.Second
)

// Config holds long-poll source configuration.
type Config struct {
	URL     string        // updates endpoint
	Timeout time.Duration // long-poll hold time requested from the server
	Relax   time.Duration // pacing between successive polls
}

// Source pulls envelopes from a remote updates API.
type Source struct {
	client  *http.Client
	url     string
	timeout time.Duration
	limiter *rate.Limiter
	logger  *slog.Logger

	offset    int64
	hasOffset bool
}

// response is the remote API's poll reply: a result array of raw
// envelopes, or an error description.
type response struct {
	OK          bool              `json:"ok"`
	Result      []json.RawMessage `json:"result"`
	Description string            `json:"description"`
}

// envelopeSeq picks out just the sequence id for offset tracking.
type envelopeSeq struct {
	UpdateID int64 `json:"update_id"`
}

// NewSource creates a new long-poll source.
func NewSource(cfg Config, logger *slog.Logger) (*Source, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("poll url is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	relax := cfg.Relax
	if relax <= 0 {
		relax = defaultRelax
	}
	return &Source{
		client: &http.Client{
			// Allow the server its full hold time plus slack.
			Timeout: timeout + 10*time.Second,
		},
		url:     cfg.URL,
		timeout: timeout,
		limiter: rate.NewLimiter(rate.Every(relax), 1),
		logger:  logger,
	}, nil
}

// Start polls the remote API in a loop, handing each raw envelope to
// the handler in server order. Blocks until ctx is cancelled.
// Transport failures are the source's concern: it logs, backs off and
// re-polls; the handler only ever sees envelopes.
func (s *Source) Start(ctx context.Context, handler func(context.Context, source.Event) error) error {
	s.logger.Info("poll source starting", "url", s.url, "timeout", s.timeout)

	for {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}

		envelopes, err := s.fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Error("poll error", "url", s.url, "error", err)
			if se, ok := err.(*StatusError); ok && se.Code == http.StatusBadGateway {
				select {
				case <-time.After(serverErrorDelay):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			continue
		}

		for _, raw := range envelopes {
			evt := source.Event{
				Value:     raw,
				Transport: "poll",
			}
			if err := handler(ctx, evt); err != nil {
				s.logger.Error("poll handler error", "error", err)
			}

			// Acknowledge regardless of handler outcome; the remote
			// would otherwise redeliver forever.
			var seq envelopeSeq
			if err := json.Unmarshal(raw, &seq); err == nil {
				s.offset = seq.UpdateID + 1
				s.hasOffset = true
			}
		}
	}
}

// Close releases the HTTP client's idle connections.
func (s *Source) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

func (s *Source) fetch(ctx context.Context) ([]json.RawMessage, error) {
	q := url.Values{}
	q.Set("timeout", strconv.Itoa(int(s.timeout.Seconds())))
	if s.hasOffset {
		q.Set("offset", strconv.FormatInt(s.offset, 10))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("poll request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &StatusError{Code: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	var r response
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if !r.OK {
		return nil, fmt.Errorf("remote error: %s", r.Description)
	}
	return r.Result, nil
}

// StatusError represents a poll reply with a non-200 status code.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http status %d", e.Code)
}
