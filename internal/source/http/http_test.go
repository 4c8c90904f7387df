package http

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/lsm/relay/internal/source"
)

func startSource(t *testing.T, cfg Config, handler func(context.Context, source.Event) error) *Source {
	t.Helper()

	src, err := NewSource(cfg, nil)
	if err != nil {
		t.Fatalf("new source: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- src.Start(ctx, handler) }()
	t.Cleanup(func() {
		cancel()
		<-errCh
	})

	<-src.Ready()
	return src
}

func TestSource_ReceivesEnvelopes(t *testing.T) {
	var mu sync.Mutex
	var received []source.Event

	src := startSource(t, Config{ListenAddr: "127.0.0.1:0"},
		func(_ context.Context, evt source.Event) error {
			mu.Lock()
			received = append(received, evt)
			mu.Unlock()
			return nil
		})

	body := []byte(`{"update_id": 1, "message": {"text": "hi"}}`)
	resp, err := http.Post("http://"+src.ListenAddr+"/webhook", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	_ = resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	mu.Lock()
	defer mu.Unlock()

	if len(received) != 1 {
		t.Fatalf("expected 1 event, got %d", len(received))
	}
	if string(received[0].Value) != string(body) {
		t.Errorf("expected event data, got %s", received[0].Value)
	}
	if received[0].Transport != "http" {
		t.Errorf("expected transport http, got %s", received[0].Transport)
	}
	if received[0].CorrelationID == "" {
		t.Error("expected a correlation id")
	}
}

func TestNewSource_MissingAddress(t *testing.T) {
	if _, err := NewSource(Config{}, nil); err == nil {
		t.Fatal("expected error for missing address")
	}
}

func TestSource_DefaultPath(t *testing.T) {
	src, err := NewSource(Config{ListenAddr: "127.0.0.1:0"}, nil)
	if err != nil {
		t.Fatalf("new source: %v", err)
	}
	if src.path != "/webhook" {
		t.Errorf("expected default path /webhook, got %s", src.path)
	}
}

func TestSource_RejectsNonPost(t *testing.T) {
	src := startSource(t, Config{ListenAddr: "127.0.0.1:0"},
		func(context.Context, source.Event) error { return nil })

	resp, err := http.Get("http://" + src.ListenAddr + "/webhook")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	_ = resp.Body.Close()

	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
}

func TestSource_SecretToken(t *testing.T) {
	received := 0
	src := startSource(t, Config{ListenAddr: "127.0.0.1:0", SecretToken: "hunter2"},
		func(context.Context, source.Event) error {
			received++
			return nil
		})

	url := "http://" + src.ListenAddr + "/webhook"

	// Without the token: rejected before the handler runs.
	resp, err := http.Post(url, "application/json", bytes.NewReader([]byte(`{}`)))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}

	// With the token: accepted.
	req, _ := http.NewRequest(http.MethodPost, url, bytes.NewReader([]byte(`{}`)))
	req.Header.Set(SecretTokenHeader, "hunter2")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post with token: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if received != 1 {
		t.Fatalf("handler ran %d times, want 1", received)
	}
}

func TestSource_HandlerErrorReturns500(t *testing.T) {
	src := startSource(t, Config{ListenAddr: "127.0.0.1:0"},
		func(context.Context, source.Event) error {
			return errors.New("downstream unavailable")
		})

	resp, err := http.Post("http://"+src.ListenAddr+"/webhook", "application/json",
		bytes.NewReader([]byte(`{}`)))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	_ = resp.Body.Close()

	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}
}
