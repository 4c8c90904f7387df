package log

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestDeliver_LogsPayloadAndCorrelation(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	s := NewSink(logger)

	err := s.Deliver(context.Background(), []byte(`{"update_id":1}`), map[string]string{
		"relay-correlation-id": "corr-1",
	})
	if err != nil {
		t.Fatalf("deliver failed: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, `"update_id":1`) {
		t.Errorf("payload not logged: %s", out)
	}
	if !strings.Contains(out, "corr-1") {
		t.Errorf("correlation id not logged: %s", out)
	}
}

func TestNewSink_NilLogger(t *testing.T) {
	s := NewSink(nil)
	if err := s.Deliver(context.Background(), []byte(`{}`), nil); err != nil {
		t.Fatalf("deliver failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
}
