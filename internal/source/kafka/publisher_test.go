package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/twmb/franz-go/pkg/kgo"

	intkafka "github.com/lsm/relay/internal/kafka"
)

// mockPublishClient implements the publishClient interface for testing.
type mockPublishClient struct {
	results kgo.ProduceResults
	records []*kgo.Record
	closed  bool
}

func (m *mockPublishClient) ProduceSync(_ context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	m.records = append(m.records, rs...)
	return m.results
}

func (m *mockPublishClient) Close() {
	m.closed = true
}

func TestNewPublisher_NilCluster(t *testing.T) {
	_, err := NewPublisher(nil)
	if err == nil {
		t.Fatal("expected error for nil cluster")
	}
}

func TestNewPublisher_ValidConfig(t *testing.T) {
	pub, err := NewPublisher(&intkafka.ClusterConfig{Brokers: []string{"localhost:9092"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer func() { _ = pub.Close() }()
}

func TestPublisher_Publish_Success(t *testing.T) {
	mp := &mockPublishClient{
		results: kgo.ProduceResults{{Record: &kgo.Record{}, Err: nil}},
	}
	pub := &Publisher{client: mp}

	err := pub.Publish(context.Background(), "relay-dlq-chat-updates", []byte("key"), []byte("value"), map[string]string{
		"relay-error-code": "DECODE_FAILED",
		"relay-transport":  "kafka",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(mp.records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(mp.records))
	}
	if mp.records[0].Topic != "relay-dlq-chat-updates" {
		t.Errorf("expected topic relay-dlq-chat-updates, got %q", mp.records[0].Topic)
	}
	if string(mp.records[0].Key) != "key" {
		t.Errorf("expected key 'key', got %q", string(mp.records[0].Key))
	}
	if string(mp.records[0].Value) != "value" {
		t.Errorf("expected value 'value', got %q", string(mp.records[0].Value))
	}
	if len(mp.records[0].Headers) != 2 {
		t.Errorf("expected 2 headers, got %d", len(mp.records[0].Headers))
	}
}

func TestPublisher_Publish_Error(t *testing.T) {
	mp := &mockPublishClient{
		results: kgo.ProduceResults{{Record: &kgo.Record{}, Err: errors.New("broker unavailable")}},
	}
	pub := &Publisher{client: mp}

	err := pub.Publish(context.Background(), "relay-dlq-t", []byte("key"), []byte("value"), nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if err.Error() != "kafka publish: broker unavailable" {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestPublisher_Publish_NilHeaders(t *testing.T) {
	mp := &mockPublishClient{
		results: kgo.ProduceResults{{Record: &kgo.Record{}, Err: nil}},
	}
	pub := &Publisher{client: mp}

	if err := pub.Publish(context.Background(), "relay-dlq-t", nil, []byte("value"), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(mp.records[0].Headers) != 0 {
		t.Errorf("expected no headers, got %d", len(mp.records[0].Headers))
	}
}

func TestPublisher_Close(t *testing.T) {
	mp := &mockPublishClient{}
	pub := &Publisher{client: mp}
	if err := pub.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !mp.closed {
		t.Error("expected client to be closed")
	}
}
