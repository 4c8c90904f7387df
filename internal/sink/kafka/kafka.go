// Package kafka implements Kafka delivery of dispatched updates.
package kafka

import (
	"context"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/lsm/relay/internal/kafka"
)

// producer abstracts the kafka client methods used by Sink for testing.
type producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// Config holds Kafka sink configuration.
type Config struct {
	Cluster *kafka.ClusterConfig
	Topic   string
}

// Sink produces dispatched updates to a Kafka topic.
type Sink struct {
	client producer
	topic  string
}

// NewSink creates a new Kafka sink.
func NewSink(cfg Config) (*Sink, error) {
	if cfg.Cluster == nil {
		return nil, fmt.Errorf("cluster config is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}

	opts, err := kafka.ClientOptions(cfg.Cluster)
	if err != nil {
		return nil, fmt.Errorf("cluster options: %w", err)
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka producer client: %w", err)
	}

	return &Sink{client: client, topic: cfg.Topic}, nil
}

// Deliver produces the update payload to the configured topic.
func (s *Sink) Deliver(ctx context.Context, event []byte, headers map[string]string) error {
	record := &kgo.Record{
		Topic: s.topic,
		Value: event,
	}
	for k, v := range headers {
		record.Headers = append(record.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}

	results := s.client.ProduceSync(ctx, record)
	if err := results.FirstErr(); err != nil {
		return fmt.Errorf("kafka publish: %w", err)
	}
	return nil
}

// Close shuts down the producer.
func (s *Sink) Close() error {
	s.client.Close()
	return nil
}
