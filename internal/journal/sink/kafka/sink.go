// Package kafka publishes journal entries to a Kafka topic, keyed by asset so
// every operation on one asset lands on the same partition in order.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"

	"petmarket/internal/journal"
)

// Producer is the subset of *kgo.Client the sink needs.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

type Sink struct {
	producer Producer
	topic    string
	close    func()
}

// New wraps an existing producer.
func New(producer Producer, topic string) *Sink {
	return &Sink{producer: producer, topic: topic}
}

// Dial connects a franz-go client to brokers. Close releases it.
func Dial(brokers []string, topic string, opts ...kgo.Opt) (*Sink, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if topic == "" {
		return nil, errors.New("kafka topic is required")
	}
	base := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ClientID("petmarket"),
	}
	client, err := kgo.NewClient(append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	s := New(client, topic)
	s.close = client.Close
	return s, nil
}

func (s *Sink) Write(ctx context.Context, e journal.Entry) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode journal entry: %w", err)
	}
	key := string(e.AssetID)
	if key == "" {
		key = string(e.Address)
	}
	record := &kgo.Record{
		Topic: s.topic,
		Key:   []byte(key),
		Value: payload,
		Headers: []kgo.RecordHeader{
			{Key: "entry_id", Value: []byte(e.ID.String())},
			{Key: "kind", Value: []byte(e.Kind)},
			{Key: "status", Value: []byte(e.Status)},
		},
	}
	if err := s.producer.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("produce journal entry: %w", err)
	}
	return nil
}

func (s *Sink) Close() {
	if s.close != nil {
		s.close()
	}
}
