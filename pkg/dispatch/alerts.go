package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/segmentio/kafka-go"

	"agentcore/pkg/proto"
)

// AlertSink receives every ALERT the router persists or fails to deliver.
type AlertSink interface {
	Publish(ctx context.Context, alert *proto.Message) error
	Close() error
}

// MemoryAlertSink keeps alerts in memory for inspection.
type MemoryAlertSink struct {
	alerts []*proto.Message
	mu     sync.Mutex
}

// NewMemoryAlertSink creates an empty sink.
func NewMemoryAlertSink() *MemoryAlertSink {
	return &MemoryAlertSink{}
}

// Publish stores a copy of alert.
func (s *MemoryAlertSink) Publish(_ context.Context, alert *proto.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, alert.Clone())
	return nil
}

// Alerts returns the alerts received so far.
func (s *MemoryAlertSink) Alerts() []*proto.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*proto.Message, len(s.alerts))
	copy(out, s.alerts)
	return out
}

// Close is a no-op.
func (s *MemoryAlertSink) Close() error { return nil }

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaAlertSink publishes serialized alerts to a Kafka topic keyed by the alert sender.
type KafkaAlertSink struct {
	writer messageWriter
	topic  string
}

// NewKafkaAlertSink creates a synchronous writer for topic on brokers.
func NewKafkaAlertSink(brokers []string, topic string) (*KafkaAlertSink, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka alert sink requires at least one broker")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka alert sink requires a topic")
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		Async:                  false,
		AllowAutoTopicCreation: true,
	}
	return &KafkaAlertSink{writer: w, topic: topic}, nil
}

// Publish writes one record. Alerts from the same sender land on the same partition.
func (s *KafkaAlertSink) Publish(ctx context.Context, alert *proto.Message) error {
	value, err := proto.Serialize(alert)
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Key:   []byte(alert.Sender),
		Value: value,
		Headers: []kafka.Header{
			{Key: "message_type", Value: []byte(alert.Type)},
			{Key: "receiver", Value: []byte(alert.Receiver)},
		},
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish alert %s to %s: %w", alert.ID, s.topic, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (s *KafkaAlertSink) Close() error {
	return s.writer.Close()
}
