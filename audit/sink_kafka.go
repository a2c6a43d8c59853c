package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaSink publishes one JSON-encoded message per batch to a topic,
// keyed by the batch timestamp.
type KafkaSink struct {
	writer *kafka.Writer
}

// NewKafkaSink creates a writer for the given brokers and topic.
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

type kafkaBatch struct {
	Timestamp time.Time `json:"timestamp"`
	Entries   []Event   `json:"entries"`
}

// WriteBatch publishes the whole batch as a single JSON-encoded
// message, keyed by the batch timestamp.
func (s *KafkaSink) WriteBatch(entries []Event) error {
	if len(entries) == 0 {
		return nil
	}

	now := time.Now().UTC()
	payload, err := json.Marshal(kafkaBatch{Timestamp: now, Entries: entries})
	if err != nil {
		return fmt.Errorf("audit: marshaling kafka batch: %w", err)
	}

	msg := kafka.Message{Key: []byte(now.Format(time.RFC3339Nano)), Value: payload}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("audit: kafka write: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
