package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaConfig configures a KafkaSink.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// KafkaSink publishes each record as one message keyed by session and
// client, so a client's lines stay ordered within a partition.
type KafkaSink struct {
	writer *kafka.Writer
	topic  string
}

var _ Sink = (*KafkaSink)(nil)

// NewKafkaSink creates a sink writing to cfg.Topic.
func NewKafkaSink(cfg KafkaConfig) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("archive: kafka brokers are required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("archive: kafka topic is required")
	}

	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Transport:    &kafka.Transport{Dial: dialer.DialFunc},
	}
	return &KafkaSink{writer: w, topic: cfg.Topic}, nil
}

// Name returns "kafka".
func (s *KafkaSink) Name() string { return "kafka" }

// Write publishes every record of b.
func (s *KafkaSink) Write(ctx context.Context, b Batch) error {
	msgs, err := Messages(b)
	if err != nil {
		return err
	}
	if err := s.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("archive: kafka %s: %w", s.topic, err)
	}
	return nil
}

// Messages converts b to Kafka messages.
func Messages(b Batch) ([]kafka.Message, error) {
	key := []byte(b.Session + "/" + b.Client)
	msgs := make([]kafka.Message, 0, len(b.Records))
	for _, r := range b.Records {
		payload, err := json.Marshal(r)
		if err != nil {
			return nil, fmt.Errorf("archive: encode record: %w", err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   key,
			Value: payload,
			Time:  r.Timestamp,
			Headers: []kafka.Header{
				{Key: "sender", Value: []byte(r.Sender)},
				{Key: "session", Value: []byte(r.Session)},
			},
		})
	}
	return msgs, nil
}

// Close flushes and closes the writer.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
