package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/ramiqadoumi/tenantflow/pkg/telemetry"
)

// Producer publishes keyed messages. Messages sharing a key land on the same
// partition, which preserves their relative order.
type Producer interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
	Close() error
}

// ProducerOption tunes the underlying writer.
type ProducerOption func(*kafka.Writer)

// WithBatchTimeout bounds how long a partial batch waits before it is sent.
func WithBatchTimeout(d time.Duration) ProducerOption {
	return func(w *kafka.Writer) { w.BatchTimeout = d }
}

// WithWriteTimeout bounds a single write to the brokers.
func WithWriteTimeout(d time.Duration) ProducerOption {
	return func(w *kafka.Writer) { w.WriteTimeout = d }
}

type producer struct {
	writer *kafka.Writer
}

// NewProducer returns a producer that waits for all in-sync replicas. The
// default batch timeout is short because invalidations are latency sensitive.
func NewProducer(brokers []string, opts ...ProducerOption) Producer {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		MaxAttempts:            5,
		BatchTimeout:           10 * time.Millisecond,
		WriteTimeout:           10 * time.Second,
		ReadTimeout:            10 * time.Second,
		AllowAutoTopicCreation: true,
	}
	for _, opt := range opts {
		opt(w)
	}
	return &producer{writer: w}
}

func (p *producer) Publish(ctx context.Context, topic, key string, value []byte) error {
	err := p.writer.WriteMessages(ctx, kafka.Message{
		Topic:   topic,
		Key:     []byte(key),
		Value:   value,
		Headers: traceHeaders(ctx),
		Time:    time.Now(),
	})
	if err != nil {
		telemetry.KafkaPublished.WithLabelValues(topic, "error").Inc()
		return fmt.Errorf("kafka publish to %s: %w", topic, err)
	}
	telemetry.KafkaPublished.WithLabelValues(topic, "ok").Inc()
	return nil
}

func (p *producer) Close() error {
	return p.writer.Close()
}
