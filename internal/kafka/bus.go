package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ramiqadoumi/tenantflow/internal/bus"
	"github.com/ramiqadoumi/tenantflow/internal/domain"
)

// Bus carries invalidation events on a Kafka topic keyed by tenant ID.
//
// Every process must see every event, so subscriptions read each partition
// directly instead of sharing a consumer group. Per-tenant order follows from
// the key-to-partition mapping.
type Bus struct {
	brokers     []string
	topic       string
	producer    Producer
	client      *kafka.Client
	logger      *slog.Logger
	partitions  int
	replication int
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithTopicLayout sets the partition count and replication factor used when
// Subscribe has to create a missing topic.
func WithTopicLayout(partitions, replication int) BusOption {
	return func(b *Bus) {
		b.partitions = partitions
		b.replication = replication
	}
}

// NewBus returns a Kafka-backed bus.
func NewBus(brokers []string, topic string, producer Producer, logger *slog.Logger, opts ...BusOption) *Bus {
	b := &Bus{
		brokers:     brokers,
		topic:       topic,
		producer:    producer,
		client:      &kafka.Client{Addr: kafka.TCP(brokers...), Timeout: 10 * time.Second},
		logger:      logger,
		partitions:  6,
		replication: 1,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

func (b *Bus) Publish(ctx context.Context, ev domain.InvalidationEvent) error {
	data, err := bus.Encode(ev)
	if err != nil {
		return err
	}
	return b.producer.Publish(ctx, b.topic, ev.TenantID, data)
}

// Subscribe resolves the end offset of every partition before it returns,
// so any event published after Subscribe returns is delivered. Readers keep
// their offsets in memory and resume from them after a broker outage.
func (b *Bus) Subscribe(ctx context.Context) (bus.Subscription, error) {
	offsets, err := b.endOffsets(ctx)
	if err != nil {
		return nil, err
	}

	readCtx, cancel := context.WithCancel(context.Background())
	s := &subscription{
		events: make(chan domain.InvalidationEvent, 256),
		cancel: cancel,
		logger: b.logger,
	}
	for _, p := range sortedPartitions(offsets) {
		r := kafka.NewReader(kafka.ReaderConfig{
			Brokers:   b.brokers,
			Topic:     b.topic,
			Partition: p,
			MinBytes:  1,
			MaxBytes:  1e6,
			MaxWait:   250 * time.Millisecond,
		})
		if err := r.SetOffset(offsets[p]); err != nil {
			_ = r.Close()
			cancel()
			s.closeReaders()
			return nil, fmt.Errorf("kafka partition %d offset: %w", p, err)
		}
		s.readers = append(s.readers, r)
	}

	s.wg.Add(len(s.readers))
	for _, r := range s.readers {
		go s.read(readCtx, r)
	}
	go func() {
		s.wg.Wait()
		close(s.events)
	}()
	return s, nil
}

// endOffsets returns the next offset to be written on each partition,
// creating the topic first when it does not exist yet.
func (b *Bus) endOffsets(ctx context.Context) (map[int]int64, error) {
	parts, err := b.partitionIDs(ctx)
	if errors.Is(err, kafka.UnknownTopicOrPartition) {
		if err := b.createTopic(ctx); err != nil {
			return nil, err
		}
		parts, err = b.partitionIDs(ctx)
	}
	if err != nil {
		return nil, err
	}

	reqs := make([]kafka.OffsetRequest, 0, len(parts))
	for _, p := range parts {
		reqs = append(reqs, kafka.LastOffsetOf(p))
	}
	resp, err := b.client.ListOffsets(ctx, &kafka.ListOffsetsRequest{
		Topics: map[string][]kafka.OffsetRequest{b.topic: reqs},
	})
	if err != nil {
		return nil, fmt.Errorf("kafka list offsets for %s: %w", b.topic, err)
	}

	offsets := make(map[int]int64, len(parts))
	for _, po := range resp.Topics[b.topic] {
		if po.Error != nil {
			return nil, fmt.Errorf("kafka offset for %s/%d: %w", b.topic, po.Partition, po.Error)
		}
		offsets[po.Partition] = po.LastOffset
	}
	if len(offsets) != len(parts) {
		return nil, fmt.Errorf("kafka list offsets for %s: got %d of %d partitions", b.topic, len(offsets), len(parts))
	}
	return offsets, nil
}

func (b *Bus) partitionIDs(ctx context.Context) ([]int, error) {
	resp, err := b.client.Metadata(ctx, &kafka.MetadataRequest{Topics: []string{b.topic}})
	if err != nil {
		return nil, fmt.Errorf("kafka metadata for %s: %w", b.topic, err)
	}
	for _, t := range resp.Topics {
		if t.Name != b.topic {
			continue
		}
		if t.Error != nil {
			return nil, fmt.Errorf("kafka metadata for %s: %w", b.topic, t.Error)
		}
		if len(t.Partitions) == 0 {
			return nil, fmt.Errorf("kafka topic %s has no partitions yet", b.topic)
		}
		ids := make([]int, 0, len(t.Partitions))
		for _, p := range t.Partitions {
			ids = append(ids, p.ID)
		}
		return ids, nil
	}
	return nil, fmt.Errorf("kafka metadata for %s: %w", b.topic, kafka.UnknownTopicOrPartition)
}

func (b *Bus) createTopic(ctx context.Context) error {
	resp, err := b.client.CreateTopics(ctx, &kafka.CreateTopicsRequest{
		Topics: []kafka.TopicConfig{{
			Topic:             b.topic,
			NumPartitions:     b.partitions,
			ReplicationFactor: b.replication,
		}},
	})
	if err != nil {
		return fmt.Errorf("kafka create topic %s: %w", b.topic, err)
	}
	if err := resp.Errors[b.topic]; err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
		return fmt.Errorf("kafka create topic %s: %w", b.topic, err)
	}
	b.logger.Info("created invalidation topic",
		slog.String("topic", b.topic),
		slog.Int("partitions", b.partitions),
	)
	return nil
}

// Close closes the producer owned by the bus.
func (b *Bus) Close() error {
	return b.producer.Close()
}

func sortedPartitions(offsets map[int]int64) []int {
	ids := make([]int, 0, len(offsets))
	for p := range offsets {
		ids = append(ids, p)
	}
	sort.Ints(ids)
	return ids
}

type subscription struct {
	readers []*kafka.Reader
	events  chan domain.InvalidationEvent
	cancel  context.CancelFunc
	logger  *slog.Logger
	wg      sync.WaitGroup

	mu     sync.Mutex
	err    error
	closed bool
}

// read forwards one partition. A reader failure ends the whole subscription
// so the subscriber reconnects and reloads.
func (s *subscription) read(ctx context.Context, r *kafka.Reader) {
	defer s.wg.Done()
	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.setErr(fmt.Errorf("kafka fetch partition %d: %w", r.Config().Partition, err))
				s.cancel()
			}
			return
		}

		_, span := otel.Tracer("tenantflow/kafka").Start(withTrace(ctx, m.Headers), "bus.receive",
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(
				attribute.String("messaging.destination.name", m.Topic),
				attribute.Int("messaging.kafka.partition", m.Partition),
				attribute.Int64("messaging.kafka.offset", m.Offset),
			),
		)
		ev, err := bus.Decode(m.Value)
		span.End()
		if err != nil {
			s.logger.Warn("dropping malformed invalidation event",
				slog.String("topic", m.Topic),
				slog.Int("partition", m.Partition),
				slog.Int64("offset", m.Offset),
				slog.String("error", err.Error()),
			)
			continue
		}
		select {
		case s.events <- ev:
		case <-ctx.Done():
			return
		}
	}
}

func (s *subscription) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed && s.err == nil {
		s.err = err
	}
}

func (s *subscription) closeReaders() error {
	var first error
	for _, r := range s.readers {
		if err := r.Close(); err != nil && first == nil && !errors.Is(err, context.Canceled) {
			first = err
		}
	}
	return first
}

func (s *subscription) Events() <-chan domain.InvalidationEvent { return s.events }

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *subscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	if err := s.closeReaders(); err != nil {
		return fmt.Errorf("close kafka reader: %w", err)
	}
	return nil
}
