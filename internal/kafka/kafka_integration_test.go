//go:build integration

package kafka_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcKafka "github.com/testcontainers/testcontainers-go/modules/kafka"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ramiqadoumi/tenantflow/internal/bus"
	"github.com/ramiqadoumi/tenantflow/internal/domain"
	"github.com/ramiqadoumi/tenantflow/internal/kafka"
)

var testBrokers []string

func TestMain(m *testing.M) {
	os.Exit(run(m))
}

func run(m *testing.M) int {
	ctx := context.Background()
	ctr, err := tcKafka.Run(ctx, "confluentinc/confluent-local:7.7.1",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Kafka Server started").WithStartupTimeout(90*time.Second),
		),
	)
	if err != nil {
		log.Fatalf("start kafka container: %v", err)
	}
	defer ctr.Terminate(ctx) //nolint:errcheck

	testBrokers, err = ctr.Brokers(ctx)
	if err != nil {
		log.Fatalf("kafka brokers: %v", err)
	}
	return m.Run()
}

// createTopic creates the topic up front; the first publish can otherwise
// race auto-creation and fail with UNKNOWN_TOPIC_OR_PARTITION.
func createTopic(t *testing.T, partitions int) string {
	t.Helper()
	topic := fmt.Sprintf("%s-%d", t.Name(), time.Now().UnixNano())
	conn, err := kafkago.DialContext(context.Background(), "tcp", testBrokers[0])
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.CreateTopics(kafkago.TopicConfig{
		Topic:             topic,
		NumPartitions:     partitions,
		ReplicationFactor: 1,
	}))
	return topic
}

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// Every event published after Subscribe returns is delivered, on every
// partition, with no warm-up publishing.
func TestBus_DeliversEverythingPublishedAfterSubscribe(t *testing.T) {
	topic := createTopic(t, 3)
	producer := kafka.NewProducer(testBrokers)
	b := kafka.NewBus(testBrokers, topic, producer, discardLogger())
	t.Cleanup(func() { _ = b.Close() })

	// Earlier traffic must not be replayed.
	require.NoError(t, b.Publish(context.Background(), domain.InvalidationEvent{TenantID: "old", Kind: domain.EventDeleted}))

	sub, err := b.Subscribe(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	want := map[string]domain.InvalidationEvent{}
	for i := 0; i < 12; i++ {
		ev := domain.InvalidationEvent{TenantID: fmt.Sprintf("t%d", i), Kind: domain.EventUpdated, Version: int64(i + 1)}
		want[ev.TenantID] = ev
		require.NoError(t, b.Publish(ctx, ev))
	}

	got := map[string]domain.InvalidationEvent{}
	for len(got) < len(want) {
		select {
		case ev := <-sub.Events():
			require.NotEqual(t, "old", ev.TenantID)
			got[ev.TenantID] = ev
		case <-ctx.Done():
			t.Fatalf("received %d of %d events", len(got), len(want))
		}
	}
	assert.Equal(t, want, got)
}

func TestBus_SubscribeCreatesMissingTopic(t *testing.T) {
	topic := fmt.Sprintf("missing-%d", time.Now().UnixNano())
	producer := kafka.NewProducer(testBrokers)
	b := kafka.NewBus(testBrokers, topic, producer, discardLogger(), kafka.WithTopicLayout(2, 1))
	t.Cleanup(func() { _ = b.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	// Partition leaders can lag topic creation by a moment.
	var sub bus.Subscription
	require.Eventually(t, func() bool {
		s, err := b.Subscribe(ctx)
		if err != nil {
			return false
		}
		sub = s
		return true
	}, 30*time.Second, 500*time.Millisecond)
	t.Cleanup(func() { _ = sub.Close() })

	ev := domain.InvalidationEvent{TenantID: "t1", Kind: domain.EventDeleted}
	require.NoError(t, b.Publish(ctx, ev))
	select {
	case got := <-sub.Events():
		assert.Equal(t, ev, got)
	case <-ctx.Done():
		t.Fatal("timed out waiting for invalidation event")
	}
}

func TestBus_CloseEndsEventsWithoutError(t *testing.T) {
	topic := createTopic(t, 1)
	producer := kafka.NewProducer(testBrokers)
	b := kafka.NewBus(testBrokers, topic, producer, discardLogger())
	t.Cleanup(func() { _ = b.Close() })

	sub, err := b.Subscribe(context.Background())
	require.NoError(t, err)
	require.NoError(t, sub.Close())

	select {
	case _, ok := <-sub.Events():
		assert.False(t, ok)
	case <-time.After(10 * time.Second):
		t.Fatal("events channel not closed")
	}
	assert.NoError(t, sub.Err())
}

func TestDeadLetterPublisher_WritesToTopic(t *testing.T) {
	topic := createTopic(t, 1)
	producer := kafka.NewProducer(testBrokers)
	t.Cleanup(func() { _ = producer.Close() })

	dlq := kafka.NewDeadLetterPublisher(producer, topic)
	job := &domain.Job{ID: "job-1", Queue: domain.QueueScraper, TenantID: "t1", Attempts: 3,
		Payload: []byte(`{"url":"https://example.com"}`)}
	require.NoError(t, dlq.PublishFailed(context.Background(), job, errors.New("404 not found")))

	r := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:     testBrokers,
		Topic:       topic,
		Partition:   0,
		StartOffset: kafkago.FirstOffset,
	})
	t.Cleanup(func() { _ = r.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	m, err := r.ReadMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, "t1", string(m.Key))

	var dl kafka.DeadLetter
	require.NoError(t, json.Unmarshal(m.Value, &dl))
	assert.Equal(t, "job-1", dl.JobID)
	assert.Equal(t, 3, dl.Attempts)
	assert.Equal(t, "404 not found", dl.Error)
	assert.JSONEq(t, `{"url":"https://example.com"}`, string(dl.Payload))
}
