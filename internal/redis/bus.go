package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/ramiqadoumi/tenantflow/internal/bus"
	"github.com/ramiqadoumi/tenantflow/internal/domain"
)

// Bus carries invalidation events over one Redis pub/sub channel.
// Delivery is at-most-once: a subscriber that is disconnected misses
// whatever was published in the gap.
type Bus struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

// NewBus returns a pub/sub bus on channel. It does not own client.
func NewBus(client *redis.Client, channel string, logger *slog.Logger) *Bus {
	return &Bus{client: client, channel: channel, logger: logger}
}

func (b *Bus) Publish(ctx context.Context, ev domain.InvalidationEvent) error {
	data, err := bus.Encode(ev)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish to %s: %w", b.channel, err)
	}
	return nil
}

// Subscribe confirms the subscription with the server before returning, so
// events published after Subscribe returns are delivered.
func (b *Bus) Subscribe(ctx context.Context) (bus.Subscription, error) {
	ps := b.client.Subscribe(ctx, b.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe to %s: %w", b.channel, err)
	}

	s := &subscription{
		ps:     ps,
		events: make(chan domain.InvalidationEvent, 256),
		done:   make(chan struct{}),
		logger: b.logger,
	}
	go s.loop()
	return s, nil
}

// Close is a no-op; the client is owned by the caller.
func (b *Bus) Close() error { return nil }

type subscription struct {
	ps     *redis.PubSub
	events chan domain.InvalidationEvent
	done   chan struct{}
	logger *slog.Logger

	mu     sync.Mutex
	err    error
	closed bool
}

// loop reads with ReceiveMessage rather than PubSub.Channel so a dropped
// connection surfaces as an error instead of a silent internal reconnect.
func (s *subscription) loop() {
	defer close(s.events)
	ctx := context.Background()
	for {
		msg, err := s.ps.ReceiveMessage(ctx)
		if err != nil {
			s.mu.Lock()
			if !s.closed {
				s.err = err
			}
			s.mu.Unlock()
			return
		}

		ev, err := bus.Decode([]byte(msg.Payload))
		if err != nil {
			s.logger.Warn("dropping malformed invalidation event",
				slog.String("channel", msg.Channel),
				slog.String("error", err.Error()),
			)
			continue
		}

		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
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
	close(s.done)
	s.mu.Unlock()

	err := s.ps.Close()
	if errors.Is(err, redis.ErrClosed) {
		return nil
	}
	return err
}
