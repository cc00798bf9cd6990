package tenantcache

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/ramiqadoumi/tenantflow/internal/bus"
	"github.com/ramiqadoumi/tenantflow/internal/domain"
	"github.com/ramiqadoumi/tenantflow/pkg/retry"
	"github.com/ramiqadoumi/tenantflow/pkg/telemetry"
)

// Subscriber feeds invalidation events from a bus into a Cache for the
// lifetime of the process.
//
// Events for one tenant always go to the same shard goroutine, so they are
// applied in delivery order; different tenants apply in parallel.
type Subscriber struct {
	cache       *Cache
	bus         bus.Bus
	logger      *slog.Logger
	shards      int
	backoff     retry.Policy
	applyPolicy retry.Policy

	connected atomic.Bool
}

// SubscriberOption configures a Subscriber.
type SubscriberOption func(*Subscriber)

// WithSubscriberLogger sets the structured logger.
func WithSubscriberLogger(l *slog.Logger) SubscriberOption {
	return func(s *Subscriber) { s.logger = l }
}

// WithShards sets the number of ordered apply goroutines.
func WithShards(n int) SubscriberOption {
	return func(s *Subscriber) {
		if n > 0 {
			s.shards = n
		}
	}
}

// WithReconnectBackoff sets the wait schedule between resubscribe attempts.
// MaxAttempts is ignored: the subscriber retries until shutdown.
func WithReconnectBackoff(p retry.Policy) SubscriberOption {
	return func(s *Subscriber) { s.backoff = p }
}

// WithApplyPolicy sets retries for a single event whose refetch fails.
func WithApplyPolicy(p retry.Policy) SubscriberOption {
	return func(s *Subscriber) { s.applyPolicy = p }
}

// NewSubscriber binds cache to b.
func NewSubscriber(cache *Cache, b bus.Bus, opts ...SubscriberOption) *Subscriber {
	s := &Subscriber{
		cache:       cache,
		bus:         b,
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		shards:      8,
		backoff:     retry.Policy{BaseDelay: 500 * time.Millisecond, MaxDelay: 30 * time.Second, Jitter: 0.2},
		applyPolicy: retry.Policy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, Jitter: 0.2},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Connected reports whether a subscription is currently live.
func (s *Subscriber) Connected() bool { return s.connected.Load() }

// Run subscribes and applies events until ctx is cancelled, then closes the
// subscription and returns nil.
//
// After every successful subscribe the cache is fully reloaded: events
// published while no subscription was live cannot be recovered any other
// way. The first subscribe counts too, closing the gap after the startup
// prime.
func (s *Subscriber) Run(ctx context.Context) error {
	shards := make([]chan domain.InvalidationEvent, s.shards)
	var wg sync.WaitGroup
	for i := range shards {
		shards[i] = make(chan domain.InvalidationEvent, 64)
		wg.Add(1)
		go func(ch <-chan domain.InvalidationEvent) {
			defer wg.Done()
			for ev := range ch {
				s.apply(ctx, ev)
			}
		}(shards[i])
	}
	defer func() {
		for _, ch := range shards {
			close(ch)
		}
		wg.Wait()
	}()

	failures := 0
	reason := "connect"
	for {
		sub, err := s.bus.Subscribe(ctx)
		if err == nil {
			if err = s.reload(ctx, reason); err != nil {
				_ = sub.Close()
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			failures++
			wait := s.backoff.Delay(failures)
			s.logger.Warn("invalidation subscribe failed",
				slog.Int("attempt", failures),
				slog.Duration("backoff", wait),
				slog.String("error", err.Error()),
			)
			if !sleep(ctx, wait) {
				return nil
			}
			continue
		}

		if reason == "reconnect" {
			telemetry.BusReconnects.Inc()
		}
		failures = 0
		s.connected.Store(true)
		s.logger.Info("invalidation subscription live")

		err = s.pump(ctx, sub, shards)
		s.connected.Store(false)
		if ctx.Err() != nil {
			return nil
		}

		reason = "reconnect"
		failures++
		wait := s.backoff.Delay(failures)
		s.logger.Warn("invalidation subscription dropped",
			slog.Duration("backoff", wait),
			slog.Any("error", err),
		)
		if !sleep(ctx, wait) {
			return nil
		}
	}
}

func (s *Subscriber) reload(ctx context.Context, reason string) error {
	if reason == "connect" && !s.cache.Primed() {
		return s.cache.Prime(ctx)
	}
	return s.cache.load(ctx, reason)
}

// pump routes events to shards until the subscription ends or ctx is done.
// It returns the subscription's error on a drop.
func (s *Subscriber) pump(ctx context.Context, sub bus.Subscription, shards []chan domain.InvalidationEvent) error {
	defer func() { _ = sub.Close() }()
	n := uint64(len(shards))
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.Events():
			if !ok {
				return sub.Err()
			}
			ch := shards[xxhash.Sum64String(ev.TenantID)%n]
			select {
			case ch <- ev:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (s *Subscriber) apply(ctx context.Context, ev domain.InvalidationEvent) {
	err := s.applyPolicy.Do(ctx, func(ctx context.Context) error {
		return s.cache.Apply(ctx, ev)
	}, nil)
	if err != nil && ctx.Err() == nil {
		// Left stale until the next reload.
		s.logger.Error("apply invalidation failed",
			slog.String("tenant_id", ev.TenantID),
			slog.String("kind", string(ev.Kind)),
			slog.String("error", err.Error()),
		)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
