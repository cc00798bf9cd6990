package tenantcache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/tenantflow/internal/bus"
	"github.com/ramiqadoumi/tenantflow/internal/domain"
	"github.com/ramiqadoumi/tenantflow/pkg/retry"
)

// flakyBus fails the first n Subscribe calls.
type flakyBus struct {
	*bus.Memory
	mu    sync.Mutex
	fails int
	calls int
}

func (f *flakyBus) Subscribe(ctx context.Context) (bus.Subscription, error) {
	f.mu.Lock()
	f.calls++
	if f.fails > 0 {
		f.fails--
		f.mu.Unlock()
		return nil, errors.New("connection refused")
	}
	f.mu.Unlock()
	return f.Memory.Subscribe(ctx)
}

func (f *flakyBus) subscribeCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

var fastBackoff = WithReconnectBackoff(retry.Policy{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond})

// startSubscriber runs s until the test ends and waits for it to connect.
func startSubscriber(t *testing.T, s *Subscriber) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, s.Connected, 2*time.Second, time.Millisecond)

	var once sync.Once
	stop = func() {
		once.Do(func() {
			cancel()
			select {
			case err := <-done:
				assert.NoError(t, err)
			case <-time.After(2 * time.Second):
				t.Error("subscriber did not stop")
			}
		})
	}
	t.Cleanup(stop)
	return stop
}

func TestSubscriber_AppliesPublishedEvents(t *testing.T) {
	store := newFakeStore(tenant("t1", 1, "a.example"))
	c := primed(t, store)
	b := bus.NewMemory(16)
	startSubscriber(t, NewSubscriber(c, b, fastBackoff))

	require.NoError(t, NewNotifier(b).TenantDeleted(context.Background(), "t1"))

	assert.Eventually(t, func() bool {
		_, ok := c.GetByHostname("a.example")
		return !ok
	}, 2*time.Second, time.Millisecond)
	_, ok := c.Get("t1")
	assert.False(t, ok)
}

func TestSubscriber_FirstConnectReloadsAfterStartupPrime(t *testing.T) {
	store := newFakeStore(tenant("t1", 1))
	c := primed(t, store)
	require.Equal(t, 1, store.listCalls())

	// Written between the startup prime and the subscription: no event seen.
	store.put(tenant("t2", 1))
	startSubscriber(t, NewSubscriber(c, bus.NewMemory(4), fastBackoff))

	assert.Equal(t, 2, store.listCalls())
	_, ok := c.Get("t2")
	assert.True(t, ok)
}

func TestSubscriber_PrimesUnprimedCache(t *testing.T) {
	store := newFakeStore(tenant("t1", 1))
	c := New(store, fastPrime)
	startSubscriber(t, NewSubscriber(c, bus.NewMemory(4), fastBackoff))

	assert.True(t, c.Primed())
	assert.Equal(t, 1, c.Len())
}

func TestSubscriber_ReprimesAfterDroppedSubscription(t *testing.T) {
	store := newFakeStore(tenant("t1", 1, "a.example"), tenant("t2", 1))
	c := primed(t, store)
	b := bus.NewMemory(16)
	s := NewSubscriber(c, b, fastBackoff)
	startSubscriber(t, s)
	listsBefore := store.listCalls()

	// A delete whose event is lost with the connection.
	store.del("t1")
	b.Drop(errors.New("read: connection reset by peer"))

	assert.Eventually(t, func() bool {
		return store.listCalls() > listsBefore && s.Connected()
	}, 2*time.Second, time.Millisecond)

	_, ok := c.Get("t1")
	assert.False(t, ok, "reload after reconnect must recover the missed delete")
	_, ok = c.GetByHostname("a.example")
	assert.False(t, ok)
	assert.Equal(t, 1, b.Subscribers())
}

func TestSubscriber_RetriesSubscribeWithBackoff(t *testing.T) {
	store := newFakeStore(tenant("t1", 1))
	c := primed(t, store)
	b := &flakyBus{Memory: bus.NewMemory(4), fails: 3}
	startSubscriber(t, NewSubscriber(c, b, fastBackoff))

	assert.Equal(t, 4, b.subscribeCalls())
}

func TestSubscriber_FailedReloadResubscribes(t *testing.T) {
	store := newFakeStore(tenant("t1", 1))
	c := primed(t, store)
	store.listErr = []error{errors.New("x"), errors.New("x"), errors.New("x")}
	b := bus.NewMemory(4)
	startSubscriber(t, NewSubscriber(c, b, fastBackoff))

	assert.Equal(t, 1, b.Subscribers(), "the subscription from the failed attempt must be closed")
	assert.Equal(t, 1, c.Len())
}

func TestSubscriber_PreservesPerTenantOrder(t *testing.T) {
	store := newFakeStore()
	for _, id := range []string{"t1", "t2", "t3"} {
		store.put(tenant(id, 1, id+".example"))
	}
	c := primed(t, store)
	b := bus.NewMemory(1024)
	startSubscriber(t, NewSubscriber(c, b, fastBackoff, WithShards(4)))
	ctx := context.Background()

	// Alternate update/delete many times; the last event per tenant is a
	// delete, so with in-order application every tenant ends up absent.
	for i := 0; i < 50; i++ {
		for _, id := range []string{"t1", "t2", "t3"} {
			require.NoError(t, b.Publish(ctx, domain.InvalidationEvent{TenantID: id, Kind: domain.EventUpdated}))
			require.NoError(t, b.Publish(ctx, domain.InvalidationEvent{TenantID: id, Kind: domain.EventDeleted}))
		}
	}

	assert.Eventually(t, func() bool { return c.Len() == 0 }, 2*time.Second, time.Millisecond)
}

func TestSubscriber_StopClosesSubscription(t *testing.T) {
	c := primed(t, newFakeStore())
	b := bus.NewMemory(4)
	s := NewSubscriber(c, b, fastBackoff)
	stop := startSubscriber(t, s)
	require.Equal(t, 1, b.Subscribers())

	stop()
	assert.Zero(t, b.Subscribers())
	assert.False(t, s.Connected())
}

func TestNotifier_PublishesEvents(t *testing.T) {
	b := bus.NewMemory(4)
	sub, err := b.Subscribe(context.Background())
	require.NoError(t, err)
	n := NewNotifier(b)

	require.NoError(t, n.TenantUpdated(context.Background(), "t1", 3))
	require.NoError(t, n.TenantDeleted(context.Background(), "t2"))

	assert.Equal(t, domain.InvalidationEvent{TenantID: "t1", Kind: domain.EventUpdated, Version: 3}, <-sub.Events())
	assert.Equal(t, domain.InvalidationEvent{TenantID: "t2", Kind: domain.EventDeleted}, <-sub.Events())
}
