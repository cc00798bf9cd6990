package bus_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/tenantflow/internal/bus"
	"github.com/ramiqadoumi/tenantflow/internal/domain"
)

func TestEncodeDecode(t *testing.T) {
	ev := domain.InvalidationEvent{TenantID: "t1", Kind: domain.EventUpdated, Version: 7}
	data, err := bus.Encode(ev)
	require.NoError(t, err)
	assert.JSONEq(t, `{"tenant_id":"t1","kind":"updated","version":7}`, string(data))

	got, err := bus.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, ev, got)
}

func TestDecode_RejectsMalformed(t *testing.T) {
	for name, raw := range map[string]string{
		"not json":     `{`,
		"no tenant":    `{"kind":"deleted"}`,
		"unknown kind": `{"tenant_id":"t1","kind":"renamed"}`,
	} {
		_, err := bus.Decode([]byte(raw))
		assert.Error(t, err, name)
	}
}

func TestMemory_FanOutInOrder(t *testing.T) {
	b := bus.NewMemory(8)
	ctx := context.Background()

	s1, err := b.Subscribe(ctx)
	require.NoError(t, err)
	s2, err := b.Subscribe(ctx)
	require.NoError(t, err)

	for _, kind := range []domain.EventKind{domain.EventUpdated, domain.EventDeleted} {
		require.NoError(t, b.Publish(ctx, domain.InvalidationEvent{TenantID: "t1", Kind: kind}))
	}

	for _, s := range []bus.Subscription{s1, s2} {
		assert.Equal(t, domain.EventUpdated, (<-s.Events()).Kind)
		assert.Equal(t, domain.EventDeleted, (<-s.Events()).Kind)
	}
}

func TestMemory_DropClosesWithError(t *testing.T) {
	b := bus.NewMemory(1)
	s, err := b.Subscribe(context.Background())
	require.NoError(t, err)

	lost := errors.New("connection reset")
	b.Drop(lost)

	_, open := <-s.Events()
	assert.False(t, open)
	assert.ErrorIs(t, s.Err(), lost)
	assert.Zero(t, b.Subscribers())
}

func TestMemory_CloseSubscriptionIsClean(t *testing.T) {
	b := bus.NewMemory(1)
	s, err := b.Subscribe(context.Background())
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	_, open := <-s.Events()
	assert.False(t, open)
	assert.NoError(t, s.Err())
}

func TestMemory_PublishAfterClose(t *testing.T) {
	b := bus.NewMemory(1)
	require.NoError(t, b.Close())
	err := b.Publish(context.Background(), domain.InvalidationEvent{TenantID: "t1", Kind: domain.EventDeleted})
	assert.ErrorIs(t, err, bus.ErrClosed)
	_, err = b.Subscribe(context.Background())
	assert.ErrorIs(t, err, bus.ErrClosed)
}

func TestMemory_ClosingSubscriberReleasesBlockedPublisher(t *testing.T) {
	for name, end := range map[string]func(*bus.Memory, bus.Subscription){
		"subscription close": func(_ *bus.Memory, s bus.Subscription) { _ = s.Close() },
		"drop":               func(b *bus.Memory, _ bus.Subscription) { b.Drop(errors.New("reset")) },
		"bus close":          func(b *bus.Memory, _ bus.Subscription) { _ = b.Close() },
	} {
		t.Run(name, func(t *testing.T) {
			b := bus.NewMemory(1)
			s, err := b.Subscribe(context.Background())
			require.NoError(t, err)

			ev := domain.InvalidationEvent{TenantID: "t1", Kind: domain.EventDeleted}
			require.NoError(t, b.Publish(context.Background(), ev))

			published := make(chan error, 1)
			go func() { published <- b.Publish(context.Background(), ev) }()

			// Let the publisher block on the full buffer.
			time.Sleep(20 * time.Millisecond)

			ended := make(chan struct{})
			go func() {
				end(b, s)
				close(ended)
			}()
			select {
			case <-ended:
			case <-time.After(2 * time.Second):
				t.Fatal("ending the subscription deadlocked with a blocked publisher")
			}
			select {
			case <-published:
			case <-time.After(2 * time.Second):
				t.Fatal("publisher still blocked after the subscription ended")
			}
			assert.Zero(t, b.Subscribers())
		})
	}
}
