package handlers_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/tenantflow/internal/domain"
	"github.com/ramiqadoumi/tenantflow/internal/handlers"
)

// stub is a minimal Handler implementation for registry tests.
type stub struct{ queue string }

func (s *stub) Queue() string { return s.queue }
func (s *stub) Handle(context.Context, *domain.Job, *domain.Tenant) ([]byte, error) {
	return nil, nil
}

func TestRegistry_Get_KnownQueue(t *testing.T) {
	reg := handlers.NewRegistry()
	reg.Register(&stub{queue: domain.QueueMailer})

	h, err := reg.Get(domain.QueueMailer)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueMailer, h.Queue())
}

func TestRegistry_Get_UnknownQueue(t *testing.T) {
	reg := handlers.NewRegistry()

	_, err := reg.Get("sms")
	require.Error(t, err)

	var invalid *domain.InvalidQueueError
	assert.True(t, errors.As(err, &invalid), "expected InvalidQueueError, got %T", err)
	assert.Equal(t, "sms", invalid.Queue)
	assert.True(t, domain.IsPermanent(err))
}

func TestRegistry_Queues(t *testing.T) {
	reg := handlers.NewRegistry()
	reg.Register(&stub{queue: domain.QueueScraper})
	reg.Register(&stub{queue: domain.QueueMailer})
	reg.Register(&stub{queue: domain.QueueMailer})

	assert.Equal(t, []string{domain.QueueMailer, domain.QueueScraper}, reg.Queues())
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	reg := handlers.NewRegistry()
	reg.Register(&stub{queue: domain.QueueMailer})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); reg.Register(&stub{queue: domain.QueueScraper}) }()
		go func() { defer wg.Done(); _, _ = reg.Get(domain.QueueMailer) }()
	}
	wg.Wait()
}
