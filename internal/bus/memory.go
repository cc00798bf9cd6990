package bus

import (
	"context"
	"sync"

	"github.com/ramiqadoumi/tenantflow/internal/domain"
)

// Memory is an in-process Bus. Publish fans out to every live subscription
// in publish order. It backs single-process deployments (bus_driver=memory)
// and tests.
type Memory struct {
	// pubMu keeps fan-out order identical for every subscriber. It is never
	// taken by Close or Drop, so a blocked publisher cannot stall them.
	pubMu sync.Mutex

	mu     sync.Mutex
	subs   map[*memorySub]struct{}
	closed bool
	buffer int
}

// NewMemory returns an in-process bus whose subscriptions buffer up to
// buffer events before Publish blocks.
func NewMemory(buffer int) *Memory {
	if buffer <= 0 {
		buffer = 64
	}
	return &Memory{subs: make(map[*memorySub]struct{}), buffer: buffer}
}

// Publish blocks while a subscriber's buffer is full, until the event fits,
// the subscription ends or ctx is done.
func (m *Memory) Publish(ctx context.Context, ev domain.InvalidationEvent) error {
	if err := Validate(ev); err != nil {
		return err
	}
	m.pubMu.Lock()
	defer m.pubMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	subs := make([]*memorySub, 0, len(m.subs))
	for s := range m.subs {
		subs = append(subs, s)
	}
	m.mu.Unlock()

	for _, s := range subs {
		if err := s.deliver(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) Subscribe(_ context.Context) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	s := &memorySub{
		bus:    m,
		events: make(chan domain.InvalidationEvent, m.buffer),
		done:   make(chan struct{}),
	}
	m.subs[s] = struct{}{}
	return s, nil
}

// Drop severs every live subscription with err, as a lost connection would.
func (m *Memory) Drop(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for s := range m.subs {
		delete(m.subs, s)
		s.finish(err)
	}
}

// Subscribers returns the number of live subscriptions.
func (m *Memory) Subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for s := range m.subs {
		delete(m.subs, s)
		s.finish(ErrClosed)
	}
	return nil
}

type memorySub struct {
	bus    *Memory
	events chan domain.InvalidationEvent
	done   chan struct{}
	once   sync.Once

	// sendMu is held shared while delivering and exclusively while closing
	// events, so a send never hits a closed channel.
	sendMu sync.RWMutex
	err    error
}

func (s *memorySub) deliver(ctx context.Context, ev domain.InvalidationEvent) error {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	select {
	case <-s.done:
		return nil
	default:
	}
	select {
	case s.events <- ev:
		return nil
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// finish ends the subscription once; later calls are no-ops.
func (s *memorySub) finish(err error) {
	s.once.Do(func() {
		close(s.done)
		s.sendMu.Lock()
		s.err = err
		close(s.events)
		s.sendMu.Unlock()
	})
}

func (s *memorySub) Events() <-chan domain.InvalidationEvent { return s.events }

func (s *memorySub) Err() error {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	return s.err
}

func (s *memorySub) Close() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	s.finish(nil)
	return nil
}
