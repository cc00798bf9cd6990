package handlers

import (
	"context"
	"sort"
	"sync"

	"github.com/ramiqadoumi/tenantflow/internal/domain"
)

// Handler executes jobs of one queue on behalf of a resolved tenant.
// It returns an optional JSON result stored on the job. Errors wrapped with
// domain.Permanent are never retried; any other error is.
type Handler interface {
	Handle(ctx context.Context, job *domain.Job, tenant *domain.Tenant) ([]byte, error)
	Queue() string
}

// Registry maps queue names to their handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler. Safe to call concurrently.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.Queue()] = h
}

// Get returns the handler for the given queue.
// Returns InvalidQueueError if not registered.
func (r *Registry) Get(queue string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[queue]
	if !ok {
		return nil, &domain.InvalidQueueError{Queue: queue}
	}
	return h, nil
}

// Queues lists the registered queue names in order.
func (r *Registry) Queues() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for q := range r.handlers {
		out = append(out, q)
	}
	sort.Strings(out)
	return out
}
