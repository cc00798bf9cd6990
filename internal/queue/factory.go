// Package queue builds named durable job queues and runs their consumer
// loops with bounded concurrency and retry bookkeeping.
package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/ramiqadoumi/tenantflow/internal/domain"
	"github.com/ramiqadoumi/tenantflow/internal/handlers"
	"github.com/ramiqadoumi/tenantflow/pkg/retry"
)

// Store is the durable queue the harness drives. Claim must be exclusive
// across every process sharing the store.
type Store interface {
	Enqueue(ctx context.Context, job *domain.Job) error
	Claim(ctx context.Context, queue, workerID string) (*domain.Job, error)
	// attempt is the claimed job's Attempts; it fences writes from a claim
	// whose lease was reclaimed.
	Complete(ctx context.Context, id string, attempt int, result []byte) error
	Retry(ctx context.Context, id string, attempt int, runAt time.Time, lastErr string) error
	Fail(ctx context.Context, id string, attempt int, lastErr string) error
}

// TenantResolver resolves a job's tenant without I/O. A miss must be a
// *domain.TenantNotFoundError.
type TenantResolver interface {
	Lookup(id string) (*domain.Tenant, error)
}

// DeadLetters receives permanently failed jobs.
type DeadLetters interface {
	PublishFailed(ctx context.Context, job *domain.Job, cause error) error
}

// Definition describes one queue.
type Definition struct {
	Name string
	// Concurrency is the most jobs this process runs at once for the queue.
	Concurrency int
	// Policy.MaxAttempts is stamped on each enqueued job; Policy.Delay sets
	// the wait before a failed attempt is retried.
	Policy  retry.Policy
	Timeout time.Duration
	Handler handlers.Handler
}

func (d Definition) validate() error {
	switch {
	case d.Name == "":
		return errors.New("queue definition: empty name")
	case d.Concurrency <= 0:
		return fmt.Errorf("queue %s: concurrency must be positive, got %d", d.Name, d.Concurrency)
	case d.Policy.MaxAttempts <= 0:
		return fmt.Errorf("queue %s: max attempts must be positive, got %d", d.Name, d.Policy.MaxAttempts)
	case d.Timeout <= 0:
		return fmt.Errorf("queue %s: timeout must be positive", d.Name)
	case d.Handler == nil:
		return fmt.Errorf("queue %s: no handler", d.Name)
	}
	return nil
}

// DefaultDefinitions returns the mailer and scraper queues with their
// standard limits. Callers may override fields before building.
func DefaultDefinitions(mailer, scraper handlers.Handler) []Definition {
	return []Definition{
		{
			Name:        domain.QueueMailer,
			Concurrency: 5,
			Policy:      retry.Policy{MaxAttempts: 5, BaseDelay: 30 * time.Second, MaxDelay: time.Hour, Jitter: 0.2},
			Timeout:     30 * time.Second,
			Handler:     mailer,
		},
		{
			Name:        domain.QueueScraper,
			Concurrency: 2,
			Policy:      retry.Policy{MaxAttempts: 3, BaseDelay: time.Minute, MaxDelay: time.Hour, Jitter: 0.2},
			Timeout:     time.Minute,
			Handler:     scraper,
		},
	}
}

// Factory builds queues that share one store, tenant resolver and worker
// identity.
type Factory struct {
	store        Store
	tenants      TenantResolver
	dlq          DeadLetters
	workerID     string
	pollInterval time.Duration
	storeTimeout time.Duration
	logger       *slog.Logger

	mu     sync.Mutex
	queues map[string]*Queue
}

// FactoryOption configures a Factory.
type FactoryOption func(*Factory)

// WithLogger sets the structured logger shared by every built queue.
func WithLogger(l *slog.Logger) FactoryOption { return func(f *Factory) { f.logger = l } }

// WithWorkerID sets the claimed_by value recorded on claimed jobs.
func WithWorkerID(id string) FactoryOption { return func(f *Factory) { f.workerID = id } }

// WithPollInterval sets how long an idle consumer waits before claiming again.
func WithPollInterval(d time.Duration) FactoryOption { return func(f *Factory) { f.pollInterval = d } }

// WithDeadLetters routes permanently failed jobs to d.
func WithDeadLetters(d DeadLetters) FactoryOption { return func(f *Factory) { f.dlq = d } }

// WithStoreTimeout bounds each Complete, Retry or Fail write.
func WithStoreTimeout(d time.Duration) FactoryOption { return func(f *Factory) { f.storeTimeout = d } }

// NewFactory returns a factory over store. tenants is normally the primed
// tenant cache.
func NewFactory(store Store, tenants TenantResolver, opts ...FactoryOption) *Factory {
	f := &Factory{
		store:        store,
		tenants:      tenants,
		workerID:     "worker-" + uuid.NewString()[:8],
		pollInterval: time.Second,
		storeTimeout: 10 * time.Second,
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		queues:       make(map[string]*Queue),
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Build creates the queue for def. Names are unique per factory.
func (f *Factory) Build(def Definition) (*Queue, error) {
	if err := def.validate(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, dup := f.queues[def.Name]; dup {
		return nil, fmt.Errorf("queue %s already built", def.Name)
	}

	q := &Queue{
		def:          def,
		store:        f.store,
		tenants:      f.tenants,
		dlq:          f.dlq,
		workerID:     f.workerID,
		pollInterval: f.pollInterval,
		storeTimeout: f.storeTimeout,
		logger:       f.logger.With(slog.String("queue", def.Name)),
		sem:          semaphore.NewWeighted(int64(def.Concurrency)),
		wake:         make(chan struct{}, 1),
	}
	f.queues[def.Name] = q
	return q, nil
}

// Get returns a built queue by name.
func (f *Factory) Get(name string) (*Queue, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.queues[name]
	return q, ok
}

// Queues returns every built queue ordered by name.
func (f *Factory) Queues() []*Queue {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Queue, 0, len(f.queues))
	for _, q := range f.queues {
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}
