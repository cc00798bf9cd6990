// Package tenantcache keeps an in-process mirror of every tenant record,
// indexed by ID and by hostname, consistent with the tenant store through
// invalidation events.
package tenantcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ramiqadoumi/tenantflow/internal/domain"
	"github.com/ramiqadoumi/tenantflow/pkg/retry"
	"github.com/ramiqadoumi/tenantflow/pkg/telemetry"
)

// TenantReader is the read-only store contract the cache needs.
type TenantReader interface {
	ListAll(ctx context.Context) ([]*domain.Tenant, error)
	GetByID(ctx context.Context, id string) (*domain.Tenant, error)
}

// Cache maps tenant IDs and hostnames to tenant records. Lookups never do
// I/O. Maps are mutated only by Prime/Reconcile and Apply, always under the
// write lock, so readers see either the state before or after a change.
//
// Invariant: every byHost value is a key of byID, and a hostname listed by
// several tenants maps to the lowest of their IDs.
type Cache struct {
	store        TenantReader
	logger       *slog.Logger
	primeTimeout time.Duration
	fetchTimeout time.Duration
	primePolicy  retry.Policy

	primeMu sync.Mutex // serialises full loads

	mu     sync.RWMutex
	byID   map[string]*domain.Tenant
	byHost map[string]string
	// touched records IDs changed by Apply while a full load is running, so
	// the load does not overwrite newer state with its older snapshot.
	touched map[string]struct{}

	primed atomic.Bool
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option { return func(c *Cache) { c.logger = l } }

// WithPrimeTimeout bounds a full load, retries included.
func WithPrimeTimeout(d time.Duration) Option { return func(c *Cache) { c.primeTimeout = d } }

// WithFetchTimeout bounds a single-record fetch triggered by an event.
func WithFetchTimeout(d time.Duration) Option { return func(c *Cache) { c.fetchTimeout = d } }

// WithPrimePolicy sets the retry policy used inside the prime timeout.
func WithPrimePolicy(p retry.Policy) Option { return func(c *Cache) { c.primePolicy = p } }

// New returns an empty cache over store. Call Prime before serving lookups.
func New(store TenantReader, opts ...Option) *Cache {
	c := &Cache{
		store:        store,
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		primeTimeout: 30 * time.Second,
		fetchTimeout: 5 * time.Second,
		primePolicy:  retry.Policy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, Jitter: 0.2},
		byID:         make(map[string]*domain.Tenant),
		byHost:       make(map[string]string),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Prime loads every tenant from the store and swaps both maps in at once.
// A failure is fatal to startup: the process must not serve with an empty
// cache that looks like "no tenants".
func (c *Cache) Prime(ctx context.Context) error {
	return domain.Fatal("prime tenant cache", c.load(ctx, "startup"))
}

// Reconcile reloads every tenant to bound staleness after missed events.
// Unlike Prime its failure leaves the current maps in place.
func (c *Cache) Reconcile(ctx context.Context) error {
	return c.load(ctx, "reconcile")
}

func (c *Cache) load(ctx context.Context, reason string) error {
	c.primeMu.Lock()
	defer c.primeMu.Unlock()

	c.mu.Lock()
	c.touched = make(map[string]struct{})
	c.mu.Unlock()

	start := time.Now()
	loadCtx, cancel := context.WithTimeout(ctx, c.primeTimeout)
	defer cancel()

	var tenants []*domain.Tenant
	err := c.primePolicy.Do(loadCtx, func(ctx context.Context) error {
		var err error
		tenants, err = c.store.ListAll(ctx)
		return err
	}, func(attempt int, err error, wait time.Duration) {
		c.logger.Warn("tenant list failed, retrying",
			slog.String("reason", reason),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", wait),
			slog.String("error", err.Error()),
		)
	})
	if err != nil {
		c.mu.Lock()
		c.touched = nil
		c.mu.Unlock()
		return fmt.Errorf("list tenants: %w", err)
	}

	byID := make(map[string]*domain.Tenant, len(tenants))
	for _, t := range tenants {
		byID[t.ID] = normalized(t)
	}

	c.mu.Lock()
	for id := range c.touched {
		cur, present := c.byID[id]
		if !present {
			delete(byID, id)
			continue
		}
		if listed, ok := byID[id]; !ok || cur.Version >= listed.Version {
			byID[id] = cur
		}
	}
	c.byID = byID
	c.byHost = hostIndex(byID)
	c.touched = nil
	n := len(byID)
	c.mu.Unlock()

	c.primed.Store(true)
	telemetry.CachePrimes.WithLabelValues(reason).Inc()
	telemetry.CacheTenants.Set(float64(n))
	c.logger.Info("tenant cache loaded",
		slog.String("reason", reason),
		slog.Int("tenants", n),
		slog.Duration("took", time.Since(start)),
	)
	return nil
}

// Get returns the cached tenant for id. A miss is (nil, false), never I/O.
// The returned record is shared and must not be modified.
func (c *Cache) Get(id string) (*domain.Tenant, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.byID[id]
	return t, ok
}

// GetByHostname resolves a request host (port and case are ignored).
func (c *Cache) GetByHostname(host string) (*domain.Tenant, bool) {
	host = domain.NormalizeHostname(host)
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.byHost[host]
	if !ok {
		return nil, false
	}
	t, ok := c.byID[id]
	return t, ok
}

// Lookup is Get for callers that want an error on a miss.
func (c *Cache) Lookup(id string) (*domain.Tenant, error) {
	if t, ok := c.Get(id); ok {
		return t, nil
	}
	return nil, &domain.TenantNotFoundError{TenantID: id}
}

// Len returns the number of cached tenants.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byID)
}

// IDs returns the cached tenant IDs in sorted order.
func (c *Cache) IDs() []string {
	c.mu.RLock()
	ids := make([]string, 0, len(c.byID))
	for id := range c.byID {
		ids = append(ids, id)
	}
	c.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Primed reports whether at least one full load has succeeded.
func (c *Cache) Primed() bool { return c.primed.Load() }

// Apply handles one invalidation event. Deletes are local; updates refetch
// the record, bounded by the fetch timeout. Applying an event twice has the
// same effect as applying it once.
func (c *Cache) Apply(ctx context.Context, ev domain.InvalidationEvent) error {
	switch ev.Kind {
	case domain.EventDeleted:
		c.remove(ev.TenantID)
		telemetry.CacheInvalidations.WithLabelValues(string(ev.Kind)).Inc()
		return nil

	case domain.EventUpdated:
		if ev.Version > 0 {
			if cur, ok := c.Get(ev.TenantID); ok && cur.Version >= ev.Version {
				telemetry.CacheInvalidations.WithLabelValues("stale").Inc()
				return nil
			}
		}

		fetchCtx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
		t, err := c.store.GetByID(fetchCtx, ev.TenantID)
		cancel()
		if err != nil {
			var notFound *domain.TenantNotFoundError
			if errors.As(err, &notFound) {
				c.remove(ev.TenantID)
				telemetry.CacheInvalidations.WithLabelValues(string(domain.EventDeleted)).Inc()
				return nil
			}
			return fmt.Errorf("fetch tenant %s: %w", ev.TenantID, err)
		}
		if c.install(t) {
			telemetry.CacheInvalidations.WithLabelValues(string(ev.Kind)).Inc()
		} else {
			telemetry.CacheInvalidations.WithLabelValues("stale").Inc()
		}
		return nil

	default:
		return fmt.Errorf("apply invalidation for %s: unknown kind %q", ev.TenantID, ev.Kind)
	}
}

// install replaces the entry for t unless the cached copy is newer, and
// reports whether it did.
func (c *Cache) install(t *domain.Tenant) bool {
	t = normalized(t)

	c.mu.Lock()
	defer c.mu.Unlock()

	cur, ok := c.byID[t.ID]
	if ok && cur.Version > t.Version {
		return false
	}
	affected := t.Hostnames
	if ok {
		affected = append(append([]string(nil), cur.Hostnames...), t.Hostnames...)
	}
	c.byID[t.ID] = t
	c.reindexLocked(affected)
	c.markLocked(t.ID)
	telemetry.CacheTenants.Set(float64(len(c.byID)))
	return true
}

func (c *Cache) remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cur, ok := c.byID[id]; ok {
		delete(c.byID, id)
		c.reindexLocked(cur.Hostnames)
	}
	c.markLocked(id)
	telemetry.CacheTenants.Set(float64(len(c.byID)))
}

// reindexLocked re-derives the owner of each host from every cached tenant
// that claims it, using the same lowest-ID rule as hostIndex.
func (c *Cache) reindexLocked(hosts []string) {
	if len(hosts) == 0 {
		return
	}
	owner := make(map[string]string, len(hosts))
	for _, h := range hosts {
		owner[h] = ""
	}
	for id, t := range c.byID {
		for _, h := range t.Hostnames {
			if cur, want := owner[h]; want && (cur == "" || id < cur) {
				owner[h] = id
			}
		}
	}
	for h, id := range owner {
		if id == "" {
			delete(c.byHost, h)
		} else {
			c.byHost[h] = id
		}
	}
}

func (c *Cache) markLocked(id string) {
	if c.touched != nil {
		c.touched[id] = struct{}{}
	}
}

// hostIndex derives the hostname map. IDs are walked in order so a hostname
// claimed by two tenants resolves the same way in every process.
func hostIndex(byID map[string]*domain.Tenant) map[string]string {
	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	byHost := make(map[string]string, len(byID))
	for _, id := range ids {
		for _, h := range byID[id].Hostnames {
			if _, taken := byHost[h]; !taken {
				byHost[h] = id
			}
		}
	}
	return byHost
}

// normalized returns a copy of t with cleaned, de-duplicated hostnames.
func normalized(t *domain.Tenant) *domain.Tenant {
	cp := *t
	cp.Hostnames = make([]string, 0, len(t.Hostnames))
	seen := make(map[string]struct{}, len(t.Hostnames))
	for _, h := range t.Hostnames {
		h = domain.NormalizeHostname(h)
		if h == "" {
			continue
		}
		if _, dup := seen[h]; dup {
			continue
		}
		seen[h] = struct{}{}
		cp.Hostnames = append(cp.Hostnames, h)
	}
	return &cp
}
