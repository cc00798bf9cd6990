package tenantcache

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/tenantflow/internal/domain"
	"github.com/ramiqadoumi/tenantflow/pkg/retry"
)

var fastPrime = WithPrimePolicy(retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond})

func primed(t *testing.T, store *fakeStore) *Cache {
	t.Helper()
	c := New(store, fastPrime)
	require.NoError(t, c.Prime(context.Background()))
	return c
}

func TestPrime_MirrorsStoreExactly(t *testing.T) {
	store := newFakeStore(
		tenant("t1", 1, "a.example"),
		tenant("t2", 4, "b.example", "www.b.example"),
		tenant("t3", 2),
	)
	c := New(store, fastPrime)
	assert.False(t, c.Primed())

	require.NoError(t, c.Prime(context.Background()))
	assert.True(t, c.Primed())
	assert.Equal(t, []string{"t1", "t2", "t3"}, c.IDs())
	assert.Equal(t, 3, c.Len())

	for id, want := range store.tenants {
		got, ok := c.Get(id)
		require.True(t, ok, id)
		assert.Equal(t, want.Version, got.Version)
		assert.Equal(t, want.Name, got.Name)
	}
	_, ok := c.Get("t4")
	assert.False(t, ok)
}

func TestPrime_ReplacesPreviousContents(t *testing.T) {
	store := newFakeStore(tenant("t1", 1, "a.example"))
	c := primed(t, store)

	store.del("t1")
	store.put(tenant("t2", 1, "b.example"))
	require.NoError(t, c.Reconcile(context.Background()))

	assert.Equal(t, []string{"t2"}, c.IDs())
	_, ok := c.GetByHostname("a.example")
	assert.False(t, ok, "hostname of a vanished tenant must not survive a reload")
}

func TestPrime_FailureIsFatal(t *testing.T) {
	store := newFakeStore(tenant("t1", 1))
	store.listErr = []error{errors.New("down"), errors.New("down"), errors.New("down")}
	c := New(store, fastPrime)

	err := c.Prime(context.Background())
	require.Error(t, err)
	assert.True(t, domain.IsFatal(err))
	assert.False(t, c.Primed())
	assert.Zero(t, c.Len(), "failed prime must not leave a partial cache")
	assert.Equal(t, 3, store.listCalls())
}

func TestPrime_RetriesTransientFailure(t *testing.T) {
	store := newFakeStore(tenant("t1", 1))
	store.listErr = []error{errors.New("blip")}
	c := New(store, fastPrime)

	require.NoError(t, c.Prime(context.Background()))
	assert.Equal(t, 1, c.Len())
}

func TestPrime_TimesOut(t *testing.T) {
	store := newFakeStore(tenant("t1", 1))
	store.listHook = func() { time.Sleep(50 * time.Millisecond) }
	c := New(store, fastPrime, WithPrimeTimeout(10*time.Millisecond))

	err := c.Prime(context.Background())
	require.Error(t, err)
	assert.True(t, domain.IsFatal(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReconcile_FailureKeepsCurrentState(t *testing.T) {
	store := newFakeStore(tenant("t1", 1))
	c := primed(t, store)

	store.listErr = []error{errors.New("x"), errors.New("x"), errors.New("x")}
	err := c.Reconcile(context.Background())
	require.Error(t, err)
	assert.False(t, domain.IsFatal(err))
	assert.Equal(t, 1, c.Len())
}

func TestGetByHostname_Normalizes(t *testing.T) {
	c := primed(t, newFakeStore(tenant("t1", 1, "A.Example.")))

	for _, host := range []string{"a.example", "A.EXAMPLE", "a.example:8443", "a.example."} {
		got, ok := c.GetByHostname(host)
		require.True(t, ok, host)
		assert.Equal(t, "t1", got.ID)
	}
	_, ok := c.GetByHostname("unknown.example")
	assert.False(t, ok)
}

func TestLookup_MissIsTenantNotFound(t *testing.T) {
	c := primed(t, newFakeStore(tenant("t1", 1)))

	got, err := c.Lookup("t1")
	require.NoError(t, err)
	assert.Equal(t, "t1", got.ID)

	_, err = c.Lookup("nope")
	var nf *domain.TenantNotFoundError
	require.ErrorAs(t, err, &nf)
	assert.True(t, domain.IsPermanent(err))
}

func TestApply_DeleteScenario(t *testing.T) {
	store := newFakeStore(tenant("t1", 1, "a.example"))
	c := primed(t, store)

	got, ok := c.GetByHostname("a.example")
	require.True(t, ok)
	assert.Equal(t, "t1", got.ID)

	require.NoError(t, c.Apply(context.Background(), domain.InvalidationEvent{TenantID: "t1", Kind: domain.EventDeleted}))

	_, ok = c.GetByHostname("a.example")
	assert.False(t, ok)
	_, ok = c.Get("t1")
	assert.False(t, ok)
}

func TestApply_DeleteIsIdempotent(t *testing.T) {
	store := newFakeStore(tenant("t1", 1, "a.example"), tenant("t2", 1, "b.example"))
	c := primed(t, store)
	ev := domain.InvalidationEvent{TenantID: "t1", Kind: domain.EventDeleted}

	require.NoError(t, c.Apply(context.Background(), ev))
	onceIDs := c.IDs()
	c.mu.RLock()
	onceHosts := fmt.Sprint(c.byHost)
	c.mu.RUnlock()

	require.NoError(t, c.Apply(context.Background(), ev))
	assert.Equal(t, onceIDs, c.IDs())
	c.mu.RLock()
	assert.Equal(t, onceHosts, fmt.Sprint(c.byHost))
	c.mu.RUnlock()
	assert.Empty(t, indexProblems(c))
}

func TestApply_UpdateRederivesHostnames(t *testing.T) {
	store := newFakeStore(tenant("t1", 1, "old.example", "keep.example"))
	c := primed(t, store)

	store.put(tenant("t1", 2, "keep.example", "new.example"))
	require.NoError(t, c.Apply(context.Background(), domain.InvalidationEvent{TenantID: "t1", Kind: domain.EventUpdated}))

	_, ok := c.GetByHostname("old.example")
	assert.False(t, ok)
	for _, h := range []string{"keep.example", "new.example"} {
		got, ok := c.GetByHostname(h)
		require.True(t, ok, h)
		assert.Equal(t, int64(2), got.Version)
	}
	assert.Empty(t, indexProblems(c))
}

func TestApply_UpdateAddsNewTenant(t *testing.T) {
	store := newFakeStore()
	c := primed(t, store)

	store.put(tenant("t9", 1, "nine.example"))
	require.NoError(t, c.Apply(context.Background(), domain.InvalidationEvent{TenantID: "t9", Kind: domain.EventUpdated}))

	got, ok := c.GetByHostname("nine.example")
	require.True(t, ok)
	assert.Equal(t, "t9", got.ID)
}

func TestApply_StaleFetchIgnored(t *testing.T) {
	store := newFakeStore(tenant("t1", 5, "a.example"))
	c := primed(t, store)

	// A lagging replica hands back an older record.
	store.put(tenant("t1", 3, "stale.example"))
	require.NoError(t, c.Apply(context.Background(), domain.InvalidationEvent{TenantID: "t1", Kind: domain.EventUpdated}))

	got, ok := c.Get("t1")
	require.True(t, ok)
	assert.Equal(t, int64(5), got.Version)
	_, ok = c.GetByHostname("stale.example")
	assert.False(t, ok)
}

func TestApply_EventVersionAlreadyCachedSkipsFetch(t *testing.T) {
	store := newFakeStore(tenant("t1", 5))
	c := primed(t, store)

	require.NoError(t, c.Apply(context.Background(), domain.InvalidationEvent{TenantID: "t1", Kind: domain.EventUpdated, Version: 5}))
	assert.Zero(t, store.getCalls())

	require.NoError(t, c.Apply(context.Background(), domain.InvalidationEvent{TenantID: "t1", Kind: domain.EventUpdated, Version: 6}))
	assert.Equal(t, 1, store.getCalls())
}

func TestApply_UpdateForVanishedTenantDeletes(t *testing.T) {
	store := newFakeStore(tenant("t1", 1, "a.example"))
	c := primed(t, store)

	store.del("t1")
	require.NoError(t, c.Apply(context.Background(), domain.InvalidationEvent{TenantID: "t1", Kind: domain.EventUpdated}))

	_, ok := c.Get("t1")
	assert.False(t, ok)
	_, ok = c.GetByHostname("a.example")
	assert.False(t, ok)
}

func TestApply_FetchErrorKeepsEntry(t *testing.T) {
	store := newFakeStore(tenant("t1", 1, "a.example"))
	c := primed(t, store)

	store.getErr = errors.New("connection refused")
	err := c.Apply(context.Background(), domain.InvalidationEvent{TenantID: "t1", Kind: domain.EventUpdated})
	require.Error(t, err)

	_, ok := c.Get("t1")
	assert.True(t, ok, "a connectivity failure is not a deletion")
}

func TestApply_UnknownKind(t *testing.T) {
	c := primed(t, newFakeStore())
	err := c.Apply(context.Background(), domain.InvalidationEvent{TenantID: "t1", Kind: "renamed"})
	assert.Error(t, err)
}

func TestApply_SharedHostnameHandOver(t *testing.T) {
	store := newFakeStore(tenant("t1", 1, "shared.example"), tenant("t2", 1, "b.example"))
	c := primed(t, store)

	// t2 takes over shared.example, then t1 is deleted.
	store.put(tenant("t2", 2, "b.example", "shared.example"))
	require.NoError(t, c.Apply(context.Background(), domain.InvalidationEvent{TenantID: "t2", Kind: domain.EventUpdated}))
	require.NoError(t, c.Apply(context.Background(), domain.InvalidationEvent{TenantID: "t1", Kind: domain.EventDeleted}))

	got, ok := c.GetByHostname("shared.example")
	require.True(t, ok)
	assert.Equal(t, "t2", got.ID)
	assert.Empty(t, indexProblems(c))
}

func TestApply_SharedHostnameReleaseFallsBack(t *testing.T) {
	store := newFakeStore(tenant("t1", 1, "a.example"), tenant("t2", 1, "b.example"))
	c := primed(t, store)

	// Both now list shared.example; the lower ID owns it.
	store.put(tenant("t1", 2, "a.example", "shared.example"))
	require.NoError(t, c.Apply(context.Background(), domain.InvalidationEvent{TenantID: "t1", Kind: domain.EventUpdated}))
	store.put(tenant("t2", 2, "b.example", "shared.example"))
	require.NoError(t, c.Apply(context.Background(), domain.InvalidationEvent{TenantID: "t2", Kind: domain.EventUpdated}))

	got, ok := c.GetByHostname("shared.example")
	require.True(t, ok)
	assert.Equal(t, "t1", got.ID)

	// t1 lets go; t2 still claims it.
	store.put(tenant("t1", 3, "a.example"))
	require.NoError(t, c.Apply(context.Background(), domain.InvalidationEvent{TenantID: "t1", Kind: domain.EventUpdated}))

	got, ok = c.GetByHostname("shared.example")
	require.True(t, ok)
	assert.Equal(t, "t2", got.ID)
	assert.Empty(t, indexProblems(c))
}

// Applying any sequence of events in delivery order, each published after
// its store write, leaves the cache identical to a fresh load of the store.
func TestApply_EventSequencesConverge(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	ids := []string{"t1", "t2", "t3"}
	hosts := []string{"a.example", "b.example", "c.example", "d.example"}

	for round := 0; round < 50; round++ {
		store := newFakeStore(tenant("t1", 1, "a.example"), tenant("t2", 1, "b.example"), tenant("t3", 1, "a.example"))
		c := primed(t, store)
		version := int64(1)

		for step := 0; step < 20; step++ {
			id := ids[rng.Intn(len(ids))]
			var ev domain.InvalidationEvent
			if rng.Intn(3) == 0 {
				store.del(id)
				ev = domain.InvalidationEvent{TenantID: id, Kind: domain.EventDeleted}
			} else {
				version++
				store.put(tenant(id, version, hosts[rng.Intn(len(hosts))], hosts[rng.Intn(len(hosts))]))
				ev = domain.InvalidationEvent{TenantID: id, Kind: domain.EventUpdated, Version: version}
			}
			require.NoError(t, c.Apply(context.Background(), ev))
			require.Empty(t, indexProblems(c), "round %d step %d", round, step)
		}

		fresh := primed(t, store)
		assert.Equal(t, fresh.IDs(), c.IDs(), "round %d", round)
		for _, id := range ids {
			want, wantOK := fresh.Get(id)
			got, ok := c.Get(id)
			require.Equal(t, wantOK, ok, "round %d: presence of %s", round, id)
			if ok {
				assert.Equal(t, want.Version, got.Version, "round %d: %s", round, id)
			}
		}
		for _, h := range hosts {
			want, wantOK := fresh.GetByHostname(h)
			got, ok := c.GetByHostname(h)
			require.Equal(t, wantOK, ok, "round %d: presence of %s", round, h)
			if ok {
				assert.Equal(t, want.ID, got.ID, "round %d: owner of %s", round, h)
			}
		}
	}
}

func TestReconcile_DoesNotResurrectConcurrentDelete(t *testing.T) {
	store := newFakeStore(tenant("t1", 1, "a.example"), tenant("t2", 1))
	c := primed(t, store)

	// The delete lands after the list snapshot but before the swap.
	store.listHook = func() {
		store.del("t1")
		require.NoError(t, c.Apply(context.Background(), domain.InvalidationEvent{TenantID: "t1", Kind: domain.EventDeleted}))
	}
	require.NoError(t, c.Reconcile(context.Background()))

	_, ok := c.Get("t1")
	assert.False(t, ok)
	_, ok = c.GetByHostname("a.example")
	assert.False(t, ok)
	assert.Equal(t, []string{"t2"}, c.IDs())
}

func TestReconcile_KeepsNewerConcurrentUpdate(t *testing.T) {
	store := newFakeStore(tenant("t1", 1, "a.example"))
	c := primed(t, store)

	store.listHook = func() {
		store.put(tenant("t1", 2, "new.example"))
		require.NoError(t, c.Apply(context.Background(), domain.InvalidationEvent{TenantID: "t1", Kind: domain.EventUpdated}))
	}
	require.NoError(t, c.Reconcile(context.Background()))

	got, ok := c.Get("t1")
	require.True(t, ok)
	assert.Equal(t, int64(2), got.Version)
	_, ok = c.GetByHostname("new.example")
	assert.True(t, ok)
}

func TestCache_ConcurrentReadsDuringApply(t *testing.T) {
	store := newFakeStore(tenant("t1", 1, "a.example"))
	c := primed(t, store)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				// Either the whole tenant or nothing; never a host without its tenant.
				if got, ok := c.GetByHostname("a.example"); ok {
					assert.Equal(t, "t1", got.ID)
				}
			}
		}()
	}

	for i := 0; i < 200; i++ {
		if i%2 == 0 {
			require.NoError(t, c.Apply(ctx, domain.InvalidationEvent{TenantID: "t1", Kind: domain.EventDeleted}))
		} else {
			store.put(tenant("t1", int64(i), "a.example"))
			require.NoError(t, c.Apply(ctx, domain.InvalidationEvent{TenantID: "t1", Kind: domain.EventUpdated}))
		}
	}
	cancel()
	wg.Wait()
	assert.Empty(t, indexProblems(c))
}
