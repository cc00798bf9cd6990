package tenantcache

import (
	"context"
	"sync"

	"github.com/ramiqadoumi/tenantflow/internal/domain"
)

// ── mocks ─────────────────────────────────────────────────────────────────────

type fakeStore struct {
	mu      sync.Mutex
	tenants map[string]*domain.Tenant
	listErr []error // consumed one per ListAll call
	getErr  error
	lists   int
	gets    int
	// listHook, if set, runs inside ListAll after the snapshot is taken.
	listHook func()
}

func newFakeStore(tenants ...*domain.Tenant) *fakeStore {
	s := &fakeStore{tenants: make(map[string]*domain.Tenant)}
	for _, t := range tenants {
		s.put(t)
	}
	return s
}

func (s *fakeStore) put(t *domain.Tenant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	cp.Hostnames = append([]string(nil), t.Hostnames...)
	s.tenants[t.ID] = &cp
}

func (s *fakeStore) del(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tenants, id)
}

func (s *fakeStore) ListAll(ctx context.Context) ([]*domain.Tenant, error) {
	s.mu.Lock()
	s.lists++
	if len(s.listErr) > 0 {
		err := s.listErr[0]
		s.listErr = s.listErr[1:]
		s.mu.Unlock()
		return nil, err
	}
	out := make([]*domain.Tenant, 0, len(s.tenants))
	for _, t := range s.tenants {
		cp := *t
		out = append(out, &cp)
	}
	hook := s.listHook
	s.mu.Unlock()

	if hook != nil {
		hook()
	}
	return out, ctx.Err()
}

func (s *fakeStore) GetByID(_ context.Context, id string) (*domain.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	if s.getErr != nil {
		return nil, s.getErr
	}
	t, ok := s.tenants[id]
	if !ok {
		return nil, &domain.TenantNotFoundError{TenantID: id}
	}
	cp := *t
	return &cp, nil
}

func (s *fakeStore) listCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lists
}

func (s *fakeStore) getCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gets
}

func tenant(id string, version int64, hosts ...string) *domain.Tenant {
	return &domain.Tenant{ID: id, Name: "tenant " + id, Hostnames: hosts, Version: version}
}

// indexProblems checks that no hostname entry dangles and every
// cached hostname is indexed.
func indexProblems(c *Cache) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var problems []string
	for h, id := range c.byHost {
		t, ok := c.byID[id]
		if !ok {
			problems = append(problems, "dangling host "+h+" -> "+id)
			continue
		}
		found := false
		for _, th := range t.Hostnames {
			if th == h {
				found = true
			}
		}
		if !found {
			problems = append(problems, "host "+h+" not listed by "+id)
		}
	}
	return problems
}
