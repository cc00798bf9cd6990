package tenantcache

import (
	"context"

	"github.com/ramiqadoumi/tenantflow/internal/bus"
	"github.com/ramiqadoumi/tenantflow/internal/domain"
)

// Notifier is the publishing side for tenant writers: after a successful
// write to the tenant store they must announce it here, or every cache
// stays stale until its next reload.
type Notifier struct {
	bus bus.Bus
}

// NewNotifier publishes on b.
func NewNotifier(b bus.Bus) *Notifier {
	return &Notifier{bus: b}
}

// TenantUpdated announces that id now has the given store version. Zero
// means unknown and always triggers a refetch.
func (n *Notifier) TenantUpdated(ctx context.Context, id string, version int64) error {
	return n.bus.Publish(ctx, domain.InvalidationEvent{TenantID: id, Kind: domain.EventUpdated, Version: version})
}

// TenantDeleted announces that id was removed from the store.
func (n *Notifier) TenantDeleted(ctx context.Context, id string) error {
	return n.bus.Publish(ctx, domain.InvalidationEvent{TenantID: id, Kind: domain.EventDeleted})
}
