// Package bus defines the invalidation channel contract shared by the Redis
// and Kafka transports and the tenant cache subscriber.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ramiqadoumi/tenantflow/internal/domain"
)

// ErrClosed is returned by Publish and Subscribe after Close.
var ErrClosed = errors.New("bus closed")

// Subscription delivers invalidation events until it is closed or its
// connection drops. Events is closed in both cases; Err tells them apart.
type Subscription interface {
	Events() <-chan domain.InvalidationEvent
	// Err returns the reason Events was closed, or nil after Close.
	Err() error
	Close() error
}

// Bus publishes and subscribes to tenant invalidation events.
type Bus interface {
	Publish(ctx context.Context, ev domain.InvalidationEvent) error
	Subscribe(ctx context.Context) (Subscription, error)
	Close() error
}

// Encode serialises ev for the wire.
func Encode(ev domain.InvalidationEvent) ([]byte, error) {
	if err := Validate(ev); err != nil {
		return nil, err
	}
	return json.Marshal(ev)
}

// Decode parses a wire message and rejects malformed events.
func Decode(data []byte) (domain.InvalidationEvent, error) {
	var ev domain.InvalidationEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, fmt.Errorf("decode invalidation event: %w", err)
	}
	return ev, Validate(ev)
}

// Validate checks that ev names a tenant and a known kind.
func Validate(ev domain.InvalidationEvent) error {
	if ev.TenantID == "" {
		return errors.New("invalidation event: empty tenant id")
	}
	if !ev.Kind.Valid() {
		return fmt.Errorf("invalidation event: unknown kind %q", ev.Kind)
	}
	return nil
}
