package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// SnapshotStore shares each process's metrics exposition with the leader.
// Entries expire on their own when a process stops reporting.
type SnapshotStore interface {
	Put(ctx context.Context, instance string, snapshot []byte, ttl time.Duration) error
	// List returns every live snapshot keyed by instance.
	List(ctx context.Context) (map[string][]byte, error)
}

type snapshotStore struct {
	client *redis.Client
	prefix string // includes the trailing ":"
}

// NewSnapshotStore creates a Redis-backed SnapshotStore whose keys are
// "<prefix>:<instance>".
func NewSnapshotStore(client *redis.Client, prefix string) SnapshotStore {
	return &snapshotStore{client: client, prefix: prefix + ":"}
}

func (s *snapshotStore) Put(ctx context.Context, instance string, snapshot []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.prefix+instance, snapshot, ttl).Err(); err != nil {
		return fmt.Errorf("redis set snapshot for %s: %w", instance, err)
	}
	return nil
}

func (s *snapshotStore) List(ctx context.Context) (map[string][]byte, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan snapshots: %w", err)
	}

	out := make(map[string][]byte, len(keys))
	for _, key := range keys {
		data, err := s.client.Get(ctx, key).Bytes()
		if err != nil {
			// Expired between SCAN and GET.
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, fmt.Errorf("redis get snapshot %s: %w", key, err)
		}
		out[strings.TrimPrefix(key, s.prefix)] = data
	}
	return out, nil
}
