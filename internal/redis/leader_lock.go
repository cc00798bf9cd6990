package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// LeaderLock is a single Redis key owned by at most one instance.
type LeaderLock interface {
	// TryAcquire sets the key if nobody holds it.
	TryAcquire(ctx context.Context) (bool, error)
	// Renew extends the TTL only while this instance still owns the key.
	Renew(ctx context.Context) (bool, error)
	// Release deletes the key if this instance owns it.
	Release(ctx context.Context) error
	TTL() time.Duration
}

type leaderLock struct {
	client     *redis.Client
	key        string
	instanceID string
	ttl        time.Duration
}

// NewLeaderLock returns a lock on key held as instanceID for ttl.
func NewLeaderLock(client *redis.Client, key, instanceID string, ttl time.Duration) LeaderLock {
	return &leaderLock{client: client, key: key, instanceID: instanceID, ttl: ttl}
}

var renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

func (l *leaderLock) TTL() time.Duration { return l.ttl }

func (l *leaderLock) TryAcquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.instanceID, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("leader SetNX %s: %w", l.key, err)
	}
	return ok, nil
}

func (l *leaderLock) Renew(ctx context.Context) (bool, error) {
	n, err := renewScript.Run(ctx, l.client, []string{l.key}, l.instanceID, l.ttl.Milliseconds()).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("leader renew %s: %w", l.key, err)
	}
	return n == 1, nil
}

func (l *leaderLock) Release(ctx context.Context) error {
	err := releaseScript.Run(ctx, l.client, []string{l.key}, l.instanceID).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("leader release %s: %w", l.key, err)
	}
	return nil
}
