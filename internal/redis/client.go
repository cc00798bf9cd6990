package redis

import (
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key joins parts under namespace with ":" so deployments sharing one Redis
// never see each other's keys.
func Key(namespace string, parts ...string) string {
	return namespace + ":" + strings.Join(parts, ":")
}

// NewClient creates and returns a new Redis client.
func NewClient(addr, password string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
		PoolSize:     10,
	})
}
