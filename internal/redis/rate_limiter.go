package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RateLimiter allows or denies events using a sliding-window count in Redis.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Limit() int
}

type slidingWindowLimiter struct {
	client *redis.Client
	prefix string
	limit  int
	window time.Duration
}

// NewRateLimiter returns a Redis-backed sliding-window rate limiter shared by
// every process. limit is the maximum number of events allowed per window
// for a given key; window keys are "<prefix>:<key>".
func NewRateLimiter(client *redis.Client, prefix string, limit int, window time.Duration) RateLimiter {
	return &slidingWindowLimiter{client: client, prefix: prefix, limit: limit, window: window}
}

func (r *slidingWindowLimiter) Limit() int { return r.limit }

// allowScript evicts expired timestamps and records the event only when the
// window has room, so denied calls do not extend the penalty.
//
// KEYS[1] window key, ARGV: window start, now, limit, member, ttl ms.
var allowScript = redis.NewScript(`
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if redis.call("ZCARD", KEYS[1]) < tonumber(ARGV[3]) then
	redis.call("ZADD", KEYS[1], ARGV[2], ARGV[4])
	redis.call("PEXPIRE", KEYS[1], ARGV[5])
	return 1
end
return 0
`)

// Allow returns true when the event is within the allowed rate.
func (r *slidingWindowLimiter) Allow(ctx context.Context, key string) (bool, error) {
	if r.limit <= 0 {
		return true, nil
	}
	now := time.Now().UnixNano()
	windowStart := now - r.window.Nanoseconds()

	ok, err := allowScript.Run(ctx, r.client,
		[]string{r.prefix + ":" + key},
		strconv.FormatInt(windowStart, 10),
		strconv.FormatInt(now, 10),
		r.limit,
		uuid.NewString(),
		(r.window * 2).Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("rate limiter for %q: %w", key, err)
	}
	return ok == 1, nil
}
