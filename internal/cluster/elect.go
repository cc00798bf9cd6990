// Package cluster decides which tenantd process is the leader and runs the
// leader-only metrics aggregation.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Election modes.
const (
	ElectionStatic = "static"
	ElectionRedis  = "redis"
)

// Role is this process's place in the cluster. It is resolved once at
// startup and never changes.
type Role struct {
	Leader     bool
	Processes  int
	Index      int
	InstanceID string
}

// Aggregates reports whether this process should serve cluster-wide metrics.
func (r Role) Aggregates() bool { return r.Leader && r.Processes > 1 }

// ElectionConfig selects how the leader is chosen.
type ElectionConfig struct {
	Mode       string
	Processes  int
	Index      int
	InstanceID string
}

// Locker is a cluster-wide exclusive key with a TTL.
type Locker interface {
	TryAcquire(ctx context.Context) (bool, error)
	Renew(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
	TTL() time.Duration
}

// Elect resolves the role. In static mode process 0 leads. In redis mode the
// process that wins a single acquisition attempt leads; a lost leader is
// not replaced.
func Elect(ctx context.Context, cfg ElectionConfig, lock Locker) (Role, error) {
	if cfg.Processes < 1 {
		return Role{}, fmt.Errorf("cluster processes must be at least 1, got %d", cfg.Processes)
	}
	if cfg.Index < 0 || cfg.Index >= cfg.Processes {
		return Role{}, fmt.Errorf("process index %d out of range [0,%d)", cfg.Index, cfg.Processes)
	}

	role := Role{Processes: cfg.Processes, Index: cfg.Index, InstanceID: cfg.InstanceID}
	switch cfg.Mode {
	case "", ElectionStatic:
		role.Leader = cfg.Index == 0
	case ElectionRedis:
		if lock == nil {
			return Role{}, errors.New("redis election requires a leader lock")
		}
		ok, err := lock.TryAcquire(ctx)
		if err != nil {
			return Role{}, fmt.Errorf("elect leader: %w", err)
		}
		role.Leader = ok
	default:
		return Role{}, fmt.Errorf("unknown election mode %q", cfg.Mode)
	}
	return role, nil
}

// KeepAlive renews lock every third of its TTL until ctx is cancelled, then
// releases it. It stops renewing if ownership is lost.
func KeepAlive(ctx context.Context, lock Locker, logger *slog.Logger) {
	ticker := time.NewTicker(lock.TTL() / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			relCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := lock.Release(relCtx); err != nil {
				logger.Warn("leader release failed", slog.String("error", err.Error()))
			}
			cancel()
			return
		case <-ticker.C:
			ok, err := lock.Renew(ctx)
			if err != nil {
				if ctx.Err() == nil {
					logger.Error("leader renewal", slog.String("error", err.Error()))
				}
				continue
			}
			if !ok {
				logger.Error("leadership lost; cluster metrics will go stale")
				return
			}
		}
	}
}
