package tenantd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/ramiqadoumi/tenantflow/internal/bus"
	"github.com/ramiqadoumi/tenantflow/internal/cluster"
	"github.com/ramiqadoumi/tenantflow/internal/domain"
	"github.com/ramiqadoumi/tenantflow/internal/handlers"
	"github.com/ramiqadoumi/tenantflow/internal/kafka"
	"github.com/ramiqadoumi/tenantflow/internal/postgres"
	"github.com/ramiqadoumi/tenantflow/internal/queue"
	redisstore "github.com/ramiqadoumi/tenantflow/internal/redis"
	"github.com/ramiqadoumi/tenantflow/internal/tenantcache"
	"github.com/ramiqadoumi/tenantflow/services/tenantd/config"
)

// JobStore is the durable queue plus the maintenance calls the leader runs.
type JobStore interface {
	queue.Store
	ReclaimExpired(ctx context.Context, lease time.Duration) (int64, error)
	PurgeFinished(ctx context.Context, completedBefore, failedBefore time.Time) (int64, error)
}

// SnapshotStore shares metrics snapshots between processes.
type SnapshotStore interface {
	cluster.SnapshotWriter
	cluster.SnapshotReader
}

// Deps are the external systems tenantd runs against. Optional fields may
// be nil: no Limiter disables scraper throttling, no Snapshots disables
// cluster metrics, no DeadLetters skips DLQ publishing.
type Deps struct {
	Tenants     tenantcache.TenantReader
	Jobs        JobStore
	Bus         bus.Bus
	Limiter     handlers.Limiter
	Snapshots   SnapshotStore
	LeaderLock  cluster.Locker
	DeadLetters queue.DeadLetters
	Send        handlers.SendFunc

	closers []func() error
}

// OnClose registers fn to run on Close, in reverse registration order.
func (d *Deps) OnClose(fn func() error) { d.closers = append(d.closers, fn) }

// Close releases every connection and returns all errors together.
func (d *Deps) Close() error {
	var result *multierror.Error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			result = multierror.Append(result, err)
		}
	}
	d.closers = nil
	return result.ErrorOrNil()
}

// Connect opens the connections cfg asks for. A database that cannot be
// reached is fatal.
func Connect(ctx context.Context, cfg config.Config, instanceID string, logger *slog.Logger) (*Deps, error) {
	d := &Deps{}

	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	pool, err := postgres.NewPool(initCtx, cfg.PostgresDSN)
	cancel()
	if err != nil {
		return nil, domain.Fatal("connect postgres", err)
	}
	d.OnClose(func() error { pool.Close(); return nil })
	d.Tenants = postgres.NewTenantStore(pool)
	d.Jobs = postgres.NewJobStore(pool)

	if cfg.RedisAddr != "" {
		client := redisstore.NewClient(cfg.RedisAddr, cfg.RedisPass)
		d.OnClose(client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = d.Close()
			return nil, domain.Fatal("connect redis", err)
		}
		if cfg.ScraperRateLimit > 0 {
			d.Limiter = redisstore.NewRateLimiter(client, redisstore.Key(cfg.Namespace, "ratelimit", "scraper"),
				cfg.ScraperRateLimit, time.Minute)
		}
		d.Snapshots = redisstore.NewSnapshotStore(client, redisstore.Key(cfg.Namespace, "metrics", "snapshot"))
		if cfg.Cluster.Election == cluster.ElectionRedis {
			d.LeaderLock = redisstore.NewLeaderLock(client, redisstore.Key(cfg.Namespace, "cluster", "leader"),
				instanceID, cfg.Cluster.LeaderTTL)
		}
		if cfg.BusDriver == config.BusRedis {
			d.Bus = redisstore.NewBus(client, cfg.BusChannel, logger)
		}
	}

	var producer kafka.Producer
	if brokers := cfg.Brokers(); len(brokers) > 0 {
		producer = kafka.NewProducer(brokers)
		d.DeadLetters = kafka.NewDeadLetterPublisher(producer, cfg.DLQTopic)
		if cfg.BusDriver == config.BusKafka {
			// The bus owns the producer and closes it.
			d.Bus = kafka.NewBus(brokers, cfg.BusChannel, producer, logger,
				kafka.WithTopicLayout(cfg.BusPartitions, cfg.BusReplication))
		} else {
			d.OnClose(producer.Close)
		}
	}

	if cfg.BusDriver == config.BusMemory {
		d.Bus = bus.NewMemory(256)
	}
	if d.Bus == nil {
		_ = d.Close()
		return nil, domain.Fatal("connect bus", fmt.Errorf("bus driver %q is not configured", cfg.BusDriver))
	}
	d.OnClose(d.Bus.Close)

	return d, nil
}
