// Package tenantd wires the tenant cache, job queues and cluster duties into
// one process.
package tenantd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/ramiqadoumi/tenantflow/internal/cluster"
	"github.com/ramiqadoumi/tenantflow/internal/domain"
	"github.com/ramiqadoumi/tenantflow/internal/handlers"
	"github.com/ramiqadoumi/tenantflow/internal/lifecycle"
	"github.com/ramiqadoumi/tenantflow/internal/queue"
	"github.com/ramiqadoumi/tenantflow/internal/tenantcache"
	"github.com/ramiqadoumi/tenantflow/internal/version"
	"github.com/ramiqadoumi/tenantflow/pkg/retry"
	"github.com/ramiqadoumi/tenantflow/pkg/telemetry"
	"github.com/ramiqadoumi/tenantflow/services/tenantd/config"
)

// maintenanceTimeout bounds one run of a periodic duty.
const maintenanceTimeout = time.Minute

// App is one tenantd process.
type App struct {
	cfg      config.Config
	deps     *Deps
	instance string
	logger   *slog.Logger

	lc      *lifecycle.Machine
	cache   *tenantcache.Cache
	factory *queue.Factory
	role    cluster.Role
}

// New returns an App over connected deps. Nothing starts until Run.
func New(cfg config.Config, deps *Deps, instanceID string, logger *slog.Logger) *App {
	return &App{
		cfg:      cfg,
		deps:     deps,
		instance: instanceID,
		logger:   logger,
		lc:       lifecycle.New(),
		cache: tenantcache.New(deps.Tenants,
			tenantcache.WithLogger(logger),
			tenantcache.WithPrimeTimeout(cfg.PrimeTimeout),
			tenantcache.WithFetchTimeout(cfg.FetchTimeout),
		),
	}
}

// Lifecycle exposes the startup phase, which drives /readyz.
func (a *App) Lifecycle() *lifecycle.Machine { return a.lc }

// Cache returns the process's tenant cache.
func (a *App) Cache() *tenantcache.Cache { return a.cache }

// Role is the elected cluster role; zero until Run has elected.
func (a *App) Role() cluster.Role { return a.role }

// Queue returns a queue once Run has built it.
func (a *App) Queue(name string) (*queue.Queue, bool) {
	if a.factory == nil {
		return nil, false
	}
	return a.factory.Get(name)
}

// Run primes the cache, starts every consumer and blocks until ctx is
// cancelled. In-flight jobs are drained before it returns. Startup failures
// are *domain.FatalError.
func (a *App) Run(ctx context.Context) error {
	// Connect also guards against a second Run; priming happens inside it.
	if err := a.lc.Connect(); err != nil {
		return domain.Fatal("start tenantd", err)
	}
	// Stops anything already started when startup fails part way.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.logger.Info("tenantd starting",
		version.Get().LogAttr(),
		slog.String("instance_id", a.instance),
		slog.String("bus_driver", a.cfg.BusDriver),
	)

	if err := a.cache.Prime(ctx); err != nil {
		return err
	}
	a.logger.Info("tenant cache primed", slog.Int("tenants", a.cache.Len()))

	role, err := cluster.Elect(ctx, cluster.ElectionConfig{
		Mode:       a.cfg.Cluster.Election,
		Processes:  a.cfg.Cluster.Processes,
		Index:      a.cfg.Cluster.ProcessIndex,
		InstanceID: a.instance,
	}, a.deps.LeaderLock)
	if err != nil {
		return domain.Fatal("elect leader", err)
	}
	a.role = role

	if err := a.buildQueues(); err != nil {
		return domain.Fatal("build queues", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	if a.cfg.MetricsAddr != "" {
		telemetry.StartMetricsServer(gctx, a.cfg.MetricsAddr, a.lc.Ready, a.logger)
	}

	sub := tenantcache.NewSubscriber(a.cache, a.deps.Bus,
		tenantcache.WithSubscriberLogger(a.logger),
		tenantcache.WithShards(a.cfg.Shards),
	)
	g.Go(func() error { return sub.Run(gctx) })

	for _, q := range a.factory.Queues() {
		if err := q.Process(gctx); err != nil {
			return domain.Fatal("process queue "+q.Name(), err)
		}
	}
	if err := a.lc.Process(); err != nil {
		return domain.Fatal("start tenantd", err)
	}

	sched, err := a.schedule(gctx)
	if err != nil {
		return domain.Fatal("schedule duties", err)
	}
	sched.Start()

	a.startCluster(gctx, g)

	if err := a.lc.Start(); err != nil {
		return domain.Fatal("start tenantd", err)
	}
	a.logger.Info("tenantd started",
		slog.Bool("leader", role.Leader),
		slog.Int("process_index", role.Index),
		slog.Int("processes", role.Processes),
	)

	<-gctx.Done()
	a.logger.Info("shutting down, draining in-flight jobs...")
	runErr := g.Wait()
	<-sched.Stop().Done()
	for _, q := range a.factory.Queues() {
		q.Wait()
	}
	_ = a.lc.Stop()
	a.logger.Info("stopped cleanly")
	return runErr
}

func (a *App) buildQueues() error {
	mailer := handlers.NewMailer(handlers.MailerConfig{
		Host:     a.cfg.SMTPHost,
		Port:     a.cfg.SMTPPort,
		From:     a.cfg.SMTPFrom,
		Username: a.cfg.SMTPUsername,
		Password: a.cfg.SMTPPassword,
	}, a.deps.Send)
	scraper := handlers.NewScraper(handlers.ScraperConfig{
		UserAgent:    a.cfg.ScraperUserAgent,
		MaxBodyBytes: a.cfg.ScraperMaxBodyBytes,
		Timeout:      a.cfg.Scraper.Timeout,
	}, a.deps.Limiter)

	opts := []queue.FactoryOption{
		queue.WithLogger(a.logger),
		queue.WithWorkerID(a.instance),
		queue.WithPollInterval(a.cfg.PollInterval),
		queue.WithStoreTimeout(a.cfg.StoreTimeout),
	}
	if a.deps.DeadLetters != nil {
		opts = append(opts, queue.WithDeadLetters(a.deps.DeadLetters))
	}
	a.factory = queue.NewFactory(a.deps.Jobs, a.cache, opts...)

	registry := handlers.NewRegistry()
	registry.Register(mailer)
	registry.Register(scraper)

	for _, def := range queue.DefaultDefinitions(nil, nil) {
		h, err := registry.Get(def.Name)
		if err != nil {
			return err
		}
		def.Handler = h
		switch def.Name {
		case domain.QueueMailer:
			def = override(def, a.cfg.Mailer)
		case domain.QueueScraper:
			def = override(def, a.cfg.Scraper)
		}
		if _, err := a.factory.Build(def); err != nil {
			return err
		}
	}
	return nil
}

func override(def queue.Definition, qc config.QueueConfig) queue.Definition {
	if qc.Concurrency > 0 {
		def.Concurrency = qc.Concurrency
	}
	if qc.MaxAttempts > 0 {
		def.Policy.MaxAttempts = qc.MaxAttempts
	}
	if qc.Timeout > 0 {
		def.Timeout = qc.Timeout
	}
	if qc.BaseDelay > 0 {
		def.Policy.BaseDelay = qc.BaseDelay
	}
	if qc.MaxDelay > 0 {
		def.Policy.MaxDelay = qc.MaxDelay
	}
	return def
}

// schedule registers the periodic duties. Reconciliation runs everywhere;
// purge and lease reclaim only on the leader.
func (a *App) schedule(ctx context.Context) (*cron.Cron, error) {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))

	add := func(name, expr string, fn func(context.Context) error) error {
		if expr == "" {
			return nil
		}
		_, err := c.AddFunc(expr, func() {
			runCtx, cancel := context.WithTimeout(ctx, maintenanceTimeout)
			defer cancel()
			if err := fn(runCtx); err != nil && ctx.Err() == nil {
				a.logger.Error("duty failed", slog.String("duty", name), slog.String("error", err.Error()))
			}
		})
		if err != nil {
			return fmt.Errorf("%s schedule %q: %w", name, expr, err)
		}
		return nil
	}

	if err := add("reconcile", a.cfg.ReconcileSchedule, a.reconcile); err != nil {
		return nil, err
	}
	if a.role.Leader {
		if err := add("purge", a.cfg.PurgeSchedule, a.purge); err != nil {
			return nil, err
		}
		if err := add("reclaim", a.cfg.ReclaimSchedule, a.reclaim); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (a *App) reconcile(ctx context.Context) error {
	return a.cache.Reconcile(ctx)
}

func (a *App) purge(ctx context.Context) error {
	now := time.Now()
	n, err := a.deps.Jobs.PurgeFinished(ctx, now.Add(-a.cfg.KeepCompleted), now.Add(-a.cfg.KeepFailed))
	if err != nil {
		return err
	}
	telemetry.QueuePurged.Add(float64(n))
	if n > 0 {
		a.logger.Info("purged finished jobs", slog.Int64("count", n))
	}
	return nil
}

func (a *App) reclaim(ctx context.Context) error {
	n, err := a.deps.Jobs.ReclaimExpired(ctx, a.cfg.Lease)
	if err != nil {
		return err
	}
	telemetry.QueueReclaimed.Add(float64(n))
	if n > 0 {
		a.logger.Warn("reclaimed jobs with expired leases", slog.Int64("count", n))
	}
	return nil
}

// startCluster runs the leader lock keep-alive and, across several
// processes, the snapshot reporter and the leader's aggregated endpoint.
// None of it can stop the cache or the queues.
func (a *App) startCluster(ctx context.Context, g *errgroup.Group) {
	if a.role.Leader && a.deps.LeaderLock != nil {
		g.Go(func() error {
			cluster.KeepAlive(ctx, a.deps.LeaderLock, a.logger)
			return nil
		})
	}
	if a.role.Processes <= 1 || a.deps.Snapshots == nil {
		return
	}

	reporter := cluster.NewReporter(a.deps.Snapshots, a.instance, a.cfg.Cluster.SnapshotInterval,
		cluster.WithReporterLogger(a.logger))
	g.Go(func() error {
		reporter.Run(ctx)
		return nil
	})

	if !a.role.Aggregates() {
		return
	}
	srvCfg := cluster.ServerConfig{
		Addr:     a.cfg.Cluster.MetricsAddr,
		Username: a.cfg.Cluster.MetricsUser,
		Password: a.cfg.Cluster.MetricsPassword,
	}
	agg := cluster.NewAggregator(a.deps.Snapshots)
	g.Go(func() error {
		if err := cluster.Serve(ctx, srvCfg, agg, a.logger); err != nil {
			a.logger.Error("cluster metrics server stopped", slog.String("error", err.Error()))
		}
		return nil
	})
}

// QueuePolicy returns the effective retry policy of a queue under cfg.
func QueuePolicy(cfg config.Config, name string) (retry.Policy, bool) {
	for _, def := range queue.DefaultDefinitions(nil, nil) {
		switch {
		case def.Name != name:
			continue
		case name == domain.QueueMailer:
			return override(def, cfg.Mailer).Policy, true
		default:
			return override(def, cfg.Scraper).Policy, true
		}
	}
	return retry.Policy{}, false
}
