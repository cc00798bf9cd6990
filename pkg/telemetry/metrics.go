package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── Tenant cache ────────────────────────────────────────────────────────────

	CacheTenants = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "tenantflow",
		Subsystem: "cache",
		Name:      "tenants",
		Help:      "Tenant records currently held in the in-process cache.",
	})

	CacheInvalidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tenantflow",
		Subsystem: "cache",
		Name:      "invalidations_total",
		Help:      "Invalidation events applied, labelled by kind (updated, deleted, stale).",
	}, []string{"kind"})

	CachePrimes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tenantflow",
		Subsystem: "cache",
		Name:      "primes_total",
		Help:      "Full cache primes, labelled by reason (startup, reconnect, reconcile).",
	}, []string{"reason"})

	BusReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tenantflow",
		Subsystem: "bus",
		Name:      "reconnects_total",
		Help:      "Invalidation bus resubscriptions after a dropped subscription.",
	})

	KafkaPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tenantflow",
		Subsystem: "kafka",
		Name:      "published_total",
		Help:      "Kafka writes by topic and result (ok or error).",
	}, []string{"topic", "result"})

	// ─── Queues ──────────────────────────────────────────────────────────────────

	QueueJobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tenantflow",
		Subsystem: "queue",
		Name:      "jobs_processed_total",
		Help:      "Job attempts finished, labelled by queue and outcome (completed, retried, failed, superseded).",
	}, []string{"queue", "status"})

	QueueJobsInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tenantflow",
		Subsystem: "queue",
		Name:      "jobs_inflight",
		Help:      "Jobs currently being executed by this process.",
	}, []string{"queue"})

	QueueJobDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "tenantflow",
		Subsystem: "queue",
		Name:      "job_duration_seconds",
		Help:      "Handler execution time in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"queue"})

	QueueRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tenantflow",
		Subsystem: "queue",
		Name:      "retries_total",
		Help:      "Jobs rescheduled after a retryable failure.",
	}, []string{"queue"})

	QueueDLQ = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tenantflow",
		Subsystem: "queue",
		Name:      "dlq_total",
		Help:      "Permanently failed jobs forwarded to the dead-letter topic.",
	}, []string{"queue"})

	QueueReclaimed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tenantflow",
		Subsystem: "queue",
		Name:      "reclaimed_total",
		Help:      "Active jobs whose lease expired and were returned to pending or failed.",
	})

	QueuePurged = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tenantflow",
		Subsystem: "queue",
		Name:      "purged_total",
		Help:      "Finished jobs deleted after their retention period.",
	})

	// ─── Scraper ─────────────────────────────────────────────────────────────────

	ScraperRateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tenantflow",
		Subsystem: "scraper",
		Name:      "rate_limited_total",
		Help:      "Scrape attempts deferred by the per-tenant rate limiter.",
	})

	// ─── Cluster ─────────────────────────────────────────────────────────────────

	ClusterSnapshotsReported = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tenantflow",
		Subsystem: "cluster",
		Name:      "snapshots_reported_total",
		Help:      "Metric snapshots pushed to the shared store, labelled by result.",
	}, []string{"result"})

	ClusterAggregations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tenantflow",
		Subsystem: "cluster",
		Name:      "aggregations_total",
		Help:      "Aggregated metrics requests served by the leader, labelled by result.",
	}, []string{"result"})
)
