package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// Bus drivers.
const (
	BusRedis  = "redis"
	BusKafka  = "kafka"
	BusMemory = "memory"
)

// kafkaTopic is the character set Kafka accepts in topic names.
var kafkaTopic = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,249}$`)

// QueueConfig overrides the defaults of one queue.
type QueueConfig struct {
	Concurrency int
	MaxAttempts int
	Timeout     time.Duration
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// ClusterConfig holds the coordinator settings.
type ClusterConfig struct {
	Processes        int
	ProcessIndex     int
	Election         string
	LeaderTTL        time.Duration
	SnapshotInterval time.Duration
	MetricsAddr      string
	MetricsUser      string
	MetricsPassword  string
}

// Config holds typed configuration for tenantd.
type Config struct {
	LogLevel     string
	PostgresDSN  string
	RedisAddr    string
	RedisPass    string
	KafkaBrokers string
	MetricsAddr  string
	OTelEndpoint string

	// OTelSampleRatio is the fraction of root spans kept.
	OTelSampleRatio float64

	// Namespace prefixes every Redis key so deployments can share a server.
	Namespace string

	BusDriver      string
	BusChannel     string
	BusPartitions  int
	BusReplication int

	PrimeTimeout time.Duration
	FetchTimeout time.Duration
	Shards       int

	PollInterval time.Duration
	Lease        time.Duration
	StoreTimeout time.Duration
	DLQTopic     string
	Mailer       QueueConfig
	Scraper      QueueConfig

	SMTPHost     string
	SMTPPort     int
	SMTPFrom     string
	SMTPUsername string
	SMTPPassword string

	ScraperRateLimit    int
	ScraperUserAgent    string
	ScraperMaxBodyBytes int64

	ReconcileSchedule string
	PurgeSchedule     string
	ReclaimSchedule   string
	KeepCompleted     time.Duration
	KeepFailed        time.Duration

	Cluster ClusterConfig
}

// SetDefaults registers defaults for keys that have no command-line flag.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("otel_sample_ratio", 1.0)
	v.SetDefault("namespace", "tenantflow")
	v.SetDefault("bus_channel", "tenantflow:tenants")
	v.SetDefault("bus_partitions", 6)
	v.SetDefault("bus_replication", 1)
	v.SetDefault("prime_timeout", 30*time.Second)
	v.SetDefault("fetch_timeout", 5*time.Second)
	v.SetDefault("shards", 8)
	v.SetDefault("poll_interval", time.Second)
	v.SetDefault("lease", 5*time.Minute)
	v.SetDefault("store_timeout", 10*time.Second)
	v.SetDefault("dlq_topic", "jobs.dlq")

	v.SetDefault("queues.mailer.concurrency", 5)
	v.SetDefault("queues.mailer.max_attempts", 5)
	v.SetDefault("queues.mailer.timeout", 30*time.Second)
	v.SetDefault("queues.mailer.base_delay", 30*time.Second)
	v.SetDefault("queues.mailer.max_delay", time.Hour)
	v.SetDefault("queues.scraper.concurrency", 2)
	v.SetDefault("queues.scraper.max_attempts", 3)
	v.SetDefault("queues.scraper.timeout", time.Minute)
	v.SetDefault("queues.scraper.base_delay", time.Minute)
	v.SetDefault("queues.scraper.max_delay", time.Hour)

	v.SetDefault("smtp_port", 1025)
	v.SetDefault("scraper_rate_limit", 60)
	v.SetDefault("scraper_user_agent", "tenantflow-scraper/1.0")
	v.SetDefault("scraper_max_body_bytes", 2<<20)

	v.SetDefault("reconcile_schedule", "@every 10m")
	v.SetDefault("purge_schedule", "@every 1h")
	v.SetDefault("reclaim_schedule", "@every 1m")
	v.SetDefault("keep_completed", 24*time.Hour)
	v.SetDefault("keep_failed", 168*time.Hour)

	v.SetDefault("cluster.processes", 1)
	v.SetDefault("cluster.process_index", 0)
	v.SetDefault("cluster.election", "static")
	v.SetDefault("cluster.leader_ttl", 30*time.Second)
	v.SetDefault("cluster.snapshot_interval", 15*time.Second)
	v.SetDefault("cluster.metrics_addr", ":9999")
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:     v.GetString("log_level"),
		PostgresDSN:  v.GetString("postgres_dsn"),
		RedisAddr:    v.GetString("redis_addr"),
		RedisPass:    v.GetString("redis_password"),
		KafkaBrokers: v.GetString("kafka_brokers"),
		MetricsAddr:  v.GetString("metrics_addr"),
		OTelEndpoint: v.GetString("otel_endpoint"),

		OTelSampleRatio: v.GetFloat64("otel_sample_ratio"),

		Namespace: v.GetString("namespace"),

		BusDriver:      v.GetString("bus_driver"),
		BusChannel:     v.GetString("bus_channel"),
		BusPartitions:  v.GetInt("bus_partitions"),
		BusReplication: v.GetInt("bus_replication"),

		PrimeTimeout: v.GetDuration("prime_timeout"),
		FetchTimeout: v.GetDuration("fetch_timeout"),
		Shards:       v.GetInt("shards"),

		PollInterval: v.GetDuration("poll_interval"),
		Lease:        v.GetDuration("lease"),
		StoreTimeout: v.GetDuration("store_timeout"),
		DLQTopic:     v.GetString("dlq_topic"),
		Mailer:       loadQueue(v, "mailer"),
		Scraper:      loadQueue(v, "scraper"),

		SMTPHost:     v.GetString("smtp_host"),
		SMTPPort:     v.GetInt("smtp_port"),
		SMTPFrom:     v.GetString("smtp_from"),
		SMTPUsername: v.GetString("smtp_username"),
		SMTPPassword: v.GetString("smtp_password"),

		ScraperRateLimit:    v.GetInt("scraper_rate_limit"),
		ScraperUserAgent:    v.GetString("scraper_user_agent"),
		ScraperMaxBodyBytes: v.GetInt64("scraper_max_body_bytes"),

		ReconcileSchedule: v.GetString("reconcile_schedule"),
		PurgeSchedule:     v.GetString("purge_schedule"),
		ReclaimSchedule:   v.GetString("reclaim_schedule"),
		KeepCompleted:     v.GetDuration("keep_completed"),
		KeepFailed:        v.GetDuration("keep_failed"),

		Cluster: ClusterConfig{
			Processes:        v.GetInt("cluster.processes"),
			ProcessIndex:     v.GetInt("cluster.process_index"),
			Election:         v.GetString("cluster.election"),
			LeaderTTL:        v.GetDuration("cluster.leader_ttl"),
			SnapshotInterval: v.GetDuration("cluster.snapshot_interval"),
			MetricsAddr:      v.GetString("cluster.metrics_addr"),
			MetricsUser:      v.GetString("cluster.metrics_user"),
			MetricsPassword:  v.GetString("cluster.metrics_password"),
		},
	}
}

func loadQueue(v *viper.Viper, name string) QueueConfig {
	prefix := "queues." + name + "."
	return QueueConfig{
		Concurrency: v.GetInt(prefix + "concurrency"),
		MaxAttempts: v.GetInt(prefix + "max_attempts"),
		Timeout:     v.GetDuration(prefix + "timeout"),
		BaseDelay:   v.GetDuration(prefix + "base_delay"),
		MaxDelay:    v.GetDuration(prefix + "max_delay"),
	}
}

// Brokers splits KafkaBrokers; nil when unset.
func (c Config) Brokers() []string {
	if strings.TrimSpace(c.KafkaBrokers) == "" {
		return nil
	}
	var out []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var result *multierror.Error
	add := func(format string, args ...any) {
		result = multierror.Append(result, fmt.Errorf(format, args...))
	}

	if c.PostgresDSN == "" {
		add("postgres_dsn is required")
	}
	if c.OTelSampleRatio < 0 || c.OTelSampleRatio > 1 {
		add("otel_sample_ratio must be within [0, 1], got %v", c.OTelSampleRatio)
	}

	switch c.BusDriver {
	case BusRedis:
		if c.RedisAddr == "" {
			add("bus_driver redis needs redis_addr")
		}
	case BusKafka:
		if len(c.Brokers()) == 0 {
			add("bus_driver kafka needs kafka_brokers")
		}
		if !kafkaTopic.MatchString(c.BusChannel) {
			add("bus_channel %q is not a valid kafka topic name", c.BusChannel)
		}
		if c.BusPartitions <= 0 || c.BusReplication <= 0 {
			add("bus_partitions and bus_replication must be positive")
		}
	case BusMemory:
		if c.Cluster.Processes > 1 {
			add("bus_driver memory cannot reach %d processes", c.Cluster.Processes)
		}
	default:
		add("unknown bus_driver %q (want redis, kafka or memory)", c.BusDriver)
	}
	if c.BusChannel == "" {
		add("bus_channel is required")
	}
	if c.Namespace == "" {
		add("namespace is required")
	}

	if c.PrimeTimeout <= 0 || c.FetchTimeout <= 0 {
		add("prime_timeout and fetch_timeout must be positive")
	}
	if c.Shards <= 0 {
		add("shards must be positive, got %d", c.Shards)
	}
	if c.PollInterval <= 0 || c.Lease <= 0 || c.StoreTimeout <= 0 {
		add("poll_interval, lease and store_timeout must be positive")
	}

	for name, q := range map[string]QueueConfig{"mailer": c.Mailer, "scraper": c.Scraper} {
		if q.Concurrency <= 0 || q.MaxAttempts <= 0 || q.Timeout <= 0 {
			add("queues.%s: concurrency, max_attempts and timeout must be positive", name)
		}
		// The final store write must land before the lease can be reclaimed.
		if q.Timeout+c.StoreTimeout >= c.Lease {
			add("queues.%s: timeout %s plus store_timeout %s must be shorter than lease %s",
				name, q.Timeout, c.StoreTimeout, c.Lease)
		}
	}

	for key, expr := range map[string]string{
		"reconcile_schedule": c.ReconcileSchedule,
		"purge_schedule":     c.PurgeSchedule,
		"reclaim_schedule":   c.ReclaimSchedule,
	} {
		if expr == "" {
			continue
		}
		if _, err := cron.ParseStandard(expr); err != nil {
			add("%s %q: %v", key, expr, err)
		}
	}

	cl := c.Cluster
	if cl.Processes < 1 {
		add("cluster.processes must be at least 1")
	} else if cl.ProcessIndex < 0 || cl.ProcessIndex >= cl.Processes {
		add("cluster.process_index %d out of range for %d processes", cl.ProcessIndex, cl.Processes)
	}
	switch cl.Election {
	case "static":
	case "redis":
		if c.RedisAddr == "" {
			add("cluster.election redis needs redis_addr")
		}
		if cl.LeaderTTL < time.Second {
			add("cluster.leader_ttl must be at least 1s")
		}
	default:
		add("unknown cluster.election %q", cl.Election)
	}
	if cl.Processes > 1 {
		if c.RedisAddr == "" {
			add("metrics aggregation across %d processes needs redis_addr", cl.Processes)
		}
		if cl.SnapshotInterval <= 0 {
			add("cluster.snapshot_interval must be positive")
		}
	}
	if (cl.MetricsUser == "") != (cl.MetricsPassword == "") {
		add("cluster.metrics_user and cluster.metrics_password must be set together")
	}

	return result.ErrorOrNil()
}
