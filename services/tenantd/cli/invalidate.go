package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ramiqadoumi/tenantflow/internal/bus"
	"github.com/ramiqadoumi/tenantflow/internal/kafka"
	redisstore "github.com/ramiqadoumi/tenantflow/internal/redis"
	"github.com/ramiqadoumi/tenantflow/internal/tenantcache"
	"github.com/ramiqadoumi/tenantflow/services/tenantd/config"
)

var invalidateCmd = &cobra.Command{
	Use:   "invalidate",
	Short: "Tell every tenantd process that a tenant changed",
	Long: `Publish an invalidation event on the configured bus.

Run this after writing a tenant record so every process refreshes its cache.`,
	RunE: runInvalidate,
}

func init() {
	invalidateCmd.Flags().String("tenant", "", "tenant ID")
	invalidateCmd.Flags().Bool("deleted", false, "the tenant was deleted")
	invalidateCmd.Flags().Int64("version", 0, "store version after the write (optional)")
	_ = invalidateCmd.MarkFlagRequired("tenant")
}

func runInvalidate(cmd *cobra.Command, _ []string) error {
	tenantID, _ := cmd.Flags().GetString("tenant")
	deleted, _ := cmd.Flags().GetBool("deleted")
	ver, _ := cmd.Flags().GetInt64("version")

	b, err := openBus(config.Load(viper.GetViper()))
	if err != nil {
		return err
	}
	defer func() { _ = b.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	n := tenantcache.NewNotifier(b)
	if deleted {
		err = n.TenantDeleted(ctx, tenantID)
	} else {
		err = n.TenantUpdated(ctx, tenantID, ver)
	}
	if err != nil {
		return fmt.Errorf("publish invalidation: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "invalidated %s\n", tenantID)
	return nil
}

// openBus connects a publish-only bus for the configured driver.
func openBus(cfg config.Config) (bus.Bus, error) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	switch cfg.BusDriver {
	case config.BusRedis:
		if cfg.RedisAddr == "" {
			return nil, errors.New("bus_driver redis needs redis_addr")
		}
		client := redisstore.NewClient(cfg.RedisAddr, cfg.RedisPass)
		return &closingBus{Bus: redisstore.NewBus(client, cfg.BusChannel, logger), close: client.Close}, nil
	case config.BusKafka:
		brokers := cfg.Brokers()
		if len(brokers) == 0 {
			return nil, errors.New("bus_driver kafka needs kafka_brokers")
		}
		// One-shot publish: a batch will never fill.
		producer := kafka.NewProducer(brokers, kafka.WithBatchTimeout(time.Millisecond))
		return kafka.NewBus(brokers, cfg.BusChannel, producer, logger), nil
	case config.BusMemory:
		return nil, errors.New("the memory bus does not reach other processes")
	default:
		return nil, fmt.Errorf("unknown bus_driver %q", cfg.BusDriver)
	}
}

// closingBus also closes the client the bus was built on.
type closingBus struct {
	bus.Bus
	close func() error
}

func (c *closingBus) Close() error {
	err := c.Bus.Close()
	if cerr := c.close(); err == nil {
		err = cerr
	}
	return err
}
