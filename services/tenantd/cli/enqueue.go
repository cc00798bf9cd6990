package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ramiqadoumi/tenantflow/internal/domain"
	"github.com/ramiqadoumi/tenantflow/internal/postgres"
	"github.com/ramiqadoumi/tenantflow/services/tenantd"
	"github.com/ramiqadoumi/tenantflow/services/tenantd/config"
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Add a job to a queue",
	Example: `  tenantd enqueue --queue mailer --tenant t1 --payload '{"to":"a@example.com","subject":"hi","body":"..."}'
  tenantd enqueue --queue scraper --tenant t1 --payload '{"url":"https://example.com"}'`,
	RunE: runEnqueue,
}

func init() {
	enqueueCmd.Flags().String("queue", "", "queue name: mailer | scraper")
	enqueueCmd.Flags().String("tenant", "", "tenant ID the job runs for")
	enqueueCmd.Flags().String("payload", "{}", "job payload (JSON)")
	_ = enqueueCmd.MarkFlagRequired("queue")
	_ = enqueueCmd.MarkFlagRequired("tenant")
}

func runEnqueue(cmd *cobra.Command, _ []string) error {
	queueName, _ := cmd.Flags().GetString("queue")
	tenantID, _ := cmd.Flags().GetString("tenant")
	payload, _ := cmd.Flags().GetString("payload")

	job, err := buildJob(config.Load(viper.GetViper()), queueName, tenantID, payload)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pool, err := postgres.NewPool(ctx, viper.GetString("postgres_dsn"))
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()

	if err := postgres.NewJobStore(pool).Enqueue(ctx, job); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), job.ID)
	return nil
}

// buildJob validates the request and stamps the queue's attempt limit.
func buildJob(cfg config.Config, queueName, tenantID, payload string) (*domain.Job, error) {
	policy, ok := tenantd.QueuePolicy(cfg, queueName)
	if !ok {
		return nil, &domain.InvalidQueueError{Queue: queueName}
	}
	if tenantID == "" {
		return nil, errors.New("tenant is required")
	}
	if !json.Valid([]byte(payload)) {
		return nil, errors.New("payload is not valid JSON")
	}
	return &domain.Job{
		Queue:       queueName,
		TenantID:    tenantID,
		Payload:     []byte(payload),
		MaxAttempts: policy.MaxAttempts,
	}, nil
}
