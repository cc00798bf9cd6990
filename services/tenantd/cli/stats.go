package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ramiqadoumi/tenantflow/internal/domain"
	"github.com/ramiqadoumi/tenantflow/internal/postgres"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show job counts per queue and status",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		pool, err := postgres.NewPool(ctx, viper.GetString("postgres_dsn"))
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer pool.Close()
		jobs := postgres.NewJobStore(pool)

		counts := make(map[string]map[domain.Status]int64)
		for _, q := range []string{domain.QueueMailer, domain.QueueScraper} {
			c, err := jobs.CountByStatus(ctx, q)
			if err != nil {
				return err
			}
			counts[q] = c
		}
		return printStats(cmd.OutOrStdout(), counts)
	},
}

var statusColumns = []domain.Status{
	domain.StatusPending, domain.StatusActive, domain.StatusCompleted, domain.StatusFailed,
}

func printStats(w io.Writer, counts map[string]map[domain.Status]int64) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprint(tw, "QUEUE")
	for _, s := range statusColumns {
		fmt.Fprintf(tw, "\t%s", s)
	}
	fmt.Fprintln(tw)
	for _, q := range []string{domain.QueueMailer, domain.QueueScraper} {
		fmt.Fprint(tw, q)
		for _, s := range statusColumns {
			fmt.Fprintf(tw, "\t%d", counts[q][s])
		}
		fmt.Fprintln(tw)
	}
	return tw.Flush()
}
