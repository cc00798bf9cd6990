package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ramiqadoumi/tenantflow/internal/postgres"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	Long: `Connect to PostgreSQL and apply pending schema migrations.

Reads the DSN from --postgres-dsn flag, POSTGRES_DSN env var, or config file.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		applied, err := postgres.Migrate(viper.GetString("postgres_dsn"))
		if err != nil {
			return err
		}
		if applied {
			fmt.Fprintln(cmd.OutOrStdout(), "migrations complete")
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), "schema already up to date")
		}
		return nil
	},
}
