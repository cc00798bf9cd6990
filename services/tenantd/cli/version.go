package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ramiqadoumi/tenantflow/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		info := version.Get()
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "tenantd %s\n", info.Short())
		fmt.Fprintf(out, "  built:      %s\n", info.BuildTime)
		fmt.Fprintf(out, "  go version: %s\n", info.GoVersion)
	},
}
