package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"vault-liquidator/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, args []string) {
		info := version.Get()
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "liquidator %s\n", info.Version)
		fmt.Fprintf(out, "  commit: %s\n  built:  %s\n  go:     %s\n", info.Commit, info.BuildDate, info.GoVersion)
	},
}
