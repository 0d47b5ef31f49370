package cli

import (
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the liquidation service",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Run(cmd.Context())
	},
}

var approveCmd = &cobra.Command{
	Use:   "approve",
	Short: "Grant the vault an unlimited allowance on the settlement token",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Approve(cmd.Context())
	},
}
