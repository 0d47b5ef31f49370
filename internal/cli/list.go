package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"vault-liquidator/internal/app"
)

var (
	listOutput      string
	inspectBorrower string
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "Enumerate borrowers and write a snapshot file without liquidating",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().List(cmd.Context(), app.ListOptions{Output: listOutput})
	},
}

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Show snapshot, plan and vault decision for one borrower",
	RunE: func(cmd *cobra.Command, args []string) error {
		if inspectBorrower == "" {
			return fmt.Errorf("--borrower must be provided")
		}
		return getApp().Inspect(cmd.Context(), app.InspectOptions{Borrower: inspectBorrower})
	},
}

func init() {
	listCmd.Flags().StringVarP(&listOutput, "output", "o", "", "Output path (defaults to borrowersData_[swapped_]<network>.json in export.output_dir)")
	inspectCmd.Flags().StringVar(&inspectBorrower, "borrower", "", "Borrower address")
}
