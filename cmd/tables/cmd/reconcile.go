package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Bring the current version cache up to date with the change log",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		tableID, _ := cmd.Flags().GetInt64("table")

		s := mustServices(ctx)
		defer s.Close()
		if cmd.Flags().Changed("table") {
			if err := s.reconciler.Reconcile(ctx, tableID); err != nil {
				die("Failed to reconcile table", err)
			}
			fmt.Printf("Table %d reconciled\n", tableID)
			return
		}
		if err := s.reconciler.Sweep(ctx); err != nil {
			die("Failed to reconcile", err)
		}
		fmt.Println("All tables reconciled")
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(reconcileCmd)
	reconcileCmd.Flags().Int64("table", 0, "reconcile a single table")
}
