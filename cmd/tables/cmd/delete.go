package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var deleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete a table with its change history and id sequence",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		tableID, _ := cmd.Flags().GetInt64("table")
		yes, _ := cmd.Flags().GetBool("yes")
		if !yes {
			fmt.Printf("Table %d was not deleted, pass --yes to confirm\n", tableID)
			return
		}

		s := mustServices(ctx)
		defer s.Close()
		if err := s.manager.DeleteTable(ctx, tableID); err != nil {
			die("Failed to delete table", err)
		}
		fmt.Printf("Table %d deleted\n", tableID)
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(deleteCmd)
	deleteCmd.Flags().Int64("table", 0, "table id")
	deleteCmd.Flags().Bool("yes", false, "confirm the deletion")
	_ = deleteCmd.MarkFlagRequired("table")
}
