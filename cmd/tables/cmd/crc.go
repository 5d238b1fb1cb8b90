package cmd

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var crcCmd = &cobra.Command{
	Use:   "crc",
	Short: "Compute the CRC of a view's source set",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		viewID, _ := cmd.Flags().GetInt64("view")
		expected, _ := cmd.Flags().GetInt64("expected")

		s := mustServices(ctx)
		defer s.Close()
		if cmd.Flags().Changed("expected") {
			drifted, crc, err := s.views.CheckDrift(ctx, viewID, expected)
			if err != nil {
				die("Failed to check drift", err)
			}
			printTable(table.Row{"View", "CRC", "Expected", "Drifted"}, []table.Row{{viewID, crc, expected, drifted}})
			return
		}

		scopeType, err := s.views.GetScopeType(ctx, viewID)
		if err != nil {
			die("Failed to get scope type", err)
		}
		containers, err := s.views.GetScope(ctx, viewID)
		if err != nil {
			die("Failed to get scope", err)
		}
		crc, err := s.views.CalculateCRC(ctx, containers, scopeType.ObjectType)
		if err != nil {
			die("Failed to calculate CRC", err)
		}
		printTable(table.Row{"View", "Object Type", "Containers", "CRC"}, []table.Row{
			{viewID, scopeType.ObjectType, fmt.Sprint(len(containers)), crc},
		})
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(crcCmd)
	crcCmd.Flags().Int64("view", 0, "view id")
	crcCmd.Flags().Int64("expected", 0, "CRC the view was built from, reports drift when set")
	_ = crcCmd.MarkFlagRequired("view")
}
