package cmd

import (
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/treeverse/tables/pkg/tables"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the processing status of tables",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		tableID, _ := cmd.Flags().GetInt64("table")
		output, _ := cmd.Flags().GetString("output")
		if output != outputTable && output != outputYAML {
			die("Unknown output format", nil)
		}

		s := mustServices(ctx)
		defer s.Close()
		var statuses []*tables.TableStatus
		if cmd.Flags().Changed("table") {
			st, err := s.tracker.GetStatus(ctx, tableID)
			if err != nil {
				die("Failed to get status", err)
			}
			statuses = []*tables.TableStatus{st}
		} else {
			var err error
			statuses, err = s.tracker.ListStatus(ctx)
			if err != nil {
				die("Failed to list statuses", err)
			}
		}

		if output == outputYAML {
			printYAML(statuses)
			return
		}
		rows := make([]table.Row, 0, len(statuses))
		for _, st := range statuses {
			rows = append(rows, table.Row{
				st.TableID, st.State, valueOrDash(st.Version), st.ChangedOn.Format(time.RFC3339),
				valueOrDash(st.ProgressCurrent), valueOrDash(st.ProgressTotal), valueOrDash(st.ErrorMessage),
			})
		}
		printTable(table.Row{"Table", "State", "Version", "Changed", "Progress", "Total", "Error"}, rows)
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().Int64("table", 0, "show a single table")
	statusCmd.Flags().StringP("output", "o", outputTable, "output format: table or yaml")
}
