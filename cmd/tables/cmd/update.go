package cmd

import (
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/treeverse/tables/pkg/tables/manager"
	"github.com/treeverse/tables/pkg/tables/rowset"
)

var updateCmd = &cobra.Command{
	Use:   "update <partial.xml.gz>",
	Short: "Apply a partial row set to a table",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		schemaPath, _ := cmd.Flags().GetString("schema")
		user, _ := cmd.Flags().GetString("user")
		tableID, _ := cmd.Flags().GetInt64("table")

		schema := readSchema(schemaPath)
		f, err := os.Open(args[0])
		if err != nil {
			die("Failed to open file", err)
		}
		defer func() { _ = f.Close() }()
		prs, err := rowset.DecodePartial(f)
		if err != nil {
			die("Failed to read partial row set", err)
		}
		if cmd.Flags().Changed("table") {
			prs.TableID = tableID
		}

		s := mustServices(ctx)
		defer s.Close()
		res, err := s.manager.AppendPartialRowSet(ctx, manager.Request{UserID: user, Schema: schema}, prs)
		if err != nil {
			die("Failed to update rows", err)
		}
		printTable(table.Row{"Table", "Version", "Etag", "Transaction", "Rows", "New IDs"}, []table.Row{
			{res.TableID, res.Version, res.Etag, res.TransactionID, len(res.Rows), formatIDRange(res.IDRange)},
		})
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(updateCmd)
	updateCmd.Flags().String("schema", "", "YAML file with the table columns")
	updateCmd.Flags().String("user", "", "user id recorded on the change")
	updateCmd.Flags().Int64("table", 0, "table id, overrides the one in the file")
	_ = updateCmd.MarkFlagRequired("schema")
	_ = updateCmd.MarkFlagRequired("user")
}
