package cmd

import (
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/treeverse/tables/pkg/tables/manager"
	"github.com/treeverse/tables/pkg/tables/rowset"
)

var importCmd = &cobra.Command{
	Use:   "import <file.csv>",
	Short: "Append the rows of a CSV file to a table",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		tableID, _ := cmd.Flags().GetInt64("table")
		schemaPath, _ := cmd.Flags().GetString("schema")
		user, _ := cmd.Flags().GetString("user")
		hasHeader, _ := cmd.Flags().GetBool("header")
		columnIDs, _ := cmd.Flags().GetInt64Slice("column-ids")
		separator, _ := cmd.Flags().GetString("separator")
		etag, _ := cmd.Flags().GetString("etag")
		transactionID, _ := cmd.Flags().GetInt64("transaction")

		schema := readSchema(schemaPath)
		s := mustServices(ctx)
		defer s.Close()

		f, err := os.Open(args[0])
		if err != nil {
			die("Failed to open file", err)
		}
		defer func() { _ = f.Close() }()
		stat, err := f.Stat()
		if err != nil {
			die("Failed to stat file", err)
		}
		bar := progressbar.DefaultBytes(stat.Size(), "reading")
		reader := progressbar.NewReader(f, bar)

		opts := rowset.ImportOptions{HasHeader: hasHeader, ColumnIDs: columnIDs}
		if separator != "" {
			opts.Separator = []rune(separator)[0]
		}
		rs, err := rowset.ReadCSVImport(&reader, tableID, schema, opts)
		if err != nil {
			die("Failed to read file", err)
		}
		_ = bar.Finish()
		rs.Etag = etag

		res, err := s.manager.AppendRowSet(ctx, manager.Request{UserID: user, TransactionID: transactionID, Schema: schema}, rs)
		if err != nil {
			die("Failed to append rows", err)
		}
		printTable(table.Row{"Table", "Version", "Etag", "Transaction", "Rows", "New IDs"}, []table.Row{
			{res.TableID, res.Version, res.Etag, res.TransactionID, len(res.Rows), formatIDRange(res.IDRange)},
		})
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(importCmd)
	importCmd.Flags().Int64("table", 0, "table id")
	importCmd.Flags().String("schema", "", "YAML file with the table columns")
	importCmd.Flags().String("user", "", "user id recorded on the change")
	importCmd.Flags().Bool("header", true, "first line names the columns")
	importCmd.Flags().Int64Slice("column-ids", nil, "column id of every field, when the file has no header")
	importCmd.Flags().String("separator", ",", "field separator")
	importCmd.Flags().String("etag", "", "table etag the rows were read at")
	importCmd.Flags().Int64("transaction", 0, "continue an existing transaction")
	_ = importCmd.MarkFlagRequired("table")
	_ = importCmd.MarkFlagRequired("schema")
	_ = importCmd.MarkFlagRequired("user")
}
