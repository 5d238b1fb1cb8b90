package cmd

import (
	"os"
	"sort"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/treeverse/tables/pkg/tables/backup"
	"github.com/treeverse/tables/pkg/version"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Dump and load table metadata",
}

var backupDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Write the metadata of every table to a file",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		path, _ := cmd.Flags().GetString("file")
		createdBy, _ := cmd.Flags().GetString("created-by")

		s := mustServices(ctx)
		defer s.Close()
		f, err := os.Create(path)
		if err != nil {
			die("Failed to create file", err)
		}
		stats, err := backup.Dump(ctx, f, s.backupStores(), createdBy)
		if err != nil {
			_ = f.Close()
			die("Failed to dump", err)
		}
		if err := f.Close(); err != nil {
			die("Failed to close file", err)
		}
		printStats(stats)
	},
}

var backupLoadCmd = &cobra.Command{
	Use:   "load",
	Short: "Restore table metadata from a dump",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		path, _ := cmd.Flags().GetString("file")

		s := mustServices(ctx)
		defer s.Close()
		f, err := os.Open(path)
		if err != nil {
			die("Failed to open file", err)
		}
		defer func() { _ = f.Close() }()
		stats, err := backup.Load(ctx, f, s.backupStores())
		if stats != nil {
			printStats(stats)
		}
		if err != nil {
			die("Failed to load", err)
		}
	},
}

func printStats(stats backup.Stats) {
	kinds := make([]string, 0, len(stats))
	for k := range stats {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	rows := make([]table.Row, 0, len(kinds))
	for _, k := range kinds {
		rows = append(rows, table.Row{k, stats[backup.RecordKind(k)]})
	}
	printTable(table.Row{"Kind", "Records"}, rows)
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(backupCmd)
	backupCmd.AddCommand(backupDumpCmd, backupLoadCmd)
	backupCmd.PersistentFlags().StringP("file", "f", "", "backup file")
	_ = backupCmd.MarkPersistentFlagRequired("file")
	backupDumpCmd.Flags().String("created-by", version.UserAgent(), "recorded in the backup header")
}
