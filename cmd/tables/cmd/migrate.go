package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/treeverse/tables/pkg/db"
)

var errVersionRequired = errors.New("version must be positive")

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage migrations",
}

var migrateVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print current migration version",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		version, dirty, err := db.MigrateVersion(cfg.GetDatabaseParams())
		if err != nil {
			die("Failed to get schema version", err)
		}
		fmt.Printf("Database schema version: %d", version)
		if dirty {
			fmt.Print(" (dirty)")
		}
		fmt.Println()
	},
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all up migrations",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		if err := db.MigrateUp(cfg.GetDatabaseParams()); err != nil {
			die("Failed to migrate up", err)
		}
		fmt.Println("Database migrated")
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Apply all down migrations",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		if err := db.MigrateDown(cfg.GetDatabaseParams()); err != nil {
			die("Failed to migrate down", err)
		}
		fmt.Println("Database migrated down")
	},
}

var migrateGotoCmd = &cobra.Command{
	Use:   "goto",
	Short: "Migrate to version V",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		version, _ := cmd.Flags().GetUint("version")
		if version == 0 {
			die("Invalid version", errVersionRequired)
		}
		if err := db.MigrateTo(cfg.GetDatabaseParams(), version); err != nil {
			die("Failed to migrate", err)
		}
		fmt.Printf("Database migrated to version %d\n", version)
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.AddCommand(migrateVersionCmd)
	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateDownCmd)
	migrateCmd.AddCommand(migrateGotoCmd)
	migrateGotoCmd.Flags().Uint("version", 0, "version number")
}
