package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"stocktester/internal/database"
)

// migrateCmd manages the result database schema
var migrateCmd = &cobra.Command{
	Use:   "migrate [up|down|version|force VERSION]",
	Short: "Manage the result database schema",
	Long: `Apply or roll back the embedded schema migrations of the result database.

Examples:
  stocktester migrate up
  stocktester migrate version
  stocktester migrate force 1     # clear a dirty state`,
	Args:      cobra.RangeArgs(1, 2),
	ValidArgs: []string{"up", "down", "version", "force"},
	RunE:      runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	db, err := database.NewConnection(context.Background(), &cfg.Database, log)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	// 迁移器关闭时会一并关闭连接池
	migrator, err := database.NewMigrator(db)
	if err != nil {
		db.Close()
		return err
	}
	defer migrator.Close()

	switch args[0] {
	case "up":
		return migrator.Up()
	case "down":
		return migrator.Down()
	case "version":
		version, err := migrator.Version()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "schema version: %d\n", version)
		return nil
	case "force":
		if len(args) != 2 {
			return fmt.Errorf("force requires a version")
		}
		version, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid version %q: %w", args[1], err)
		}
		return migrator.Force(version)
	default:
		return fmt.Errorf("unknown migrate action %q", args[0])
	}
}
