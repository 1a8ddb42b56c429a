package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/CodeMonkeyCybersecurity/vigil/internal/database"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Database management commands",
	Long:  `Commands for managing the vigil database schema.`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run pending database migrations",
	Long: `Apply every pending migration in version order.

The connection comes from the config file (.vigil.yaml), VIGIL_DATABASE_DSN
or --db-dsn. serve, worker and scan also migrate on start.`,
	RunE: runDBMigrate,
}

var dbStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show database migration status",
	RunE:  runDBStatus,
}

var dbRollbackCmd = &cobra.Command{
	Use:   "rollback <version>",
	Short: "Roll back a single migration",
	Long: `Undo one applied migration.

Warning: rolling back drops the tables that migration created, with their data.`,
	Args: cobra.ExactArgs(1),
	RunE: runDBRollback,
}

func init() {
	rootCmd.AddCommand(dbCmd)
	dbCmd.AddCommand(dbMigrateCmd)
	dbCmd.AddCommand(dbStatusCmd)
	dbCmd.AddCommand(dbRollbackCmd)

	dbRollbackCmd.Flags().Bool("yes", false, "skip the confirmation prompt")
}

func openMigrationRunner(ctx context.Context) (*database.MigrationRunner, func(), error) {
	db, err := database.Open(ctx, cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	return database.NewMigrationRunner(db, log), func() { db.Close() }, nil
}

func runDBMigrate(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
	defer cancel()

	runner, closeDB, err := openMigrationRunner(ctx)
	if err != nil {
		return err
	}
	defer closeDB()

	if err := runner.RunMigrations(ctx); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	color.Green("Database is up to date")
	return nil
}

func runDBStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	runner, closeDB, err := openMigrationRunner(ctx)
	if err != nil {
		return err
	}
	defer closeDB()

	status, err := runner.GetMigrationStatus(ctx)
	if err != nil {
		return fmt.Errorf("failed to get migration status: %w", err)
	}

	fmt.Println("Database Migration Status")
	fmt.Println("=========================")
	pending := 0
	for _, m := range status {
		if m.Applied {
			color.Green("  ✓ %03d %-40s applied %s", m.Version, m.Description, m.AppliedAt.Format(time.RFC3339))
			continue
		}
		pending++
		color.Yellow("  - %03d %-40s pending", m.Version, m.Description)
	}

	if pending == 0 {
		fmt.Println("\nStatus: Database is up to date")
	} else {
		fmt.Printf("\nStatus: %d pending migration(s). Run 'vigil db migrate' to apply them.\n", pending)
	}
	return nil
}

func runDBRollback(cmd *cobra.Command, args []string) error {
	version, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid version number: %s", args[0])
	}

	if yes, _ := cmd.Flags().GetBool("yes"); !yes {
		color.Red("WARNING: rolling back migration %d drops the data it manages.", version)
		fmt.Print("Press Enter to continue or Ctrl+C to cancel...")
		_, _ = bufio.NewReader(os.Stdin).ReadString('\n')
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	runner, closeDB, err := openMigrationRunner(ctx)
	if err != nil {
		return err
	}
	defer closeDB()

	if err := runner.RollbackMigration(ctx, version); err != nil {
		return fmt.Errorf("rollback failed: %w", err)
	}

	log.Infow("Migration rolled back", "component", "db_rollback", "version", version)
	color.Green("Migration %d rolled back", version)
	return nil
}
