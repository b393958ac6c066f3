package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sevigo/invoice-relay/internal/config"
	"github.com/sevigo/invoice-relay/internal/db"
)

var migrateStatusOnly bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending Postgres schema migrations",
	Long: `Apply the schema migrations embedded in this binary. Needed when the server
runs with database.auto_migrate=false. Use --status to only report versions.
The sqlite and memory drivers create their schema themselves.`,
	RunE: func(_ *cobra.Command, _ []string) error {
		cfg, err := config.LoadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if cfg.Database.Driver != "postgres" {
			warnColor.Printf("database.driver is %q; nothing to migrate\n", cfg.Database.Driver)
			return nil
		}

		conn, err := db.Open(cfg.Database.DSN())
		if err != nil {
			return err
		}
		defer conn.Close()

		m, err := conn.NewMigrator(context.Background())
		if err != nil {
			return err
		}
		defer m.Close()

		before, err := m.Status()
		if err != nil {
			return err
		}
		printMigrationStatus(before)
		if migrateStatusOnly || !before.Pending() {
			return nil
		}

		if err := m.Up(); err != nil {
			return err
		}
		after, err := m.Status()
		if err != nil {
			return err
		}
		successColor.Printf("migrated %d -> %d\n", before.Current, after.Current)
		return nil
	},
}

func printMigrationStatus(s db.MigrationStatus) {
	titleColor.Println("Schema")
	fmt.Printf("  applied: %d\n", s.Current)
	fmt.Printf("  latest:  %d\n", s.Latest)
	switch {
	case s.Dirty:
		errorColor.Println("  dirty: an earlier migration failed halfway")
	case s.Pending():
		warnColor.Println("  pending migrations")
	default:
		dimColor.Println("  up to date")
	}
}

func init() { //nolint:gochecknoinits // Cobra command registration
	migrateCmd.Flags().BoolVar(&migrateStatusOnly, "status", false, "Only report the schema version")
	rootCmd.AddCommand(migrateCmd)
}
