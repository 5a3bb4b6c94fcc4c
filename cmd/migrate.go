package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/forgefleet/conductor/internal/taskrepo"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run pending task repository migrations",
	RunE:  runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(_ *cobra.Command, _ []string) error {
	db, err := taskrepo.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() { _ = db.Close() }()

	if err := taskrepo.Migrate(db); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	fmt.Printf("migrations applied to %s\n", cfg.Database.Path)
	return nil
}
