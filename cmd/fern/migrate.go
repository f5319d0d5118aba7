package main

import (
	"github.com/spf13/cobra"

	"github.com/Ramsey-B/fern/pkg/database"
)

func migrateCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply Postgres migrations for the postgres store backend",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := e.cfg
			db, err := openDatabase(cmd.Context(), cfg, e.logger)
			if err != nil {
				return err
			}
			defer db.Close()

			version := uint(0)
			if cfg.DatabaseMigrationVersion > 0 {
				version = uint(cfg.DatabaseMigrationVersion)
			}
			return database.NewMigrationService(e.logger, &database.MigrationConfig{
				MigrationFolderPath: cfg.DatabaseMigrationFolderPath,
				Version:             version,
				Force:               cfg.DatabaseMigrationForce,
			}).Migrate(db)
		},
	}
}
