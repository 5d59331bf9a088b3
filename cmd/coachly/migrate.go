package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/coachly/coachly/internal/config"
	"github.com/coachly/coachly/internal/db"
	"github.com/coachly/coachly/internal/logger"
)

func newMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back the Postgres schema",
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply every pending migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := migrateConfig()
			if err != nil {
				return err
			}
			return db.MigrateUp(cfg.Postgres, logger.L)
		},
	}

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := migrateConfig()
			if err != nil {
				return err
			}
			return db.MigrateDown(cfg.Postgres, logger.L, steps)
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back, 0 for all")

	cmd.AddCommand(up, down)
	return cmd
}

// migrateConfig loads the config and rejects backends without migrations.
// SQLite creates its schema when opened.
func migrateConfig() (config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return cfg, err
	}
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	if cfg.Storage.Backend != config.StorageBackendPostgres {
		return cfg, fmt.Errorf("migrations apply to the postgres backend, storage.backend is %q", cfg.Storage.Backend)
	}
	return cfg, nil
}
