package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	zerologadapter "github.com/theaigrid/aigrid/pkg/aigrid/logger/zerolog"
)

func migrateCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the PostgreSQL schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if cfg.Store.DSN == "" {
				return fmt.Errorf("store.dsn is required")
			}
			log := newRootLogger(cfg.Log, os.Stderr)

			a := &app{cfg: cfg, log: log, logger: zerologadapter.NewLogger(log)}
			defer a.Close()

			pg, err := a.openPostgres(cmd.Context())
			if err != nil {
				return err
			}
			if err := pg.Migrate(cmd.Context()); err != nil {
				return fmt.Errorf("failed to migrate: %w", err)
			}
			log.Info().Msg("schema migrated")
			return nil
		},
	}
}
