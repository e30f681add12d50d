package main

import (
	"github.com/spf13/cobra"

	"github.com/dataspace-connector/connector/internal/config"
	"github.com/dataspace-connector/connector/internal/infrastructure/postgres"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		logger := newLogger(cfg.LogLevel, cfg.LogFormat, cmd.ErrOrStderr())
		pool, err := postgres.NewPool(cmd.Context(), cfg.DatabaseURL, cfg.DatabaseMaxConn)
		if err != nil {
			return err
		}
		defer pool.Close()
		if err := postgres.RunMigrations(cmd.Context(), pool); err != nil {
			return err
		}
		logger.Info().Msg("migrations applied")
		return nil
	},
}
