package main

import (
	"errors"

	"github.com/spf13/cobra"

	"qms/clinic-queue/internal/config"
	"qms/clinic-queue/internal/store/postgres"
	"qms/clinic-queue/migrations"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return errors.New("migrate: DB_DSN is not set")
			}
			return postgres.Migrate(cmd.Context(), cfg.DatabaseURL, migrations.FS)
		},
	}
}
