package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/spf13/cobra"

	"docket/api/internal/store"
)

func newMigrateCmd(load loader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the Postgres schema",
	}

	run := func(name string, fn func(context.Context, *sql.DB) error) *cobra.Command {
		return &cobra.Command{
			Use:   name,
			Short: fmt.Sprintf("Run goose %s against DATABASE_URL", name),
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, logger, err := load()
				if err != nil {
					return err
				}
				db, err := store.Open(cmd.Context(), cfg.DatabaseURL)
				if err != nil {
					return err
				}
				defer db.Close()
				if err := fn(cmd.Context(), db); err != nil {
					return err
				}
				logger.WithField("command", name).Info("migration command finished")
				return nil
			},
		}
	}

	cmd.AddCommand(run("up", store.ApplyMigrations))
	cmd.AddCommand(run("down", store.RollbackMigration))
	cmd.AddCommand(run("reset", store.ResetMigrations))
	cmd.AddCommand(run("status", store.MigrationStatus))
	return cmd
}
