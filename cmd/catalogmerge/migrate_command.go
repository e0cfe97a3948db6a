package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rpattn/catalogmerge/internal/config"
	"github.com/rpattn/catalogmerge/internal/db"
	"github.com/rpattn/catalogmerge/internal/sqlitestore"
)

func newMigrateCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			switch cfg.Store.Driver {
			case config.DriverPostgres:
				conn, err := db.NewConnection(cmd.Context(), cfg.Database.DBConfig(), ctx.logger)
				if err != nil {
					return err
				}
				defer conn.Close()
				if err := conn.RunMigrations(); err != nil {
					return err
				}
				version, dirty, err := conn.MigrationVersion()
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Postgres schema at version %d (dirty: %s)\n", version, yesNo(dirty))
			default:
				store, err := sqlitestore.Open(cfg.Store.SQLitePath)
				if err != nil {
					return err
				}
				defer store.Close()
				version, err := store.SchemaVersion(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "SQLite schema at version %s (%s)\n", version, store.Path())
			}
			return nil
		},
	}
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
