package main

import (
	"database/sql"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/onnwee/chatrelay/config"
	"github.com/onnwee/chatrelay/db"
)

// schemaCmd manages the versioned database schema without starting the bot.
func schemaCmd(out io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Inspect or change the database schema version",
	}
	withDB := func(fn func(*sql.DB) error) func(*cobra.Command, []string) error {
		return func(*cobra.Command, []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			database, err := db.Connect(cfg.Database.DSN)
			if err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			defer database.Close()
			return fn(database)
		}
	}
	printVersion := func(database *sql.DB) error {
		v, dirty, err := db.SchemaVersion(database)
		if err != nil {
			return err
		}
		suffix := ""
		if dirty {
			suffix = " (dirty)"
		}
		_, err = fmt.Fprintf(out, "schema version %d%s\n", v, suffix)
		return err
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "version",
			Short: "Print the applied schema version",
			Args:  cobra.NoArgs,
			RunE:  withDB(printVersion),
		},
		&cobra.Command{
			Use:   "up",
			Short: "Apply pending migrations",
			Args:  cobra.NoArgs,
			RunE: withDB(func(database *sql.DB) error {
				if err := db.RunMigrations(database); err != nil {
					return err
				}
				return printVersion(database)
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the newest migration",
			Args:  cobra.NoArgs,
			RunE: withDB(func(database *sql.DB) error {
				if err := db.RollbackMigration(database); err != nil {
					return err
				}
				return printVersion(database)
			}),
		},
	)
	return cmd
}
