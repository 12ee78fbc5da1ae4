package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/primaryrutabaga/rule-migrator/pkg/boot"
	"github.com/primaryrutabaga/rule-migrator/pkg/store/postgres"
)

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Manage the workflow database schema",
	}
	cmd.AddCommand(
		schemaCmd("up", "Apply all pending migrations", postgres.MigrateUp),
		schemaCmd("down", "Roll back every migration", postgres.MigrateDown),
	)
	return cmd
}

func schemaCmd(use, short string, apply func(databaseURL string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			url, err := boot.DatabaseURL(cfg)
			if err != nil {
				return fmt.Errorf("database url: %w", err)
			}
			if err := apply(url); err != nil {
				return err
			}
			logger.Printf("db: %s complete", use)
			return nil
		},
	}
}
