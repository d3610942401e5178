package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

const (
	envPostgresDSN        = "SHOP_POSTGRES_DSN"
	defaultMigrateTimeout = 30 * time.Second
)

func newMigrateCmd(e env) *cobra.Command {
	var (
		dsn     string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the PostgreSQL schema",
	}
	cmd.PersistentFlags().StringVar(&dsn, "dsn", "", "PostgreSQL DSN (fallback: "+envPostgresDSN+")")
	cmd.PersistentFlags().DurationVar(&timeout, "timeout", defaultMigrateTimeout, "overall timeout")

	withStore := func(cmd *cobra.Command, fn func(ctx context.Context, m migrator) error) error {
		resolved := strings.TrimSpace(dsn)
		if resolved == "" {
			resolved = strings.TrimSpace(e.getenv(envPostgresDSN))
		}
		if resolved == "" {
			return errors.New(envPostgresDSN + " (or --dsn) is required")
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		m, err := e.openMigrator(ctx, resolved)
		if err != nil {
			return fmt.Errorf("open postgres store: %w", err)
		}
		defer m.Close()
		return fn(ctx, m)
	}

	printStatus := func(cmd *cobra.Command, ctx context.Context, m migrator, prefix string) error {
		state, err := m.MigrationStatus(ctx)
		if err != nil {
			return fmt.Errorf("migration status failed: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: version=%d dirty=%t\n", prefix, state.Version, state.Dirty)
		return nil
	}

	var upSteps int
	up := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, func(ctx context.Context, m migrator) error {
				if err := m.MigrateUp(ctx, upSteps); err != nil {
					return fmt.Errorf("migrate up failed: %w", err)
				}
				return printStatus(cmd, ctx, m, "migrate up ok")
			})
		},
	}
	up.Flags().IntVar(&upSteps, "steps", 0, "number of migrations to apply (0 = all)")

	var downSteps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, func(ctx context.Context, m migrator) error {
				if err := m.MigrateDown(ctx, downSteps); err != nil {
					return fmt.Errorf("migrate down failed: %w", err)
				}
				return printStatus(cmd, ctx, m, "migrate down ok")
			})
		},
	}
	down.Flags().IntVar(&downSteps, "steps", 1, "number of migrations to roll back")

	status := &cobra.Command{
		Use:   "status",
		Short: "Show the current schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, func(ctx context.Context, m migrator) error {
				return printStatus(cmd, ctx, m, "migration status")
			})
		},
	}

	cmd.AddCommand(up, down, status)
	return cmd
}
