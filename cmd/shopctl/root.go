package main

import (
	"context"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/vladislavdragonenkov/storefront/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/storefront/internal/storage/postgres"
)

// migrator операции со схемой, которые нужны CLI.
type migrator interface {
	MigrateUp(ctx context.Context, steps int) error
	MigrateDown(ctx context.Context, steps int) error
	MigrationStatus(ctx context.Context) (postgres.MigrationState, error)
	Close() error
}

// env внешние зависимости команд, подменяемые в тестах.
type env struct {
	getenv       func(string) string
	openMigrator func(ctx context.Context, dsn string) (migrator, error)
	dialReplay   func(brokers []string, execute bool) (kafka.ReplayDependencies, error)
	replay       func(ctx context.Context, cfg kafka.ReplayConfig, deps kafka.ReplayDependencies, logger *log.Entry) (kafka.ReplayStats, error)
}

func defaultEnv() env {
	return env{
		getenv: os.Getenv,
		openMigrator: func(ctx context.Context, dsn string) (migrator, error) {
			return postgres.Open(ctx, dsn)
		},
		dialReplay: kafka.DialReplay,
		replay:     kafka.Replay,
	}
}

func newRootCmd(e env) *cobra.Command {
	var verbose bool

	root := &cobra.Command{
		Use:           "shopctl",
		Short:         "Operator tooling for the storefront order service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
			log.SetOutput(cmd.ErrOrStderr())
			if verbose {
				log.SetLevel(log.DebugLevel)
			}
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(newMigrateCmd(e))
	root.AddCommand(newDLQCmd(e))
	root.AddCommand(newVersionCmd())
	return root
}
