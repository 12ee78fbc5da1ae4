// Command migratectl migrates rule files in batch, enqueues them for the
// migrator service and manages the database schema.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/primaryrutabaga/rule-migrator/pkg/boot"
)

var (
	version   = "dev"
	commitSHA = "unknown"
)

var (
	cfg    boot.Config
	logger = log.New(os.Stderr, "[migratectl] ", log.LstdFlags|log.Lmsgprefix)

	rootCmd = &cobra.Command{
		Use:           "migratectl",
		Short:         "Migrate legacy issue alert rules into workflows",
		Version:       version + " (" + commitSHA + ")",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cfg = boot.LoadConfig("migratectl")
		},
	}
)

func main() {
	rootCmd.AddCommand(newMigrateCmd(), newEnqueueCmd(), newDBCmd())
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		logger.Printf("%v", err)
		stop()
		os.Exit(1)
	}
}
