// Command guard validates marimo notebooks before they are opened or
// shipped: a single preflight pass, a retry loop with an optional fixer,
// a restart-on-change editor watcher, and the companion dataset self-test.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"marimoguard/internal/logging"
)

var (
	verbose bool
	logger  = zap.NewNop()
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "guard",
		Short: "Preflight validation for marimo notebooks",
		Long: `guard runs a notebook through static checks, headless execution, chart
validation, a smoke run and optional DOM and status-endpoint checks, and
reports a single pass/fail verdict.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg := zap.NewProductionConfig()
			cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
			if verbose {
				cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
			}
			l, err := cfg.Build()
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			logger = l
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = logger.Sync()
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose CLI logging")

	root.AddCommand(
		newCheckCmd(),
		newLoopCmd(),
		newWatchCmd(),
		newSessionsCmd(),
		newSelftestCmd(),
	)
	return root
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	defer logging.CloseAll()

	err := newRootCmd().ExecuteContext(ctx)
	if err != nil {
		if msg := err.Error(); msg != "" {
			fmt.Fprintln(os.Stderr, msg)
		}
	}
	return exitCode(err)
}

func main() {
	os.Exit(run())
}
