package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"marimoguard/internal/config"
	"marimoguard/internal/loop"
)

type loopFlags struct {
	preflightFlags
	maxIters     int
	sleepSeconds int
	onErrorCmd   string
}

func (f *loopFlags) loopOverrides(cmd *cobra.Command) config.LoopOverrides {
	var o config.LoopOverrides
	fs := cmd.Flags()
	if fs.Changed("max-iters") {
		o.MaxIters = &f.maxIters
	}
	if fs.Changed("sleep-seconds") {
		o.SleepSeconds = &f.sleepSeconds
	}
	if fs.Changed("on-error-cmd") {
		o.OnErrorCmd = &f.onErrorCmd
	}
	return o
}

func newLoopCmd() *cobra.Command {
	flags := &loopFlags{}
	cmd := &cobra.Command{
		Use:   "loop <notebook>",
		Short: "Re-run preflight until it passes, with an optional fixer between attempts",
		Long: `loop runs preflight up to --max-iters times. Each iteration is written to
logs/<prefix>_<stem>_<i>.json under the project root.

When --on-error-cmd is set it runs through "bash -lc" after every failed
iteration instead of sleeping. "{nb}" in the command is replaced by the
notebook path and ERR_JSON points at the failed iteration's artifact.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLoop(cmd, flags, args[0])
		},
	}
	flags.register(cmd)
	cmd.Flags().IntVar(&flags.maxIters, "max-iters", 3, "Maximum iterations")
	cmd.Flags().IntVar(&flags.sleepSeconds, "sleep-seconds", 3, "Seconds to sleep between iterations")
	cmd.Flags().StringVar(&flags.onErrorCmd, "on-error-cmd", "", "Shell command to run on error; gets {nb} substitution and ERR_JSON")
	return cmd
}

func runLoop(cmd *cobra.Command, flags *loopFlags, arg string) error {
	p, err := openProject(arg)
	if err != nil {
		var nf *notFoundError
		if errors.As(err, &nf) {
			fmt.Fprintln(cmd.ErrOrStderr(), nf.Error())
			return silent(ExitFailure)
		}
		return err
	}

	opts := config.Resolve(p.File, flags.overrides(cmd))
	lo := config.ResolveLoop(p.File, flags.loopOverrides(cmd))
	logger.Debug("resolved loop options",
		zap.String("notebook", p.Notebook),
		zap.Int("max_iters", lo.MaxIterations),
		zap.Duration("sleep", lo.Sleep),
		zap.Bool("fixer", lo.OnErrorCmd != ""))

	pre, _ := newPreflighter(p.environment(opts, flags.browserBin))
	runner := loop.NewRunner(pre, p.logsDir(), cmd.OutOrStdout())

	outcome, err := runner.Run(cmd.Context(), p.Notebook, opts, lo)
	switch {
	case errors.Is(err, loop.ErrNotConverged):
		fmt.Fprintln(cmd.ErrOrStderr(), "Failed to converge within iteration budget")
		return silent(ExitIncomplete)
	case errors.Is(err, context.Canceled):
		return silent(ExitInterrupted)
	case err != nil:
		return err
	}
	logger.Debug("loop converged", zap.Int("iterations", outcome.Iterations))
	return nil
}
