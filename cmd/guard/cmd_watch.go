package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"marimoguard/internal/config"
	"marimoguard/internal/runtime"
	"marimoguard/internal/tactile"
	"marimoguard/internal/watch"
)

type watchFlags struct {
	port        int
	logFile     string
	pollSeconds float64
	forcePoll   bool
	python      string
}

// defaultWatchPort honours $PORT.
func defaultWatchPort() int {
	if n, err := strconv.Atoi(os.Getenv("PORT")); err == nil && n > 0 {
		return n
	}
	return watch.DefaultPort
}

func newWatchCmd() *cobra.Command {
	flags := &watchFlags{}
	cmd := &cobra.Command{
		Use:   "watch <notebook>",
		Short: "Run marimo edit --mcp and restart it whenever the notebook changes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd, flags, args[0])
		},
	}
	cmd.Flags().IntVar(&flags.port, "port", defaultWatchPort(), "Editor port")
	cmd.Flags().StringVar(&flags.logFile, "log-file", os.Getenv("MARIMO_WATCH_LOG"), "Append editor output to this file")
	cmd.Flags().Float64Var(&flags.pollSeconds, "poll-seconds", 0.5, "Polling interval when file events are unavailable")
	cmd.Flags().BoolVar(&flags.forcePoll, "force-poll", false, "Poll the notebook's mtime instead of using file events")
	cmd.Flags().StringVar(&flags.python, "python", "", "Python interpreter hosting marimo")
	return cmd
}

func runWatch(cmd *cobra.Command, flags *watchFlags, arg string) error {
	p, err := openProject(arg)
	if err != nil {
		var nf *notFoundError
		if errors.As(err, &nf) {
			fmt.Fprintln(cmd.ErrOrStderr(), nf.Error())
			return silent(ExitFailure)
		}
		return err
	}

	var o config.Overrides
	if cmd.Flags().Changed("python") {
		o.Python = &flags.python
	}
	opts := config.Resolve(p.File, o)
	cli := runtime.NewCLI(runtime.PythonExecutable(p.Root, opts.Python), p.Root)

	w := watch.New(watch.Config{
		Notebook:     p.Notebook,
		LogFile:      flags.logFile,
		PollInterval: time.Duration(flags.pollSeconds * float64(time.Second)),
		ForcePoll:    flags.forcePoll,
	}, cli.EditCommand(p.Notebook, flags.port, "--headless", "--mcp"))

	fmt.Fprintf(cmd.OutOrStdout(), "Watching %s, editor at %s\n", p.Notebook, tactile.URL(flags.port))
	if err := w.Run(cmd.Context()); err != nil {
		return err
	}
	if cmd.Context().Err() != nil {
		return silent(ExitInterrupted)
	}
	return nil
}
