package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"marimoguard/internal/config"
	"marimoguard/internal/preflight"
	"marimoguard/internal/runtime"
)

func newSelftestCmd() *cobra.Command {
	var python string
	cmd := &cobra.Command{
		Use:   "selftest <notebook>",
		Short: "Check the notebook's dataset and write the self-test artifact",
		Long: `selftest looks for <stem>.parquet in data/ next to the notebook, in ../data/
and in <root>/reports/data/, checks it and writes logs/<stem>-selftest.json
under the project root. Preflight requires this artifact by default.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSelftest(cmd, python, args[0])
		},
	}
	cmd.Flags().StringVar(&python, "python", "", "Python interpreter used to read the dataset")
	return cmd
}

func runSelftest(cmd *cobra.Command, python, arg string) error {
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
		o.Python = &python
	}
	opts := config.Resolve(p.File, o)

	checker := newDatasetChecker(runtime.PythonExecutable(p.Root, opts.Python), p.Root)
	if c, ok := checker.(io.Closer); ok {
		defer c.Close()
	}

	selftest := &preflight.Selftest{
		Root:      p.Root,
		RootFound: config.IsProjectRoot(p.Root),
		Checker:   checker,
	}
	art, err := selftest.Run(cmd.Context(), p.Notebook)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	st := newStyles(out)
	path := preflight.ArtifactPath(p.Root, p.Notebook)
	if !art.OK {
		fmt.Fprintf(out, "%s %s\n", st.fail.Render("Selftest failed:"), strings.Join(art.Errors, "; "))
		fmt.Fprintf(out, "  artifact: %s\n", path)
		return silent(ExitFailure)
	}
	fmt.Fprintf(out, "%s %s\n", st.ok.Render("Selftest passed:"), p.Notebook)
	fmt.Fprintf(out, "  artifact: %s\n", path)
	return nil
}
