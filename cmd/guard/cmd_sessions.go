package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"marimoguard/internal/config"
	"marimoguard/internal/mcp"
)

type sessionsFlags struct {
	mcpURL string
	json   bool
}

func newSessionsCmd() *cobra.Command {
	flags := &sessionsFlags{}
	cmd := &cobra.Command{
		Use:   "sessions [notebook]",
		Short: "List notebooks open on the marimo server",
		Long: `sessions lists the editing sessions reported by the server's status
endpoint. Given a notebook, it also warns when that notebook is open.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessions(cmd, flags, args)
		},
	}
	cmd.Flags().StringVar(&flags.mcpURL, "mcp-url", config.DefaultMCPURL, "Status endpoint base URL")
	cmd.Flags().BoolVar(&flags.json, "json", false, "Print sessions as JSON")
	return cmd
}

func runSessions(cmd *cobra.Command, flags *sessionsFlags, args []string) error {
	out := cmd.OutOrStdout()

	var (
		notebook string
		file     *config.File
	)
	if len(args) == 1 {
		p, err := openProject(args[0])
		if err != nil {
			var nf *notFoundError
			if errors.As(err, &nf) {
				fmt.Fprintln(cmd.ErrOrStderr(), nf.Error())
				return silent(ExitFailure)
			}
			return err
		}
		notebook, file = p.Notebook, p.File
	}

	var o config.Overrides
	if cmd.Flags().Changed("mcp-url") {
		o.MCPURL = &flags.mcpURL
	}
	opts := config.Resolve(file, o)

	svc := mcp.NewSessionService(newStatusClient(opts.MCPURL))
	sessions := svc.ActiveSessions(cmd.Context())

	if flags.json {
		if err := writeJSON(out, sessions); err != nil {
			return err
		}
	} else if len(sessions) == 0 {
		fmt.Fprintln(out, "No active sessions.")
	} else {
		for _, s := range sessions {
			fmt.Fprintf(out, "%s\t%s\t%s\n", s.SessionID, s.Status, s.FilePath)
		}
	}

	if notebook != "" {
		if warning := svc.WarnIfActive(cmd.Context(), notebook); warning != "" {
			fmt.Fprintf(cmd.ErrOrStderr(), "%s %s\n", newStyles(cmd.ErrOrStderr()).warn.Render("Warning:"), warning)
		}
	}
	return nil
}
