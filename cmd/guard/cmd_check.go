package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"marimoguard/internal/config"
	"marimoguard/internal/preflight"
)

// preflightFlags are the option flags shared by check and loop. Only flags
// set on the command line become overrides; everything else falls through
// to the environment, the config file and the defaults.
type preflightFlags struct {
	timeout      int
	smokeSeconds int
	runPort      int
	failOnWarn   bool
	useMCP       bool
	mcpURL       string
	mcpStrict    bool
	mcpWait      int
	visualStrict bool
	uiStrict     bool
	uiPort       int
	uiTimeout    int
	python       string
	browserBin   string
}

func (f *preflightFlags) register(cmd *cobra.Command) {
	d := config.DefaultOptions()
	fs := cmd.Flags()
	fs.IntVar(&f.timeout, "timeout", int(d.Timeout.Seconds()), "Per-stage timeout in seconds")
	fs.IntVar(&f.smokeSeconds, "smoke-seconds", int(d.SmokeDuration.Seconds()), "Smoke run duration in seconds")
	fs.IntVar(&f.runPort, "run-port", 0, "Port for the headless full run")
	fs.BoolVar(&f.failOnWarn, "fail-on-warn", false, "Treat marimo check warnings as failures")
	fs.BoolVar(&f.useMCP, "use-mcp", false, "Cross-check the notebook server's status endpoint")
	fs.StringVar(&f.mcpURL, "mcp-url", d.MCPURL, "Status endpoint base URL")
	fs.BoolVar(&f.mcpStrict, "mcp-strict", false, "Fail when the status endpoint reports errors for this notebook")
	fs.IntVar(&f.mcpWait, "mcp-wait-seconds", 0, "Wait up to N seconds for the status endpoint")
	fs.BoolVar(&f.visualStrict, "visual-strict", false, "Fail on chart validation errors")
	fs.BoolVar(&f.uiStrict, "ui-strict", false, "Fail when the rendered page shows errors or no charts")
	fs.IntVar(&f.uiPort, "ui-port", 0, "Port for DOM verification")
	fs.IntVar(&f.uiTimeout, "ui-timeout", int(d.UITimeout.Seconds()), "DOM verification timeout in seconds")
	fs.StringVar(&f.python, "python", "", "Python interpreter hosting marimo")
	fs.StringVar(&f.browserBin, "browser-bin", "", "Chromium binary for DOM verification")
}

func (f *preflightFlags) overrides(cmd *cobra.Command) config.Overrides {
	fs := cmd.Flags()
	intFlag := func(name string, v int) *int {
		if !fs.Changed(name) {
			return nil
		}
		return &v
	}
	boolFlag := func(name string, v bool) *bool {
		if !fs.Changed(name) {
			return nil
		}
		return &v
	}
	stringFlag := func(name, v string) *string {
		if !fs.Changed(name) {
			return nil
		}
		return &v
	}
	return config.Overrides{
		Timeout:        intFlag("timeout", f.timeout),
		SmokeSeconds:   intFlag("smoke-seconds", f.smokeSeconds),
		RunPort:        intFlag("run-port", f.runPort),
		FailOnWarn:     boolFlag("fail-on-warn", f.failOnWarn),
		UseMCP:         boolFlag("use-mcp", f.useMCP),
		MCPURL:         stringFlag("mcp-url", f.mcpURL),
		MCPStrict:      boolFlag("mcp-strict", f.mcpStrict),
		MCPWaitSeconds: intFlag("mcp-wait-seconds", f.mcpWait),
		VisualStrict:   boolFlag("visual-strict", f.visualStrict),
		UIStrict:       boolFlag("ui-strict", f.uiStrict),
		UIPort:         intFlag("ui-port", f.uiPort),
		UITimeout:      intFlag("ui-timeout", f.uiTimeout),
		Python:         stringFlag("python", f.python),
	}
}

type checkFlags struct {
	preflightFlags
	json         bool
	launch       bool
	port         int
	keepExisting bool
}

func newCheckCmd() *cobra.Command {
	flags := &checkFlags{}
	cmd := &cobra.Command{
		Use:   "check <notebook>",
		Short: "Run preflight once and optionally launch the editor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(cmd, flags, args[0])
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&flags.json, "json", false, "Print the result as JSON")
	cmd.Flags().BoolVar(&flags.launch, "launch", false, "Start marimo edit when preflight passes")
	cmd.Flags().IntVar(&flags.port, "port", 0, "Editor port for --launch (default: first free from 2731)")
	cmd.Flags().BoolVar(&flags.keepExisting, "keep-existing", false, "Leave running editors for this notebook alone")
	return cmd
}

// checkPayload is the --json output of a passing check.
type checkPayload struct {
	OK        bool                  `json:"ok"`
	Notebook  string                `json:"notebook"`
	Preflight *preflight.Result     `json:"preflight"`
	Launch    *preflight.LaunchInfo `json:"launch,omitempty"`
}

func runCheck(cmd *cobra.Command, flags *checkFlags, arg string) error {
	out := cmd.OutOrStdout()
	st := newStyles(out)

	p, err := openProject(arg)
	if err != nil {
		var nf *notFoundError
		if errors.As(err, &nf) {
			_ = writeJSON(out, map[string]any{"ok": false, "error": nf.Error()})
			return silent(ExitFailure)
		}
		return err
	}

	opts := config.Resolve(p.File, flags.overrides(cmd))
	logger.Debug("resolved preflight options", zap.String("notebook", p.Notebook), zap.Any("options", opts))

	pre, editor := newPreflighter(p.environment(opts, flags.browserBin))
	res := pre.Run(cmd.Context(), p.Notebook, opts)
	logger.Debug("preflight finished", zap.Bool("ok", res.OK), zap.String("run_id", res.RunID), zap.Int64("duration_ms", res.DurationMs))

	if !res.OK {
		if flags.json {
			_ = writeJSON(out, res)
		} else {
			reason := res.Error
			if reason == "" {
				reason = "unknown error"
			}
			fmt.Fprintln(out, st.fail.Render("Preflight failed:"))
			fmt.Fprintln(out, reason)
		}
		return silent(ExitFailure)
	}

	var launch *preflight.LaunchInfo
	if flags.launch {
		info := launchEditor(editor, p.Notebook, flags.port, flags.keepExisting)
		launch = &info
		if !info.Launched {
			logger.Warn("launch failed", zap.String("error", info.Error))
			if flags.json {
				payload, err := withLaunch(res, info)
				if err != nil {
					return err
				}
				_ = writeJSON(out, payload)
			} else {
				fmt.Fprintf(out, "%s %s\n", st.fail.Render("Launch failed:"), info.Error)
			}
			return silent(ExitIncomplete)
		}
	}

	if flags.json {
		return writeJSON(out, checkPayload{OK: true, Notebook: p.Notebook, Preflight: res, Launch: launch})
	}
	fmt.Fprintf(out, "%s %s\n", st.ok.Render("OK:"), p.Notebook)
	for _, w := range res.Warnings {
		fmt.Fprintf(out, "%s %s\n", st.warn.Render("Warning:"), w)
	}
	if launch != nil {
		fmt.Fprintf(out, "Launched at %s\n", launch.URL)
	}
	return nil
}

// withLaunch flattens the preflight result and adds the launch report.
func withLaunch(res *preflight.Result, info preflight.LaunchInfo) (map[string]any, error) {
	data, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	payload := map[string]any{}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	payload["launch"] = info
	return payload, nil
}
