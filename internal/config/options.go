package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment variables consulted when resolving preflight options.
const (
	EnvTimeout          = "MARIMO_GUARD_TIMEOUT"
	EnvSmokeSeconds     = "MARIMO_GUARD_SMOKE_SECONDS"
	EnvRunPort          = "MARIMO_GUARD_RUN_PORT"
	EnvFailOnWarn       = "MARIMO_GUARD_FAIL_ON_WARN"
	EnvRequireArtifact  = "MARIMO_GUARD_REQUIRE_ARTIFACT"
	EnvUseMCP           = "MARIMO_GUARD_USE_MCP"
	EnvMCPURL           = "MARIMO_GUARD_MCP_URL"
	EnvMCPStrict        = "MARIMO_GUARD_MCP_STRICT"
	EnvMCPWaitSeconds   = "MARIMO_GUARD_MCP_WAIT_SECONDS"
	EnvVisualStrict     = "MARIMO_GUARD_VISUAL_STRICT"
	EnvUIStrict         = "MARIMO_GUARD_UI_STRICT"
	EnvUIPort           = "MARIMO_GUARD_UI_PORT"
	EnvUITimeout        = "MARIMO_GUARD_UI_TIMEOUT"
	EnvUIErrorAllowlist = "MARIMO_GUARD_UI_ERROR_ALLOWLIST"
	EnvPython           = "MARIMO_GUARD_PYTHON"
)

// PreflightOptions is the resolved, read-only option set for one
// preflight invocation.
type PreflightOptions struct {
	Timeout         time.Duration `json:"timeout"`
	SmokeDuration   time.Duration `json:"smoke"`
	RunPort         int           `json:"run_port,omitempty"`
	FailOnWarn      bool          `json:"fail_on_warn"`
	RequireArtifact bool          `json:"require_artifact"`

	UseMCP    bool          `json:"use_mcp"`
	MCPURL    string        `json:"mcp_url"`
	MCPStrict bool          `json:"mcp_strict"`
	MCPWait   time.Duration `json:"mcp_wait"`

	VisualStrict bool `json:"visual_strict"`

	UIStrict       bool          `json:"ui_strict"`
	UIPort         int           `json:"ui_port,omitempty"`
	UITimeout      time.Duration `json:"ui_timeout"`
	UIErrorAllowed []string      `json:"ui_error_allowlist,omitempty"`

	Python string `json:"python,omitempty"`
}

// DefaultOptions returns the built-in defaults.
func DefaultOptions() PreflightOptions {
	return PreflightOptions{
		Timeout:         10 * time.Second,
		SmokeDuration:   6 * time.Second,
		RequireArtifact: true,
		MCPURL:          DefaultMCPURL,
		UITimeout:       20 * time.Second,
	}
}

// UIRequested reports whether the DOM verification stage should run.
func (o PreflightOptions) UIRequested() bool {
	return o.UIStrict || o.UIPort != 0
}

// Overrides carries values given explicitly on the command line.
// A nil field means the flag was not set.
type Overrides struct {
	Timeout         *int
	SmokeSeconds    *int
	RunPort         *int
	FailOnWarn      *bool
	RequireArtifact *bool
	UseMCP          *bool
	MCPURL          *string
	MCPStrict       *bool
	MCPWaitSeconds  *int
	VisualStrict    *bool
	UIStrict        *bool
	UIPort          *int
	UITimeout       *int
	Python          *string
}

// Resolve merges the sources per option with priority
// command line > environment > config file > default.
func Resolve(f *File, o Overrides) PreflightOptions {
	if f == nil {
		f = &File{}
	}
	d := DefaultOptions()

	opts := PreflightOptions{
		Timeout:         seconds(pickInt(o.Timeout, EnvTimeout, f.TimeoutSeconds, int(d.Timeout/time.Second))),
		SmokeDuration:   seconds(pickInt(o.SmokeSeconds, EnvSmokeSeconds, f.SmokeSeconds, int(d.SmokeDuration/time.Second))),
		RunPort:         pickInt(o.RunPort, EnvRunPort, f.RunPort, 0),
		FailOnWarn:      pickBool(o.FailOnWarn, EnvFailOnWarn, f.FailOnWarn, d.FailOnWarn),
		RequireArtifact: pickBool(o.RequireArtifact, EnvRequireArtifact, f.RequireArtifact, d.RequireArtifact),
		UseMCP:          pickBool(o.UseMCP, EnvUseMCP, f.MCP.Enabled, d.UseMCP),
		MCPURL:          pickString(o.MCPURL, EnvMCPURL, f.MCP.URL, d.MCPURL),
		MCPStrict:       pickBool(o.MCPStrict, EnvMCPStrict, f.MCP.Strict, d.MCPStrict),
		MCPWait:         seconds(pickInt(o.MCPWaitSeconds, EnvMCPWaitSeconds, f.MCP.WaitSeconds, 0)),
		VisualStrict:    pickBool(o.VisualStrict, EnvVisualStrict, f.Visual.Strict, d.VisualStrict),
		UIStrict:        pickBool(o.UIStrict, EnvUIStrict, f.UI.Strict, d.UIStrict),
		UIPort:          pickInt(o.UIPort, EnvUIPort, f.UI.Port, 0),
		UITimeout:       seconds(pickInt(o.UITimeout, EnvUITimeout, f.UI.TimeoutSeconds, int(d.UITimeout/time.Second))),
		Python:          pickString(o.Python, EnvPython, f.Runtime.Python, ""),
	}
	if list := envList(EnvUIErrorAllowlist); len(list) > 0 {
		opts.UIErrorAllowed = list
	} else if len(f.UI.ErrorAllowlist) > 0 {
		opts.UIErrorAllowed = append([]string(nil), f.UI.ErrorAllowlist...)
	}
	if opts.UITimeout <= 0 {
		opts.UITimeout = d.UITimeout
	}
	return opts
}

// LoopOptions configures the retry loop.
type LoopOptions struct {
	MaxIterations int
	Sleep         time.Duration
	OnErrorCmd    string
	Prefix        string
}

// DefaultArtifactPrefix names per-iteration loop artifacts.
const DefaultArtifactPrefix = "marimo_guard_iter"

// LoopOverrides carries retry-loop flags given on the command line.
type LoopOverrides struct {
	MaxIters     *int
	SleepSeconds *int
	OnErrorCmd   *string
}

// ResolveLoop merges loop settings; the loop has no environment variables.
func ResolveLoop(f *File, o LoopOverrides) LoopOptions {
	if f == nil {
		f = &File{}
	}
	lo := LoopOptions{
		MaxIterations: pickInt(o.MaxIters, "", f.Loop.MaxIters, 3),
		Sleep:         seconds(pickInt(o.SleepSeconds, "", f.Loop.SleepSeconds, 3)),
		OnErrorCmd:    strings.TrimSpace(pickString(o.OnErrorCmd, "", f.Loop.OnErrorCmd, "")),
		Prefix:        f.Loop.Prefix,
	}
	if lo.MaxIterations < 1 {
		lo.MaxIterations = 1
	}
	if lo.Sleep < 0 {
		lo.Sleep = 0
	}
	if lo.Prefix == "" {
		lo.Prefix = DefaultArtifactPrefix
	}
	return lo
}

// EnvBool parses a boolean environment variable. ok is false when the
// variable is unset or holds an unrecognized value.
func EnvBool(name string) (value bool, ok bool) {
	raw, set := os.LookupEnv(name)
	if !set {
		return false, false
	}
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	}
	return false, false
}

// EnvInt parses an integer environment variable.
func EnvInt(name string) (int, bool) {
	raw, set := os.LookupEnv(name)
	if !set {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, false
	}
	return n, true
}

// envList splits a comma-separated environment variable, dropping blanks.
func envList(name string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(name), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func pickBool(cli *bool, env string, file *bool, def bool) bool {
	if cli != nil {
		return *cli
	}
	if env != "" {
		if v, ok := EnvBool(env); ok {
			return v
		}
	}
	if file != nil {
		return *file
	}
	return def
}

func pickInt(cli *int, env string, file *int, def int) int {
	if cli != nil {
		return *cli
	}
	if env != "" {
		if v, ok := EnvInt(env); ok {
			return v
		}
	}
	if file != nil {
		return *file
	}
	return def
}

func pickString(cli *string, env string, file string, def string) string {
	if cli != nil && *cli != "" {
		return *cli
	}
	if env != "" {
		if v := strings.TrimSpace(os.Getenv(env)); v != "" {
			return v
		}
	}
	if file != "" {
		return file
	}
	return def
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
