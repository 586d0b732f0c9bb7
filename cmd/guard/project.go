package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"go.uber.org/zap"

	"marimoguard/internal/config"
	"marimoguard/internal/logging"
	"marimoguard/internal/loop"
	"marimoguard/internal/mcp"
	"marimoguard/internal/preflight"
	"marimoguard/internal/runtime"
	"marimoguard/internal/transport"
)

// Collaborators built per invocation. Tests replace them.
var newPreflighter = func(env preflight.Environment) (loop.Preflighter, preflight.EditCommander) {
	orch, cli := preflight.NewDefault(env)
	return orch, cli
}

var launchEditor = preflight.Launch

var newStatusClient = func(url string) mcp.NotebookLister {
	return mcp.NewClient(url, transport.New(transport.DefaultConfig()))
}

var newDatasetChecker = func(python, root string) preflight.DatasetChecker {
	return &bridgeChecker{cfg: runtime.BridgeConfig{Python: python, Dir: root}}
}

type notFoundError struct{ path string }

func (e *notFoundError) Error() string { return "Notebook not found: " + e.path }

// project is the notebook being guarded and the configuration around it.
type project struct {
	Notebook string
	Root     string
	File     *config.File
}

// openProject resolves the notebook, reads the project config and .env,
// and starts category logging under the project root.
func openProject(arg string) (*project, error) {
	nb := expandPath(arg)
	if info, err := os.Stat(nb); err != nil || info.IsDir() {
		return nil, &notFoundError{path: nb}
	}

	file, err := config.Load(nb)
	if err != nil {
		// A broken config file must not block the guard; defaults apply.
		logger.Warn("ignoring guard config", zap.Error(err))
		file = &config.File{Root: config.FindProjectRoot(nb)}
	}
	if err := config.LoadDotEnv(file.Root); err != nil {
		logger.Warn("ignoring .env", zap.Error(err))
	}
	if err := logging.Initialize(file.Root, file.Logging); err != nil {
		logger.Warn("category logging disabled", zap.Error(err))
	}
	logger.Debug("project opened",
		zap.String("notebook", nb),
		zap.String("root", file.Root),
		zap.String("config", file.Source))
	return &project{Notebook: nb, Root: file.Root, File: file}, nil
}

func expandPath(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	if abs, err := filepath.Abs(p); err == nil {
		p = abs
	}
	if resolved, err := filepath.EvalSymlinks(p); err == nil {
		p = resolved
	}
	return p
}

func (p *project) logsDir() string {
	return filepath.Join(p.Root, "logs")
}

func (p *project) environment(opts config.PreflightOptions, browserBin string) preflight.Environment {
	env := preflight.Environment{
		Root:       p.Root,
		Python:     runtime.PythonExecutable(p.Root, opts.Python),
		BrowserBin: browserBin,
	}
	if self, err := os.Executable(); err == nil {
		env.GuardBinary = self
	}
	return env
}

func writeJSON(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

// styles colour verdict prefixes when w is a terminal.
type styles struct {
	ok, fail, warn lipgloss.Style
}

func newStyles(w io.Writer) styles {
	r := lipgloss.NewRenderer(w)
	return styles{
		ok:   r.NewStyle().Bold(true).Foreground(lipgloss.Color("2")),
		fail: r.NewStyle().Bold(true).Foreground(lipgloss.Color("1")),
		warn: r.NewStyle().Foreground(lipgloss.Color("3")),
	}
}

// bridgeChecker starts the runtime bridge on the first dataset check, so
// a self-test without a dataset never spawns Python.
type bridgeChecker struct {
	cfg    runtime.BridgeConfig
	bridge *runtime.Bridge
}

func (c *bridgeChecker) CheckDataset(ctx context.Context, path string) (*runtime.DatasetReport, error) {
	if c.bridge == nil {
		b, err := runtime.StartBridge(c.cfg)
		if err != nil {
			return nil, err
		}
		c.bridge = b
	}
	return c.bridge.CheckDataset(ctx, path)
}

func (c *bridgeChecker) Close() error {
	if c.bridge == nil {
		return nil
	}
	return c.bridge.Close()
}
