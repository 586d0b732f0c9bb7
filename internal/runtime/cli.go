package runtime

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"marimoguard/internal/logging"
	"marimoguard/internal/tactile"
)

// Fragments of argparse/click output meaning --timeout is not supported by
// the installed marimo. Matched against lowercased stderr.
var timeoutRejections = []string{
	"unrecognized arguments: --timeout",
	"error: unrecognized arguments",
	"no such option: --timeout",
}

// CLI drives "python -m marimo".
type CLI struct {
	Python string
	// ModuleArgs select marimo on the interpreter, "-m marimo" by default.
	ModuleArgs []string
	Dir        string
	Env        []string
	Executor   tactile.Executor
}

// NewCLI creates a CLI rooted at dir using python.
func NewCLI(python, dir string) *CLI {
	return &CLI{
		Python:   python,
		Dir:      dir,
		Executor: tactile.NewDirectExecutor(),
	}
}

// Command builds a marimo invocation.
func (c *CLI) Command(args ...string) tactile.Command {
	mod := c.ModuleArgs
	if len(mod) == 0 {
		mod = []string{"-m", "marimo"}
	}
	return tactile.Command{
		Binary:           c.Python,
		Arguments:        append(append([]string{}, mod...), args...),
		WorkingDirectory: c.Dir,
		Environment:      c.Env,
	}
}

func (c *CLI) exec(ctx context.Context, timeout time.Duration, args ...string) (*tactile.ExecutionResult, error) {
	cmd := c.Command(args...)
	cmd.Timeout = timeout
	return c.Executor.Execute(ctx, cmd)
}

// Check runs the static "marimo check".
func (c *CLI) Check(ctx context.Context, notebook string, timeout time.Duration) (*tactile.ExecutionResult, error) {
	logging.Runtime("marimo check %s", notebook)
	return c.exec(ctx, timeout, "check", notebook)
}

// RunOptions tune the headless full run.
type RunOptions struct {
	Port int
	// Timeout is passed to marimo as --timeout seconds; zero omits it.
	Timeout time.Duration
	// Deadline bounds the whole subprocess.
	Deadline time.Duration
}

// RunCheck runs "marimo run --check" headlessly. When the installed marimo
// rejects --timeout it retries once without it.
func (c *CLI) RunCheck(ctx context.Context, notebook string, opts RunOptions) (*tactile.ExecutionResult, error) {
	base := []string{"run", notebook, "--no-token", "--headless", "--check"}
	args := append([]string{}, base...)
	if opts.Port > 0 {
		args = append(args, "--port", strconv.Itoa(opts.Port))
	}
	if opts.Timeout > 0 {
		args = append(args, "--timeout", strconv.Itoa(int(opts.Timeout.Seconds())))
	}

	result, err := c.exec(ctx, opts.Deadline, args...)
	if err != nil {
		return nil, err
	}
	if opts.Timeout > 0 && result.ExitCode != 0 && RejectsTimeoutFlag(result.Stderr) {
		logging.RuntimeWarn("marimo rejected --timeout, retrying without it")
		return c.exec(ctx, opts.Deadline, base...)
	}
	return result, nil
}

// RejectsTimeoutFlag reports whether stderr says --timeout is unknown.
func RejectsTimeoutFlag(stderr string) bool {
	lc := strings.ToLower(stderr)
	for _, frag := range timeoutRejections {
		if strings.Contains(lc, frag) {
			return true
		}
	}
	return false
}

// ServeCommand is "marimo run" serving the app headlessly on port.
func (c *CLI) ServeCommand(notebook string, port int) tactile.Command {
	args := []string{"run", notebook, "--no-token", "--headless"}
	if port > 0 {
		args = append(args, "--port", strconv.Itoa(port))
	}
	return c.Command(args...)
}

// EditCommand is "marimo edit" on port with extra flags.
func (c *CLI) EditCommand(notebook string, port int, extra ...string) tactile.Command {
	args := []string{"edit", notebook, "--no-token"}
	if port > 0 {
		args = append(args, "--port", strconv.Itoa(port))
	}
	return c.Command(append(args, extra...)...)
}

// PythonExecutable picks the interpreter: the explicit override, then the
// project's .venv, then python3 or python on PATH.
func PythonExecutable(root, override string) string {
	if override != "" {
		return override
	}
	for _, rel := range []string{".venv/bin/python", ".venv/Scripts/python.exe"} {
		p := filepath.Join(root, rel)
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p
		}
	}
	for _, name := range []string{"python3", "python"} {
		if p, err := exec.LookPath(name); err == nil {
			return p
		}
	}
	return "python3"
}
