package preflight

import (
	"context"
	"path/filepath"
	"time"

	"marimoguard/internal/browser"
	"marimoguard/internal/config"
	"marimoguard/internal/mcp"
	"marimoguard/internal/runtime"
	"marimoguard/internal/tactile"
	"marimoguard/internal/transport"
)

// Environment wires the orchestrator to real collaborators.
type Environment struct {
	Root   string
	Python string
	// GuardBinary is re-invoked as "<GuardBinary> selftest <nb>" for the
	// companion self-test. Empty skips that stage.
	GuardBinary string
	// BrowserBin overrides Chromium discovery for DOM verification.
	BrowserBin string
}

// NewDefault builds an orchestrator around the marimo CLI, the runtime
// bridge, a go-rod browser and the HTTP status client.
func NewDefault(env Environment) (*Orchestrator, *runtime.CLI) {
	cli := runtime.NewCLI(env.Python, env.Root)
	deps := Deps{
		Tools: cli,
		Root:  env.Root,
		NewSession: func(ctx context.Context) (runtime.Session, error) {
			return runtime.StartBridge(runtime.BridgeConfig{Python: env.Python, Dir: env.Root})
		},
		NewVerifier: func(opts config.PreflightOptions) UIVerifier {
			cfg := browser.DefaultConfig()
			cfg.ArtifactsDir = filepath.Join(env.Root, "logs")
			cfg.ConsoleAllowlist = opts.UIErrorAllowed
			return browser.NewVerifier(cfg, cli.ServeCommand, browser.NewRodInspector(env.BrowserBin))
		},
		NewStatusClient: func(baseURL string) StatusClient {
			return mcp.NewClient(baseURL, transport.New(transport.DefaultConfig()))
		},
	}
	if env.GuardBinary != "" {
		deps.Selftest = SelftestCommand(cli.Executor, env.GuardBinary, env.Root, 5*time.Minute)
	}
	return New(deps), cli
}

// SelftestCommand returns a Deps.Selftest that runs the guard's own
// selftest subcommand in a child process.
func SelftestCommand(exec tactile.Executor, binary, dir string, timeout time.Duration) func(context.Context, string) (*tactile.ExecutionResult, error) {
	return func(ctx context.Context, notebook string) (*tactile.ExecutionResult, error) {
		return exec.Execute(ctx, tactile.Command{
			Binary:           binary,
			Arguments:        []string{"selftest", notebook},
			WorkingDirectory: dir,
			Timeout:          timeout,
		})
	}
}
