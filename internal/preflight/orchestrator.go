package preflight

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"marimoguard/internal/browser"
	"marimoguard/internal/config"
	"marimoguard/internal/logging"
	"marimoguard/internal/mcp"
	"marimoguard/internal/runtime"
	"marimoguard/internal/tactile"
	"marimoguard/internal/visual"
)

// Tools runs the marimo command line. *runtime.CLI satisfies it.
type Tools interface {
	Check(ctx context.Context, notebook string, timeout time.Duration) (*tactile.ExecutionResult, error)
	RunCheck(ctx context.Context, notebook string, opts runtime.RunOptions) (*tactile.ExecutionResult, error)
	ServeCommand(notebook string, port int) tactile.Command
}

// UIVerifier checks the rendered notebook in a browser.
type UIVerifier interface {
	Verify(ctx context.Context, notebook string, port int, timeout time.Duration) *browser.Report
}

// StatusClient queries a live notebook server. *mcp.Client satisfies it.
type StatusClient interface {
	HealthCheck(ctx context.Context) bool
	WaitReady(ctx context.Context, d time.Duration) bool
	ErrorsSummary(ctx context.Context) (mcp.ErrorsSummary, error)
	ActiveNotebooks(ctx context.Context) ([]mcp.Notebook, error)
}

// Deps are the collaborators the orchestrator drives.
type Deps struct {
	Tools Tools
	// NewSession starts a fresh runtime for module execution.
	NewSession func(ctx context.Context) (runtime.Session, error)
	// NewVerifier builds the DOM verifier for the resolved options.
	NewVerifier func(opts config.PreflightOptions) UIVerifier
	// NewStatusClient builds a status client for baseURL.
	NewStatusClient func(baseURL string) StatusClient
	// Selftest runs the companion self-test script; nil skips the stage.
	Selftest func(ctx context.Context, notebook string) (*tactile.ExecutionResult, error)

	// Root is the project root holding logs/. Empty means discover it
	// from the notebook path.
	Root string
	// StageTimeout bounds each marimo subprocess beyond its own timeout.
	StageTimeout time.Duration
	// ExecTimeout bounds module execution in the runtime.
	ExecTimeout time.Duration
	// SmokeGrace is how long the smoke server gets to exit after SIGTERM.
	SmokeGrace time.Duration
}

// Orchestrator sequences the preflight stages.
type Orchestrator struct {
	deps Deps
}

// New creates an orchestrator, filling unset timeouts with defaults.
func New(deps Deps) *Orchestrator {
	if deps.StageTimeout <= 0 {
		deps.StageTimeout = 2 * time.Minute
	}
	if deps.ExecTimeout <= 0 {
		deps.ExecTimeout = 5 * time.Minute
	}
	if deps.SmokeGrace <= 0 {
		deps.SmokeGrace = 2 * time.Second
	}
	return &Orchestrator{deps: deps}
}

// Run executes every stage for notebook and returns the accumulated
// result. It never returns nil.
func (o *Orchestrator) Run(ctx context.Context, notebook string, opts config.PreflightOptions) *Result {
	timer := logging.StartTimer(logging.CategoryPreflight, "preflight "+filepath.Base(notebook))
	defer timer.StopWithThreshold(o.budget(opts))

	r := &Result{
		Notebook:      notebook,
		RunID:         uuid.NewString(),
		SchemaVersion: SchemaVersion,
		StartedAt:     time.Now().UTC(),
		Warnings:      []string{},
	}
	logging.Preflight("Preflight %s started (run_id=%s)", notebook, r.RunID)

	o.run(ctx, r, notebook, opts)

	r.DurationMs = time.Since(r.StartedAt).Milliseconds()
	if r.Failed() {
		logging.PreflightWarn("Preflight %s failed: %s", notebook, r.Error)
	} else {
		logging.Preflight("Preflight %s ok=%v warnings=%d", notebook, r.OK, len(r.Warnings))
	}
	return r
}

func (o *Orchestrator) run(ctx context.Context, r *Result, nb string, opts config.PreflightOptions) {
	if o.staticCheck(ctx, r, nb, opts) {
		return
	}
	o.selftestScript(ctx, r, nb)
	if o.executeModule(ctx, r, nb, opts) {
		return
	}

	runRC := o.fullRun(ctx, r, nb, opts)
	smokeOK := o.smoke(ctx, r, nb, opts)

	if o.verifyUI(ctx, r, nb, opts) {
		return
	}
	if o.crossCheck(ctx, r, nb, opts) {
		return
	}
	if o.artifact(r, nb, opts) {
		return
	}

	r.OK = !r.Failed() && runRC == 0 && smokeOK
}

// staticCheck runs "marimo check". It reports whether the run must stop.
func (o *Orchestrator) staticCheck(ctx context.Context, r *Result, nb string, opts config.PreflightOptions) bool {
	res, err := o.deps.Tools.Check(ctx, nb, o.deps.StageTimeout)
	if err != nil {
		r.Check = StageResult{Ran: true, RC: -1, Stderr: err.Error()}
		r.fail(ErrCheckFailed)
		return true
	}
	r.Check = stageFrom(res)
	if res.ExitCode != 0 {
		r.fail(ErrCheckFailed)
		return true
	}
	if opts.FailOnWarn && hasCheckWarning(res.Stdout) {
		r.Check.Warnings = true
		r.fail(ErrCheckWarnings)
		return true
	}
	return false
}

func (o *Orchestrator) selftestScript(ctx context.Context, r *Result, nb string) {
	if o.deps.Selftest == nil {
		return
	}
	res, err := o.deps.Selftest(ctx, nb)
	if err != nil {
		logging.PreflightWarn("Selftest script: %v", err)
		r.SelftestScriptError = err.Error()
		return
	}
	stage := stageFrom(res)
	r.SelftestScript = &stage
}

// executeModule runs the notebook's app in a runtime session and validates
// the chart objects it leaves behind.
func (o *Orchestrator) executeModule(ctx context.Context, r *Result, nb string, opts config.PreflightOptions) bool {
	sess, err := o.deps.NewSession(ctx)
	if err != nil {
		logging.PreflightError("Runtime session: %v", err)
		r.AppRun = &AppRun{Error: err.Error()}
		r.fail(ErrAppRunFailed)
		return true
	}
	defer func() {
		if err := sess.Close(); err != nil {
			logging.PreflightWarn("Closing runtime session: %v", err)
		}
	}()

	execCtx, cancel := context.WithTimeout(ctx, o.deps.ExecTimeout)
	defer cancel()

	res, err := sess.Execute(execCtx, nb)
	if err != nil {
		var execErr *runtime.ExecutionError
		if errors.As(err, &execErr) && execErr.NoApp() {
			r.fail(ErrNoApp)
			return true
		}
		r.AppRun = &AppRun{Error: err.Error()}
		r.fail(ErrAppRunFailed)
		return true
	}
	r.AppRun = &AppRun{OK: true, OutputsLen: res.OutputsLen, DefsLen: res.DefsLen}

	validator := visual.New(sess)

	if bindings, err := sess.Bindings(execCtx); err != nil {
		logging.PreflightWarn("Listing module bindings: %v", err)
	} else if diags := validator.ValidateModule(execCtx, bindings, opts.VisualStrict); len(diags) > 0 {
		msgs := visual.Strings(diags)
		r.visual().Errors = msgs
		r.warn(msgs...)
	}

	entries, err := sess.Charts(execCtx)
	if err != nil {
		logging.PreflightWarn("Reading chart registry: %v", err)
		return false
	}
	reports := validator.ValidateEntries(execCtx, entries)
	if len(reports) == 0 {
		return false
	}

	fatal := false
	for _, rep := range reports {
		for _, msg := range rep.Errors {
			r.warn(rep.Name + ": " + msg)
		}
		if visual.AnyFatal(rep.Diagnostics) {
			fatal = true
		}
	}
	r.visual().Registry = reports
	if opts.VisualStrict && fatal {
		r.fail(ErrRegistryVisual)
		return true
	}
	return false
}

// budget is the wall time a preflight is expected to stay under: two
// bounded marimo stages, the smoke hold and module execution.
func (o *Orchestrator) budget(opts config.PreflightOptions) time.Duration {
	return 2*o.deps.StageTimeout + opts.Timeout + opts.SmokeDuration + o.deps.ExecTimeout
}

func (r *Result) visual() *VisualValidation {
	if r.VisualValidation == nil {
		r.VisualValidation = &VisualValidation{}
	}
	return r.VisualValidation
}

// fullRun runs "marimo run --check" and returns its exit code.
func (o *Orchestrator) fullRun(ctx context.Context, r *Result, nb string, opts config.PreflightOptions) int {
	res, err := o.deps.Tools.RunCheck(ctx, nb, runtime.RunOptions{
		Port:     opts.RunPort,
		Timeout:  opts.Timeout,
		Deadline: opts.Timeout + o.deps.StageTimeout,
	})
	if err != nil {
		logging.PreflightError("marimo run: %v", err)
		r.Run = StageResult{Ran: true, RC: -1, Stderr: err.Error()}
		return -1
	}
	r.Run = stageFrom(res)
	return res.ExitCode
}

// smoke serves the notebook briefly, then scans its output for error
// patterns. It reports whether the smoke run was clean.
func (o *Orchestrator) smoke(ctx context.Context, r *Result, nb string, opts config.PreflightOptions) bool {
	if opts.SmokeDuration <= 0 {
		return true
	}

	start := time.Now()
	output := &tactile.OutputBuffer{}
	proc, err := tactile.Start(o.deps.Tools.ServeCommand(nb, 0), output)
	if err != nil {
		r.SmokeError = err.Error()
		return false
	}

	hold := min(max(opts.SmokeDuration, 100*time.Millisecond), 2*time.Second)
	select {
	case <-time.After(hold):
	case <-ctx.Done():
	}

	ok := true
	graceful, err := proc.Terminate(o.deps.SmokeGrace)
	if err != nil {
		logging.PreflightWarn("Stopping smoke server: %v", err)
	}
	if !graceful {
		ok = false
	}

	logs := output.String()
	elapsed := time.Since(start).Seconds()
	r.Smoke = &Smoke{
		ElapsedSec:       math.Round(elapsed*100) / 100,
		LogErrorPatterns: ScanErrorPatterns(logs),
		LogExcerpt:       tail(logs, excerptLen),
	}
	if len(r.Smoke.LogErrorPatterns) > 0 {
		logging.PreflightWarn("Smoke run log matched %v", r.Smoke.LogErrorPatterns)
		ok = false
	}
	return ok
}

func (o *Orchestrator) verifyUI(ctx context.Context, r *Result, nb string, opts config.PreflightOptions) bool {
	if !opts.UIRequested() {
		return false
	}
	if opts.UIPort <= 0 {
		r.UI = &browser.Report{Error: browser.ErrPortRequired}
	} else if o.deps.NewVerifier == nil {
		r.UI = &browser.Report{Error: browser.ErrUnavailable}
	} else {
		r.UI = o.deps.NewVerifier(opts).Verify(ctx, nb, opts.UIPort, opts.UITimeout)
	}

	if opts.UIStrict && !r.UI.OK {
		r.fail(r.UI.FailureText())
		return true
	}
	return false
}

// crossCheck consults the notebook server's status endpoint.
func (o *Orchestrator) crossCheck(ctx context.Context, r *Result, nb string, opts config.PreflightOptions) bool {
	if !opts.UseMCP || o.deps.NewStatusClient == nil {
		return false
	}
	info := &MCPInfo{}
	r.MCP = info

	client := o.deps.NewStatusClient(opts.MCPURL)
	if opts.MCPWait > 0 && !client.WaitReady(ctx, opts.MCPWait) {
		logging.PreflightWarn("Status endpoint not ready after %s", opts.MCPWait)
	}
	if !client.HealthCheck(ctx) {
		logging.PreflightWarn("Status endpoint %s unreachable", opts.MCPURL)
		return false
	}
	info.Reachable = true

	summary, err := client.ErrorsSummary(ctx)
	if err != nil {
		info.Error = err.Error()
		return false
	}
	info.Notebooks = summary.Notebooks
	info.TotalErrors = summary.TotalErrors

	active, err := client.ActiveNotebooks(ctx)
	if err != nil {
		logging.PreflightWarn("Listing active notebooks: %v", err)
		active = []mcp.Notebook{}
	}
	info.ActiveNotebooks = active

	if opts.MCPStrict {
		if errs := summary.ErrorsFor(nb, filepath.Base(nb)); len(errs) > 0 {
			info.ThisNotebookErrors = errs
			r.fail(ErrMCPNotebook)
			return true
		}
	}
	info.OK = true
	return false
}

// artifact attaches the companion self-test artifact, failing when it is
// required and absent.
func (o *Orchestrator) artifact(r *Result, nb string, opts config.PreflightOptions) bool {
	root := o.deps.Root
	if root == "" {
		root = config.FindProjectRoot(filepath.Dir(nb))
	}
	path := ArtifactPath(root, nb)

	data, err := os.ReadFile(path)
	if err != nil {
		if opts.RequireArtifact {
			logging.PreflightWarn("Selftest artifact %s: %v", path, err)
			r.fail(ErrArtifactMissing)
			return true
		}
		return false
	}
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		logging.PreflightWarn("Selftest artifact %s unreadable: %v", path, err)
		return false
	}
	r.Selftest = payload
	return false
}

func hasCheckWarning(stdout string) bool {
	return strings.Contains(stdout, "warning[")
}

// String renders a short verdict for logs.
func (r *Result) String() string {
	if r.OK {
		return fmt.Sprintf("ok %s (%d warnings)", r.Notebook, len(r.Warnings))
	}
	if r.Error != "" {
		return fmt.Sprintf("failed %s: %s", r.Notebook, r.Error)
	}
	return fmt.Sprintf("failed %s: run rc=%d", r.Notebook, r.Run.RC)
}
