// Package loop re-runs preflight until the notebook passes, optionally
// invoking a remediation command between attempts.
package loop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"marimoguard/internal/config"
	"marimoguard/internal/logging"
	"marimoguard/internal/preflight"
	"marimoguard/internal/tactile"
)

// ErrNotConverged is returned when every iteration failed.
var ErrNotConverged = errors.New("failed to converge within iteration budget")

// Preflighter runs one preflight. *preflight.Orchestrator satisfies it.
type Preflighter interface {
	Run(ctx context.Context, notebook string, opts config.PreflightOptions) *preflight.Result
}

// Iteration is the artifact persisted after each attempt.
type Iteration struct {
	OK        bool              `json:"ok"`
	Preflight *preflight.Result `json:"preflight"`
	Iteration int               `json:"iteration"`
	Notebook  string            `json:"notebook"`
}

// Outcome describes a finished loop.
type Outcome struct {
	Iterations int
	Artifacts  []string
	Last       *preflight.Result
}

// Runner drives the retry loop.
type Runner struct {
	Preflight Preflighter
	// Executor runs the remediation command.
	Executor tactile.Executor
	// LogsDir receives the per-iteration artifacts.
	LogsDir string
	// Out receives the human-readable progress lines.
	Out io.Writer
	// Sleep waits between iterations when no remediation is configured.
	Sleep func(ctx context.Context, d time.Duration) error
}

// NewRunner creates a runner writing artifacts under logsDir.
func NewRunner(pre Preflighter, logsDir string, out io.Writer) *Runner {
	return &Runner{
		Preflight: pre,
		Executor:  tactile.NewDirectExecutor(),
		LogsDir:   logsDir,
		Out:       out,
		Sleep:     sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run loops until a preflight passes or lo.MaxIterations is exhausted, in
// which case it returns ErrNotConverged.
func (r *Runner) Run(ctx context.Context, notebook string, opts config.PreflightOptions, lo config.LoopOptions) (*Outcome, error) {
	out := r.Out
	if out == nil {
		out = io.Discard
	}
	maxIters := max(lo.MaxIterations, 1)
	prefix := lo.Prefix
	if prefix == "" {
		prefix = config.DefaultArtifactPrefix
	}
	template := strings.TrimSpace(lo.OnErrorCmd)

	outcome := &Outcome{}
	for i := 1; i <= maxIters; i++ {
		if err := ctx.Err(); err != nil {
			return outcome, err
		}
		logging.Loop("Iteration %d/%d for %s", i, maxIters, notebook)

		res := r.Preflight.Run(ctx, notebook, opts)
		outcome.Iterations = i
		outcome.Last = res

		it := Iteration{OK: res.OK, Preflight: res, Iteration: i, Notebook: notebook}
		path, err := r.persist(prefix, notebook, it)
		if err != nil {
			return outcome, err
		}
		outcome.Artifacts = append(outcome.Artifacts, path)

		if res.OK {
			fmt.Fprintf(out, "✓ Notebook passed preflight on iteration %d: %s\n", i, notebook)
			fmt.Fprintf(out, "  details: %s\n", path)
			logging.Loop("Converged on iteration %d", i)
			return outcome, nil
		}

		fmt.Fprintf(out, "✗ Preflight failed on iteration %d\n", i)
		if summary := Summary(res); summary != "" {
			fmt.Fprintln(out, summary)
		}
		fmt.Fprintf(out, "  json: %s\n", path)

		if template != "" {
			r.remediate(ctx, out, template, notebook, path)
		} else if err := r.Sleep(ctx, lo.Sleep); err != nil {
			return outcome, err
		}
	}

	logging.LoopWarn("%s did not converge after %d iterations", notebook, maxIters)
	return outcome, ErrNotConverged
}

// ArtifactPath names the artifact for iteration i.
func ArtifactPath(logsDir, prefix, notebook string, i int) string {
	base := filepath.Base(notebook)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(logsDir, fmt.Sprintf("%s_%s_%d.json", prefix, stem, i))
}

func (r *Runner) persist(prefix, notebook string, it Iteration) (string, error) {
	if err := os.MkdirAll(r.LogsDir, 0o755); err != nil {
		return "", fmt.Errorf("create logs dir: %w", err)
	}
	path := ArtifactPath(r.LogsDir, prefix, notebook, it.Iteration)
	data, err := json.MarshalIndent(it, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode iteration %d: %w", it.Iteration, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write iteration %d: %w", it.Iteration, err)
	}
	return path, nil
}

// remediate runs the fixer through a login shell with {nb} substituted
// and ERR_JSON pointing at the failed iteration's artifact. Failures are
// reported and never abort the loop.
func (r *Runner) remediate(ctx context.Context, out io.Writer, template, notebook, artifact string) {
	script := strings.ReplaceAll(template, "{nb}", notebook)
	logging.Loop("Running fixer: %s", script)

	res, err := r.Executor.Execute(ctx, tactile.ShellCommand(script, "", "ERR_JSON="+artifact))
	if err != nil {
		logging.LoopWarn("Fixer did not run: %v", err)
		fmt.Fprintf(out, "  fixer command failed (rc=-1): %v\n", err)
		return
	}
	logging.Get(logging.CategoryLoop).StructuredLog("info", "fixer finished", map[string]interface{}{
		"rc":       res.ExitCode,
		"killed":   res.Killed,
		"duration": res.Duration.String(),
		"output":   res.Output(),
	})
	if res.Succeeded() {
		return
	}
	detail := res.Stderr
	if detail == "" {
		detail = res.Stdout
	}
	if res.Killed {
		detail = strings.TrimSpace(res.KillReason + " " + detail)
	}
	logging.LoopWarn("Fixer exited %d", res.ExitCode)
	fmt.Fprintf(out, "  fixer command failed (rc=%d): %s\n", res.ExitCode, detail)
}
