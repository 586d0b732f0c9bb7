package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marimoguard/internal/config"
	"marimoguard/internal/loop"
	"marimoguard/internal/preflight"
	"marimoguard/internal/runtime"
)

func execute(t *testing.T, args ...string) (stdout, stderr string, code int) {
	t.Helper()
	root := newRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), errOut.String(), exitCode(err)
}

// workspace creates a project with a .git marker and one notebook.
func workspace(t *testing.T) (root, nb string) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, ".git"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "notebooks"), 0o755))
	path := filepath.Join(dir, "notebooks", "sales.py")
	require.NoError(t, os.WriteFile(path, []byte("import marimo\napp = marimo.App()\n"), 0o644))
	return expandPath(dir), expandPath(path)
}

type fakePreflight struct {
	results []*preflight.Result
	opts    []config.PreflightOptions
}

func (f *fakePreflight) Run(_ context.Context, nb string, opts config.PreflightOptions) *preflight.Result {
	f.opts = append(f.opts, opts)
	r := f.results[min(len(f.opts)-1, len(f.results)-1)]
	r.Notebook = nb
	return r
}

func stubPreflight(t *testing.T, results ...*preflight.Result) *fakePreflight {
	t.Helper()
	fake := &fakePreflight{results: results}
	orig := newPreflighter
	newPreflighter = func(env preflight.Environment) (loop.Preflighter, preflight.EditCommander) {
		return fake, runtime.NewCLI(env.Python, env.Root)
	}
	t.Cleanup(func() { newPreflighter = orig })
	return fake
}

func stubLaunch(t *testing.T, info preflight.LaunchInfo) *int {
	t.Helper()
	calls := 0
	orig := launchEditor
	launchEditor = func(preflight.EditCommander, string, int, bool) preflight.LaunchInfo {
		calls++
		return info
	}
	t.Cleanup(func() { launchEditor = orig })
	return &calls
}

func TestCheck_NotebookNotFound(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope.py")
	stdout, _, code := execute(t, "check", missing)

	assert.Equal(t, ExitFailure, code)
	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(stdout), &got))
	assert.Equal(t, false, got["ok"])
	assert.Equal(t, "Notebook not found: "+expandPath(missing), got["error"])
}

func TestCheck_Passes(t *testing.T) {
	_, nb := workspace(t)
	stubPreflight(t, &preflight.Result{OK: true, Warnings: []string{"marimo check reported warnings"}})

	stdout, _, code := execute(t, "check", nb)

	assert.Equal(t, ExitSuccess, code)
	assert.Equal(t, "OK: "+nb+"\nWarning: marimo check reported warnings\n", stdout)
}

func TestCheck_Fails(t *testing.T) {
	_, nb := workspace(t)

	stubPreflight(t, &preflight.Result{Error: preflight.ErrCheckFailed})
	stdout, _, code := execute(t, "check", nb)
	assert.Equal(t, ExitFailure, code)
	assert.Equal(t, "Preflight failed:\nmarimo check failed\n", stdout)

	stubPreflight(t, &preflight.Result{})
	stdout, _, _ = execute(t, "check", nb)
	assert.Equal(t, "Preflight failed:\nunknown error\n", stdout)
}

func TestCheck_FailsJSON(t *testing.T) {
	_, nb := workspace(t)
	stubPreflight(t, &preflight.Result{Error: preflight.ErrNoApp, Warnings: []string{}})

	stdout, _, code := execute(t, "check", "--json", nb)

	assert.Equal(t, ExitFailure, code)
	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(stdout), &got))
	assert.Equal(t, false, got["ok"])
	assert.Equal(t, preflight.ErrNoApp, got["error"])
	assert.Equal(t, nb, got["notebook"])
}

func TestCheck_PassesJSON(t *testing.T) {
	_, nb := workspace(t)
	stubPreflight(t, &preflight.Result{OK: true, Warnings: []string{}})

	stdout, _, code := execute(t, "check", "--json", nb)

	assert.Equal(t, ExitSuccess, code)
	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(stdout), &got))
	assert.Equal(t, true, got["ok"])
	assert.Equal(t, nb, got["notebook"])
	assert.Contains(t, got, "preflight")
	assert.NotContains(t, got, "launch")
}

func TestCheck_FlagsOverrideOnlyWhenSet(t *testing.T) {
	_, nb := workspace(t)
	t.Setenv(config.EnvFailOnWarn, "1")
	t.Setenv(config.EnvUseMCP, "1")
	fake := stubPreflight(t, &preflight.Result{OK: true})

	_, _, code := execute(t, "check", "--timeout", "30", "--ui-port", "9000", "--use-mcp=false", nb)
	require.Equal(t, ExitSuccess, code)
	require.Len(t, fake.opts, 1)

	opts := fake.opts[0]
	assert.Equal(t, 30*time.Second, opts.Timeout)
	assert.Equal(t, 6*time.Second, opts.SmokeDuration)
	assert.Equal(t, 9000, opts.UIPort)
	assert.True(t, opts.FailOnWarn, "unset flag falls through to the environment")
	assert.False(t, opts.UseMCP, "an explicit flag beats the environment")
	assert.True(t, opts.RequireArtifact)
}

func TestCheck_ConfigFile(t *testing.T) {
	root, nb := workspace(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, ".marimo-guard.toml"),
		[]byte("[marimo_guard.visual]\nstrict = true\n"), 0o644))
	fake := stubPreflight(t, &preflight.Result{OK: true})

	_, _, code := execute(t, "check", nb)

	require.Equal(t, ExitSuccess, code)
	assert.True(t, fake.opts[0].VisualStrict)
}

func TestCheck_Launch(t *testing.T) {
	_, nb := workspace(t)
	stubPreflight(t, &preflight.Result{OK: true})
	calls := stubLaunch(t, preflight.LaunchInfo{Launched: true, URL: "http://localhost:2731", PID: 42})

	stdout, _, code := execute(t, "check", "--launch", nb)

	assert.Equal(t, ExitSuccess, code)
	assert.Equal(t, 1, *calls)
	assert.Equal(t, "OK: "+nb+"\nLaunched at http://localhost:2731\n", stdout)
}

func TestCheck_LaunchFailure(t *testing.T) {
	_, nb := workspace(t)
	stubPreflight(t, &preflight.Result{OK: true})
	stubLaunch(t, preflight.LaunchInfo{Error: "marimo edit exited immediately"})

	stdout, _, code := execute(t, "check", "--launch", nb)
	assert.Equal(t, ExitIncomplete, code)
	assert.Equal(t, "Launch failed: marimo edit exited immediately\n", stdout)

	stdout, _, code = execute(t, "check", "--launch", "--json", nb)
	assert.Equal(t, ExitIncomplete, code)
	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(stdout), &got))
	assert.Equal(t, true, got["ok"], "the preflight fields are inlined")
	launch, ok := got["launch"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, false, launch["launched"])
	assert.Equal(t, "marimo edit exited immediately", launch["error"])
}

func TestCheck_NoLaunchWhenPreflightFails(t *testing.T) {
	_, nb := workspace(t)
	stubPreflight(t, &preflight.Result{Error: preflight.ErrCheckFailed})
	calls := stubLaunch(t, preflight.LaunchInfo{Launched: true})

	_, _, code := execute(t, "check", "--launch", nb)

	assert.Equal(t, ExitFailure, code)
	assert.Zero(t, *calls)
}

func TestLoop_Converges(t *testing.T) {
	root, nb := workspace(t)
	fake := stubPreflight(t,
		&preflight.Result{Error: preflight.ErrCheckFailed},
		&preflight.Result{OK: true},
	)

	stdout, _, code := execute(t, "loop", "--sleep-seconds", "0", nb)

	assert.Equal(t, ExitSuccess, code)
	assert.Len(t, fake.opts, 2)
	assert.Contains(t, stdout, "✗ Preflight failed on iteration 1\n")
	assert.Contains(t, stdout, "✓ Notebook passed preflight on iteration 2: "+nb+"\n")
	assert.FileExists(t, loop.ArtifactPath(filepath.Join(root, "logs"), config.DefaultArtifactPrefix, nb, 2))
}

func TestLoop_NotConverged(t *testing.T) {
	root, nb := workspace(t)
	fake := stubPreflight(t, &preflight.Result{Error: preflight.ErrNoApp})

	_, stderr, code := execute(t, "loop", "--max-iters", "2", "--sleep-seconds", "0", nb)

	assert.Equal(t, ExitIncomplete, code)
	assert.Equal(t, "Failed to converge within iteration budget\n", stderr)
	assert.Len(t, fake.opts, 2)
	assert.FileExists(t, loop.ArtifactPath(filepath.Join(root, "logs"), config.DefaultArtifactPrefix, nb, 2))
}

func TestLoop_NotebookNotFound(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope.py")
	_, stderr, code := execute(t, "loop", missing)
	assert.Equal(t, ExitFailure, code)
	assert.Equal(t, "Notebook not found: "+expandPath(missing)+"\n", stderr)
}

func TestWatch_NotebookNotFound(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope.py")
	_, stderr, code := execute(t, "watch", missing)
	assert.Equal(t, ExitFailure, code)
	assert.Contains(t, stderr, "Notebook not found")
}

func TestDefaultWatchPort(t *testing.T) {
	t.Setenv("PORT", "")
	assert.Equal(t, 2731, defaultWatchPort())
	t.Setenv("PORT", "8123")
	assert.Equal(t, 8123, defaultWatchPort())
	t.Setenv("PORT", "nope")
	assert.Equal(t, 2731, defaultWatchPort())
}

func sessionsServer(t *testing.T, active any) string {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/mcp/server/prompts/active_notebooks", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(active)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv.URL + "/mcp/server"
}

func TestSessions_List(t *testing.T) {
	url := sessionsServer(t, []any{
		map[string]any{"session_id": "s1", "file_path": "/work/a.py", "status": "running"},
		map[string]any{"path": "/work/b.py"},
	})

	stdout, _, code := execute(t, "sessions", "--mcp-url", url)

	assert.Equal(t, ExitSuccess, code)
	assert.Equal(t, "s1\trunning\t/work/a.py\n/work/b.py\tactive\t/work/b.py\n", stdout)
}

func TestSessions_Empty(t *testing.T) {
	url := sessionsServer(t, []any{})
	stdout, _, _ := execute(t, "sessions", "--mcp-url", url)
	assert.Equal(t, "No active sessions.\n", stdout)

	stdout, _, _ = execute(t, "sessions", "--json", "--mcp-url", url)
	assert.Equal(t, "[]\n", stdout)
}

func TestSessions_WarnsWhenNotebookOpen(t *testing.T) {
	_, nb := workspace(t)
	url := sessionsServer(t, []any{
		map[string]any{"session_id": "s9", "file_path": nb, "status": "running"},
	})

	_, stderr, code := execute(t, "sessions", "--mcp-url", url, nb)

	assert.Equal(t, ExitSuccess, code)
	assert.Contains(t, stderr, "Warning: Notebook is currently open in marimo (session: s9)")
}

type fakeChecker struct {
	report *runtime.DatasetReport
	paths  []string
}

func (c *fakeChecker) CheckDataset(_ context.Context, path string) (*runtime.DatasetReport, error) {
	c.paths = append(c.paths, path)
	return c.report, nil
}

func stubChecker(t *testing.T, c *fakeChecker) {
	t.Helper()
	orig := newDatasetChecker
	newDatasetChecker = func(string, string) preflight.DatasetChecker { return c }
	t.Cleanup(func() { newDatasetChecker = orig })
}

func TestSelftest_NoDataset(t *testing.T) {
	root, nb := workspace(t)
	checker := &fakeChecker{}
	stubChecker(t, checker)

	stdout, _, code := execute(t, "selftest", nb)

	assert.Equal(t, ExitFailure, code)
	assert.Contains(t, stdout, "Selftest failed: "+preflight.ErrDatasetNotFound)
	assert.Empty(t, checker.paths)

	data, err := os.ReadFile(filepath.Join(root, "logs", "sales-selftest.json"))
	require.NoError(t, err)
	var art preflight.Artifact
	require.NoError(t, json.Unmarshal(data, &art))
	assert.False(t, art.OK)
	assert.Equal(t, []string{preflight.ErrDatasetNotFound}, art.Errors)
}

func TestSelftest_DatasetPasses(t *testing.T) {
	root, nb := workspace(t)
	dataset := filepath.Join(root, "reports", "data", "sales.parquet")
	require.NoError(t, os.MkdirAll(filepath.Dir(dataset), 0o755))
	require.NoError(t, os.WriteFile(dataset, []byte("PAR1"), 0o644))
	checker := &fakeChecker{report: &runtime.DatasetReport{Rows: 12, Errors: []string{}}}
	stubChecker(t, checker)

	stdout, _, code := execute(t, "selftest", nb)

	assert.Equal(t, ExitSuccess, code)
	assert.Equal(t, []string{dataset}, checker.paths)
	assert.Contains(t, stdout, "Selftest passed: "+nb)
	assert.FileExists(t, preflight.ArtifactPath(root, nb))
}

func TestSelftest_DatasetErrors(t *testing.T) {
	root, nb := workspace(t)
	dataset := filepath.Join(root, "notebooks", "data", "sales.parquet")
	require.NoError(t, os.MkdirAll(filepath.Dir(dataset), 0o755))
	require.NoError(t, os.WriteFile(dataset, []byte("PAR1"), 0o644))
	stubChecker(t, &fakeChecker{report: &runtime.DatasetReport{Errors: []string{"empty dataset", "no rows in last-8-weeks window"}}})

	stdout, _, code := execute(t, "selftest", nb)

	assert.Equal(t, ExitFailure, code)
	assert.Contains(t, stdout, "Selftest failed: empty dataset; no rows in last-8-weeks window\n")
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, exitCode(nil))
	assert.Equal(t, ExitFailure, exitCode(errors.New("boom")))
	assert.Equal(t, ExitIncomplete, exitCode(silent(ExitIncomplete)))

	wrapped := &ExitError{Code: ExitInterrupted, Message: "watch", Err: context.Canceled}
	assert.Equal(t, ExitInterrupted, exitCode(wrapped))
	assert.ErrorIs(t, wrapped, context.Canceled)
	assert.Equal(t, "watch: context canceled", wrapped.Error())
	assert.Empty(t, silent(ExitFailure).Error())
}

func TestBridgeChecker_CloseWithoutStart(t *testing.T) {
	c := &bridgeChecker{}
	assert.NoError(t, c.Close())
}
