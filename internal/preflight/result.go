// Package preflight composes the guard's checks into a single pass/fail
// decision for one notebook.
//
// The stages run in a fixed order: static check, companion self-test,
// module execution with chart validation, full headless run, smoke run,
// DOM verification, status cross-check and artifact check. The first stage
// that sets Result.Error ends the run.
package preflight

import (
	"encoding/json"
	"strings"
	"time"

	"marimoguard/internal/browser"
	"marimoguard/internal/mcp"
	"marimoguard/internal/tactile"
	"marimoguard/internal/visual"
)

// SchemaVersion is stamped on every result.
const SchemaVersion = "1.1"

// Failure reasons written to Result.Error.
const (
	ErrCheckFailed     = "marimo check failed"
	ErrCheckWarnings   = "warnings detected during marimo check"
	ErrNoApp           = "notebook has no 'app' instance"
	ErrAppRunFailed    = "marimo App.run failed"
	ErrRegistryVisual  = "visual validation errors detected (registry)"
	ErrMCPNotebook     = "MCP errors detected for this notebook"
	ErrArtifactMissing = "selftest artifact missing"
)

// Result is the record accumulated across stages.
type Result struct {
	OK            bool        `json:"ok"`
	Notebook      string      `json:"notebook"`
	RunID         string      `json:"run_id"`
	SchemaVersion string      `json:"schema_version"`
	StartedAt     time.Time   `json:"started_at"`
	DurationMs    int64       `json:"duration_ms"`
	Check         StageResult `json:"check"`
	Run           StageResult `json:"run"`
	Warnings      []string    `json:"warnings"`

	SelftestScript      *StageResult `json:"selftest_script,omitempty"`
	SelftestScriptError string       `json:"selftest_script_error,omitempty"`

	AppRun           *AppRun           `json:"app_run,omitempty"`
	VisualValidation *VisualValidation `json:"visual_validation,omitempty"`

	Smoke      *Smoke `json:"smoke,omitempty"`
	SmokeError string `json:"smoke_error,omitempty"`

	UI       *browser.Report `json:"ui,omitempty"`
	MCP      *MCPInfo        `json:"mcp,omitempty"`
	Selftest map[string]any  `json:"selftest,omitempty"`

	Error string `json:"error,omitempty"`
}

// Failed reports whether a stage recorded a failure reason.
func (r *Result) Failed() bool {
	return r.Error != ""
}

func (r *Result) fail(reason string) *Result {
	r.Error = reason
	r.OK = false
	return r
}

func (r *Result) warn(msgs ...string) {
	r.Warnings = append(r.Warnings, msgs...)
}

// StageResult captures one external tool invocation. A stage that never
// ran marshals as {}.
type StageResult struct {
	Ran      bool   `json:"-"`
	RC       int    `json:"rc"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	Warnings bool   `json:"warnings,omitempty"`
}

type stageJSON struct {
	RC       int    `json:"rc"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	Warnings bool   `json:"warnings,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (s StageResult) MarshalJSON() ([]byte, error) {
	if !s.Ran {
		return []byte("{}"), nil
	}
	return json.Marshal(stageJSON{RC: s.RC, Stdout: s.Stdout, Stderr: s.Stderr, Warnings: s.Warnings})
}

// UnmarshalJSON implements json.Unmarshaler. An object without "rc" is a
// stage that never ran.
func (s *StageResult) UnmarshalJSON(data []byte) error {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	*s = StageResult{}
	if _, ok := probe["rc"]; !ok {
		return nil
	}
	var v stageJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*s = StageResult{Ran: true, RC: v.RC, Stdout: v.Stdout, Stderr: v.Stderr, Warnings: v.Warnings}
	return nil
}

func stageFrom(res *tactile.ExecutionResult) StageResult {
	return StageResult{Ran: true, RC: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr}
}

// AppRun records the in-process execution of the notebook's app.
type AppRun struct {
	OK         bool   `json:"ok"`
	OutputsLen int    `json:"outputs_len,omitempty"`
	DefsLen    int    `json:"defs_len,omitempty"`
	Error      string `json:"error,omitempty"`
}

// VisualValidation holds the module-wide and registry chart diagnostics.
type VisualValidation struct {
	Errors   []string             `json:"errors,omitempty"`
	Registry []visual.EntryReport `json:"registry,omitempty"`
}

// Smoke records the bounded smoke run.
type Smoke struct {
	ElapsedSec       float64  `json:"elapsed_sec"`
	LogErrorPatterns []string `json:"log_error_patterns"`
	LogExcerpt       string   `json:"log_excerpt"`
}

// MCPInfo records the status cross-check.
type MCPInfo struct {
	OK                 bool                          `json:"ok"`
	Reachable          bool                          `json:"reachable,omitempty"`
	Notebooks          map[string]mcp.NotebookErrors `json:"notebooks,omitempty"`
	TotalErrors        int                           `json:"total_errors,omitempty"`
	ActiveNotebooks    []mcp.Notebook                `json:"active_notebooks,omitempty"`
	ThisNotebookErrors mcp.NotebookErrors            `json:"this_notebook_errors,omitempty"`
	Error              string                        `json:"error,omitempty"`
}

// ErrorPatterns are the substrings that mark a failing server log.
var ErrorPatterns = []string{
	"Traceback",
	"NameError",
	"KeyError",
	"AttributeError",
	"TypeError",
	"ValueError",
	"Exception",
	"Chart Error:",
	"SELFTEST: FAIL",
}

// ScanErrorPatterns returns the patterns present in logs, in pattern order.
func ScanErrorPatterns(logs string) []string {
	found := []string{}
	for _, p := range ErrorPatterns {
		if strings.Contains(logs, p) {
			found = append(found, p)
		}
	}
	return found
}

// excerptLen is how much of the smoke log tail is kept.
const excerptLen = 1000

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
