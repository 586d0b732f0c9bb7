// Package tactile is the process layer: it runs the marimo CLI and helper
// scripts as child processes, captures their output, and tears them down
// along with anything they spawned.
package tactile

import (
	"context"
	"strings"
	"time"
)

// Command describes one child process.
type Command struct {
	// Binary is the executable to run (e.g., "python", "bash").
	Binary string `json:"binary"`

	// Arguments are the command-line arguments.
	Arguments []string `json:"arguments"`

	// WorkingDirectory is the directory to execute in.
	WorkingDirectory string `json:"working_directory,omitempty"`

	// Environment holds KEY=VALUE pairs layered over the parent environment.
	Environment []string `json:"environment,omitempty"`

	// Stdin provides input to the command's standard input.
	Stdin string `json:"stdin,omitempty"`

	// Timeout bounds wall time. Zero uses the executor default.
	Timeout time.Duration `json:"timeout,omitempty"`

	// MaxOutputBytes limits each captured stream. Zero uses the executor
	// default.
	MaxOutputBytes int64 `json:"max_output_bytes,omitempty"`
}

// CommandString returns the full command for display and logging.
func (c Command) CommandString() string {
	if len(c.Arguments) == 0 {
		return c.Binary
	}
	return c.Binary + " " + strings.Join(c.Arguments, " ")
}

// ExecutionResult is the outcome of a command that was started.
type ExecutionResult struct {
	// ExitCode is the process exit status, or -1 when it was killed.
	ExitCode int `json:"exit_code"`

	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`

	Duration   time.Duration `json:"duration"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`

	// Killed is set when the timeout or context ended the process.
	Killed     bool   `json:"killed"`
	KillReason string `json:"kill_reason,omitempty"`

	Truncated      bool  `json:"truncated"`
	TruncatedBytes int64 `json:"truncated_bytes,omitempty"`
}

// Output returns stdout followed by stderr.
func (r *ExecutionResult) Output() string {
	if r.Stderr == "" {
		return r.Stdout
	}
	if r.Stdout == "" {
		return r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}

// Succeeded reports a zero exit status from a process that was not killed.
func (r *ExecutionResult) Succeeded() bool {
	return r.ExitCode == 0 && !r.Killed
}

// Executor runs commands to completion.
type Executor interface {
	// Execute returns an error only when the command could not be started.
	// A non-zero exit is reported through the result.
	Execute(ctx context.Context, cmd Command) (*ExecutionResult, error)
}

// ExecutorConfig holds defaults applied to every command.
type ExecutorConfig struct {
	DefaultTimeout time.Duration `json:"default_timeout"`
	MaxOutputBytes int64         `json:"max_output_bytes"`
	// KillGrace is how long a killed process may take to release its
	// output pipes before Execute stops waiting for them.
	KillGrace time.Duration `json:"kill_grace"`
}

// DefaultExecutorConfig returns sensible defaults.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		DefaultTimeout: 5 * time.Minute,
		MaxOutputBytes: 4 * 1024 * 1024,
		KillGrace:      2 * time.Second,
	}
}
