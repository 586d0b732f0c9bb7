// Package runtime is the boundary to the notebook's Python runtime. It
// drives the marimo CLI for the static check and the headless runs, and
// hosts an embedded bridge script that imports the notebook module so its
// chart objects can be inspected and exported from Go.
package runtime

import (
	"context"
	"slices"

	"marimoguard/internal/charts"
)

// Session is one live notebook runtime.
type Session interface {
	// Execute imports the notebook and runs its app. Notebook-level
	// failures come back as *ExecutionError.
	Execute(ctx context.Context, notebook string) (*ExecResult, error)
	// Bindings lists the module's top-level values.
	Bindings(ctx context.Context) ([]charts.Binding, error)
	// Charts lists explicit registrations made while the notebook ran.
	Charts(ctx context.Context) ([]charts.Entry, error)
	// Export runs a library export op on an object from this session.
	Export(ctx context.Context, obj charts.Object, op string) error
	Close() error
}

// ExecResult summarizes a successful app run.
type ExecResult struct {
	OutputsLen int `json:"outputs_len"`
	DefsLen    int `json:"defs_len"`
}

// Failure kinds reported by the bridge.
const (
	KindNoApp     = "no_app"
	KindException = "exception"
)

// ExecutionError is a failure inside the notebook itself.
type ExecutionError struct {
	Kind string
	// Message is the formatted exception, e.g. "NameError: name 'x' is not defined\n".
	Message   string
	Traceback string
}

func (e *ExecutionError) Error() string {
	return e.Message
}

// NoApp reports whether the module loaded but defined no app.
func (e *ExecutionError) NoApp() bool {
	return e.Kind == KindNoApp
}

// ProbeAttrs and ProbeInstances are what the bridge reports for each
// object; they cover every predicate in the chart classifier.
var (
	ProbeAttrs     = []string{"to_dict", "to_plotly_json", "savefig"}
	ProbeInstances = []string{"bokeh.model.Model", "matplotlib.figure.Figure"}
)

// Handle refers to an object held by the bridge process.
type Handle struct {
	ID        string   `json:"id"`
	Module    string   `json:"module"`
	Type      string   `json:"type"`
	Attrs     []string `json:"attrs"`
	Instances []string `json:"instances"`
}

func (h *Handle) Namespace() string { return h.Module }

func (h *Handle) TypeName() string { return h.Type }

func (h *Handle) HasAttr(name string) bool { return slices.Contains(h.Attrs, name) }

func (h *Handle) IsInstance(qualname string) bool { return slices.Contains(h.Instances, qualname) }
