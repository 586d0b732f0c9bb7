// Package visual classifies chart objects by structural probing and
// exercises each library's own export path to surface rendering errors
// that only show up when the chart is serialized.
package visual

import (
	"encoding/json"
	"fmt"
)

// Severity says whether a diagnostic can fail a preflight.
type Severity int

const (
	SeverityFatal Severity = iota
	SeverityWarning
)

func (s Severity) String() string {
	if s == SeverityWarning {
		return "warning"
	}
	return "fatal"
}

// MarshalJSON encodes the severity by name.
func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// WarningPrefix marks diagnostics from best-effort secondary checks.
const WarningPrefix = "warning:"

// Diagnostic is one failed check.
type Diagnostic struct {
	Library  string   `json:"lib"`
	Step     string   `json:"step"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
	// Secondary is set for best-effort checks such as image export.
	Secondary bool `json:"secondary,omitempty"`
}

// String renders "<lib> validation failed: ..." for primary checks and
// "warning: <lib> <step> failed: ..." for secondary ones.
func (d Diagnostic) String() string {
	s := fmt.Sprintf("%s %s failed: %s", d.Library, d.Step, d.Message)
	if d.Secondary {
		return WarningPrefix + " " + s
	}
	return s
}

// Fatal reports whether the diagnostic may fail the preflight.
func (d Diagnostic) Fatal() bool {
	return d.Severity == SeverityFatal
}

// Strings renders diagnostics for the result record.
func Strings(diags []Diagnostic) []string {
	out := make([]string, 0, len(diags))
	for _, d := range diags {
		out = append(out, d.String())
	}
	return out
}

// AnyFatal reports whether any diagnostic is fatal.
func AnyFatal(diags []Diagnostic) bool {
	for _, d := range diags {
		if d.Fatal() {
			return true
		}
	}
	return false
}
