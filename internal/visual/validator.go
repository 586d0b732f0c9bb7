package visual

import (
	"context"
	"strings"

	"marimoguard/internal/charts"
	"marimoguard/internal/logging"
)

// Export operations understood by the runtime bridge.
const (
	OpAltairToDict    = "altair.to_dict"
	OpAltairVLConvert = "altair.vl_convert"
	OpPlotlyHTML      = "plotly.to_html"
	OpPlotlyPNG       = "plotly.to_image"
	OpBokehHTML       = "bokeh.file_html"
	OpMatplotlibPNG   = "matplotlib.savefig"
)

// Exporter runs a library's native serialization or export routine on an
// object held by the notebook runtime. A non-nil error means the library
// rejected the object.
type Exporter interface {
	Export(ctx context.Context, obj charts.Object, op string) error
}

// Step is one export call within a probe.
type Step struct {
	Op   string
	Name string // "validation" for the primary check
	// Secondary steps are best effort and only ever produce warnings.
	Secondary bool
}

// Probe pairs a structural predicate with the checks for one library.
type Probe struct {
	Library string
	Match   func(obj charts.Object) bool
	Steps   []Step
}

// DefaultProbes returns the classifier in priority order. The first
// matching probe wins, so an object matching several is validated once.
func DefaultProbes() []Probe {
	return []Probe{
		{
			Library: "altair",
			Match: func(o charts.Object) bool {
				return strings.HasPrefix(o.Namespace(), "altair") && o.HasAttr("to_dict")
			},
			Steps: []Step{
				{Op: OpAltairToDict, Name: "validation"},
				{Op: OpAltairVLConvert, Name: "vl-convert", Secondary: true},
			},
		},
		{
			Library: "plotly",
			Match: func(o charts.Object) bool {
				return strings.HasPrefix(o.Namespace(), "plotly") || o.HasAttr("to_plotly_json") || o.HasAttr("to_dict")
			},
			Steps: []Step{
				{Op: OpPlotlyHTML, Name: "validation"},
				{Op: OpPlotlyPNG, Name: "png export", Secondary: true},
			},
		},
		{
			Library: "bokeh",
			Match: func(o charts.Object) bool {
				return strings.HasPrefix(o.Namespace(), "bokeh") || o.IsInstance("bokeh.model.Model")
			},
			Steps: []Step{{Op: OpBokehHTML, Name: "validation"}},
		},
		{
			Library: "matplotlib",
			Match: func(o charts.Object) bool {
				return strings.HasPrefix(o.Namespace(), "matplotlib") || o.IsInstance("matplotlib.figure.Figure")
			},
			Steps: []Step{{Op: OpMatplotlibPNG, Name: "validation"}},
		},
	}
}

// Validator runs probes against objects.
type Validator struct {
	exporter Exporter
	probes   []Probe
}

// New creates a validator with DefaultProbes.
func New(exporter Exporter) *Validator {
	return NewWithProbes(exporter, DefaultProbes())
}

// NewWithProbes creates a validator with a custom probe table.
func NewWithProbes(exporter Exporter, probes []Probe) *Validator {
	return &Validator{exporter: exporter, probes: probes}
}

// Classify returns the first probe matching obj.
func (v *Validator) Classify(obj charts.Object) (Probe, bool) {
	if obj == nil {
		return Probe{}, false
	}
	for _, p := range v.probes {
		if p.Match(obj) {
			return p, true
		}
	}
	return Probe{}, false
}

// Validate checks one object. Unrecognized objects yield no diagnostics.
// A failed primary step ends the probe.
func (v *Validator) Validate(ctx context.Context, obj charts.Object) []Diagnostic {
	probe, ok := v.Classify(obj)
	if !ok {
		return nil
	}

	var diags []Diagnostic
	for _, step := range probe.Steps {
		err := v.exporter.Export(ctx, obj, step.Op)
		if err == nil {
			continue
		}
		d := Diagnostic{
			Library:   probe.Library,
			Step:      step.Name,
			Message:   err.Error(),
			Severity:  SeverityFatal,
			Secondary: step.Secondary,
		}
		if step.Secondary {
			d.Severity = SeverityWarning
		}
		logging.VisualDebug("%s", d.String())
		diags = append(diags, d)
		if !step.Secondary {
			break
		}
	}
	return diags
}

// ValidateModule runs Validate over every public top-level binding. Unless
// strict is set, all diagnostics are demoted to warnings because module
// scanning is heuristic.
func (v *Validator) ValidateModule(ctx context.Context, bindings []charts.Binding, strict bool) []Diagnostic {
	var all []Diagnostic
	checked := 0
	for _, b := range bindings {
		if b.Name == "" || strings.HasPrefix(b.Name, "_") {
			continue
		}
		if _, ok := v.Classify(b.Object); !ok {
			continue
		}
		checked++
		for _, d := range v.Validate(ctx, b.Object) {
			if !strict {
				d.Severity = SeverityWarning
			}
			all = append(all, d)
		}
	}
	logging.Visual("Module scan: %d bindings, %d charts checked, %d diagnostics", len(bindings), checked, len(all))
	return all
}

// EntryReport is the outcome of validating one registry entry.
type EntryReport struct {
	Name        string       `json:"name"`
	Library     string       `json:"lib"`
	Diagnostics []Diagnostic `json:"-"`
	Errors      []string     `json:"errors"`
}

// ValidateEntries validates each registry entry individually and returns
// reports for the entries that produced diagnostics.
func (v *Validator) ValidateEntries(ctx context.Context, entries []charts.Entry) []EntryReport {
	var reports []EntryReport
	for _, e := range entries {
		diags := v.Validate(ctx, e.Object)
		if len(diags) == 0 {
			continue
		}
		name := e.Name
		if name == "" {
			name = "<unnamed>"
		}
		reports = append(reports, EntryReport{
			Name:        name,
			Library:     e.Library,
			Diagnostics: diags,
			Errors:      Strings(diags),
		})
	}
	return reports
}
