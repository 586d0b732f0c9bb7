// Package browser verifies that a notebook's charts actually render by
// serving it with "marimo run" and inspecting the page in a headless
// browser.
package browser

import (
	"strings"
)

// Error texts recorded in Report.Error.
const (
	ErrPortRequired   = "ui_port required for UI verification"
	ErrUnavailable    = "headless browser not available; UI verification unavailable"
	ErrServerStart    = "failed to start UI server"
	ErrNoChartDOM     = "no chart DOM detected"
	ErrConsoleErrors  = "console errors detected"
	ErrRequestFailure = "request failures detected"
	ErrVerifyFailed   = "ui verification failed"
	exceptionPrefix   = "ui verification exception: "
)

// DOMCounts holds how many chart markers of each library were found.
type DOMCounts struct {
	Altair struct {
		GraphicsDocs int `json:"graphics_docs"`
	} `json:"altair"`
	Plotly struct {
		PlotlyDivs int `json:"plotly_divs"`
	} `json:"plotly"`
	Bokeh struct {
		BkRoot int `json:"bk_root"`
	} `json:"bokeh"`
	Matplotlib struct {
		Canvas int `json:"canvas"`
		Img    int `json:"img"`
	} `json:"matplotlib"`
}

// Marker selectors, in the order they are polled.
const (
	SelectorAltair = `[role="graphics-document"]`
	SelectorPlotly = "div.js-plotly-plot"
	SelectorBokeh  = ".bk-root"
	SelectorCanvas = "canvas"
	SelectorImg    = "img"
)

// Selectors lists every marker selector.
var Selectors = []string{SelectorAltair, SelectorPlotly, SelectorBokeh, SelectorCanvas, SelectorImg}

// Set stores the count for a selector.
func (d *DOMCounts) Set(selector string, n int) {
	switch selector {
	case SelectorAltair:
		d.Altair.GraphicsDocs = n
	case SelectorPlotly:
		d.Plotly.PlotlyDivs = n
	case SelectorBokeh:
		d.Bokeh.BkRoot = n
	case SelectorCanvas:
		d.Matplotlib.Canvas = n
	case SelectorImg:
		d.Matplotlib.Img = n
	}
}

// Max keeps the larger count per marker.
func (d *DOMCounts) Max(o DOMCounts) {
	d.Altair.GraphicsDocs = max(d.Altair.GraphicsDocs, o.Altair.GraphicsDocs)
	d.Plotly.PlotlyDivs = max(d.Plotly.PlotlyDivs, o.Plotly.PlotlyDivs)
	d.Bokeh.BkRoot = max(d.Bokeh.BkRoot, o.Bokeh.BkRoot)
	d.Matplotlib.Canvas = max(d.Matplotlib.Canvas, o.Matplotlib.Canvas)
	d.Matplotlib.Img = max(d.Matplotlib.Img, o.Matplotlib.Img)
}

// Any reports whether at least one marker was found.
func (d DOMCounts) Any() bool {
	return d.Altair.GraphicsDocs > 0 || d.Plotly.PlotlyDivs > 0 || d.Bokeh.BkRoot > 0 ||
		d.Matplotlib.Canvas > 0 || d.Matplotlib.Img > 0
}

// Report is the outcome of one DOM verification.
type Report struct {
	Available       bool       `json:"available"`
	OK              bool       `json:"ok"`
	Port            int        `json:"port,omitempty"`
	ConsoleErrors   []string   `json:"console_errors,omitempty"`
	ConsoleWarnings []string   `json:"console_warnings,omitempty"`
	RequestFailures []string   `json:"request_failures,omitempty"`
	DOM             *DOMCounts `json:"dom,omitempty"`
	Screenshot      string     `json:"screenshot,omitempty"`
	HTML            string     `json:"html,omitempty"`
	Error           string     `json:"error,omitempty"`
}

// Decide sets OK and Error from the collected evidence. The page passes
// when some chart marker was found and nothing went wrong in the console
// or on the network.
func (r *Report) Decide() {
	hasDOM := r.DOM != nil && r.DOM.Any()
	r.OK = hasDOM && len(r.ConsoleErrors) == 0 && len(r.RequestFailures) == 0
	switch {
	case r.OK:
		r.Error = ""
	case len(r.ConsoleErrors) > 0:
		r.Error = ErrConsoleErrors
	case len(r.RequestFailures) > 0:
		r.Error = ErrRequestFailure
	default:
		r.Error = ErrNoChartDOM
	}
}

// FailureText is the error to surface when a strict verification failed.
func (r *Report) FailureText() string {
	if r.Error != "" {
		return r.Error
	}
	return ErrVerifyFailed
}

// ConsoleFilter sorts console messages into errors and warnings. Errors
// containing any allow-listed substring are dropped.
type ConsoleFilter struct {
	Allowlist []string
}

// Classify returns the recorded text and whether the message is an error,
// a warning, or neither (empty text).
func (f ConsoleFilter) Classify(kind, message string) (text string, isError bool) {
	switch kind {
	case "error":
		text = "error: " + message
		for _, sub := range f.Allowlist {
			if sub != "" && strings.Contains(text, sub) {
				return "", false
			}
		}
		return text, true
	case "warning", "warn":
		return "warning: " + message, false
	}
	return "", false
}
