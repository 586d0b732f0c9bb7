package browser

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"marimoguard/internal/logging"
	"marimoguard/internal/tactile"
)

// Capture is what an Inspector collected from one page load.
type Capture struct {
	ConsoleErrors   []string
	ConsoleWarnings []string
	RequestFailures []string
	// Polls holds the marker counts of each poll.
	Polls      []DOMCounts
	Screenshot []byte
	HTML       string
}

// Inspector loads a URL in a browser and collects evidence.
type Inspector interface {
	// Available reports whether a browser can be launched.
	Available() bool
	Inspect(ctx context.Context, url string, timeout time.Duration, filter ConsoleFilter) (*Capture, error)
}

// ServeFunc builds the command that serves notebook on port.
type ServeFunc func(notebook string, port int) tactile.Command

// Config tunes the verifier.
type Config struct {
	// ArtifactsDir receives guard_ui_<stem>.png and .html.
	ArtifactsDir string
	// ConsoleAllowlist drops console errors containing any of these.
	ConsoleAllowlist []string
	// StartupTimeout bounds waiting for the server port.
	StartupTimeout time.Duration
	// StopGrace is how long the server gets to exit after SIGTERM.
	StopGrace time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		StartupTimeout: 15 * time.Second,
		StopGrace:      2 * time.Second,
	}
}

// Verifier serves a notebook and checks that its charts render.
type Verifier struct {
	cfg       Config
	serve     ServeFunc
	inspector Inspector
}

// NewVerifier creates a verifier.
func NewVerifier(cfg Config, serve ServeFunc, inspector Inspector) *Verifier {
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = DefaultConfig().StartupTimeout
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = DefaultConfig().StopGrace
	}
	return &Verifier{cfg: cfg, serve: serve, inspector: inspector}
}

// Verify serves notebook on port (or a free port when it is taken) and
// inspects the rendered page. The server is always stopped before
// returning. Failures are reported in the Report, never as panics.
func (v *Verifier) Verify(ctx context.Context, notebook string, port int, timeout time.Duration) *Report {
	timer := logging.StartTimer(logging.CategoryBrowser, "UI verification")
	defer timer.Stop()

	report := &Report{}
	if port <= 0 {
		report.Error = ErrPortRequired
		return report
	}
	if v.inspector == nil || !v.inspector.Available() {
		logging.BrowserWarn("No headless browser found, skipping UI verification")
		report.Error = ErrUnavailable
		return report
	}

	chosen, err := tactile.PickFreePort(port)
	if err != nil {
		report.Error = ErrServerStart
		return report
	}
	report.Port = chosen
	if chosen != port {
		logging.Browser("Port %d busy, serving on %d", port, chosen)
	}

	serverLog := &tactile.OutputBuffer{}
	proc, err := tactile.Start(v.serve(notebook, chosen), serverLog)
	if err != nil {
		logging.BrowserError("UI server did not start: %v", err)
		report.Error = ErrServerStart
		return report
	}
	defer func() {
		if _, err := proc.Terminate(v.cfg.StopGrace); err != nil {
			logging.BrowserWarn("Stopping UI server: %v", err)
		}
	}()

	if err := tactile.WaitForPort(ctx, chosen, v.cfg.StartupTimeout); err != nil {
		logging.BrowserError("UI server not listening: %v\n%s", err, serverLog.String())
		report.Error = ErrServerStart
		return report
	}

	url := tactile.URL(chosen)
	logging.Browser("Inspecting %s", url)
	capture, err := v.inspector.Inspect(ctx, url, timeout, ConsoleFilter{Allowlist: v.cfg.ConsoleAllowlist})
	if err != nil {
		logging.BrowserError("Inspection failed: %v", err)
		report.Error = exceptionPrefix + err.Error()
		return report
	}

	report.Available = true
	report.ConsoleErrors = capture.ConsoleErrors
	report.ConsoleWarnings = capture.ConsoleWarnings
	report.RequestFailures = capture.RequestFailures

	var dom DOMCounts
	for _, poll := range capture.Polls {
		dom.Max(poll)
	}
	if capture.HTML != "" {
		if static, err := CountMarkers(capture.HTML); err == nil {
			dom.Max(static)
		}
	}
	report.DOM = &dom

	if err := v.writeArtifacts(notebook, capture, report); err != nil {
		logging.BrowserWarn("Writing UI artifacts: %v", err)
	}

	report.Decide()
	logging.Browser("UI verification ok=%v console_errors=%d request_failures=%d",
		report.OK, len(report.ConsoleErrors), len(report.RequestFailures))
	return report
}

func (v *Verifier) writeArtifacts(notebook string, capture *Capture, report *Report) error {
	if v.cfg.ArtifactsDir == "" {
		return nil
	}
	if err := os.MkdirAll(v.cfg.ArtifactsDir, 0o755); err != nil {
		return err
	}
	stem := strings.TrimSuffix(filepath.Base(notebook), filepath.Ext(notebook))
	base := filepath.Join(v.cfg.ArtifactsDir, "guard_ui_"+stem)

	if len(capture.Screenshot) > 0 {
		if err := os.WriteFile(base+".png", capture.Screenshot, 0o644); err != nil {
			return fmt.Errorf("screenshot: %w", err)
		}
		report.Screenshot = base + ".png"
	}
	if capture.HTML != "" {
		if err := os.WriteFile(base+".html", []byte(capture.HTML), 0o644); err != nil {
			return fmt.Errorf("html: %w", err)
		}
		report.HTML = base + ".html"
	}
	return nil
}
