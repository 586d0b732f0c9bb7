package preflight

import (
	"path/filepath"
	"slices"
	"time"

	"marimoguard/internal/logging"
	"marimoguard/internal/tactile"
)

// LaunchPort is the preferred port for the interactive editor.
const LaunchPort = 2731

// LaunchSettle is how long a launched editor gets before it is reported.
const LaunchSettle = 750 * time.Millisecond

// LaunchInfo reports the outcome of starting the editor.
type LaunchInfo struct {
	Launched bool   `json:"launched"`
	URL      string `json:"url,omitempty"`
	PID      int    `json:"pid,omitempty"`
	Error    string `json:"error,omitempty"`
}

// EditCommander builds "marimo edit" commands. *runtime.CLI satisfies it.
type EditCommander interface {
	EditCommand(notebook string, port int, extra ...string) tactile.Command
}

// Launch starts "marimo edit" for notebook detached from the guard. A zero
// port picks a free one starting at LaunchPort. Unless keepExisting is set,
// editors already serving the same notebook are stopped first.
func Launch(cli EditCommander, notebook string, port int, keepExisting bool) LaunchInfo {
	if !keepExisting {
		stopped, err := tactile.StopMatching(func(cmdline []string) bool {
			return isEditorFor(cmdline, notebook)
		}, 2*time.Second)
		if err != nil {
			logging.PreflightWarn("Looking for running editors: %v", err)
		} else if len(stopped) > 0 {
			logging.Preflight("Stopped %d existing editor(s) for %s", len(stopped), notebook)
		}
	}

	if port <= 0 {
		p, err := tactile.PickFreePort(LaunchPort)
		if err != nil {
			return LaunchInfo{Error: err.Error()}
		}
		port = p
	}

	proc, err := tactile.Start(cli.EditCommand(notebook, port), nil)
	if err != nil {
		return LaunchInfo{Error: err.Error()}
	}
	time.Sleep(LaunchSettle)
	if proc.Exited() {
		return LaunchInfo{Error: "marimo edit exited immediately"}
	}

	logging.Preflight("Launched editor for %s on port %d (pid=%d)", notebook, port, proc.Pid())
	return LaunchInfo{Launched: true, URL: tactile.URL(port), PID: proc.Pid()}
}

// isEditorFor reports whether cmdline is "marimo edit" on notebook.
func isEditorFor(cmdline []string, notebook string) bool {
	i := slices.Index(cmdline, "edit")
	if i < 0 || !slices.ContainsFunc(cmdline[:i], func(a string) bool {
		return filepath.Base(a) == "marimo" || a == "marimo"
	}) {
		return false
	}
	want, _ := filepath.Abs(notebook)
	for _, arg := range cmdline[i+1:] {
		if arg == notebook {
			return true
		}
		if abs, err := filepath.Abs(arg); err == nil && abs == want {
			return true
		}
	}
	return false
}
