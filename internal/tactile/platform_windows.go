//go:build windows

package tactile

import (
	"errors"
	"os"
	"os/exec"
)

// Windows has no process groups in the POSIX sense; descendants are
// collected through gopsutil in Process.Terminate instead.
func setupProcessGroup(cmd *exec.Cmd) {}

// terminateProcessGroup has no graceful equivalent on Windows, so it kills.
func terminateProcessGroup(cmd *exec.Cmd) error {
	return killProcessGroup(cmd)
}

func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}
