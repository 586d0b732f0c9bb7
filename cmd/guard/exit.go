package main

import (
	"errors"
	"fmt"
)

// Exit codes.
const (
	ExitSuccess     = 0
	ExitFailure     = 1 // preflight failed or notebook not found
	ExitIncomplete  = 2 // loop did not converge or the editor did not launch
	ExitInterrupted = 130
)

// ExitError carries a process exit code out of a command. An ExitError
// with neither Message nor Err prints nothing: the command already wrote
// its own output.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	case e.Err != nil:
		return e.Err.Error()
	}
	return e.Message
}

func (e *ExitError) Unwrap() error { return e.Err }

// exitCode maps a command error to the process exit code.
func exitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// silent exits with code without printing anything further.
func silent(code int) *ExitError {
	return &ExitError{Code: code}
}
