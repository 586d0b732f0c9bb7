package transport

import (
	"errors"
	"fmt"
)

// Error is a transport-level failure (connection refused, timeout, ...)
// that persisted through every retry.
type Error struct {
	Method   string
	URL      string
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s failed after %d retries: %v", e.Method, e.URL, e.Attempts, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// StatusError is a response whose status was neither successful nor in the
// caller's allow-list.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
	Attempts   int
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: server returned status %d", e.Method, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: server returned status %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}
