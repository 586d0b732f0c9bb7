// Package mcp talks to the status endpoint that a running marimo server
// exposes under /mcp/server, and projects its notebook listing into
// session records.
package mcp

import (
	"encoding/json"
	"fmt"
)

// Notebook is one entry of the active-notebooks listing. The server does
// not promise a stable shape, so entries stay untyped.
type Notebook map[string]any

// String returns the first non-empty string value among keys.
func (n Notebook) String(keys ...string) string {
	for _, k := range keys {
		switch v := n[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case nil:
		default:
			if s := fmt.Sprint(v); s != "" {
				return s
			}
		}
	}
	return ""
}

// ErrorsSummary is the errors_summary payload.
type ErrorsSummary struct {
	Notebooks   map[string]NotebookErrors `json:"notebooks"`
	TotalErrors int                       `json:"total_errors"`
}

// EmptySummary is returned whenever the payload cannot be interpreted.
func EmptySummary() ErrorsSummary {
	return ErrorsSummary{Notebooks: map[string]NotebookErrors{}}
}

// ErrorsFor returns the errors recorded for a notebook, looked up by full
// path first and then by base name.
func (s ErrorsSummary) ErrorsFor(fullPath, name string) NotebookErrors {
	if errs := s.Notebooks[fullPath]; len(errs) > 0 {
		return errs
	}
	return s.Notebooks[name]
}

// NotebookErrors is the per-notebook error list. Servers send either a
// list or a single value; both decode into a list.
type NotebookErrors []any

// UnmarshalJSON accepts a JSON array or any single value.
func (e *NotebookErrors) UnmarshalJSON(data []byte) error {
	var list []any
	if err := json.Unmarshal(data, &list); err == nil {
		*e = list
		return nil
	}
	var single any
	if err := json.Unmarshal(data, &single); err != nil {
		return err
	}
	if single == nil {
		*e = nil
		return nil
	}
	*e = NotebookErrors{single}
	return nil
}

// Strings renders each error for display.
func (e NotebookErrors) Strings() []string {
	out := make([]string, 0, len(e))
	for _, v := range e {
		switch t := v.(type) {
		case string:
			out = append(out, t)
		default:
			data, err := json.Marshal(t)
			if err != nil {
				out = append(out, fmt.Sprint(t))
				continue
			}
			out = append(out, string(data))
		}
	}
	return out
}
