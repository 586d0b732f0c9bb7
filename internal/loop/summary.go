package loop

import (
	"fmt"
	"strings"

	"marimoguard/internal/preflight"
)

// Summary renders the parts of a failed result worth reading first: the
// failure reason, the app error, smoke log patterns with their excerpt,
// self-test errors and status errors for this notebook.
func Summary(res *preflight.Result) string {
	if res == nil {
		return ""
	}
	var parts []string
	if res.Error != "" {
		parts = append(parts, "error: "+res.Error)
	}
	if res.AppRun != nil && !res.AppRun.OK {
		parts = append(parts, "app_run: "+res.AppRun.Error)
	}
	if res.Smoke != nil && len(res.Smoke.LogErrorPatterns) > 0 {
		parts = append(parts, "log errors: "+strings.Join(res.Smoke.LogErrorPatterns, ", "))
		if res.Smoke.LogExcerpt != "" {
			parts = append(parts, "excerpt:\n"+res.Smoke.LogExcerpt)
		}
	}
	if errs := selftestErrors(res.Selftest); len(errs) > 0 {
		parts = append(parts, "selftest: "+strings.Join(errs, "; "))
	}
	if res.MCP != nil && len(res.MCP.ThisNotebookErrors) > 0 {
		parts = append(parts, "mcp: "+strings.Join(res.MCP.ThisNotebookErrors.Strings(), "; "))
	}
	return strings.Join(parts, "\n")
}

// selftestErrors returns the artifact's errors when it reports a failure.
func selftestErrors(artifact map[string]any) []string {
	if artifact == nil {
		return nil
	}
	if ok, isBool := artifact["ok"].(bool); !isBool || ok {
		return nil
	}
	list, _ := artifact["errors"].([]any)
	out := make([]string, 0, len(list))
	for _, e := range list {
		out = append(out, fmt.Sprint(e))
	}
	return out
}
