//go:build integration

package browser

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRodInspector_Integration(t *testing.T) {
	inspector := NewRodInspector("")
	if !inspector.Available() {
		t.Skip("no Chromium on this machine")
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `<html><body>
<div class="js-plotly-plot"></div><canvas></canvas>
<script>console.error("boom"); console.warn("careful"); console.error("ignore me")</script>
</body></html>`)
	}))
	defer srv.Close()

	capture, err := inspector.Inspect(context.Background(), srv.URL+"/", 20*time.Second, ConsoleFilter{Allowlist: []string{"ignore me"}})
	require.NoError(t, err)

	assert.Equal(t, []string{"error: boom"}, capture.ConsoleErrors)
	assert.Equal(t, []string{"warning: careful"}, capture.ConsoleWarnings)
	require.NotEmpty(t, capture.Polls)
	assert.Equal(t, 1, capture.Polls[0].Plotly.PlotlyDivs)
	assert.NotEmpty(t, capture.Screenshot)
	assert.Contains(t, capture.HTML, "js-plotly-plot")
}
