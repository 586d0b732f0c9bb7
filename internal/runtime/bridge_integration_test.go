//go:build integration

package runtime

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fakeNotebook = `
from marimo_guard.notebooks.chart_registry import register_chart


class Chart:
    def to_dict(self, validate=True):
        raise ValueError("bad encoding")


class App:
    def run(self):
        register_chart("sales", Chart(), lib="altair", meta={"cell": 1})
        print("noise on stdout")
        return ["out"], {"chart": Chart()}


chart = Chart()
app = App()
`

func TestBridge_RealPython(t *testing.T) {
	python, err := exec.LookPath("python3")
	if err != nil {
		t.Skip("python3 not available")
	}
	dir := t.TempDir()
	nb := filepath.Join(dir, "demo.py")
	require.NoError(t, os.WriteFile(nb, []byte(fakeNotebook), 0o644))

	b, err := StartBridge(BridgeConfig{Python: python, Dir: dir})
	require.NoError(t, err)
	defer b.Close()
	ctx := context.Background()

	res, err := b.Execute(ctx, nb)
	require.NoError(t, err)
	assert.Equal(t, 1, res.OutputsLen)

	entries, err := b.Charts(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "altair", entries[0].Library)
	assert.True(t, entries[0].Object.HasAttr("to_dict"))

	err = b.Export(ctx, entries[0].Object, "altair.to_dict")
	require.Error(t, err)
	assert.Equal(t, "bad encoding", err.Error())

	bindings, err := b.Bindings(ctx)
	require.NoError(t, err)
	names := make([]string, 0, len(bindings))
	for _, bnd := range bindings {
		names = append(names, bnd.Name)
	}
	assert.Contains(t, names, "chart")
	assert.NotContains(t, names, "Chart", "classes are skipped")
}

func TestBridge_RealPythonNoApp(t *testing.T) {
	python, err := exec.LookPath("python3")
	if err != nil {
		t.Skip("python3 not available")
	}
	nb := filepath.Join(t.TempDir(), "empty.py")
	require.NoError(t, os.WriteFile(nb, []byte("x = 1\n"), 0o644))

	b, err := StartBridge(BridgeConfig{Python: python})
	require.NoError(t, err)
	defer b.Close()

	_, err = b.Execute(context.Background(), nb)
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.True(t, execErr.NoApp())
}
