package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"marimoguard/internal/tactile"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// TestHelperProcess isn't a real test. It stands in for "marimo edit".
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	os.Stdout.WriteString("editor up\n")
	time.Sleep(time.Minute)
	os.Exit(0)
}

func editor() tactile.Command {
	return tactile.Command{
		Binary:      os.Args[0],
		Arguments:   []string{"-test.run=TestHelperProcess"},
		Environment: []string{"GO_WANT_HELPER_PROCESS=1"},
	}
}

func notebook(t *testing.T) string {
	t.Helper()
	nb := filepath.Join(t.TempDir(), "sales.py")
	require.NoError(t, os.WriteFile(nb, []byte("app = 1\n"), 0o644))
	return nb
}

func runWatcher(t *testing.T, w *Watcher) (cancel func() error) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return w.Pid() != 0 }, 5*time.Second, 20*time.Millisecond)
	return func() error {
		stop()
		select {
		case err := <-done:
			return err
		case <-time.After(10 * time.Second):
			t.Fatal("watcher did not stop")
			return nil
		}
	}
}

// settle gives Run time to subscribe to the directory after the server
// came up.
func settle() { time.Sleep(300 * time.Millisecond) }

func touchNotebook(t *testing.T, nb, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(nb, []byte(content), 0o644))
}

func testRestartOnChange(t *testing.T, cfg Config) {
	w := New(cfg, editor())
	stop := runWatcher(t, w)

	first := w.Pid()
	settle()
	touchNotebook(t, cfg.Notebook, "app = 2  # edited\n")

	require.Eventually(t, func() bool { return w.Restarts() == 1 }, 5*time.Second, 20*time.Millisecond)
	assert.NotEqual(t, first, w.Pid())

	require.NoError(t, stop())
	assert.Zero(t, w.Pid(), "the server is stopped on exit")
}

func TestWatcher_RestartsOnChange(t *testing.T) {
	testRestartOnChange(t, Config{Notebook: notebook(t)})
}

func TestWatcher_PollingFallback(t *testing.T) {
	testRestartOnChange(t, Config{Notebook: notebook(t), ForcePoll: true, PollInterval: 100 * time.Millisecond})
}

func TestWatcher_IgnoresSiblings(t *testing.T) {
	nb := notebook(t)
	w := New(Config{Notebook: nb}, editor())
	stop := runWatcher(t, w)

	settle()
	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(nb), "other.py"), []byte("x"), 0o644))
	time.Sleep(400 * time.Millisecond)
	assert.Zero(t, w.Restarts())

	require.NoError(t, stop())
}

func TestWatcher_Debounce(t *testing.T) {
	nb := notebook(t)
	w := New(Config{Notebook: nb, Debounce: time.Hour}, editor())
	stop := runWatcher(t, w)

	// The first change after start restarts; later ones fall in the window.
	settle()
	touchNotebook(t, nb, "app = 2\n")
	require.Eventually(t, func() bool { return w.Restarts() == 1 }, 5*time.Second, 20*time.Millisecond)
	touchNotebook(t, nb, "app = 3\n")
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, w.Restarts())

	require.NoError(t, stop())
}

func TestWatcher_LogFile(t *testing.T) {
	nb := notebook(t)
	logFile := filepath.Join(t.TempDir(), "watch.log")
	w := New(Config{Notebook: nb, LogFile: logFile}, editor())
	stop := runWatcher(t, w)

	require.Eventually(t, func() bool {
		data, _ := os.ReadFile(logFile)
		return len(data) > 0
	}, 5*time.Second, 20*time.Millisecond)
	require.NoError(t, stop())
}

func TestWatcher_MissingNotebook(t *testing.T) {
	w := New(Config{Notebook: filepath.Join(t.TempDir(), "nope.py")}, editor())
	err := w.Run(context.Background())
	assert.ErrorContains(t, err, "notebook not found")
	assert.Zero(t, w.Pid())
}

func TestWatcher_StartFailure(t *testing.T) {
	w := New(Config{Notebook: notebook(t)}, tactile.Command{Binary: "/nonexistent/marimo"})
	assert.Error(t, w.Run(context.Background()))
}
