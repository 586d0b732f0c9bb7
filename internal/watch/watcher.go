// Package watch keeps an interactive "marimo edit --mcp" server running
// for a notebook and restarts it whenever the notebook file changes.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"marimoguard/internal/logging"
	"marimoguard/internal/tactile"
)

// DefaultPort is where the watched editor listens unless configured.
const DefaultPort = 2731

// Config tunes a Watcher.
type Config struct {
	Notebook string
	// LogFile receives the server's output, appended. Empty discards it.
	LogFile string
	// Debounce drops changes arriving this soon after a restart.
	Debounce time.Duration
	// PollInterval is the mtime polling period when fsnotify is unusable.
	PollInterval time.Duration
	// ForcePoll skips fsnotify entirely.
	ForcePoll bool
	// StopGrace is how long the server gets to exit after SIGTERM.
	StopGrace time.Duration
}

// Watcher supervises one editor process.
type Watcher struct {
	cfg     Config
	command tactile.Command

	mu          sync.Mutex
	proc        *tactile.Process
	restarts    int
	lastRestart time.Time
}

// New creates a watcher that runs command for cfg.Notebook.
func New(cfg Config, command tactile.Command) *Watcher {
	if cfg.Debounce <= 0 {
		cfg.Debounce = 250 * time.Millisecond
	}
	if cfg.PollInterval < 100*time.Millisecond {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 2 * time.Second
	}
	return &Watcher{cfg: cfg, command: command}
}

// Restarts returns how many times the server was restarted.
func (w *Watcher) Restarts() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.restarts
}

// Pid returns the current server pid, or 0 when none is running.
func (w *Watcher) Pid() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.proc == nil {
		return 0
	}
	return w.proc.Pid()
}

// Run starts the server and restarts it on every change until ctx is
// done. The server is stopped before Run returns.
func (w *Watcher) Run(ctx context.Context) error {
	if _, err := os.Stat(w.cfg.Notebook); err != nil {
		return fmt.Errorf("notebook not found: %w", err)
	}

	out, closeOut, err := w.openLog()
	if err != nil {
		return err
	}
	defer closeOut()

	if err := w.start(out); err != nil {
		return err
	}
	defer w.stop()

	changes := make(chan struct{}, 1)
	g, gctx := errgroup.WithContext(ctx)

	fsw, err := w.newFSWatcher()
	if err != nil {
		logging.WatchWarn("fsnotify unavailable, polling every %s: %v", w.cfg.PollInterval, err)
		g.Go(func() error { return w.poll(gctx, changes) })
	} else {
		logging.Watch("Watching %s", w.cfg.Notebook)
		g.Go(func() error {
			defer fsw.Close()
			return w.events(gctx, fsw, changes)
		})
	}

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-changes:
				if err := w.restart(out); err != nil {
					return err
				}
			}
		}
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (w *Watcher) newFSWatcher() (*fsnotify.Watcher, error) {
	if w.cfg.ForcePoll {
		return nil, errors.New("polling forced")
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Editors often replace the file, so the directory is watched.
	if err := fsw.Add(filepath.Dir(w.cfg.Notebook)); err != nil {
		fsw.Close()
		return nil, err
	}
	return fsw, nil
}

func (w *Watcher) events(ctx context.Context, fsw *fsnotify.Watcher, changes chan<- struct{}) error {
	target := filepath.Base(w.cfg.Notebook)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			logging.Watch("%s: %s", ev.Op, ev.Name)
			notify(changes)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			logging.WatchWarn("fsnotify: %v", err)
		}
	}
}

// poll compares the notebook's mtime and size every PollInterval.
func (w *Watcher) poll(ctx context.Context, changes chan<- struct{}) error {
	last := stamp(w.cfg.Notebook)
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			cur := stamp(w.cfg.Notebook)
			if cur.missing {
				continue
			}
			if cur != last {
				last = cur
				notify(changes)
			}
		}
	}
}

type fileStamp struct {
	mtime   time.Time
	size    int64
	missing bool
}

func stamp(path string) fileStamp {
	info, err := os.Stat(path)
	if err != nil {
		return fileStamp{missing: true}
	}
	return fileStamp{mtime: info.ModTime(), size: info.Size()}
}

func notify(changes chan<- struct{}) {
	select {
	case changes <- struct{}{}:
	default:
	}
}

func (w *Watcher) openLog() (io.Writer, func(), error) {
	if w.cfg.LogFile == "" {
		return nil, func() {}, nil
	}
	f, err := os.OpenFile(w.cfg.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	return f, func() { f.Close() }, nil
}

func (w *Watcher) start(out io.Writer) error {
	proc, err := tactile.Start(w.command, out)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.proc = proc
	w.mu.Unlock()
	return nil
}

func (w *Watcher) restart(out io.Writer) error {
	w.mu.Lock()
	if time.Since(w.lastRestart) < w.cfg.Debounce {
		w.mu.Unlock()
		return nil
	}
	w.lastRestart = time.Now()
	w.mu.Unlock()

	w.stop()
	if err := w.start(out); err != nil {
		return fmt.Errorf("restart: %w", err)
	}

	w.mu.Lock()
	w.restarts++
	n := w.restarts
	w.mu.Unlock()
	logging.Watch("Restarted server (%d)", n)
	return nil
}

func (w *Watcher) stop() {
	w.mu.Lock()
	proc := w.proc
	w.proc = nil
	w.mu.Unlock()
	if proc == nil {
		return
	}
	if _, err := proc.Terminate(w.cfg.StopGrace); err != nil {
		logging.WatchWarn("Stopping server: %v", err)
	}
}
