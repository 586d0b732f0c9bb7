package runtime

import (
	"bufio"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"marimoguard/internal/charts"
	"marimoguard/internal/logging"
)

//go:embed bridge.py
var bridgeScript []byte

// ErrBridgeClosed is returned for calls on a closed or crashed bridge.
var ErrBridgeClosed = errors.New("runtime bridge closed")

// BridgeConfig describes how to start the bridge.
type BridgeConfig struct {
	Python string
	// Dir is the working directory, normally the project root.
	Dir string
	Env []string
	// Command overrides the interpreter invocation. The script path is
	// appended as the last argument.
	Command []string
	// ShutdownGrace bounds how long Close waits before killing.
	ShutdownGrace time.Duration
}

type bridgeRequest struct {
	ID        int      `json:"id"`
	Op        string   `json:"op"`
	Path      string   `json:"path,omitempty"`
	Handle    string   `json:"handle,omitempty"`
	ExportOp  string   `json:"op_name,omitempty"`
	Attrs     []string `json:"attrs,omitempty"`
	Instances []string `json:"instances,omitempty"`
}

type bridgeResponse struct {
	ID        *int            `json:"id"`
	OK        bool            `json:"ok"`
	Kind      string          `json:"kind,omitempty"`
	Error     string          `json:"error,omitempty"`
	Traceback string          `json:"traceback,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
}

// Bridge is a Session backed by a Python child process speaking one JSON
// object per line.
type Bridge struct {
	mu sync.Mutex

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	scriptDir string
	grace     time.Duration
	registry  *charts.Registry

	closed  bool
	pending map[int]chan *bridgeResponse
	nextID  int
	exited  chan struct{}
	wg      sync.WaitGroup
}

// StartBridge writes the embedded script to a temp dir and launches it.
func StartBridge(cfg BridgeConfig) (*Bridge, error) {
	dir, err := os.MkdirTemp("", "marimoguard-bridge-")
	if err != nil {
		return nil, fmt.Errorf("bridge temp dir: %w", err)
	}
	script := filepath.Join(dir, "bridge.py")
	if err := os.WriteFile(script, bridgeScript, 0o644); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("write bridge script: %w", err)
	}

	argv := cfg.Command
	if len(argv) == 0 {
		python := cfg.Python
		if python == "" {
			python = "python3"
		}
		argv = []string{python, "-u"}
	}
	argv = append(append([]string{}, argv...), script)

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = cfg.Dir
	cmd.Env = append(os.Environ(), cfg.Env...)

	b := &Bridge{
		cmd:       cmd,
		scriptDir: dir,
		grace:     cfg.ShutdownGrace,
		registry:  charts.NewRegistry(),
		pending:   make(map[int]chan *bridgeResponse),
		nextID:    1,
		exited:    make(chan struct{}),
	}
	if b.grace <= 0 {
		b.grace = 2 * time.Second
	}

	if b.stdin, err = cmd.StdinPipe(); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("bridge stdin pipe: %w", err)
	}
	if b.stdout, err = cmd.StdoutPipe(); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("bridge stdout pipe: %w", err)
	}
	if b.stderr, err = cmd.StderrPipe(); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("bridge stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("start bridge %s: %w", argv[0], err)
	}
	logging.Runtime("Bridge started: %s (pid=%d)", argv[0], cmd.Process.Pid)

	b.wg.Add(2)
	go b.readStderr()
	go b.readStdout()
	go func() {
		b.wg.Wait()
		_ = cmd.Wait()
		close(b.exited)
	}()
	return b, nil
}

// readStderr forwards notebook output to the runtime log.
func (b *Bridge) readStderr() {
	defer b.wg.Done()
	scanner := bufio.NewScanner(b.stderr)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		logging.RuntimeDebug("[bridge] %s", scanner.Text())
	}
}

// readStdout dispatches responses to waiting callers. When the stream
// ends every pending caller is released.
func (b *Bridge) readStdout() {
	defer b.wg.Done()
	scanner := bufio.NewScanner(b.stdout)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp bridgeResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			logging.RuntimeWarn("Unparseable bridge line: %v", err)
			continue
		}
		if resp.ID == nil {
			logging.RuntimeWarn("Bridge reply without id: %s", resp.Error)
			continue
		}

		b.mu.Lock()
		ch, ok := b.pending[*resp.ID]
		delete(b.pending, *resp.ID)
		b.mu.Unlock()
		if ok {
			ch <- &resp
		} else {
			logging.RuntimeWarn("Bridge reply for unknown id %d", *resp.ID)
		}
	}

	b.mu.Lock()
	b.closed = true
	for id, ch := range b.pending {
		close(ch)
		delete(b.pending, id)
	}
	b.mu.Unlock()
}

// call sends one request and waits for its reply.
func (b *Bridge) call(ctx context.Context, req bridgeRequest) (*bridgeResponse, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBridgeClosed
	}
	req.ID = b.nextID
	b.nextID++
	ch := make(chan *bridgeResponse, 1)
	b.pending[req.ID] = ch

	data, err := json.Marshal(req)
	if err == nil {
		_, err = b.stdin.Write(append(data, '\n'))
	}
	if err != nil {
		delete(b.pending, req.ID)
		b.mu.Unlock()
		return nil, fmt.Errorf("bridge %s: %w", req.Op, err)
	}
	b.mu.Unlock()

	select {
	case resp, ok := <-ch:
		if !ok || resp == nil {
			return nil, fmt.Errorf("bridge %s: %w", req.Op, ErrBridgeClosed)
		}
		return resp, nil
	case <-ctx.Done():
		b.mu.Lock()
		delete(b.pending, req.ID)
		b.mu.Unlock()
		return nil, fmt.Errorf("bridge %s: %w", req.Op, ctx.Err())
	}
}

// Ping returns the interpreter version.
func (b *Bridge) Ping(ctx context.Context) (string, error) {
	resp, err := b.call(ctx, bridgeRequest{Op: "ping"})
	if err != nil {
		return "", err
	}
	var out struct {
		Python string `json:"python"`
	}
	if err := json.Unmarshal(resp.Result, &out); err != nil {
		return "", fmt.Errorf("bridge ping: %w", err)
	}
	return out.Python, nil
}

// Execute implements Session.
func (b *Bridge) Execute(ctx context.Context, notebook string) (*ExecResult, error) {
	timer := logging.StartTimer(logging.CategoryRuntime, "bridge execute")
	defer timer.Stop()

	resp, err := b.call(ctx, bridgeRequest{Op: "execute", Path: notebook})
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		logging.RuntimeWarn("Notebook execution failed (%s): %s", resp.Kind, resp.Error)
		return nil, &ExecutionError{Kind: resp.Kind, Message: resp.Error, Traceback: resp.Traceback}
	}
	var res ExecResult
	if err := json.Unmarshal(resp.Result, &res); err != nil {
		return nil, fmt.Errorf("bridge execute: %w", err)
	}
	logging.Runtime("App ran: %d outputs, %d defs", res.OutputsLen, res.DefsLen)
	return &res, nil
}

// Bindings implements Session.
func (b *Bridge) Bindings(ctx context.Context) ([]charts.Binding, error) {
	resp, err := b.call(ctx, bridgeRequest{Op: "bindings", Attrs: ProbeAttrs, Instances: ProbeInstances})
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, fmt.Errorf("bridge bindings: %s", resp.Error)
	}
	var out struct {
		Bindings []struct {
			Name   string  `json:"name"`
			Handle *Handle `json:"handle"`
		} `json:"bindings"`
	}
	if err := json.Unmarshal(resp.Result, &out); err != nil {
		return nil, fmt.Errorf("bridge bindings: %w", err)
	}
	bindings := make([]charts.Binding, 0, len(out.Bindings))
	for _, raw := range out.Bindings {
		if raw.Handle == nil {
			continue
		}
		bindings = append(bindings, charts.Binding{Name: raw.Name, Object: raw.Handle})
	}
	return bindings, nil
}

// Charts implements Session.
func (b *Bridge) Charts(ctx context.Context) ([]charts.Entry, error) {
	resp, err := b.call(ctx, bridgeRequest{Op: "charts", Attrs: ProbeAttrs, Instances: ProbeInstances})
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, fmt.Errorf("bridge charts: %s", resp.Error)
	}
	var out struct {
		Charts []struct {
			Name   string         `json:"name"`
			Lib    string         `json:"lib"`
			Meta   map[string]any `json:"meta"`
			Handle *Handle        `json:"handle"`
		} `json:"charts"`
	}
	if err := json.Unmarshal(resp.Result, &out); err != nil {
		return nil, fmt.Errorf("bridge charts: %w", err)
	}
	// The notebook's registry is the source of truth; the local copy is
	// rebuilt on every call so entries never outlive the module.
	b.registry.Clear()
	for _, c := range out.Charts {
		var obj charts.Object
		if c.Handle != nil {
			obj = c.Handle
		}
		b.registry.Register(c.Name, obj, c.Lib, c.Meta)
	}
	return b.registry.Snapshot(), nil
}

// Export implements Session. A library rejection is returned as an error
// whose text is the library's message.
func (b *Bridge) Export(ctx context.Context, obj charts.Object, op string) error {
	h, ok := obj.(*Handle)
	if !ok || h == nil {
		return fmt.Errorf("object %T does not belong to this runtime", obj)
	}
	resp, err := b.call(ctx, bridgeRequest{Op: "export", Handle: h.ID, ExportOp: op})
	if err != nil {
		return err
	}
	if !resp.OK {
		return errors.New(resp.Error)
	}
	return nil
}

// DatasetReport is the bridge's sanity check of a notebook dataset.
type DatasetReport struct {
	Errors []string `json:"errors"`
	Rows   int      `json:"rows"`
}

// CheckDataset loads a parquet dataset in the runtime and runs the
// selftest checks on it.
func (b *Bridge) CheckDataset(ctx context.Context, path string) (*DatasetReport, error) {
	resp, err := b.call(ctx, bridgeRequest{Op: "dataset", Path: path})
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, fmt.Errorf("bridge dataset: %s", resp.Error)
	}
	var rep DatasetReport
	if err := json.Unmarshal(resp.Result, &rep); err != nil {
		return nil, fmt.Errorf("bridge dataset: %w", err)
	}
	return &rep, nil
}

// Close asks the bridge to exit, kills it after the grace period, and
// removes the extracted script.
func (b *Bridge) Close() error {
	b.mu.Lock()
	alreadyClosed := b.closed
	b.mu.Unlock()

	if !alreadyClosed {
		ctx, cancel := context.WithTimeout(context.Background(), b.grace)
		_, _ = b.call(ctx, bridgeRequest{Op: "shutdown"})
		cancel()
	}
	_ = b.stdin.Close()

	select {
	case <-b.exited:
	case <-time.After(b.grace):
		logging.RuntimeWarn("Bridge did not exit within %s, killing pid %d", b.grace, b.cmd.Process.Pid)
		_ = b.cmd.Process.Kill()
		<-b.exited
	}

	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	logging.RuntimeDebug("Bridge closed")
	return os.RemoveAll(b.scriptDir)
}
