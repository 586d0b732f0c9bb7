package tactile

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// TestHelperProcess isn't a real test. It's used as a child process by the
// tests below.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	args := os.Args
	for i, arg := range args {
		if arg == "--" {
			args = args[i+1:]
			break
		}
	}
	switch args[0] {
	case "echo":
		fmt.Fprint(os.Stdout, strings.Join(args[1:], " "))
		fmt.Fprint(os.Stderr, "to-stderr")
	case "env":
		fmt.Fprint(os.Stdout, os.Getenv(args[1]))
	case "exit":
		code, _ := strconv.Atoi(args[1])
		os.Exit(code)
	case "spam":
		fmt.Fprint(os.Stdout, strings.Repeat("x", 4096))
	case "sleep":
		fmt.Fprintln(os.Stdout, "sleeping")
		time.Sleep(30 * time.Second)
	case "stubborn":
		signal.Ignore(syscall.SIGTERM)
		fmt.Fprintln(os.Stdout, "ignoring")
		time.Sleep(30 * time.Second)
	}
	os.Exit(0)
}

func helper(args ...string) Command {
	return Command{
		Binary:      os.Args[0],
		Arguments:   append([]string{"-test.run=TestHelperProcess", "--"}, args...),
		Environment: []string{"GO_WANT_HELPER_PROCESS=1"},
	}
}

func TestExecute_CapturesStreams(t *testing.T) {
	result, err := NewDirectExecutor().Execute(context.Background(), helper("echo", "hello", "world"))
	require.NoError(t, err)

	assert.Equal(t, 0, result.ExitCode)
	assert.True(t, result.Succeeded())
	assert.Equal(t, "hello world", result.Stdout)
	assert.Equal(t, "to-stderr", result.Stderr)
	assert.Equal(t, "hello world\nto-stderr", result.Output())
}

func TestExecute_NonZeroExitIsNotAnError(t *testing.T) {
	result, err := NewDirectExecutor().Execute(context.Background(), helper("exit", "3"))
	require.NoError(t, err)
	assert.Equal(t, 3, result.ExitCode)
	assert.False(t, result.Succeeded())
	assert.False(t, result.Killed)
}

func TestExecute_EnvironmentOverride(t *testing.T) {
	cmd := helper("env", "ERR_JSON")
	cmd.Environment = append(cmd.Environment, "ERR_JSON=/tmp/a.json")
	result, err := NewDirectExecutor().Execute(context.Background(), cmd)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/a.json", result.Stdout)
}

func TestExecute_Timeout(t *testing.T) {
	cmd := helper("sleep")
	cmd.Timeout = 300 * time.Millisecond

	start := time.Now()
	result, err := NewDirectExecutor().Execute(context.Background(), cmd)
	require.NoError(t, err)

	assert.True(t, result.Killed)
	assert.Contains(t, result.KillReason, "timeout")
	assert.Equal(t, -1, result.ExitCode)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestExecute_Truncation(t *testing.T) {
	cmd := helper("spam")
	cmd.MaxOutputBytes = 100
	result, err := NewDirectExecutor().Execute(context.Background(), cmd)
	require.NoError(t, err)

	assert.True(t, result.Truncated)
	assert.Len(t, result.Stdout, 100)
	assert.Equal(t, int64(4096-100), result.TruncatedBytes)
}

func TestExecute_MissingBinary(t *testing.T) {
	_, err := NewDirectExecutor().Execute(context.Background(), Command{Binary: "/nonexistent/marimo-guard-binary"})
	require.Error(t, err)

	_, err = NewDirectExecutor().Execute(context.Background(), Command{})
	require.Error(t, err)
}

func TestShell(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires bash")
	}
	if _, err := os.Stat("/bin/bash"); err != nil {
		t.Skip("requires bash")
	}
	result, err := NewDirectExecutor().Execute(context.Background(), ShellCommand(`echo "$NB"; exit 4`, t.TempDir(), "NB=demo.py"))
	require.NoError(t, err)
	assert.Equal(t, 4, result.ExitCode)
	assert.Equal(t, "demo.py\n", result.Stdout)
}

func TestShellCommand(t *testing.T) {
	cmd := ShellCommand("fix demo.py", "/work", "ERR_JSON=x")
	assert.Equal(t, "bash -lc fix demo.py", cmd.CommandString())
	assert.Equal(t, "/work", cmd.WorkingDirectory)
	assert.Equal(t, []string{"ERR_JSON=x"}, cmd.Environment)
}

func TestLimitedWriter(t *testing.T) {
	var buf bytes.Buffer
	lw := &limitedWriter{w: &buf, max: 5}

	n, err := lw.Write([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = lw.Write([]byte("defg"))
	require.NoError(t, err)
	assert.Equal(t, 4, n, "full length is reported on a partial write")

	n, err = lw.Write([]byte("hij"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	assert.Equal(t, "abcde", buf.String())
	assert.True(t, lw.truncated)
	assert.Equal(t, int64(5), lw.discarded)
}

// syncBuffer guards a bytes.Buffer written by a child process.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func waitForOutput(t *testing.T, b *syncBuffer, want string) {
	t.Helper()
	require.Eventually(t, func() bool { return strings.Contains(b.String(), want) },
		10*time.Second, 20*time.Millisecond)
}

func TestProcess_ExitsOnItsOwn(t *testing.T) {
	p, err := Start(helper("exit", "0"), nil)
	require.NoError(t, err)

	require.True(t, p.Wait(10*time.Second))
	assert.True(t, p.Exited())
	assert.Equal(t, 0, p.ExitCode())

	graceful, err := p.Terminate(time.Second)
	require.NoError(t, err)
	assert.True(t, graceful, "terminating an exited process is a no-op")
}

func TestProcess_TerminateGraceful(t *testing.T) {
	out := &syncBuffer{}
	p, err := Start(helper("sleep"), out)
	require.NoError(t, err)
	waitForOutput(t, out, "sleeping")
	assert.False(t, p.Exited())
	assert.Positive(t, p.Pid())

	graceful, err := p.Terminate(5 * time.Second)
	require.NoError(t, err)
	assert.True(t, graceful)
	assert.True(t, p.Exited())
}

func TestProcess_TerminateEscalatesToKill(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("SIGTERM cannot be ignored on windows")
	}
	out := &syncBuffer{}
	p, err := Start(helper("stubborn"), out)
	require.NoError(t, err)
	waitForOutput(t, out, "ignoring")

	start := time.Now()
	graceful, err := p.Terminate(300 * time.Millisecond)
	require.NoError(t, err)
	assert.False(t, graceful)
	assert.True(t, p.Exited())
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, -1, p.ExitCode())
}

func TestPickFreePort(t *testing.T) {
	port, err := PickFreePort(0)
	require.NoError(t, err)
	assert.Positive(t, port)

	// An occupied preferred port falls back to another one.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	busy := l.Addr().(*net.TCPAddr).Port

	got, err := PickFreePort(busy)
	require.NoError(t, err)
	assert.NotEqual(t, busy, got)
}

func TestWaitForPort(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port

	require.NoError(t, WaitForPort(context.Background(), port, 2*time.Second))
	l.Close()

	free, err := PickFreePort(0)
	require.NoError(t, err)
	err = WaitForPort(context.Background(), free, 200*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not ready")
}

func TestURL(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:2731/", URL(2731))
}
