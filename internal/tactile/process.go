package tactile

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"marimoguard/internal/logging"
)

// ErrNotStarted is returned when signalling a process that never started.
var ErrNotStarted = errors.New("tactile: process not started")

// Process is a handle to a long-running child such as a marimo server.
type Process struct {
	cmd     *exec.Cmd
	command Command
	started time.Time

	done    chan struct{}
	waitErr error

	mu       sync.Mutex
	exitCode int
}

// Start launches cmd without waiting for it. Combined stdout and stderr go
// to output, which may be nil to discard them.
func Start(cmd Command, output io.Writer) (*Process, error) {
	if cmd.Binary == "" {
		return nil, errors.New("tactile: empty binary")
	}
	if output == nil {
		output = io.Discard
	}

	execCmd := exec.Command(cmd.Binary, cmd.Arguments...)
	execCmd.Dir = cmd.WorkingDirectory
	execCmd.Env = buildEnvironment(cmd.Environment)
	execCmd.Stdout = output
	execCmd.Stderr = output
	setupProcessGroup(execCmd)

	if err := execCmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", cmd.Binary, err)
	}

	p := &Process{
		cmd:      execCmd,
		command:  cmd,
		started:  time.Now(),
		done:     make(chan struct{}),
		exitCode: -1,
	}
	go p.wait()

	logging.Tactile("Started %s (pid=%d)", cmd.CommandString(), execCmd.Process.Pid)
	return p, nil
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.waitErr = err
	if p.cmd.ProcessState != nil {
		p.exitCode = p.cmd.ProcessState.ExitCode()
	}
	p.mu.Unlock()
	close(p.done)
}

// Pid returns the operating system process id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Command returns the command the process was started with.
func (p *Process) Command() Command {
	return p.command
}

// Elapsed returns the time since the process started.
func (p *Process) Elapsed() time.Duration {
	return time.Since(p.started)
}

// Done is closed when the process has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Exited reports whether the process has exited.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// ExitCode returns the exit status, or -1 while running or when the
// process was ended by a signal.
func (p *Process) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// Wait blocks until the process exits or the timeout elapses. It reports
// whether the process exited.
func (p *Process) Wait(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-p.done:
		return true
	case <-timer.C:
		return false
	}
}

// Terminate asks the process group to exit and waits up to grace. If the
// process is still alive it kills the group and any stray descendants. The
// returned bool is true when the process exited within the grace period.
func (p *Process) Terminate(grace time.Duration) (bool, error) {
	if p.cmd.Process == nil {
		return false, ErrNotStarted
	}
	if p.Exited() {
		return true, nil
	}

	// Descendants are collected before signalling; once the parent dies
	// they are reparented and no longer reachable through it.
	children := descendants(int32(p.cmd.Process.Pid))

	if err := terminateProcessGroup(p.cmd); err != nil {
		logging.TactileWarn("SIGTERM to pid %d failed: %v", p.Pid(), err)
	}
	if p.Wait(grace) {
		logging.TactileDebug("pid %d exited after terminate", p.Pid())
		return true, nil
	}

	logging.TactileWarn("pid %d ignored terminate for %s, killing", p.Pid(), grace)
	err := p.Kill(children...)
	return false, err
}

// Kill kills the process group immediately along with the given extra
// processes, then waits briefly for the exit to be reaped.
func (p *Process) Kill(extra ...*process.Process) error {
	if p.cmd.Process == nil {
		return ErrNotStarted
	}
	err := killProcessGroup(p.cmd)
	for _, child := range extra {
		if running, _ := child.IsRunning(); running {
			_ = child.Kill()
		}
	}
	p.Wait(2 * time.Second)
	return err
}

// descendants lists every process below pid. Errors yield a partial list.
func descendants(pid int32) []*process.Process {
	root, err := process.NewProcess(pid)
	if err != nil {
		return nil
	}
	var out []*process.Process
	queue := []*process.Process{root}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		children, err := cur.Children()
		if err != nil {
			continue
		}
		out = append(out, children...)
		queue = append(queue, children...)
	}
	return out
}

// StopMatching terminates every other process whose command line satisfies
// match, giving each grace to exit. It returns the pids it signalled.
func StopMatching(match func(cmdline []string) bool, grace time.Duration) ([]int32, error) {
	procs, err := process.Processes()
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	self := int32(os.Getpid())

	var stopped []int32
	for _, p := range procs {
		if p.Pid == self {
			continue
		}
		cmdline, err := p.CmdlineSlice()
		if err != nil || len(cmdline) == 0 || !match(cmdline) {
			continue
		}
		logging.Tactile("Stopping existing process %d: %v", p.Pid, cmdline)
		if err := p.Terminate(); err != nil {
			logging.TactileWarn("terminate %d: %v", p.Pid, err)
			continue
		}
		stopped = append(stopped, p.Pid)

		deadline := time.Now().Add(grace)
		for time.Now().Before(deadline) {
			if running, _ := p.IsRunning(); !running {
				break
			}
			time.Sleep(50 * time.Millisecond)
		}
		if running, _ := p.IsRunning(); running {
			_ = p.Kill()
		}
	}
	return stopped, nil
}

// OutputBuffer collects process output. It is safe for the concurrent
// writes exec makes from its copy goroutines.
type OutputBuffer struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (b *OutputBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *OutputBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
