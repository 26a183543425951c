package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	gops "github.com/shirou/gopsutil/process"
	"golang.org/x/sys/unix"
)

// Shell runs every task command.
const Shell = "/bin/sh"

// Spec describes one command invocation.
type Spec struct {
	Command string
	Dir     string
	Env     []string
	Stdout  io.Writer
	Stderr  io.Writer
}

// Result is the outcome of a finished process.
type Result struct {
	ExitCode int
	Duration time.Duration
	// Terminated is set when the process was stopped by Terminate.
	Terminated bool
}

// Process is a started command.
type Process struct {
	cmd     *exec.Cmd
	started time.Time

	once   sync.Once
	done   chan struct{}
	result Result
	err    error

	mu         sync.Mutex
	terminated bool
}

// Start launches spec under the shell in a new process group.
func Start(spec Spec) (*Process, error) {
	if spec.Command == "" {
		return nil, errors.New("empty command")
	}
	cmd := exec.Command(Shell, "-c", spec.Command)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// Background children holding the output pipes must not block Wait forever.
	cmd.WaitDelay = 2 * time.Second

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %q: %w", spec.Command, err)
	}
	p := &Process{cmd: cmd, started: time.Now(), done: make(chan struct{})}
	go p.wait()
	return p, nil
}

// Pid is the process id, which is also the process group id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	res := Result{Duration: time.Since(p.started)}
	p.mu.Lock()
	res.Terminated = p.terminated
	p.mu.Unlock()

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.ExitCode = exitCode(exitErr.ProcessState)
		err = nil
	case errors.Is(err, exec.ErrWaitDelay):
		res.ExitCode = exitCode(p.cmd.ProcessState)
		err = nil
	default:
		res.ExitCode = -1
	}
	p.result, p.err = res, err
	close(p.done)
}

// Done is closed once the process has exited and its output is drained.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the process exits. A non-zero exit is reported in
// Result, not as an error.
func (p *Process) Wait() (Result, error) {
	<-p.done
	return p.result, p.err
}

// Terminate signals the process group with SIGTERM and escalates to SIGKILL
// after grace. It returns once the process has exited.
func (p *Process) Terminate(grace time.Duration) {
	p.once.Do(func() {
		p.mu.Lock()
		p.terminated = true
		p.mu.Unlock()

		pgid := p.Pid()
		strays := descendants(int32(pgid))
		_ = unix.Kill(-pgid, unix.SIGTERM)

		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-p.done:
		case <-timer.C:
			_ = unix.Kill(-pgid, unix.SIGKILL)
		}
		for _, child := range strays {
			_ = child.Kill()
		}
	})
	<-p.done
}

// Run starts spec and waits for it. Cancelling ctx terminates the process
// group with the given grace period.
func Run(ctx context.Context, spec Spec, grace time.Duration) (Result, error) {
	p, err := Start(spec)
	if err != nil {
		return Result{ExitCode: -1}, err
	}
	select {
	case <-p.Done():
	case <-ctx.Done():
		p.Terminate(grace)
	}
	return p.Wait()
}

// descendants lists the process tree under pid. Processes that called
// setsid escape the group signal and are killed individually.
func descendants(pid int32) []*gops.Process {
	root, err := gops.NewProcess(pid)
	if err != nil {
		return nil
	}
	var out []*gops.Process
	queue := []*gops.Process{root}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		children, err := current.Children()
		if err != nil {
			continue
		}
		out = append(out, children...)
		queue = append(queue, children...)
	}
	return out
}

func exitCode(state *os.ProcessState) int {
	if state == nil {
		return -1
	}
	if code := state.ExitCode(); code >= 0 {
		return code
	}
	if status, ok := state.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return 128 + int(status.Signal())
	}
	return -1
}
