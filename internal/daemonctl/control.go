// Package daemonctl launches, stops and inspects the per-workspace daemon
// from the CLI side.
package daemonctl

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"kiln/internal/daemon"
	"kiln/internal/hashing"
	"kiln/internal/ipc"
)

const pollInterval = 50 * time.Millisecond

// LaunchOptions controls daemon process launch behavior.
type LaunchOptions struct {
	Root       string
	SocketPath string
	ConfigPath string
}

// StartState reports what EnsureStarted had to do.
type StartState string

const (
	StartStateStarted        StartState = "started"
	StartStateAlreadyRunning StartState = "already_running"
)

// StartResult captures daemon start orchestration state.
type StartResult struct {
	State    StartState
	Launched bool
	PID      int
}

// ErrDaemonNotRunning indicates daemon IPC is unavailable.
var ErrDaemonNotRunning = errors.New("daemon not running")

// Launch starts a detached `kiln daemon run` process for opts.Root.
func Launch(executablePath string, opts LaunchOptions) error {
	if strings.TrimSpace(executablePath) == "" {
		return fmt.Errorf("resolve executable: executable path is empty")
	}

	args := []string{"daemon", "run"}
	if root := strings.TrimSpace(opts.Root); root != "" {
		args = append(args, "--cwd", root)
	}
	if socket := strings.TrimSpace(opts.SocketPath); socket != "" {
		args = append(args, "--socket", socket)
	}
	if cfg := strings.TrimSpace(opts.ConfigPath); cfg != "" {
		args = append(args, "--config", cfg)
	}

	proc := exec.Command(executablePath, args...)
	proc.Dir = opts.Root
	// A new session keeps the daemon alive after the launching terminal exits.
	proc.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := proc.Start(); err != nil {
		return fmt.Errorf("launch daemon: %w", err)
	}
	return proc.Process.Release()
}

// IsUnavailable reports whether err means nothing is listening on the socket.
func IsUnavailable(err error) bool {
	return os.IsNotExist(err) ||
		errors.Is(err, os.ErrNotExist) ||
		errors.Is(err, syscall.ENOENT) ||
		errors.Is(err, syscall.ECONNREFUSED)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitForClient waits for IPC socket availability and returns a connected client.
func WaitForClient(ctx context.Context, socketPath string, timeout time.Duration) (*ipc.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var lastErr error
	for {
		client, err := ipc.Dial(ctx, socketPath)
		if err == nil {
			return client, nil
		}
		lastErr = err
		if sleep(ctx, pollInterval) != nil {
			return nil, fmt.Errorf("daemon failed to start: %w", lastErr)
		}
	}
}

// EnsureStarted launches the daemon unless one already answers on the socket.
func EnsureStarted(ctx context.Context, paths daemon.Paths, executablePath string, opts LaunchOptions, waitTimeout time.Duration) (StartResult, error) {
	client, err := ipc.Dial(ctx, paths.Socket)
	launched := false
	if err != nil {
		if launchErr := Launch(executablePath, opts); launchErr != nil {
			return StartResult{}, launchErr
		}
		client, err = WaitForClient(ctx, paths.Socket, waitTimeout)
		if err != nil {
			return StartResult{}, err
		}
		launched = true
	}
	defer client.Close()

	status, err := client.Status(ctx)
	if err != nil {
		return StartResult{}, err
	}
	state := StartStateAlreadyRunning
	if launched {
		state = StartStateStarted
	}
	return StartResult{State: state, Launched: launched, PID: status.PID}, nil
}

// WaitForShutdown waits for daemon IPC to disappear.
func WaitForShutdown(ctx context.Context, socketPath string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for {
		client, err := ipc.Dial(ctx, socketPath)
		if err != nil && IsUnavailable(err) {
			return nil
		}
		if err == nil {
			_ = client.Close()
		}
		if sleep(ctx, pollInterval) != nil {
			return fmt.Errorf("daemon did not stop: %w", ctx.Err())
		}
	}
}

// ProcessInfo returns whether daemon IPC is reachable and the daemon PID when available.
func ProcessInfo(ctx context.Context, socketPath string) (bool, int, error) {
	client, err := ipc.Dial(ctx, socketPath)
	if err != nil {
		if IsUnavailable(err) {
			return false, 0, nil
		}
		return false, 0, err
	}
	defer client.Close()
	status, err := client.Status(ctx)
	if err != nil {
		return true, 0, err
	}
	return true, status.PID, nil
}

// ForceKillProcess sends SIGKILL to the daemon process and cleans pid and lock files.
func ForceKillProcess(pidPath, lockPath string, fallbackPID int) (int, error) {
	pid := fallbackPID
	data, err := os.ReadFile(pidPath)
	if err == nil {
		if parsed, parseErr := strconv.Atoi(strings.TrimSpace(string(data))); parseErr == nil && parsed > 0 {
			pid = parsed
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return 0, fmt.Errorf("read daemon pid file %q: %w", pidPath, err)
	}
	if pid <= 0 {
		return 0, fmt.Errorf("unable to determine daemon pid (pid file: %s)", pidPath)
	}
	if pid == os.Getpid() {
		return 0, fmt.Errorf("refusing to kill current process (pid %d)", pid)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return 0, fmt.Errorf("locate daemon process %d: %w", pid, err)
	}
	if err := proc.Kill(); err != nil {
		return 0, fmt.Errorf("kill daemon process %d: %w", pid, err)
	}
	if err := os.Remove(pidPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return 0, fmt.Errorf("remove pid file %q: %w", pidPath, err)
	}
	if lockPath != "" {
		_ = os.Remove(lockPath)
	}
	return pid, nil
}

// StopResult captures daemon stop/termination outcome.
type StopResult struct {
	StopAcknowledged bool
	ForcedKill       bool
	PID              int
}

// RestartResult captures stop/start outcomes for daemon restart.
type RestartResult struct {
	WasRunning bool
	Stop       StopResult
	Start      StartResult
}

// StopAndTerminate requests daemon shutdown and force-kills the process if it
// still answers after gracePeriod.
func StopAndTerminate(ctx context.Context, paths daemon.Paths, gracePeriod time.Duration) (StopResult, error) {
	client, err := ipc.Dial(ctx, paths.Socket)
	if err != nil {
		if IsUnavailable(err) {
			return StopResult{}, ErrDaemonNotRunning
		}
		return StopResult{}, err
	}
	pid := 0
	if status, statusErr := client.Status(ctx); statusErr == nil {
		pid = status.PID
	}
	err = client.Shutdown(ctx)
	_ = client.Close()
	if err != nil {
		return StopResult{}, err
	}
	result := StopResult{StopAcknowledged: true, PID: pid}

	if WaitForShutdown(ctx, paths.Socket, gracePeriod) == nil {
		return result, nil
	}
	alive, livePID, aliveErr := ProcessInfo(ctx, paths.Socket)
	if aliveErr != nil || !alive {
		return result, nil
	}
	if livePID == 0 {
		livePID = pid
	}
	killedPID, killErr := ForceKillProcess(paths.PID, paths.Lock, livePID)
	if killErr != nil {
		return result, fmt.Errorf("failed to stop daemon process: %w", killErr)
	}
	_ = os.Remove(paths.Socket)
	result.ForcedKill = true
	result.PID = killedPID
	return result, nil
}

// Restart stops the daemon if running, then ensures it is started.
func Restart(ctx context.Context, paths daemon.Paths, executablePath string, opts LaunchOptions, stopGracePeriod, startWaitTimeout time.Duration) (RestartResult, error) {
	stopResult, stopErr := StopAndTerminate(ctx, paths, stopGracePeriod)
	if stopErr != nil && !errors.Is(stopErr, ErrDaemonNotRunning) {
		return RestartResult{}, stopErr
	}

	startResult, err := EnsureStarted(ctx, paths, executablePath, opts, startWaitTimeout)
	if err != nil {
		return RestartResult{}, err
	}

	return RestartResult{
		WasRunning: stopErr == nil,
		Stop:       stopResult,
		Start:      startResult,
	}, nil
}

// BuildStatusSnapshot returns the live daemon status, or an offline status
// filled from the runtime paths and the persisted hash store.
func BuildStatusSnapshot(ctx context.Context, paths daemon.Paths, root string) (*ipc.StatusResponse, error) {
	client, err := ipc.Dial(ctx, paths.Socket)
	if err == nil {
		defer client.Close()
		if resp, statusErr := client.Status(ctx); statusErr == nil {
			return resp, nil
		}
	}

	resp := &ipc.StatusResponse{
		Root:       root,
		Socket:     paths.Socket,
		LockPath:   paths.Lock,
		LogPath:    paths.Log,
		HashDBPath: paths.HashDB,
	}
	if _, statErr := os.Stat(paths.HashDB); statErr == nil {
		store, openErr := hashing.OpenStore(paths.HashDB)
		if openErr != nil {
			return resp, nil
		}
		defer store.Close()
		if n, countErr := store.Count(ctx); countErr == nil {
			resp.StoredFiles = n
		}
	}
	return resp, nil
}
