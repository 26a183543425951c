package process_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"kiln/internal/process"
)

func TestRunCapturesOutputAndExitCode(t *testing.T) {
	var stdout, stderr bytes.Buffer
	res, err := process.Run(context.Background(), process.Spec{
		Command: "echo out; echo err >&2; exit 3",
		Dir:     t.TempDir(),
		Stdout:  &stdout,
		Stderr:  &stderr,
	}, time.Second)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if res.ExitCode != 3 {
		t.Fatalf("expected exit code 3, got %d", res.ExitCode)
	}
	if stdout.String() != "out\n" || stderr.String() != "err\n" {
		t.Fatalf("unexpected output %q / %q", stdout.String(), stderr.String())
	}
	if res.Terminated {
		t.Fatal("process exiting on its own must not be marked terminated")
	}
}

func TestRunUsesDirAndEnv(t *testing.T) {
	dir := t.TempDir()
	var stdout bytes.Buffer
	res, err := process.Run(context.Background(), process.Spec{
		Command: `pwd; printf '%s\n' "$KILN_TEST_VALUE"`,
		Dir:     dir,
		Env:     []string{"KILN_TEST_VALUE=hello", "PATH=" + os.Getenv("PATH")},
		Stdout:  &stdout,
	}, time.Second)
	if err != nil || res.ExitCode != 0 {
		t.Fatalf("Run: res=%+v err=%v", res, err)
	}
	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	resolved, _ := filepath.EvalSymlinks(dir)
	if len(lines) != 2 || (lines[0] != dir && lines[0] != resolved) || lines[1] != "hello" {
		t.Fatalf("unexpected output %q", stdout.String())
	}
}

func TestCancelTerminatesGracefully(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	res, err := process.Run(ctx, process.Spec{Command: "sleep 30"}, 5*time.Second)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if !res.Terminated {
		t.Fatal("expected process to be marked terminated")
	}
	if res.ExitCode != 128+15 {
		t.Fatalf("expected SIGTERM exit code, got %d", res.ExitCode)
	}
	if time.Since(start) > 4*time.Second {
		t.Fatal("SIGTERM should have stopped sleep well before the grace period")
	}
}

func TestTerminateEscalatesToKill(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "ready")
	p, err := process.Start(process.Spec{Command: "trap '' TERM; touch " + marker + "; while true; do sleep 0.05; done"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := os.Stat(marker); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("process never became ready")
		}
		time.Sleep(10 * time.Millisecond)
	}

	p.Terminate(200 * time.Millisecond)
	res, err := p.Wait()
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if res.ExitCode != 128+9 {
		t.Fatalf("expected SIGKILL exit code, got %d", res.ExitCode)
	}
}

func TestStartRejectsEmptyCommand(t *testing.T) {
	if _, err := process.Start(process.Spec{}); err == nil {
		t.Fatal("expected error for empty command")
	}
}
