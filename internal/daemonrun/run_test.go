package daemonrun_test

import (
	"context"
	"os"
	"testing"
	"time"

	"kiln/internal/daemon"
	"kiln/internal/daemonrun"
	"kiln/internal/ipc"
	"kiln/internal/testsupport"
)

func TestServeStopsOnShutdownRequest(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithDaemon())
	root := testsupport.WebUtilsWorkspace(t)
	paths, err := daemon.PathsFor(testsupport.ShortTempDir(t), root, "")
	if err != nil {
		t.Fatalf("PathsFor: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- daemonrun.Serve(context.Background(), cfg, root, paths, nil)
	}()

	var client *ipc.Client
	deadline := time.Now().Add(5 * time.Second)
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		client, err = ipc.Dial(ctx, paths.Socket)
		cancel()
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("daemon never started listening: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	defer client.Close()

	status, err := client.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.PID != os.Getpid() || status.Packages != 2 {
		t.Fatalf("unexpected status %+v", status)
	}

	if err := client.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Serve returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after shutdown")
	}
	if _, err := os.Stat(paths.Socket); !os.IsNotExist(err) {
		t.Fatalf("expected socket removed, stat err %v", err)
	}
}

func TestServeStopsOnContextCancel(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithDaemon())
	root := testsupport.WebUtilsWorkspace(t)
	paths, err := daemon.PathsFor(testsupport.ShortTempDir(t), root, "")
	if err != nil {
		t.Fatalf("PathsFor: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	if err := daemonrun.Serve(ctx, cfg, root, paths, nil); err != nil {
		t.Fatalf("Serve: %v", err)
	}
}
