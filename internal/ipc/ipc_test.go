package ipc_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"kiln/internal/daemon"
	"kiln/internal/failure"
	"kiln/internal/hashing"
	"kiln/internal/ipc"
	"kiln/internal/logging"
	"kiln/internal/testsupport"
)

func startServer(t *testing.T, root string) (*daemon.Daemon, string) {
	t.Helper()
	paths, err := daemon.PathsFor(testsupport.ShortTempDir(t), root, "")
	if err != nil {
		t.Fatalf("PathsFor: %v", err)
	}
	d, err := daemon.New(daemon.Options{Root: root, Paths: paths, DisableWatch: true})
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })

	srv, err := ipc.NewServer(ctx, paths.Socket, d, logging.NewNop())
	if err != nil {
		if strings.Contains(err.Error(), "operation not permitted") {
			t.Skipf("skipping IPC server test: %v", err)
		}
		t.Fatalf("ipc.NewServer: %v", err)
	}
	srv.Serve()
	t.Cleanup(srv.Close)
	return d, paths.Socket
}

func dial(t *testing.T, socket string) *ipc.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, err := ipc.Dial(ctx, socket)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestIPCServerClient(t *testing.T) {
	root := testsupport.WebUtilsWorkspace(t)
	_, socket := startServer(t, root)
	client := dial(t, socket)
	ctx := context.Background()

	status, err := client.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !status.Running || status.Packages != 2 || status.Socket != socket {
		t.Fatalf("unexpected status %+v", status)
	}

	snap, err := client.PackageGraph(ctx)
	if err != nil {
		t.Fatalf("PackageGraph: %v", err)
	}
	if len(snap.Packages) != 2 || snap.Packages[1].Dependencies[0] != "utils" {
		t.Fatalf("unexpected graph %+v", snap)
	}

	rel := "apps/web/src/index.txt"
	digest, err := client.Hash(ctx, rel)
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	want, _ := hashing.DigestFile(filepath.Join(root, filepath.FromSlash(rel)))
	if digest != want {
		t.Fatalf("digest mismatch %s vs %s", digest, want)
	}

	if _, err := client.HashFiles(ctx, []string{rel, "apps/web/absent.txt"}); !errors.Is(err, hashing.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing path, got %v", err)
	}

	changes, err := client.NotifyFileChanged(ctx, []string{rel})
	if err != nil {
		t.Fatalf("NotifyFileChanged: %v", err)
	}
	if changes.Invalidated != 1 || changes.Rediscovered {
		t.Fatalf("unexpected change result %+v", changes)
	}

	testsupport.WritePackage(t, root, "packages/ui", testsupport.PackageSpec{Name: "ui"})
	snap, err = client.DiscoverPackages(ctx)
	if err != nil {
		t.Fatalf("DiscoverPackages: %v", err)
	}
	if len(snap.Packages) != 3 {
		t.Fatalf("expected three packages after discovery, got %d", len(snap.Packages))
	}
}

func TestServerErrorsCarryDaemonMarker(t *testing.T) {
	root := testsupport.WebUtilsWorkspace(t)
	_, socket := startServer(t, root)
	client := dial(t, socket)

	_, err := client.FileHashes(context.Background(), []string{"../outside.txt"})
	if err == nil {
		t.Fatal("expected escaping path to be rejected")
	}
	if !errors.Is(err, failure.ErrDaemon) {
		t.Fatalf("expected daemon marker, got %v", err)
	}
}

func TestCancelledCallReturnsPromptly(t *testing.T) {
	root := testsupport.WebUtilsWorkspace(t)
	_, socket := startServer(t, root)
	client := dial(t, socket)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := client.Status(ctx); !errors.Is(err, context.Canceled) {
		// The reply may already be buffered; either outcome leaves the client usable.
		if err != nil {
			t.Fatalf("unexpected error %v", err)
		}
	}
	if _, err := client.Status(context.Background()); err != nil {
		t.Fatalf("client unusable after abandoned call: %v", err)
	}
}

func TestShutdownSignalsDaemon(t *testing.T) {
	root := testsupport.WebUtilsWorkspace(t)
	d, socket := startServer(t, root)
	client := dial(t, socket)

	if err := client.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	select {
	case <-d.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("daemon never observed the shutdown request")
	}
}

func TestDialMissingSocketFails(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := ipc.Dial(ctx, filepath.Join(testsupport.ShortTempDir(t), "none.sock")); err == nil {
		t.Fatal("expected dial to fail without a server")
	}
}
