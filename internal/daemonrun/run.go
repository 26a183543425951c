// Package daemonrun hosts the long-running `kiln daemon run` process.
package daemonrun

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"kiln/internal/config"
	"kiln/internal/daemon"
	"kiln/internal/ipc"
	"kiln/internal/logging"
)

// Run starts the daemon for root and blocks until a signal, a Shutdown RPC
// or the idle timeout ends it.
func Run(cmdCtx context.Context, cfg *config.Config, root, socketOverride string) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	paths, err := daemon.PathsFor(cfg.Paths.RuntimeDir, root, socketOverride)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(paths.Dir, 0o755); err != nil {
		return fmt.Errorf("create runtime directory: %w", err)
	}

	logger, err := logging.NewFromConfig(cfg, paths.Log)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	if err := writePIDFile(paths.PID); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(paths.PID)

	return Serve(signalCtx, cfg, root, paths, logger)
}

// Serve runs a daemon and its IPC server in the calling process until ctx
// ends or the daemon requests shutdown.
func Serve(ctx context.Context, cfg *config.Config, root string, paths daemon.Paths, logger *slog.Logger) error {
	if logger == nil {
		logger = logging.NewNop()
	}
	d, err := daemon.New(daemon.Options{
		Root:          root,
		Paths:         paths,
		Shards:        cfg.Daemon.HashShards,
		IdleTimeout:   cfg.IdleTimeout(),
		WatchDebounce: cfg.WatchDebounce(),
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}
	if err := d.Start(ctx); err != nil {
		logging.ErrorWithContext(logger, "daemon start failed", "daemon_start_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check the runtime directory and stop any other daemon for this workspace"),
			logging.String(logging.FieldImpact, "kiln runs fall back to cold hashing"),
		)
		return err
	}
	defer d.Close()

	ipcServer, err := ipc.NewServer(ctx, paths.Socket, d, logger, ipc.WithRequestTimeout(cfg.RPCTimeout()))
	if err != nil {
		return fmt.Errorf("start IPC server: %w", err)
	}
	defer ipcServer.Close()
	ipcServer.Serve()

	logger.Info("kiln daemon listening", logging.String("socket", paths.Socket), logging.Int("pid", os.Getpid()))
	select {
	case <-ctx.Done():
		logger.Info("kiln daemon shutting down", logging.String("reason", "signal"))
	case <-d.Done():
		logger.Info("kiln daemon shutting down", logging.String("reason", d.ShutdownReason()))
	}
	return nil
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}
