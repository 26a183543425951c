package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"kiln/internal/connector"
	"kiln/internal/daemonctl"
	"kiln/internal/failure"
	"kiln/internal/hashing"
	"kiln/internal/ipc"
	"kiln/internal/logging"
	"kiln/internal/pipeline"
	"kiln/internal/workspace"
)

// loadedWorkspace is everything a command needs to build and hash a task
// graph. Packages and Files come from the daemon when one answered.
type loadedWorkspace struct {
	Root     string
	Packages *workspace.Graph
	Tasks    *pipeline.Table
	Files    hashing.FileHasher
	Warm     bool

	client *ipc.Client
}

func (w *loadedWorkspace) Close() error {
	if w.client != nil {
		return w.client.Close()
	}
	return nil
}

// loadWorkspace discovers packages and task definitions. With spawn set, a
// missing daemon is launched; without it only a running daemon is used.
// An unreachable daemon is never fatal: the workspace is loaded cold and a
// warning goes to stderr.
func (c *commandContext) loadWorkspace(ctx context.Context, logger *slog.Logger, stderr io.Writer, spawn bool) (*loadedWorkspace, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	root, err := c.workspaceRoot()
	if err != nil {
		return nil, err
	}
	rootFile, err := pipeline.LoadRoot(root)
	if err != nil {
		return nil, err
	}

	scanner := hashing.NewScanner(root, hashing.WithMemo(), hashing.WithLogger(logger))
	ws := &loadedWorkspace{Root: root, Files: scanner}

	if cfg.Daemon.Enabled {
		client, err := c.connectDaemon(ctx, logger, spawn)
		switch {
		case err == nil:
			if graph, graphErr := daemonPackageGraph(ctx, client); graphErr == nil {
				ws.client = client
				ws.Packages = graph
				ws.Files = connector.NewFallbackHasher(client, scanner, logger)
				ws.Warm = true
			} else {
				_ = client.Close()
				warnCold(logger, stderr, graphErr)
			}
		case spawn:
			warnCold(logger, stderr, err)
		default:
			logger.Debug("no daemon running, loading workspace cold", logging.Error(err))
		}
	}

	if ws.Packages == nil {
		graph, err := workspace.Discover(root, rootFile.Packages)
		if err != nil {
			return nil, failure.Wrap(failure.ErrConfiguration, "workspace", "discover packages", "", err)
		}
		ws.Packages = graph
	}

	table, err := pipeline.NewTable(rootFile, ws.Packages)
	if err != nil {
		_ = ws.Close()
		return nil, err
	}
	ws.Tasks = table
	return ws, nil
}

func (c *commandContext) connectDaemon(ctx context.Context, logger *slog.Logger, spawn bool) (*ipc.Client, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	paths, err := c.daemonPaths()
	if err != nil {
		return nil, err
	}
	opts := connector.Options{
		Paths:          paths,
		SpawnAttempts:  cfg.Daemon.SpawnAttempts,
		Logger:         logger,
		ConnectTimeout: cfg.ConnectTimeout(),
	}
	if spawn {
		exe, err := daemonExecutable()
		if err != nil {
			return nil, err
		}
		launch := c.launchOptions()
		opts.Launch = func() error { return daemonctl.Launch(exe, launch) }
	}
	client, err := connector.New(opts).Connect(ctx)
	if err != nil {
		return nil, err
	}
	client.SetCallTimeout(cfg.RPCTimeout())
	return client, nil
}

func daemonPackageGraph(ctx context.Context, client *ipc.Client) (*workspace.Graph, error) {
	snapshot, err := client.PackageGraph(ctx)
	if err != nil {
		return nil, err
	}
	graph, err := workspace.FromSnapshot(snapshot)
	if err != nil {
		return nil, failure.Wrap(failure.ErrDaemon, "workspace", "decode package graph", "", err)
	}
	return graph, nil
}

func warnCold(logger *slog.Logger, stderr io.Writer, err error) {
	logging.WarnWithContext(logger, "daemon unavailable, running cold", "daemon_unavailable",
		logging.Error(err),
		logging.String(logging.FieldImpact, "files are hashed locally for this run"),
		logging.String(logging.FieldErrorHint, "check kiln daemon status and the daemon log"),
	)
	fmt.Fprintf(stderr, "kiln: warning: daemon unavailable, running without it (%v)\n", err)
}
