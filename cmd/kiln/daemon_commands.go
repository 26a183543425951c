package main

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"kiln/internal/daemonctl"
	"kiln/internal/daemonrun"
	"kiln/internal/ipc"
)

const (
	daemonStartTimeout = 10 * time.Second
	daemonStopGrace    = 5 * time.Second
)

func newDaemonCommand(ctx *commandContext) *cobra.Command {
	daemonCmd := &cobra.Command{
		Use:   "daemon",
		Short: "Manage the per-workspace hashing daemon",
	}
	daemonCmd.AddCommand(newDaemonStartCommand(ctx))
	daemonCmd.AddCommand(newDaemonStopCommand(ctx))
	daemonCmd.AddCommand(newDaemonRestartCommand(ctx))
	daemonCmd.AddCommand(newDaemonStatusCommand(ctx))
	daemonCmd.AddCommand(newDaemonDiscoverCommand(ctx))
	daemonCmd.AddCommand(newDaemonInvalidateCommand(ctx))
	daemonCmd.AddCommand(newDaemonRunCommand(ctx))
	return daemonCmd
}

func newDaemonStartCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the daemon for this workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := ctx.daemonPaths()
			if err != nil {
				return err
			}
			exe, err := daemonExecutable()
			if err != nil {
				return err
			}
			result, err := daemonctl.EnsureStarted(cmd.Context(), paths, exe, ctx.launchOptions(), daemonStartTimeout)
			if err != nil {
				return err
			}

			stdout := cmd.OutOrStdout()
			if result.Launched {
				fmt.Fprintln(stdout, "Daemon not running, launching...")
			}
			switch result.State {
			case daemonctl.StartStateStarted:
				fmt.Fprintf(stdout, "Daemon started (pid %d)\n", result.PID)
			case daemonctl.StartStateAlreadyRunning:
				fmt.Fprintf(stdout, "Daemon already running (pid %d)\n", result.PID)
			}
			return nil
		},
	}
}

func newDaemonStopCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the daemon for this workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := ctx.daemonPaths()
			if err != nil {
				return err
			}
			stdout := cmd.OutOrStdout()
			result, err := daemonctl.StopAndTerminate(cmd.Context(), paths, daemonStopGrace)
			if errors.Is(err, daemonctl.ErrDaemonNotRunning) {
				fmt.Fprintln(stdout, "Daemon is not running")
				return nil
			}
			if err != nil {
				return err
			}
			if result.ForcedKill && result.PID > 0 {
				fmt.Fprintf(stdout, "Daemon did not exit in time, killed pid %d\n", result.PID)
			}
			fmt.Fprintln(stdout, "Daemon stopped")
			return nil
		},
	}
}

func newDaemonRestartCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Restart the daemon for this workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := ctx.daemonPaths()
			if err != nil {
				return err
			}
			exe, err := daemonExecutable()
			if err != nil {
				return err
			}
			result, err := daemonctl.Restart(cmd.Context(), paths, exe, ctx.launchOptions(), daemonStopGrace, daemonStartTimeout)
			if err != nil {
				return err
			}
			stdout := cmd.OutOrStdout()
			if result.WasRunning {
				if result.Stop.ForcedKill && result.Stop.PID > 0 {
					fmt.Fprintf(stdout, "Daemon did not exit in time, killed pid %d\n", result.Stop.PID)
				}
				fmt.Fprintln(stdout, "Daemon stopped")
			}
			fmt.Fprintf(stdout, "Daemon restarted (pid %d)\n", result.Start.PID)
			return nil
		},
	}
}

func newDaemonStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status for this workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := ctx.daemonPaths()
			if err != nil {
				return err
			}
			root, err := ctx.workspaceRoot()
			if err != nil {
				return err
			}
			status, err := daemonctl.BuildStatusSnapshot(cmd.Context(), paths, root)
			if err != nil {
				return err
			}
			stdout := cmd.OutOrStdout()
			colorize := shouldColorize(stdout)
			for _, line := range renderSectionHeader("Daemon", colorize) {
				fmt.Fprintln(stdout, line)
			}
			if status.Running {
				fmt.Fprintln(stdout, renderStatusLine("Status", statusOK, fmt.Sprintf("running (pid %d)", status.PID), colorize))
			} else {
				fmt.Fprintln(stdout, renderStatusLine("Status", statusWarn, "not running", colorize))
			}
			fmt.Fprintln(stdout)
			fmt.Fprint(stdout, tableSpec{headers: []string{"Field", "Value"}}.render(daemonStatusRows(status)))
			return nil
		},
	}
}

func daemonStatusRows(status *ipc.StatusResponse) [][]string {
	rows := [][]string{
		{"Workspace", status.Root},
		{"Socket", status.Socket},
		{"Log", status.LogPath},
		{"Hash store", status.HashDBPath},
		{"Stored hashes", strconv.Itoa(status.StoredFiles)},
	}
	if !status.Running {
		return rows
	}
	rows = append(rows,
		[]string{"Packages", strconv.Itoa(status.Packages)},
		[]string{"Tracked files", strconv.Itoa(status.TrackedFiles)},
		[]string{"Shards", strconv.Itoa(status.Shards)},
	)
	if !status.StartedAt.IsZero() {
		rows = append(rows, []string{"Uptime", time.Since(status.StartedAt).Round(time.Second).String()})
	}
	if !status.LastActivity.IsZero() {
		rows = append(rows, []string{"Idle", time.Since(status.LastActivity).Round(time.Second).String()})
	}
	if status.IdleTimeoutSeconds > 0 {
		rows = append(rows, []string{"Idle timeout", (time.Duration(status.IdleTimeoutSeconds) * time.Second).String()})
	}
	return rows
}

// withDaemonClient dials a running daemon without spawning one.
func (c *commandContext) withDaemonClient(cmd *cobra.Command, fn func(*ipc.Client) error) error {
	paths, err := c.daemonPaths()
	if err != nil {
		return err
	}
	client, err := ipc.Dial(cmd.Context(), paths.Socket)
	if err != nil {
		if daemonctl.IsUnavailable(err) {
			return fmt.Errorf("%w: no daemon listening on %s; start one with `kiln daemon start`", daemonctl.ErrDaemonNotRunning, paths.Socket)
		}
		return fmt.Errorf("connect to daemon: %w", err)
	}
	defer client.Close()
	client.SetCallTimeout(c.configValue().RPCTimeout())
	return fn(client)
}

func newDaemonDiscoverCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "discover",
		Short: "Force the daemon to rescan workspace packages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withDaemonClient(cmd, func(client *ipc.Client) error {
				snapshot, err := client.DiscoverPackages(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Discovered %d packages\n", len(snapshot.Packages))
				return nil
			})
		},
	}
}

func newDaemonInvalidateCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "invalidate <path>...",
		Short: "Drop cached hashes for workspace-relative paths",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withDaemonClient(cmd, func(client *ipc.Client) error {
				resp, err := client.NotifyFileChanged(cmd.Context(), args)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Invalidated %d cached hashes\n", resp.Invalidated)
				if resp.Rediscovered {
					fmt.Fprintln(out, "Package graph rediscovered")
				}
				return nil
			})
		},
	}
}

func newDaemonRunCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:    "run",
		Short:  "Run the daemon in the foreground",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			root, err := ctx.workspaceRoot()
			if err != nil {
				return err
			}
			return daemonrun.Run(cmd.Context(), cfg, root, ctx.socketOverride())
		},
	}
}
