package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"kiln/internal/cache"
	"kiln/internal/config"
	"kiln/internal/logging"
)

const cacheStatusEntries = 10

func newCacheCommand(ctx *commandContext) *cobra.Command {
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and maintain the local artifact cache",
	}
	cacheCmd.AddCommand(newCacheStatusCommand(ctx))
	cacheCmd.AddCommand(newCachePruneCommand(ctx))
	cacheCmd.AddCommand(newCacheCleanCommand(ctx))
	return cacheCmd
}

func localCache(cfg *config.Config) *cache.Local {
	return cache.NewLocal(cfg.Paths.CacheDir, logging.NewNop())
}

func newCacheStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show cache usage and the most recent entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			stats, err := localCache(cfg).Stats(cmd.Context(), cacheStatusEntries)
			if err != nil {
				return fmt.Errorf("read cache stats: %w", err)
			}

			out := cmd.OutOrStdout()
			colorize := shouldColorize(out)
			for _, line := range renderSectionHeader("Local Cache", colorize) {
				fmt.Fprintln(out, line)
			}
			fmt.Fprintln(out, renderStatusLine("Directory", statusInfo, stats.Root, colorize))
			fmt.Fprintln(out, renderStatusLine("Entries", statusInfo, strconv.Itoa(stats.Entries), colorize))
			usage := formatBytes(stats.TotalBytes)
			if limit := cfg.CacheMaxBytes(); limit > 0 {
				usage = fmt.Sprintf("%s of %s", usage, formatBytes(limit))
			}
			fmt.Fprintln(out, renderStatusLine("Size", statusInfo, usage, colorize))
			if stats.TotalFSBytes > 0 {
				kind := statusOK
				if stats.FreeRatio < 0.1 {
					kind = statusWarn
				}
				fmt.Fprintln(out, renderStatusLine("Free space", kind,
					fmt.Sprintf("%s (%.0f%%)", formatBytes(int64(stats.FreeBytes)), stats.FreeRatio*100), colorize))
			}
			remoteKind, remoteValue := remoteStatus(cmd.Context(), cfg)
			fmt.Fprintln(out, renderStatusLine("Remote", remoteKind, remoteValue, colorize))

			if len(stats.Newest) == 0 {
				return nil
			}
			fmt.Fprintln(out)
			rows := make([][]string, 0, len(stats.Newest))
			for _, entry := range stats.Newest {
				rows = append(rows, []string{
					shortHash(entry.Key),
					entry.TaskID,
					formatBytes(entry.SizeBytes),
					entry.ModifiedAt.Local().Format("2006-01-02 15:04:05"),
				})
			}
			layout := tableSpec{
				headers: []string{"Key", "Task", "Size", "Last Used"},
				aligns:  []columnAlignment{alignLeft, alignLeft, alignRight, alignLeft},
			}
			fmt.Fprint(out, layout.render(rows))
			return nil
		},
	}
}

func newCachePruneCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Evict expired entries and enforce the size budget",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			result, err := localCache(cfg).Prune(cmd.Context(), cache.PolicyFromConfig(cfg))
			if err != nil {
				return fmt.Errorf("prune cache: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Removed %d entries (%s), %d remaining\n", result.Removed, formatBytes(result.FreedBytes), result.Remaining)
			if result.SkippedLocks > 0 {
				fmt.Fprintf(out, "Skipped %d entries in use\n", result.SkippedLocks)
			}
			return nil
		},
	}
}

func newCacheCleanCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "clean",
		Short: "Remove every local cache entry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if err := localCache(cfg).Clean(cmd.Context()); err != nil {
				return fmt.Errorf("clean cache: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cleared %s\n", cfg.Paths.CacheDir)
			return nil
		},
	}
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func remoteStatus(ctx context.Context, cfg *config.Config) (statusKind, string) {
	remote := cache.RemoteFromConfig(cfg)
	if remote == nil {
		return statusInfo, "disabled"
	}
	defer remote.Close()
	value := cfg.RemoteCache.Addr
	if cfg.RemoteCache.ReadOnly {
		value += " (read-only)"
	}
	pingCtx, cancel := context.WithTimeout(ctx, cfg.RemoteTimeout())
	defer cancel()
	if err := remote.Ping(pingCtx); err != nil {
		return statusError, value + " (unreachable)"
	}
	return statusOK, value
}
