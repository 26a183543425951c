package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"kiln/internal/config"
	"kiln/internal/failure"
	"kiln/internal/pipeline"
	"kiln/internal/workspace"
)

func newConfigCommand(ctx *commandContext) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration utilities",
	}
	configCmd.AddCommand(newConfigInitCommand())
	configCmd.AddCommand(newConfigShowCommand(ctx))
	configCmd.AddCommand(newConfigValidateCommand(ctx))
	return configCmd
}

// sampleTarget resolves where config init writes, refusing to replace an
// existing file unless overwrite is set.
func sampleTarget(path string, overwrite bool) (string, error) {
	var (
		target string
		err    error
	)
	if path = strings.TrimSpace(path); path == "" {
		target, err = config.DefaultConfigPath()
	} else {
		target, err = config.ExpandPath(path)
	}
	if err != nil {
		return "", fmt.Errorf("resolve config path: %w", err)
	}
	if overwrite {
		return target, nil
	}
	switch _, err := os.Stat(target); {
	case err == nil:
		return "", fmt.Errorf("config file already exists at %s (use --overwrite to replace it)", target)
	case !errors.Is(err, fs.ErrNotExist):
		return "", fmt.Errorf("check config path: %w", err)
	}
	return target, nil
}

func newConfigInitCommand() *cobra.Command {
	var targetPath string
	var overwrite bool

	cmd := &cobra.Command{
		Use:         "init",
		Short:       "Write a sample configuration file",
		Annotations: map[string]string{"skipConfigLoad": "true"},
		Args:        cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := sampleTarget(targetPath, overwrite)
			if err != nil {
				return err
			}
			// CreateSample makes the parent directory.
			if err := config.CreateSample(target); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote sample configuration to %s\n", target)
			return nil
		},
	}
	cmd.Flags().StringVarP(&targetPath, "path", "p", "", "Destination for the configuration file")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "Replace an existing file")
	return cmd
}

func newConfigShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			encoded, err := cfg.Encode()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if ctx.configExists {
				fmt.Fprintf(out, "# loaded from %s\n", ctx.configPath)
			} else {
				fmt.Fprintf(out, "# %s not found; showing defaults\n", ctx.configPath)
			}
			fmt.Fprint(out, encoded)
			return nil
		},
	}
}

// newConfigValidateCommand checks the tool config (loaded by the root
// command) and the workspace's kiln.toml files without running anything.
func newConfigValidateCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the tool configuration and workspace task definitions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := ctx.workspaceRoot()
			if err != nil {
				return err
			}
			rootFile, err := pipeline.LoadRoot(root)
			if err != nil {
				return err
			}
			graph, err := workspace.Discover(root, rootFile.Packages)
			if err != nil {
				return failure.Wrap(failure.ErrConfiguration, "workspace", "discover packages", "", err)
			}
			table, err := pipeline.NewTable(rootFile, graph)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			colorize := shouldColorize(out)
			configDetail := ctx.configPath
			if !ctx.configExists {
				configDetail += " (not found, defaults used)"
			}
			fmt.Fprintln(out, renderStatusLine("Config", statusOK, configDetail, colorize))
			fmt.Fprintln(out, renderStatusLine("Workspace", statusOK, root, colorize))
			fmt.Fprintln(out, renderStatusLine("Packages", statusOK, fmt.Sprintf("%d", graph.Len()), colorize))
			tasks := table.TaskNames()
			kind := statusOK
			if len(tasks) == 0 {
				kind = statusWarn
			}
			fmt.Fprintln(out, renderStatusLine("Tasks", kind, strings.Join(tasks, ", "), colorize))
			return nil
		},
	}
}
