package main

import (
	"github.com/spf13/cobra"

	"kiln/internal/failure"
)

func newRootCommand() *cobra.Command {
	var socketFlag string
	var configFlag string
	var cwdFlag string
	var verbose bool

	ctx := newCommandContext(&socketFlag, &configFlag, &cwdFlag, &verbose)

	rootCmd := &cobra.Command{
		Use:           "kiln",
		Short:         "Run monorepo tasks in dependency order with content-addressed caching",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if shouldSkipConfig(cmd) {
				return nil
			}
			_, err := ctx.ensureConfig()
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	rootCmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return failure.Wrap(failure.ErrConfiguration, "cli", "parse flags", "", err)
	})

	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringVar(&cwdFlag, "cwd", "", "Workspace directory (defaults to the nearest directory containing kiln.toml)")
	rootCmd.PersistentFlags().StringVar(&socketFlag, "socket", "", "Path to the workspace daemon socket")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Mirror logs to stderr")

	rootCmd.AddCommand(newRunCommand(ctx))
	rootCmd.AddCommand(newGraphCommand(ctx))
	rootCmd.AddCommand(newListCommand(ctx))
	rootCmd.AddCommand(newDaemonCommand(ctx))
	rootCmd.AddCommand(newCacheCommand(ctx))
	rootCmd.AddCommand(newConfigCommand(ctx))

	return rootCmd
}
