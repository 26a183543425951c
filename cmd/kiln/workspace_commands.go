package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"kiln/internal/taskgraph"
)

func newGraphCommand(ctx *commandContext) *cobra.Command {
	var filter []string
	cmd := &cobra.Command{
		Use:   "graph <task>...",
		Short: "Print the task graph in graphviz DOT format",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := ctx.newLogger()
			if err != nil {
				return err
			}
			ws, err := ctx.loadWorkspace(cmd.Context(), logger, cmd.ErrOrStderr(), false)
			if err != nil {
				return err
			}
			defer ws.Close()
			graph, err := taskgraph.Build(ws.Packages, ws.Tasks, taskgraph.Request{Tasks: args, Packages: filter})
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), graph.DOT())
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&filter, "filter", nil, "Restrict bare task names to these packages")
	return cmd
}

func newListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List workspace packages",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := ctx.newLogger()
			if err != nil {
				return err
			}
			ws, err := ctx.loadWorkspace(cmd.Context(), logger, cmd.ErrOrStderr(), false)
			if err != nil {
				return err
			}
			defer ws.Close()

			out := cmd.OutOrStdout()
			pkgs := ws.Packages.Packages()
			if len(pkgs) == 0 {
				fmt.Fprintf(out, "No packages found under %s\n", ws.Root)
				return nil
			}
			rows := make([][]string, 0, len(pkgs))
			for _, pkg := range pkgs {
				scripts := make([]string, 0, len(pkg.Scripts))
				for name := range pkg.Scripts {
					scripts = append(scripts, name)
				}
				sort.Strings(scripts)
				rows = append(rows, []string{
					pkg.Name,
					pkg.Dir,
					strings.Join(pkg.Dependencies, ", "),
					strings.Join(scripts, ", "),
				})
			}
			layout := tableSpec{
				headers: []string{"Package", "Path", "Depends On", "Scripts"},
				footer:  []string{fmt.Sprintf("%d packages", len(pkgs)), "daemon: " + yesNo(ws.Warm)},
			}
			fmt.Fprint(out, layout.render(rows))
			return nil
		},
	}
}
