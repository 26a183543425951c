package main

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"kiln/internal/cache"
	"kiln/internal/config"
	"kiln/internal/failure"
	"kiln/internal/logging"
	"kiln/internal/run"
	"kiln/internal/taskgraph"
	"kiln/internal/taskhash"
	"kiln/internal/telemetry"
)

type runFlags struct {
	concurrency    int
	continueOnFail bool
	output         string
	force          bool
	dry            bool
	summarize      bool
	keepPersistent bool
	graph          bool
	noDaemon       bool
	filter         []string
}

func newRunCommand(ctx *commandContext) *cobra.Command {
	var flags runFlags
	cmd := &cobra.Command{
		Use:   "run <task>...",
		Short: "Run tasks across the workspace",
		Long: "Run builds the task graph for the named tasks (bare names or pkg#task),\n" +
			"replays cached results and executes the rest in dependency order.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTasks(cmd, ctx, flags, args)
		},
	}
	fs := cmd.Flags()
	fs.IntVar(&flags.concurrency, "concurrency", 0, "Maximum tasks running at once (default: run.concurrency, then GOMAXPROCS)")
	fs.BoolVar(&flags.continueOnFail, "continue", false, "Keep running unrelated tasks after a failure")
	fs.StringVar(&flags.output, "output", "", "Task output mode: grouped or stream")
	fs.BoolVar(&flags.force, "force", false, "Ignore existing cache entries")
	fs.BoolVar(&flags.dry, "dry", false, "Hash tasks and report cache status without executing")
	fs.BoolVar(&flags.summarize, "summarize", false, "Write a JSON run summary under .kiln/runs")
	fs.BoolVar(&flags.keepPersistent, "keep-persistent", false, "Keep persistent tasks running until interrupted")
	fs.BoolVar(&flags.graph, "graph", false, "Print the task graph as DOT instead of running")
	fs.BoolVar(&flags.noDaemon, "no-daemon", false, "Hash files in-process without the workspace daemon")
	fs.StringSliceVar(&flags.filter, "filter", nil, "Restrict bare task names to these packages")
	return cmd
}

// options merges flags over the configured run defaults.
func (f runFlags) options(cfg *config.Config) (run.Options, error) {
	opts := run.Options{
		Concurrency:    cfg.Run.Concurrency,
		GracePeriod:    cfg.GracePeriod(),
		KeepPersistent: f.keepPersistent,
		DryRun:         f.dry,
	}
	if f.concurrency > 0 {
		opts.Concurrency = f.concurrency
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = runtime.GOMAXPROCS(0)
	}

	policy, err := run.ParseFailurePolicy(cfg.Run.FailurePolicy)
	if err != nil {
		return opts, failure.Wrap(failure.ErrConfiguration, "run", "failure policy", "", err)
	}
	if f.continueOnFail {
		policy = run.Continue
	}
	opts.FailurePolicy = policy

	mode := cfg.Run.OutputMode
	if f.output != "" {
		mode = f.output
	}
	opts.OutputMode, err = run.ParseOutputMode(mode)
	if err != nil {
		return opts, failure.Wrap(failure.ErrConfiguration, "run", "output mode", "", err)
	}
	return opts, nil
}

func runTasks(cmd *cobra.Command, ctx *commandContext, flags runFlags, tasks []string) error {
	cfg, err := ctx.ensureConfig()
	if err != nil {
		return err
	}
	opts, err := flags.options(cfg)
	if err != nil {
		return err
	}
	logger, err := ctx.newLogger()
	if err != nil {
		return err
	}
	runCtx := cmd.Context()
	stdout, stderr := cmd.OutOrStdout(), cmd.ErrOrStderr()

	ws, err := ctx.loadWorkspace(runCtx, logger, stderr, !flags.noDaemon && !flags.graph)
	if err != nil {
		return err
	}
	defer ws.Close()

	graph, err := taskgraph.Build(ws.Packages, ws.Tasks, taskgraph.Request{Tasks: tasks, Packages: flags.filter})
	if err != nil {
		return err
	}
	if flags.graph {
		fmt.Fprint(stdout, graph.DOT())
		return nil
	}

	opts.RunID = uuid.NewString()
	force := ""
	if flags.force {
		force = opts.RunID
	}
	opts.Env = taskhash.EnvFromOS()
	opts.GlobalEnv = ws.Tasks.GlobalEnv()
	salt, err := taskhash.NewSalt(runCtx, ws.Root, version, force, ws.Tasks.GlobalDependencies(), opts.GlobalEnv, ws.Files, opts.Env)
	if err != nil {
		return err
	}
	globalHash := salt.Digest()

	var metrics *telemetry.Metrics
	if cfg.Telemetry.Enabled {
		if metrics, err = telemetry.New(); err != nil {
			logger.Warn("metrics disabled", logging.Error(err))
		} else {
			opts.Metrics = metrics
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				_ = metrics.Shutdown(shutdownCtx)
			}()
		}
	}
	if cfg.Cache.Enabled {
		artifacts := cache.NewFromConfig(cfg, logger, cache.WithObserver(func(ctx context.Context, tier cache.Source, result string) {
			metrics.CacheLookup(ctx, string(tier), result)
		}))
		// Close drains pending remote uploads before the process exits.
		defer artifacts.Close()
		opts.Cache = artifacts
	}

	opts.Root = ws.Root
	opts.Hasher = taskhash.NewHasher(ws.Root, ws.Files, opts.Env, globalHash)
	opts.Output = stdout
	opts.Logger = logger
	logger.Info("workspace loaded",
		logging.String("root", ws.Root),
		logging.Int("packages", ws.Packages.Len()),
		logging.Int("tasks", graph.Len()),
		logging.Bool("daemon", ws.Warm),
		logging.String("global_hash", globalHash),
	)

	summary, runErr := run.Run(runCtx, graph, opts)
	if summary == nil {
		return runErr
	}
	summary.GlobalHash = globalHash

	if flags.summarize || cfg.Run.Summarize {
		path, err := run.WriteSummary(ws.Root, summary)
		if err != nil {
			logging.WarnWithContext(logger, "run summary not written", "summary_write_failed",
				logging.Error(err),
				logging.String(logging.FieldImpact, "the run result is unaffected"),
			)
		} else {
			fmt.Fprintf(stderr, "Summary: %s\n", path)
		}
	}
	printRunSummary(stdout, summary, shouldColorize(stdout))
	return runErr
}

func printRunSummary(w io.Writer, summary *run.Summary, colorize bool) {
	fmt.Fprintln(w)
	if summary.DryRun {
		rows := make([][]string, 0, len(summary.Tasks))
		hits := 0
		for _, t := range summary.Tasks {
			if t.CacheState == "HIT" {
				hits++
			}
			rows = append(rows, []string{t.TaskID, shortHash(t.Hash), dryRunCacheLabel(t), t.Command})
		}
		layout := tableSpec{
			headers: []string{"Task", "Hash", "Cache", "Command"},
			footer:  []string{fmt.Sprintf("%d tasks", len(rows)), "", fmt.Sprintf("%d hit", hits)},
		}
		fmt.Fprint(w, layout.render(rows))
		return
	}

	for _, t := range summary.Tasks {
		if t.Status != run.StatusFailed && t.Status != run.StatusSkipped {
			continue
		}
		detail := t.Error
		if t.Status == run.StatusFailed && detail == "" {
			detail = "exit code " + strconv.Itoa(t.ExitCode)
		}
		fmt.Fprintln(w, renderStatusLine(t.TaskID, taskStatusKind(t.Status), taskStatusLabel(t.Status)+optionalDetail(detail), colorize))
	}

	c := summary.Counts
	kind := statusOK
	if c.Failed > 0 {
		kind = statusError
	}
	fmt.Fprintln(w, renderStatusLine("Tasks", kind,
		fmt.Sprintf("%d successful, %d total", c.Success+c.CacheHit, c.Total), colorize))
	fmt.Fprintln(w, renderStatusLine("Cached", statusInfo,
		fmt.Sprintf("%d cached, %d total", c.CacheHit, c.Total), colorize))
	fmt.Fprintln(w, renderStatusLine("Time", statusInfo,
		(time.Duration(summary.DurationMS) * time.Millisecond).String(), colorize))
}

func dryRunCacheLabel(t run.TaskSummary) string {
	switch t.CacheState {
	case "":
		return "-"
	case "HIT":
		return "HIT (" + t.CacheSource + ")"
	default:
		return t.CacheState
	}
}

func optionalDetail(detail string) string {
	if detail == "" {
		return ""
	}
	return ": " + detail
}

func shortHash(hash string) string {
	if len(hash) > 16 {
		return hash[:16]
	}
	return hash
}
