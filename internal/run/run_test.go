package run_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"kiln/internal/cache"
	"kiln/internal/failure"
	"kiln/internal/hashing"
	"kiln/internal/logging"
	"kiln/internal/pipeline"
	"kiln/internal/run"
	"kiln/internal/taskgraph"
	"kiln/internal/taskhash"
	"kiln/internal/telemetry"
	"kiln/internal/testsupport"
	"kiln/internal/workspace"
)

func buildGraph(t *testing.T, root string, tasks ...string) *taskgraph.Graph {
	t.Helper()
	ws, err := workspace.Discover(root, nil)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	file, err := pipeline.LoadRoot(root)
	if err != nil {
		t.Fatalf("LoadRoot: %v", err)
	}
	table, err := pipeline.NewTable(file, ws)
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	graph, err := taskgraph.Build(ws, table, taskgraph.Request{Tasks: tasks})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return graph
}

func testEnv() taskhash.Env {
	return taskhash.Env{"PATH": os.Getenv("PATH")}
}

func options(root, salt string, artifacts run.ArtifactCache) run.Options {
	env := testEnv()
	return run.Options{
		Root:        root,
		Concurrency: 2,
		GracePeriod: time.Second,
		Hasher:      taskhash.NewHasher(root, hashing.NewScanner(root), env, salt),
		Cache:       artifacts,
		Env:         env,
		Logger:      logging.NewNop(),
	}
}

func statusOf(t *testing.T, s *run.Summary, id string) run.Status {
	t.Helper()
	task, ok := s.Task(id)
	if !ok {
		t.Fatalf("task %s missing from summary", id)
	}
	return task.Status
}

// chainWorkspace writes packages whose build appends the task id to
// order.log. deps maps package name to its dependencies.
func chainWorkspace(t *testing.T, deps map[string][]string, scripts map[string]string) string {
	t.Helper()
	root := t.TempDir()
	testsupport.WriteTree(t, root, map[string]string{
		"package.json": `{"name":"root","private":true,"workspaces":["pkgs/*"]}`,
		"kiln.toml":    "[tasks.build]\ndependsOn = [\"^build\"]\n",
	})
	logPath := filepath.Join(root, "order.log")
	for name, pkgDeps := range deps {
		script := fmt.Sprintf("echo %s >> %s", name, logPath)
		if extra, ok := scripts[name]; ok {
			script = extra + " && " + script
		}
		testsupport.WritePackage(t, root, "pkgs/"+name, testsupport.PackageSpec{
			Name:         name,
			Dependencies: pkgDeps,
			Scripts:      map[string]string{"build": script},
		})
	}
	return root
}

func readOrder(t *testing.T, root string) []string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, "order.log"))
	if err != nil {
		t.Fatalf("read order log: %v", err)
	}
	return strings.Fields(string(data))
}

func TestSecondRunReplaysFromCache(t *testing.T) {
	ctx := context.Background()
	root := testsupport.WebUtilsWorkspace(t)
	local := cache.NewLocal(filepath.Join(t.TempDir(), "cache"), logging.NewNop())

	var out bytes.Buffer
	opts := options(root, "salt", local)
	opts.Output = &out
	first, err := run.Run(ctx, buildGraph(t, root, "build"), opts)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if statusOf(t, first, "utils#build") != run.StatusSuccess || statusOf(t, first, "web#build") != run.StatusSuccess {
		t.Fatalf("expected both tasks to execute, got %+v", first.Tasks)
	}
	if !strings.Contains(out.String(), "web:build: built\n") {
		t.Fatalf("expected prefixed task output, got %q", out.String())
	}

	if err := os.RemoveAll(filepath.Join(root, "apps/web/dist")); err != nil {
		t.Fatalf("remove outputs: %v", err)
	}
	out.Reset()
	second, err := run.Run(ctx, buildGraph(t, root, "build"), options(root, "salt", local))
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	for _, id := range []string{"utils#build", "web#build"} {
		task, _ := second.Task(id)
		if task.Status != run.StatusCacheHit || task.CacheSource != string(cache.SourceLocal) {
			t.Fatalf("expected %s to replay from the local cache, got %+v", id, task)
		}
	}
	data, err := os.ReadFile(filepath.Join(root, "apps/web/dist/out.txt"))
	if err != nil || string(data) != "web source\n" {
		t.Fatalf("expected restored output, got %q err=%v", data, err)
	}
	if second.Counts.CacheHit != 2 || second.ExitCode != 0 {
		t.Fatalf("unexpected counts %+v exit=%d", second.Counts, second.ExitCode)
	}

	third, err := run.Run(ctx, buildGraph(t, root, "build"), options(root, "salt+force", local))
	if err != nil {
		t.Fatalf("forced run: %v", err)
	}
	if statusOf(t, third, "web#build") != run.StatusSuccess {
		t.Fatal("a different salt must execute again")
	}
}

func TestCacheHitReplaysLogs(t *testing.T) {
	ctx := context.Background()
	root := testsupport.WebUtilsWorkspace(t)
	local := cache.NewLocal(filepath.Join(t.TempDir(), "cache"), logging.NewNop())
	if _, err := run.Run(ctx, buildGraph(t, root, "build"), options(root, "salt", local)); err != nil {
		t.Fatalf("first run: %v", err)
	}

	var out bytes.Buffer
	opts := options(root, "salt", local)
	opts.Output = &out
	if _, err := run.Run(ctx, buildGraph(t, root, "build"), opts); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if !strings.Contains(out.String(), "utils:build: cache hit (local), replaying logs") {
		t.Fatalf("expected replay notice, got %q", out.String())
	}
	if !strings.Contains(out.String(), "utils:build: built\n") {
		t.Fatalf("expected replayed stdout, got %q", out.String())
	}
}

func TestContinueSkipsOnlyDescendants(t *testing.T) {
	root := chainWorkspace(t,
		map[string][]string{"a": nil, "b": {"a"}, "c": nil},
		map[string]string{"a": "exit 4"},
	)
	opts := options(root, "salt", nil)
	opts.FailurePolicy = run.Continue
	summary, err := run.Run(context.Background(), buildGraph(t, root, "build"), opts)
	if !errors.Is(err, failure.ErrExecution) || failure.ExitCode(err) != failure.ExitTaskFailed {
		t.Fatalf("expected execution failure, got %v", err)
	}
	if statusOf(t, summary, "a#build") != run.StatusFailed {
		t.Fatal("a#build should fail")
	}
	if statusOf(t, summary, "b#build") != run.StatusSkipped {
		t.Fatal("b#build depends on the failure and should be skipped")
	}
	if statusOf(t, summary, "c#build") != run.StatusSuccess {
		t.Fatal("c#build is independent and should still run")
	}
	task, _ := summary.Task("a#build")
	if task.ExitCode != 4 {
		t.Fatalf("expected exit code 4, got %d", task.ExitCode)
	}
	if summary.ExitCode != failure.ExitTaskFailed {
		t.Fatalf("expected exit code %d, got %d", failure.ExitTaskFailed, summary.ExitCode)
	}
}

func TestFailFastSkipsPendingWork(t *testing.T) {
	root := chainWorkspace(t,
		map[string][]string{"a": nil, "b": {"a"}, "c": {"d"}, "d": nil},
		map[string]string{"a": "exit 1", "d": "sleep 5"},
	)
	opts := options(root, "salt", nil)
	opts.FailurePolicy = run.FailFast
	summary, err := run.Run(context.Background(), buildGraph(t, root, "build"), opts)
	if err == nil {
		t.Fatal("expected failure")
	}
	if statusOf(t, summary, "a#build") != run.StatusFailed {
		t.Fatal("a#build should fail")
	}
	for _, id := range []string{"b#build", "c#build"} {
		if statusOf(t, summary, id) != run.StatusSkipped {
			t.Fatalf("%s should be skipped under fail-fast, got %s", id, statusOf(t, summary, id))
		}
	}
}

func TestFailFastTerminatesInFlightTasks(t *testing.T) {
	root := chainWorkspace(t,
		map[string][]string{"slow": nil, "broken": nil},
		map[string]string{"slow": "sleep 30", "broken": "sleep 0.2 && exit 1"},
	)
	opts := options(root, "salt", nil)
	opts.FailurePolicy = run.FailFast
	start := time.Now()
	summary, err := run.Run(context.Background(), buildGraph(t, root, "build"), opts)
	if err == nil {
		t.Fatal("expected failure")
	}
	if time.Since(start) > 10*time.Second {
		t.Fatal("in-flight task was not terminated")
	}
	if statusOf(t, summary, "slow#build") != run.StatusFailed {
		t.Fatalf("terminated task should be reported failed, got %s", statusOf(t, summary, "slow#build"))
	}
}

func TestReadyTasksDispatchByDepthThenID(t *testing.T) {
	root := chainWorkspace(t,
		map[string][]string{
			"base": nil,
			"x":    {"base"},
			"m":    {"base"},
			"a":    {"base"},
			"aa":   {"a"},
		},
		map[string]string{"base": "sleep 0.3"},
	)
	opts := options(root, "salt", nil)
	opts.Concurrency = 1
	if _, err := run.Run(context.Background(), buildGraph(t, root, "build"), opts); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := strings.Join(readOrder(t, root), " ")
	if want := "base a m x aa"; got != want {
		t.Fatalf("dispatch order = %q, want %q", got, want)
	}
}

func TestConcurrencyBoundsLiveTasks(t *testing.T) {
	live := filepath.Join(t.TempDir(), "live")
	if err := os.MkdirAll(live, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	samples := filepath.Join(t.TempDir(), "samples.log")

	deps := make(map[string][]string)
	scripts := make(map[string]string)
	for _, name := range []string{"p1", "p2", "p3", "p4", "p5", "p6"} {
		deps[name] = nil
		scripts[name] = fmt.Sprintf("touch %[1]s/%[3]s && ls %[1]s | wc -l >> %[2]s && sleep 0.3 && rm %[1]s/%[3]s",
			live, samples, name)
	}
	root := chainWorkspace(t, deps, scripts)
	opts := options(root, "salt", nil)
	opts.Concurrency = 2
	if _, err := run.Run(context.Background(), buildGraph(t, root, "build"), opts); err != nil {
		t.Fatalf("Run: %v", err)
	}

	data, err := os.ReadFile(samples)
	if err != nil {
		t.Fatalf("read samples: %v", err)
	}
	fields := strings.Fields(string(data))
	if len(fields) != 6 {
		t.Fatalf("expected one sample per task, got %q", data)
	}
	peak := 0
	for _, field := range fields {
		n, err := strconv.Atoi(field)
		if err != nil {
			t.Fatalf("bad sample %q: %v", field, err)
		}
		peak = max(peak, n)
	}
	if peak != 2 {
		t.Fatalf("expected at most and at some point exactly 2 live tasks, peak was %d", peak)
	}
}

func TestHashErrorFailsNodeAndSkipsDependents(t *testing.T) {
	root := chainWorkspace(t, map[string][]string{"a": nil, "b": {"a"}}, nil)
	testsupport.WriteTree(t, root, map[string]string{
		"pkgs/a/kiln.toml": "[tasks.build]\ninputs = [\"src/[\"]\n",
	})
	opts := options(root, "salt", nil)
	opts.FailurePolicy = run.Continue
	summary, err := run.Run(context.Background(), buildGraph(t, root, "build"), opts)
	if err == nil {
		t.Fatal("expected failure")
	}
	task, _ := summary.Task("a#build")
	if task.Status != run.StatusFailed || !strings.Contains(task.Error, "glob") {
		t.Fatalf("expected glob hash failure, got %+v", task)
	}
	if statusOf(t, summary, "b#build") != run.StatusSkipped {
		t.Fatal("dependent of unhashable task should be skipped")
	}
	if _, err := os.Stat(filepath.Join(root, "order.log")); !os.IsNotExist(err) {
		t.Fatal("no command should have run")
	}
}

func TestPersistentTaskStoppedOnShutdown(t *testing.T) {
	root := testsupport.WebUtilsWorkspace(t)
	testsupport.WriteTree(t, root, map[string]string{
		"kiln.toml": "[tasks.build]\ndependsOn = [\"^build\"]\noutputs = [\"dist/**\"]\n\n" +
			"[tasks.dev]\ncommand = \"sleep 30\"\npersistent = true\ndependsOn = [\"build\"]\n",
	})
	opts := options(root, "salt", nil)
	start := time.Now()
	summary, err := run.Run(context.Background(), buildGraph(t, root, "dev"), opts)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if time.Since(start) > 10*time.Second {
		t.Fatal("persistent task must not gate completion")
	}
	task, _ := summary.Task("web#dev")
	if task.Status != run.StatusSuccess || task.Lifecycle != run.LifecycleKilled || !task.Persistent {
		t.Fatalf("unexpected persistent summary %+v", task)
	}
	if statusOf(t, summary, "web#build") != run.StatusSuccess {
		t.Fatal("build should run before dev")
	}
}

func TestKeepPersistentWaitsForCancellation(t *testing.T) {
	root := testsupport.WebUtilsWorkspace(t)
	testsupport.WriteTree(t, root, map[string]string{
		"kiln.toml": "[tasks.dev]\ncommand = \"sleep 30\"\npersistent = true\n",
	})
	opts := options(root, "salt", nil)
	opts.KeepPersistent = true
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	start := time.Now()
	summary, err := run.Run(ctx, buildGraph(t, root, "dev"), opts)
	if err != nil {
		t.Fatalf("cancelling a persistent-only run is a normal exit: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 400*time.Millisecond {
		t.Fatalf("run returned before cancellation (%s)", elapsed)
	}
	for _, task := range summary.Tasks {
		if task.Lifecycle != run.LifecycleKilled {
			t.Fatalf("expected %s to be killed on shutdown, got %+v", task.TaskID, task)
		}
	}
}

func TestDryRunReportsCacheState(t *testing.T) {
	ctx := context.Background()
	root := testsupport.WebUtilsWorkspace(t)
	local := cache.NewLocal(filepath.Join(t.TempDir(), "cache"), logging.NewNop())

	opts := options(root, "salt", local)
	opts.DryRun = true
	before, err := run.Run(ctx, buildGraph(t, root, "build"), opts)
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	task, _ := before.Task("web#build")
	if task.CacheState != "MISS" || task.Hash == "" || task.Status != run.StatusPending {
		t.Fatalf("unexpected dry-run record %+v", task)
	}
	if _, err := os.Stat(filepath.Join(root, "apps/web/dist")); !os.IsNotExist(err) {
		t.Fatal("dry run must not execute tasks")
	}

	if _, err := run.Run(ctx, buildGraph(t, root, "build"), options(root, "salt", local)); err != nil {
		t.Fatalf("real run: %v", err)
	}
	after, err := run.Run(ctx, buildGraph(t, root, "build"), opts)
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	task, _ = after.Task("web#build")
	if task.CacheState != "HIT" || task.Hash == "" {
		t.Fatalf("expected dry run to report a hit, got %+v", task)
	}
}

func TestStreamOutputIsLinePrefixed(t *testing.T) {
	root := chainWorkspace(t,
		map[string][]string{"a": nil, "b": nil},
		map[string]string{
			"a": "for i in 1 2 3; do printf 'a-line-%s\\n' $i; done; printf 'no-newline'",
			"b": "for i in 1 2 3; do printf 'b-line-%s\\n' $i >&2; done",
		},
	)
	var out bytes.Buffer
	opts := options(root, "salt", nil)
	opts.OutputMode = run.Stream
	opts.Output = &out
	if _, err := run.Run(context.Background(), buildGraph(t, root, "build"), opts); err != nil {
		t.Fatalf("Run: %v", err)
	}
	lines := strings.Split(strings.TrimSuffix(out.String(), "\n"), "\n")
	if len(lines) < 7 {
		t.Fatalf("expected every line to be emitted, got %q", out.String())
	}
	for _, line := range lines {
		if !strings.HasPrefix(line, "a:build: ") && !strings.HasPrefix(line, "b:build: ") {
			t.Fatalf("line %q is not attributed to a task", line)
		}
	}
	if !strings.Contains(out.String(), "a:build: no-newline\n") {
		t.Fatalf("trailing partial line should be flushed whole, got %q", out.String())
	}
}

func TestTaskEnvironmentIsFiltered(t *testing.T) {
	root := t.TempDir()
	testsupport.WriteTree(t, root, map[string]string{
		"package.json": `{"name":"root","workspaces":["pkgs/*"]}`,
		"kiln.toml":    "[tasks.show]\nenv = [\"HASHED\"]\npassThroughEnv = [\"SECRET\"]\n",
	})
	testsupport.WritePackage(t, root, "pkgs/a", testsupport.PackageSpec{
		Name:    "a",
		Scripts: map[string]string{"show": `printf '%s|%s|%s\n' "$HASHED" "$SECRET" "$UNDECLARED"`},
	})
	env := testEnv()
	env["HASHED"] = "h"
	env["SECRET"] = "s"
	env["UNDECLARED"] = "u"

	var out bytes.Buffer
	opts := options(root, "salt", nil)
	opts.Env = env
	opts.Hasher = taskhash.NewHasher(root, hashing.NewScanner(root), env, "salt")
	opts.Output = &out
	summary, err := run.Run(context.Background(), buildGraph(t, root, "show"), opts)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(out.String(), "a:show: h|s|\n") {
		t.Fatalf("unexpected task environment %q", out.String())
	}
	task, _ := summary.Task("a#show")
	if strings.Join(task.EnvVars, ",") != "HASHED" {
		t.Fatalf("only declared env is hashed, got %v", task.EnvVars)
	}
}

func TestSummaryIncludesMetricsAndIsWritten(t *testing.T) {
	ctx := context.Background()
	root := testsupport.WebUtilsWorkspace(t)
	metrics, err := telemetry.New()
	if err != nil {
		t.Fatalf("telemetry.New: %v", err)
	}
	opts := options(root, "salt", nil)
	opts.Metrics = metrics
	summary, err := run.Run(ctx, buildGraph(t, root, "build"), opts)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Metrics == nil || summary.Metrics.Tasks["success"] != 2 || summary.Metrics.TaskDuration.Count != 2 {
		t.Fatalf("unexpected metrics %+v", summary.Metrics)
	}
	web, _ := summary.Task("web#build")
	if strings.Join(web.Dependencies, ",") != "utils#build" {
		t.Fatalf("unexpected dependencies %v", web.Dependencies)
	}
	if _, ok := web.ExpandedInputs["apps/web/src/index.txt"]; !ok {
		t.Fatalf("expected expanded inputs, got %v", web.ExpandedInputs)
	}

	path, err := run.WriteSummary(root, summary)
	if err != nil {
		t.Fatalf("WriteSummary: %v", err)
	}
	if filepath.Dir(path) != run.SummaryDir(root) || filepath.Base(path) != summary.ID+".json" {
		t.Fatalf("unexpected summary path %s", path)
	}
}

func TestParsePolicies(t *testing.T) {
	if p, err := run.ParseFailurePolicy("continue"); err != nil || p != run.Continue {
		t.Fatalf("ParseFailurePolicy(continue) = %v, %v", p, err)
	}
	if _, err := run.ParseFailurePolicy("sometimes"); err == nil {
		t.Fatal("expected error for unknown policy")
	}
	if m, err := run.ParseOutputMode("stream"); err != nil || m != run.Stream {
		t.Fatalf("ParseOutputMode(stream) = %v, %v", m, err)
	}
}
