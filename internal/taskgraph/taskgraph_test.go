package taskgraph_test

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"kiln/internal/failure"
	"kiln/internal/pipeline"
	"kiln/internal/taskgraph"
	"kiln/internal/workspace"
)

func list(values ...string) *[]string { return &values }

func boolPtr(v bool) *bool { return &v }

func scripts(tasks ...string) map[string]string {
	out := make(map[string]string, len(tasks))
	for _, task := range tasks {
		out[task] = "echo " + task
	}
	return out
}

func mustGraph(t *testing.T, pkgs ...workspace.Package) *workspace.Graph {
	t.Helper()
	g, err := workspace.NewGraph("/repo", pkgs)
	if err != nil {
		t.Fatalf("NewGraph: %v", err)
	}
	return g
}

func table(tasks map[string]pipeline.Definition) *pipeline.Table {
	return pipeline.NewTableFromFiles(pipeline.File{Tasks: tasks}, nil)
}

func graphKind(t *testing.T, err error) taskgraph.ErrorKind {
	t.Helper()
	var gerr *taskgraph.GraphError
	if !errors.As(err, &gerr) {
		t.Fatalf("expected GraphError, got %v", err)
	}
	if !errors.Is(err, failure.ErrGraph) {
		t.Fatalf("expected graph marker on %v", err)
	}
	return gerr.Kind
}

func TestParseSpecifier(t *testing.T) {
	cases := []struct {
		raw  string
		want taskgraph.Specifier
	}{
		{"^build", taskgraph.Specifier{Kind: taskgraph.SameTaskInDependencies, Task: "build"}},
		{"build", taskgraph.Specifier{Kind: taskgraph.SameTaskSamePackage, Task: "build"}},
		{"@acme/web#build", taskgraph.Specifier{Kind: taskgraph.ExplicitPackageTask, Package: "@acme/web", Task: "build"}},
	}
	for _, tc := range cases {
		got, err := taskgraph.ParseSpecifier(tc.raw)
		if err != nil {
			t.Fatalf("ParseSpecifier(%q): %v", tc.raw, err)
		}
		if got != tc.want {
			t.Fatalf("ParseSpecifier(%q) = %+v, want %+v", tc.raw, got, tc.want)
		}
		if got.String() != tc.raw {
			t.Fatalf("String() = %q, want %q", got.String(), tc.raw)
		}
	}
	for _, bad := range []string{"", "^", "#build", "web#", "^a#b"} {
		if _, err := taskgraph.ParseSpecifier(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestWebUtilsFanOut(t *testing.T) {
	pkgs := mustGraph(t,
		workspace.Package{Name: "utils", Dir: "packages/utils", Scripts: scripts("build")},
		workspace.Package{Name: "web", Dir: "apps/web", Dependencies: []string{"utils"}, Scripts: scripts("build")},
	)
	defs := table(map[string]pipeline.Definition{"build": {DependsOn: list("^build")}})

	g, err := taskgraph.Build(pkgs, defs, taskgraph.Request{Tasks: []string{"build"}})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if g.Len() != 2 {
		t.Fatalf("expected 2 nodes, got %d", g.Len())
	}
	if got := g.Predecessors("web#build"); !reflect.DeepEqual(got, []taskgraph.ID{"utils#build"}) {
		t.Fatalf("unexpected web preds %v", got)
	}
	if got := g.Predecessors("utils#build"); len(got) != 0 {
		t.Fatalf("utils should have no preds, got %v", got)
	}
	if got := g.Successors("utils#build"); !reflect.DeepEqual(got, []taskgraph.ID{"web#build"}) {
		t.Fatalf("unexpected utils succs %v", got)
	}
	if got := g.TopologicalOrder(); !reflect.DeepEqual(got, []taskgraph.ID{"utils#build", "web#build"}) {
		t.Fatalf("unexpected order %v", got)
	}
	node, _ := g.Node("web#build")
	if node.Dir != "apps/web" || node.Command != "echo build" {
		t.Fatalf("unexpected node %+v", node)
	}
}

func TestSamePackageOrderingIsNotACycle(t *testing.T) {
	pkgs := mustGraph(t,
		workspace.Package{Name: "lib", Dir: "packages/lib", Scripts: scripts("build", "test")},
		workspace.Package{Name: "app", Dir: "apps/app", Dependencies: []string{"lib"}, Scripts: scripts("build", "test")},
	)
	defs := table(map[string]pipeline.Definition{
		"build": {DependsOn: list("^build")},
		"test":  {DependsOn: list("build")},
	})

	g, err := taskgraph.Build(pkgs, defs, taskgraph.Request{Tasks: []string{"test"}})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if got := g.Predecessors("app#test"); !reflect.DeepEqual(got, []taskgraph.ID{"app#build"}) {
		t.Fatalf("unexpected app#test preds %v", got)
	}
	if got := g.Ancestors("app#test"); !reflect.DeepEqual(got, []taskgraph.ID{"app#build", "lib#build"}) {
		t.Fatalf("unexpected ancestors %v", got)
	}
	if got := g.Descendants("lib#build"); !reflect.DeepEqual(got, []taskgraph.ID{"app#build", "app#test", "lib#test"}) {
		t.Fatalf("unexpected descendants %v", got)
	}
	if g.Depth("lib#build") != 0 || g.Depth("app#build") != 1 || g.Depth("app#test") != 2 {
		t.Fatalf("unexpected depths")
	}
}

func TestNoDuplicateNodes(t *testing.T) {
	pkgs := mustGraph(t,
		workspace.Package{Name: "a", Dir: "a", Scripts: scripts("build")},
		workspace.Package{Name: "b", Dir: "b", Dependencies: []string{"a"}, Scripts: scripts("build")},
		workspace.Package{Name: "c", Dir: "c", Dependencies: []string{"a", "b"}, Scripts: scripts("build")},
	)
	defs := table(map[string]pipeline.Definition{"build": {DependsOn: list("^build")}})
	g, err := taskgraph.Build(pkgs, defs, taskgraph.Request{Tasks: []string{"build", "c#build"}})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	seen := map[taskgraph.ID]int{}
	for _, node := range g.Nodes() {
		seen[node.ID]++
	}
	if len(seen) != 3 {
		t.Fatalf("expected 3 unique nodes, got %v", seen)
	}
	for id, count := range seen {
		if count != 1 {
			t.Fatalf("node %s appears %d times", id, count)
		}
	}
}

func TestCycleAcrossPackages(t *testing.T) {
	pkgs := mustGraph(t,
		workspace.Package{Name: "a", Dir: "a", Dependencies: []string{"b"}, Scripts: scripts("build")},
		workspace.Package{Name: "b", Dir: "b", Dependencies: []string{"a"}, Scripts: scripts("build")},
	)
	defs := table(map[string]pipeline.Definition{"build": {DependsOn: list("^build")}})

	g, err := taskgraph.Build(pkgs, defs, taskgraph.Request{Tasks: []string{"build"}})
	if g != nil {
		t.Fatal("cycle must not yield a partial graph")
	}
	if graphKind(t, err) != taskgraph.CycleDetected {
		t.Fatalf("expected cycle, got %v", err)
	}
	var gerr *taskgraph.GraphError
	errors.As(err, &gerr)
	if len(gerr.Chain) < 3 || gerr.Chain[0] != gerr.Chain[len(gerr.Chain)-1] {
		t.Fatalf("expected closed chain, got %v", gerr.Chain)
	}
	if !strings.Contains(err.Error(), "a#build") || !strings.Contains(err.Error(), "b#build") {
		t.Fatalf("chain missing from message: %v", err)
	}
}

func TestSelfDependentPackageIsCycle(t *testing.T) {
	pkgs := mustGraph(t, workspace.Package{Name: "a", Dir: "a", Dependencies: []string{"a"}, Scripts: scripts("build")})
	defs := table(map[string]pipeline.Definition{"build": {DependsOn: list("^build")}})
	_, err := taskgraph.Build(pkgs, defs, taskgraph.Request{Tasks: []string{"build"}})
	if graphKind(t, err) != taskgraph.CycleDetected {
		t.Fatalf("expected cycle, got %v", err)
	}
}

func TestPackageCyclesFailWithoutDependsOn(t *testing.T) {
	defs := table(map[string]pipeline.Definition{"lint": {}})
	cases := []struct {
		name  string
		pkgs  []workspace.Package
		chain []taskgraph.ID
	}{
		{
			name:  "self dependency",
			pkgs:  []workspace.Package{{Name: "a", Dir: "a", Dependencies: []string{"a"}, Scripts: scripts("lint")}},
			chain: []taskgraph.ID{"a", "a"},
		},
		{
			name: "two packages",
			pkgs: []workspace.Package{
				{Name: "a", Dir: "a", Dependencies: []string{"b"}, Scripts: scripts("lint")},
				{Name: "b", Dir: "b", Dependencies: []string{"a"}, Scripts: scripts("lint")},
			},
			chain: []taskgraph.ID{"a", "b", "a"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g, err := taskgraph.Build(mustGraph(t, tc.pkgs...), defs, taskgraph.Request{Tasks: []string{"lint"}})
			if g != nil || graphKind(t, err) != taskgraph.CycleDetected {
				t.Fatalf("expected cycle and no graph, got %v, %v", g, err)
			}
			var gerr *taskgraph.GraphError
			errors.As(err, &gerr)
			if !reflect.DeepEqual(gerr.Chain, tc.chain) {
				t.Fatalf("unexpected chain %v", gerr.Chain)
			}
		})
	}
}

func TestPersistentDependencyIsInvalid(t *testing.T) {
	pkgs := mustGraph(t, workspace.Package{Name: "web", Dir: "web", Scripts: scripts("dev", "e2e")})
	defs := table(map[string]pipeline.Definition{
		"dev": {Persistent: boolPtr(true)},
		"e2e": {DependsOn: list("dev")},
	})
	_, err := taskgraph.Build(pkgs, defs, taskgraph.Request{Tasks: []string{"e2e"}})
	if graphKind(t, err) != taskgraph.InvalidDependency {
		t.Fatalf("expected invalid dependency, got %v", err)
	}

	g, err := taskgraph.Build(pkgs, defs, taskgraph.Request{Tasks: []string{"dev"}})
	if err != nil {
		t.Fatalf("requesting a persistent task directly should work: %v", err)
	}
	node, _ := g.Node("web#dev")
	if !node.Persistent() || node.Cacheable() {
		t.Fatalf("unexpected persistent node %+v", node)
	}
}

func TestUnknownTasks(t *testing.T) {
	pkgs := mustGraph(t, workspace.Package{Name: "web", Dir: "web", Scripts: scripts("build")})

	_, err := taskgraph.Build(pkgs, table(nil), taskgraph.Request{Tasks: []string{"lint"}})
	if graphKind(t, err) != taskgraph.UnknownTask {
		t.Fatalf("expected unknown task, got %v", err)
	}

	defs := table(map[string]pipeline.Definition{"build": {DependsOn: list("docs#build")}})
	_, err = taskgraph.Build(pkgs, defs, taskgraph.Request{Tasks: []string{"build"}})
	if graphKind(t, err) != taskgraph.UnknownTask {
		t.Fatalf("expected unknown package, got %v", err)
	}

	_, err = taskgraph.Build(pkgs, table(nil), taskgraph.Request{Tasks: []string{"build"}, Packages: []string{"nope"}})
	if graphKind(t, err) != taskgraph.UnknownTask {
		t.Fatalf("expected unknown filter package, got %v", err)
	}
}

func TestFanOutSkipsPackagesWithoutTask(t *testing.T) {
	pkgs := mustGraph(t,
		workspace.Package{Name: "core", Dir: "core", Scripts: scripts("build")},
		workspace.Package{Name: "types", Dir: "types", Dependencies: []string{"core"}},
		workspace.Package{Name: "app", Dir: "app", Dependencies: []string{"types"}, Scripts: scripts("build")},
	)
	defs := table(map[string]pipeline.Definition{"build": {DependsOn: list("^build")}})

	g, err := taskgraph.Build(pkgs, defs, taskgraph.Request{Tasks: []string{"build"}})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if got := g.Predecessors("app#build"); !reflect.DeepEqual(got, []taskgraph.ID{"core#build"}) {
		t.Fatalf("expected fan-out to reach core through types, got %v", got)
	}
	if _, ok := g.Node("types#build"); ok {
		t.Fatal("types has no build script and must not produce a node")
	}
}

func TestSameTaskMissingInPackageIsNoop(t *testing.T) {
	pkgs := mustGraph(t, workspace.Package{Name: "web", Dir: "web", Scripts: scripts("test")})
	defs := table(map[string]pipeline.Definition{"test": {DependsOn: list("build")}})
	g, err := taskgraph.Build(pkgs, defs, taskgraph.Request{Tasks: []string{"test"}})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if g.Len() != 1 {
		t.Fatalf("expected only web#test, got %d nodes", g.Len())
	}
}

func TestPackageFilterStillPullsDependencies(t *testing.T) {
	pkgs := mustGraph(t,
		workspace.Package{Name: "utils", Dir: "utils", Scripts: scripts("build")},
		workspace.Package{Name: "web", Dir: "web", Dependencies: []string{"utils"}, Scripts: scripts("build")},
		workspace.Package{Name: "docs", Dir: "docs", Scripts: scripts("build")},
	)
	defs := table(map[string]pipeline.Definition{"build": {DependsOn: list("^build")}})
	g, err := taskgraph.Build(pkgs, defs, taskgraph.Request{Tasks: []string{"build"}, Packages: []string{"web"}})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if got := g.TopologicalOrder(); !reflect.DeepEqual(got, []taskgraph.ID{"utils#build", "web#build"}) {
		t.Fatalf("unexpected order %v", got)
	}
}

func TestTopologicalOrderTieBreak(t *testing.T) {
	pkgs := mustGraph(t,
		workspace.Package{Name: "z", Dir: "z", Scripts: scripts("build")},
		workspace.Package{Name: "m", Dir: "m", Dependencies: []string{"z"}, Scripts: scripts("build")},
		workspace.Package{Name: "a", Dir: "a", Scripts: scripts("build")},
	)
	defs := table(map[string]pipeline.Definition{"build": {DependsOn: list("^build")}})
	g, err := taskgraph.Build(pkgs, defs, taskgraph.Request{Tasks: []string{"build"}})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	want := []taskgraph.ID{"a#build", "z#build", "m#build"}
	if got := g.TopologicalOrder(); !reflect.DeepEqual(got, want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
}

func TestDOT(t *testing.T) {
	pkgs := mustGraph(t,
		workspace.Package{Name: "utils", Dir: "utils", Scripts: scripts("build")},
		workspace.Package{Name: "web", Dir: "web", Dependencies: []string{"utils"}, Scripts: scripts("build")},
	)
	defs := table(map[string]pipeline.Definition{"build": {DependsOn: list("^build")}})
	g, err := taskgraph.Build(pkgs, defs, taskgraph.Request{Tasks: []string{"build"}})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	dot := g.DOT()
	if !strings.Contains(dot, `"web#build" -> "utils#build";`) {
		t.Fatalf("missing edge in %s", dot)
	}
	if !strings.HasPrefix(dot, "digraph") {
		t.Fatalf("unexpected header %s", dot)
	}
}
