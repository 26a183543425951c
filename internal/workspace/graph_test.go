package workspace_test

import (
	"reflect"
	"testing"

	"kiln/internal/testsupport"
	"kiln/internal/workspace"
)

func TestDiscoverUsesRootWorkspaces(t *testing.T) {
	root := testsupport.WebUtilsWorkspace(t)

	graph, err := workspace.Discover(root, nil)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if got := graph.Names(); !reflect.DeepEqual(got, []string{"utils", "web"}) {
		t.Fatalf("unexpected packages %v", got)
	}
	if deps := graph.Dependencies("web"); !reflect.DeepEqual(deps, []string{"utils"}) {
		t.Fatalf("unexpected web deps %v", deps)
	}
	if dependents := graph.Dependents("utils"); !reflect.DeepEqual(dependents, []string{"web"}) {
		t.Fatalf("unexpected utils dependents %v", dependents)
	}
	pkg, ok := graph.Package("web")
	if !ok || pkg.Dir != "apps/web" {
		t.Fatalf("unexpected web package %+v", pkg)
	}
	if _, ok := pkg.Script("build"); !ok {
		t.Fatalf("expected build script on web")
	}
}

func TestDiscoverDropsExternalDependencies(t *testing.T) {
	root := t.TempDir()
	testsupport.WritePackage(t, root, "packages/a", testsupport.PackageSpec{Name: "a", Dependencies: []string{"react", "b"}})
	testsupport.WritePackage(t, root, "packages/b", testsupport.PackageSpec{Name: "b"})

	graph, err := workspace.Discover(root, []string{"packages/*"})
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if deps := graph.Dependencies("a"); !reflect.DeepEqual(deps, []string{"b"}) {
		t.Fatalf("expected only workspace deps, got %v", deps)
	}
}

func TestDiscoverHonoursNegatedPatterns(t *testing.T) {
	root := t.TempDir()
	testsupport.WritePackage(t, root, "packages/a", testsupport.PackageSpec{Name: "a"})
	testsupport.WritePackage(t, root, "packages/legacy", testsupport.PackageSpec{Name: "legacy"})
	testsupport.WritePackage(t, root, "packages/a/node_modules/dep", testsupport.PackageSpec{Name: "dep"})

	graph, err := workspace.Discover(root, []string{"packages/**", "!packages/legacy"})
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if got := graph.Names(); !reflect.DeepEqual(got, []string{"a"}) {
		t.Fatalf("unexpected packages %v", got)
	}
}

func TestDiscoverRejectsDuplicateNames(t *testing.T) {
	root := t.TempDir()
	testsupport.WritePackage(t, root, "apps/x", testsupport.PackageSpec{Name: "same"})
	testsupport.WritePackage(t, root, "packages/x", testsupport.PackageSpec{Name: "same"})

	if _, err := workspace.Discover(root, nil); err == nil {
		t.Fatal("expected duplicate name error")
	}
}

func TestWorkspacesObjectForm(t *testing.T) {
	root := t.TempDir()
	testsupport.WriteTree(t, root, map[string]string{
		"package.json": `{"name":"root","workspaces":{"packages":["libs/*"]}}`,
	})
	testsupport.WritePackage(t, root, "libs/core", testsupport.PackageSpec{Name: "core"})

	graph, err := workspace.Discover(root, nil)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if graph.Len() != 1 {
		t.Fatalf("expected one package, got %v", graph.Names())
	}
}

func TestPackageForPathPrefersDeepest(t *testing.T) {
	graph, err := workspace.NewGraph("/repo", []workspace.Package{
		{Name: "outer", Dir: "apps/outer"},
		{Name: "inner", Dir: "apps/outer/inner"},
	})
	if err != nil {
		t.Fatalf("NewGraph: %v", err)
	}
	cases := map[string]string{
		"apps/outer/src/a.ts":       "outer",
		"apps/outer/inner/src/b.ts": "inner",
		"apps/outer":                "outer",
	}
	for rel, want := range cases {
		got, ok := graph.PackageForPath(rel)
		if !ok || got != want {
			t.Fatalf("PackageForPath(%q) = %q,%v want %q", rel, got, ok, want)
		}
	}
	if _, ok := graph.PackageForPath("docs/readme.md"); ok {
		t.Fatal("expected no owner for docs path")
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	graph, err := workspace.NewGraph("/repo", []workspace.Package{
		{Name: "b", Dir: "packages/b"},
		{Name: "a", Dir: "packages/a", Dependencies: []string{"b"}},
	})
	if err != nil {
		t.Fatalf("NewGraph: %v", err)
	}
	rebuilt, err := workspace.FromSnapshot(graph.Snapshot())
	if err != nil {
		t.Fatalf("FromSnapshot: %v", err)
	}
	if !reflect.DeepEqual(rebuilt.Packages(), graph.Packages()) {
		t.Fatalf("snapshot mismatch: %+v vs %+v", rebuilt.Packages(), graph.Packages())
	}
}

func TestIsManifest(t *testing.T) {
	cases := map[string]bool{
		"package.json":                       true,
		"apps/web/package.json":              true,
		"kiln.toml":                          true,
		"apps/web/src/index.ts":              false,
		"node_modules/react/package.json":    false,
		"apps/web/node_modules/package.json": false,
	}
	for rel, want := range cases {
		if got := workspace.IsManifest(rel); got != want {
			t.Fatalf("IsManifest(%q) = %v, want %v", rel, got, want)
		}
	}
}
