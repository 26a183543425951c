package workspace

import (
	"fmt"
	"path"
	"sort"
	"strings"
)

// Package is one workspace member.
type Package struct {
	Name         string            `json:"name"`
	Dir          string            `json:"dir"`
	Version      string            `json:"version,omitempty"`
	Dependencies []string          `json:"dependencies,omitempty"`
	Scripts      map[string]string `json:"scripts,omitempty"`
}

// Script returns the command registered for task, if any.
func (p Package) Script(task string) (string, bool) {
	cmd, ok := p.Scripts[task]
	if !ok || strings.TrimSpace(cmd) == "" {
		return "", false
	}
	return cmd, true
}

// Graph is an immutable package dependency graph. It is safe for concurrent reads.
type Graph struct {
	root       string
	packages   map[string]Package
	names      []string
	dependents map[string][]string
}

// Snapshot is the wire form of a Graph.
type Snapshot struct {
	Root     string    `json:"root"`
	Packages []Package `json:"packages"`
}

// NewGraph validates pkgs and indexes them. Dependencies on names outside the
// workspace (third-party packages) are dropped.
func NewGraph(root string, pkgs []Package) (*Graph, error) {
	g := &Graph{
		root:       root,
		packages:   make(map[string]Package, len(pkgs)),
		dependents: make(map[string][]string),
	}
	for _, pkg := range pkgs {
		name := strings.TrimSpace(pkg.Name)
		if name == "" {
			return nil, fmt.Errorf("package in %q has no name", pkg.Dir)
		}
		if existing, ok := g.packages[name]; ok {
			return nil, fmt.Errorf("duplicate package name %q in %q and %q", name, existing.Dir, pkg.Dir)
		}
		pkg.Name = name
		pkg.Dir = cleanRel(pkg.Dir)
		g.packages[name] = pkg
		g.names = append(g.names, name)
	}
	sort.Strings(g.names)

	for _, name := range g.names {
		pkg := g.packages[name]
		deps := make([]string, 0, len(pkg.Dependencies))
		seen := make(map[string]struct{}, len(pkg.Dependencies))
		for _, dep := range pkg.Dependencies {
			if _, ok := g.packages[dep]; !ok {
				continue
			}
			if _, dup := seen[dep]; dup {
				continue
			}
			seen[dep] = struct{}{}
			deps = append(deps, dep)
			g.dependents[dep] = append(g.dependents[dep], name)
		}
		sort.Strings(deps)
		pkg.Dependencies = deps
		g.packages[name] = pkg
	}
	return g, nil
}

// FromSnapshot rebuilds a Graph received over IPC.
func FromSnapshot(s Snapshot) (*Graph, error) {
	return NewGraph(s.Root, s.Packages)
}

// Snapshot returns a copy of the graph suitable for serialization.
func (g *Graph) Snapshot() Snapshot {
	return Snapshot{Root: g.root, Packages: g.Packages()}
}

// Root is the absolute workspace root.
func (g *Graph) Root() string {
	return g.root
}

// Len is the number of packages.
func (g *Graph) Len() int {
	return len(g.names)
}

// Names returns package names sorted lexicographically.
func (g *Graph) Names() []string {
	return append([]string(nil), g.names...)
}

// Packages returns every package sorted by name.
func (g *Graph) Packages() []Package {
	out := make([]Package, 0, len(g.names))
	for _, name := range g.names {
		out = append(out, g.packages[name])
	}
	return out
}

// Package looks a package up by name.
func (g *Graph) Package(name string) (Package, bool) {
	pkg, ok := g.packages[name]
	return pkg, ok
}

// Dependencies returns the direct workspace dependencies of name.
func (g *Graph) Dependencies(name string) []string {
	return append([]string(nil), g.packages[name].Dependencies...)
}

// Dependents returns the packages that directly depend on name.
func (g *Graph) Dependents(name string) []string {
	out := append([]string(nil), g.dependents[name]...)
	sort.Strings(out)
	return out
}

// PackageForPath returns the package whose directory contains rel, preferring the deepest match.
func (g *Graph) PackageForPath(rel string) (string, bool) {
	rel = cleanRel(rel)
	best, bestLen := "", -1
	for _, name := range g.names {
		dir := g.packages[name].Dir
		if dir == "." || rel == dir || strings.HasPrefix(rel, dir+"/") {
			if len(dir) > bestLen {
				best, bestLen = name, len(dir)
			}
		}
	}
	return best, bestLen >= 0
}

// IsManifest reports whether rel is a file whose change can alter the package
// graph or task definitions. New packages appear as new manifests, so any
// manifest outside ignored directories counts.
func IsManifest(rel string) bool {
	rel = cleanRel(rel)
	base := path.Base(rel)
	if base != ManifestFile && base != DefinitionsFile {
		return false
	}
	return !IsIgnoredPath(rel)
}

func cleanRel(p string) string {
	p = strings.ReplaceAll(strings.TrimSpace(p), "\\", "/")
	if p == "" {
		return "."
	}
	return path.Clean(p)
}
