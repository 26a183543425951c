package taskgraph

import (
	"sort"
	"strings"

	"kiln/internal/pipeline"
	"kiln/internal/workspace"
)

// PackageGraph is the read side of the workspace package graph.
type PackageGraph interface {
	Packages() []workspace.Package
	Package(name string) (workspace.Package, bool)
	Dependencies(name string) []string
}

// Definitions resolves a task for a package; false means the package does
// not define the task.
type Definitions interface {
	Lookup(pkg workspace.Package, task string) (pipeline.Task, bool)
}

// Request names the tasks to run. Tasks may be bare names or "pkg#task".
// Packages restricts which packages bare names apply to; empty means all.
// Dependencies outside the filter are still pulled in by dependsOn.
type Request struct {
	Tasks    []string
	Packages []string
}

type builder struct {
	pkgs   PackageGraph
	defs   Definitions
	nodes  map[ID]*Node
	preds  map[ID]map[ID]struct{}
	parent map[ID]ID
}

// Build expands req against pkgs and defs into a validated graph.
func Build(pkgs PackageGraph, defs Definitions, req Request) (*Graph, error) {
	b := &builder{
		pkgs:   pkgs,
		defs:   defs,
		nodes:  make(map[ID]*Node),
		preds:  make(map[ID]map[ID]struct{}),
		parent: make(map[ID]ID),
	}

	if err := b.checkPackageCycles(); err != nil {
		return nil, err
	}
	roots, err := b.roots(req)
	if err != nil {
		return nil, err
	}
	if err := b.expand(roots); err != nil {
		return nil, err
	}
	if err := b.checkPersistent(); err != nil {
		return nil, err
	}
	return b.finish()
}

func (b *builder) roots(req Request) ([]ID, error) {
	filter := req.Packages
	if len(filter) == 0 {
		for _, pkg := range b.pkgs.Packages() {
			filter = append(filter, pkg.Name)
		}
	}
	for _, name := range filter {
		if _, ok := b.pkgs.Package(name); !ok {
			return nil, unknownf(nil, "package %q is not part of the workspace", name)
		}
	}

	var roots []ID
	for _, raw := range req.Tasks {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		spec, err := ParseSpecifier(raw)
		if err != nil || spec.Kind == SameTaskInDependencies {
			return nil, unknownf(nil, "cannot run %q: expected a task name or package#task", raw)
		}
		if spec.Kind == ExplicitPackageTask {
			id, err := b.explicit(spec, nil)
			if err != nil {
				return nil, err
			}
			roots = append(roots, id)
			continue
		}
		found := false
		for _, name := range filter {
			pkg, _ := b.pkgs.Package(name)
			if id, ok := b.ensure(pkg, spec.Task); ok {
				roots = append(roots, id)
				found = true
			}
		}
		if !found {
			return nil, unknownf(nil, "task %q is not defined in any selected package", spec.Task)
		}
	}
	if len(roots) == 0 {
		return nil, unknownf(nil, "no tasks requested")
	}
	return roots, nil
}

// ensure returns the id for (pkg, task), creating the node on first use.
func (b *builder) ensure(pkg workspace.Package, task string) (ID, bool) {
	id := NewID(pkg.Name, task)
	if _, ok := b.nodes[id]; ok {
		return id, true
	}
	def, ok := b.defs.Lookup(pkg, task)
	if !ok {
		return "", false
	}
	b.nodes[id] = &Node{
		ID:         id,
		Package:    pkg.Name,
		Task:       task,
		Dir:        pkg.Dir,
		Command:    def.Command,
		Definition: def,
	}
	return id, true
}

func (b *builder) explicit(spec Specifier, from []ID) (ID, error) {
	pkg, ok := b.pkgs.Package(spec.Package)
	if !ok {
		return "", unknownf(from, "package %q in %q is not part of the workspace", spec.Package, spec.String())
	}
	id, ok := b.ensure(pkg, spec.Task)
	if !ok {
		return "", unknownf(from, "package %q does not define task %q", spec.Package, spec.Task)
	}
	return id, nil
}

func (b *builder) expand(roots []ID) error {
	queue := append([]ID(nil), roots...)
	expanded := make(map[ID]struct{}, len(roots))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if _, ok := expanded[id]; ok {
			continue
		}
		expanded[id] = struct{}{}

		node := b.nodes[id]
		pkg, _ := b.pkgs.Package(node.Package)
		for _, raw := range node.Definition.DependsOn {
			spec, err := ParseSpecifier(raw)
			if err != nil {
				return invalidf(b.chainTo(id), "%s: %v", id, err)
			}
			targets, err := b.resolve(pkg, spec, id)
			if err != nil {
				return err
			}
			for _, target := range targets {
				b.addEdge(target, id)
				if _, seen := b.parent[target]; !seen && target != id {
					b.parent[target] = id
				}
				queue = append(queue, target)
			}
		}
	}
	return nil
}

func (b *builder) resolve(pkg workspace.Package, spec Specifier, from ID) ([]ID, error) {
	switch spec.Kind {
	case SameTaskSamePackage:
		if id, ok := b.ensure(pkg, spec.Task); ok {
			return []ID{id}, nil
		}
		return nil, nil
	case ExplicitPackageTask:
		id, err := b.explicit(spec, b.chainTo(from))
		if err != nil {
			return nil, err
		}
		return []ID{id}, nil
	default:
		return b.fanOut(pkg.Name, spec.Task), nil
	}
}

// fanOut finds task in each direct dependency of name. A dependency without
// the task is walked through so its own dependencies still order first.
func (b *builder) fanOut(name, task string) []ID {
	visited := make(map[string]struct{})
	var out []ID
	var walk func(string)
	walk = func(current string) {
		for _, dep := range b.pkgs.Dependencies(current) {
			if _, ok := visited[dep]; ok {
				continue
			}
			visited[dep] = struct{}{}
			pkg, ok := b.pkgs.Package(dep)
			if !ok {
				continue
			}
			if id, ok := b.ensure(pkg, task); ok {
				out = append(out, id)
				continue
			}
			walk(dep)
		}
	}
	walk(name)
	sortIDs(out)
	return out
}

func (b *builder) addEdge(from, to ID) {
	set, ok := b.preds[to]
	if !ok {
		set = make(map[ID]struct{})
		b.preds[to] = set
	}
	set[from] = struct{}{}
}

func (b *builder) chainTo(id ID) []ID {
	chain := []ID{id}
	seen := map[ID]struct{}{id: {}}
	for {
		parent, ok := b.parent[chain[len(chain)-1]]
		if !ok {
			break
		}
		if _, loop := seen[parent]; loop {
			break
		}
		seen[parent] = struct{}{}
		chain = append(chain, parent)
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}

// checkPackageCycles rejects workspaces whose package dependencies loop,
// whether or not the requested tasks would follow that loop. The chain holds
// package names.
func (b *builder) checkPackageCycles() error {
	pkgs := b.pkgs.Packages()
	ids := make([]ID, 0, len(pkgs))
	deps := make(map[ID][]ID, len(pkgs))
	for _, pkg := range pkgs {
		id := ID(pkg.Name)
		ids = append(ids, id)
		for _, dep := range b.pkgs.Dependencies(pkg.Name) {
			deps[id] = append(deps[id], ID(dep))
		}
	}
	if chain := findCycle(ids, deps); chain != nil {
		return &GraphError{Kind: CycleDetected, Chain: chain, Msg: "package dependencies form a cycle"}
	}
	return nil
}

func (b *builder) checkPersistent() error {
	ids := b.sortedIDs()
	for _, id := range ids {
		preds := b.sortedPreds(id)
		for _, pred := range preds {
			if b.nodes[pred].Persistent() {
				return invalidf([]ID{id, pred}, "%s is persistent and cannot be a dependency of %s", pred, id)
			}
		}
	}
	return nil
}

func (b *builder) finish() (*Graph, error) {
	g := &Graph{
		nodes: b.nodes,
		preds: make(map[ID][]ID, len(b.nodes)),
		succs: make(map[ID][]ID, len(b.nodes)),
		depth: make(map[ID]int, len(b.nodes)),
	}
	ids := b.sortedIDs()
	for _, id := range ids {
		preds := b.sortedPreds(id)
		g.preds[id] = preds
		for _, pred := range preds {
			g.succs[pred] = append(g.succs[pred], id)
		}
	}
	for id := range g.succs {
		sortIDs(g.succs[id])
	}

	if chain := findCycle(ids, g.preds); chain != nil {
		return nil, cycleError(chain)
	}

	var depthOf func(ID) int
	depthOf = func(id ID) int {
		if d, ok := g.depth[id]; ok {
			return d
		}
		d := 0
		for _, pred := range g.preds[id] {
			if pd := depthOf(pred) + 1; pd > d {
				d = pd
			}
		}
		g.depth[id] = d
		return d
	}
	for _, id := range ids {
		depthOf(id)
	}

	g.order = ids
	sort.SliceStable(g.order, func(i, j int) bool {
		di, dj := g.depth[g.order[i]], g.depth[g.order[j]]
		if di != dj {
			return di < dj
		}
		return g.order[i] < g.order[j]
	})
	return g, nil
}

// findCycle walks predecessor edges depth-first and returns the first cycle
// found as a dependency chain whose first and last ids are equal.
func findCycle(ids []ID, preds map[ID][]ID) []ID {
	const (
		white = iota
		grey
		black
	)
	colour := make(map[ID]int, len(ids))
	var stack []ID
	var cycle []ID

	var visit func(ID) bool
	visit = func(id ID) bool {
		colour[id] = grey
		stack = append(stack, id)
		for _, pred := range preds[id] {
			switch colour[pred] {
			case grey:
				for i, s := range stack {
					if s == pred {
						cycle = append(append([]ID(nil), stack[i:]...), pred)
						return true
					}
				}
			case white:
				if visit(pred) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		colour[id] = black
		return false
	}

	for _, id := range ids {
		if colour[id] == white && visit(id) {
			return cycle
		}
	}
	return nil
}

func (b *builder) sortedIDs() []ID {
	ids := make([]ID, 0, len(b.nodes))
	for id := range b.nodes {
		ids = append(ids, id)
	}
	sortIDs(ids)
	return ids
}

func (b *builder) sortedPreds(id ID) []ID {
	out := make([]ID, 0, len(b.preds[id]))
	for pred := range b.preds[id] {
		out = append(out, pred)
	}
	sortIDs(out)
	return out
}
