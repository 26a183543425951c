package taskgraph

import (
	"fmt"
	"sort"
	"strings"

	"kiln/internal/pipeline"
)

// ID names a task node as "package#task".
type ID string

// NewID joins a package and task name.
func NewID(pkg, task string) ID {
	return ID(pkg + "#" + task)
}

// Split returns the package and task parts of id.
func (id ID) Split() (pkg, task string) {
	s := string(id)
	i := strings.LastIndex(s, "#")
	if i < 0 {
		return "", s
	}
	return s[:i], s[i+1:]
}

func (id ID) String() string { return string(id) }

// Node is one schedulable (package, task) unit. Nodes are never mutated after Build.
type Node struct {
	ID         ID
	Package    string
	Task       string
	Dir        string
	Command    string
	Definition pipeline.Task
}

// Persistent reports whether the node is a long-running task.
func (n *Node) Persistent() bool { return n.Definition.Persistent }

// Cacheable reports whether results for the node may be stored and replayed.
func (n *Node) Cacheable() bool { return n.Definition.Cache && !n.Definition.Persistent }

// Graph is an immutable, validated task DAG. It is safe for concurrent reads.
type Graph struct {
	nodes map[ID]*Node
	preds map[ID][]ID
	succs map[ID][]ID
	depth map[ID]int
	order []ID
}

// Len is the number of nodes.
func (g *Graph) Len() int { return len(g.order) }

// Node returns the node for id.
func (g *Graph) Node(id ID) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Nodes returns every node in topological order.
func (g *Graph) Nodes() []*Node {
	out := make([]*Node, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.nodes[id])
	}
	return out
}

// TopologicalOrder returns node ids ordered by (depth, id). Every predecessor
// precedes its successors and equal-depth nodes sort lexicographically.
func (g *Graph) TopologicalOrder() []ID {
	return append([]ID(nil), g.order...)
}

// Predecessors returns the direct dependencies of id, sorted.
func (g *Graph) Predecessors(id ID) []ID {
	return append([]ID(nil), g.preds[id]...)
}

// Successors returns the nodes that directly depend on id, sorted.
func (g *Graph) Successors(id ID) []ID {
	return append([]ID(nil), g.succs[id]...)
}

// Depth is the length of the longest predecessor path ending at id.
func (g *Graph) Depth(id ID) int {
	return g.depth[id]
}

// Ancestors returns every transitive predecessor of id, sorted.
func (g *Graph) Ancestors(id ID) []ID {
	return g.closure(id, g.preds)
}

// Descendants returns every transitive successor of id, sorted.
func (g *Graph) Descendants(id ID) []ID {
	return g.closure(id, g.succs)
}

func (g *Graph) closure(start ID, edges map[ID][]ID) []ID {
	seen := map[ID]struct{}{}
	stack := append([]ID(nil), edges[start]...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		stack = append(stack, edges[id]...)
	}
	out := make([]ID, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sortIDs(out)
	return out
}

// DOT renders the graph in graphviz format with edges pointing from a task
// to the task it depends on.
func (g *Graph) DOT() string {
	var b strings.Builder
	b.WriteString("digraph \"kiln\" {\n")
	b.WriteString("\trankdir = \"LR\";\n")
	ids := append([]ID(nil), g.order...)
	sortIDs(ids)
	for _, id := range ids {
		if len(g.preds[id]) == 0 {
			fmt.Fprintf(&b, "\t%q;\n", string(id))
			continue
		}
		for _, pred := range g.preds[id] {
			fmt.Fprintf(&b, "\t%q -> %q;\n", string(id), string(pred))
		}
	}
	b.WriteString("}\n")
	return b.String()
}

func sortIDs(ids []ID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
