package engine

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/picklr-io/lakestack/internal/ir"
)

// Graph is the dependency DAG of a stack. Edges point from a resource to
// the resources it depends on.
type Graph struct {
	nodes map[string]*node
	ids   []string // sorted
}

type node struct {
	id         string
	decl       *ir.Declaration
	deps       []string // sorted, unique
	dependents []string // sorted, unique
}

// BuildGraph constructs the dependency graph for a set of declarations. It
// resolves both explicit dependsOn entries and ptr:// references found
// anywhere in properties. Declarations are copied; the caller's values are
// never modified.
func BuildGraph(decls []*ir.Declaration) (*Graph, error) {
	g := &Graph{nodes: make(map[string]*node, len(decls))}

	for i, d := range decls {
		if d == nil {
			return nil, &ValidationError{Msg: fmt.Sprintf("declaration %d is empty", i)}
		}
		if d.ID == "" {
			return nil, &ValidationError{Msg: fmt.Sprintf("declaration %d has no id", i)}
		}
		if strings.Contains(d.ID, "/") {
			return nil, &ValidationError{ID: d.ID, Msg: "id must not contain '/'"}
		}
		if d.Kind == "" {
			return nil, &ValidationError{ID: d.ID, Msg: "kind is required"}
		}
		if _, dup := g.nodes[d.ID]; dup {
			return nil, &DuplicateIDError{ID: d.ID}
		}
		g.nodes[d.ID] = &node{id: d.ID, decl: d.Clone()}
		g.ids = append(g.ids, d.ID)
	}
	sort.Strings(g.ids)

	for _, id := range g.ids {
		n := g.nodes[id]
		deps := make(map[string]bool)

		for _, dep := range n.decl.DependsOn {
			if _, ok := g.nodes[dep]; !ok {
				return nil, &UnknownReferenceError{From: id, Target: dep}
			}
			deps[dep] = true
		}
		for _, ref := range extractRefs(n.decl.Properties) {
			if _, ok := g.nodes[ref.Target]; !ok {
				return nil, &UnknownReferenceError{From: id, Target: ref.Target}
			}
			deps[ref.Target] = true
		}
		n.deps = sortedKeys(deps)
	}

	g.linkDependents()

	if cycle := g.findCycle(); cycle != nil {
		return nil, cycle
	}
	return g, nil
}

// BuildGraphFromState constructs a graph from recorded dependencies, for
// destroying resources that are no longer declared. Dependencies on
// resources missing from the set are ignored.
func BuildGraphFromState(resources []*ir.ResourceState) (*Graph, error) {
	g := &Graph{nodes: make(map[string]*node, len(resources))}
	for _, rs := range resources {
		if _, dup := g.nodes[rs.ID]; dup {
			return nil, &DuplicateIDError{ID: rs.ID}
		}
		g.nodes[rs.ID] = &node{id: rs.ID}
		g.ids = append(g.ids, rs.ID)
	}
	sort.Strings(g.ids)

	for _, rs := range resources {
		deps := make(map[string]bool)
		for _, dep := range rs.Dependencies {
			if _, ok := g.nodes[dep]; ok && dep != rs.ID {
				deps[dep] = true
			}
		}
		g.nodes[rs.ID].deps = sortedKeys(deps)
	}

	g.linkDependents()

	if cycle := g.findCycle(); cycle != nil {
		return nil, cycle
	}
	return g, nil
}

func (g *Graph) linkDependents() {
	for _, id := range g.ids {
		for _, dep := range g.nodes[id].deps {
			d := g.nodes[dep]
			d.dependents = append(d.dependents, id)
		}
	}
	// ids are visited in sorted order, so dependents are already sorted.
}

// findCycle runs a depth-first search and returns the first cycle found.
func (g *Graph) findCycle() *CycleError {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(g.nodes))
	var stack []string

	var visit func(id string) *CycleError
	visit = func(id string) *CycleError {
		color[id] = grey
		stack = append(stack, id)
		for _, dep := range g.nodes[id].deps {
			switch color[dep] {
			case grey:
				start := slices.Index(stack, dep)
				path := append(slices.Clone(stack[start:]), dep)
				return &CycleError{Path: path}
			case white:
				if c := visit(dep); c != nil {
					return c
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return nil
	}

	for _, id := range g.ids {
		if color[id] == white {
			if c := visit(id); c != nil {
				return c
			}
		}
	}
	return nil
}

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.ids) }

// IDs returns every node id in sorted order.
func (g *Graph) IDs() []string { return slices.Clone(g.ids) }

// Has reports whether id is a node.
func (g *Graph) Has(id string) bool {
	_, ok := g.nodes[id]
	return ok
}

// Declaration returns the graph's copy of a declaration, or nil for graphs
// built from state.
func (g *Graph) Declaration(id string) *ir.Declaration {
	if n, ok := g.nodes[id]; ok {
		return n.decl
	}
	return nil
}

// Dependencies returns the direct dependencies of id.
func (g *Graph) Dependencies(id string) []string {
	if n, ok := g.nodes[id]; ok {
		return slices.Clone(n.deps)
	}
	return nil
}

// Dependents returns the resources that directly depend on id.
func (g *Graph) Dependents(id string) []string {
	if n, ok := g.nodes[id]; ok {
		return slices.Clone(n.dependents)
	}
	return nil
}

// TransitiveDependents returns every resource downstream of id, sorted.
func (g *Graph) TransitiveDependents(id string) []string {
	return g.walk(id, func(n *node) []string { return n.dependents })
}

// TransitiveDependencies returns every resource upstream of id, sorted.
func (g *Graph) TransitiveDependencies(id string) []string {
	return g.walk(id, func(n *node) []string { return n.deps })
}

func (g *Graph) walk(id string, next func(*node) []string) []string {
	start, ok := g.nodes[id]
	if !ok {
		return nil
	}
	seen := make(map[string]bool)
	queue := slices.Clone(next(start))
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		queue = append(queue, next(g.nodes[cur])...)
	}
	return sortedKeys(seen)
}

// Edges returns every edge, ordered by dependent then dependency.
func (g *Graph) Edges() []ir.DependencyEdge {
	var edges []ir.DependencyEdge
	for _, id := range g.ids {
		for _, dep := range g.nodes[id].deps {
			edges = append(edges, ir.DependencyEdge{From: dep, To: id})
		}
	}
	return edges
}

// ToDOT renders the graph in Graphviz DOT format.
func (g *Graph) ToDOT(name string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "digraph %q {\n", name)
	b.WriteString("  rankdir = \"BT\";\n")
	b.WriteString("  node [shape = rect];\n\n")
	for _, id := range g.ids {
		if d := g.nodes[id].decl; d != nil {
			fmt.Fprintf(&b, "  %q [label = %q];\n", id, id+"\n"+d.Kind)
		} else {
			fmt.Fprintf(&b, "  %q;\n", id)
		}
	}
	b.WriteString("\n")
	for _, e := range g.Edges() {
		fmt.Fprintf(&b, "  %q -> %q;\n", e.To, e.From)
	}
	b.WriteString("}\n")
	return b.String()
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
