// Package graph assembles a collection of nodes into a validated, immutable
// dependency DAG and exposes the deterministic orderings the scheduler runs
// on.
//
// Construction is the only place validation occurs: unresolved dependencies,
// duplicated identifiers, output conflicts and cycles are all rejected by
// Build, never discovered at run time.
package graph

import (
	"container/heap"
	"sort"

	"github.com/vk/taskgrid/internal/node"
)

// Graph is a validated DAG of nodes. It is immutable after Build; every
// method is a read-only query and safe for concurrent use.
type Graph struct {
	nodes      map[string]node.Node
	deps       map[string][]string
	dependents map[string][]string
	producers  map[string]string
	order      []string
}

// Build validates the node collection and assembles the graph.
//
// Edges come from two places: explicit Dependencies(), and implicit links
// where one node's input path is another node's declared output. Both kinds
// are subject to cycle detection.
func Build(nodes []node.Node) (*Graph, error) {
	g := &Graph{
		nodes:      make(map[string]node.Node, len(nodes)),
		deps:       make(map[string][]string, len(nodes)),
		dependents: make(map[string][]string, len(nodes)),
		producers:  make(map[string]string),
	}

	for _, n := range nodes {
		if _, exists := g.nodes[n.ID()]; exists {
			return nil, &ValidationError{Kind: DuplicateID, Reference: n.ID()}
		}
		g.nodes[n.ID()] = n
	}

	// Sorted iteration keeps which-claimant-is-reported deterministic.
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		for _, out := range g.nodes[id].Outputs() {
			if prev, claimed := g.producers[out]; claimed {
				return nil, &ValidationError{
					Kind:      OutputConflict,
					Node:      prev,
					Other:     id,
					Reference: out,
				}
			}
			g.producers[out] = id
		}
	}

	for _, id := range ids {
		n := g.nodes[id]
		depSet := make(map[string]bool)
		for _, dep := range n.Dependencies() {
			if _, ok := g.nodes[dep]; !ok {
				return nil, &ValidationError{
					Kind:      UnresolvedDependency,
					Node:      id,
					Reference: dep,
				}
			}
			depSet[dep] = true
		}
		for _, in := range n.Inputs() {
			if producer, ok := g.producers[in]; ok && producer != id {
				depSet[producer] = true
			}
		}
		deps := make([]string, 0, len(depSet))
		for dep := range depSet {
			deps = append(deps, dep)
		}
		sort.Strings(deps)
		g.deps[id] = deps
		for _, dep := range deps {
			g.dependents[dep] = append(g.dependents[dep], id)
		}
	}
	for id := range g.dependents {
		sort.Strings(g.dependents[id])
	}

	if cycle := g.findCycle(ids); cycle != nil {
		return nil, &ValidationError{Kind: CycleDetected, Cycle: cycle}
	}

	g.order = g.topoOrder(ids)
	return g, nil
}

// Len returns the number of nodes in the graph.
func (g *Graph) Len() int { return len(g.nodes) }

// Node returns the node with the given identifier, or nil.
func (g *Graph) Node(id string) node.Node { return g.nodes[id] }

// TopoOrder returns the deterministic topological ordering of all node
// identifiers, ties broken by identifier, dependencies first.
func (g *Graph) TopoOrder() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// Dependencies returns the resolved dependency identifiers of a node,
// explicit and implicit, sorted.
func (g *Graph) Dependencies(id string) []string {
	deps := g.deps[id]
	out := make([]string, len(deps))
	copy(out, deps)
	return out
}

// Dependents returns the identifiers of nodes directly depending on the
// given node, sorted.
func (g *Graph) Dependents(id string) []string {
	deps := g.dependents[id]
	out := make([]string, len(deps))
	copy(out, deps)
	return out
}

// TransitiveDependents returns every node reachable downstream of the given
// node, sorted. The scheduler uses this set to mark the blast radius of a
// failure.
func (g *Graph) TransitiveDependents(id string) []string {
	seen := map[string]bool{id: true}
	stack := append([]string(nil), g.dependents[id]...)
	var out []string
	for len(stack) > 0 {
		next := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[next] {
			continue
		}
		seen[next] = true
		out = append(out, next)
		stack = append(stack, g.dependents[next]...)
	}
	sort.Strings(out)
	return out
}

// Producer returns the identifier of the node claiming the given output
// path, if any.
func (g *Graph) Producer(path string) (string, bool) {
	id, ok := g.producers[path]
	return id, ok
}

// findCycle runs a depth-first search over sorted identifiers and returns
// one cycle as a stable witness, or nil if the graph is acyclic.
func (g *Graph) findCycle(ids []string) []string {
	const (
		white = 0 // unvisited
		gray  = 1 // on the current path
		black = 2 // fully explored
	)
	color := make(map[string]int, len(ids))
	var path []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		path = append(path, id)
		for _, dep := range g.deps[id] {
			switch color[dep] {
			case white:
				if visit(dep) {
					return true
				}
			case gray:
				// Extract the loop from the current path.
				for i, p := range path {
					if p == dep {
						cycle = append(append([]string(nil), path[i:]...), dep)
						break
					}
				}
				return true
			}
		}
		path = path[:len(path)-1]
		color[id] = black
		return false
	}

	for _, id := range ids {
		if color[id] == white && visit(id) {
			return cycle
		}
	}
	return nil
}

// topoOrder computes the topological ordering with Kahn's algorithm. The
// ready set is a min-heap of identifiers, which fixes the ordering of
// independent nodes and makes repeated scheduling runs reproducible.
func (g *Graph) topoOrder(ids []string) []string {
	indeg := make(map[string]int, len(ids))
	for _, id := range ids {
		indeg[id] = len(g.deps[id])
	}

	ready := &stringMinHeap{}
	heap.Init(ready)
	for _, id := range ids {
		if indeg[id] == 0 {
			heap.Push(ready, id)
		}
	}

	out := make([]string, 0, len(ids))
	for ready.Len() > 0 {
		id := heap.Pop(ready).(string)
		out = append(out, id)
		for _, dep := range g.dependents[id] {
			indeg[dep]--
			if indeg[dep] == 0 {
				heap.Push(ready, dep)
			}
		}
	}
	return out
}

type stringMinHeap []string

func (h stringMinHeap) Len() int           { return len(h) }
func (h stringMinHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h stringMinHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *stringMinHeap) Push(x any)        { *h = append(*h, x.(string)) }
func (h *stringMinHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
