// Package graph builds and analyzes the task dependency graph. Edges
// point from the prerequisite task to the task that depends on it.
package graph

import (
	"sort"

	"github.com/arbiterhq/arbiter/internal/model"
)

// Graph is a directed dependency graph over task ids. Build it through
// Builder or assemble it by hand with AddNode/AddEdge.
type Graph struct {
	Nodes map[string]model.Task
	Edges []model.Edge

	adj  map[string][]string
	radj map[string][]string
}

func New() *Graph {
	return &Graph{
		Nodes: make(map[string]model.Task),
		adj:   make(map[string][]string),
		radj:  make(map[string][]string),
	}
}

func (g *Graph) AddNode(t model.Task) {
	g.Nodes[t.ID] = t
}

// AddEdge records a prerequisite relation from -> to. Duplicate edges
// with the same endpoints and type are dropped.
func (g *Graph) AddEdge(e model.Edge) {
	for _, have := range g.Edges {
		if have.From == e.From && have.To == e.To && have.Type == e.Type {
			return
		}
	}
	g.Edges = append(g.Edges, e)
	g.adj[e.From] = append(g.adj[e.From], e.To)
	g.radj[e.To] = append(g.radj[e.To], e.From)
}

// Roots returns node ids with no incoming edges, sorted.
func (g *Graph) Roots() []string {
	var out []string
	for id := range g.Nodes {
		if len(g.radj[id]) == 0 {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Leaves returns node ids with no outgoing edges, sorted.
func (g *Graph) Leaves() []string {
	var out []string
	for id := range g.Nodes {
		if len(g.adj[id]) == 0 {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// DetectCycles walks the graph depth-first and reports every back-edge as
// a cycle: the path slice from the revisited node to the current node.
// Overlapping cycles are reported independently, without deduplication.
func (g *Graph) DetectCycles() [][]string {
	var cycles [][]string
	visited := make(map[string]bool)
	onStack := make(map[string]bool)
	var stack []string

	var dfs func(id string)
	dfs = func(id string) {
		visited[id] = true
		onStack[id] = true
		stack = append(stack, id)

		next := append([]string(nil), g.adj[id]...)
		sort.Strings(next)
		for _, to := range next {
			if onStack[to] {
				start := 0
				for i, n := range stack {
					if n == to {
						start = i
						break
					}
				}
				cycle := append([]string(nil), stack[start:]...)
				cycles = append(cycles, cycle)
				continue
			}
			if !visited[to] {
				dfs(to)
			}
		}

		stack = stack[:len(stack)-1]
		onStack[id] = false
	}

	ids := g.sortedIDs()
	for _, id := range ids {
		if !visited[id] {
			dfs(id)
		}
	}
	return cycles
}

// TopologicalOrder returns a dependency-respecting order via Kahn's
// algorithm. Nodes trapped in cycles are omitted; the result is partial
// for cyclic graphs. Order is deterministic: ties resolve by id.
func (g *Graph) TopologicalOrder() []string {
	indeg := make(map[string]int, len(g.Nodes))
	for id := range g.Nodes {
		indeg[id] = len(g.radj[id])
	}

	var ready []string
	for _, id := range g.sortedIDs() {
		if indeg[id] == 0 {
			ready = append(ready, id)
		}
	}

	var order []string
	for len(ready) > 0 {
		sort.Strings(ready)
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		for _, to := range g.adj[id] {
			indeg[to]--
			if indeg[to] == 0 {
				ready = append(ready, to)
			}
		}
	}
	return order
}

// Ancestors returns every transitive prerequisite of id, sorted.
func (g *Graph) Ancestors(id string) []string {
	return g.walk(id, g.radj)
}

// Descendants returns every task transitively depending on id, sorted.
func (g *Graph) Descendants(id string) []string {
	return g.walk(id, g.adj)
}

func (g *Graph) walk(id string, next map[string][]string) []string {
	seen := map[string]bool{id: true}
	queue := append([]string(nil), next[id]...)
	var out []string
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		out = append(out, cur)
		queue = append(queue, next[cur]...)
	}
	sort.Strings(out)
	return out
}

func (g *Graph) sortedIDs() []string {
	ids := make([]string, 0, len(g.Nodes))
	for id := range g.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
