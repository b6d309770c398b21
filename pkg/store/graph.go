package store

import (
	"slices"
)

// overrideGraph records override -> parent edges and the reverse index.
// It is guarded by Store.mu.
type overrideGraph struct {
	parents  map[string]string
	children map[string]map[string]struct{}
}

func newOverrideGraph() *overrideGraph {
	return &overrideGraph{
		parents:  make(map[string]string),
		children: make(map[string]map[string]struct{}),
	}
}

// set points id at parent, replacing any previous edge. An empty parent
// removes the edge.
func (g *overrideGraph) set(id, parent string) {
	g.remove(id)
	if parent == "" {
		return
	}
	g.parents[id] = parent
	kids, ok := g.children[parent]
	if !ok {
		kids = make(map[string]struct{})
		g.children[parent] = kids
	}
	kids[id] = struct{}{}
}

func (g *overrideGraph) remove(id string) {
	old, ok := g.parents[id]
	if !ok {
		return
	}
	delete(g.parents, id)
	if kids := g.children[old]; kids != nil {
		delete(kids, id)
		if len(kids) == 0 {
			delete(g.children, old)
		}
	}
}

func (g *overrideGraph) parent(id string) (string, bool) {
	p, ok := g.parents[id]
	return p, ok
}

// dependents returns the direct overrides of id in sorted order.
func (g *overrideGraph) dependents(id string) []string {
	kids := g.children[id]
	out := make([]string, 0, len(kids))
	for k := range kids {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// descendants returns every transitive override of id, parents before
// their children.
func (g *overrideGraph) descendants(id string) []string {
	var out []string
	visited := map[string]bool{id: true}
	queue := g.dependents(id)
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if visited[next] {
			continue
		}
		visited[next] = true
		out = append(out, next)
		queue = append(queue, g.dependents(next)...)
	}
	return out
}

// cycle reports the loop that pointing id at parent would create, or nil.
// The walk follows parent edges upward from parent with an explicit
// visited set.
func (g *overrideGraph) cycle(id, parent string) []string {
	if parent == "" {
		return nil
	}
	path := []string{id}
	visited := map[string]bool{}
	for cur := parent; cur != ""; {
		path = append(path, cur)
		if cur == id {
			return path
		}
		if visited[cur] {
			return nil
		}
		visited[cur] = true
		next, ok := g.parents[cur]
		if !ok {
			return nil
		}
		cur = next
	}
	return nil
}
