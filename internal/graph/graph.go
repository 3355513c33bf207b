// Package graph orders workspace packages so that dependencies build first.
package graph

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"sort"
	"strings"

	"github.com/gammazero/toposort"
)

// ErrCycle is returned when packages depend on each other in a loop.
var ErrCycle = errors.New("dependency cycle")

// ErrUnknownPackage is returned for names that are not part of the graph.
var ErrUnknownPackage = errors.New("unknown package")

// Graph is an immutable package dependency graph.
type Graph struct {
	names      []string
	deps       map[string][]string
	dependents map[string][]string
}

// New builds a graph from package name to dependency names. Dependencies on
// names that are not keys of nodes are dropped.
func New(nodes map[string][]string) *Graph {
	g := &Graph{
		names:      make([]string, 0, len(nodes)),
		deps:       make(map[string][]string, len(nodes)),
		dependents: make(map[string][]string, len(nodes)),
	}
	for name := range nodes {
		g.names = append(g.names, name)
	}
	sort.Strings(g.names)

	for _, name := range g.names {
		var deps []string
		for _, dep := range nodes[name] {
			if _, ok := nodes[dep]; !ok || dep == name || slices.Contains(deps, dep) {
				continue
			}
			deps = append(deps, dep)
			g.dependents[dep] = append(g.dependents[dep], name)
		}
		sort.Strings(deps)
		g.deps[name] = deps
	}
	for _, dependents := range g.dependents {
		sort.Strings(dependents)
	}
	return g
}

// Names returns every package, sorted.
func (g *Graph) Names() []string {
	return slices.Clone(g.names)
}

// Has reports whether name is part of the graph.
func (g *Graph) Has(name string) bool {
	_, ok := g.deps[name]
	return ok
}

// Order returns every package with dependencies before their dependents.
func (g *Graph) Order() ([]string, error) {
	var edges []toposort.Edge
	connected := make(map[string]bool, len(g.names))
	for _, name := range g.names {
		for _, dep := range g.deps[name] {
			edges = append(edges, toposort.Edge{dep, name})
			connected[dep] = true
			connected[name] = true
		}
	}

	// Packages without any edge are not visible to the sort.
	order := make([]string, 0, len(g.names))
	for _, name := range g.names {
		if !connected[name] {
			order = append(order, name)
		}
	}
	if len(edges) == 0 {
		return order, nil
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCycle, err)
	}
	for _, v := range sorted {
		order = append(order, v.(string))
	}
	return order, nil
}

// DependenciesOf returns the transitive dependencies of name in build order,
// excluding name itself.
func (g *Graph) DependenciesOf(name string) ([]string, error) {
	if !g.Has(name) {
		return nil, fmt.Errorf("%s: %w", name, ErrUnknownPackage)
	}

	needed := make(map[string]bool)
	var visit func(string)
	visit = func(n string) {
		for _, dep := range g.deps[n] {
			if !needed[dep] {
				needed[dep] = true
				visit(dep)
			}
		}
	}
	visit(name)
	if needed[name] {
		return nil, fmt.Errorf("%w: %s depends on itself", ErrCycle, name)
	}

	order, err := g.Order()
	if err != nil {
		return nil, err
	}
	deps := make([]string, 0, len(needed))
	for _, n := range order {
		if needed[n] {
			deps = append(deps, n)
		}
	}
	return deps, nil
}

// Dependencies returns the direct dependencies of name.
func (g *Graph) Dependencies(name string) []string {
	return slices.Clone(g.deps[name])
}

// Dependents returns the packages that depend directly on name.
func (g *Graph) Dependents(name string) []string {
	return slices.Clone(g.dependents[name])
}

// TransitiveDependents returns every package that depends on name directly
// or indirectly, sorted.
func (g *Graph) TransitiveDependents(name string) []string {
	seen := make(map[string]bool)
	var visit func(string)
	visit = func(n string) {
		for _, d := range g.dependents[n] {
			if !seen[d] {
				seen[d] = true
				visit(d)
			}
		}
	}
	visit(name)
	delete(seen, name)

	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Render writes every package followed by its dependency tree.
func (g *Graph) Render(w io.Writer) error {
	var b strings.Builder
	for _, name := range g.names {
		b.WriteString(name)
		b.WriteByte('\n')
		g.renderDeps(&b, name, "", map[string]bool{name: true})
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func (g *Graph) renderDeps(b *strings.Builder, name, prefix string, path map[string]bool) {
	deps := g.deps[name]
	for i, dep := range deps {
		branch, next := "├── ", "│   "
		if i == len(deps)-1 {
			branch, next = "└── ", "    "
		}

		b.WriteString(prefix + branch + dep)
		if path[dep] {
			b.WriteString(" (cycle)\n")
			continue
		}
		b.WriteByte('\n')

		path[dep] = true
		g.renderDeps(b, dep, prefix+next, path)
		delete(path, dep)
	}
}
