// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package filterdag builds the filter dependency DAG from filter specs,
// maintains a permutation that linearly extends it, and adapts that
// permutation at runtime via a pluggable cost-estimating optimizer (§4.F).
package filterdag

import (
	"sort"

	"github.com/zeebo/errs"

	"diamond.io/diamond/pkg/filterrun"
)

// Error is the class of errors returned by this package.
var Error = errs.Class("filterdag")

// Graph is the filter dependency DAG: nodes are filter names, an edge
// u -> v means "u must run before v" (§3 Filter DAG).
type Graph struct {
	specs map[string]*filterrun.Spec
	order []string // insertion order, for deterministic iteration

	// closure[v] is the set of filter names that must run before v (the
	// transitive closure of the dependency edges; v itself is not in it).
	closure map[string]map[string]bool
}

// Build constructs the DAG from specs, computing the transitive closure
// and rejecting cycles and missing dependencies (§4.F).
func Build(specs []*filterrun.Spec) (*Graph, error) {
	g := &Graph{
		specs:   make(map[string]*filterrun.Spec, len(specs)),
		closure: make(map[string]map[string]bool, len(specs)),
	}

	for _, s := range specs {
		if _, dup := g.specs[s.Name]; dup {
			return nil, Error.New("duplicate filter name %q", s.Name)
		}
		g.specs[s.Name] = s
		g.order = append(g.order, s.Name)
	}

	for _, s := range specs {
		for _, dep := range s.Requires {
			if _, ok := g.specs[dep]; !ok {
				return nil, Error.New("filter %q requires unknown filter %q", s.Name, dep)
			}
		}
	}

	for _, name := range g.order {
		closure, err := g.computeClosure(name, make(map[string]bool))
		if err != nil {
			return nil, err
		}
		g.closure[name] = closure
	}

	return g, nil
}

func (g *Graph) computeClosure(name string, visiting map[string]bool) (map[string]bool, error) {
	if visiting[name] {
		return nil, Error.New("dependency cycle detected at filter %q", name)
	}
	visiting[name] = true
	defer delete(visiting, name)

	closure := make(map[string]bool)
	for _, dep := range g.specs[name].Requires {
		closure[dep] = true
		sub, err := g.computeClosure(dep, visiting)
		if err != nil {
			return nil, err
		}
		for d := range sub {
			closure[d] = true
		}
	}
	return closure, nil
}

// Names returns the filter names in spec-file insertion order.
func (g *Graph) Names() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// Spec returns the spec for a filter name.
func (g *Graph) Spec(name string) *filterrun.Spec {
	return g.specs[name]
}

// Len returns the number of filters in the DAG.
func (g *Graph) Len() int {
	return len(g.order)
}

// MustPrecede reports whether u must run before v (u and v are
// comparable, with u first); the reflexive case (u == v) is false.
func (g *Graph) MustPrecede(u, v string) bool {
	if u == v {
		return false
	}
	return g.closure[v][u]
}

// Comparable reports whether u and v have a required order between them.
func (g *Graph) Comparable(u, v string) bool {
	return g.MustPrecede(u, v) || g.MustPrecede(v, u)
}

// InitialPermutation computes a topological sort, ties broken by MERIT
// (higher first) then filter name (§4.F "Initial permutation").
func (g *Graph) InitialPermutation() Permutation {
	indegree := make(map[string]int, len(g.order))
	for _, name := range g.order {
		indegree[name] = len(g.specs[name].Requires)
	}

	ready := make([]string, 0, len(g.order))
	for _, name := range g.order {
		if indegree[name] == 0 {
			ready = append(ready, name)
		}
	}

	dependents := make(map[string][]string, len(g.order))
	for _, name := range g.order {
		for _, dep := range g.specs[name].Requires {
			dependents[dep] = append(dependents[dep], name)
		}
	}

	sortReady := func() {
		sort.Slice(ready, func(i, j int) bool {
			si, sj := g.specs[ready[i]], g.specs[ready[j]]
			if si.Merit != sj.Merit {
				return si.Merit > sj.Merit
			}
			return ready[i] < ready[j]
		})
	}

	var perm Permutation
	sortReady()
	for len(ready) > 0 {
		sortReady()
		next := ready[0]
		ready = ready[1:]
		perm = append(perm, next)

		for _, dependent := range dependents[next] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}

	return perm
}

// Permutation is a total order over the filter set.
type Permutation []string

// Index returns the position of name in the permutation, or -1.
func (p Permutation) Index(name string) int {
	for i, n := range p {
		if n == name {
			return i
		}
	}
	return -1
}

// Clone returns a copy of the permutation.
func (p Permutation) Clone() Permutation {
	out := make(Permutation, len(p))
	copy(out, p)
	return out
}

// Respects reports whether p is a valid linear extension of g's partial
// order (§4.F "Safety": every proposed permutation must be verified
// before being adopted).
func (p Permutation) Respects(g *Graph) bool {
	if len(p) != g.Len() {
		return false
	}
	seen := make(map[string]bool, len(p))
	for _, name := range p {
		if g.specs[name] == nil || seen[name] {
			return false
		}
		seen[name] = true
	}
	for i, u := range p {
		for _, v := range p[i+1:] {
			if g.MustPrecede(v, u) {
				return false
			}
		}
	}
	return true
}
