// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package filterdag

import (
	"math/rand"
	"sync"
)

// Policy chooses filter evaluation orderings to minimize expected cost,
// subject to the DAG's partial order (§4.F "Optimizer policies"). It is
// represented as a small interface rather than an inheritance hierarchy,
// per the redesign notes in spec.md §9.
type Policy interface {
	// Name identifies the policy, e.g. "static" or "hill-climb".
	Name() string
	// NextTrial proposes the permutation the executor should use for the
	// next object, given the graph and the stats gathered so far.
	NextTrial(g *Graph, stats *Stats, current Permutation) Permutation
}

// StaticPolicy never changes the initial order.
type StaticPolicy struct{}

// Name implements Policy.
func (StaticPolicy) Name() string { return "static" }

// NextTrial implements Policy.
func (StaticPolicy) NextTrial(g *Graph, stats *Stats, current Permutation) Permutation {
	return current
}

// RandomPolicy resamples a uniformly random linear extension of the
// partial order periodically.
type RandomPolicy struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandomPolicy creates a RandomPolicy seeded with seed.
func NewRandomPolicy(seed int64) *RandomPolicy {
	return &RandomPolicy{rng: rand.New(rand.NewSource(seed))}
}

// Name implements Policy.
func (*RandomPolicy) Name() string { return "random" }

// NextTrial implements Policy.
func (p *RandomPolicy) NextTrial(g *Graph, stats *Stats, current Permutation) Permutation {
	p.mu.Lock()
	defer p.mu.Unlock()

	remaining := make(map[string]bool, g.Len())
	for _, name := range g.Names() {
		remaining[name] = true
	}

	var perm Permutation
	for len(remaining) > 0 {
		var ready []string
		for name := range remaining {
			blocked := false
			for dep := range remaining {
				if dep != name && g.MustPrecede(dep, name) {
					blocked = true
					break
				}
			}
			if !blocked {
				ready = append(ready, name)
			}
		}
		pick := ready[p.rng.Intn(len(ready))]
		perm = append(perm, pick)
		delete(remaining, pick)
	}
	return perm
}

// HillClimbPolicy repeatedly considers pairwise swaps of adjacent,
// incomparable filters and accepts any that lower estimated cost,
// stopping at a local minimum and periodically restarting from the
// initial permutation to escape stale local minima.
type HillClimbPolicy struct {
	mu      sync.Mutex
	steps   int
	restart int
}

// NewHillClimbPolicy creates a HillClimbPolicy that restarts from the
// initial permutation every restartEvery steps (0 disables restarts).
func NewHillClimbPolicy(restartEvery int) *HillClimbPolicy {
	return &HillClimbPolicy{restart: restartEvery}
}

// Name implements Policy.
func (*HillClimbPolicy) Name() string { return "hill-climb" }

// NextTrial implements Policy.
func (p *HillClimbPolicy) NextTrial(g *Graph, stats *Stats, current Permutation) Permutation {
	p.mu.Lock()
	p.steps++
	if p.restart > 0 && p.steps%p.restart == 0 {
		p.mu.Unlock()
		return g.InitialPermutation()
	}
	p.mu.Unlock()

	best := current.Clone()
	bestCost := stats.EstimateCost(best)

	improved := true
	for improved {
		improved = false
		for i := 0; i+1 < len(best); i++ {
			if g.Comparable(best[i], best[i+1]) {
				continue
			}
			candidate := best.Clone()
			candidate[i], candidate[i+1] = candidate[i+1], candidate[i]
			if !candidate.Respects(g) {
				continue
			}
			cost := stats.EstimateCost(candidate)
			if cost < bestCost {
				best = candidate
				bestCost = cost
				improved = true
			}
		}
	}
	return best
}

// IndepPolicy assumes filters are pairwise independent (an empty prefix
// context for every pass-rate lookup) and sorts by selectivity/cost
// ratio subject to the partial order, a cheaper approximation of
// best-first for the independent case (§4.F "indep").
type IndepPolicy struct{}

// Name implements Policy.
func (IndepPolicy) Name() string { return "indep" }

// NextTrial implements Policy.
func (IndepPolicy) NextTrial(g *Graph, stats *Stats, current Permutation) Permutation {
	score := func(name string) float64 {
		mean := stats.MeanTime(name)
		if mean <= 0 {
			mean = 1
		}
		return stats.PassRate(name, nil) / mean
	}

	perm := current.Clone()
	topoStableSort(perm, g, func(a, b string) bool { return score(a) < score(b) })
	return perm
}

// BestFirstPolicy builds a permutation greedily, one position at a time:
// among the filters whose prerequisites are already placed, it picks the
// one that drops the largest share of objects per unit of mean eval time,
// using the pass rate measured under the prefix placed so far. A
// candidate with fewer than FSTATSValidNum recorded runs is placed next
// instead, so the executor's measurement fills the gap (§4.F
// "Request-for-data contract"). It keeps no priority queue of partial
// permutations and computes no cost bound.
type BestFirstPolicy struct{}

// Name implements Policy.
func (BestFirstPolicy) Name() string { return "best-first" }

// NextTrial implements Policy.
func (BestFirstPolicy) NextTrial(g *Graph, stats *Stats, current Permutation) Permutation {
	remaining := make(map[string]bool, g.Len())
	for _, name := range g.Names() {
		remaining[name] = true
	}

	var perm Permutation
	for len(remaining) > 0 {
		var bestName string
		bestScore := -1.0
		for name := range remaining {
			blocked := false
			for dep := range remaining {
				if dep != name && g.MustPrecede(dep, name) {
					blocked = true
					break
				}
			}
			if blocked {
				continue
			}

			if stats.Snapshot(name).Called < FSTATSValidNum {
				// Needs samples here: surface this node as the frontier
				// by preferring it immediately.
				bestName = name
				bestScore = -1
				break
			}

			mean := stats.MeanTime(name)
			if mean <= 0 {
				mean = 1
			}
			score := (1 - stats.PassRate(name, perm)) / mean
			if score > bestScore {
				bestScore = score
				bestName = name
			}
		}
		perm = append(perm, bestName)
		delete(remaining, bestName)
	}
	return perm
}

// topoStableSort sorts names by less while never violating g's partial
// order: it performs a stable insertion respecting precedence
// constraints rather than a plain sort.Slice, which could produce an
// invalid linear extension.
func topoStableSort(names []string, g *Graph, less func(a, b string) bool) {
	for i := 1; i < len(names); i++ {
		j := i
		for j > 0 && less(names[j], names[j-1]) && !g.MustPrecede(names[j-1], names[j]) {
			names[j], names[j-1] = names[j-1], names[j]
			j--
		}
	}
}
