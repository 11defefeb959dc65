// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package filterdag

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"diamond.io/diamond/internal/sync2"
)

// Driver owns one search's current permutation and drives its adaptation
// via a Policy on a Cycle (§4.F, §5 "An optimizer-installed permutation
// takes effect on the next object boundary").
type Driver struct {
	graph  *Graph
	stats  *Stats
	policy Policy
	cycle  *sync2.Cycle

	mu      sync.RWMutex
	current Permutation
}

// NewDriver creates a Driver starting from the DAG's initial topological
// permutation.
func NewDriver(graph *Graph, policy Policy) *Driver {
	return &Driver{
		graph:   graph,
		stats:   NewStats(graph.Names()),
		policy:  policy,
		current: graph.InitialPermutation(),
	}
}

// Stats returns the driver's statistics table, for recording executor
// measurements and serving request_stats (§4.H).
func (d *Driver) Stats() *Stats {
	return d.stats
}

// Current returns the permutation in effect for objects starting now.
func (d *Driver) Current() Permutation {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.current.Clone()
}

// Reconsider asks the policy for a next trial permutation and adopts it
// if and only if it respects the partial order (§4.F "Safety"). Called
// after each object per §4.G step 5, or periodically by a background
// Cycle started with Run.
func (d *Driver) Reconsider() {
	d.mu.Lock()
	defer d.mu.Unlock()

	proposal := d.policy.NextTrial(d.graph, d.stats, d.current)
	if proposal.Respects(d.graph) {
		d.current = proposal
	}
}

// Run starts a background Cycle that periodically calls Reconsider, for
// policies (like hill-climb's restarts) that want to revisit the
// permutation even when no object is currently flowing.
func (d *Driver) Run(ctx context.Context, group *errgroup.Group, interval time.Duration) {
	d.cycle = sync2.NewCycle(interval)
	d.cycle.Start(ctx, group, func(ctx context.Context) error {
		d.Reconsider()
		return nil
	})
}

// Stop halts the background reconsideration cycle, if running.
func (d *Driver) Stop() {
	if d.cycle != nil {
		d.cycle.Stop()
	}
}
