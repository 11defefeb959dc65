// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package filterrun

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Pool holds one live Runner per filter name, kept across searches until
// CloseAll, spawning a child lazily on first use (§4.D "On first use of a
// filter in a search, the engine spawns a runner process"). Adapted from
// the teacher's connection-pool idiom (get-or-add under a single lock,
// keyed lookup, an explicit Remove).
type Pool struct {
	log    *zap.Logger
	spawn  func(spec *Spec) Spawner
	mu     sync.RWMutex
	items  map[string]*Runner
}

// NewPool creates an empty runner pool. spawn builds a Spawner for a
// given filter spec; production code wires this to the subprocess
// launcher, tests wire it to an in-memory pipe.
func NewPool(log *zap.Logger, spawn func(spec *Spec) Spawner) *Pool {
	return &Pool{
		log:   log,
		spawn: spawn,
		items: make(map[string]*Runner),
	}
}

// Get returns the pool's Runner for spec, spawning and handshaking a new
// one if this is the first use. A spawn failure is fatal to search start
// per §7 ("Runner init failure ... Fatal to search start").
func (p *Pool) Get(ctx context.Context, spec *Spec) (*Runner, error) {
	p.mu.RLock()
	runner, ok := p.items[spec.Name]
	p.mu.RUnlock()
	if ok && !runner.Faulted() {
		return runner, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if runner, ok := p.items[spec.Name]; ok && !runner.Faulted() {
		return runner, nil
	}

	runner = NewRunner(p.log, spec, p.spawn(spec))
	if err := runner.Start(ctx); err != nil {
		return nil, err
	}
	p.items[spec.Name] = runner
	return runner, nil
}

// Remove tears down and forgets the runner for a filter name, so the
// next Get respawns it. Nothing in the engine calls it: Get already
// replaces a faulted runner with a fresh one.
func (p *Pool) Remove(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if runner, ok := p.items[name]; ok {
		_ = runner.Close()
		delete(p.items, name)
	}
}

// CloseAll calls Fini on every live runner and tears down the pool.
// wire.Session.Close calls it when a control connection ends;
// device_stop does not, so runners stay warm between searches.
func (p *Pool) CloseAll(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for name, runner := range p.items {
		if err := runner.Fini(ctx); err != nil {
			p.log.Warn("fini failed", zap.String("filter", name), zap.Error(err))
		}
		_ = runner.Close()
	}
	p.items = make(map[string]*Runner)
}
