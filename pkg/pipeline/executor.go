// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package pipeline wires together object, filterrun, resultcache, and
// filterdag into the two-stage per-object executor of spec.md §4.G:
// a cache-only stage-1 walk followed by a stage-2 actual-evaluation
// walk, feeding per-object statistics back to the optimizer.
package pipeline

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"diamond.io/diamond/pkg/diamond"
	"diamond.io/diamond/pkg/filterdag"
	"diamond.io/diamond/pkg/filterrun"
	"diamond.io/diamond/pkg/object"
	"diamond.io/diamond/pkg/objectsource"
	"diamond.io/diamond/pkg/resultcache"
)

// Error is the class for all pipeline errors.
var Error = errs.Class("pipeline")

// Source is the subset of objectsource.Source the executor pulls
// from; narrowed to an interface so tests can substitute a stub.
type Source interface {
	Next(ctx context.Context) (objectsource.ObjectRef, bool, error)
	FetchBody(ctx context.Context, ref objectsource.ObjectRef) ([]byte, error)
}

// Config tunes the executor's optional behaviors.
type Config struct {
	// QueryID scopes this search's current_attrs tracking and cache
	// reads/writes (spec.md §4.E, §5 "current_attrs is partitioned by
	// query_id").
	QueryID string
	// BypassRate independently samples a fraction of objects to skip
	// a filter for unbiased selectivity measurement (spec.md §4.G
	// "Bypass"). Zero disables bypass sampling entirely.
	BypassRate float64
}

// Executor runs the per-object pipeline for one search.
type Executor struct {
	log    *zap.Logger
	graph  *filterdag.Graph
	driver *filterdag.Driver
	pool   *filterrun.Pool
	cache  *resultcache.Store
	qa     *resultcache.QueryAttrs
	source Source
	config Config
	sess   *SessionVars

	rngMu sync.Mutex
	rng   *rand.Rand

	blast chan *object.Object

	objectsMu sync.Mutex
	objects   map[diamond.Signature]*object.Object
}

// New creates an Executor. blastBuffer sizes the output channel
// (spec.md §5 "blast queue").
func New(log *zap.Logger, graph *filterdag.Graph, driver *filterdag.Driver, pool *filterrun.Pool, cache *resultcache.Store, qa *resultcache.QueryAttrs, source Source, config Config, blastBuffer int) *Executor {
	return &Executor{
		log:     log,
		graph:   graph,
		driver:  driver,
		pool:    pool,
		cache:   cache,
		qa:      qa,
		source:  source,
		config:  config,
		sess:    NewSessionVars(),
		rng:     rand.New(rand.NewSource(1)),
		blast:   make(chan *object.Object, blastBuffer),
		objects: make(map[diamond.Signature]*object.Object),
	}
}

// Blast returns the channel of objects that survived every filter,
// for the object blast dispatcher (spec.md §4.H "get_object").
func (e *Executor) Blast() <-chan *object.Object {
	return e.blast
}

// SessionVars returns the per-search session-variable dictionary, for
// the control channel's session_variables_get/set handlers (spec.md
// §4.H).
func (e *Executor) SessionVars() *SessionVars {
	return e.sess
}

// Stats returns the driver's statistics table, for request_stats
// (spec.md §4.H).
func (e *Executor) Stats() *filterdag.Stats {
	return e.driver.Stats()
}

// Run pulls objects from the source until it is exhausted or ctx is
// cancelled, running each through the pipeline. It closes the blast
// channel when done.
func (e *Executor) Run(ctx context.Context) error {
	defer close(e.blast)

	for {
		ref, ok, err := e.source.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		if err := e.processOne(ctx, ref); err != nil && e.log != nil {
			e.log.Warn("object evaluation failed", zap.String("url", ref.URL), zap.Error(err))
		}
	}
}

// processOne runs one object through stage 1 and, if needed, stage 2,
// and feeds its outcome to the optimizer (spec.md §4.G steps 1-5).
func (e *Executor) processOne(ctx context.Context, ref objectsource.ObjectRef) error {
	objSig := diamond.SignBytes([]byte(ref.URL))
	obj := object.New(objSig)

	// Priming (spec.md §4.E "Priming"): a never-before-seen object
	// must actually be fetched to capture its "freshly-fetched"
	// attribute set (including its body); a previously-seen object's
	// initial set is already on file and its body need not be
	// refetched until stage 2 actually needs it.
	var bodyFetched bool
	primed, known, err := e.cache.Known(ctx, objSig)
	if err != nil {
		return Error.Wrap(err)
	}
	if !known {
		body, err := e.source.FetchBody(ctx, ref)
		if err != nil {
			return Error.Wrap(err)
		}
		obj.WriteAttr(object.BodyAttr, body)
		bodyFetched = true

		primed, err = e.cache.PrimeInitialAttrs(ctx, objSig, obj.AllSigSet())
		if err != nil {
			return Error.Wrap(err)
		}
	}
	e.qa.Seed(e.config.QueryID, primed)
	defer e.qa.Drop(e.config.QueryID)

	perm := e.driver.Current()

	decided := make(map[string]bool, len(perm))
	var evalStart int // index in perm where stage 2 must begin
	dropped := false
	var totalElapsed time.Duration

	// Stage 1: cache-only walk.
	for i, name := range perm {
		current := e.qa.Get(e.config.QueryID)
		spec := e.graph.Spec(name)
		hitVerdict, output, found, err := e.cache.Lookup(ctx, objSig, spec.Sig(), current)
		if err != nil {
			return Error.Wrap(err)
		}
		if !found {
			evalStart = i
			break
		}
		decided[name] = true
		e.qa.Extend(e.config.QueryID, output)
		if !spec.PassesThreshold(hitVerdict) {
			dropped = true
			break
		}
		evalStart = i + 1
	}

	if !dropped {
		for i := evalStart; i < len(perm); i++ {
			name := perm[i]
			if decided[name] {
				continue
			}
			spec := e.graph.Spec(name)

			if e.bypassed(name) {
				continue
			}

			if !bodyFetched {
				body, err := e.source.FetchBody(ctx, ref)
				if err != nil {
					return Error.Wrap(err)
				}
				obj.WriteAttr(object.BodyAttr, body)
				bodyFetched = true
			}

			runner, err := e.pool.Get(ctx, spec)
			if err != nil {
				return Error.Wrap(err)
			}

			start := time.Now()
			result, err := runner.Eval(ctx, obj, e.sess)
			elapsed := time.Since(start)

			if err != nil {
				// A child exit or framing error during eval is a filter
				// failure: drop the object (spec.md §4.D "Fault handling").
				e.driver.Stats().Record(name, permPrefix(perm, i), false, elapsed.Nanoseconds())
				dropped = true
				break
			}

			passed := spec.PassesThreshold(result.Verdict)
			e.driver.Stats().Record(name, permPrefix(perm, i), passed, elapsed.Nanoseconds())

			if err := e.cache.InsertEntry(ctx, objSig, spec.Sig(), result.Input, result.Output, result.Verdict); err != nil {
				return Error.Wrap(err)
			}
			e.qa.Extend(e.config.QueryID, result.Output)

			totalElapsed += elapsed
			obj.WriteFilterTime(name, elapsed.Nanoseconds())

			if !passed {
				dropped = true
				break
			}
		}
	}

	e.driver.Reconsider()

	if dropped {
		return nil
	}

	obj.WriteTotalTime(totalElapsed.Nanoseconds())

	e.objectsMu.Lock()
	e.objects[objSig] = obj
	e.objectsMu.Unlock()

	select {
	case e.blast <- obj:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// bypassed implements spec.md §4.G "Bypass": independently sampling a
// configurable fraction of objects to skip a filter, for unbiased
// selectivity measurement.
func (e *Executor) bypassed(name string) bool {
	if e.config.BypassRate <= 0 {
		return false
	}
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return e.rng.Float64() < e.config.BypassRate
}

// permPrefix returns the filters preceding index i in perm, for
// context-scoped pass-rate tracking (spec.md §4.F).
func permPrefix(perm filterdag.Permutation, i int) []string {
	if i == 0 {
		return nil
	}
	out := make([]string, i)
	copy(out, perm[:i])
	return out
}

// Reexecute implements spec.md §4.G "Reexecute": re-runs the full
// filter chain against a previously-seen object, ignoring stage-1
// hits entirely, and returns the resulting attribute set.
func (e *Executor) Reexecute(ctx context.Context, objSig diamond.Signature) (diamond.AttrSigSet, error) {
	e.objectsMu.Lock()
	obj, ok := e.objects[objSig]
	e.objectsMu.Unlock()
	if !ok {
		return diamond.AttrSigSet{}, Error.New("unknown object %s", objSig)
	}

	perm := e.driver.Current()
	for _, name := range perm {
		spec := e.graph.Spec(name)
		runner, err := e.pool.Get(ctx, spec)
		if err != nil {
			return diamond.AttrSigSet{}, Error.Wrap(err)
		}

		result, err := runner.Eval(ctx, obj, e.sess)
		if err != nil {
			return diamond.AttrSigSet{}, Error.Wrap(err)
		}
		if err := e.cache.InsertEntry(ctx, objSig, spec.Sig(), result.Input, result.Output, result.Verdict); err != nil {
			return diamond.AttrSigSet{}, Error.Wrap(err)
		}
		if !spec.PassesThreshold(result.Verdict) {
			break
		}
	}

	return obj.AllSigSet(), nil
}
