// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package pipeline_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"diamond.io/diamond/pkg/diamond"
	"diamond.io/diamond/pkg/filterdag"
	"diamond.io/diamond/pkg/filterrun"
	"diamond.io/diamond/pkg/object"
	"diamond.io/diamond/pkg/objectsource"
	"diamond.io/diamond/pkg/pipeline"
	"diamond.io/diamond/pkg/resultcache"
)

// stubSource is a pipeline.Source backed by a fixed list of refs and a
// fixed body, counting how many times FetchBody is actually called.
type stubSource struct {
	mu   sync.Mutex
	refs []objectsource.ObjectRef
	idx  int
	body []byte

	fetches int32
}

func (s *stubSource) Next(ctx context.Context) (objectsource.ObjectRef, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idx >= len(s.refs) {
		return objectsource.ObjectRef{}, false, nil
	}
	ref := s.refs[s.idx]
	s.idx++
	return ref, true, nil
}

func (s *stubSource) FetchBody(ctx context.Context, ref objectsource.ObjectRef) ([]byte, error) {
	atomic.AddInt32(&s.fetches, 1)
	return s.body, nil
}

func (s *stubSource) fetchCount() int32 {
	return atomic.LoadInt32(&s.fetches)
}

func objSigFor(url string) diamond.Signature {
	return diamond.SignBytes([]byte(url))
}

func newCache(t *testing.T) *resultcache.Store {
	t.Helper()
	cache, err := resultcache.Open(zaptest.NewLogger(t), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })
	return cache
}

// TestExecutor_PrimesBodyOnlyOnFirstEncounter exercises the priming fix:
// an object's body must be fetched once, eagerly, to capture its
// freshly-fetched initial attribute set, and never refetched for that
// purpose on a later encounter of the same URL.
func TestExecutor_PrimesBodyOnlyOnFirstEncounter(t *testing.T) {
	graph, err := filterdag.Build(nil)
	require.NoError(t, err)
	driver := filterdag.NewDriver(graph, filterdag.StaticPolicy{})
	cache := newCache(t)
	qa := resultcache.NewQueryAttrs()

	ref := objectsource.ObjectRef{URL: "http://example.org/a"}
	src := &stubSource{refs: []objectsource.ObjectRef{ref, ref}, body: []byte("hello")}

	exec := pipeline.New(zaptest.NewLogger(t), graph, driver, nil, cache, qa, src, pipeline.Config{QueryID: "q1"}, 4)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, exec.Run(ctx))
	assert.EqualValues(t, 1, src.fetchCount(), "body should be fetched once across both encounters of the same URL")

	objSig := objSigFor(ref.URL)
	known, ok, err := cache.Known(ctx, objSig)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, known.Len(), "initial_attrs should record exactly the body attribute")
}

// TestExecutor_StageOneCacheHitSkipsRunner seeds the cache with an entry
// whose input is exactly the primed initial set, so that both encounters
// of the object resolve entirely via stage-1 lookups and never need the
// filter runner pool.
func TestExecutor_StageOneCacheHitSkipsRunner(t *testing.T) {
	spec := &filterrun.Spec{Name: "colorize", EvalSymbol: "f_eval", Threshold: 50}
	graph, err := filterdag.Build([]*filterrun.Spec{spec})
	require.NoError(t, err)
	driver := filterdag.NewDriver(graph, filterdag.StaticPolicy{})
	cache := newCache(t)
	qa := resultcache.NewQueryAttrs()

	body := []byte("hello")
	bodySig := diamond.SignBytes(body)
	ref := objectsource.ObjectRef{URL: "http://example.org/b"}
	objSig := objSigFor(ref.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	input := diamond.NewAttrSigSet(diamond.AttrSigPair{Name: object.BodyAttr, Sig: bodySig})
	output := diamond.NewAttrSigSet(diamond.AttrSigPair{Name: "color", Sig: diamond.SignBytes([]byte("red"))})
	require.NoError(t, cache.InsertEntry(ctx, objSig, spec.Sig(), input, output, 80))

	src := &stubSource{refs: []objectsource.ObjectRef{ref, ref}, body: body}
	exec := pipeline.New(zaptest.NewLogger(t), graph, driver, nil, cache, qa, src, pipeline.Config{QueryID: "q1"}, 4)

	require.NoError(t, exec.Run(ctx))
	assert.EqualValues(t, 1, src.fetchCount(), "cached filter result needs no runner, and no second body fetch")

	// Each encounter passes, so the object is emitted once per encounter.
	for i := 0; i < 2; i++ {
		select {
		case obj := <-exec.Blast():
			assert.Equal(t, objSig, obj.Sig())
		case <-time.After(time.Second):
			t.Fatal("expected an object on the blast channel")
		}
	}
	select {
	case obj, ok := <-exec.Blast():
		assert.False(t, ok, "blast channel should be closed after Run returns, got %v", obj)
	case <-time.After(time.Second):
		t.Fatal("blast channel was not closed")
	}
}

// TestExecutor_StageOneDropsOnLowVerdict verifies an object whose cached
// verdict fails the filter's threshold is dropped before stage 2, never
// reaching the blast channel or the Reexecute registry.
func TestExecutor_StageOneDropsOnLowVerdict(t *testing.T) {
	spec := &filterrun.Spec{Name: "colorize", EvalSymbol: "f_eval", Threshold: 50}
	graph, err := filterdag.Build([]*filterrun.Spec{spec})
	require.NoError(t, err)
	driver := filterdag.NewDriver(graph, filterdag.StaticPolicy{})
	cache := newCache(t)
	qa := resultcache.NewQueryAttrs()

	body := []byte("hello")
	bodySig := diamond.SignBytes(body)
	ref := objectsource.ObjectRef{URL: "http://example.org/c"}
	objSig := objSigFor(ref.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	input := diamond.NewAttrSigSet(diamond.AttrSigPair{Name: object.BodyAttr, Sig: bodySig})
	require.NoError(t, cache.InsertEntry(ctx, objSig, spec.Sig(), input, diamond.AttrSigSet{}, 10))

	src := &stubSource{refs: []objectsource.ObjectRef{ref}, body: body}
	exec := pipeline.New(zaptest.NewLogger(t), graph, driver, nil, cache, qa, src, pipeline.Config{QueryID: "q1"}, 4)

	require.NoError(t, exec.Run(ctx))

	select {
	case obj, ok := <-exec.Blast():
		assert.False(t, ok, "dropped object must not reach blast, got %v", obj)
	case <-time.After(time.Second):
		t.Fatal("blast channel was not closed")
	}

	_, err = exec.Reexecute(ctx, objSig)
	assert.Error(t, err, "a dropped object was never registered for reexecution")
}

func TestExecutor_ReexecuteUnknownObjectErrors(t *testing.T) {
	graph, err := filterdag.Build(nil)
	require.NoError(t, err)
	driver := filterdag.NewDriver(graph, filterdag.StaticPolicy{})
	cache := newCache(t)
	qa := resultcache.NewQueryAttrs()
	src := &stubSource{}

	exec := pipeline.New(zaptest.NewLogger(t), graph, driver, nil, cache, qa, src, pipeline.Config{QueryID: "q1"}, 4)

	_, err = exec.Reexecute(context.Background(), diamond.SignBytes([]byte("never-seen")))
	assert.Error(t, err)
}
