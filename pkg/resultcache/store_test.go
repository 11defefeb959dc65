// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package resultcache_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"diamond.io/diamond/pkg/diamond"
	"diamond.io/diamond/pkg/resultcache"
)

func openStore(t *testing.T) *resultcache.Store {
	s, err := resultcache.Open(zaptest.NewLogger(t), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, s.Close()) })
	return s
}

func pair(name, val string) diamond.AttrSigPair {
	return diamond.AttrSigPair{Name: name, Sig: diamond.SignBytes([]byte(val))}
}

func TestLookup_MissOnEmptyCache(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	objectSig := diamond.SignBytes([]byte("object-1"))
	filterSig := diamond.SignBytes([]byte("filter-1"))
	current := diamond.NewAttrSigSet(pair("body", "hello"))

	_, _, found, err := s.Lookup(ctx, objectSig, filterSig, current)
	require.NoError(t, err)
	assert.False(t, found)
}

// TestLookup_SubsetHit covers S1/S2 from spec.md §8: a second object
// sharing identical attribute signatures gets its verdict from the
// cache on stage 1 without the filter running again.
func TestLookup_SubsetHit(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	objectSig := diamond.SignBytes([]byte("object-1"))
	filterSig := diamond.SignBytes([]byte("filter-1"))

	input := diamond.NewAttrSigSet(pair("body", "hello"))
	output := diamond.NewAttrSigSet(pair("has_red", "true"))
	require.NoError(t, s.InsertEntry(ctx, objectSig, filterSig, input, output, 1.0))

	// current_attrs is a strict superset of the entry's input set.
	current := diamond.NewAttrSigSet(pair("body", "hello"), pair("unrelated", "x"))

	verdict, gotOutput, found, err := s.Lookup(ctx, objectSig, filterSig, current)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 1.0, verdict)
	assert.True(t, gotOutput.IsSubsetOf(output) && output.IsSubsetOf(gotOutput))
}

func TestLookup_NoMatchWhenInputNotSubset(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	objectSig := diamond.SignBytes([]byte("object-1"))
	filterSig := diamond.SignBytes([]byte("filter-1"))

	input := diamond.NewAttrSigSet(pair("body", "hello"))
	output := diamond.NewAttrSigSet(pair("has_red", "true"))
	require.NoError(t, s.InsertEntry(ctx, objectSig, filterSig, input, output, 1.0))

	// current_attrs has "body" with a *different* value/signature.
	current := diamond.NewAttrSigSet(pair("body", "goodbye"))

	_, _, found, err := s.Lookup(ctx, objectSig, filterSig, current)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestLookup_ScopedByObjectAndFilter(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	input := diamond.NewAttrSigSet(pair("body", "hello"))
	output := diamond.NewAttrSigSet(pair("has_red", "true"))
	require.NoError(t, s.InsertEntry(ctx, diamond.SignBytes([]byte("object-1")), diamond.SignBytes([]byte("filter-1")), input, output, 1.0))

	// Same input set, but a different object: must not match.
	_, _, found, err := s.Lookup(ctx, diamond.SignBytes([]byte("object-2")), diamond.SignBytes([]byte("filter-1")), input)
	require.NoError(t, err)
	assert.False(t, found)

	// Same input set, but a different filter: must not match.
	_, _, found, err = s.Lookup(ctx, diamond.SignBytes([]byte("object-1")), diamond.SignBytes([]byte("filter-2")), input)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestPrimeInitialAttrs_SeedsOnceThenIsStable(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	objectSig := diamond.SignBytes([]byte("object-1"))
	seed := diamond.NewAttrSigSet(pair("body", "hello"), pair("length", "5"))

	got, err := s.PrimeInitialAttrs(ctx, objectSig, seed)
	require.NoError(t, err)
	assert.Equal(t, seed.Sig(), got.Sig())

	// A second prime with a different seed must return the originally
	// recorded set, not the new seed.
	otherSeed := diamond.NewAttrSigSet(pair("body", "different"))
	got2, err := s.PrimeInitialAttrs(ctx, objectSig, otherSeed)
	require.NoError(t, err)
	assert.Equal(t, seed.Sig(), got2.Sig())
}

// TestKnown_DistinguishesNeverPrimedFromEmptySeed covers the case a
// naive "len(set) > 0" check on PrimeInitialAttrs would get wrong: an
// object whose freshly-fetched attribute set is legitimately empty must
// still read back as known on a later encounter, rather than being
// re-primed (and its body needlessly refetched) every time.
func TestKnown_DistinguishesNeverPrimedFromEmptySeed(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	objectSig := diamond.SignBytes([]byte("object-1"))

	_, known, err := s.Known(ctx, objectSig)
	require.NoError(t, err)
	assert.False(t, known)

	got, err := s.PrimeInitialAttrs(ctx, objectSig, diamond.AttrSigSet{})
	require.NoError(t, err)
	assert.Equal(t, 0, got.Len())

	existing, known, err := s.Known(ctx, objectSig)
	require.NoError(t, err)
	require.True(t, known)
	assert.Equal(t, 0, existing.Len())
}

func TestInsertEntry_DistinctInputsDoNotCollideAttrInterning(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	objectSig := diamond.SignBytes([]byte("object-1"))
	filterSig := diamond.SignBytes([]byte("filter-1"))

	input1 := diamond.NewAttrSigSet(pair("body", "aaa"))
	output1 := diamond.NewAttrSigSet(pair("verdict_reason", "short"))
	require.NoError(t, s.InsertEntry(ctx, objectSig, filterSig, input1, output1, 0.0))

	input2 := diamond.NewAttrSigSet(pair("body", "bbb"))
	output2 := diamond.NewAttrSigSet(pair("verdict_reason", "long"))
	require.NoError(t, s.InsertEntry(ctx, objectSig, filterSig, input2, output2, 1.0))

	verdict, output, found, err := s.Lookup(ctx, objectSig, filterSig, input2)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 1.0, verdict)
	assert.Equal(t, output2.Sig(), output.Sig())
}
