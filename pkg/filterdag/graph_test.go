// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package filterdag_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"diamond.io/diamond/pkg/filterdag"
	"diamond.io/diamond/pkg/filterrun"
)

func spec(name string, requires ...string) *filterrun.Spec {
	return &filterrun.Spec{Name: name, Threshold: 1, EvalSymbol: "eval", InitSymbol: "init", FiniSymbol: "fini", Requires: requires}
}

func TestBuild_RejectsCycle(t *testing.T) {
	_, err := filterdag.Build([]*filterrun.Spec{
		spec("a", "b"),
		spec("b", "a"),
	})
	assert.Error(t, err)
}

func TestBuild_RejectsMissingDependency(t *testing.T) {
	_, err := filterdag.Build([]*filterrun.Spec{spec("a", "ghost")})
	assert.Error(t, err)
}

func TestInitialPermutation_RespectsDependencies(t *testing.T) {
	g, err := filterdag.Build([]*filterrun.Spec{
		spec("f_big", "f_small"),
		spec("f_small"),
	})
	require.NoError(t, err)

	perm := g.InitialPermutation()
	assert.Less(t, perm.Index("f_small"), perm.Index("f_big"))
	assert.True(t, perm.Respects(g))
}

func TestEmptyFilterSet_EveryObjectPasses(t *testing.T) {
	g, err := filterdag.Build(nil)
	require.NoError(t, err)
	perm := g.InitialPermutation()
	assert.Empty(t, perm)
}

func TestPermutation_RespectsRejectsOutOfOrder(t *testing.T) {
	g, err := filterdag.Build([]*filterrun.Spec{
		spec("f_big", "f_small"),
		spec("f_small"),
	})
	require.NoError(t, err)

	bad := filterdag.Permutation{"f_big", "f_small"}
	assert.False(t, bad.Respects(g))
}
