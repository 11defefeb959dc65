// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package filterdag_test

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"diamond.io/diamond/pkg/filterdag"
	"diamond.io/diamond/pkg/filterrun"
)

// TestHillClimb_NeverViolatesPartialOrder covers S3: over many
// reconsiderations with a REQUIRES constraint, every adopted permutation
// must keep f_small before f_big.
func TestHillClimb_NeverViolatesPartialOrder(t *testing.T) {
	g, err := filterdag.Build([]*filterrun.Spec{
		spec("f_big", "f_small"),
		spec("f_small"),
	})
	require.NoError(t, err)

	driver := filterdag.NewDriver(g, filterdag.NewHillClimbPolicy(50))
	rng := rand.New(rand.NewSource(1))

	for i := 0; i < 1000; i++ {
		perm := driver.Current()
		assert.Less(t, perm.Index("f_small"), perm.Index("f_big"))

		for _, filter := range perm {
			passed := rng.Float64() < 0.5
			driver.Stats().Record(filter, nil, passed, int64(rng.Intn(1000)))
		}
		driver.Reconsider()
	}
}

// TestHillClimb_PrefersMoreSelectiveFirst covers S6: given two
// incomparable filters with equal cost and selectivities 0.1 and 0.9, the
// optimizer converges on running the more selective one first and does
// not subsequently oscillate.
func TestHillClimb_PrefersMoreSelectiveFirst(t *testing.T) {
	g, err := filterdag.Build([]*filterrun.Spec{
		spec("selective"),
		spec("loose"),
	})
	require.NoError(t, err)

	driver := filterdag.NewDriver(g, filterdag.NewHillClimbPolicy(0))

	// feed enough samples for both orderings' contexts to be trusted.
	feed := func(filter string, prefix []string, passRate float64, n int) {
		for i := 0; i < n; i++ {
			driver.Stats().Record(filter, prefix, i < int(passRate*float64(n)), 100)
		}
	}
	feed("selective", nil, 0.1, 20)
	feed("loose", nil, 0.9, 20)
	feed("loose", []string{"selective"}, 0.9, 20)
	feed("selective", []string{"loose"}, 0.1, 20)

	var last filterdag.Permutation
	for i := 0; i < 50; i++ {
		driver.Reconsider()
		perm := driver.Current()
		if i > 10 {
			if last != nil {
				assert.Equal(t, last, perm, "must not oscillate once converged")
			}
			last = perm
		}
	}

	final := driver.Current()
	assert.Less(t, final.Index("selective"), final.Index("loose"))
}

func TestRandomPolicy_AlwaysValidExtension(t *testing.T) {
	g, err := filterdag.Build([]*filterrun.Spec{
		spec("c", "b"),
		spec("b", "a"),
		spec("a"),
		spec("d"),
	})
	require.NoError(t, err)

	policy := filterdag.NewRandomPolicy(7)
	for i := 0; i < 200; i++ {
		perm := policy.NextTrial(g, filterdag.NewStats(g.Names()), g.InitialPermutation())
		assert.True(t, perm.Respects(g))
	}
}

func TestStaticPolicy_NeverChanges(t *testing.T) {
	g, err := filterdag.Build([]*filterrun.Spec{spec("a"), spec("b")})
	require.NoError(t, err)

	driver := filterdag.NewDriver(g, filterdag.StaticPolicy{})
	initial := driver.Current()
	driver.Stats().Record("a", nil, false, 1)
	driver.Reconsider()
	assert.Equal(t, initial, driver.Current())
}
