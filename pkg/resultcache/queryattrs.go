// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package resultcache

import (
	"sync"

	"diamond.io/diamond/pkg/diamond"
)

// QueryAttrs holds the `current_attrs` table of spec §4.E: an
// in-memory set of attribute signatures, scoped to one running search
// and one object within it, that grows as stage-1 hits accumulate
// attributes a filter "would have produced". It is never persisted.
type QueryAttrs struct {
	mu  sync.Mutex
	sig map[string]diamond.AttrSigSet // queryID -> current set
}

// NewQueryAttrs creates an empty QueryAttrs tracker.
func NewQueryAttrs() *QueryAttrs {
	return &QueryAttrs{sig: make(map[string]diamond.AttrSigSet)}
}

// Seed sets queryID's current attribute set, overwriting any prior
// value. Used for priming at the start of evaluating a fresh object
// (spec §4.E "Priming").
func (q *QueryAttrs) Seed(queryID string, set diamond.AttrSigSet) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.sig[queryID] = set
}

// Get returns queryID's current attribute set, or an empty set if
// unseeded.
func (q *QueryAttrs) Get(queryID string) diamond.AttrSigSet {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sig[queryID]
}

// Extend unions add into queryID's current attribute set, as a
// stage-1 cache hit's output attributes are folded in (spec §4.E
// "Stage-1 lookup").
func (q *QueryAttrs) Extend(queryID string, add diamond.AttrSigSet) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.sig[queryID] = q.sig[queryID].Union(add)
}

// Drop discards queryID's current attribute set, once that object's
// evaluation (or the whole search) is finished.
func (q *QueryAttrs) Drop(queryID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.sig, queryID)
}
