// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package diamond

import "sort"

// AttrSigPair is one (name, attribute-signature) pair, canonicalized for
// hashing by sorting the owning AttrSigSet on Name.
type AttrSigPair struct {
	Name string
	Sig  Signature
}

// AttrSigSet is an unordered set of (name, attr-sig) pairs: either the
// "input" set a filter read, or the "output" set a filter wrote.
type AttrSigSet struct {
	pairs []AttrSigPair
}

// NewAttrSigSet builds a set from the given pairs, deduplicating by name
// (last write wins, matching the object store's own semantics).
func NewAttrSigSet(pairs ...AttrSigPair) AttrSigSet {
	byName := make(map[string]Signature, len(pairs))
	for _, p := range pairs {
		byName[p.Name] = p.Sig
	}
	set := AttrSigSet{pairs: make([]AttrSigPair, 0, len(byName))}
	for name, sig := range byName {
		set.pairs = append(set.pairs, AttrSigPair{Name: name, Sig: sig})
	}
	set.sort()
	return set
}

func (s *AttrSigSet) sort() {
	sort.Slice(s.pairs, func(i, j int) bool { return s.pairs[i].Name < s.pairs[j].Name })
}

// Pairs returns the canonical (name-sorted) pairs in the set.
func (s AttrSigSet) Pairs() []AttrSigPair {
	return s.pairs
}

// Len returns the number of pairs in the set.
func (s AttrSigSet) Len() int {
	return len(s.pairs)
}

// Sig returns the signature of the set's canonical serialization.
func (s AttrSigSet) Sig() Signature {
	h := newSigHasher()
	for _, p := range s.pairs {
		h.writeString(p.Name)
		h.writeBytes(p.Sig[:])
	}
	return h.sign()
}

// sig returns the individual pair's own signature, used when a set needs
// to be checked member-by-member rather than as a whole.
func (p AttrSigPair) sig() Signature {
	return SignStrings(p.Name, string(p.Sig[:]))
}

// IsSubsetOf reports whether every pair in s also appears in other, which
// is the correctness condition for stage-1 cache replay (§4.E): an entry's
// input-attr-set must be a subset of the query's current-attrs.
func (s AttrSigSet) IsSubsetOf(other AttrSigSet) bool {
	if s.Len() == 0 {
		return true
	}
	index := make(map[string]Signature, other.Len())
	for _, p := range other.pairs {
		index[p.Name] = p.Sig
	}
	for _, p := range s.pairs {
		sig, ok := index[p.Name]
		if !ok || sig != p.Sig {
			return false
		}
	}
	return true
}

// Union returns a new set containing the pairs of both s and other; on a
// name collision the value from other wins (used to extend current_attrs
// with a cache hit's output set).
func (s AttrSigSet) Union(other AttrSigSet) AttrSigSet {
	merged := make([]AttrSigPair, 0, s.Len()+other.Len())
	merged = append(merged, s.pairs...)
	merged = append(merged, other.pairs...)
	return NewAttrSigSet(merged...)
}

type sigHasher struct {
	parts []string
}

func newSigHasher() *sigHasher {
	return &sigHasher{}
}

func (h *sigHasher) writeString(s string) {
	h.parts = append(h.parts, s)
}

func (h *sigHasher) writeBytes(b []byte) {
	h.parts = append(h.parts, string(b))
}

func (h *sigHasher) sign() Signature {
	return SignStrings(h.parts...)
}
