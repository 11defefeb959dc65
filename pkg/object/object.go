// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package object implements the engine's object representation: an
// opaque body blob plus a mutable, content-signed attribute map (§3, §4.B).
package object

import (
	"sort"
	"strconv"
	"sync"

	"github.com/zeebo/errs"

	"diamond.io/diamond/pkg/diamond"
)

// Error is the class of errors returned by this package.
var Error = errs.Class("object")

// BodyAttr is the reserved, empty-string attribute name that holds an
// object's body.
const BodyAttr = ""

// FilterTimeReservedPrefix is the reserved attribute-name prefix used to
// record per-filter execution time (§4.B); writes under this prefix are
// ordinary attribute writes, just namespaced.
const FilterTimeReservedPrefix = "_FIL_TIME"

type attrValue struct {
	bytes []byte
	sig   diamond.Signature
	omit  bool
}

// Object is a reference-counted, identity-stable holder of an attribute
// map. Its identity Sig does not change; its attributes do.
type Object struct {
	mu    sync.Mutex
	sig   diamond.Signature
	attrs map[string]attrValue
	refs  int32
}

// New creates a new Object with the given identity signature (typically
// the content signature of its source URL, per §3).
func New(sig diamond.Signature) *Object {
	return &Object{
		sig:   sig,
		attrs: make(map[string]attrValue),
		refs:  1,
	}
}

// Sig returns the object's immutable identity signature.
func (o *Object) Sig() diamond.Signature {
	return o.sig
}

// Ref increments the reference count and returns the object for chaining.
func (o *Object) Ref() *Object {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.refs++
	return o
}

// Release decrements the reference count; the object is not otherwise
// pooled, but callers must stop using it once the count reaches zero to
// keep the contract symmetric with the original C implementation.
func (o *Object) Release() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.refs--
}

// Refs reports the current reference count, for tests.
func (o *Object) Refs() int32 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.refs
}

// ReadAttr returns the bytes and signature of a named attribute, or
// ok=false if it has never been written.
func (o *Object) ReadAttr(name string) (value []byte, sig diamond.Signature, ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	v, found := o.attrs[name]
	if !found {
		return nil, diamond.Signature{}, false
	}
	return v.bytes, v.sig, true
}

// WriteAttr stores bytes under name, recomputing the attribute's signature
// atomically with the value (§3 invariant).
func (o *Object) WriteAttr(name string, value []byte) diamond.Signature {
	cp := make([]byte, len(value))
	copy(cp, value)
	sig := diamond.SignBytes(cp)

	o.mu.Lock()
	defer o.mu.Unlock()
	o.attrs[name] = attrValue{bytes: cp, sig: sig}
	return sig
}

// OmitAttr marks an attribute as not-to-be-shipped to the client without
// deleting it; it reports whether the attribute existed.
func (o *Object) OmitAttr(name string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	v, ok := o.attrs[name]
	if !ok {
		return false
	}
	v.omit = true
	o.attrs[name] = v
	return true
}

// IsOmitted reports whether an attribute is marked omit.
func (o *Object) IsOmitted(name string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.attrs[name].omit
}

// AttrName is a (name, omit) pair returned by IterAttrs.
type AttrName struct {
	Name string
	Omit bool
}

// IterAttrs returns the object's attribute names in stable (sorted) order,
// so that canonical attribute-set signatures are reproducible (§4.B).
func (o *Object) IterAttrs() []AttrName {
	o.mu.Lock()
	defer o.mu.Unlock()

	names := make([]AttrName, 0, len(o.attrs))
	for name, v := range o.attrs {
		names = append(names, AttrName{Name: name, Omit: v.omit})
	}
	sort.Slice(names, func(i, j int) bool { return names[i].Name < names[j].Name })
	return names
}

// SigSet returns the canonical AttrSigSet of the given attribute names as
// currently held on the object; names that do not exist are skipped.
func (o *Object) SigSet(names ...string) diamond.AttrSigSet {
	o.mu.Lock()
	defer o.mu.Unlock()

	pairs := make([]diamond.AttrSigPair, 0, len(names))
	for _, name := range names {
		if v, ok := o.attrs[name]; ok {
			pairs = append(pairs, diamond.AttrSigPair{Name: name, Sig: v.sig})
		}
	}
	return diamond.NewAttrSigSet(pairs...)
}

// AllSigSet returns the canonical AttrSigSet over every attribute
// currently on the object, used to seed initial_attrs (§4.E priming).
func (o *Object) AllSigSet() diamond.AttrSigSet {
	o.mu.Lock()
	defer o.mu.Unlock()

	pairs := make([]diamond.AttrSigPair, 0, len(o.attrs))
	for name, v := range o.attrs {
		pairs = append(pairs, diamond.AttrSigPair{Name: name, Sig: v.sig})
	}
	return diamond.NewAttrSigSet(pairs...)
}

// WriteFilterTime records a per-filter execution time under the reserved
// `_FIL_TIME_<name>.time` attribute namespace (§4.B, §4.G step 4). The
// duration is stored as its string form in nanoseconds.
func (o *Object) WriteFilterTime(filterName string, nanos int64) {
	name := FilterTimeReservedPrefix + "_" + filterName + ".time"
	o.WriteAttr(name, []byte(strconv.FormatInt(nanos, 10)))
}

// WriteTotalTime records the total per-object filter-stack time under the
// reserved `_FIL_TIME.time` attribute (§4.G step 4).
func (o *Object) WriteTotalTime(nanos int64) {
	o.WriteAttr(FilterTimeReservedPrefix+".time", []byte(strconv.FormatInt(nanos, 10)))
}
