// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package blobstore implements the content-addressed disk caches named
// by spec.md §6's persisted state layout: filter spec files, opaque
// init blobs, and filter module binaries, each stored as one file per
// signature under a kind-specific subdirectory. A client may send these
// by signature alone (`device_set_blob_by_signature`, `device_set_obj`)
// expecting a prior inline send to have already populated the cache;
// Store.Get reports a miss rather than fetching anything itself, per
// spec.md §4.H/§7 "cache-miss; client must resend inline".
package blobstore

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"

	"github.com/zeebo/errs"

	"diamond.io/diamond/pkg/diamond"
)

// Error is the class of errors returned by this package.
var Error = errs.Class("blobstore")

// Store is a content-addressed cache of byte blobs under one directory,
// keyed by the signature of their content. Reads and writes are also
// mirrored in memory so a :memory:-style store (dir == "") works for
// tests without touching disk.
type Store struct {
	dir string

	mu    sync.RWMutex
	bytes map[diamond.Signature][]byte
}

// Open creates a Store rooted at dir (created if missing), or an
// in-memory-only Store if dir is empty.
func Open(dir string) (*Store, error) {
	if dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, Error.Wrap(err)
		}
	}
	return &Store{dir: dir, bytes: make(map[diamond.Signature][]byte)}, nil
}

func (s *Store) path(sig diamond.Signature) string {
	return filepath.Join(s.dir, sig.String())
}

// Put stores data under sig, overwriting any prior content (repeated
// sends of the same signature are idempotent no-ops in practice, since
// content addressing means the bytes are identical).
func (s *Store) Put(sig diamond.Signature, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)

	s.mu.Lock()
	s.bytes[sig] = cp
	s.mu.Unlock()

	if s.dir == "" {
		return nil
	}
	if err := ioutil.WriteFile(s.path(sig), cp, 0600); err != nil {
		return Error.Wrap(err)
	}
	return nil
}

// Get returns the blob stored under sig, or ok=false on a cache miss.
func (s *Store) Get(sig diamond.Signature) (data []byte, ok bool) {
	s.mu.RLock()
	data, ok = s.bytes[sig]
	s.mu.RUnlock()
	if ok {
		return data, true
	}

	if s.dir == "" {
		return nil, false
	}
	data, err := ioutil.ReadFile(s.path(sig))
	if err != nil {
		return nil, false
	}

	s.mu.Lock()
	s.bytes[sig] = data
	s.mu.Unlock()
	return data, true
}

// Has reports whether sig is already cached, without reading it.
func (s *Store) Has(sig diamond.Signature) bool {
	_, ok := s.Get(sig)
	return ok
}
