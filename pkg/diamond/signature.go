// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package diamond holds the content-addressing primitives shared by every
// other package in the search engine: the 128-bit signature type and the
// canonical attribute-set signature used as a cache key component.
package diamond

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/zeebo/errs"
)

// Error is the class of errors returned by this package.
var Error = errs.Class("diamond")

// SignatureSize is the width in bytes of a Signature.
const SignatureSize = 16

// Signature is a 128-bit content hash, used to identify objects, filter
// modules, filter specs, blobs and attribute sets. It is the truncated
// SHA-256 of whatever byte string it signs.
type Signature [SignatureSize]byte

// SignBytes computes the Signature of an arbitrary byte slice.
func SignBytes(data []byte) Signature {
	full := sha256.Sum256(data)
	var sig Signature
	copy(sig[:], full[:SignatureSize])
	return sig
}

// SignStrings computes the Signature over a sequence of strings, each
// length-prefixed so that ("ab","c") and ("a","bc") do not collide.
func SignStrings(parts ...string) Signature {
	h := sha256.New()
	for _, p := range parts {
		var lenbuf [8]byte
		putUvarint(lenbuf[:], uint64(len(p)))
		_, _ = h.Write(lenbuf[:])
		_, _ = h.Write([]byte(p))
	}
	var full [sha256.Size]byte
	copy(full[:], h.Sum(nil))
	var sig Signature
	copy(sig[:], full[:SignatureSize])
	return sig
}

func putUvarint(buf []byte, v uint64) {
	for i := range buf {
		buf[i] = byte(v >> uint(8*i))
	}
}

// IsZero reports whether the signature is the zero value.
func (s Signature) IsZero() bool {
	return s == Signature{}
}

// Bytes returns the signature's raw bytes.
func (s Signature) Bytes() []byte {
	return s[:]
}

// String returns the signature's hex encoding.
func (s Signature) String() string {
	return hex.EncodeToString(s[:])
}

// SignatureFromBytes parses a Signature from raw bytes.
func SignatureFromBytes(b []byte) (Signature, error) {
	var sig Signature
	if len(b) != SignatureSize {
		return sig, Error.New("invalid signature length %d", len(b))
	}
	copy(sig[:], b)
	return sig, nil
}

// SignatureFromString parses a Signature from its hex encoding.
func SignatureFromString(s string) (Signature, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Signature{}, Error.Wrap(err)
	}
	return SignatureFromBytes(b)
}
