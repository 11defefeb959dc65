// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package wire

import (
	"diamond.io/diamond/drpc/drpcwire"
	"diamond.io/diamond/pkg/diamond"
)

// appendBytes appends a varint-length-prefixed byte string, the same
// shape drpcwire itself uses for its own length fields, kept consistent
// across both framing layers.
func appendBytes(buf []byte, b []byte) []byte {
	buf = drpcwire.AppendVarint(buf, uint64(len(b)))
	return append(buf, b...)
}

func appendString(buf []byte, s string) []byte {
	return appendBytes(buf, []byte(s))
}

func appendSig(buf []byte, sig diamond.Signature) []byte {
	return append(buf, sig.Bytes()...)
}

func appendStrings(buf []byte, ss []string) []byte {
	buf = drpcwire.AppendVarint(buf, uint64(len(ss)))
	for _, s := range ss {
		buf = appendString(buf, s)
	}
	return buf
}

func readBytes(buf []byte) (rem []byte, b []byte, err error) {
	buf, n, ok, err := drpcwire.ReadVarint(buf)
	if err != nil {
		return buf, nil, err
	}
	if !ok || uint64(len(buf)) < n {
		return buf, nil, Error.New("truncated byte string")
	}
	return buf[n:], buf[:n], nil
}

func readString(buf []byte) (rem []byte, s string, err error) {
	rem, b, err := readBytes(buf)
	return rem, string(b), err
}

func readSig(buf []byte) (rem []byte, sig diamond.Signature, err error) {
	if len(buf) < diamond.SignatureSize {
		return buf, sig, Error.New("truncated signature")
	}
	sig, err = diamond.SignatureFromBytes(buf[:diamond.SignatureSize])
	if err != nil {
		return buf, sig, err
	}
	return buf[diamond.SignatureSize:], sig, nil
}

func readStrings(buf []byte) (rem []byte, ss []string, err error) {
	buf, n, ok, err := drpcwire.ReadVarint(buf)
	if err != nil {
		return buf, nil, err
	}
	if !ok {
		return buf, nil, Error.New("truncated string list")
	}
	ss = make([]string, 0, n)
	for i := uint64(0); i < n; i++ {
		var s string
		buf, s, err = readString(buf)
		if err != nil {
			return buf, nil, err
		}
		ss = append(ss, s)
	}
	return buf, ss, nil
}
