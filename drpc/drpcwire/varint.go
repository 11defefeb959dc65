// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package drpcwire

import "github.com/zeebo/errs"

// Error is the class of errors returned by this package.
var Error = errs.Class("drpcwire")

// AppendVarint appends a base-128 varint encoding of val to buf, least
// significant group first, matching protobuf's varint encoding.
func AppendVarint(buf []byte, val uint64) []byte {
	for val >= 0x80 {
		buf = append(buf, byte(val)|0x80)
		val >>= 7
	}
	return append(buf, byte(val))
}

// ReadVarint reads a varint off the front of buf, returning the
// remaining bytes, the decoded value, and ok=false if buf did not
// contain a complete varint.
func ReadVarint(buf []byte) (rem []byte, val uint64, ok bool, err error) {
	for i := 0; i < len(buf); i++ {
		b := buf[i]
		val |= uint64(b&0x7f) << uint(7*i)
		if b&0x80 == 0 {
			return buf[i+1:], val, true, nil
		}
		if i == 9 {
			return buf, 0, false, Error.New("varint too long")
		}
	}
	return buf, 0, false, nil
}
