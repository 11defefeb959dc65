// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package wire implements the control RPC and object-blast channel of
// spec.md §4.H: a typed request/response protocol multiplexed over
// drpcwire framing, plus the two-socket nonce handshake that pairs a
// control connection to its data connection.
package wire

import "diamond.io/diamond/drpc/drpcwire"

// Opcode identifies a control-channel request, named after its
// original C entry point in
// original_source/lib/transport/socket/storagestub/sstub_cntrl.c.
type Opcode uint8

const (
	OpInvalid Opcode = iota
	OpDeviceStart
	OpDeviceSetScope
	OpDeviceSetSpec
	OpDeviceSetPushAttrs
	OpDeviceSetBlob
	OpDeviceSetBlobBySignature
	OpDeviceSetObj
	OpDeviceSendObj
	OpDeviceReexecuteFilters
	OpRequestStats
	OpSessionVariablesGet
	OpSessionVariablesSet
	OpDeviceStop

	opcodeLargest
)

var opcodeNames = map[Opcode]string{
	OpDeviceStart:              "device_start",
	OpDeviceSetScope:           "device_set_scope",
	OpDeviceSetSpec:            "device_set_spec",
	OpDeviceSetPushAttrs:       "device_set_push_attrs",
	OpDeviceSetBlob:            "device_set_blob",
	OpDeviceSetBlobBySignature: "device_set_blob_by_signature",
	OpDeviceSetObj:             "device_set_obj",
	OpDeviceSendObj:            "device_send_obj",
	OpDeviceReexecuteFilters:   "device_reexecute_filters",
	OpRequestStats:             "request_stats",
	OpSessionVariablesGet:      "session_variables_get",
	OpSessionVariablesSet:      "session_variables_set",
	OpDeviceStop:               "device_stop",
}

// String returns the opcode's original C name, or "unknown" if out of
// range (§7 "Unknown opcode ... procedure-unavailable").
func (op Opcode) String() string {
	if name, ok := opcodeNames[op]; ok {
		return name
	}
	return "unknown"
}

// Valid reports whether op is a recognized opcode.
func (op Opcode) Valid() bool {
	_, ok := opcodeNames[op]
	return ok
}

// Status is a control-reply status code (§7 error taxonomy).
type Status uint8

const (
	StatusOK Status = iota
	StatusEncodingError
	StatusProcedureUnavailable
	StatusCookieExpired
	StatusKeyRejected
	StatusCacheMiss
	StatusInternalError
)

var statusNames = map[Status]string{
	StatusOK:                   "ok",
	StatusEncodingError:        "encoding-error",
	StatusProcedureUnavailable: "procedure-unavailable",
	StatusCookieExpired:        "cookie-expired",
	StatusKeyRejected:          "key-rejected",
	StatusCacheMiss:            "cache-miss",
	StatusInternalError:        "internal-error",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "unknown-status"
}

// blastStreamID is the fixed PacketID.StreamID the blast channel uses
// for its get_object() request/reply pairs; the blast connection never
// multiplexes more than one RPC at a time (§4.H "single RPC that the
// client calls in a loop").
const blastStreamID uint64 = 0

// blastPacketID identifies one get_object() round trip, counted by
// MessageID so a Receiver can reassemble fragmented bodies.
func blastPacketID(seq uint64) drpcwire.PacketID {
	return drpcwire.PacketID{StreamID: blastStreamID, MessageID: seq}
}
