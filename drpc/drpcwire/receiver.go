// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package drpcwire

import "io"

// Receiver demultiplexes a byte stream of framed packets, reassembling
// per-PacketID fragments (as produced by Split) into complete logical
// Packets. Multiple in-flight streams may interleave on the same
// underlying reader; Receiver tracks each by its PacketID independently.
type Receiver struct {
	r       io.Reader
	raw     []byte
	partial map[PacketID][]byte
}

// NewReceiver creates a Receiver reading framed packets from r.
func NewReceiver(r io.Reader) *Receiver {
	return &Receiver{
		r:       r,
		partial: make(map[PacketID][]byte),
	}
}

// ReadPacket returns the next complete, reassembled Packet, or
// (nil, nil) when the underlying reader is cleanly exhausted between
// packets.
func (rc *Receiver) ReadPacket() (*Packet, error) {
	for {
		pkt, ok, err := rc.tryParse()
		if err != nil {
			return nil, err
		}
		if ok {
			return pkt, nil
		}

		chunk := make([]byte, 64*1024)
		n, err := rc.r.Read(chunk)
		if n > 0 {
			rc.raw = append(rc.raw, chunk[:n]...)
			continue
		}
		if err != nil {
			if err == io.EOF {
				if len(rc.raw) == 0 {
					return nil, nil
				}
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
}

// tryParse consumes as many complete frames as necessary from the
// already-buffered bytes to assemble one complete logical packet.
func (rc *Receiver) tryParse() (*Packet, bool, error) {
	for {
		rem, frame, ok, err := ParsePacket(rc.raw)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, false, nil
		}
		rc.raw = rem

		key := frame.PacketID
		buf := append(rc.partial[key], frame.Data...)
		if frame.FrameInfo.Continuation {
			rc.partial[key] = buf
			continue
		}
		delete(rc.partial, key)
		if buf == nil {
			buf = []byte{}
		}

		return &Packet{
			Header: Header{
				FrameInfo: FrameInfo{PayloadKind: frame.FrameInfo.PayloadKind},
				PacketID:  key,
			},
			Data: buf,
		}, true, nil
	}
}
