// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package drpcwire

import "io"

// MaxPacketSize bounds a single encoded Packet: a Header plus at most
// 64KB of frame data (Length is a uint16), with headroom for the
// varint-encoded PacketID fields.
const MaxPacketSize = 1 << 16

// Buffer coalesces many small Packet writes into fewer, larger writes to
// the underlying io.Writer, without ever growing past its configured
// size. A packet that does not fit is written through directly once any
// buffered data is flushed.
type Buffer struct {
	w   io.Writer
	buf []byte
	tmp []byte
}

// NewBuffer creates a Buffer writing to w, coalescing up to size bytes
// before flushing.
func NewBuffer(w io.Writer, size int) *Buffer {
	return &Buffer{
		w:   w,
		buf: make([]byte, 0, size),
		tmp: make([]byte, 0, MaxPacketSize),
	}
}

// Write encodes pkt and appends it to the buffer, flushing first if it
// would not otherwise fit.
func (b *Buffer) Write(pkt Packet) error {
	b.tmp = b.tmp[:0]
	b.tmp = AppendPacket(b.tmp, pkt)

	if len(b.tmp) > cap(b.buf) {
		if err := b.Flush(); err != nil {
			return err
		}
		_, err := b.w.Write(b.tmp)
		return err
	}

	if len(b.buf)+len(b.tmp) > cap(b.buf) {
		if err := b.Flush(); err != nil {
			return err
		}
	}
	b.buf = append(b.buf, b.tmp...)
	return nil
}

// Flush writes any buffered bytes to the underlying writer.
func (b *Buffer) Flush() error {
	if len(b.buf) == 0 {
		return nil
	}
	_, err := b.w.Write(b.buf)
	b.buf = b.buf[:0]
	return err
}
