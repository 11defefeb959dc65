// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package drpcwire

// PayloadKind identifies what a frame's payload carries, multiplexed
// alongside the control RPC and blast-object streams on the same
// connection (§4.H).
type PayloadKind uint8

const (
	// PayloadKind_Invalid is the zero value and never sent on the wire.
	PayloadKind_Invalid PayloadKind = iota
	// PayloadKind_Message carries a control RPC request/response.
	PayloadKind_Message
	// PayloadKind_Error carries an RPC error.
	PayloadKind_Error
	// PayloadKind_Object carries a blast-channel object.
	PayloadKind_Object
	// PayloadKind_Close signals the sender is done with the stream.
	PayloadKind_Close

	payloadKind_largest
)

// PacketID identifies the logical stream (StreamID) and, within it, the
// specific request/response pair (MessageID) a packet belongs to.
type PacketID struct {
	StreamID  uint64
	MessageID uint64
}

// FrameInfo is the per-frame metadata needed to reassemble a
// possibly-fragmented packet: how much payload follows, whether more
// fragments follow, whether this is the first fragment, and what kind
// of payload it carries.
type FrameInfo struct {
	Length       uint16
	Continuation bool
	Starting     bool
	PayloadKind  PayloadKind
}

// Header is a frame's full metadata: its FrameInfo plus the PacketID of
// the logical packet it belongs to.
type Header struct {
	FrameInfo
	PacketID
}

// Packet is a complete, reassembled application-level unit: a Header
// (with Length/Continuation/Starting cleared, since the packet is no
// longer fragmented) plus its full Data.
type Packet struct {
	Header
	Data []byte
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// AppendPacketID appends id's wire encoding to buf.
func AppendPacketID(buf []byte, id PacketID) []byte {
	buf = AppendVarint(buf, id.StreamID)
	buf = AppendVarint(buf, id.MessageID)
	return buf
}

// ParsePacketID parses a PacketID off the front of buf.
func ParsePacketID(buf []byte) (rem []byte, id PacketID, ok bool, err error) {
	buf, id.StreamID, ok, err = ReadVarint(buf)
	if !ok || err != nil {
		return buf, PacketID{}, ok, err
	}
	buf, id.MessageID, ok, err = ReadVarint(buf)
	if !ok || err != nil {
		return buf, PacketID{}, ok, err
	}
	return buf, id, true, nil
}

// AppendFrameInfo appends fi's wire encoding to buf.
func AppendFrameInfo(buf []byte, fi FrameInfo) []byte {
	buf = AppendVarint(buf, uint64(fi.Length))
	buf = append(buf, boolByte(fi.Continuation), boolByte(fi.Starting), byte(fi.PayloadKind))
	return buf
}

// ParseFrameInfo parses a FrameInfo off the front of buf.
func ParseFrameInfo(buf []byte) (rem []byte, fi FrameInfo, ok bool, err error) {
	var length uint64
	buf, length, ok, err = ReadVarint(buf)
	if !ok || err != nil {
		return buf, FrameInfo{}, ok, err
	}
	if len(buf) < 3 {
		return buf, FrameInfo{}, false, nil
	}
	fi.Length = uint16(length)
	fi.Continuation = buf[0] != 0
	fi.Starting = buf[1] != 0
	fi.PayloadKind = PayloadKind(buf[2])
	return buf[3:], fi, true, nil
}

// AppendHeader appends hdr's wire encoding to buf.
func AppendHeader(buf []byte, hdr Header) []byte {
	buf = AppendFrameInfo(buf, hdr.FrameInfo)
	buf = AppendPacketID(buf, hdr.PacketID)
	return buf
}

// ParseHeader parses a Header off the front of buf.
func ParseHeader(buf []byte) (rem []byte, hdr Header, ok bool, err error) {
	buf, hdr.FrameInfo, ok, err = ParseFrameInfo(buf)
	if !ok || err != nil {
		return buf, Header{}, ok, err
	}
	buf, hdr.PacketID, ok, err = ParsePacketID(buf)
	if !ok || err != nil {
		return buf, Header{}, ok, err
	}
	return buf, hdr, true, nil
}

// AppendPacket appends pkt's wire encoding (header, then exactly
// Header.Length bytes of Data) to buf.
func AppendPacket(buf []byte, pkt Packet) []byte {
	pkt.Header.FrameInfo.Length = uint16(len(pkt.Data))
	buf = AppendHeader(buf, pkt.Header)
	buf = append(buf, pkt.Data...)
	return buf
}

// ParsePacket parses a Packet off the front of buf.
func ParsePacket(buf []byte) (rem []byte, pkt Packet, ok bool, err error) {
	buf, hdr, ok, err := ParseHeader(buf)
	if !ok || err != nil {
		return buf, Packet{}, ok, err
	}
	if len(buf) < int(hdr.Length) {
		return buf, Packet{}, false, nil
	}
	data := make([]byte, hdr.Length)
	copy(data, buf[:hdr.Length])
	return buf[hdr.Length:], Packet{Header: hdr, Data: data}, true, nil
}
