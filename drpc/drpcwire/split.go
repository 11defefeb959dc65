// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package drpcwire

// splitChunkSize bounds a single fragment's data, keeping frames well
// under the wire's uint16 Length field.
const splitChunkSize = 16 * 1024

// Split breaks data into one or more framed packets (at least one, even
// when data is empty) sharing id and kind, invoking write for each in
// order. Continuation is set on every fragment but the last, so a
// Receiver on the other end can reassemble the original data.
func Split(kind PayloadKind, id PacketID, data []byte, write func(Packet) error) error {
	starting := true
	for starting || len(data) > 0 {
		n := len(data)
		if n > splitChunkSize {
			n = splitChunkSize
		}
		chunk := data[:n]
		data = data[n:]

		pkt := Packet{
			Header: Header{
				FrameInfo: FrameInfo{
					Length:       uint16(len(chunk)),
					Continuation: len(data) > 0,
					Starting:     starting,
					PayloadKind:  kind,
				},
				PacketID: id,
			},
			Data: chunk,
		}
		if err := write(pkt); err != nil {
			return err
		}
		starting = false
	}
	return nil
}
