// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package wire

import (
	"context"
	"io"

	"go.uber.org/zap"

	"diamond.io/diamond/drpc/drpcwire"
	"diamond.io/diamond/pkg/object"
)

// BlastConn serves the object-blast channel of spec.md §4.H: a single
// get_object() RPC the client calls in a loop, blocking until a passing
// object is available. Unlike ControlConn, exactly one RPC is ever in
// flight, so every packet shares blastStreamID and is distinguished only
// by its MessageID (one per call).
type BlastConn struct {
	log     *zap.Logger
	session *Session
	recv    *drpcwire.Receiver
	send    *drpcwire.Buffer

	seq uint64
}

// NewBlastConn creates a BlastConn serving session over rw.
func NewBlastConn(log *zap.Logger, session *Session, rw io.ReadWriter) *BlastConn {
	return &BlastConn{
		log:     log,
		session: session,
		recv:    drpcwire.NewReceiver(rw),
		send:    drpcwire.NewBuffer(rw, drpcwire.MaxPacketSize),
	}
}

// Serve reads one get_object() request per loop iteration, blocks on
// the running search's blast channel, and writes back the reply.
func (b *BlastConn) Serve(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		pkt, err := b.recv.ReadPacket()
		if err != nil {
			return Error.Wrap(err)
		}
		if pkt == nil {
			return nil
		}
		if pkt.FrameInfo.PayloadKind == drpcwire.PayloadKind_Close {
			return nil
		}

		reply, err := b.getObject(ctx)
		if err != nil {
			return Error.Wrap(err)
		}

		id := blastPacketID(b.seq)
		b.seq++
		if err := drpcwire.Split(drpcwire.PayloadKind_Object, id, reply.encode(), b.send.Write); err != nil {
			return Error.Wrap(err)
		}
		if err := b.send.Flush(); err != nil {
			return Error.Wrap(err)
		}
	}
}

// getObject blocks until the running search's blast channel yields an
// object, or ctx is cancelled or the channel closes (search stopped),
// building the reply restricted to the configured thumbnail set if one
// is installed (spec.md §4.H "get_object").
func (b *BlastConn) getObject(ctx context.Context) (GetObjectReply, error) {
	ch := b.session.Blast()
	if ch == nil {
		return GetObjectReply{}, Error.New("no search running")
	}

	select {
	case obj, ok := <-ch:
		if !ok {
			return GetObjectReply{}, Error.New("blast channel closed")
		}
		return b.buildReply(obj), nil
	case <-ctx.Done():
		return GetObjectReply{}, ctx.Err()
	}
}

func (b *BlastConn) buildReply(obj *object.Object) GetObjectReply {
	thumbnail, restricted := b.session.PushAttrs()

	reply := GetObjectReply{ObjectID: obj.Sig(), HasBody: !restricted}
	if reply.HasBody {
		if body, _, ok := obj.ReadAttr(object.BodyAttr); ok {
			reply.Body = body
		}
	}

	for _, an := range obj.IterAttrs() {
		if an.Name == object.BodyAttr || an.Omit {
			continue
		}
		if restricted && !containsName(thumbnail, an.Name) {
			continue
		}
		value, _, _ := obj.ReadAttr(an.Name)
		reply.Attrs = append(reply.Attrs, AttrKV{Name: an.Name, Value: value})
	}
	return reply
}
