// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package wire

import (
	"context"
	"io"

	"go.uber.org/zap"

	"diamond.io/diamond/drpc/drpcwire"
)

// ControlConn serves the control channel of spec.md §4.H: a typed
// request/response RPC with an opcode, a sequence number, and a
// per-opcode payload, multiplexed over drpcwire framing. One request
// may be in flight per sequence, but independent sequences (distinct
// PacketID.StreamID values) may interleave freely, matching spec.md
// §4.H's "the transport multiplexes independent sequences".
type ControlConn struct {
	log     *zap.Logger
	session *Session
	recv    *drpcwire.Receiver
	send    *drpcwire.Buffer
}

// NewControlConn creates a ControlConn serving session over rw.
func NewControlConn(log *zap.Logger, session *Session, rw io.ReadWriter) *ControlConn {
	return &ControlConn{
		log:     log,
		session: session,
		recv:    drpcwire.NewReceiver(rw),
		send:    drpcwire.NewBuffer(rw, drpcwire.MaxPacketSize),
	}
}

// Serve reads and dispatches control requests until the connection
// closes or ctx is cancelled, replying to each in turn (spec.md §7
// "Framing / deserialization ... drop the offending connection").
func (c *ControlConn) Serve(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		pkt, err := c.recv.ReadPacket()
		if err != nil {
			return Error.Wrap(err)
		}
		if pkt == nil {
			return nil
		}
		if pkt.FrameInfo.PayloadKind == drpcwire.PayloadKind_Close {
			return nil
		}
		if len(pkt.Data) < 1 {
			return Error.New("empty control request")
		}

		op := Opcode(pkt.Data[0])
		seq := pkt.PacketID.StreamID
		status, reply := c.dispatch(ctx, op, pkt.Data[1:])

		if err := c.reply(op, seq, status, reply); err != nil {
			return err
		}
	}
}

func (c *ControlConn) reply(op Opcode, seq uint64, status Status, payload []byte) error {
	data := append([]byte{byte(status)}, payload...)
	err := drpcwire.Split(drpcwire.PayloadKind_Message, drpcwire.PacketID{StreamID: seq}, data, c.send.Write)
	if err != nil {
		return Error.Wrap(err)
	}
	if err := c.send.Flush(); err != nil {
		return Error.Wrap(err)
	}
	if c.log != nil {
		c.log.Debug("control reply", zap.Stringer("opcode", op), zap.Stringer("status", status))
	}
	return nil
}

// dispatch implements the map[Opcode]handlerFunc table named in
// original_source/lib/transport/socket/storagestub/sstub_cntrl.c's
// `rpc_client_content_server_operations`. Every branch decodes its
// request, calls the matching Session method, and encodes a reply.
func (c *ControlConn) dispatch(ctx context.Context, op Opcode, body []byte) (Status, []byte) {
	if !op.Valid() {
		return StatusProcedureUnavailable, nil
	}

	switch op {
	case OpDeviceStart:
		if err := c.session.DeviceStart(ctx, string(body)); err != nil {
			return StatusInternalError, nil
		}
		return StatusOK, nil

	case OpDeviceStop:
		c.session.DeviceStop()
		return StatusOK, nil

	case OpDeviceSetScope:
		req, err := decodeSetScopeRequest(body)
		if err != nil {
			return StatusEncodingError, nil
		}
		status, err := c.session.SetScope(req.CookieText)
		if err != nil && status == StatusOK {
			status = StatusInternalError
		}
		return status, nil

	case OpDeviceSetSpec:
		req, err := decodeSetSpecRequest(body)
		if err != nil {
			return StatusEncodingError, nil
		}
		status, err := c.session.SetSpec(req.Sig, req.Bytes)
		if err != nil && status == StatusOK {
			status = StatusInternalError
		}
		return status, nil

	case OpDeviceSetPushAttrs:
		req, err := decodeSetPushAttrsRequest(body)
		if err != nil {
			return StatusEncodingError, nil
		}
		c.session.SetPushAttrs(req.Names)
		return StatusOK, nil

	case OpDeviceSetBlob:
		req, err := decodeSetBlobRequest(body)
		if err != nil {
			return StatusEncodingError, nil
		}
		status, err := c.session.SetBlob(req.FilterName, req.Bytes)
		if err != nil && status == StatusOK {
			status = StatusInternalError
		}
		return status, nil

	case OpDeviceSetBlobBySignature:
		req, err := decodeSetBlobBySignatureRequest(body)
		if err != nil {
			return StatusEncodingError, nil
		}
		status, _ := c.session.SetBlobBySignature(req.FilterName, req.Sig)
		return status, nil

	case OpDeviceSetObj:
		req, err := decodeSetObjRequest(body)
		if err != nil {
			return StatusEncodingError, nil
		}
		return c.session.SetObj(req.Sig), nil

	case OpDeviceSendObj:
		req, err := decodeSendObjRequest(body)
		if err != nil {
			return StatusEncodingError, nil
		}
		status, _ := c.session.SendObj(req.Sig, req.Bytes)
		return status, nil

	case OpDeviceReexecuteFilters:
		req, err := decodeReexecuteRequest(body)
		if err != nil {
			return StatusEncodingError, nil
		}
		reply, err := c.session.Reexecute(ctx, req.ObjectID, req.AttrNames)
		if err != nil {
			return StatusInternalError, nil
		}
		return StatusOK, reply.encode()

	case OpRequestStats:
		reply, err := c.session.RequestStats()
		if err != nil {
			return StatusInternalError, nil
		}
		return StatusOK, reply.encode()

	case OpSessionVariablesGet:
		req, err := decodeSessionVariablesGetRequest(body)
		if err != nil {
			return StatusEncodingError, nil
		}
		values, err := c.session.SessionVariablesGet(req.Names)
		if err != nil {
			return StatusInternalError, nil
		}
		return StatusOK, SessionVariablesReply{Values: values}.encode()

	case OpSessionVariablesSet:
		req, err := decodeSessionVariablesSetRequest(body)
		if err != nil {
			return StatusEncodingError, nil
		}
		if err := c.session.SessionVariablesSet(req.Names, req.Values); err != nil {
			return StatusInternalError, nil
		}
		return StatusOK, nil

	default:
		return StatusProcedureUnavailable, nil
	}
}
