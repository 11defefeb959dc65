// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package wire

import (
	"math"

	"diamond.io/diamond/drpc/drpcwire"
	"diamond.io/diamond/pkg/diamond"
)

func appendFloat64(buf []byte, v float64) []byte {
	return drpcwire.AppendVarint(buf, math.Float64bits(v))
}

func readFloat64(buf []byte) (rem []byte, v float64, err error) {
	buf, bits, ok, err := drpcwire.ReadVarint(buf)
	if err != nil {
		return buf, 0, err
	}
	if !ok {
		return buf, 0, Error.New("truncated float64")
	}
	return buf, math.Float64frombits(bits), nil
}

func appendFloat64s(buf []byte, vs []float64) []byte {
	buf = drpcwire.AppendVarint(buf, uint64(len(vs)))
	for _, v := range vs {
		buf = appendFloat64(buf, v)
	}
	return buf
}

func readFloat64s(buf []byte) (rem []byte, vs []float64, err error) {
	buf, n, ok, err := drpcwire.ReadVarint(buf)
	if err != nil {
		return buf, nil, err
	}
	if !ok {
		return buf, nil, Error.New("truncated float64 list")
	}
	vs = make([]float64, 0, n)
	for i := uint64(0); i < n; i++ {
		var v float64
		buf, v, err = readFloat64(buf)
		if err != nil {
			return buf, nil, err
		}
		vs = append(vs, v)
	}
	return buf, vs, nil
}

// SetScopeRequest is device_set_scope(cookie)'s payload.
type SetScopeRequest struct {
	CookieText string
}

func (r SetScopeRequest) encode() []byte {
	return appendString(nil, r.CookieText)
}

func decodeSetScopeRequest(buf []byte) (SetScopeRequest, error) {
	_, s, err := readString(buf)
	return SetScopeRequest{CookieText: s}, err
}

// SetSpecRequest is device_set_spec(bytes, sig)'s payload.
type SetSpecRequest struct {
	Sig   diamond.Signature
	Bytes []byte
}

func (r SetSpecRequest) encode() []byte {
	buf := appendSig(nil, r.Sig)
	return appendBytes(buf, r.Bytes)
}

func decodeSetSpecRequest(buf []byte) (SetSpecRequest, error) {
	buf, sig, err := readSig(buf)
	if err != nil {
		return SetSpecRequest{}, err
	}
	_, body, err := readBytes(buf)
	return SetSpecRequest{Sig: sig, Bytes: body}, err
}

// SetPushAttrsRequest is device_set_push_attrs(names...)'s payload.
type SetPushAttrsRequest struct {
	Names []string
}

func (r SetPushAttrsRequest) encode() []byte {
	return appendStrings(nil, r.Names)
}

func decodeSetPushAttrsRequest(buf []byte) (SetPushAttrsRequest, error) {
	_, names, err := readStrings(buf)
	return SetPushAttrsRequest{Names: names}, err
}

// SetBlobRequest is device_set_blob(filter_name, bytes)'s payload.
type SetBlobRequest struct {
	FilterName string
	Bytes      []byte
}

func (r SetBlobRequest) encode() []byte {
	buf := appendString(nil, r.FilterName)
	return appendBytes(buf, r.Bytes)
}

func decodeSetBlobRequest(buf []byte) (SetBlobRequest, error) {
	buf, name, err := readString(buf)
	if err != nil {
		return SetBlobRequest{}, err
	}
	_, body, err := readBytes(buf)
	return SetBlobRequest{FilterName: name, Bytes: body}, err
}

// SetBlobBySignatureRequest is device_set_blob_by_signature(filter_name,
// sig)'s payload.
type SetBlobBySignatureRequest struct {
	FilterName string
	Sig        diamond.Signature
}

func (r SetBlobBySignatureRequest) encode() []byte {
	buf := appendString(nil, r.FilterName)
	return appendSig(buf, r.Sig)
}

func decodeSetBlobBySignatureRequest(buf []byte) (SetBlobBySignatureRequest, error) {
	buf, name, err := readString(buf)
	if err != nil {
		return SetBlobBySignatureRequest{}, err
	}
	_, sig, err := readSig(buf)
	return SetBlobBySignatureRequest{FilterName: name, Sig: sig}, err
}

// SetObjRequest is device_set_obj(sig)'s payload: announce a module
// binary's signature, expecting it to already be cached.
type SetObjRequest struct {
	Sig diamond.Signature
}

func (r SetObjRequest) encode() []byte {
	return appendSig(nil, r.Sig)
}

func decodeSetObjRequest(buf []byte) (SetObjRequest, error) {
	_, sig, err := readSig(buf)
	return SetObjRequest{Sig: sig}, err
}

// SendObjRequest is device_send_obj(sig, bytes)'s payload: an inline
// module binary send.
type SendObjRequest struct {
	Sig   diamond.Signature
	Bytes []byte
}

func (r SendObjRequest) encode() []byte {
	buf := appendSig(nil, r.Sig)
	return appendBytes(buf, r.Bytes)
}

func decodeSendObjRequest(buf []byte) (SendObjRequest, error) {
	buf, sig, err := readSig(buf)
	if err != nil {
		return SendObjRequest{}, err
	}
	_, body, err := readBytes(buf)
	return SendObjRequest{Sig: sig, Bytes: body}, err
}

// ReexecuteRequest is device_reexecute_filters(object_id, attr_names)'s
// payload.
type ReexecuteRequest struct {
	ObjectID  diamond.Signature
	AttrNames []string
}

func (r ReexecuteRequest) encode() []byte {
	buf := appendSig(nil, r.ObjectID)
	return appendStrings(buf, r.AttrNames)
}

func decodeReexecuteRequest(buf []byte) (ReexecuteRequest, error) {
	buf, sig, err := readSig(buf)
	if err != nil {
		return ReexecuteRequest{}, err
	}
	_, names, err := readStrings(buf)
	return ReexecuteRequest{ObjectID: sig, AttrNames: names}, err
}

// AttrKV is one (name, value) pair in an attribute list reply.
type AttrKV struct {
	Name  string
	Value []byte
}

func appendAttrKVs(buf []byte, attrs []AttrKV) []byte {
	buf = drpcwire.AppendVarint(buf, uint64(len(attrs)))
	for _, a := range attrs {
		buf = appendString(buf, a.Name)
		buf = appendBytes(buf, a.Value)
	}
	return buf
}

func readAttrKVs(buf []byte) (rem []byte, attrs []AttrKV, err error) {
	buf, n, ok, err := drpcwire.ReadVarint(buf)
	if err != nil {
		return buf, nil, err
	}
	if !ok {
		return buf, nil, Error.New("truncated attr list")
	}
	attrs = make([]AttrKV, 0, n)
	for i := uint64(0); i < n; i++ {
		var name string
		var value []byte
		buf, name, err = readString(buf)
		if err != nil {
			return buf, nil, err
		}
		buf, value, err = readBytes(buf)
		if err != nil {
			return buf, nil, err
		}
		attrs = append(attrs, AttrKV{Name: name, Value: value})
	}
	return buf, attrs, nil
}

// ReexecuteReply carries the attribute list device_reexecute_filters
// returns.
type ReexecuteReply struct {
	Attrs []AttrKV
}

func (r ReexecuteReply) encode() []byte {
	return appendAttrKVs(nil, r.Attrs)
}

func decodeReexecuteReply(buf []byte) (ReexecuteReply, error) {
	_, attrs, err := readAttrKVs(buf)
	return ReexecuteReply{Attrs: attrs}, err
}

// FilterStat is one filter's counters in a request_stats() reply.
type FilterStat struct {
	Name          string
	Called        int64
	Passed        int64
	Dropped       int64
	MeanTimeNanos float64
}

// StatsReply is request_stats()'s payload.
type StatsReply struct {
	Filters []FilterStat
}

func (r StatsReply) encode() []byte {
	buf := drpcwire.AppendVarint(nil, uint64(len(r.Filters)))
	for _, f := range r.Filters {
		buf = appendString(buf, f.Name)
		buf = drpcwire.AppendVarint(buf, uint64(f.Called))
		buf = drpcwire.AppendVarint(buf, uint64(f.Passed))
		buf = drpcwire.AppendVarint(buf, uint64(f.Dropped))
		buf = appendFloat64(buf, f.MeanTimeNanos)
	}
	return buf
}

func decodeStatsReply(buf []byte) (StatsReply, error) {
	buf, n, ok, err := drpcwire.ReadVarint(buf)
	if err != nil {
		return StatsReply{}, err
	}
	if !ok {
		return StatsReply{}, Error.New("truncated stats reply")
	}
	out := StatsReply{Filters: make([]FilterStat, 0, n)}
	for i := uint64(0); i < n; i++ {
		var f FilterStat
		var called, passed, dropped uint64
		buf, f.Name, err = readString(buf)
		if err != nil {
			return StatsReply{}, err
		}
		buf, called, ok, err = drpcwire.ReadVarint(buf)
		if err != nil || !ok {
			return StatsReply{}, Error.New("truncated stats reply")
		}
		buf, passed, ok, err = drpcwire.ReadVarint(buf)
		if err != nil || !ok {
			return StatsReply{}, Error.New("truncated stats reply")
		}
		buf, dropped, ok, err = drpcwire.ReadVarint(buf)
		if err != nil || !ok {
			return StatsReply{}, Error.New("truncated stats reply")
		}
		buf, f.MeanTimeNanos, err = readFloat64(buf)
		if err != nil {
			return StatsReply{}, err
		}
		f.Called, f.Passed, f.Dropped = int64(called), int64(passed), int64(dropped)
		out.Filters = append(out.Filters, f)
	}
	return out, nil
}

// SessionVariablesGetRequest is session_variables_get()'s payload: the
// variable names the client wants read back.
type SessionVariablesGetRequest struct {
	Names []string
}

func (r SessionVariablesGetRequest) encode() []byte {
	return appendStrings(nil, r.Names)
}

func decodeSessionVariablesGetRequest(buf []byte) (SessionVariablesGetRequest, error) {
	_, names, err := readStrings(buf)
	return SessionVariablesGetRequest{Names: names}, err
}

// SessionVariablesReply carries the values matching a get request's
// names, in the same order.
type SessionVariablesReply struct {
	Values []float64
}

func (r SessionVariablesReply) encode() []byte {
	return appendFloat64s(nil, r.Values)
}

func decodeSessionVariablesReply(buf []byte) (SessionVariablesReply, error) {
	_, vs, err := readFloat64s(buf)
	return SessionVariablesReply{Values: vs}, err
}

// SessionVariablesSetRequest is session_variables_set(vars)'s payload.
type SessionVariablesSetRequest struct {
	Names  []string
	Values []float64
}

func (r SessionVariablesSetRequest) encode() []byte {
	buf := appendStrings(nil, r.Names)
	return appendFloat64s(buf, r.Values)
}

func decodeSessionVariablesSetRequest(buf []byte) (SessionVariablesSetRequest, error) {
	buf, names, err := readStrings(buf)
	if err != nil {
		return SessionVariablesSetRequest{}, err
	}
	_, values, err := readFloat64s(buf)
	return SessionVariablesSetRequest{Names: names, Values: values}, err
}

// GetObjectReply is get_object()'s payload (§4.H blast channel): the
// surviving object's id, its body (nil if a thumbnail set restricted
// it away), and its (possibly thumbnail-restricted) attribute list.
type GetObjectReply struct {
	ObjectID diamond.Signature
	Body     []byte
	HasBody  bool
	Attrs    []AttrKV
}

func (r GetObjectReply) encode() []byte {
	buf := appendSig(nil, r.ObjectID)
	buf = append(buf, boolByte(r.HasBody))
	if r.HasBody {
		buf = appendBytes(buf, r.Body)
	}
	return appendAttrKVs(buf, r.Attrs)
}

func decodeGetObjectReply(buf []byte) (GetObjectReply, error) {
	buf, sig, err := readSig(buf)
	if err != nil {
		return GetObjectReply{}, err
	}
	if len(buf) < 1 {
		return GetObjectReply{}, Error.New("truncated get_object reply")
	}
	hasBody := buf[0] != 0
	buf = buf[1:]

	out := GetObjectReply{ObjectID: sig, HasBody: hasBody}
	if hasBody {
		buf, out.Body, err = readBytes(buf)
		if err != nil {
			return GetObjectReply{}, err
		}
	}
	_, out.Attrs, err = readAttrKVs(buf)
	return out, err
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
