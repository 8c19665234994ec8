// Package rpc wires the gRPC machinery shared by the driver and every
// worker: the control-plane wire codec, compressor registration, and the
// in-process Channel used by local execution mode. The hand-written service
// definitions that ride on top of this plumbing live in internal/rpcapi.
package rpc

import (
	"bytes"
	"encoding/gob"

	"google.golang.org/grpc/encoding"
)

// CodecName is the subtype passed to grpc.CallContentSubtype for every RPC
// defined in internal/rpcapi. It is registered in init below.
const CodecName = "gob"

// gobCodec marshals the small control structs internal/rpcapi defines
// (plan descriptors, status envelopes, response_ids) using encoding/gob.
// There is no protoc available in this environment to generate a proto
// codec, and gob is the standard idiomatic fallback for exactly this shape
// of problem: fixed, internally-defined Go structs with no cross-language
// wire requirement. Record-batch payloads never go through this codec —
// those are framed as Arrow IPC messages directly on the stream (see
// internal/batch and internal/rpcapi's streaming methods), so this codec's
// scope is narrowly the small unary/control messages.
type gobCodec struct{}

func (gobCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gobCodec) Unmarshal(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

func (gobCodec) Name() string { return CodecName }

func init() {
	encoding.RegisterCodec(gobCodec{})
}
