package transport

import (
	"fmt"

	"google.golang.org/grpc/encoding"
)

// Frame carries an opaque, already-JSON-encoded payload across the wire.
// Handle data has no fixed schema (it is application bytes), so rather than
// hand-maintain generated protobuf descriptors, every RPC in this package
// exchanges Frames and decodes their payload with encoding/json at the
// application layer.
type Frame struct {
	Payload []byte
}

// Reset, String and ProtoMessage satisfy proto.Message's historical
// interface shape, which grpc's transport layer still expects to see on
// values passed through Marshal/Unmarshal even when a custom codec ignores
// the descriptor entirely.
func (f *Frame) Reset()         { f.Payload = nil }
func (f *Frame) String() string { return fmt.Sprintf("transport.Frame(%d bytes)", len(f.Payload)) }
func (f *Frame) ProtoMessage()  {}

// rawCodec marshals Frames by passing their payload through unmodified. It
// registers under the name "proto" — the codec name grpc selects by
// default for the "application/grpc" content-subtype — so a client and
// server built entirely from this package never need a real protobuf
// descriptor, while still running over grpc's normal framing, status
// handling and health-check machinery (which is itself protobuf-based).
// This is the same substitution transparent grpc proxies use to forward
// arbitrary payloads without per-message .proto compilation.
type rawCodec struct{}

func (rawCodec) Name() string { return "proto" }

func (rawCodec) Marshal(v interface{}) ([]byte, error) {
	f, ok := v.(*Frame)
	if !ok {
		return nil, fmt.Errorf("transport: codec cannot marshal %T, want *Frame", v)
	}
	return f.Payload, nil
}

func (rawCodec) Unmarshal(data []byte, v interface{}) error {
	f, ok := v.(*Frame)
	if !ok {
		return fmt.Errorf("transport: codec cannot unmarshal into %T, want *Frame", v)
	}
	f.Payload = append([]byte(nil), data...)
	return nil
}

func init() {
	encoding.RegisterCodec(rawCodec{})
}
