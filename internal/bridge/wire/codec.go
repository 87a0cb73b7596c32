// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package wire defines the bridge's transport format: the message shapes that
// cross the network, a gRPC codec that carries them as JSON, and conversions
// between wire messages and the transport-agnostic model types.
//
// Payloads (task input/output, state values, event data) are embedded as raw
// JSON and never interpreted by this package.
package wire

import (
	"bytes"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/proto"
)

// CodecName is the gRPC content-subtype the bridge's runtime service speaks.
const CodecName = "json"

// Codec marshals bridge messages as JSON. Protobuf messages that share the
// connection (for example the standard health service) pass through as binary
// protobuf so one codec can serve both.
type Codec struct{}

func init() {
	encoding.RegisterCodec(Codec{})
}

func (Codec) Name() string { return CodecName }

func (Codec) Marshal(v any) ([]byte, error) {
	if m, ok := v.(proto.Message); ok {
		return proto.Marshal(m)
	}
	return json.Marshal(v)
}

func (Codec) Unmarshal(data []byte, v any) error {
	if m, ok := v.(proto.Message); ok {
		return proto.Unmarshal(data, m)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	return dec.Decode(v)
}

// Marshal encodes a wire message for byte-oriented transports.
func Marshal(v any) ([]byte, error) { return Codec{}.Marshal(v) }

// Unmarshal decodes a wire message produced by Marshal.
func Unmarshal(data []byte, v any) error { return Codec{}.Unmarshal(data, v) }

// Raw validates an opaque payload for embedding in a wire message.
// Empty payloads are omitted from the encoded message.
func Raw(p []byte) (json.RawMessage, error) {
	if len(p) == 0 {
		return nil, nil
	}
	if !json.Valid(p) {
		return nil, fmt.Errorf("payload is not valid JSON (%d bytes)", len(p))
	}
	return json.RawMessage(bytes.Clone(p)), nil
}
