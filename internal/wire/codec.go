// Package wire encodes and decodes control-channel message envelopes
// (internal/protocol.Message). The wire format is pluggable: a default
// stdlib JSON codec, alternates selected at build time for throughput
// (goccy/go-json, segmentio/encoding/json), and a MessagePack codec for
// a more compact binary envelope.
package wire

import (
	"fmt"
	"os"
)

// Codec encodes and decodes control-channel message envelopes.
type Codec interface {
	Marshal(v interface{}) ([]byte, error)
	Unmarshal(data []byte, v interface{}) error
	Name() string
}

// CodecType selects a Codec implementation.
type CodecType string

const (
	CodecJSON        CodecType = "json"
	CodecMessagePack CodecType = "msgpack"
)

// JSONCodecName returns the name of the compile-time selected JSON codec,
// overridable with the WYRM_JSON_CODEC environment variable for
// diagnostics (it does not change which codec is actually linked in).
func JSONCodecName() string {
	if name := os.Getenv("WYRM_JSON_CODEC"); name != "" {
		return name
	}
	return (&JSONCodec{}).Name()
}

// NewCodec constructs the Codec named by typ.
func NewCodec(typ CodecType) (Codec, error) {
	switch typ {
	case CodecJSON, "":
		return &JSONCodec{}, nil
	case CodecMessagePack:
		return &MessagePackCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown codec type: %s", typ)
	}
}
