package rpc

import (
	"encoding/json"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/proto"
)

// Codec marshals call payloads. The binary codec rides binary frames;
// the JSON codec rides text frames.
type Codec interface {
	Name() string
	Binary() bool
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// ProtoCodec marshals protobuf messages onto binary frames.
type ProtoCodec struct{}

func (ProtoCodec) Name() string { return "proto" }

func (ProtoCodec) Binary() bool { return true }

func (ProtoCodec) Marshal(v any) ([]byte, error) {
	msg, ok := v.(proto.Message)
	if !ok {
		return nil, errors.Errorf("rpc: %T is not a proto message", v)
	}
	return proto.Marshal(msg)
}

func (ProtoCodec) Unmarshal(data []byte, v any) error {
	msg, ok := v.(proto.Message)
	if !ok {
		return errors.Errorf("rpc: %T is not a proto message", v)
	}
	return proto.Unmarshal(data, msg)
}

// JSONCodec marshals values onto text frames.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Binary() bool { return false }

func (JSONCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
