package codec

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

const protoStructManifest = "google.protobuf.Struct"

// ProtoStructScheme handles payloads stored as protobuf-encoded
// google.protobuf.Struct messages. It covers schema-less payloads written
// by protobuf-based producers without requiring generated types.
type ProtoStructScheme struct {
	id int32
}

func NewProtoStructScheme(id int32) *ProtoStructScheme {
	return &ProtoStructScheme{id: id}
}

func (s *ProtoStructScheme) ID() int32 { return s.id }

func (s *ProtoStructScheme) Decode(manifest string, data []byte) (any, error) {
	if manifest != "" && manifest != protoStructManifest {
		return nil, fmt.Errorf("%w: %q", ErrUnknownManifest, manifest)
	}
	var st structpb.Struct
	if err := proto.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("unmarshal struct payload: %w", err)
	}
	return &st, nil
}

func (s *ProtoStructScheme) Encode(payload any) ([]byte, string, error) {
	st, ok := payload.(*structpb.Struct)
	if !ok {
		return nil, "", fmt.Errorf("encode: expected *structpb.Struct, got %T", payload)
	}
	data, err := proto.Marshal(st)
	if err != nil {
		return nil, "", fmt.Errorf("marshal struct payload: %w", err)
	}
	return data, protoStructManifest, nil
}
