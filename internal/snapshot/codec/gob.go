package codec

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
)

const gobFrameVersion = 1

// GobScheme frames payloads as a version byte followed by a gob stream.
// Concrete payload types must be registered with encoding/gob by the
// caller before the first decode.
type GobScheme struct {
	id int32
}

func NewGobScheme(id int32) *GobScheme {
	return &GobScheme{id: id}
}

func (s *GobScheme) ID() int32 { return s.id }

func (s *GobScheme) Decode(manifest string, data []byte) (any, error) {
	if len(data) < 2 {
		return nil, errors.New("gob payload too short")
	}
	if data[0] != gobFrameVersion {
		return nil, fmt.Errorf("unsupported gob frame version %d", data[0])
	}

	dec := gob.NewDecoder(bytes.NewReader(data[1:]))
	var payload any
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("gob decode payload: %w", err)
	}
	return payload, nil
}

func (s *GobScheme) Encode(payload any) ([]byte, string, error) {
	var buf bytes.Buffer
	buf.WriteByte(gobFrameVersion)
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(&payload); err != nil {
		return nil, "", fmt.Errorf("gob encode payload: %w", err)
	}
	return buf.Bytes(), "", nil
}
