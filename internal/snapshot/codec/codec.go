// Package codec resolves opaque legacy payloads through a registry of
// serialization schemes keyed by serializer id. The registry is built once
// at startup; the engine never inspects payload structure at runtime.
package codec

import (
	"errors"
	"fmt"

	"github.com/linkflow/snapmigrate/internal/snapshot"
)

var (
	ErrUnknownSerializer = errors.New("unknown serializer id")
	ErrUnknownManifest   = errors.New("unknown manifest")
)

// Scheme is one serialization format the registry can resolve. Decode
// receives the stored manifest alongside the raw bytes; Encode returns the
// manifest to persist with the encoded bytes.
type Scheme interface {
	ID() int32
	Decode(manifest string, data []byte) (any, error)
	Encode(payload any) (data []byte, manifest string, err error)
}

// Registry maps serializer ids to schemes. Rows with a NULL serializer id
// resolve to the configured fallback scheme.
type Registry struct {
	schemes    map[int32]Scheme
	fallbackID int32
}

// NewRegistry builds a registry from the given schemes. fallbackID names
// the scheme used for rows whose serializer id column is NULL and must be
// one of the registered ids.
func NewRegistry(fallbackID int32, schemes ...Scheme) (*Registry, error) {
	r := &Registry{schemes: make(map[int32]Scheme, len(schemes)), fallbackID: fallbackID}
	for _, s := range schemes {
		if _, dup := r.schemes[s.ID()]; dup {
			return nil, fmt.Errorf("duplicate scheme id %d", s.ID())
		}
		r.schemes[s.ID()] = s
	}
	if _, ok := r.schemes[fallbackID]; !ok {
		return nil, fmt.Errorf("fallback scheme id %d is not registered", fallbackID)
	}
	return r, nil
}

// Decode resolves the row's scheme and decodes its payload. Rows whose
// serializer id column is NULL resolve to the fallback scheme and carry
// its concrete id from here on, so the target row is written normalized
// rather than with a NULL id. Failures are reported as
// *snapshot.DeserializationError.
func (r *Registry) Decode(row snapshot.LegacyRow) (snapshot.Decoded, error) {
	id := r.fallbackID
	if row.SerializerID != nil {
		id = *row.SerializerID
	}
	manifest := ""
	if row.SerializerManifest != nil {
		manifest = *row.SerializerManifest
	}

	scheme, ok := r.schemes[id]
	if !ok {
		return snapshot.Decoded{}, &snapshot.DeserializationError{
			SerializerID: id,
			Manifest:     manifest,
			Err:          ErrUnknownSerializer,
		}
	}

	payload, err := scheme.Decode(manifest, row.Payload)
	if err != nil {
		return snapshot.Decoded{}, &snapshot.DeserializationError{
			SerializerID: id,
			Manifest:     manifest,
			Err:          err,
		}
	}

	return snapshot.Decoded{
		Metadata: snapshot.Metadata{
			EntityID:       row.EntityID,
			SequenceNumber: row.SequenceNumber,
			Timestamp:      row.CreatedAt,
		},
		SerializerID: id,
		Manifest:     manifest,
		Payload:      payload,
	}, nil
}

// Encode re-encodes a snapshot's payload with the scheme it was decoded
// by. Schemes that cannot derive a manifest from the payload itself (a
// lenient JSON decode into a generic map, the self-describing gob frame)
// keep the manifest the row was stored with, so the (serializer id,
// manifest) pair survives the round trip.
func (r *Registry) Encode(snap snapshot.Decoded) (data []byte, manifest string, err error) {
	scheme, ok := r.schemes[snap.SerializerID]
	if !ok {
		return nil, "", fmt.Errorf("encode: %w: %d", ErrUnknownSerializer, snap.SerializerID)
	}
	data, manifest, err = scheme.Encode(snap.Payload)
	if err != nil {
		return nil, "", err
	}
	if manifest == "" {
		manifest = snap.Manifest
	}
	return data, manifest, nil
}
