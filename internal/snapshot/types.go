package snapshot

import (
	"errors"
	"time"
)

// ErrSnapshotNotFound is returned when an entity has no snapshot row in
// the legacy store. Pipelines treat it as a skip, never as a failure.
var ErrSnapshotNotFound = errors.New("snapshot not found")

// EntityID identifies one event-sourced entity's persisted stream. It is
// the unique key across both the legacy and the new schema.
type EntityID string

// LegacyRow is one row of the legacy snapshot table, read-only to the
// engine. SerializerID and SerializerManifest are nullable in the source
// schema.
type LegacyRow struct {
	EntityID           EntityID
	SequenceNumber     int64
	CreatedAt          time.Time
	Payload            []byte
	SerializerID       *int32
	SerializerManifest *string
}

// Metadata travels alongside a decoded payload through the pipeline.
type Metadata struct {
	EntityID       EntityID
	SequenceNumber int64
	Timestamp      time.Time
}

// Decoded is a snapshot whose payload has been resolved through the codec
// registry. SerializerID and Manifest record which scheme produced the
// payload and the manifest it was stored under, so the target writer can
// re-encode it without losing either; the engine never inspects the
// payload's structure.
type Decoded struct {
	Metadata     Metadata
	SerializerID int32
	Manifest     string
	Payload      any
}
