package migrator

import (
	"context"

	"github.com/linkflow/snapmigrate/internal/snapshot"
)

// Enumerator streams distinct entity ids from the source journal.
type Enumerator interface {
	EntityIDs(ctx context.Context, limit int64, fn func(snapshot.EntityID) error) error
	EntityIDsAfter(ctx context.Context, after snapshot.EntityID, limit int64) ([]snapshot.EntityID, error)
}

// Reader reads rows from the legacy snapshot table.
type Reader interface {
	LatestFor(ctx context.Context, id snapshot.EntityID) (snapshot.LegacyRow, error)
	StreamAll(ctx context.Context, fn func(snapshot.LegacyRow) error) error
}

// Decoder resolves a legacy row's payload through the codec registry.
type Decoder interface {
	Decode(row snapshot.LegacyRow) (snapshot.Decoded, error)
}

// Writer persists decoded snapshots into the target store.
type Writer interface {
	SaveLatest(ctx context.Context, snap snapshot.Decoded) error
	SaveVersioned(ctx context.Context, snap snapshot.Decoded) error
}
