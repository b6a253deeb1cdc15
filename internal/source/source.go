// Package source reads the legacy journal and snapshot tables. All
// operations borrow a connection from an externally configured pgx pool
// per call and never mutate source rows.
package source

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linkflow/snapmigrate/internal/snapshot"
)

// Tables names the source tables. Zero-value fields fall back to the
// legacy defaults.
type Tables struct {
	Journal  string
	Snapshot string
}

func (t Tables) withDefaults() Tables {
	if t.Journal == "" {
		t.Journal = "journal"
	}
	if t.Snapshot == "" {
		t.Snapshot = "legacy_snapshot"
	}
	return t
}

// Enumerator streams distinct entity ids from the source journal.
type Enumerator struct {
	pool   *pgxpool.Pool
	tables Tables
}

func NewEnumerator(pool *pgxpool.Pool, tables Tables) *Enumerator {
	return &Enumerator{pool: pool, tables: tables.withDefaults()}
}

// EntityIDs invokes fn for each distinct persistence id, up to limit ids,
// in ascending order. Rows are pulled from an open cursor on demand, so
// memory stays bounded regardless of journal size. Re-invoking re-runs
// the query; no cursor state is persisted.
func (e *Enumerator) EntityIDs(ctx context.Context, limit int64, fn func(snapshot.EntityID) error) error {
	rows, err := e.pool.Query(ctx, fmt.Sprintf(`
		SELECT DISTINCT persistence_id
		FROM %s
		ORDER BY persistence_id
		LIMIT $1
	`, e.tables.Journal), limit)
	if err != nil {
		return &snapshot.QueryError{Op: "enumerate entity ids", Err: err}
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return &snapshot.QueryError{Op: "scan entity id", Err: err}
		}
		if err := fn(snapshot.EntityID(id)); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return &snapshot.QueryError{Op: "iterate entity ids", Err: err}
	}
	return nil
}

// EntityIDsAfter returns the next window of distinct persistence ids
// strictly greater than after, in ascending order. Used by paged
// migration for keyset pagination.
func (e *Enumerator) EntityIDsAfter(ctx context.Context, after snapshot.EntityID, limit int64) ([]snapshot.EntityID, error) {
	rows, err := e.pool.Query(ctx, fmt.Sprintf(`
		SELECT DISTINCT persistence_id
		FROM %s
		WHERE persistence_id > $1
		ORDER BY persistence_id
		LIMIT $2
	`, e.tables.Journal), string(after), limit)
	if err != nil {
		return nil, &snapshot.QueryError{Op: "enumerate entity id page", Err: err}
	}
	defer rows.Close()

	var ids []snapshot.EntityID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, &snapshot.QueryError{Op: "scan entity id", Err: err}
		}
		ids = append(ids, snapshot.EntityID(id))
	}
	if err := rows.Err(); err != nil {
		return nil, &snapshot.QueryError{Op: "iterate entity id page", Err: err}
	}
	return ids, nil
}

// Reader reads rows from the legacy snapshot table.
type Reader struct {
	pool   *pgxpool.Pool
	tables Tables
}

func NewReader(pool *pgxpool.Pool, tables Tables) *Reader {
	return &Reader{pool: pool, tables: tables.withDefaults()}
}

// LatestFor returns the snapshot row with the maximum sequence number for
// the given entity, breaking ties by newest creation time so selection is
// deterministic even if the source invariant is violated. Returns
// snapshot.ErrSnapshotNotFound when the entity has no snapshot.
func (r *Reader) LatestFor(ctx context.Context, id snapshot.EntityID) (snapshot.LegacyRow, error) {
	row := r.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT persistence_id, sequence_number, created, snapshot, snapshot_ser_id, snapshot_ser_manifest
		FROM %s
		WHERE persistence_id = $1
		ORDER BY sequence_number DESC, created DESC
		LIMIT 1
	`, r.tables.Snapshot), string(id))

	legacy, err := scanLegacyRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return snapshot.LegacyRow{}, snapshot.ErrSnapshotNotFound
		}
		return snapshot.LegacyRow{}, &snapshot.QueryError{Op: "read latest snapshot", Err: err}
	}
	return legacy, nil
}

// StreamAll invokes fn for every row of the legacy snapshot table, ordered
// by (persistence_id, sequence_number) ascending. The legacy scan had no
// defined order; this one is fixed so output and failure boundaries are
// reproducible.
func (r *Reader) StreamAll(ctx context.Context, fn func(snapshot.LegacyRow) error) error {
	rows, err := r.pool.Query(ctx, fmt.Sprintf(`
		SELECT persistence_id, sequence_number, created, snapshot, snapshot_ser_id, snapshot_ser_manifest
		FROM %s
		ORDER BY persistence_id, sequence_number
	`, r.tables.Snapshot))
	if err != nil {
		return &snapshot.QueryError{Op: "scan legacy snapshots", Err: err}
	}
	defer rows.Close()

	for rows.Next() {
		legacy, err := scanLegacyRow(rows)
		if err != nil {
			return &snapshot.QueryError{Op: "scan legacy snapshot row", Err: err}
		}
		if err := fn(legacy); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return &snapshot.QueryError{Op: "iterate legacy snapshots", Err: err}
	}
	return nil
}

func scanLegacyRow(row pgx.Row) (snapshot.LegacyRow, error) {
	var legacy snapshot.LegacyRow
	var id string
	if err := row.Scan(
		&id,
		&legacy.SequenceNumber,
		&legacy.CreatedAt,
		&legacy.Payload,
		&legacy.SerializerID,
		&legacy.SerializerManifest,
	); err != nil {
		return snapshot.LegacyRow{}, err
	}
	legacy.EntityID = snapshot.EntityID(id)
	return legacy, nil
}
