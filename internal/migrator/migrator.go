// Package migrator drives the snapshot migration pipelines. A migrator
// runs exactly one pipeline per instance: enumerate-and-copy the latest
// snapshot per entity, copy the full history, or the paged variant of the
// latest pipeline with a persisted resume cursor.
package migrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/linkflow/snapmigrate/internal/migrator/cursor"
	"github.com/linkflow/snapmigrate/internal/observability/metrics"
	"github.com/linkflow/snapmigrate/internal/snapshot"
)

// State is the lifecycle of a migration run. Completed and Failed are
// terminal; a migrator is not reusable.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateRunning:
		return "Running"
	case StateCompleted:
		return "Completed"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// ErrNotIdle is returned when a pipeline is started on a migrator that
// already ran.
var ErrNotIdle = errors.New("migrator is not idle")

// Config bounds a migration run. The zero value gives the conservative
// defaults: one entity in flight, no entity limit, no write throttle.
type Config struct {
	// Parallelism is the number of entities processed concurrently. Each
	// entity is handled end-to-end by one worker, so there is never more
	// than one write in flight per entity regardless of this value.
	Parallelism int

	// EntityLimit caps how many entity ids a run processes. Zero means
	// all. In paged mode the cap spans pages, and a run stopped by it
	// keeps its cursor so the next run continues where it left off.
	EntityLimit int64

	// PageSize is the entity-id window size for the paged pipeline.
	PageSize int64

	// RunKey names the persisted cursor of a paged run. Two paged runs
	// with the same key share resume state.
	RunKey string

	// WriteRPS throttles target writes, in rows per second across all
	// workers. Zero disables the throttle.
	WriteRPS   float64
	WriteBurst int
}

func (c Config) withDefaults() Config {
	if c.Parallelism <= 0 {
		c.Parallelism = 1
	}
	if c.EntityLimit <= 0 {
		c.EntityLimit = math.MaxInt64
	}
	if c.PageSize <= 0 {
		c.PageSize = 1000
	}
	if c.RunKey == "" {
		c.RunKey = "default"
	}
	if c.WriteBurst <= 0 {
		c.WriteBurst = 1
	}
	return c
}

// Migrator copies snapshots from the legacy store into the new one. The
// first unrecoverable error aborts the pipeline; rows already written
// remain in the target.
type Migrator struct {
	enum    Enumerator
	reader  Reader
	decoder Decoder
	writer  Writer
	cursors cursor.Store
	cfg     Config
	limiter *rate.Limiter
	logger  *slog.Logger

	entitiesMigrated *metrics.Counter
	entitiesSkipped  *metrics.Counter
	rowsMigrated     *metrics.Counter
	pagesCompleted   *metrics.Counter

	mu    sync.Mutex
	state State
}

// New creates a migrator. cursors may be nil when the paged pipeline is
// not used.
func New(
	enum Enumerator,
	reader Reader,
	decoder Decoder,
	writer Writer,
	cursors cursor.Store,
	cfg Config,
	registry *metrics.Registry,
	logger *slog.Logger,
) *Migrator {
	cfg = cfg.withDefaults()

	var limiter *rate.Limiter
	if cfg.WriteRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.WriteRPS), cfg.WriteBurst)
	}

	return &Migrator{
		enum:             enum,
		reader:           reader,
		decoder:          decoder,
		writer:           writer,
		cursors:          cursors,
		cfg:              cfg,
		limiter:          limiter,
		logger:           logger,
		entitiesMigrated: registry.Counter("entities_migrated"),
		entitiesSkipped:  registry.Counter("entities_skipped"),
		rowsMigrated:     registry.Counter("rows_migrated"),
		pagesCompleted:   registry.Counter("pages_completed"),
		state:            StateIdle,
	}
}

// State reports the current lifecycle state.
func (m *Migrator) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Migrator) begin() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateIdle {
		return fmt.Errorf("%w: state is %s", ErrNotIdle, m.state)
	}
	m.state = StateRunning
	return nil
}

func (m *Migrator) finish(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err != nil {
		m.state = StateFailed
		return
	}
	m.state = StateCompleted
}

// MigrateLatest copies, for every entity in the journal, the snapshot row
// with the maximum sequence number into the target, keyed by entity id
// alone. Entities without a snapshot are skipped. Blocks until the id
// sequence is exhausted and the last write settles, or until the first
// error.
func (m *Migrator) MigrateLatest(ctx context.Context) error {
	if err := m.begin(); err != nil {
		return err
	}
	m.logger.Info("starting latest-snapshot migration",
		slog.Int("parallelism", m.cfg.Parallelism))

	err := m.runLatest(ctx)
	m.finish(err)
	if err != nil {
		m.logger.Error("latest-snapshot migration failed", slog.String("error", err.Error()))
		return err
	}
	m.logger.Info("latest-snapshot migration completed",
		slog.Int64("entities_migrated", m.entitiesMigrated.Value()),
		slog.Int64("entities_skipped", m.entitiesSkipped.Value()))
	return nil
}

func (m *Migrator) runLatest(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.Parallelism)

	enumErr := m.enum.EntityIDs(gctx, m.cfg.EntityLimit, func(id snapshot.EntityID) error {
		if err := gctx.Err(); err != nil {
			return err
		}
		g.Go(func() error {
			return m.migrateEntity(gctx, id)
		})
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return enumErr
}

func (m *Migrator) migrateEntity(ctx context.Context, id snapshot.EntityID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	row, err := m.reader.LatestFor(ctx, id)
	if err != nil {
		if errors.Is(err, snapshot.ErrSnapshotNotFound) {
			m.entitiesSkipped.Inc()
			m.logger.Debug("entity has no snapshot, skipping", slog.String("entity_id", string(id)))
			return nil
		}
		return err
	}

	decoded, err := m.decoder.Decode(row)
	if err != nil {
		return err
	}

	if err := m.throttle(ctx); err != nil {
		return err
	}
	if err := m.writer.SaveLatest(ctx, decoded); err != nil {
		return err
	}

	m.entitiesMigrated.Inc()
	m.rowsMigrated.Inc()
	m.logger.Debug("migrated latest snapshot",
		slog.String("entity_id", string(id)),
		slog.Int64("sequence_number", row.SequenceNumber))
	return nil
}

// MigrateAll copies every row of the legacy snapshot table into the
// target history table, keyed by (entity id, sequence number). The scan
// is ordered by entity id then sequence number; rows of one entity are
// dispatched as a unit so at most one write per entity is ever in flight.
func (m *Migrator) MigrateAll(ctx context.Context) error {
	if err := m.begin(); err != nil {
		return err
	}
	m.logger.Info("starting full-history migration",
		slog.Int("parallelism", m.cfg.Parallelism))

	err := m.runAll(ctx)
	m.finish(err)
	if err != nil {
		m.logger.Error("full-history migration failed", slog.String("error", err.Error()))
		return err
	}
	m.logger.Info("full-history migration completed",
		slog.Int64("rows_migrated", m.rowsMigrated.Value()))
	return nil
}

func (m *Migrator) runAll(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.Parallelism)

	var batch []snapshot.LegacyRow
	var current snapshot.EntityID

	flush := func() {
		if len(batch) == 0 {
			return
		}
		rows := batch
		batch = nil
		g.Go(func() error {
			return m.migrateRows(gctx, rows)
		})
	}

	streamErr := m.reader.StreamAll(gctx, func(row snapshot.LegacyRow) error {
		if err := gctx.Err(); err != nil {
			return err
		}
		if row.EntityID != current {
			flush()
			current = row.EntityID
		}
		batch = append(batch, row)
		return nil
	})
	flush()

	if err := g.Wait(); err != nil {
		return err
	}
	return streamErr
}

func (m *Migrator) migrateRows(ctx context.Context, rows []snapshot.LegacyRow) error {
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return err
		}
		decoded, err := m.decoder.Decode(row)
		if err != nil {
			return err
		}
		if err := m.throttle(ctx); err != nil {
			return err
		}
		if err := m.writer.SaveVersioned(ctx, decoded); err != nil {
			return err
		}
		m.rowsMigrated.Inc()
	}
	m.entitiesMigrated.Inc()
	return nil
}

// MigratePaged runs the latest pipeline in pages of entity ids. After
// each completed page the last id is persisted to the cursor store, so a
// failed or interrupted run resumes at the next page boundary instead of
// from the beginning. Entities migrated before a failure are re-migrated
// on resume only within the failing page, which is safe because latest
// writes are idempotent upserts.
func (m *Migrator) MigratePaged(ctx context.Context) error {
	if err := m.begin(); err != nil {
		return err
	}
	if m.cursors == nil {
		err := errors.New("paged migration requires a cursor store")
		m.finish(err)
		return err
	}
	m.logger.Info("starting paged migration",
		slog.Int("parallelism", m.cfg.Parallelism),
		slog.Int64("page_size", m.cfg.PageSize),
		slog.String("run_key", m.cfg.RunKey))

	err := m.runPaged(ctx)
	m.finish(err)
	if err != nil {
		m.logger.Error("paged migration failed", slog.String("error", err.Error()))
		return err
	}
	m.logger.Info("paged migration completed",
		slog.Int64("pages_completed", m.pagesCompleted.Value()),
		slog.Int64("entities_migrated", m.entitiesMigrated.Value()))
	return nil
}

func (m *Migrator) runPaged(ctx context.Context) error {
	after, resumed, err := m.cursors.Load(ctx, m.cfg.RunKey)
	if err != nil {
		return err
	}
	if resumed {
		m.logger.Info("resuming from persisted cursor",
			slog.String("run_key", m.cfg.RunKey),
			slog.String("after_entity_id", string(after)))
	}

	remaining := m.cfg.EntityLimit
	exhausted := false
	for remaining > 0 {
		limit := m.cfg.PageSize
		if remaining < limit {
			limit = remaining
		}

		ids, err := m.enum.EntityIDsAfter(ctx, after, limit)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			exhausted = true
			break
		}

		if err := m.migratePage(ctx, ids); err != nil {
			return err
		}

		after = ids[len(ids)-1]
		if err := m.cursors.Save(ctx, m.cfg.RunKey, after); err != nil {
			return err
		}
		remaining -= int64(len(ids))
		m.pagesCompleted.Inc()
		m.logger.Info("page completed",
			slog.Int("entities", len(ids)),
			slog.String("last_entity_id", string(after)))

		if int64(len(ids)) < limit {
			exhausted = true
			break
		}
	}

	// A run stopped by the entity limit keeps its cursor so a follow-up
	// run picks up at the next page.
	if !exhausted {
		return nil
	}
	return m.cursors.Clear(ctx, m.cfg.RunKey)
}

func (m *Migrator) migratePage(ctx context.Context, ids []snapshot.EntityID) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.Parallelism)

	for _, id := range ids {
		id := id
		g.Go(func() error {
			return m.migrateEntity(gctx, id)
		})
	}
	return g.Wait()
}

func (m *Migrator) throttle(ctx context.Context) error {
	if m.limiter == nil {
		return nil
	}
	return m.limiter.Wait(ctx)
}
