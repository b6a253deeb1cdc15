// Command snapmigrate copies event-sourced entity snapshots from the
// legacy relational schema into the new snapshot store.
//
// Usage:
//
//	snapmigrate [flags] latest|full|paged
//
// latest migrates the highest-sequence snapshot per entity, full migrates
// the complete snapshot history, and paged runs the latest pipeline in
// resumable pages of entity ids. Source rows are never modified.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/linkflow/snapmigrate/internal/config"
	"github.com/linkflow/snapmigrate/internal/migrator"
	"github.com/linkflow/snapmigrate/internal/migrator/cursor"
	"github.com/linkflow/snapmigrate/internal/observability/metrics"
	"github.com/linkflow/snapmigrate/internal/snapshot/codec"
	"github.com/linkflow/snapmigrate/internal/source"
	"github.com/linkflow/snapmigrate/internal/target"
)

const (
	serializerJSON        = 1
	serializerGob         = 2
	serializerProtoStruct = 3
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		parallelism = flag.Int("parallelism", 0, "Entities processed concurrently (overrides MIGRATE_PARALLELISM)")
		pageSize    = flag.Int64("page-size", 0, "Entity ids per page in paged mode (overrides MIGRATE_PAGE_SIZE)")
		runKey      = flag.String("run-key", "", "Cursor key for paged mode (overrides MIGRATE_RUN_KEY)")
		verbose     = flag.Bool("verbose", false, "Log every migrated entity")
	)
	flag.Parse()

	if flag.NArg() != 1 {
		printUsage()
		return fmt.Errorf("expected one mode argument, got %d", flag.NArg())
	}
	mode := flag.Arg(0)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if *parallelism > 0 {
		cfg.Parallelism = *parallelism
	}
	if *pageSize > 0 {
		cfg.PageSize = *pageSize
	}
	if *runKey != "" {
		cfg.RunKey = *runKey
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sourcePool, err := pgxpool.New(ctx, cfg.SourceDatabaseURL)
	if err != nil {
		return fmt.Errorf("connect to source database: %w", err)
	}
	defer sourcePool.Close()
	if err := sourcePool.Ping(ctx); err != nil {
		return fmt.Errorf("ping source database: %w", err)
	}

	targetPool, err := pgxpool.New(ctx, cfg.TargetDatabaseURL)
	if err != nil {
		return fmt.Errorf("connect to target database: %w", err)
	}
	defer targetPool.Close()
	if err := targetPool.Ping(ctx); err != nil {
		return fmt.Errorf("ping target database: %w", err)
	}
	logger.Info("connected to source and target databases")

	registry, err := newCodecRegistry(cfg.DefaultSerializerID)
	if err != nil {
		return err
	}

	enum := source.NewEnumerator(sourcePool, source.Tables{
		Journal:  cfg.SourceJournalTable,
		Snapshot: cfg.SourceSnapshotTable,
	})
	reader := source.NewReader(sourcePool, source.Tables{
		Journal:  cfg.SourceJournalTable,
		Snapshot: cfg.SourceSnapshotTable,
	})
	writer := target.NewWriter(targetPool, registry, target.Tables{
		Snapshot: cfg.TargetSnapshotTable,
		History:  cfg.TargetHistoryTable,
	})

	cursors, closeCursors := newCursorStore(cfg, logger)
	defer closeCursors()

	stats := metrics.NewRegistry()
	m := migrator.New(enum, reader, registry, writer, cursors, migrator.Config{
		Parallelism: cfg.Parallelism,
		EntityLimit: cfg.EntityLimit,
		PageSize:    cfg.PageSize,
		RunKey:      cfg.RunKey,
		WriteRPS:    cfg.WriteRPS,
		WriteBurst:  cfg.WriteBurst,
	}, stats, logger)

	switch mode {
	case "latest":
		err = m.MigrateLatest(ctx)
	case "full":
		err = m.MigrateAll(ctx)
	case "paged":
		err = m.MigratePaged(ctx)
	default:
		printUsage()
		return fmt.Errorf("unknown mode %q", mode)
	}

	logSummary(logger, stats, m.State())
	return err
}

func newCodecRegistry(defaultSerializerID int32) (*codec.Registry, error) {
	return codec.NewRegistry(defaultSerializerID,
		codec.NewJSONScheme(serializerJSON, true),
		codec.NewGobScheme(serializerGob),
		codec.NewProtoStructScheme(serializerProtoStruct),
	)
}

func newCursorStore(cfg config.Config, logger *slog.Logger) (cursor.Store, func()) {
	if cfg.RedisAddr == "" {
		return cursor.NewMemoryStore(), func() {}
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	logger.Info("using redis cursor store", slog.String("addr", cfg.RedisAddr))
	return cursor.NewRedisStore(client), func() {
		_ = client.Close()
	}
}

func logSummary(logger *slog.Logger, stats *metrics.Registry, state migrator.State) {
	attrs := []any{slog.String("state", state.String())}
	snap := stats.Snapshot()
	for _, name := range stats.Names() {
		attrs = append(attrs, slog.Int64(name, snap[name]))
	}
	logger.Info("migration summary", attrs...)
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `Usage: snapmigrate [flags] latest|full|paged

Modes:
  latest   Migrate the highest-sequence snapshot per entity (idempotent upsert)
  full     Migrate every snapshot row, keyed by (entity, sequence number)
  paged    Latest-mode migration in resumable pages of entity ids

Configuration is read from the environment (SOURCE_DATABASE_URL,
TARGET_DATABASE_URL, table overrides, MIGRATE_* tuning, REDIS_ADDR for a
persistent paged-mode cursor). Flags override the corresponding variables.`)
}
