// Package config holds the migration tool's configuration as an explicit
// structure loaded from the environment. Components receive the values
// they need through their constructors; nothing reads configuration
// globally.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config is the full configuration of one tool invocation. Connection
// pool sizing, timeouts and retries are part of the database URLs and the
// driver's own settings.
type Config struct {
	SourceDatabaseURL string `env:"SOURCE_DATABASE_URL,required,notEmpty"`
	TargetDatabaseURL string `env:"TARGET_DATABASE_URL,required,notEmpty"`

	SourceJournalTable  string `env:"SOURCE_JOURNAL_TABLE" envDefault:"journal"`
	SourceSnapshotTable string `env:"SOURCE_SNAPSHOT_TABLE" envDefault:"legacy_snapshot"`
	TargetSnapshotTable string `env:"TARGET_SNAPSHOT_TABLE" envDefault:"snapshot"`
	TargetHistoryTable  string `env:"TARGET_HISTORY_TABLE" envDefault:"snapshot_history"`

	// Parallelism bounds how many entities are processed concurrently.
	// The conservative default of 1 keeps load on the target minimal.
	Parallelism int     `env:"MIGRATE_PARALLELISM" envDefault:"1"`
	EntityLimit int64   `env:"MIGRATE_ENTITY_LIMIT" envDefault:"0"`
	PageSize    int64   `env:"MIGRATE_PAGE_SIZE" envDefault:"1000"`
	RunKey      string  `env:"MIGRATE_RUN_KEY" envDefault:"default"`
	WriteRPS    float64 `env:"MIGRATE_WRITE_RPS" envDefault:"0"`
	WriteBurst  int     `env:"MIGRATE_WRITE_BURST" envDefault:"1"`

	// DefaultSerializerID resolves rows whose serializer id column is
	// NULL. Must name a registered codec scheme.
	DefaultSerializerID int32 `env:"MIGRATE_DEFAULT_SERIALIZER_ID" envDefault:"1"`

	// RedisAddr enables the Redis-backed cursor store for paged runs.
	// Empty keeps cursors in process memory (no resume across restarts).
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
}

// Load parses the configuration from environment variables.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}
