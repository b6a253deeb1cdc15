// Command migrate applies the target snapshot schema DDL before a
// migration run. It tracks applied versions in a schema_migrations table
// on the target database.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	migrationsTable = "schema_migrations"
	migrationsDir   = "scripts/migrations"
)

type migration struct {
	Version  int
	Name     string
	UpPath   string
	DownPath string
}

func main() {
	databaseURL := flag.String("database-url", os.Getenv("TARGET_DATABASE_URL"), "Target PostgreSQL connection URL")
	migrationsPath := flag.String("migrations-path", migrationsDir, "Path to migrations directory")
	flag.Parse()

	if *databaseURL == "" {
		log.Fatal("TARGET_DATABASE_URL environment variable or --database-url flag is required")
	}
	if len(flag.Args()) < 1 {
		printUsage()
		os.Exit(1)
	}
	command := flag.Args()[0]

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, *databaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pool.Close()

	if err := ensureMigrationsTable(ctx, pool); err != nil {
		log.Fatalf("Failed to ensure migrations table: %v", err)
	}

	migrations, err := loadMigrations(*migrationsPath)
	if err != nil {
		log.Fatalf("Failed to load migrations: %v", err)
	}

	switch command {
	case "up":
		if err := runUp(ctx, pool, migrations); err != nil {
			log.Fatalf("Migration up failed: %v", err)
		}
	case "down":
		steps := 1
		if len(flag.Args()) > 1 {
			steps, err = strconv.Atoi(flag.Args()[1])
			if err != nil {
				log.Fatalf("Invalid number of steps: %v", err)
			}
		}
		if err := runDown(ctx, pool, migrations, steps); err != nil {
			log.Fatalf("Migration down failed: %v", err)
		}
	case "version":
		version, err := currentVersion(ctx, pool)
		if err != nil {
			log.Fatalf("Failed to get version: %v", err)
		}
		fmt.Printf("Current migration version: %d\n", version)
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Usage: migrate [options] <command> [args]

Commands:
  up             Apply all pending migrations
  down [n]       Roll back n migrations (default: 1)
  version        Show current migration version

Options:
  --database-url    Target PostgreSQL URL (or set TARGET_DATABASE_URL)
  --migrations-path Path to migrations directory (default: scripts/migrations)`)
}

func ensureMigrationsTable(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`, migrationsTable))
	return err
}

func loadMigrations(dir string) ([]migration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	byVersion := make(map[int]*migration)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}

		parts := strings.SplitN(name, "_", 2)
		if len(parts) < 2 {
			continue
		}
		version, err := strconv.Atoi(parts[0])
		if err != nil {
			continue
		}

		isUp := strings.HasSuffix(name, ".up.sql")
		isDown := strings.HasSuffix(name, ".down.sql")
		if !isUp && !isDown {
			continue
		}

		m := byVersion[version]
		if m == nil {
			title := strings.TrimSuffix(strings.TrimSuffix(parts[1], ".up.sql"), ".down.sql")
			m = &migration{Version: version, Name: title}
			byVersion[version] = m
		}
		if isUp {
			m.UpPath = filepath.Join(dir, name)
		} else {
			m.DownPath = filepath.Join(dir, name)
		}
	}

	var migrations []migration
	for _, m := range byVersion {
		if m.UpPath != "" {
			migrations = append(migrations, *m)
		}
	}
	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

func currentVersion(ctx context.Context, pool *pgxpool.Pool) (int, error) {
	var version int
	err := pool.QueryRow(ctx, fmt.Sprintf(`SELECT COALESCE(MAX(version), 0) FROM %s`, migrationsTable)).Scan(&version)
	return version, err
}

func appliedVersions(ctx context.Context, pool *pgxpool.Pool) (map[int]bool, error) {
	rows, err := pool.Query(ctx, fmt.Sprintf(`SELECT version FROM %s`, migrationsTable))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func runUp(ctx context.Context, pool *pgxpool.Pool, migrations []migration) error {
	applied, err := appliedVersions(ctx, pool)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}
		fmt.Printf("Applying migration %d: %s...\n", m.Version, m.Name)

		content, err := os.ReadFile(m.UpPath)
		if err != nil {
			return fmt.Errorf("failed to read migration %d: %w", m.Version, err)
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("failed to start transaction: %w", err)
		}
		if _, err := tx.Exec(ctx, string(content)); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("failed to execute migration %d: %w", m.Version, err)
		}
		if _, err := tx.Exec(ctx, fmt.Sprintf(`INSERT INTO %s (version) VALUES ($1)`, migrationsTable), m.Version); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("failed to record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", m.Version, err)
		}
	}

	fmt.Println("All migrations applied.")
	return nil
}

func runDown(ctx context.Context, pool *pgxpool.Pool, migrations []migration, steps int) error {
	applied, err := appliedVersions(ctx, pool)
	if err != nil {
		return err
	}

	reversed := make([]migration, len(migrations))
	copy(reversed, migrations)
	sort.Slice(reversed, func(i, j int) bool {
		return reversed[i].Version > reversed[j].Version
	})

	rolledBack := 0
	for _, m := range reversed {
		if !applied[m.Version] || rolledBack >= steps {
			continue
		}
		if m.DownPath == "" {
			return fmt.Errorf("migration %d has no down file", m.Version)
		}
		fmt.Printf("Rolling back migration %d: %s...\n", m.Version, m.Name)

		content, err := os.ReadFile(m.DownPath)
		if err != nil {
			return fmt.Errorf("failed to read migration %d down file: %w", m.Version, err)
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("failed to start transaction: %w", err)
		}
		if _, err := tx.Exec(ctx, string(content)); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("failed to execute rollback for migration %d: %w", m.Version, err)
		}
		if _, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE version = $1`, migrationsTable), m.Version); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("failed to unrecord migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("failed to commit rollback for migration %d: %w", m.Version, err)
		}
		rolledBack++
	}

	fmt.Printf("Rolled back %d migration(s).\n", rolledBack)
	return nil
}
