// Command migrate applies the checkpoint store schema. Migrations live in
// scripts/migrations as NNN_name.up.sql / NNN_name.down.sql pairs and are
// tracked in neb_schema_migrations.
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
	migrationsTable = "neb_schema_migrations"
	migrationsDir   = "scripts/migrations"
)

type migration struct {
	version  int
	name     string
	upPath   string
	downPath string
}

func main() {
	databaseURL := flag.String("database-url", os.Getenv("DATABASE_URL"), "PostgreSQL connection URL")
	migrationsPath := flag.String("migrations-path", migrationsDir, "Path to migrations directory")
	flag.Parse()

	if *databaseURL == "" {
		log.Fatal("DATABASE_URL environment variable or --database-url flag is required")
	}
	if len(flag.Args()) < 1 {
		printUsage()
		os.Exit(1)
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, *databaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pool.Close()

	if _, err := pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			version    INTEGER PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`, migrationsTable)); err != nil {
		log.Fatalf("Failed to ensure migrations table: %v", err)
	}

	migrations, err := loadMigrations(*migrationsPath)
	if err != nil {
		log.Fatalf("Failed to load migrations: %v", err)
	}

	switch cmd := flag.Args()[0]; cmd {
	case "up":
		err = migrateUp(ctx, pool, migrations)
	case "down":
		steps := 1
		if len(flag.Args()) > 1 {
			if steps, err = strconv.Atoi(flag.Args()[1]); err != nil {
				log.Fatalf("Invalid number of steps: %v", err)
			}
		}
		err = migrateDown(ctx, pool, migrations, steps)
	case "status":
		err = showStatus(ctx, pool, migrations)
	default:
		fmt.Printf("Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		log.Fatalf("%s failed: %v", flag.Args()[0], err)
	}
}

func printUsage() {
	fmt.Println(`Usage: migrate [options] <command> [args]

Commands:
  up             Apply all pending migrations
  down [n]       Roll back n migrations (default: 1)
  status         Show migration status

Options:
  --database-url    PostgreSQL connection URL (or set DATABASE_URL)
  --migrations-path Path to migrations directory (default: scripts/migrations)`)
}

// loadMigrations pairs up/down files by their numeric prefix.
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
		prefix, _, ok := strings.Cut(name, "_")
		if !ok {
			continue
		}
		version, err := strconv.Atoi(prefix)
		if err != nil {
			continue
		}

		m := byVersion[version]
		if m == nil {
			base := strings.TrimPrefix(name, prefix+"_")
			base = strings.TrimSuffix(strings.TrimSuffix(base, ".up.sql"), ".down.sql")
			m = &migration{version: version, name: base}
			byVersion[version] = m
		}
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			m.upPath = filepath.Join(dir, name)
		case strings.HasSuffix(name, ".down.sql"):
			m.downPath = filepath.Join(dir, name)
		}
	}

	var migrations []migration
	for _, m := range byVersion {
		if m.upPath != "" {
			migrations = append(migrations, *m)
		}
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].version < migrations[j].version })
	return migrations, nil
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

func migrateUp(ctx context.Context, pool *pgxpool.Pool, migrations []migration) error {
	applied, err := appliedVersions(ctx, pool)
	if err != nil {
		return err
	}

	ran := 0
	for _, m := range migrations {
		if applied[m.version] {
			continue
		}
		fmt.Printf("Applying migration %d: %s\n", m.version, m.name)

		content, err := os.ReadFile(m.upPath)
		if err != nil {
			return fmt.Errorf("failed to read migration %d: %w", m.version, err)
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, string(content)); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("migration %d failed: %w", m.version, err)
		}
		if _, err := tx.Exec(ctx,
			fmt.Sprintf(`INSERT INTO %s (version) VALUES ($1)`, migrationsTable), m.version); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("failed to record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return err
		}
		ran++
	}

	if ran == 0 {
		fmt.Println("No pending migrations.")
	} else {
		fmt.Printf("Applied %d migration(s).\n", ran)
	}
	return nil
}

func migrateDown(ctx context.Context, pool *pgxpool.Pool, migrations []migration, steps int) error {
	applied, err := appliedVersions(ctx, pool)
	if err != nil {
		return err
	}

	rolledBack := 0
	for i := len(migrations) - 1; i >= 0 && rolledBack < steps; i-- {
		m := migrations[i]
		if !applied[m.version] {
			continue
		}
		if m.downPath == "" {
			return fmt.Errorf("migration %d has no down file", m.version)
		}
		fmt.Printf("Rolling back migration %d: %s\n", m.version, m.name)

		content, err := os.ReadFile(m.downPath)
		if err != nil {
			return fmt.Errorf("failed to read migration %d down file: %w", m.version, err)
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, string(content)); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("rollback of migration %d failed: %w", m.version, err)
		}
		if _, err := tx.Exec(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE version = $1`, migrationsTable), m.version); err != nil {
			tx.Rollback(ctx)
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return err
		}
		rolledBack++
	}

	if rolledBack == 0 {
		fmt.Println("No migrations to roll back.")
	} else {
		fmt.Printf("Rolled back %d migration(s).\n", rolledBack)
	}
	return nil
}

func showStatus(ctx context.Context, pool *pgxpool.Pool, migrations []migration) error {
	applied, err := appliedVersions(ctx, pool)
	if err != nil {
		return err
	}

	fmt.Printf("%-8s %-40s %s\n", "VERSION", "NAME", "STATUS")
	for _, m := range migrations {
		status := "pending"
		if applied[m.version] {
			status = "applied"
		}
		fmt.Printf("%-8d %-40s %s\n", m.version, m.name, status)
	}
	return nil
}
