package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Step is one forward-only, numbered, idempotent schema change. Fn receives
// the live *sql.DB (already inside the single-writer executor — Migrate
// runs every step through RunBlocking) and must be safe to re-run: it
// inspects existing tables/columns before altering them, so running it
// twice (e.g. a half-applied migration from a crashed process) is a no-op
// the second time.
type Step struct {
	Version     int
	Description string
	Fn          func(ctx context.Context, db *sql.DB) error
}

// Migrator applies Steps in ascending version order, recording each
// application in schema_version. A sync.Mutex (rather than relying on the
// single-writer executor alone) prevents two concurrent Migrate calls in
// the same process from racing on CurrentVersion.
type Migrator struct {
	steps []Step
	mu    sync.Mutex
}

// NewMigrator builds a Migrator over steps, sorted by version. Panics on
// duplicate versions — that is a programming error, not a runtime one.
func NewMigrator(steps []Step) *Migrator {
	sorted := append([]Step(nil), steps...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version < sorted[j].Version })
	seen := make(map[int]bool, len(sorted))
	for _, s := range sorted {
		if seen[s.Version] {
			panic(fmt.Sprintf("store: duplicate migration version %d", s.Version))
		}
		seen[s.Version] = true
	}
	return &Migrator{steps: sorted}
}

// Migrate ensures schema_version exists, then applies every step whose
// version exceeds the current maximum, each inside the single-writer
// executor and its own transaction-less call (steps that need atomicity
// wrap themselves in a transaction internally — some steps, like the FTS
// probe, must run outside a transaction to observe failures per-statement).
func (m *Migrator) Migrate(ctx context.Context, s *Store) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := s.RunBlocking(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			CREATE TABLE IF NOT EXISTS schema_version (
				version INTEGER PRIMARY KEY,
				description TEXT NOT NULL,
				applied_at TEXT NOT NULL
			)`)
		return err
	}); err != nil {
		return fmt.Errorf("store: ensure schema_version: %w", err)
	}

	current, err := m.currentVersion(ctx, s)
	if err != nil {
		return err
	}

	for _, step := range m.steps {
		if step.Version <= current {
			continue
		}
		if err := s.RunBlocking(ctx, func(db *sql.DB) error {
			if err := step.Fn(ctx, db); err != nil {
				return fmt.Errorf("migration %d (%s): %w", step.Version, step.Description, err)
			}
			_, err := db.ExecContext(ctx,
				`INSERT INTO schema_version (version, description, applied_at) VALUES (?, ?, ?)`,
				step.Version, step.Description, time.Now().UTC().Format(time.RFC3339))
			return err
		}); err != nil {
			return err
		}
	}

	return nil
}

func (m *Migrator) currentVersion(ctx context.Context, s *Store) (int, error) {
	var version int
	err := s.DB().QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("store: read current schema version: %w", err)
	}
	return version, nil
}

// CurrentVersion exposes the current version for diagnostics/tests.
func (m *Migrator) CurrentVersion(ctx context.Context, s *Store) (int, error) {
	return m.currentVersion(ctx, s)
}

// hasColumn reports whether table has a column named name. Steps use this
// to stay idempotent when adding columns (SQLite has no
// "ADD COLUMN IF NOT EXISTS").
func hasColumn(ctx context.Context, db *sql.DB, table, name string) (bool, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			colName    string
			colType    string
			notNull    int
			dfltValue  any
			pk         int
		)
		if err := rows.Scan(&cid, &colName, &colType, &notNull, &dfltValue, &pk); err != nil {
			return false, err
		}
		if colName == name {
			return true, nil
		}
	}
	return false, rows.Err()
}

// hasTable reports whether a table exists.
func hasTable(ctx context.Context, db *sql.DB, name string) (bool, error) {
	var count int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, name).Scan(&count)
	return count > 0, err
}

// ftsAvailable probes whether the SQLite build linked in supports FTS5, by
// attempting to create and immediately drop a throwaway virtual table. Used
// by migrations that add/drop full-text-search artifacts so the rest of the
// system can fall back to vector-only search when FTS is unavailable
// (ModelUnavailable error kind — graceful degradation, not a hard failure).
func ftsAvailable(ctx context.Context, db *sql.DB) bool {
	_, err := db.ExecContext(ctx, `CREATE VIRTUAL TABLE IF NOT EXISTS __fts_probe USING fts5(x)`)
	if err != nil {
		return false
	}
	_, _ = db.ExecContext(ctx, `DROP TABLE IF EXISTS __fts_probe`)
	return true
}
