package store_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/thinkhq/think/pkg/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "think.db")
	s, err := store.Open(context.Background(), store.Config{Path: path})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Reset()) })
	return s
}

func TestOpenCreatesUninitializedStore(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	initialized, err := s.IsInitialized(ctx)
	require.NoError(t, err)
	require.False(t, initialized)
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	m := store.NewMigrator(store.Steps())

	require.NoError(t, m.Migrate(ctx, s))
	first, err := m.CurrentVersion(ctx, s)
	require.NoError(t, err)
	require.Equal(t, len(store.Steps()), first)

	// Re-running against an already-migrated database must be a no-op.
	require.NoError(t, m.Migrate(ctx, s))
	second, err := m.CurrentVersion(ctx, s)
	require.NoError(t, err)
	require.Equal(t, first, second)

	initialized, err := s.IsInitialized(ctx)
	require.NoError(t, err)
	require.True(t, initialized)
}

func TestMigrateCreatesExpectedTables(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.NewMigrator(store.Steps()).Migrate(ctx, s))

	for _, table := range []string{
		"memories", "settings", "tags", "memory_tags",
		"conversations", "messages", "message_sources",
		"jobs", "memory_links",
	} {
		var count int
		err := s.DB().QueryRowContext(ctx,
			`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&count)
		require.NoError(t, err)
		require.Equalf(t, 1, count, "expected table %q to exist", table)
	}
}

func TestHasFTSReflectsMigratedIndex(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	before, err := s.HasFTS(ctx)
	require.NoError(t, err)
	require.False(t, before)

	require.NoError(t, store.NewMigrator(store.Steps()).Migrate(ctx, s))

	after, err := s.HasFTS(ctx)
	require.NoError(t, err)
	require.True(t, after, "test sqlite builds link FTS5")
}

func TestRunBlockingSerializesWrites(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.NewMigrator(store.Steps()).Migrate(ctx, s))

	const n = 25
	errCh := make(chan error, n)
	for i := 0; i < n; i++ {
		title := filepath.Base(t.TempDir())
		go func(title string) {
			errCh <- s.RunBlocking(ctx, func(db *sql.DB) error {
				_, err := db.ExecContext(ctx,
					`INSERT INTO memories (type, title, created_at) VALUES ('note', ?, datetime('now'))`, title)
				return err
			})
		}(title)
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-errCh)
	}

	var count int
	require.NoError(t, s.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM memories`).Scan(&count))
	require.Equal(t, n, count)
}
