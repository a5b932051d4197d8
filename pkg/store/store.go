// Package store implements EncryptedStore: it opens the password-gated
// SQLite database, runs schema migrations, and serializes all writes through
// a single-writer executor so concurrent callers never contend for the one
// database file's write lock.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
)

// ErrAuthInvalid is returned by Open when the supplied key fails to decrypt
// an existing database (wrong password).
var ErrAuthInvalid = errors.New("store: authentication failed (wrong password or corrupted database)")

// Config controls how a Store opens its database file.
type Config struct {
	// Path is the database file, e.g. <dataDir>/think.db.
	Path string
	// Key is the derived SQLCipher key (hex string from crypto.Keyring.Unlock).
	Key string
	// VectorExtensionPath is the path to a loadable SQLite extension
	// providing cosine_distance (or similar), loaded on every connection;
	// empty loads none. pkg/search computes cosine distance in process and
	// works either way.
	VectorExtensionPath string
	Logger              *zap.Logger
}

// Store owns the single encrypted database connection pool plus a
// dedicated single-goroutine executor that serializes writes.
type Store struct {
	db     *sql.DB
	path   string
	logger *zap.Logger

	writeCh chan func()
	wg      sync.WaitGroup
	closeMu sync.Mutex
	closed  bool
}

// Exists reports whether the database file is already present on disk,
// without opening it.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Open opens (creating if absent) the encrypted database at cfg.Path,
// verifies the key by running a trivial query, and starts the writer
// executor. Schema migration is a separate, explicit step (see Migrate).
func Open(ctx context.Context, cfg Config) (*Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	if !EncryptionSupported && cfg.Key != "" {
		logger.Warn("opening database without encryption support (built without cgo); data at rest is not protected")
	}

	db, err := openWithKey(cfg.Path, cfg.Key, cfg.VectorExtensionPath)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(1) // one physical connection: avoids SQLite file-lock thrash and lets the ConnectHook run exactly once per logical session
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		if EncryptionSupported && cfg.Key != "" {
			return nil, ErrAuthInvalid
		}
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: set busy_timeout: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: enable foreign keys: %w", err)
	}

	s := &Store{
		db:      db,
		path:    cfg.Path,
		logger:  logger,
		writeCh: make(chan func(), 64),
	}
	s.wg.Add(1)
	go s.writerLoop()

	return s, nil
}

func (s *Store) writerLoop() {
	defer s.wg.Done()
	for fn := range s.writeCh {
		fn()
	}
}

// RunBlocking offloads a blocking database operation onto the single-writer
// executor and waits for its result. Use for every write; reads may bypass
// it via DB() if they don't need write serialization.
func (s *Store) RunBlocking(ctx context.Context, op func(db *sql.DB) error) error {
	done := make(chan error, 1)
	task := func() {
		done <- op(s.db)
	}

	select {
	case s.writeCh <- task:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DB returns the underlying *sql.DB for read-only access. Writers must go
// through RunBlocking to preserve the single-writer guarantee.
func (s *Store) DB() *sql.DB {
	return s.db
}

// IsInitialized reports whether migrations have been applied at least once
// (the schema_version table exists and has rows).
func (s *Store) IsInitialized(ctx context.Context) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'`).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("store: check schema_version: %w", err)
	}
	if count == 0 {
		return false, nil
	}
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_version`).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("store: count schema_version rows: %w", err)
	}
	return count > 0, nil
}

// HasFTS reports whether the FTS5 index from migration step 7 exists —
// absent when the linked SQLite build has no FTS5 support, in which case
// HybridSearch must run in vector-only mode.
func (s *Store) HasFTS(ctx context.Context) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='memories_fts'`).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("store: check memories_fts: %w", err)
	}
	return count > 0, nil
}

// Reset disposes of the connection and the writer goroutine, "locking" the
// application: subsequent access requires a fresh Open with a re-derived
// key.
func (s *Store) Reset() error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.writeCh)
	s.wg.Wait()
	return s.db.Close()
}
