//go:build cgo

package store

import (
	"database/sql"
	"fmt"
	"strings"
	"sync/atomic"

	sqlite3 "github.com/mutecomm/go-sqlcipher/v4"
)

// EncryptionSupported is true when built with cgo: go-sqlcipher is linked
// in and PRAGMA key is honored.
const EncryptionSupported = true

var driverSeq atomic.Uint64

// openWithKey opens a dedicated driver instance (not a single shared one)
// so that each Store can carry its own key and extension path without
// global state leaking between concurrently-opened stores (tests, notably).
func openWithKey(dsn, key, vectorExtPath string) (*sql.DB, error) {
	driverName := fmt.Sprintf("think_sqlite3_%d", driverSeq.Add(1))
	sql.Register(driverName, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			if key != "" {
				escaped := strings.ReplaceAll(key, "'", "''")
				if _, err := conn.Exec(fmt.Sprintf("PRAGMA key = '%s';", escaped), nil); err != nil {
					return fmt.Errorf("store: set encryption key: %w", err)
				}
			}
			if vectorExtPath != "" {
				if err := conn.EnableLoadExtension(true); err != nil {
					return fmt.Errorf("store: enable extension loading: %w", err)
				}
				if err := conn.LoadExtension(vectorExtPath, ""); err != nil {
					return fmt.Errorf("store: load vector extension: %w", err)
				}
				if err := conn.EnableLoadExtension(false); err != nil {
					return fmt.Errorf("store: disable extension loading: %w", err)
				}
			}
			return nil
		},
	})
	return sql.Open(driverName, dsn)
}
