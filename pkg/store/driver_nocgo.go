//go:build !cgo

package store

import (
	"database/sql"
	"fmt"
	"sync/atomic"

	"modernc.org/sqlite"
)

// EncryptionSupported is false without cgo: modernc.org/sqlite is pure Go
// and has no SQLCipher support, so the database opens unencrypted.
const EncryptionSupported = false

var driverSeq atomic.Uint64

// openWithKey opens a plain, unencrypted connection via the pure-Go driver.
// The key and vectorExtPath parameters are accepted (and ignored) so callers
// don't need build-tag-aware code; EncryptionSupported tells the caller
// whether the resulting store is actually protecting data at rest.
func openWithKey(dsn, _ string, _ string) (*sql.DB, error) {
	driverName := fmt.Sprintf("think_sqlite3_nocgo_%d", driverSeq.Add(1))
	sql.Register(driverName, &sqlite.Driver{})
	return sql.Open(driverName, dsn)
}
