// Package crypto derives the database and blob-domain encryption keys from
// the user's master password. It implements CryptoKeyring: a salt persisted
// once on disk, and PBKDF2-SHA256 derivation of per-purpose keys from the
// password plus that salt.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

const (
	saltFileName = ".salt"
	// saltBytes is the count of random bytes hex-encoded into the persisted
	// salt, matching the original's secrets.token_hex(16) — the on-disk
	// file is saltBytes*2 = 32 ASCII hex characters, binary-written.
	saltBytes  = 16
	iterations = 100_000
	dbKeyLen   = 32
	blobKeyLen = 32
)

// Domain identifies a blob-key namespace.
type Domain string

const (
	DomainAudio     Domain = "audio"
	DomainVideo     Domain = "video"
	DomainDocument  Domain = "document"
	DomainThumbnail Domain = "thumbnails"
)

// ErrNoPassword is returned when a key is requested before Unlock.
var ErrNoPassword = errors.New("crypto: keyring is locked")

// Keyring derives and holds the database key and blob-domain keys in memory
// for the duration of an unlocked session. It is safe for concurrent use.
type Keyring struct {
	mu       sync.RWMutex
	saltPath string
	salt     []byte
	password []byte
	dbKey    string
}

// New creates a Keyring rooted at dataDir; the salt file lives at
// dataDir/.salt, read back in binary to avoid any encoding round-trip.
func New(dataDir string) *Keyring {
	return &Keyring{saltPath: filepath.Join(dataDir, saltFileName)}
}

// SaltPath returns the path the salt is (or will be) persisted at.
func (k *Keyring) SaltPath() string {
	return k.saltPath
}

// ensureSalt loads the persisted salt, generating and writing a fresh random
// one on first run.
func (k *Keyring) ensureSalt() ([]byte, error) {
	k.mu.RLock()
	if k.salt != nil {
		s := k.salt
		k.mu.RUnlock()
		return s, nil
	}
	k.mu.RUnlock()

	k.mu.Lock()
	defer k.mu.Unlock()
	if k.salt != nil {
		return k.salt, nil
	}

	raw, err := os.ReadFile(k.saltPath)
	switch {
	case err == nil:
		k.salt = raw
		return k.salt, nil
	case os.IsNotExist(err):
		raw := make([]byte, saltBytes)
		if _, rerr := rand.Read(raw); rerr != nil {
			return nil, fmt.Errorf("crypto: generate salt: %w", rerr)
		}
		salt := []byte(hex.EncodeToString(raw))
		if err := os.MkdirAll(filepath.Dir(k.saltPath), 0o700); err != nil {
			return nil, fmt.Errorf("crypto: create data dir: %w", err)
		}
		if err := os.WriteFile(k.saltPath, salt, 0o600); err != nil {
			return nil, fmt.Errorf("crypto: write salt: %w", err)
		}
		k.salt = salt
		return k.salt, nil
	default:
		return nil, fmt.Errorf("crypto: read salt: %w", err)
	}
}

// Unlock derives the database key from password and the persisted salt and
// retains the password in memory so blob-domain keys can be derived lazily.
// It does not itself validate the password; EncryptedStore.Open surfaces
// AuthInvalid when the derived key fails to decrypt the database.
func (k *Keyring) Unlock(password string) (string, error) {
	salt, err := k.ensureSalt()
	if err != nil {
		return "", err
	}

	dbKey := hex.EncodeToString(pbkdf2.Key([]byte(password), salt, iterations, dbKeyLen, sha256.New))

	k.mu.Lock()
	k.password = []byte(password)
	k.dbKey = dbKey
	k.mu.Unlock()

	return dbKey, nil
}

// DBKey returns the previously derived database key, or ErrNoPassword if
// Unlock has not been called (or Logout has cleared it).
func (k *Keyring) DBKey() (string, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.dbKey == "" {
		return "", ErrNoPassword
	}
	return k.dbKey, nil
}

// BlobKey derives the base64url-encoded AEAD key for the given domain. The
// derivation salts the password with "_<domain>" before PBKDF2, so each
// domain gets an independent key even though they share the master salt.
func (k *Keyring) BlobKey(domain Domain) (string, error) {
	k.mu.RLock()
	password := k.password
	k.mu.RUnlock()
	if password == nil {
		return "", ErrNoPassword
	}

	salt, err := k.ensureSalt()
	if err != nil {
		return "", err
	}

	material := append(append([]byte{}, password...), []byte("_"+string(domain))...)
	key := pbkdf2.Key(material, salt, iterations, blobKeyLen, sha256.New)
	return base64.URLEncoding.EncodeToString(key), nil
}

// Logout clears all in-memory key material. The derived DB key and blob
// keys become unavailable; a subsequent Unlock is required to use the store
// again.
func (k *Keyring) Logout() {
	k.mu.Lock()
	defer k.mu.Unlock()
	for i := range k.password {
		k.password[i] = 0
	}
	k.password = nil
	k.dbKey = ""
}

// Unlocked reports whether a password has been supplied via Unlock since
// the last Logout.
func (k *Keyring) Unlocked() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.dbKey != ""
}
