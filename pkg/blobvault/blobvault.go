// Package blobvault stores large binary payloads (audio, video, thumbnails,
// documents) as individually AEAD-encrypted files on disk, keyed by a
// per-domain key from pkg/crypto. Unlike pkg/store's single database file,
// blobs are append-only and never rewritten in place.
package blobvault

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/thinkhq/think/pkg/crypto"
	"github.com/thinkhq/think/pkg/errs"
)

// KeyFunc resolves the current AEAD key for a domain; callers pass
// (*crypto.Keyring).BlobKey so the vault never holds key material itself.
type KeyFunc func(domain crypto.Domain) (string, error)

// Vault is an encrypted, append-only blob store rooted at one directory per
// domain under root.
type Vault struct {
	fs     afero.Fs
	root   string
	keyFor KeyFunc
}

// New builds a Vault backed by fs (pass afero.NewOsFs() in production,
// afero.NewMemMapFs() in tests), rooted at root (the platform's per-user
// app-data directory, e.g. "<appdata>/Think").
func New(fs afero.Fs, root string, keyFor KeyFunc) *Vault {
	return &Vault{fs: fs, root: root, keyFor: keyFor}
}

func (v *Vault) domainDir(domain crypto.Domain) string {
	return filepath.Join(v.root, string(domain))
}

// Save encrypts data under domain and returns the relative filename
// (<uuid>.<ext>.enc) DataAccess should persist alongside the owning memory.
func (v *Vault) Save(ctx context.Context, domain crypto.Domain, data []byte, ext string) (string, error) {
	key, err := v.keyFor(domain)
	if err != nil {
		return "", errs.Wrap(errs.AuthLocked, "blob key unavailable", err)
	}

	ciphertext, err := crypto.Seal(key, data)
	if err != nil {
		return "", errs.Wrap(errs.Validation, "seal blob", err)
	}

	dir := v.domainDir(domain)
	if err := v.fs.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("blobvault: create domain dir: %w", err)
	}

	ext = strings.TrimPrefix(ext, ".")
	name := fmt.Sprintf("%s.%s.enc", uuid.NewString(), ext)
	path := filepath.Join(dir, name)

	if err := afero.WriteFile(v.fs, path, ciphertext, 0o600); err != nil {
		return "", fmt.Errorf("blobvault: write blob: %w", err)
	}
	return name, nil
}

// resolve joins name under domain's root and rejects any result that
// escapes it (path traversal via "..", absolute paths, symlink-like names
// smuggled through the relative name).
func (v *Vault) resolve(domain crypto.Domain, name string) (string, error) {
	dir := v.domainDir(domain)
	path := filepath.Join(dir, filepath.Clean(string(filepath.Separator)+name))
	rel, err := filepath.Rel(dir, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errs.New(errs.Validation, "blob name escapes domain root")
	}
	return path, nil
}

// Read decrypts and returns the blob stored as name under domain.
func (v *Vault) Read(ctx context.Context, domain crypto.Domain, name string) ([]byte, error) {
	path, err := v.resolve(domain, name)
	if err != nil {
		return nil, err
	}

	key, err := v.keyFor(domain)
	if err != nil {
		return nil, errs.Wrap(errs.AuthLocked, "blob key unavailable", err)
	}

	ciphertext, err := afero.ReadFile(v.fs, path)
	if err != nil {
		return nil, errs.Wrap(errs.NotFound, "blob not found", err)
	}

	plaintext, err := crypto.Open(key, ciphertext)
	if err != nil {
		return nil, errs.Wrap(errs.DecryptFailure, "cannot decrypt blob", err)
	}
	return plaintext, nil
}

// Delete removes name from domain's root. Returns (false, nil) if the blob
// was already absent — deletion is idempotent, matching spec's
// delete(...) -> bool semantics.
func (v *Vault) Delete(ctx context.Context, domain crypto.Domain, name string) (bool, error) {
	path, err := v.resolve(domain, name)
	if err != nil {
		return false, err
	}

	exists, err := afero.Exists(v.fs, path)
	if err != nil {
		return false, fmt.Errorf("blobvault: stat blob: %w", err)
	}
	if !exists {
		return false, nil
	}
	if err := v.fs.Remove(path); err != nil {
		return false, fmt.Errorf("blobvault: remove blob: %w", err)
	}
	return true, nil
}
