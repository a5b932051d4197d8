package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrDecryptFailed is returned when ciphertext cannot be authenticated —
// corrupted data or the wrong key. It maps to the DecryptFailure error kind.
var ErrDecryptFailed = errors.New("crypto: cannot decrypt ciphertext")

// Seal encrypts plaintext whole (no streaming) with XChaCha20-Poly1305 under
// the base64url-encoded key produced by Keyring.BlobKey. The output is
// nonce || ciphertext||tag.
func Seal(base64Key string, plaintext []byte) ([]byte, error) {
	aead, err := newAEAD(base64Key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("crypto: generate nonce: %w", err)
	}

	out := aead.Seal(nonce, nonce, plaintext, nil)
	return out, nil
}

// Open decrypts a buffer produced by Seal. Authentication failure (wrong
// key or corrupted/truncated ciphertext) returns ErrDecryptFailed.
func Open(base64Key string, ciphertext []byte) ([]byte, error) {
	aead, err := newAEAD(base64Key)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < aead.NonceSize() {
		return nil, ErrDecryptFailed
	}

	nonce, box := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, box, nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

func newAEAD(base64Key string) (cipher.AEAD, error) {
	key, err := base64.URLEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("crypto: decode key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: init aead: %w", err)
	}
	return aead, nil
}
