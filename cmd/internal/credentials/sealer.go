package credentials

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// sealedMagic prefixes encrypted blobs so plaintext and sealed files can be told apart.
var sealedMagic = []byte("WGC1")

// ErrSealedCorrupt is returned when a sealed blob fails authentication.
var ErrSealedCorrupt = errors.New("sealed credentials are corrupt or bound to another key")

// Sealer encrypts blobs with XChaCha20-Poly1305; the session key is bound as associated data.
type Sealer struct {
	key []byte
}

// ParseKeyHex decodes a 32-byte hex-encoded key.
func ParseKeyHex(s string) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("credentials key: %w", err)
	}
	if len(raw) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("credentials key: want %d bytes, got %d", chacha20poly1305.KeySize, len(raw))
	}
	return raw, nil
}

// NewSealer returns a Sealer for a 32-byte key.
func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("credentials key: want %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return &Sealer{key: append([]byte(nil), key...)}, nil
}

// Seal encrypts plain for the session key.
func (s *Sealer) Seal(sessionKey string, plain []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(sealedMagic)+len(nonce)+len(plain)+aead.Overhead())
	out = append(out, sealedMagic...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plain, []byte(sessionKey)), nil
}

// Open decrypts a blob produced by Seal. Unsealed blobs are returned unchanged so stores
// written before encryption was enabled stay readable.
func (s *Sealer) Open(sessionKey string, blob []byte) ([]byte, error) {
	if !IsSealed(blob) {
		return blob, nil
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}

	rest := blob[len(sealedMagic):]
	if len(rest) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrSealedCorrupt
	}
	nonce, ct := rest[:aead.NonceSize()], rest[aead.NonceSize():]

	plain, err := aead.Open(nil, nonce, ct, []byte(sessionKey))
	if err != nil {
		return nil, ErrSealedCorrupt
	}
	return plain, nil
}

// IsSealed reports whether blob carries the sealed prefix.
func IsSealed(blob []byte) bool {
	return bytes.HasPrefix(blob, sealedMagic)
}
