// Package encryption seals memory fields with per-user keys.
//
// Ciphertexts are versioned envelopes: one version byte, a 24-byte random
// nonce, then the XChaCha20-Poly1305 sealed box. The field name is bound
// as associated data, so a content ciphertext cannot be replayed as a
// reflection.
package encryption

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/whispercore/internal/logging"
	"go.uber.org/zap"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// KeySize is the raw key length in bytes.
	KeySize = chacha20poly1305.KeySize

	envelopeV1 byte = 1
)

var (
	// ErrDecryption is wrapped by every decryption failure.
	ErrDecryption = errors.New("decryption failed")
	// ErrInvalidKey is returned for keys that do not decode to KeySize bytes.
	ErrInvalidKey = errors.New("invalid encryption key")
)

var keyEncoding = base64.URLEncoding

// GenerateKey returns a new random key in its text form.
func GenerateKey() (string, error) {
	raw := make([]byte, KeySize)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generating key: %w", err)
	}
	return keyEncoding.EncodeToString(raw), nil
}

// ParseKey decodes a text key. Both padded and unpadded base64url are
// accepted.
func ParseKey(key string) ([]byte, error) {
	raw, err := keyEncoding.DecodeString(key)
	if err != nil {
		raw, err = base64.RawURLEncoding.DecodeString(key)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(raw) != KeySize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidKey, len(raw), KeySize)
	}
	return raw, nil
}

// Wrapper encrypts and decrypts named fields.
type Wrapper struct {
	logger *logging.Logger
}

// NewWrapper returns a Wrapper. A nil logger discards decryption failures.
func NewWrapper(logger *logging.Logger) *Wrapper {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Wrapper{logger: logger}
}

// Encrypt seals plaintext for field under key.
func (w *Wrapper) Encrypt(field, plaintext, key string) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, fmt.Errorf("encrypting %s: %w", field, err)
	}

	out := make([]byte, 1+aead.NonceSize(), 1+aead.NonceSize()+len(plaintext)+aead.Overhead())
	out[0] = envelopeV1
	if _, err := rand.Read(out[1:]); err != nil {
		return nil, fmt.Errorf("encrypting %s: nonce: %w", field, err)
	}
	return aead.Seal(out, out[1:], []byte(plaintext), []byte(field)), nil
}

// Open decrypts ciphertext for field. Every failure wraps ErrDecryption.
func (w *Wrapper) Open(field string, ciphertext []byte, key string) (string, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrDecryption, field, err)
	}
	if len(ciphertext) < 1+aead.NonceSize()+aead.Overhead() {
		return "", fmt.Errorf("%w: %s: ciphertext too short", ErrDecryption, field)
	}
	if ciphertext[0] != envelopeV1 {
		return "", fmt.Errorf("%w: %s: unknown envelope version %d", ErrDecryption, field, ciphertext[0])
	}
	nonce := ciphertext[1 : 1+aead.NonceSize()]
	plain, err := aead.Open(nil, nonce, ciphertext[1+aead.NonceSize():], []byte(field))
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrDecryption, field, err)
	}
	return string(plain), nil
}

// Decrypt is Open for readers that tolerate a missing field: failures are
// logged and yield nil. An empty ciphertext is an unset field and also
// yields nil, without logging.
func (w *Wrapper) Decrypt(ctx context.Context, field string, ciphertext []byte, key string) *string {
	if len(ciphertext) == 0 {
		return nil
	}
	plain, err := w.Open(field, ciphertext, key)
	if err != nil {
		w.logger.Error(ctx, "field decryption failed",
			zap.String("field", field),
			zap.Error(err))
		return nil
	}
	return &plain
}

func newAEAD(key string) (cipher.AEAD, error) {
	raw, err := ParseKey(key)
	if err != nil {
		return nil, err
	}
	return chacha20poly1305.NewX(raw)
}
