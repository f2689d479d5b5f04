// Package secrets provides at-rest encryption for stored credentials.
//
// Envelope format is iv:tag:ciphertext with each segment hex encoded.
// Decrypt tolerates values that are not in that format by returning them
// unchanged: rows written before encryption was enabled stay readable
// during the migration window. That shim is backward compatibility, not
// a correctness guarantee.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

const minKeyLen = 16

// Box encrypts and decrypts individual secret values with AES-256-GCM.
// The cipher key is derived by hashing the configured secret.
type Box struct {
	aead cipher.AEAD
	log  *zap.SugaredLogger
}

// New derives the symmetric key from the configured secret. A missing or
// short secret is a startup-time fatal: silently storing plaintext would
// be a security regression.
func New(key string, log *zap.SugaredLogger) (*Box, error) {
	if len(key) < minKeyLen {
		return nil, fmt.Errorf("encryption key must be at least %d characters", minKeyLen)
	}
	h := sha256.Sum256([]byte(key))
	block, err := aes.NewCipher(h[:])
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Box{aead: aead, log: log}, nil
}

// Encrypt seals plaintext into the iv:tag:ciphertext envelope.
// Empty input passes through unchanged so absent secrets stay absent.
func (b *Box) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	iv := make([]byte, b.aead.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return "", err
	}
	sealed := b.aead.Seal(nil, iv, []byte(plaintext), nil)
	// Seal appends the auth tag to the ciphertext; split it back out.
	tagAt := len(sealed) - b.aead.Overhead()
	ct, tag := sealed[:tagAt], sealed[tagAt:]
	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(tag) + ":" + hex.EncodeToString(ct), nil
}

// Decrypt opens an envelope produced by Encrypt. Malformed input (wrong
// segment count, bad hex, tag mismatch) is logged and returned as-is.
func (b *Box) Decrypt(value string) string {
	if value == "" {
		return ""
	}
	plain, err := b.open(value)
	if err != nil {
		b.log.Warnw("secret did not decrypt, returning stored value", "err", err)
		return value
	}
	return plain
}

func (b *Box) open(value string) (string, error) {
	parts := strings.Split(value, ":")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", errors.New("not an encrypted envelope")
	}
	iv, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", err
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", err
	}
	ct, err := hex.DecodeString(parts[2])
	if err != nil {
		return "", err
	}
	if len(iv) != b.aead.NonceSize() {
		return "", errors.New("bad iv length")
	}
	plain, err := b.aead.Open(nil, iv, append(ct, tag...), nil)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}
