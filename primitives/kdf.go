package primitives

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"

	"golang.org/x/crypto/pbkdf2"
)

// SaltSize is the PBKDF2 salt length mandated for TrustEdge key derivation.
// Note: this deviates from the 32-byte salt used by the teacher's
// pkg/agent/crypto/vault file vault; the salt size here follows this
// repository's own specification, which is authoritative.
const SaltSize = 16

// Iterations is the PBKDF2 iteration count for passphrase-derived keys.
const Iterations = 100_000

// ErrInvalidSaltSize is returned when a salt is not exactly SaltSize bytes.
var ErrInvalidSaltSize = errors.New("primitives: salt must be 16 bytes")

// RandomSalt draws a fresh CSPRNG salt of SaltSize bytes.
func RandomSalt() ([]byte, error) {
	return RandomBytes(SaltSize)
}

// DeriveKey derives a KeySize-byte key from a passphrase and salt using
// PBKDF2-HMAC-SHA256.
func DeriveKey(passphrase []byte, salt []byte) (*Secret, error) {
	if len(salt) != SaltSize {
		return nil, ErrInvalidSaltSize
	}
	key := pbkdf2.Key(passphrase, salt, Iterations, KeySize, sha256.New)
	defer func() {
		for i := range key {
			key[i] = 0
		}
	}()
	return NewSecret(key), nil
}

// RandomBytes draws n cryptographically secure random bytes via the CSPRNG.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}
