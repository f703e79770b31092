package primitives

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
)

// KeySize is the AES-256-GCM key size in bytes.
const KeySize = 32

// NonceSize is the AES-GCM nonce size in bytes, composed in the envelope
// engine as a 4-byte random prefix followed by an 8-byte sequence counter.
const NonceSize = 12

// TagSize is the AES-GCM authentication tag size in bytes.
const TagSize = 16

var (
	// ErrInvalidKeySize is returned when a key is not exactly KeySize bytes.
	ErrInvalidKeySize = errors.New("primitives: key must be 32 bytes")
	// ErrInvalidNonceSize is returned when a nonce is not exactly NonceSize bytes.
	ErrInvalidNonceSize = errors.New("primitives: nonce must be 12 bytes")
	// ErrAuthFailed is returned when AEAD verification fails (tamper or wrong key).
	ErrAuthFailed = errors.New("primitives: authentication failed")
)

// AEAD wraps an AES-256-GCM cipher bound to one key.
type AEAD struct {
	gcm cipher.AEAD
}

// NewAEAD constructs an AES-256-GCM AEAD from a 32-byte key.
func NewAEAD(key *Secret) (*AEAD, error) {
	if key.Len() != KeySize {
		return nil, ErrInvalidKeySize
	}
	var aead *AEAD
	var err error
	key.Bytes(func(b []byte) {
		block, e := aes.NewCipher(b)
		if e != nil {
			err = e
			return
		}
		gcm, e := cipher.NewGCMWithNonceSize(block, NonceSize)
		if e != nil {
			err = e
			return
		}
		aead = &AEAD{gcm: gcm}
	})
	return aead, err
}

// Seal encrypts plaintext with the given 12-byte nonce and associated
// authenticated data, returning ciphertext||tag.
func (a *AEAD) Seal(nonce, aad, plaintext []byte) ([]byte, error) {
	if len(nonce) != NonceSize {
		return nil, ErrInvalidNonceSize
	}
	return a.gcm.Seal(nil, nonce, plaintext, aad), nil
}

// Open authenticates and decrypts ciphertext produced by Seal, verifying aad.
func (a *AEAD) Open(nonce, aad, ciphertext []byte) ([]byte, error) {
	if len(nonce) != NonceSize {
		return nil, ErrInvalidNonceSize
	}
	pt, err := a.gcm.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return pt, nil
}

// BuildNonce composes the 12-byte nonce from a 4-byte session-unique prefix
// and an 8-byte big-endian sequence counter, per the envelope's nonce
// discipline: every (key, nonce) pair is used at most once.
func BuildNonce(prefix [4]byte, seq uint64) [NonceSize]byte {
	var n [NonceSize]byte
	copy(n[:4], prefix[:])
	n[4] = byte(seq >> 56)
	n[5] = byte(seq >> 48)
	n[6] = byte(seq >> 40)
	n[7] = byte(seq >> 32)
	n[8] = byte(seq >> 24)
	n[9] = byte(seq >> 16)
	n[10] = byte(seq >> 8)
	n[11] = byte(seq)
	return n
}
