// Package keyring implements the software keyring backend: an envelope key
// derived via PBKDF2-HMAC-SHA256 from an OS-keyring-stored passphrase and a
// caller-supplied salt. Grounded on the teacher's
// pkg/agent/crypto/vault.FileVault passphrase-to-key derivation, adapted to
// this repository's 16-byte salt requirement and abstracted behind a
// PassphraseSource so the package has no OS-specific keyring dependency.
package keyring

import (
	"errors"

	"github.com/trustedge-io/trustedge/backend"
	"github.com/trustedge-io/trustedge/primitives"
)

// ErrNoPassphrase is returned when the configured PassphraseSource has no
// passphrase available.
var ErrNoPassphrase = errors.New("keyring: no passphrase available")

// PassphraseSource resolves the passphrase backing key derivation. A real
// deployment wires this to an OS keyring; tests and headless environments
// use EnvSource.
type PassphraseSource interface {
	Passphrase() ([]byte, error)
}

// EnvSource reads the passphrase from a fixed in-memory value, standing in
// for an OS keyring lookup in contexts where no OS keyring is available.
type EnvSource struct {
	Value []byte
}

// Passphrase implements PassphraseSource.
func (e EnvSource) Passphrase() ([]byte, error) {
	if len(e.Value) == 0 {
		return nil, ErrNoPassphrase
	}
	return e.Value, nil
}

// Backend is the software keyring backend.
type Backend struct {
	source PassphraseSource
}

// New constructs a keyring backend reading its passphrase from source.
func New(source PassphraseSource) *Backend {
	return &Backend{source: source}
}

// Name implements backend.Backend.
func (b *Backend) Name() string { return "keyring" }

// Capabilities implements backend.Backend.
func (b *Backend) Capabilities() backend.Capability {
	return backend.CapDeriveKey | backend.CapRandomBytes | backend.CapHash
}

// Do implements backend.Backend.
func (b *Backend) Do(req backend.Request) (backend.Response, error) {
	switch req.Op {
	case backend.OpDeriveKey:
		return b.deriveKey(req)
	case backend.OpRandomBytes:
		rnd, err := primitives.RandomBytes(req.N)
		if err != nil {
			return backend.Response{}, err
		}
		return backend.Response{Random: rnd}, nil
	case backend.OpHash:
		return backend.Response{Hash: primitives.Hash(req.Data)}, nil
	default:
		return backend.Response{}, backend.ErrOperationNotSupported
	}
}

func (b *Backend) deriveKey(req backend.Request) (backend.Response, error) {
	passphrase := req.Passphrase
	if len(passphrase) == 0 {
		p, err := b.source.Passphrase()
		if err != nil {
			return backend.Response{}, err
		}
		passphrase = p
	}
	if len(req.Salt) != primitives.SaltSize {
		return backend.Response{}, primitives.ErrInvalidSaltSize
	}
	key, err := primitives.DeriveKey(passphrase, req.Salt)
	if err != nil {
		return backend.Response{}, err
	}
	return backend.Response{Key: key}, nil
}

// Close implements backend.Backend; the keyring backend holds no resources.
func (b *Backend) Close() error { return nil }
