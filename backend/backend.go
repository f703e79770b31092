// Package backend implements the pluggable crypto backend abstraction: a
// capability-tagged dispatch over software keyring, file-based software
// HSM, and PKCS#11 hardware token implementations.
package backend

import (
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/trustedge-io/trustedge/primitives"
)

// Capability is a bitmask of operations a Backend can perform.
type Capability uint32

const (
	CapDeriveKey Capability = 1 << iota
	CapGenerateAsymmetricKey
	CapSign
	CapVerify
	CapHash
	CapRandomBytes
	CapAeadEncrypt
	CapAeadDecrypt
)

// Has reports whether c contains every bit set in required.
func (c Capability) Has(required Capability) bool {
	return c&required == required
}

var (
	// ErrNoSuitableBackend is returned by Registry.Select when no backend in
	// the preference list supports the required capability set.
	ErrNoSuitableBackend = errors.New("backend: no suitable backend for required capabilities")
	// ErrOperationNotSupported is returned by a backend asked to perform an
	// operation outside its capability set.
	ErrOperationNotSupported = errors.New("backend: operation not supported")
	// ErrBackendCorrupted is returned when a backend's persisted state fails
	// an integrity check on open.
	ErrBackendCorrupted = errors.New("backend: persisted state failed integrity check")
)

// Handle names and describes one opened backend instance.
type Handle struct {
	Name         string
	Capabilities Capability
}

// Request is a tagged operation request. Op identifies the operation, and
// only the fields grouped under that operation below are read. This models the spec's sum-type dispatch without
// reflection: Backend.Do switches on Op.
type Request struct {
	Op Operation

	// DeriveKey
	Passphrase []byte
	Salt       []byte

	// Sign / Verify
	KeyID     string
	Message   []byte
	Signature []byte

	// Hash
	Data []byte

	// RandomBytes
	N int

	// AeadEncrypt / AeadDecrypt
	Key        *primitives.Secret
	Nonce      []byte
	AAD        []byte
	Plaintext  []byte
	Ciphertext []byte

	// GenerateAsymmetricKey
	KeyLabel string
	// KeyAlgorithm selects the curve for OpGenerateAsymmetricKey; the zero
	// value requests the backend's default (Ed25519 for softhsm; keyring
	// does not serve OpGenerateAsymmetricKey).
	KeyAlgorithm string
}

// Operation tags a Request/Response pair.
type Operation int

const (
	OpDeriveKey Operation = iota
	OpGenerateAsymmetricKey
	OpSign
	OpVerify
	OpHash
	OpRandomBytes
	OpAeadEncrypt
	OpAeadDecrypt
)

// Response is the tagged result of a Request, populated according to the
// Request's Op.
type Response struct {
	Key        *primitives.Secret
	PublicKey  ed25519.PublicKey
	KeyID      string
	Signature  []byte
	Hash       [primitives.HashSize]byte
	Random     []byte
	Ciphertext []byte
	Plaintext  []byte
}

// Backend is implemented by every concrete crypto backend (keyring,
// softhsm, hardware). Do dispatches on req.Op; callers must check
// Capabilities before issuing a Request the backend cannot serve.
type Backend interface {
	Name() string
	Capabilities() Capability
	Do(req Request) (Response, error)
	Close() error
}

// Registry holds named, opened backends and selects among them by
// preference order and required capability.
type Registry struct {
	backends map[string]Backend
	order    []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Backend)}
}

// Register adds b under its own Name(), preserving registration order as
// the default preference order when no explicit preference is supplied.
func (r *Registry) Register(b Backend) error {
	name := b.Name()
	if _, exists := r.backends[name]; exists {
		return fmt.Errorf("backend: %q already registered", name)
	}
	r.backends[name] = b
	r.order = append(r.order, name)
	return nil
}

// Select returns the first backend in preference (or, if preference is
// empty, registration order) whose capability set is a superset of
// required.
func (r *Registry) Select(preference []string, required Capability) (Backend, error) {
	names := preference
	if len(names) == 0 {
		names = r.order
	}
	for _, name := range names {
		b, ok := r.backends[name]
		if !ok {
			continue
		}
		if b.Capabilities().Has(required) {
			return b, nil
		}
	}
	return nil, ErrNoSuitableBackend
}

// Handles lists the registered backends and their capability sets.
func (r *Registry) Handles() []Handle {
	out := make([]Handle, 0, len(r.order))
	for _, name := range r.order {
		b := r.backends[name]
		out = append(out, Handle{Name: name, Capabilities: b.Capabilities()})
	}
	return out
}

// Close closes every registered backend, returning the first error
// encountered while still attempting to close the rest.
func (r *Registry) Close() error {
	var first error
	for _, name := range r.order {
		if err := r.backends[name].Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
