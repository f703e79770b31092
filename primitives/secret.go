// Package primitives implements TrustEdge's cryptographic primitives: AEAD,
// hashing, signatures, key derivation, random generation, and secret
// handling.
package primitives

// Secret holds key-sized byte material (AEAD keys, PBKDF2 keys derived
// from passphrases, session seeds) that must never be printed, logged, or
// JSON-marshaled in the clear.
type Secret struct {
	b []byte
}

// NewSecret copies b into a new Secret. The caller retains ownership of b.
func NewSecret(b []byte) *Secret {
	cp := make([]byte, len(b))
	copy(cp, b)
	return &Secret{b: cp}
}

// Len returns the number of bytes held.
func (s *Secret) Len() int {
	if s == nil {
		return 0
	}
	return len(s.b)
}

// Bytes exposes the plaintext only through a scoped callback so no caller
// can retain a reference to the underlying slice by accident.
func (s *Secret) Bytes(fn func([]byte)) {
	if s == nil {
		fn(nil)
		return
	}
	fn(s.b)
}

// Clone returns an independent copy of the secret.
func (s *Secret) Clone() *Secret {
	if s == nil {
		return nil
	}
	return NewSecret(s.b)
}

// Zero overwrites the held bytes. Safe to call multiple times.
func (s *Secret) Zero() {
	if s == nil {
		return
	}
	for i := range s.b {
		s.b[i] = 0
	}
}

// Redacted implements the redactor interface consumed by internal/logger
// so that Any(key, secret) never renders plaintext.
func (s *Secret) Redacted() string {
	return "[REDACTED]"
}

// String never renders plaintext, even if a Secret is passed to fmt
// directly instead of through the logger.
func (s *Secret) String() string {
	return "[REDACTED]"
}

// GoString mirrors String for %#v formatting.
func (s *Secret) GoString() string {
	return "[REDACTED]"
}
