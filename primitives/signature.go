package primitives

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// ErrInvalidSignature is returned when Ed25519 verification fails.
var ErrInvalidSignature = errors.New("primitives: invalid signature")

// SigningKeyPair is an Ed25519 keypair used to sign manifests and identity
// certificates. Grounded on the teacher's ed25519KeyPair (crypto/keys),
// generalized beyond one fixed KeyType since TrustEdge only ever signs with
// Ed25519 (no secp256k1 surface in this spec).
type SigningKeyPair struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
	id   string
}

// GenerateSigningKeyPair generates a new Ed25519 keypair via the CSPRNG.
func GenerateSigningKeyPair() (*SigningKeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return newSigningKeyPair(pub, priv), nil
}

// NewSigningKeyPairFromSeed reconstructs a keypair from a 32-byte Ed25519 seed.
func NewSigningKeyPairFromSeed(seed []byte) (*SigningKeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, errors.New("primitives: ed25519 seed must be 32 bytes")
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	return newSigningKeyPair(pub, priv), nil
}

func newSigningKeyPair(pub ed25519.PublicKey, priv ed25519.PrivateKey) *SigningKeyPair {
	hash := sha256.Sum256(pub)
	return &SigningKeyPair{
		priv: priv,
		pub:  pub,
		id:   hex.EncodeToString(hash[:8]),
	}
}

// PublicKey returns the raw 32-byte Ed25519 public key.
func (kp *SigningKeyPair) PublicKey() ed25519.PublicKey {
	return kp.pub
}

// Seed returns the 32-byte seed backing this keypair, for persistence.
func (kp *SigningKeyPair) Seed() []byte {
	return kp.priv.Seed()
}

// ID returns a short stable identifier derived from the public key.
func (kp *SigningKeyPair) ID() string {
	return kp.id
}

// Sign signs message with the private key.
func (kp *SigningKeyPair) Sign(message []byte) []byte {
	return ed25519.Sign(kp.priv, message)
}

// Verify verifies signature over message using this keypair's public key.
func (kp *SigningKeyPair) Verify(message, signature []byte) error {
	return VerifyWithKey(kp.pub, message, signature)
}

// VerifyWithKey verifies an Ed25519 signature against an arbitrary public key.
func VerifyWithKey(pub ed25519.PublicKey, message, signature []byte) error {
	if !ed25519.Verify(pub, message, signature) {
		return ErrInvalidSignature
	}
	return nil
}

// domainSeparate prepends a fixed domain tag before signing/verifying, so a
// signature produced for one message class (a manifest) can never be
// replayed as valid for another (an identity certificate).
func domainSeparate(domain string, message []byte) []byte {
	out := make([]byte, len(domain)+len(message))
	copy(out, domain)
	copy(out[len(domain):], message)
	return out
}

// ManifestDomain is prepended before signing or verifying a manifest.
const ManifestDomain = "trustedge.manifest.v1"

// IdentityDomain is prepended before signing or verifying an identity
// certificate's self-signature.
const IdentityDomain = "trustedge.identity.v1"

// SignManifest signs manifestBytes with domain separation.
func (kp *SigningKeyPair) SignManifest(manifestBytes []byte) []byte {
	return kp.Sign(domainSeparate(ManifestDomain, manifestBytes))
}

// VerifyManifest verifies a domain-separated manifest signature.
func VerifyManifest(pub ed25519.PublicKey, manifestBytes, signature []byte) error {
	return VerifyWithKey(pub, domainSeparate(ManifestDomain, manifestBytes), signature)
}

// SignIdentity signs identityBytes with domain separation.
func (kp *SigningKeyPair) SignIdentity(identityBytes []byte) []byte {
	return kp.Sign(domainSeparate(IdentityDomain, identityBytes))
}

// VerifyIdentity verifies a domain-separated identity certificate signature.
func VerifyIdentity(pub ed25519.PublicKey, identityBytes, signature []byte) error {
	return VerifyWithKey(pub, domainSeparate(IdentityDomain, identityBytes), signature)
}
