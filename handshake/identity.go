// Package handshake implements the C6 mutual-authentication protocol: a
// challenge-response exchange that establishes a session before any
// DataRecord is accepted.
package handshake

import (
	"crypto/ed25519"
	"errors"

	"github.com/trustedge-io/trustedge/primitives"
)

// Certificate is a self-signed identity presented during the handshake.
// Grounded on the teacher's ed25519 keypair identity pattern, generalized to
// a standalone self-signed certificate rather than a DID document.
type Certificate struct {
	Pubkey    ed25519.PublicKey
	Signature []byte
}

// ErrCertificateInvalid is returned when a Certificate's self-signature does
// not verify against its own public key.
var ErrCertificateInvalid = errors.New("handshake: certificate self-signature invalid")

// NewCertificate builds a self-signed certificate for kp's public key.
func NewCertificate(kp *primitives.SigningKeyPair) *Certificate {
	pub := kp.PublicKey()
	return &Certificate{
		Pubkey:    pub,
		Signature: kp.SignIdentity(pub),
	}
}

// Verify checks that the certificate's signature is valid over its own
// public key, under the identity domain separation tag.
func (c *Certificate) Verify() error {
	if err := primitives.VerifyIdentity(c.Pubkey, c.Pubkey, c.Signature); err != nil {
		return ErrCertificateInvalid
	}
	return nil
}
