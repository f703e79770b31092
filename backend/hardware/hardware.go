//go:build hardware

// Package hardware implements the PKCS#11 hardware token backend: private
// keys never leave the device, and every sign/verify operation is
// delegated to the token via github.com/miekg/pkcs11. Built behind the
// "hardware" tag so the default build does not require a PKCS#11 shared
// library to be present on the host.
package hardware

import (
	"github.com/miekg/pkcs11"

	"github.com/trustedge-io/trustedge/backend"
	"github.com/trustedge-io/trustedge/primitives"
)

// Backend is the PKCS#11-backed hardware token backend.
type Backend struct {
	ctx      *pkcs11.Ctx
	session  pkcs11.SessionHandle
	slotID   uint
	keyLabel string
}

// Open initializes the PKCS#11 module at modulePath, opens a session on
// slotID, and logs in with pin.
func Open(modulePath string, slotID uint, pin string) (*Backend, error) {
	ctx := pkcs11.New(modulePath)
	if ctx == nil {
		return nil, backend.ErrOperationNotSupported
	}
	if err := ctx.Initialize(); err != nil {
		return nil, err
	}
	session, err := ctx.OpenSession(slotID, pkcs11.CKF_SERIAL_SESSION|pkcs11.CKF_RW_SESSION)
	if err != nil {
		ctx.Finalize()
		return nil, err
	}
	if err := ctx.Login(session, pkcs11.CKU_USER, pin); err != nil {
		ctx.CloseSession(session)
		ctx.Finalize()
		return nil, err
	}
	return &Backend{ctx: ctx, session: session, slotID: slotID}, nil
}

// Name implements backend.Backend.
func (b *Backend) Name() string { return "hardware" }

// Capabilities implements backend.Backend. Hardware tokens never expose
// raw key material, so DeriveKey and AEAD operations are out of scope;
// only sign/verify/hash/random are supported.
func (b *Backend) Capabilities() backend.Capability {
	return backend.CapSign | backend.CapVerify | backend.CapHash | backend.CapRandomBytes
}

// Do implements backend.Backend by delegating to the token.
func (b *Backend) Do(req backend.Request) (backend.Response, error) {
	switch req.Op {
	case backend.OpSign:
		return b.sign(req)
	case backend.OpVerify:
		return b.verify(req)
	case backend.OpHash:
		return b.hash(req)
	case backend.OpRandomBytes:
		return b.random(req)
	default:
		return backend.Response{}, backend.ErrOperationNotSupported
	}
}

func (b *Backend) findPrivateKeyHandle(keyID string) (pkcs11.ObjectHandle, error) {
	template := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, keyID),
	}
	if err := b.ctx.FindObjectsInit(b.session, template); err != nil {
		return 0, err
	}
	defer b.ctx.FindObjectsFinal(b.session)

	handles, _, err := b.ctx.FindObjects(b.session, 1)
	if err != nil {
		return 0, err
	}
	if len(handles) == 0 {
		return 0, backend.ErrOperationNotSupported
	}
	return handles[0], nil
}

func (b *Backend) sign(req backend.Request) (backend.Response, error) {
	handle, err := b.findPrivateKeyHandle(req.KeyID)
	if err != nil {
		return backend.Response{}, err
	}
	mechanism := []*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_EDDSA, nil)}
	if err := b.ctx.SignInit(b.session, mechanism, handle); err != nil {
		return backend.Response{}, err
	}
	sig, err := b.ctx.Sign(b.session, req.Message)
	if err != nil {
		return backend.Response{}, err
	}
	return backend.Response{Signature: sig}, nil
}

func (b *Backend) verify(req backend.Request) (backend.Response, error) {
	handle, err := b.findPublicKeyHandle(req.KeyID)
	if err != nil {
		return backend.Response{}, err
	}
	mechanism := []*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_EDDSA, nil)}
	if err := b.ctx.VerifyInit(b.session, mechanism, handle); err != nil {
		return backend.Response{}, err
	}
	if err := b.ctx.Verify(b.session, req.Message, req.Signature); err != nil {
		return backend.Response{}, err
	}
	return backend.Response{}, nil
}

func (b *Backend) findPublicKeyHandle(keyID string) (pkcs11.ObjectHandle, error) {
	template := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PUBLIC_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, keyID),
	}
	if err := b.ctx.FindObjectsInit(b.session, template); err != nil {
		return 0, err
	}
	defer b.ctx.FindObjectsFinal(b.session)

	handles, _, err := b.ctx.FindObjects(b.session, 1)
	if err != nil {
		return 0, err
	}
	if len(handles) == 0 {
		return 0, backend.ErrOperationNotSupported
	}
	return handles[0], nil
}

// hash computes an on-device SHA-256 digest via the token's CKM_SHA256
// mechanism, so CapHash reflects an operation the token actually performs
// rather than one done in host memory.
func (b *Backend) hash(req backend.Request) (backend.Response, error) {
	mechanism := []*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_SHA256, nil)}
	if err := b.ctx.DigestInit(b.session, mechanism); err != nil {
		return backend.Response{}, err
	}
	digest, err := b.ctx.Digest(b.session, req.Data)
	if err != nil {
		return backend.Response{}, err
	}
	var out [primitives.HashSize]byte
	copy(out[:], digest)
	return backend.Response{Hash: out}, nil
}

func (b *Backend) random(req backend.Request) (backend.Response, error) {
	rnd, err := b.ctx.GenerateRandom(b.session, req.N)
	if err != nil {
		return backend.Response{}, err
	}
	return backend.Response{Random: rnd}, nil
}

// Close logs out, closes the session, and finalizes the PKCS#11 module.
func (b *Backend) Close() error {
	b.ctx.Logout(b.session)
	b.ctx.CloseSession(b.session)
	b.ctx.Finalize()
	b.ctx.Destroy()
	return nil
}
