// Package softhsm implements the file-based software HSM backend: Ed25519
// and P-256 keypairs persisted to a directory with a JSON metadata index,
// integrity-checked on load. Grounded on the teacher's
// pkg/agent/crypto/vault.FileVault (PBKDF2 + AES-256-GCM encrypted-at-rest
// JSON records, atomic write via temp-file-then-rename), generalized from a
// single-key vault into a multi-key store with a metadata index, and using
// this repository's 16-byte PBKDF2 salt rather than the teacher's 32-byte
// salt.
package softhsm

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/trustedge-io/trustedge/backend"
	"github.com/trustedge-io/trustedge/primitives"
)

// KeyAlgorithm identifies the asymmetric key algorithm of a stored entry.
type KeyAlgorithm string

const (
	AlgorithmEd25519 KeyAlgorithm = "ed25519"
	AlgorithmP256    KeyAlgorithm = "p256"
)

// indexEntry is one record in the metadata index file.
type indexEntry struct {
	KeyID     string       `json:"key_id"`
	Algorithm KeyAlgorithm `json:"algorithm"`
	PublicKey string       `json:"public_key"` // base64
	Salt      string       `json:"salt"`       // base64, 16 bytes
	Nonce     string       `json:"nonce"`      // base64, 12 bytes
	Sealed    string       `json:"sealed"`     // base64 ciphertext||tag of the private seed
	Checksum  string       `json:"checksum"`   // base64 blake3 over the above fields
}

type index struct {
	Entries []indexEntry `json:"entries"`
}

// Backend is the file-based software HSM.
type Backend struct {
	dir        string
	passphrase []byte

	mu  sync.RWMutex
	idx index

	group singleflight.Group
}

const indexFileName = "index.json"

// Open loads (or initializes) a software HSM store rooted at dir, wrapping
// entries with a key derived from passphrase. Each call reads the index file
// itself: the singleflight group belongs to the Backend being opened, so it
// does not collapse loads across separate Open calls. Every save replaces
// the index by rename, so concurrent Open calls each read one complete key
// list.
func Open(dir string, passphrase []byte) (*Backend, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	b := &Backend{dir: dir, passphrase: passphrase}
	_, err, _ := b.group.Do("open", func() (interface{}, error) {
		return nil, b.load()
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Backend) indexPath() string {
	return filepath.Join(b.dir, indexFileName)
}

func (b *Backend) load() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	data, err := os.ReadFile(b.indexPath())
	if os.IsNotExist(err) {
		b.idx = index{}
		return nil
	}
	if err != nil {
		return err
	}
	var idx index
	if err := json.Unmarshal(data, &idx); err != nil {
		return backend.ErrBackendCorrupted
	}
	for _, e := range idx.Entries {
		if !entryChecksumValid(e) {
			return backend.ErrBackendCorrupted
		}
	}
	b.idx = idx
	return nil
}

func entryChecksumValid(e indexEntry) bool {
	want := e.Checksum
	e.Checksum = ""
	got := checksumEntry(e)
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func checksumEntry(e indexEntry) string {
	h := primitives.NewHasher()
	h.Write([]byte(e.KeyID))
	h.Write([]byte(e.Algorithm))
	h.Write([]byte(e.PublicKey))
	h.Write([]byte(e.Salt))
	h.Write([]byte(e.Nonce))
	h.Write([]byte(e.Sealed))
	sum := h.Sum()
	return base64.StdEncoding.EncodeToString(sum[:])
}

// save persists the index atomically: write to a temp file, fsync, rename.
func (b *Backend) save() error {
	data, err := json.Marshal(b.idx)
	if err != nil {
		return err
	}
	tmp := b.indexPath() + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, b.indexPath())
}

// Name implements backend.Backend.
func (b *Backend) Name() string { return "softhsm" }

// Capabilities implements backend.Backend. The store persists both Ed25519
// and P-256 keypairs; sign/verify dispatch on each entry's stored algorithm.
func (b *Backend) Capabilities() backend.Capability {
	return backend.CapGenerateAsymmetricKey | backend.CapSign | backend.CapVerify | backend.CapRandomBytes
}

// Do implements backend.Backend.
func (b *Backend) Do(req backend.Request) (backend.Response, error) {
	switch req.Op {
	case backend.OpGenerateAsymmetricKey:
		return b.generate(req)
	case backend.OpSign:
		return b.sign(req)
	case backend.OpVerify:
		return b.verify(req)
	case backend.OpRandomBytes:
		rnd, err := primitives.RandomBytes(req.N)
		if err != nil {
			return backend.Response{}, err
		}
		return backend.Response{Random: rnd}, nil
	default:
		return backend.Response{}, backend.ErrOperationNotSupported
	}
}

// generate dispatches OpGenerateAsymmetricKey by req.KeyAlgorithm, defaulting
// to Ed25519.
func (b *Backend) generate(req backend.Request) (backend.Response, error) {
	if req.KeyAlgorithm == string(AlgorithmP256) {
		return b.generateP256()
	}
	return b.generateEd25519()
}

func (b *Backend) sealAndStore(keyID string, algorithm KeyAlgorithm, publicKey, secretMaterial []byte) error {
	salt, err := primitives.RandomSalt()
	if err != nil {
		return err
	}
	wrapKey, err := primitives.DeriveKey(b.passphrase, salt)
	if err != nil {
		return err
	}
	aead, err := primitives.NewAEAD(wrapKey)
	if err != nil {
		return err
	}
	nonce, err := primitives.RandomBytes(primitives.NonceSize)
	if err != nil {
		return err
	}
	sealed, err := aead.Seal(nonce, []byte(keyID), secretMaterial)
	if err != nil {
		return err
	}

	e := indexEntry{
		KeyID:     keyID,
		Algorithm: algorithm,
		PublicKey: base64.StdEncoding.EncodeToString(publicKey),
		Salt:      base64.StdEncoding.EncodeToString(salt),
		Nonce:     base64.StdEncoding.EncodeToString(nonce),
		Sealed:    base64.StdEncoding.EncodeToString(sealed),
	}
	e.Checksum = checksumEntry(e)

	b.mu.Lock()
	b.idx.Entries = append(b.idx.Entries, e)
	err = b.save()
	b.mu.Unlock()
	return err
}

func (b *Backend) generateEd25519() (backend.Response, error) {
	kp, err := primitives.GenerateSigningKeyPair()
	if err != nil {
		return backend.Response{}, err
	}
	if err := b.sealAndStore(kp.ID(), AlgorithmEd25519, kp.PublicKey(), kp.Seed()); err != nil {
		return backend.Response{}, err
	}
	return backend.Response{KeyID: kp.ID(), PublicKey: kp.PublicKey()}, nil
}

// generateP256 generates and persists a P-256 keypair alongside the
// Ed25519 entries, indexed and integrity-checked the same way; the envelope
// engine itself only ever signs manifests with Ed25519, so this serves
// callers that need an alternative identity key curve.
func (b *Backend) generateP256() (backend.Response, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return backend.Response{}, err
	}
	pubBytes := elliptic.Marshal(elliptic.P256(), priv.PublicKey.X, priv.PublicKey.Y)
	idHash := sha256.Sum256(pubBytes)
	keyID := hex.EncodeToString(idHash[:8])

	dBytes := make([]byte, 32)
	priv.D.FillBytes(dBytes)

	if err := b.sealAndStore(keyID, AlgorithmP256, pubBytes, dBytes); err != nil {
		return backend.Response{}, err
	}
	return backend.Response{KeyID: keyID, PublicKey: ed25519.PublicKey(pubBytes)}, nil
}

func (b *Backend) findEntry(keyID string) (indexEntry, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, e := range b.idx.Entries {
		if e.KeyID == keyID {
			return e, true
		}
	}
	return indexEntry{}, false
}

func (b *Backend) loadKeyPair(keyID string) (*primitives.SigningKeyPair, error) {
	e, ok := b.findEntry(keyID)
	if !ok {
		return nil, backend.ErrOperationNotSupported
	}
	salt, err := base64.StdEncoding.DecodeString(e.Salt)
	if err != nil {
		return nil, backend.ErrBackendCorrupted
	}
	nonce, err := base64.StdEncoding.DecodeString(e.Nonce)
	if err != nil {
		return nil, backend.ErrBackendCorrupted
	}
	sealed, err := base64.StdEncoding.DecodeString(e.Sealed)
	if err != nil {
		return nil, backend.ErrBackendCorrupted
	}
	wrapKey, err := primitives.DeriveKey(b.passphrase, salt)
	if err != nil {
		return nil, err
	}
	aead, err := primitives.NewAEAD(wrapKey)
	if err != nil {
		return nil, err
	}
	seed, err := aead.Open(nonce, []byte(keyID), sealed)
	if err != nil {
		return nil, err
	}
	return primitives.NewSigningKeyPairFromSeed(seed)
}

func (b *Backend) loadP256PrivateKey(e indexEntry) (*ecdsa.PrivateKey, error) {
	salt, err := base64.StdEncoding.DecodeString(e.Salt)
	if err != nil {
		return nil, backend.ErrBackendCorrupted
	}
	nonce, err := base64.StdEncoding.DecodeString(e.Nonce)
	if err != nil {
		return nil, backend.ErrBackendCorrupted
	}
	sealed, err := base64.StdEncoding.DecodeString(e.Sealed)
	if err != nil {
		return nil, backend.ErrBackendCorrupted
	}
	wrapKey, err := primitives.DeriveKey(b.passphrase, salt)
	if err != nil {
		return nil, err
	}
	aead, err := primitives.NewAEAD(wrapKey)
	if err != nil {
		return nil, err
	}
	dBytes, err := aead.Open(nonce, []byte(e.KeyID), sealed)
	if err != nil {
		return nil, err
	}

	curve := elliptic.P256()
	priv := new(ecdsa.PrivateKey)
	priv.Curve = curve
	priv.D = new(big.Int).SetBytes(dBytes)
	priv.X, priv.Y = curve.ScalarBaseMult(dBytes)
	return priv, nil
}

func (b *Backend) sign(req backend.Request) (backend.Response, error) {
	e, ok := b.findEntry(req.KeyID)
	if !ok {
		return backend.Response{}, backend.ErrOperationNotSupported
	}
	if e.Algorithm == AlgorithmP256 {
		priv, err := b.loadP256PrivateKey(e)
		if err != nil {
			return backend.Response{}, err
		}
		sig, err := ecdsa.SignASN1(rand.Reader, priv, req.Message)
		if err != nil {
			return backend.Response{}, err
		}
		return backend.Response{Signature: sig}, nil
	}

	kp, err := b.loadKeyPair(req.KeyID)
	if err != nil {
		return backend.Response{}, err
	}
	return backend.Response{Signature: kp.Sign(req.Message)}, nil
}

func (b *Backend) verify(req backend.Request) (backend.Response, error) {
	e, ok := b.findEntry(req.KeyID)
	if !ok {
		return backend.Response{}, backend.ErrOperationNotSupported
	}
	pub, err := base64.StdEncoding.DecodeString(e.PublicKey)
	if err != nil {
		return backend.Response{}, backend.ErrBackendCorrupted
	}

	if e.Algorithm == AlgorithmP256 {
		x, y := elliptic.Unmarshal(elliptic.P256(), pub)
		if x == nil {
			return backend.Response{}, backend.ErrBackendCorrupted
		}
		pubKey := &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}
		if !ecdsa.VerifyASN1(pubKey, req.Message, req.Signature) {
			return backend.Response{}, primitives.ErrInvalidSignature
		}
		return backend.Response{}, nil
	}

	if err := primitives.VerifyWithKey(pub, req.Message, req.Signature); err != nil {
		return backend.Response{}, err
	}
	return backend.Response{}, nil
}

// ListKeyIDs returns every key ID currently stored.
func (b *Backend) ListKeyIDs() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.idx.Entries))
	for _, e := range b.idx.Entries {
		out = append(out, e.KeyID)
	}
	return out
}

// Close implements backend.Backend; the file store holds no open handles
// between calls.
func (b *Backend) Close() error { return nil }
