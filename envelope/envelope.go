// Package envelope implements the sealer and opener: nonce discipline, AAD
// construction, manifest signing, and per-record encryption/verification.
package envelope

import (
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"io"
	"time"

	"github.com/trustedge-io/trustedge/format"
	"github.com/trustedge-io/trustedge/internal/metrics"
	"github.com/trustedge-io/trustedge/primitives"
)

// Opener-side errors, matching the error taxonomy's Crypto category.
var (
	ErrNoncePrefixMismatch   = errors.New("envelope: nonce prefix mismatch")
	ErrNonceCounterMismatch  = errors.New("envelope: nonce counter mismatch")
	ErrSequenceGap           = errors.New("envelope: sequence gap")
	ErrSignatureFailure      = errors.New("envelope: signature verification failed")
	ErrSequenceMismatch      = errors.New("envelope: manifest seq does not match record seq")
	ErrHeaderHashMismatch    = errors.New("envelope: manifest header hash does not match stream header")
	ErrKeyIDMismatch         = errors.New("envelope: manifest key id does not match stream header")
	ErrDecryptionFailure     = errors.New("envelope: decryption failed")
	ErrLengthMismatch        = errors.New("envelope: plaintext length does not match manifest chunk_len")
	ErrPlaintextHashMismatch = errors.New("envelope: plaintext hash does not match manifest")
)

// aadSize is the fixed 88-byte associated-data length mandated by the
// specification's resolved open question (the chunk_len-inclusive variant).
const aadSize = 32 + 8 + 12 + 32 + 4

// buildAAD constructs the 88-byte AAD: header_hash || seq_be || nonce ||
// blake3(manifest_bytes) || chunk_len_be.
func buildAAD(headerHash [32]byte, seq uint64, nonce [12]byte, manifestHash [32]byte, chunkLen uint32) []byte {
	aad := make([]byte, 0, aadSize)
	aad = append(aad, headerHash[:]...)
	var seqBE [8]byte
	binary.BigEndian.PutUint64(seqBE[:], seq)
	aad = append(aad, seqBE[:]...)
	aad = append(aad, nonce[:]...)
	aad = append(aad, manifestHash[:]...)
	var lenBE [4]byte
	binary.BigEndian.PutUint32(lenBE[:], chunkLen)
	aad = append(aad, lenBE[:]...)
	return aad
}

// constantTimeEqual reports whether two equal-length, fixed-size byte
// arrays match, without branching on their contents.
func constantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// SealParams configures one Seal call.
type SealParams struct {
	KeyID        [16]byte
	DeviceIDHash [32]byte
	ChunkSize    uint32
	Key          *primitives.Secret // 32-byte AEAD key
	Signer       *primitives.SigningKeyPair
	AIUsed       bool
	ModelIDs     []string
	Now          func() time.Time // overridable for deterministic tests
}

// Seal reads plaintext from r in ChunkSize chunks and writes a conforming
// envelope to w.
func Seal(w io.Writer, r io.Reader, p SealParams) error {
	start := time.Now()
	now := p.Now
	if now == nil {
		now = time.Now
	}

	var noncePrefix [4]byte
	prefixBytes, err := primitives.RandomBytes(4)
	if err != nil {
		metrics.CryptoErrors.WithLabelValues("seal").Inc()
		return err
	}
	copy(noncePrefix[:], prefixBytes)

	header, err := format.NewStreamHeader(p.KeyID, p.DeviceIDHash, noncePrefix, p.ChunkSize)
	if err != nil {
		metrics.CryptoErrors.WithLabelValues("seal").Inc()
		return err
	}

	aead, err := primitives.NewAEAD(p.Key)
	if err != nil {
		metrics.CryptoErrors.WithLabelValues("seal").Inc()
		return err
	}

	fw := format.NewWriter(w, header)
	if err := fw.WriteHeader(); err != nil {
		metrics.CryptoErrors.WithLabelValues("seal").Inc()
		return err
	}

	chunk := make([]byte, p.ChunkSize)
	var seq uint64
	for {
		n, readErr := io.ReadFull(r, chunk)
		if n > 0 {
			seq++
			if err := sealChunk(fw, header, aead, p, chunk[:n], seq, now()); err != nil {
				metrics.CryptoErrors.WithLabelValues("seal").Inc()
				return err
			}
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			metrics.CryptoErrors.WithLabelValues("seal").Inc()
			return readErr
		}
	}

	metrics.CryptoOperations.WithLabelValues("seal", "aes256gcm").Inc()
	metrics.CryptoOperationDuration.WithLabelValues("seal", "aes256gcm").Observe(time.Since(start).Seconds())
	return nil
}

func sealChunk(fw *format.Writer, header *format.StreamHeader, aead *primitives.AEAD, p SealParams, chunk []byte, seq uint64, now time.Time) error {
	nonce := primitives.BuildNonce(header.NoncePrefix, seq)
	plaintextHash := primitives.Hash(chunk)

	manifest := &format.Manifest{
		Version:       format.ManifestVersion,
		TimestampMs:   uint64(now.UnixMilli()),
		Seq:           seq,
		HeaderHash:    header.HeaderHash,
		PlaintextHash: plaintextHash,
		KeyID:         p.KeyID,
		AIUsed:        p.AIUsed,
		ModelIDs:      p.ModelIDs,
		ChunkLen:      uint32(len(chunk)),
	}
	manifestBytes := manifest.Encode()
	manifestHash := primitives.Hash(manifestBytes)

	signature := p.Signer.SignManifest(manifestBytes)

	aad := buildAAD(header.HeaderHash, seq, nonce, manifestHash, manifest.ChunkLen)
	ciphertext, err := aead.Seal(nonce[:], aad, chunk)
	if err != nil {
		return err
	}

	var sig [format.SignatureSize]byte
	copy(sig[:], signature)
	var pub [format.PubkeySize]byte
	copy(pub[:], p.Signer.PublicKey())

	rec := &format.Record{
		Seq:   seq,
		Nonce: nonce,
		SignedManifest: format.SignedManifest{
			ManifestBytes: manifestBytes,
			Signature:     sig,
			Pubkey:        pub,
		},
		Ciphertext: ciphertext,
	}
	return fw.WriteRecord(rec, len(chunk))
}

// OpenParams configures one Open call.
type OpenParams struct {
	Key           *primitives.Secret
	ExpectedKeyID [16]byte
}

// Provenance is the per-record metadata surfaced to the opener's sink on
// successful verification.
type Provenance struct {
	Pubkey      [32]byte
	TimestampMs uint64
	Seq         uint64
	AIUsed      bool
	ModelIDs    []string
}

// Open reads an envelope from r, verifying and decrypting each record in
// order, invoking sink with the plaintext and its provenance. Any failure
// aborts the stream without emitting unauthenticated plaintext.
func Open(r io.Reader, p OpenParams, sink func(Provenance, []byte) error) error {
	start := time.Now()
	fr, err := format.NewReader(r)
	if err != nil {
		metrics.CryptoErrors.WithLabelValues("open").Inc()
		return err
	}

	aead, err := primitives.NewAEAD(p.Key)
	if err != nil {
		metrics.CryptoErrors.WithLabelValues("open").Inc()
		return err
	}

	var expectedSeq uint64
	for {
		rec, err := fr.NextRecord()
		if err == io.EOF {
			metrics.CryptoOperations.WithLabelValues("open", "aes256gcm").Inc()
			metrics.CryptoOperationDuration.WithLabelValues("open", "aes256gcm").Observe(time.Since(start).Seconds())
			return nil
		}
		if err != nil {
			metrics.CryptoErrors.WithLabelValues("open").Inc()
			return err
		}

		prov, plaintext, err := verifyRecord(fr.Header, aead, rec, &expectedSeq, p.ExpectedKeyID)
		if err != nil {
			metrics.CryptoErrors.WithLabelValues("open").Inc()
			metrics.RecordValidations.WithLabelValues("invalid").Inc()
			return err
		}
		metrics.RecordValidations.WithLabelValues("valid").Inc()

		if err := sink(prov, plaintext); err != nil {
			return err
		}
	}
}

// Opener verifies and decrypts records pulled off a connection that carries
// no out-of-band StreamHeader frame. It bootstraps the nonce prefix and
// header hash from the first record it verifies (trust-on-first-use for
// that connection only) and enforces them on every subsequent record.
type Opener struct {
	aead          *primitives.AEAD
	expectedKeyID [16]byte
	header        *format.StreamHeader
	expectedSeq   uint64
}

// NewOpener constructs an Opener bound to a pre-shared key and the key id
// every record on the connection is expected to carry.
func NewOpener(key *primitives.Secret, expectedKeyID [16]byte) (*Opener, error) {
	aead, err := primitives.NewAEAD(key)
	if err != nil {
		return nil, err
	}
	return &Opener{aead: aead, expectedKeyID: expectedKeyID}, nil
}

// VerifyRecord authenticates and decrypts one record, returning its
// provenance and plaintext. The first call fixes the connection's nonce
// prefix from the record's nonce and its header hash from the record's
// manifest; later calls enforce that fixed header.
func (o *Opener) VerifyRecord(rec *format.Record) (Provenance, []byte, error) {
	start := time.Now()
	if o.header == nil {
		manifest, err := format.DecodeManifest(rec.SignedManifest.ManifestBytes)
		if err != nil {
			metrics.CryptoErrors.WithLabelValues("open").Inc()
			return Provenance{}, nil, err
		}
		o.header = &format.StreamHeader{
			NoncePrefix: [4]byte(rec.Nonce[:4]),
			HeaderHash:  manifest.HeaderHash,
		}
	}

	prov, plaintext, err := verifyRecord(o.header, o.aead, rec, &o.expectedSeq, o.expectedKeyID)
	metrics.CryptoOperationDuration.WithLabelValues("open", "aes256gcm").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.CryptoErrors.WithLabelValues("open").Inc()
		metrics.RecordValidations.WithLabelValues("invalid").Inc()
		return Provenance{}, nil, err
	}
	metrics.CryptoOperations.WithLabelValues("open", "aes256gcm").Inc()
	metrics.RecordValidations.WithLabelValues("valid").Inc()
	return prov, plaintext, nil
}

// OpenFirstRecord verifies and decrypts a single record against header,
// for callers (the inspector's content-type sniff) that need one chunk of
// plaintext without opening the whole stream.
func OpenFirstRecord(header *format.StreamHeader, key *primitives.Secret, expectedKeyID [16]byte, rec *format.Record) ([]byte, error) {
	aead, err := primitives.NewAEAD(key)
	if err != nil {
		return nil, err
	}
	var seq uint64
	_, plaintext, err := verifyRecord(header, aead, rec, &seq, expectedKeyID)
	return plaintext, err
}

// verifyRecord runs the ordered nonce, sequence, signature, manifest
// cross-check, decryption, and length/hash verification a single record
// must pass before its plaintext is trusted. It never invokes a sink,
// so both Open and Opener can share it.
func verifyRecord(header *format.StreamHeader, aead *primitives.AEAD, rec *format.Record, expectedSeq *uint64, expectedKeyID [16]byte) (Provenance, []byte, error) {
	if !constantTimeEqual(rec.Nonce[:4], header.NoncePrefix[:]) {
		return Provenance{}, nil, ErrNoncePrefixMismatch
	}
	counter := binary.BigEndian.Uint64(rec.Nonce[4:12])
	if counter != rec.Seq {
		return Provenance{}, nil, ErrNonceCounterMismatch
	}

	*expectedSeq++
	if rec.Seq != *expectedSeq {
		metrics.SequenceViolationsDetected.Inc()
		return Provenance{}, nil, ErrSequenceGap
	}

	if err := primitives.VerifyManifest(rec.SignedManifest.Pubkey[:], rec.SignedManifest.ManifestBytes, rec.SignedManifest.Signature[:]); err != nil {
		return Provenance{}, nil, ErrSignatureFailure
	}

	manifest, err := format.DecodeManifest(rec.SignedManifest.ManifestBytes)
	if err != nil {
		return Provenance{}, nil, err
	}
	if manifest.Seq != rec.Seq {
		return Provenance{}, nil, ErrSequenceMismatch
	}
	if !constantTimeEqual(manifest.HeaderHash[:], header.HeaderHash[:]) {
		return Provenance{}, nil, ErrHeaderHashMismatch
	}
	if !constantTimeEqual(manifest.KeyID[:], expectedKeyID[:]) {
		return Provenance{}, nil, ErrKeyIDMismatch
	}

	manifestHash := primitives.Hash(rec.SignedManifest.ManifestBytes)
	aad := buildAAD(header.HeaderHash, rec.Seq, rec.Nonce, manifestHash, manifest.ChunkLen)
	plaintext, err := aead.Open(rec.Nonce[:], aad, rec.Ciphertext)
	if err != nil {
		return Provenance{}, nil, ErrDecryptionFailure
	}

	if uint32(len(plaintext)) != manifest.ChunkLen {
		return Provenance{}, nil, ErrLengthMismatch
	}
	plaintextHash := primitives.Hash(plaintext)
	if !constantTimeEqual(plaintextHash[:], manifest.PlaintextHash[:]) {
		return Provenance{}, nil, ErrPlaintextHashMismatch
	}

	prov := Provenance{
		Pubkey:      rec.SignedManifest.Pubkey,
		TimestampMs: manifest.TimestampMs,
		Seq:         manifest.Seq,
		AIUsed:      manifest.AIUsed,
		ModelIDs:    manifest.ModelIDs,
	}
	return prov, plaintext, nil
}
