package format

import (
	"encoding/binary"
)

// SignatureSize is the Ed25519 signature length embedded in a SignedManifest.
const SignatureSize = 64

// PubkeySize is the Ed25519 public key length embedded in a SignedManifest.
const PubkeySize = 32

// SignedManifest pairs a serialized manifest with its domain-separated
// signature and the public key it verifies under.
type SignedManifest struct {
	ManifestBytes []byte
	Signature     [SignatureSize]byte
	Pubkey        [PubkeySize]byte
}

// Record is one encrypted chunk plus its signed manifest.
type Record struct {
	Seq            uint64
	Nonce          [12]byte
	SignedManifest SignedManifest
	Ciphertext     []byte
}

// Encode serializes a Record. The outer framing (length prefixes for the
// variable-length manifest_bytes and ciphertext fields) uses the codec's
// native little-endian convention, distinct from the big-endian integers
// inside the inner StreamHeader and Manifest blocks.
func (r *Record) Encode() []byte {
	out := make([]byte, 0, 8+12+4+len(r.SignedManifest.ManifestBytes)+SignatureSize+PubkeySize+4+len(r.Ciphertext))
	out = appendUint64LE(out, r.Seq)
	out = append(out, r.Nonce[:]...)
	out = appendUint32LE(out, uint32(len(r.SignedManifest.ManifestBytes)))
	out = append(out, r.SignedManifest.ManifestBytes...)
	out = append(out, r.SignedManifest.Signature[:]...)
	out = append(out, r.SignedManifest.Pubkey[:]...)
	out = appendUint32LE(out, uint32(len(r.Ciphertext)))
	out = append(out, r.Ciphertext...)
	return out
}

// DecodeRecord parses one Record from b, returning the number of bytes
// consumed. chunkSize bounds the ciphertext length per the format's
// CiphertextTooLarge check, performed before any AEAD call.
func DecodeRecord(b []byte, chunkSize uint32) (*Record, int, error) {
	if len(b) < 8+12+4 {
		return nil, 0, ErrDeserializationFailed
	}
	off := 0
	seq := binary.LittleEndian.Uint64(b[off : off+8])
	off += 8
	var nonce [12]byte
	copy(nonce[:], b[off:off+12])
	off += 12

	if off+4 > len(b) {
		return nil, 0, ErrDeserializationFailed
	}
	manifestLen := binary.LittleEndian.Uint32(b[off : off+4])
	off += 4
	if manifestLen > MaxManifestSize || off+int(manifestLen) > len(b) {
		return nil, 0, ErrDeserializationFailed
	}
	manifestBytes := b[off : off+int(manifestLen)]
	off += int(manifestLen)

	if off+SignatureSize+PubkeySize > len(b) {
		return nil, 0, ErrDeserializationFailed
	}
	var sig [SignatureSize]byte
	copy(sig[:], b[off:off+SignatureSize])
	off += SignatureSize
	var pub [PubkeySize]byte
	copy(pub[:], b[off:off+PubkeySize])
	off += PubkeySize

	if off+4 > len(b) {
		return nil, 0, ErrDeserializationFailed
	}
	ciphertextLen := binary.LittleEndian.Uint32(b[off : off+4])
	off += 4

	if uint64(ciphertextLen) > uint64(chunkSize)+16 {
		return nil, 0, ErrCiphertextTooLarge
	}
	if off+int(ciphertextLen) > len(b) {
		return nil, 0, ErrDeserializationFailed
	}
	ciphertext := make([]byte, ciphertextLen)
	copy(ciphertext, b[off:off+int(ciphertextLen)])
	off += int(ciphertextLen)

	return &Record{
		Seq:   seq,
		Nonce: nonce,
		SignedManifest: SignedManifest{
			ManifestBytes: append([]byte(nil), manifestBytes...),
			Signature:     sig,
			Pubkey:        pub,
		},
		Ciphertext: ciphertext,
	}, off, nil
}

func appendUint64LE(b []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendUint32LE(b []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}
