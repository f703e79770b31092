// Package format implements the .trst envelope codec: preamble, stream
// header, and record serialization/deserialization with the bounds checks
// mandated for the format.
package format

import (
	"crypto/subtle"
	"encoding/binary"
	"errors"

	"github.com/trustedge-io/trustedge/primitives"
)

// Magic is the 4-byte preamble identifying a .trst envelope.
var Magic = [4]byte{'T', 'R', 'S', 'T'}

// Version is the only supported format version.
const Version = 1

// AlgorithmAES256GCM is the only supported StreamHeader algorithm id.
const AlgorithmAES256GCM = 0x01

// InnerHeaderSize is the exact byte length of the inner header block.
const InnerHeaderSize = 58

// MaxChunkSize bounds StreamHeader.ChunkSize.
const MaxChunkSize = 128 * 1024 * 1024

// MaxStreamSize bounds cumulative plaintext across an envelope.
const MaxStreamSize = 10 * 1024 * 1024 * 1024

// MaxRecords bounds the number of records in one envelope.
const MaxRecords = 1_000_000

var (
	ErrBadMagic             = errors.New("format: bad magic bytes")
	ErrUnsupportedVersion   = errors.New("format: unsupported version")
	ErrHeaderLengthMismatch = errors.New("format: inner header is not 58 bytes")
	ErrHeaderHashMismatch   = errors.New("format: header hash mismatch")
	ErrChunkSizeOutOfRange  = errors.New("format: chunk size out of range")
	ErrCiphertextTooLarge   = errors.New("format: ciphertext too large")
	ErrStreamSizeExceeded   = errors.New("format: cumulative stream size exceeded")
	ErrRecordCountExceeded  = errors.New("format: record count exceeded")
	ErrDeserializationFailed = errors.New("format: deserialization failed")
)

// StreamHeader is the per-envelope header: algorithm, key identity, device
// binding, nonce prefix, and chunk size, hashed once with BLAKE3.
type StreamHeader struct {
	Version       uint8
	AlgorithmID   uint8
	KeyID         [16]byte
	DeviceIDHash  [32]byte
	NoncePrefix   [4]byte
	ChunkSize     uint32
	HeaderHash    [32]byte
}

// innerBytes serializes the 58-byte inner header block, big-endian.
func (h *StreamHeader) innerBytes() []byte {
	b := make([]byte, InnerHeaderSize)
	b[0] = h.Version
	b[1] = h.AlgorithmID
	copy(b[2:18], h.KeyID[:])
	copy(b[18:50], h.DeviceIDHash[:])
	copy(b[50:54], h.NoncePrefix[:])
	binary.BigEndian.PutUint32(b[54:58], h.ChunkSize)
	return b
}

// NewStreamHeader builds a header and computes its BLAKE3 header hash.
func NewStreamHeader(keyID [16]byte, deviceIDHash [32]byte, noncePrefix [4]byte, chunkSize uint32) (*StreamHeader, error) {
	if chunkSize == 0 || chunkSize > MaxChunkSize {
		return nil, ErrChunkSizeOutOfRange
	}
	h := &StreamHeader{
		Version:      Version,
		AlgorithmID:  AlgorithmAES256GCM,
		KeyID:        keyID,
		DeviceIDHash: deviceIDHash,
		NoncePrefix:  noncePrefix,
		ChunkSize:    chunkSize,
	}
	h.HeaderHash = primitives.Hash(h.innerBytes())
	return h, nil
}

// Encode writes the preamble and the outer StreamHeader block.
func (h *StreamHeader) Encode() []byte {
	out := make([]byte, 0, len(Magic)+1+1+InnerHeaderSize+32)
	out = append(out, Magic[:]...)
	out = append(out, Version)
	out = append(out, h.Version)
	out = append(out, h.innerBytes()...)
	out = append(out, h.HeaderHash[:]...)
	return out
}

// DecodeStreamHeader parses and validates the preamble plus outer
// StreamHeader block, in the order mandated by the format's validation
// sequence.
func DecodeStreamHeader(b []byte) (*StreamHeader, int, error) {
	if len(b) < len(Magic)+1 {
		return nil, 0, ErrDeserializationFailed
	}
	if [4]byte(b[:4]) != Magic {
		return nil, 0, ErrBadMagic
	}
	if b[4] != Version {
		return nil, 0, ErrUnsupportedVersion
	}
	offset := 5
	if len(b) < offset+1+InnerHeaderSize+32 {
		return nil, 0, ErrDeserializationFailed
	}
	innerVersion := b[offset]
	if innerVersion != Version {
		return nil, 0, ErrUnsupportedVersion
	}
	offset++
	inner := b[offset : offset+InnerHeaderSize]
	if len(inner) != InnerHeaderSize {
		return nil, 0, ErrHeaderLengthMismatch
	}
	offset += InnerHeaderSize
	var headerHash [32]byte
	copy(headerHash[:], b[offset:offset+32])
	offset += 32

	recomputed := primitives.Hash(inner)
	if subtle.ConstantTimeCompare(recomputed[:], headerHash[:]) != 1 {
		return nil, 0, ErrHeaderHashMismatch
	}

	h := &StreamHeader{
		Version:     innerVersion,
		AlgorithmID: inner[1],
		HeaderHash:  headerHash,
	}
	copy(h.KeyID[:], inner[2:18])
	copy(h.DeviceIDHash[:], inner[18:50])
	copy(h.NoncePrefix[:], inner[50:54])
	h.ChunkSize = binary.BigEndian.Uint32(inner[54:58])

	if h.ChunkSize == 0 || h.ChunkSize > MaxChunkSize {
		return nil, 0, ErrChunkSizeOutOfRange
	}

	return h, offset, nil
}
