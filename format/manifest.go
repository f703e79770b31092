package format

import (
	"encoding/binary"
	"errors"
)

// ManifestVersion is the only supported Manifest version.
const ManifestVersion = 1

// Manifest is the per-record metadata signed under a domain-separated
// Ed25519 signature before the chunk is encrypted.
type Manifest struct {
	Version       uint8
	TimestampMs   uint64
	Seq           uint64
	HeaderHash    [32]byte
	PlaintextHash [32]byte
	KeyID         [16]byte
	AIUsed        bool
	ModelIDs      []string
	ChunkLen      uint32
}

// ErrManifestTooLarge bounds the serialized manifest size so a malicious
// model_ids list cannot be used to exhaust memory during deserialization.
var ErrManifestTooLarge = errors.New("format: manifest exceeds maximum size")

// MaxManifestSize bounds a single serialized manifest.
const MaxManifestSize = 64 * 1024

// Encode serializes the manifest to manifest_bytes, big-endian, matching
// the field order in the external-interface layout.
func (m *Manifest) Encode() []byte {
	buf := make([]byte, 0, 1+8+8+32+32+16+1+4)
	buf = append(buf, m.Version)
	buf = appendUint64(buf, m.TimestampMs)
	buf = appendUint64(buf, m.Seq)
	buf = append(buf, m.HeaderHash[:]...)
	buf = append(buf, m.PlaintextHash[:]...)
	buf = append(buf, m.KeyID[:]...)
	if m.AIUsed {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = appendUint32(buf, uint32(len(m.ModelIDs)))
	for _, id := range m.ModelIDs {
		buf = appendUint32(buf, uint32(len(id)))
		buf = append(buf, id...)
	}
	buf = appendUint32(buf, m.ChunkLen)
	return buf
}

// DecodeManifest parses manifest_bytes produced by Encode.
func DecodeManifest(b []byte) (*Manifest, error) {
	if len(b) > MaxManifestSize {
		return nil, ErrManifestTooLarge
	}
	if len(b) < 1+8+8+32+32+16+1+4 {
		return nil, ErrDeserializationFailed
	}
	m := &Manifest{}
	off := 0
	m.Version = b[off]
	off++
	m.TimestampMs = binary.BigEndian.Uint64(b[off : off+8])
	off += 8
	m.Seq = binary.BigEndian.Uint64(b[off : off+8])
	off += 8
	copy(m.HeaderHash[:], b[off:off+32])
	off += 32
	copy(m.PlaintextHash[:], b[off:off+32])
	off += 32
	copy(m.KeyID[:], b[off:off+16])
	off += 16
	m.AIUsed = b[off] != 0
	off++

	if off+4 > len(b) {
		return nil, ErrDeserializationFailed
	}
	count := binary.BigEndian.Uint32(b[off : off+4])
	off += 4
	// Each model id consumes at least 4 bytes (its length prefix), so count
	// cannot exceed the remaining buffer divided by that floor. Cap before
	// allocating so a crafted count doesn't force a multi-GB make().
	if maxCount := uint32(len(b[off:])) / 4; count > maxCount {
		return nil, ErrDeserializationFailed
	}
	m.ModelIDs = make([]string, 0, count)
	for i := uint32(0); i < count; i++ {
		if off+4 > len(b) {
			return nil, ErrDeserializationFailed
		}
		n := binary.BigEndian.Uint32(b[off : off+4])
		off += 4
		if off+int(n) > len(b) {
			return nil, ErrDeserializationFailed
		}
		m.ModelIDs = append(m.ModelIDs, string(b[off:off+int(n)]))
		off += int(n)
	}

	if off+4 > len(b) {
		return nil, ErrDeserializationFailed
	}
	m.ChunkLen = binary.BigEndian.Uint32(b[off : off+4])
	off += 4

	return m, nil
}

func appendUint64(b []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendUint32(b []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}
