package primitives

import "lukechampine.com/blake3"

// HashSize is the BLAKE3 digest size used throughout the envelope format
// (header hashes, manifest hashes, AAD construction).
const HashSize = 32

// Hash computes the 32-byte BLAKE3 digest of data.
func Hash(data []byte) [HashSize]byte {
	return blake3.Sum256(data)
}

// Hasher is an incremental BLAKE3 hasher for streaming input, used by the
// softhsm backend when checksumming an index entry's fields without
// allocating a single concatenated buffer.
type Hasher struct {
	h *blake3.Hasher
}

// NewHasher returns a fresh incremental hasher.
func NewHasher() *Hasher {
	return &Hasher{h: blake3.New(HashSize, nil)}
}

// Write implements io.Writer.
func (h *Hasher) Write(p []byte) (int, error) {
	return h.h.Write(p)
}

// Sum returns the current 32-byte digest without mutating the hasher state.
func (h *Hasher) Sum() [HashSize]byte {
	var out [HashSize]byte
	copy(out[:], h.h.Sum(nil))
	return out
}
