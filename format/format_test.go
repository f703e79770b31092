package format

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHeader(t *testing.T) *StreamHeader {
	t.Helper()
	var keyID [16]byte
	copy(keyID[:], "TEST_KEY_ID_16B!")
	var deviceHash [32]byte
	var noncePrefix [4]byte
	copy(noncePrefix[:], []byte{0xaa, 0xbb, 0xcc, 0xdd})
	h, err := NewStreamHeader(keyID, deviceHash, noncePrefix, 4096)
	require.NoError(t, err)
	return h
}

func TestStreamHeaderRoundTrip(t *testing.T) {
	h := testHeader(t)
	encoded := h.Encode()

	decoded, n, err := DecodeStreamHeader(encoded)
	require.NoError(t, err)
	assert.Equal(t, len(encoded), n)
	assert.Equal(t, h.KeyID, decoded.KeyID)
	assert.Equal(t, h.NoncePrefix, decoded.NoncePrefix)
	assert.Equal(t, h.ChunkSize, decoded.ChunkSize)
	assert.Equal(t, h.HeaderHash, decoded.HeaderHash)
}

func TestStreamHeaderBadMagic(t *testing.T) {
	h := testHeader(t)
	encoded := h.Encode()
	encoded[0] = 'X'
	_, _, err := DecodeStreamHeader(encoded)
	assert.ErrorIs(t, err, ErrBadMagic)
}

func TestStreamHeaderUnsupportedVersion(t *testing.T) {
	h := testHeader(t)
	encoded := h.Encode()
	encoded[4] = 2
	_, _, err := DecodeStreamHeader(encoded)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestStreamHeaderHashMismatch(t *testing.T) {
	h := testHeader(t)
	encoded := h.Encode()
	// Flip a byte inside the inner header without recomputing the hash.
	encoded[10] ^= 0xFF
	_, _, err := DecodeStreamHeader(encoded)
	assert.ErrorIs(t, err, ErrHeaderHashMismatch)
}

func TestStreamHeaderChunkSizeOutOfRange(t *testing.T) {
	var keyID [16]byte
	var deviceHash [32]byte
	var noncePrefix [4]byte
	_, err := NewStreamHeader(keyID, deviceHash, noncePrefix, 0)
	assert.ErrorIs(t, err, ErrChunkSizeOutOfRange)

	_, err = NewStreamHeader(keyID, deviceHash, noncePrefix, MaxChunkSize+1)
	assert.ErrorIs(t, err, ErrChunkSizeOutOfRange)
}

func TestManifestRoundTrip(t *testing.T) {
	m := &Manifest{
		Version:     ManifestVersion,
		TimestampMs: 1234567890,
		Seq:         1,
		ModelIDs:    []string{"model-a", "model-b"},
		ChunkLen:    4096,
	}
	encoded := m.Encode()
	decoded, err := DecodeManifest(encoded)
	require.NoError(t, err)
	assert.Equal(t, m.TimestampMs, decoded.TimestampMs)
	assert.Equal(t, m.Seq, decoded.Seq)
	assert.Equal(t, m.ModelIDs, decoded.ModelIDs)
	assert.Equal(t, m.ChunkLen, decoded.ChunkLen)
}

func TestRecordRoundTrip(t *testing.T) {
	rec := &Record{
		Seq: 1,
		SignedManifest: SignedManifest{
			ManifestBytes: []byte("manifest-bytes"),
		},
		Ciphertext: []byte("ciphertext-and-tag"),
	}
	encoded := rec.Encode()
	decoded, n, err := DecodeRecord(encoded, 4096)
	require.NoError(t, err)
	assert.Equal(t, len(encoded), n)
	assert.Equal(t, rec.Seq, decoded.Seq)
	assert.Equal(t, rec.SignedManifest.ManifestBytes, decoded.SignedManifest.ManifestBytes)
	assert.Equal(t, rec.Ciphertext, decoded.Ciphertext)
}

func TestRecordCiphertextTooLarge(t *testing.T) {
	rec := &Record{Ciphertext: make([]byte, 200)}
	encoded := rec.Encode()
	_, _, err := DecodeRecord(encoded, 100)
	assert.ErrorIs(t, err, ErrCiphertextTooLarge)
}

func TestWriterReaderStream(t *testing.T) {
	h := testHeader(t)
	var buf bytes.Buffer
	w := NewWriter(&buf, h)
	require.NoError(t, w.WriteHeader())

	for i := uint64(1); i <= 3; i++ {
		rec := &Record{Seq: i, Ciphertext: []byte("chunk")}
		require.NoError(t, w.WriteRecord(rec, 5))
	}

	r, err := NewReader(&buf)
	require.NoError(t, err)
	assert.Equal(t, h.ChunkSize, r.Header.ChunkSize)

	count := 0
	for {
		_, err := r.NextRecord()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		count++
	}
	assert.Equal(t, 3, count)
}

func TestWriterEnforcesRecordCountBound(t *testing.T) {
	h := testHeader(t)
	var buf bytes.Buffer
	w := NewWriter(&buf, h)
	require.NoError(t, w.WriteHeader())
	w.recordCount = MaxRecords

	err := w.WriteRecord(&Record{Seq: MaxRecords + 1}, 1)
	assert.ErrorIs(t, err, ErrRecordCountExceeded)
}

func TestWriterEnforcesStreamSizeBound(t *testing.T) {
	h := testHeader(t)
	var buf bytes.Buffer
	w := NewWriter(&buf, h)
	require.NoError(t, w.WriteHeader())
	w.plaintextSize = MaxStreamSize

	err := w.WriteRecord(&Record{Seq: 1}, 1)
	assert.ErrorIs(t, err, ErrStreamSizeExceeded)
}
