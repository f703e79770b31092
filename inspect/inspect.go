// Package inspect implements the C5 metadata-only inspector: Inspect reads
// an envelope's StreamHeader and per-record manifests without decrypting any
// chunk, so a stream's provenance can be audited without the AEAD key.
// InspectFull, given a key, also decrypts the first record to sniff its
// content type.
package inspect

import (
	"fmt"
	"io"
	"net/http"

	"github.com/dustin/go-humanize"

	"github.com/trustedge-io/trustedge/envelope"
	"github.com/trustedge-io/trustedge/format"
	"github.com/trustedge-io/trustedge/primitives"
)

// DefaultContentType is reported when no key is supplied for the sniff, or
// sniffing the first chunk fails.
const DefaultContentType = "application/octet-stream"

// RecordInfo summarizes one record's manifest, with no ciphertext access.
type RecordInfo struct {
	Seq           uint64
	TimestampMs   uint64
	ChunkLen      uint32
	AIUsed        bool
	ModelIDs      []string
	CiphertextLen int
}

// Report is the full metadata-only summary of one envelope.
type Report struct {
	Version      uint8
	AlgorithmID  uint8
	KeyID        [16]byte
	DeviceIDHash [32]byte
	ChunkSize    uint32
	Records      []RecordInfo
	TotalBytes   uint64
	// ContentType is the result of sniffing the first record's decrypted
	// plaintext with net/http.DetectContentType, populated only when
	// InspectFull is given a key. Inspect leaves it at DefaultContentType.
	ContentType string
}

// Inspect reads r's StreamHeader and every record's manifest, returning a
// Report. It never attempts AEAD decryption; ContentType is left at
// DefaultContentType since no key is available to sniff the first chunk.
func Inspect(r io.Reader) (*Report, error) {
	return inspect(r, nil)
}

// InspectFull behaves like Inspect, but when key is non-nil it additionally
// decrypts the stream's first record and sniffs its content type with
// net/http.DetectContentType, so a caller who holds the key gets the same
// metadata Inspect reports plus a best-effort MIME type.
func InspectFull(r io.Reader, key *primitives.Secret) (*Report, error) {
	return inspect(r, key)
}

func inspect(r io.Reader, key *primitives.Secret) (*Report, error) {
	fr, err := format.NewReader(r)
	if err != nil {
		return nil, err
	}

	report := &Report{
		Version:      fr.Header.Version,
		AlgorithmID:  fr.Header.AlgorithmID,
		KeyID:        fr.Header.KeyID,
		DeviceIDHash: fr.Header.DeviceIDHash,
		ChunkSize:    fr.Header.ChunkSize,
		ContentType:  DefaultContentType,
	}

	first := true
	for {
		rec, err := fr.NextRecord()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		manifest, err := format.DecodeManifest(rec.SignedManifest.ManifestBytes)
		if err != nil {
			return nil, err
		}

		if first && key != nil {
			if plaintext, err := envelope.OpenFirstRecord(fr.Header, key, fr.Header.KeyID, rec); err == nil {
				report.ContentType = http.DetectContentType(plaintext)
			}
		}
		first = false

		report.Records = append(report.Records, RecordInfo{
			Seq:           rec.Seq,
			TimestampMs:   manifest.TimestampMs,
			ChunkLen:      manifest.ChunkLen,
			AIUsed:        manifest.AIUsed,
			ModelIDs:      manifest.ModelIDs,
			CiphertextLen: len(rec.Ciphertext),
		})
		report.TotalBytes += uint64(manifest.ChunkLen)
	}

	return report, nil
}

// Summary renders a human-readable summary for operator-facing output: one
// header line, then one line per record, with humanized byte counts.
func (r *Report) Summary() string {
	out := fmt.Sprintf("key_id=%x chunk_size=%s records=%d total=%s\n",
		r.KeyID, humanize.IBytes(uint64(r.ChunkSize)), len(r.Records), humanize.IBytes(r.TotalBytes))
	for _, rec := range r.Records {
		out += fmt.Sprintf("  seq=%d len=%s ai_used=%t models=%v\n",
			rec.Seq, humanize.IBytes(uint64(rec.ChunkLen)), rec.AIUsed, rec.ModelIDs)
	}
	return out
}
