// Package transport implements the C7 length-delimited wire framing used to
// carry handshake and data messages between client and server.
package transport

import (
	"encoding/binary"
	"errors"
	"io"
	"time"

	"github.com/trustedge-io/trustedge/internal/metrics"
)

// MaxFrameSize bounds a single frame so a malformed length prefix cannot be
// used to exhaust memory.
const MaxFrameSize = 16 * 1024 * 1024

// ErrMessageTooLarge is returned when a frame's declared length exceeds
// MaxFrameSize.
var ErrMessageTooLarge = errors.New("transport: message too large")

// Type tags one wire frame's payload encoding.
type Type uint8

const (
	TypeAuthRequest Type = iota + 1
	TypeServerChallenge
	TypeClientResponse
	TypeSessionEstablished
	TypeDataRecord
	TypeAck
	TypeError
)

// Frame is one length-delimited wire message: a type tag followed by its
// type-specific payload.
type Frame struct {
	Type    Type
	Payload []byte
}

// frameTypeLabel names a Type for metric label values.
func frameTypeLabel(t Type) string {
	switch t {
	case TypeAuthRequest:
		return "auth_request"
	case TypeServerChallenge:
		return "server_challenge"
	case TypeClientResponse:
		return "client_response"
	case TypeSessionEstablished:
		return "session_established"
	case TypeDataRecord:
		return "data_record"
	case TypeAck:
		return "ack"
	case TypeError:
		return "error"
	default:
		return "unknown"
	}
}

// WriteFrame writes f to w as [4-byte big-endian length][1-byte type][payload].
func WriteFrame(w io.Writer, f Frame) error {
	if len(f.Payload)+1 > MaxFrameSize {
		metrics.FramesProcessed.WithLabelValues(frameTypeLabel(f.Type), "failure").Inc()
		return ErrMessageTooLarge
	}
	header := make([]byte, 5)
	binary.BigEndian.PutUint32(header[:4], uint32(len(f.Payload)+1))
	header[4] = byte(f.Type)
	if _, err := w.Write(header); err != nil {
		metrics.FramesProcessed.WithLabelValues(frameTypeLabel(f.Type), "failure").Inc()
		return err
	}
	if len(f.Payload) > 0 {
		if _, err := w.Write(f.Payload); err != nil {
			metrics.FramesProcessed.WithLabelValues(frameTypeLabel(f.Type), "failure").Inc()
			return err
		}
	}
	metrics.MessageSize.Observe(float64(len(f.Payload) + 1))
	metrics.FramesProcessed.WithLabelValues(frameTypeLabel(f.Type), "success").Inc()
	return nil
}

// ReadFrame reads one frame from r, enforcing MaxFrameSize before allocating
// the payload buffer.
func ReadFrame(r io.Reader) (Frame, error) {
	start := time.Now()
	header := make([]byte, 5)
	if _, err := io.ReadFull(r, header); err != nil {
		return Frame{}, err
	}
	length := binary.BigEndian.Uint32(header[:4])
	if length == 0 {
		return Frame{}, errors.New("transport: empty frame")
	}
	if length > MaxFrameSize {
		metrics.FramesProcessed.WithLabelValues("unknown", "failure").Inc()
		return Frame{}, ErrMessageTooLarge
	}
	typ := Type(header[4])
	payload := make([]byte, length-1)
	if len(payload) > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			metrics.FramesProcessed.WithLabelValues(frameTypeLabel(typ), "failure").Inc()
			return Frame{}, err
		}
	}
	metrics.MessageSize.Observe(float64(length))
	metrics.MessageProcessingDuration.Observe(time.Since(start).Seconds())
	metrics.FramesProcessed.WithLabelValues(frameTypeLabel(typ), "success").Inc()
	return Frame{Type: typ, Payload: payload}, nil
}

// AckPayload acknowledges receipt of one DataRecord.
type AckPayload struct {
	SessionID uint64 `json:"session_id"`
	Seq       uint64 `json:"seq"`
}

// ErrorPayload reports a protocol-level error tied to a session.
type ErrorPayload struct {
	SessionID uint64 `json:"session_id"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// DataRecordHeader precedes the raw format.Record bytes in a DataRecord
// frame's payload; the record itself is carried unencoded to avoid a second
// serialization pass.
type DataRecordHeader struct {
	SessionID uint64
}

// EncodeDataRecord builds a DataRecord payload: an 8-byte big-endian
// session_id followed by the raw record bytes.
func EncodeDataRecord(sessionID uint64, recordBytes []byte) []byte {
	out := make([]byte, 8+len(recordBytes))
	binary.BigEndian.PutUint64(out[:8], sessionID)
	copy(out[8:], recordBytes)
	return out
}

// DecodeDataRecord splits a DataRecord payload into its session_id and the
// raw record bytes.
func DecodeDataRecord(payload []byte) (uint64, []byte, error) {
	if len(payload) < 8 {
		return 0, nil, errors.New("transport: data record payload too short")
	}
	return binary.BigEndian.Uint64(payload[:8]), payload[8:], nil
}
