// Package trustedge is the root convenience API: Seal, Open, Inspect,
// Connect, and Send, each a direct call-through to the component packages
// that implement them. It carries no business logic of its own.
package trustedge

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/trustedge-io/trustedge/envelope"
	"github.com/trustedge-io/trustedge/format"
	"github.com/trustedge-io/trustedge/handshake"
	"github.com/trustedge-io/trustedge/inspect"
	"github.com/trustedge-io/trustedge/primitives"
	"github.com/trustedge-io/trustedge/transport"
)

// Seal writes a sealed .trst envelope for the plaintext read from r to w.
func Seal(w io.Writer, r io.Reader, p envelope.SealParams) error {
	return envelope.Seal(w, r, p)
}

// Open verifies and decrypts a .trst envelope from r, invoking sink with
// each record's plaintext and provenance in order.
func Open(r io.Reader, p envelope.OpenParams, sink func(envelope.Provenance, []byte) error) error {
	return envelope.Open(r, p, sink)
}

// Inspect reads a .trst envelope's metadata without the decryption key.
func Inspect(r io.Reader) (*inspect.Report, error) {
	return inspect.Inspect(r)
}

// InspectFull reads a .trst envelope's metadata and, using key, sniffs the
// first record's content type.
func InspectFull(r io.Reader, key *primitives.Secret) (*inspect.Report, error) {
	return inspect.InspectFull(r, key)
}

// Connection is a mutually authenticated connection to a TrustEdge server,
// ready to carry sealed records.
type Connection struct {
	conn      net.Conn
	sessionID uint64
}

// Connect dials addr, completes the mutual-authentication handshake as a
// client under identity, and returns a ready-to-use Connection.
func Connect(ctx context.Context, addr string, identity *primitives.SigningKeyPair, serverPub ed25519.PublicKey, connectTimeout time.Duration) (*Connection, error) {
	conn, err := transport.DialWithRetry(ctx, addr, connectTimeout, 2*time.Second, 3)
	if err != nil {
		return nil, fmt.Errorf("trustedge: connect: %w", err)
	}

	established, clientChallenge, err := runClientHandshake(conn, identity, serverPub)
	if err != nil {
		conn.Close()
		return nil, err
	}
	_ = clientChallenge

	return &Connection{conn: conn, sessionID: established.SessionID}, nil
}

func runClientHandshake(conn net.Conn, identity *primitives.SigningKeyPair, serverPub ed25519.PublicKey) (*handshake.SessionEstablished, [32]byte, error) {
	client := handshake.NewClient(identity)

	authPayload, err := json.Marshal(handshake.AuthRequest{Type: "auth"})
	if err != nil {
		return nil, [32]byte{}, err
	}
	if err := transport.WriteFrame(conn, transport.Frame{Type: transport.TypeAuthRequest, Payload: authPayload}); err != nil {
		return nil, [32]byte{}, err
	}

	frame, err := transport.ReadFrame(conn)
	if err != nil {
		return nil, [32]byte{}, err
	}
	if frame.Type != transport.TypeServerChallenge {
		return nil, [32]byte{}, fmt.Errorf("trustedge: unexpected frame type %d awaiting server challenge", frame.Type)
	}
	var challenge handshake.ServerChallenge
	if err := json.Unmarshal(frame.Payload, &challenge); err != nil {
		return nil, [32]byte{}, err
	}

	resp, err := client.Respond(challenge)
	if err != nil {
		return nil, [32]byte{}, err
	}

	respPayload, err := json.Marshal(*resp)
	if err != nil {
		return nil, [32]byte{}, err
	}
	if err := transport.WriteFrame(conn, transport.Frame{Type: transport.TypeClientResponse, Payload: respPayload}); err != nil {
		return nil, [32]byte{}, err
	}

	frame, err = transport.ReadFrame(conn)
	if err != nil {
		return nil, [32]byte{}, err
	}
	if frame.Type != transport.TypeSessionEstablished {
		return nil, [32]byte{}, fmt.Errorf("trustedge: unexpected frame type %d awaiting session established", frame.Type)
	}
	var established handshake.SessionEstablished
	if err := json.Unmarshal(frame.Payload, &established); err != nil {
		return nil, [32]byte{}, err
	}

	if err := client.VerifyServerAnswer(serverPub, resp.ClientChallenge, established); err != nil {
		return nil, [32]byte{}, err
	}

	return &established, resp.ClientChallenge, nil
}

// Send writes one sealed format.Record to the connection and waits for its
// acknowledgment.
func (c *Connection) Send(rec *format.Record) error {
	payload := transport.EncodeDataRecord(c.sessionID, rec.Encode())
	if err := transport.WriteFrame(c.conn, transport.Frame{Type: transport.TypeDataRecord, Payload: payload}); err != nil {
		return err
	}

	frame, err := transport.ReadFrame(c.conn)
	if err != nil {
		return err
	}
	switch frame.Type {
	case transport.TypeAck:
		var ack transport.AckPayload
		if err := json.Unmarshal(frame.Payload, &ack); err != nil {
			return err
		}
		if ack.Seq != rec.Seq {
			return fmt.Errorf("trustedge: ack seq %d does not match sent seq %d", ack.Seq, rec.Seq)
		}
		return nil
	case transport.TypeError:
		var errPayload transport.ErrorPayload
		if err := json.Unmarshal(frame.Payload, &errPayload); err != nil {
			return err
		}
		return fmt.Errorf("trustedge: server rejected record: %s: %s", errPayload.Code, errPayload.Message)
	default:
		return fmt.Errorf("trustedge: unexpected frame type %d awaiting ack", frame.Type)
	}
}

// Close closes the underlying connection.
func (c *Connection) Close() error {
	return c.conn.Close()
}

// SessionID returns the session identifier assigned by the server during
// the handshake.
func (c *Connection) SessionID() uint64 {
	return c.sessionID
}
