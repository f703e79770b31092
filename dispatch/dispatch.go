// Package dispatch implements the C8 per-connection state machine: a
// connection starts AwaitingAuth, moves to Authenticated once the handshake
// completes, and becomes Closed on protocol violation or shutdown.
package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/trustedge-io/trustedge/envelope"
	"github.com/trustedge-io/trustedge/format"
	"github.com/trustedge-io/trustedge/handshake"
	"github.com/trustedge-io/trustedge/internal/logger"
	"github.com/trustedge-io/trustedge/internal/metrics"
	"github.com/trustedge-io/trustedge/primitives"
	"github.com/trustedge-io/trustedge/session"
	"github.com/trustedge-io/trustedge/transport"
)

// State is one connection's position in the dispatch state machine.
type State int

const (
	AwaitingAuth State = iota
	Authenticated
	Closed
)

// ErrProtocolViolation is returned when a message arrives out of the
// sequence the state machine allows (e.g. a DataRecord before a session is
// established).
var ErrProtocolViolation = errors.New("dispatch: protocol violation")

// RecordSink receives verified plaintext chunks read off a connection's
// data stream, keyed by the session ID and the record's sequence number.
type RecordSink func(sessionID uint64, seq uint64, plaintext []byte) error

// Connection drives one accepted connection through the state machine,
// wiring the handshake and envelope verification together.
type Connection struct {
	conn     net.Conn
	server   *handshake.Server
	sessions *session.Manager
	log      logger.Logger

	secret        *primitives.Secret
	expectedKeyID [16]byte
	sink          RecordSink
	opener        *envelope.Opener

	state     State
	sessionID uint64
}

// NewConnection constructs a Connection in the AwaitingAuth state. secret is
// the pre-shared AEAD key every data record on this connection is opened
// against; sink receives each record's verified plaintext. A nil sink
// discards plaintext after verification.
func NewConnection(conn net.Conn, srv *handshake.Server, sessions *session.Manager, log logger.Logger, secret *primitives.Secret, expectedKeyID [16]byte, sink RecordSink) *Connection {
	return &Connection{
		conn:          conn,
		server:        srv,
		sessions:      sessions,
		log:           log,
		secret:        secret,
		expectedKeyID: expectedKeyID,
		sink:          sink,
		state:         AwaitingAuth,
	}
}

// State returns the connection's current state.
func (c *Connection) State() State {
	return c.state
}

// Run drives the connection to completion: handshake, then data records,
// until the peer disconnects or a protocol violation closes the connection.
func (c *Connection) Run() error {
	if err := c.runHandshake(); err != nil {
		c.state = Closed
		return err
	}
	c.state = Authenticated

	opener, err := envelope.NewOpener(c.secret, c.expectedKeyID)
	if err != nil {
		c.state = Closed
		return err
	}
	c.opener = opener

	for {
		frame, err := transport.ReadFrame(c.conn)
		if err == io.EOF {
			c.state = Closed
			metrics.SessionsClosed.Inc()
			metrics.SessionsActive.Dec()
			return nil
		}
		if err != nil {
			c.state = Closed
			if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
				return fmt.Errorf("%w: %v", transport.ErrConnectionClosed, err)
			}
			return err
		}
		if err := c.dispatch(frame); err != nil {
			c.state = Closed
			c.log.Warn("closing connection on protocol violation", logger.Error(err))
			c.sendError(err)
			return err
		}
	}
}

func (c *Connection) runHandshake() error {
	start := time.Now()
	metrics.HandshakesInitiated.WithLabelValues("server").Inc()

	reqFrame, err := transport.ReadFrame(c.conn)
	if err != nil {
		c.failHandshake(start, "network")
		return err
	}
	if reqFrame.Type != transport.TypeAuthRequest {
		c.failHandshake(start, "invalid")
		return ErrProtocolViolation
	}
	var req handshake.AuthRequest
	if err := json.Unmarshal(reqFrame.Payload, &req); err != nil {
		c.failHandshake(start, "invalid")
		return err
	}

	challenge, err := c.server.Challenge(req)
	if err != nil {
		c.failHandshake(start, "invalid")
		return err
	}
	metrics.HandshakeDuration.WithLabelValues("init").Observe(time.Since(start).Seconds())
	chBytes, err := json.Marshal(challenge)
	if err != nil {
		c.failHandshake(start, "invalid")
		return err
	}
	if err := transport.WriteFrame(c.conn, transport.Frame{Type: transport.TypeServerChallenge, Payload: chBytes}); err != nil {
		c.failHandshake(start, "network")
		return err
	}

	processStart := time.Now()
	respFrame, err := transport.ReadFrame(c.conn)
	if err != nil {
		c.failHandshake(start, "network")
		return err
	}
	if respFrame.Type != transport.TypeClientResponse {
		c.failHandshake(start, "invalid")
		return ErrProtocolViolation
	}
	var resp handshake.ClientResponse
	if err := json.Unmarshal(respFrame.Payload, &resp); err != nil {
		c.failHandshake(start, "invalid")
		return err
	}

	established, err := c.server.Respond(resp)
	if err != nil {
		c.failHandshake(start, "invalid")
		return err
	}
	metrics.HandshakeDuration.WithLabelValues("process").Observe(time.Since(processStart).Seconds())
	estBytes, err := json.Marshal(established)
	if err != nil {
		c.failHandshake(start, "invalid")
		return err
	}
	if err := transport.WriteFrame(c.conn, transport.Frame{Type: transport.TypeSessionEstablished, Payload: estBytes}); err != nil {
		c.failHandshake(start, "network")
		return err
	}

	c.sessionID = established.SessionID
	metrics.HandshakesCompleted.WithLabelValues("success").Inc()
	metrics.HandshakeDuration.WithLabelValues("finalize").Observe(time.Since(start).Seconds())
	metrics.SessionsCreated.WithLabelValues("success").Inc()
	metrics.SessionsActive.Inc()
	c.log.Info("session established", logger.Any("session_id", established.SessionID))
	return nil
}

func (c *Connection) failHandshake(start time.Time, errorType string) {
	metrics.HandshakesFailed.WithLabelValues(errorType).Inc()
	metrics.HandshakesCompleted.WithLabelValues("failure").Inc()
	metrics.HandshakeDuration.WithLabelValues("finalize").Observe(time.Since(start).Seconds())
}

// dispatch handles one post-handshake frame. Only DataRecord frames are
// accepted; anything else, including a spurious AuthRequest, is a protocol
// violation that closes the connection per the out-of-order-sequence
// resolution mandated for the network path. A DataRecord is decoded, run
// through the connection's Opener for signature, AAD, and decryption
// verification, and its plaintext is handed to the configured sink; any
// security-relevant failure (signature, decrypt, bounds, sequence) returns
// an error so Run closes the connection instead of acknowledging it.
func (c *Connection) dispatch(frame transport.Frame) error {
	if frame.Type != transport.TypeDataRecord {
		return ErrProtocolViolation
	}
	sid, recordBytes, err := transport.DecodeDataRecord(frame.Payload)
	if err != nil {
		return err
	}
	if sid != c.sessionID {
		return ErrProtocolViolation
	}
	if _, ok := c.sessions.Get(sid); !ok {
		return ErrProtocolViolation
	}

	rec, _, err := format.DecodeRecord(recordBytes, format.MaxChunkSize)
	if err != nil {
		return err
	}

	_, plaintext, err := c.opener.VerifyRecord(rec)
	if err != nil {
		return err
	}

	if c.sink != nil {
		if err := c.sink(sid, rec.Seq, plaintext); err != nil {
			return err
		}
	}

	ackBytes, err := json.Marshal(transport.AckPayload{SessionID: sid, Seq: rec.Seq})
	if err != nil {
		return err
	}
	return transport.WriteFrame(c.conn, transport.Frame{Type: transport.TypeAck, Payload: ackBytes})
}

func (c *Connection) sendError(cause error) {
	metrics.SessionsClosed.Inc()
	metrics.SessionsActive.Dec()
	payload, err := json.Marshal(transport.ErrorPayload{SessionID: c.sessionID, Code: "protocol_violation", Message: cause.Error()})
	if err != nil {
		return
	}
	_ = transport.WriteFrame(c.conn, transport.Frame{Type: transport.TypeError, Payload: payload})
}
