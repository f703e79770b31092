package handshake

import (
	"crypto/ed25519"
	"errors"
	"time"

	"github.com/trustedge-io/trustedge/primitives"
	"github.com/trustedge-io/trustedge/session"
)

// ErrAuthenticationFailed covers every way the challenge-response exchange
// can fail: a bad self-signature, a challenge response that doesn't verify,
// or a malformed message.
var ErrAuthenticationFailed = errors.New("handshake: authentication failed")

// AuthRequest is the first client-to-server message, requesting a session.
type AuthRequest struct {
	Type string
}

// ServerChallenge is the server's response: a fresh challenge, signed under
// the server's identity key, plus the server's certificate.
type ServerChallenge struct {
	Challenge  [32]byte
	Signature  [64]byte
	ServerCert *Certificate
}

// ClientResponse answers the server's challenge and poses the client's own,
// so both sides authenticate each other in one round trip.
type ClientResponse struct {
	ChallengeResponse [64]byte
	ClientChallenge   [32]byte
	ClientChallengeSig [64]byte
	ClientCert        *Certificate
}

// SessionEstablished confirms the session and answers the client's challenge.
type SessionEstablished struct {
	SessionID         uint64
	ChallengeResponse [64]byte
	TimeoutS          uint32
}

// Server drives the server side of the handshake against one connection.
type Server struct {
	Identity *primitives.SigningKeyPair
	Sessions *session.Manager
	Timeout  time.Duration

	challenge [32]byte
}

// NewServer constructs a handshake Server bound to a session registry.
func NewServer(identity *primitives.SigningKeyPair, sessions *session.Manager, timeout time.Duration) *Server {
	if timeout == 0 {
		timeout = session.DefaultTimeout
	}
	return &Server{Identity: identity, Sessions: sessions, Timeout: timeout}
}

// Challenge handles an AuthRequest, drawing and signing a fresh challenge.
func (s *Server) Challenge(req AuthRequest) (*ServerChallenge, error) {
	raw, err := primitives.RandomBytes(32)
	if err != nil {
		return nil, err
	}
	copy(s.challenge[:], raw)

	sig := s.Identity.SignIdentity(s.challenge[:])
	var sigArr [64]byte
	copy(sigArr[:], sig)

	return &ServerChallenge{
		Challenge:  s.challenge,
		Signature:  sigArr,
		ServerCert: NewCertificate(s.Identity),
	}, nil
}

// Respond verifies a ClientResponse and, on success, establishes a session.
func (s *Server) Respond(resp ClientResponse) (*SessionEstablished, error) {
	if resp.ClientCert == nil {
		return nil, ErrAuthenticationFailed
	}
	if err := resp.ClientCert.Verify(); err != nil {
		return nil, ErrAuthenticationFailed
	}

	if err := primitives.VerifyIdentity(resp.ClientCert.Pubkey, s.challenge[:], resp.ChallengeResponse[:]); err != nil {
		return nil, ErrAuthenticationFailed
	}

	if err := primitives.VerifyIdentity(resp.ClientCert.Pubkey, resp.ClientChallenge[:], resp.ClientChallengeSig[:]); err != nil {
		return nil, ErrAuthenticationFailed
	}

	answer := s.Identity.SignIdentity(resp.ClientChallenge[:])
	var answerArr [64]byte
	copy(answerArr[:], answer)

	sid := session.NewSessionID()
	s.Sessions.Create(&session.Session{
		ID:           sid,
		ClientPubkey: resp.ClientCert.Pubkey,
		Timeout:      s.Timeout,
	})

	return &SessionEstablished{
		SessionID:         sid,
		ChallengeResponse: answerArr,
		TimeoutS:          uint32(s.Timeout / time.Second),
	}, nil
}

// Client drives the client side of the handshake.
type Client struct {
	Identity *primitives.SigningKeyPair
}

// NewClient constructs a handshake Client bound to an identity keypair.
func NewClient(identity *primitives.SigningKeyPair) *Client {
	return &Client{Identity: identity}
}

// Respond answers a ServerChallenge with the client's ClientResponse,
// verifying the server's certificate and challenge signature first.
func (c *Client) Respond(ch ServerChallenge) (*ClientResponse, error) {
	if ch.ServerCert == nil {
		return nil, ErrAuthenticationFailed
	}
	if err := ch.ServerCert.Verify(); err != nil {
		return nil, ErrAuthenticationFailed
	}
	if err := primitives.VerifyIdentity(ch.ServerCert.Pubkey, ch.Challenge[:], ch.Signature[:]); err != nil {
		return nil, ErrAuthenticationFailed
	}

	answer := c.Identity.SignIdentity(ch.Challenge[:])
	var answerArr [64]byte
	copy(answerArr[:], answer)

	clientChallenge, err := primitives.RandomBytes(32)
	if err != nil {
		return nil, err
	}
	var ccArr [32]byte
	copy(ccArr[:], clientChallenge)
	ccSig := c.Identity.SignIdentity(ccArr[:])
	var ccSigArr [64]byte
	copy(ccSigArr[:], ccSig)

	return &ClientResponse{
		ChallengeResponse:  answerArr,
		ClientChallenge:    ccArr,
		ClientChallengeSig: ccSigArr,
		ClientCert:         NewCertificate(c.Identity),
	}, nil
}

// VerifyServerAnswer confirms the server correctly answered the client's
// own challenge, completing mutual authentication.
func (c *Client) VerifyServerAnswer(serverPub ed25519.PublicKey, clientChallenge [32]byte, est SessionEstablished) error {
	if err := primitives.VerifyIdentity(serverPub, clientChallenge[:], est.ChallengeResponse[:]); err != nil {
		return ErrAuthenticationFailed
	}
	return nil
}
