package handshake

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustedge-io/trustedge/primitives"
	"github.com/trustedge-io/trustedge/session"
)

func newTestKeypair(t *testing.T) *primitives.SigningKeyPair {
	t.Helper()
	kp, err := primitives.GenerateSigningKeyPair()
	require.NoError(t, err)
	return kp
}

func TestHandshakeHappyPath(t *testing.T) {
	serverIdentity := newTestKeypair(t)
	clientIdentity := newTestKeypair(t)

	sessions := session.NewManager()
	defer sessions.Close()

	srv := NewServer(serverIdentity, sessions, time.Minute)
	cli := NewClient(clientIdentity)

	challenge, err := srv.Challenge(AuthRequest{Type: "connect"})
	require.NoError(t, err)

	resp, err := cli.Respond(*challenge)
	require.NoError(t, err)

	established, err := srv.Respond(*resp)
	require.NoError(t, err)
	assert.NotZero(t, established.SessionID)

	_, ok := sessions.Get(established.SessionID)
	assert.True(t, ok)

	err = cli.VerifyServerAnswer(serverIdentity.PublicKey(), resp.ClientChallenge, *established)
	assert.NoError(t, err)
}

func TestHandshakeRejectsBadSelfSignature(t *testing.T) {
	serverIdentity := newTestKeypair(t)
	clientIdentity := newTestKeypair(t)

	sessions := session.NewManager()
	defer sessions.Close()

	srv := NewServer(serverIdentity, sessions, time.Minute)
	cli := NewClient(clientIdentity)

	challenge, err := srv.Challenge(AuthRequest{Type: "connect"})
	require.NoError(t, err)

	resp, err := cli.Respond(*challenge)
	require.NoError(t, err)

	// Corrupt the client certificate's self-signature.
	resp.ClientCert.Signature[0] ^= 0xFF

	_, err = srv.Respond(*resp)
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
	assert.Equal(t, 0, sessions.Count())
}

func TestHandshakeRejectsWrongServerCert(t *testing.T) {
	serverIdentity := newTestKeypair(t)
	impostor := newTestKeypair(t)
	clientIdentity := newTestKeypair(t)

	sessions := session.NewManager()
	defer sessions.Close()

	srv := NewServer(serverIdentity, sessions, time.Minute)
	cli := NewClient(clientIdentity)

	challenge, err := srv.Challenge(AuthRequest{Type: "connect"})
	require.NoError(t, err)

	// Swap in an impostor's certificate without the matching signature.
	challenge.ServerCert = NewCertificate(impostor)

	_, err = cli.Respond(*challenge)
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
}
