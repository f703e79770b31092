package trustedge

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustedge-io/trustedge/dispatch"
	"github.com/trustedge-io/trustedge/envelope"
	"github.com/trustedge-io/trustedge/format"
	"github.com/trustedge-io/trustedge/handshake"
	"github.com/trustedge-io/trustedge/internal/logger"
	"github.com/trustedge-io/trustedge/primitives"
	"github.com/trustedge-io/trustedge/session"
)

func TestSealOpenInspectRoundTrip(t *testing.T) {
	key := primitives.NewSecret(make([]byte, 32))
	signer, err := primitives.GenerateSigningKeyPair()
	require.NoError(t, err)

	plaintext := bytes.Repeat([]byte("a"), 10000)
	var sealed bytes.Buffer
	params := envelope.SealParams{
		ChunkSize: 4096,
		Key:       key,
		Signer:    signer,
		Now:       time.Now,
	}
	require.NoError(t, Seal(&sealed, bytes.NewReader(plaintext), params))

	report, err := Inspect(bytes.NewReader(sealed.Bytes()))
	require.NoError(t, err)
	assert.Len(t, report.Records, 3)

	var recovered bytes.Buffer
	openParams := envelope.OpenParams{Key: key}
	err = Open(bytes.NewReader(sealed.Bytes()), openParams, func(_ envelope.Provenance, chunk []byte) error {
		recovered.Write(chunk)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, plaintext, recovered.Bytes())
}

// TestConnectAndSendAgainstDispatchServer drives a dispatch.Connection on
// one end of a net.Pipe as the server, and this package's client-side
// handshake plus Send on the other, exercising Connection end to end
// without a real listener.
func TestConnectAndSendAgainstDispatchServer(t *testing.T) {
	serverConn, clientConn := net.Pipe()

	serverIdentity, err := primitives.GenerateSigningKeyPair()
	require.NoError(t, err)
	clientIdentity, err := primitives.GenerateSigningKeyPair()
	require.NoError(t, err)

	sessions := session.NewManager()
	defer sessions.Close()
	hsServer := handshake.NewServer(serverIdentity, sessions, time.Minute)
	log := logger.NewDefaultLogger()
	secret := primitives.NewSecret(make([]byte, 32))
	serverSide := dispatch.NewConnection(serverConn, hsServer, sessions, log, secret, [16]byte{}, nil)

	serverDone := make(chan error, 1)
	go func() { serverDone <- serverSide.Run() }()

	established, _, err := runClientHandshake(clientConn, clientIdentity, serverIdentity.PublicKey())
	require.NoError(t, err)
	client := &Connection{conn: clientConn, sessionID: established.SessionID}
	defer client.Close()

	recordSigner, err := primitives.GenerateSigningKeyPair()
	require.NoError(t, err)
	var sealed bytes.Buffer
	require.NoError(t, envelope.Seal(&sealed, bytes.NewReader([]byte("payload")), envelope.SealParams{
		ChunkSize: 7,
		Key:       secret,
		Signer:    recordSigner,
		Now:       time.Now,
	}))
	fr, err := format.NewReader(&sealed)
	require.NoError(t, err)
	rec, err := fr.NextRecord()
	require.NoError(t, err)
	require.NoError(t, client.Send(rec))
}
