package transport

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// WSConn adapts a gorilla WebSocket connection to carry the same
// length-delimited Frame values as the raw TCP transport, as an alternate
// adapter for deployments behind an HTTP(S) front end. Grounded on the
// teacher's WSServer upgrade-and-track pattern.
type WSConn struct {
	conn *websocket.Conn
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// UpgradeWS upgrades an HTTP request to a WSConn.
func UpgradeWS(w http.ResponseWriter, r *http.Request) (*WSConn, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return &WSConn{conn: conn}, nil
}

// DialWS connects to a ws:// or wss:// URL and returns a WSConn.
func DialWS(url string, handshakeTimeout time.Duration) (*WSConn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	return &WSConn{conn: conn}, nil
}

// WriteFrame sends one frame as a single binary WebSocket message, with the
// same type-tag-plus-payload layout as the TCP framing.
func (c *WSConn) WriteFrame(f Frame) error {
	buf := make([]byte, 1+len(f.Payload))
	buf[0] = byte(f.Type)
	copy(buf[1:], f.Payload)
	return c.conn.WriteMessage(websocket.BinaryMessage, buf)
}

// ReadFrame reads one binary WebSocket message and decodes it as a Frame.
func (c *WSConn) ReadFrame() (Frame, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return Frame{}, err
	}
	if len(data) < 1 {
		return Frame{}, websocket.ErrReadLimit
	}
	return Frame{Type: Type(data[0]), Payload: data[1:]}, nil
}

// Close closes the underlying connection.
func (c *WSConn) Close() error {
	return c.conn.Close()
}
