package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Connection-lifecycle errors surfaced to callers per the taxonomy's
// Connection category, alongside the framing-level ErrMessageTooLarge.
var (
	// ErrConnectionFailed is returned once DialWithRetry exhausts its retry
	// budget without establishing a connection.
	ErrConnectionFailed = errors.New("transport: connection failed")
	// ErrConnectionClosed is returned when an operation is attempted against
	// a connection the peer has already closed.
	ErrConnectionClosed = errors.New("transport: connection closed")
	// ErrTimeout is returned when a dial or I/O deadline elapses.
	ErrTimeout = errors.New("transport: timeout")
)

// ConnHandler processes one accepted connection. It must return when the
// connection is done; the server closes conn afterward.
type ConnHandler func(ctx context.Context, conn net.Conn) error

// Server accepts TCP connections and dispatches each to a ConnHandler under
// a bounded, rate-limited errgroup, so a connection burst cannot spawn
// unbounded goroutines. Grounded on the teacher's WebSocket server's
// connection-tracking loop, generalized from an HTTP upgrade handler to a
// raw accept loop since TrustEdge frames its own wire protocol.
type Server struct {
	Listener    net.Listener
	Handler     ConnHandler
	Limiter     *rate.Limiter
	MaxInFlight int
}

// NewServer wraps an already-bound listener. acceptsPerSecond and burst
// configure the accept-side rate limiter; maxInFlight bounds concurrently
// handled connections.
func NewServer(l net.Listener, handler ConnHandler, acceptsPerSecond float64, burst, maxInFlight int) *Server {
	return &Server{
		Listener:    l,
		Handler:     handler,
		Limiter:     rate.NewLimiter(rate.Limit(acceptsPerSecond), burst),
		MaxInFlight: maxInFlight,
	}
}

// Serve accepts connections until ctx is canceled or the listener errors.
func (s *Server) Serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.MaxInFlight)

	go func() {
		<-ctx.Done()
		_ = s.Listener.Close()
	}()

	for {
		conn, err := s.Listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			return err
		}
		if err := s.Limiter.Wait(ctx); err != nil {
			_ = conn.Close()
			break
		}
		g.Go(func() error {
			defer conn.Close()
			return s.Handler(ctx, conn)
		})
	}
	return g.Wait()
}

// DialWithRetry connects to addr, retrying up to attempts times with delay
// between each, per the configuration's connect_timeout/retry_attempts.
// Exhausting the retry budget surfaces ErrConnectionFailed, wrapping the
// last dial error; a context cancellation mid-wait surfaces ErrTimeout if
// the deadline elapsed, or the raw ctx.Err() otherwise.
func DialWithRetry(ctx context.Context, addr string, connectTimeout, delay time.Duration, attempts int) (net.Conn, error) {
	var lastErr error
	for i := 0; i < attempts; i++ {
		d := net.Dialer{Timeout: connectTimeout}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn, nil
		}
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			lastErr = fmt.Errorf("%w: %v", ErrTimeout, err)
		} else {
			lastErr = err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
			}
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, lastErr)
}
