// Package session implements the C6 session registry: the set of
// established connections that have completed the mutual-authentication
// handshake, each tracked until it expires or is explicitly closed.
package session

import (
	"crypto/ed25519"
	"sync"
	"time"
)

// Session is one authenticated connection's registry entry.
type Session struct {
	ID           uint64
	ClientPubkey ed25519.PublicKey
	CreatedAt    time.Time
	LastActivity time.Time
	Timeout      time.Duration

	mu     sync.Mutex
	closed bool
}

// IsExpired reports whether the session has gone past its idle timeout.
func (s *Session) IsExpired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	return time.Since(s.LastActivity) > s.Timeout
}

// Touch records activity, resetting the idle timer.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastActivity = time.Now()
}

// Close marks the session as no longer usable.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}
