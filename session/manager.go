package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/trustedge-io/trustedge/internal/metrics"
)

// DefaultTimeout is the session idle timeout used when a handshake does not
// negotiate one explicitly.
const DefaultTimeout = 300 * time.Second

// Manager is the C6 session registry: it tracks live sessions keyed by a
// server-assigned session_id, expiring idle entries on a background ticker.
// Grounded on the teacher's session Manager cleanup-ticker pattern,
// generalized from a crypto-session store to a plain connection registry
// since TrustEdge sessions gate dispatch rather than encrypt payloads.
type Manager struct {
	mu       sync.RWMutex
	sessions map[uint64]*Session

	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
}

// NewManager constructs a Manager and starts its background cleanup loop.
func NewManager() *Manager {
	m := &Manager{
		sessions:      make(map[uint64]*Session),
		cleanupTicker: time.NewTicker(30 * time.Second),
		stopCleanup:   make(chan struct{}),
	}
	go m.runCleanup()
	return m
}

// NewSessionID draws a random 64-bit session identifier via UUID4 entropy.
func NewSessionID() uint64 {
	id := uuid.New()
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(id[i])
	}
	return v
}

// Create registers s, stamping its creation and last-activity times and
// applying DefaultTimeout when s.Timeout is zero.
func (m *Manager) Create(s *Session) {
	start := time.Now()
	if s.Timeout == 0 {
		s.Timeout = DefaultTimeout
	}
	s.CreatedAt = time.Now()
	s.LastActivity = s.CreatedAt

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	metrics.SessionDuration.WithLabelValues("create").Observe(time.Since(start).Seconds())
}

// Get retrieves a live session by ID, evicting and reporting not-found if it
// has expired.
func (m *Manager) Get(id uint64) (*Session, bool) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if s.IsExpired() {
		m.Remove(id)
		metrics.SessionsExpired.Inc()
		return nil, false
	}
	return s, true
}

// Remove closes and forgets a session.
func (m *Manager) Remove(id uint64) {
	start := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.Close()
		delete(m.sessions, id)
		metrics.SessionDuration.WithLabelValues("close").Observe(time.Since(start).Seconds())
	}
}

// Count returns the number of tracked sessions, live or not-yet-swept.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Close stops the cleanup loop and closes every tracked session.
func (m *Manager) Close() {
	close(m.stopCleanup)
	m.cleanupTicker.Stop()

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		s.Close()
	}
	m.sessions = make(map[uint64]*Session)
}

func (m *Manager) runCleanup() {
	for {
		select {
		case <-m.cleanupTicker.C:
			m.sweep()
		case <-m.stopCleanup:
			return
		}
	}
}

func (m *Manager) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.sessions {
		if s.IsExpired() {
			delete(m.sessions, id)
			metrics.SessionsExpired.Inc()
		}
	}
}
