package transport

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/use-agent/pagefetch/metrics"
)

// Session is a pooled HTTP client bound to one (preset, proxy) pair.
// Fields other than the client are guarded by Manager.mu.
type Session struct {
	key        string
	preset     Preset
	proxy      string
	createdAt  time.Time
	lastAccess time.Time
	inFlight   int
	retired    bool

	client    *http.Client
	transport *http.Transport
}

// Key returns the pool key of the session.
func (s *Session) Key() string { return s.key }

// Preset returns the TLS preset the session impersonates.
func (s *Session) Preset() Preset { return s.preset }

func (s *Session) close() {
	s.transport.CloseIdleConnections()
}

// PoolStats reports the occupancy of the session pool.
type PoolStats struct {
	MaxSessions int
	Sessions    int
	Busy        int
	InFlight    int
}

func sessionKey(preset Preset, proxy string) string {
	if proxy == "" {
		proxy = "none"
	}
	return string(preset) + "|" + proxy
}

// newSession constructs an unpooled session.
func (m *Manager) newSession(preset Preset, proxy string) (*Session, error) {
	proxyURL, err := parseProxy(proxy)
	if err != nil {
		return nil, err
	}
	client, tr, err := m.newHTTPClient(preset, proxyURL)
	if err != nil {
		return nil, err
	}
	now := m.opts.Now()
	return &Session{
		key:        sessionKey(preset, proxy),
		preset:     preset,
		proxy:      proxy,
		createdAt:  now,
		lastAccess: now,
		client:     client,
		transport:  tr,
	}, nil
}

// Acquire returns the pooled session for (preset, proxy), constructing it on
// first use, and marks it in flight. Empty arguments select the manager's
// defaults. Every successful Acquire must be paired with Release.
func (m *Manager) Acquire(preset Preset, proxy string) (*Session, error) {
	if preset == "" {
		preset = m.opts.DefaultPreset
	}
	if proxy == "" {
		proxy = m.opts.DefaultProxy
	}
	key := sessionKey(preset, proxy)

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.opts.Now()
	m.recycleLocked(now)

	if s, ok := m.sessions[key]; ok {
		s.inFlight++
		s.lastAccess = now
		m.publishLocked()
		return s, nil
	}

	s, err := m.newSession(preset, proxy)
	if err != nil {
		return nil, err
	}
	if len(m.sessions) >= m.opts.MaxSessions {
		m.evictLRULocked()
	}
	s.inFlight = 1
	m.sessions[key] = s
	slog.Debug("transport: session created", "key", key, "pool_size", len(m.sessions))
	m.publishLocked()
	return s, nil
}

// Release marks one request on the session as finished. A session retired
// while busy is closed once its last request finishes.
func (m *Manager) Release(s *Session) {
	if s == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.inFlight > 0 {
		s.inFlight--
	}
	s.lastAccess = m.opts.Now()
	if s.retired && s.inFlight == 0 {
		s.close()
		slog.Debug("transport: retired session closed", "key", s.key)
	}
	m.publishLocked()
}

// CloseAll drains the pool. Idle sessions are closed immediately; busy ones
// are retired and closed by their final Release. The next Acquire for any key
// constructs a new session.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, s := range m.sessions {
		if s.inFlight == 0 {
			s.close()
		} else {
			s.retired = true
		}
		delete(m.sessions, key)
	}
	m.publishLocked()
	slog.Info("transport: session pool drained")
}

// Stats returns a snapshot of the pool.
func (m *Manager) Stats() PoolStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := PoolStats{MaxSessions: m.opts.MaxSessions, Sessions: len(m.sessions)}
	for _, s := range m.sessions {
		if s.inFlight > 0 {
			st.Busy++
			st.InFlight += s.inFlight
		}
	}
	return st
}

// recycleLocked closes idle sessions older than MaxAge. Busy sessions past
// their age are left in place and reconsidered on a later acquisition.
// Caller must hold m.mu.
func (m *Manager) recycleLocked(now time.Time) {
	for key, s := range m.sessions {
		if now.Sub(s.createdAt) < m.opts.MaxAge {
			continue
		}
		if s.inFlight > 0 {
			slog.Debug("transport: recycle deferred, session busy", "key", key, "in_flight", s.inFlight)
			continue
		}
		delete(m.sessions, key)
		s.close()
		metrics.ObserveSessionEviction("age")
		slog.Debug("transport: session recycled", "key", key, "age", now.Sub(s.createdAt))
	}
}

// evictLRULocked removes the least recently used idle session. When every
// session is busy nothing is evicted and the pool runs over capacity until
// sessions are released. Caller must hold m.mu.
func (m *Manager) evictLRULocked() {
	var victim *Session
	for _, s := range m.sessions {
		if s.inFlight > 0 {
			continue
		}
		if victim == nil || s.lastAccess.Before(victim.lastAccess) ||
			(s.lastAccess.Equal(victim.lastAccess) && s.key < victim.key) {
			victim = s
		}
	}
	if victim == nil {
		slog.Warn("transport: session pool over capacity, all sessions busy",
			"max_sessions", m.opts.MaxSessions, "pool_size", len(m.sessions))
		return
	}
	delete(m.sessions, victim.key)
	victim.close()
	metrics.ObserveSessionEviction("lru")
	slog.Debug("transport: session evicted", "key", victim.key)
}

// publishLocked updates the pool gauges. Caller must hold m.mu.
func (m *Manager) publishLocked() {
	busy := 0
	for _, s := range m.sessions {
		if s.inFlight > 0 {
			busy++
		}
	}
	metrics.SetSessionGauges(len(m.sessions), busy)
}
