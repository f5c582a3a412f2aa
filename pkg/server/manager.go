package server

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// SessionStore holds every live session by key.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	keyLen  int
	timeout time.Duration
	logger  *slog.Logger

	totalCreated atomic.Uint64
	totalExpired atomic.Uint64
	totalRemoved atomic.Uint64

	onChange func(active int)
}

// NewSessionStore creates a store issuing keys of keyLen characters.
func NewSessionStore(keyLen int, timeout time.Duration, logger *slog.Logger) *SessionStore {
	if keyLen < MinCookie {
		keyLen = MinCookie
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionStore{
		sessions: make(map[string]*Session),
		keyLen:   keyLen,
		timeout:  timeout,
		logger:   logger.With("component", "sessions"),
	}
}

// Create makes a new session with a unique random key.
func (st *SessionStore) Create() *Session {
	st.mu.Lock()
	var key string
	for {
		key = randomKey(st.keyLen)
		if _, taken := st.sessions[key]; !taken {
			break
		}
	}
	s := &Session{
		key:     key,
		store:   st,
		created: time.Now(),
		values:  make(map[string]any),
	}
	s.Touch()
	st.sessions[key] = s
	active := len(st.sessions)
	st.mu.Unlock()

	st.totalCreated.Add(1)
	st.changed(active)
	return s
}

// Get returns the session for key, or nil.
func (st *SessionStore) Get(key string) *Session {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.sessions[key]
}

// Count returns the number of live sessions.
func (st *SessionStore) Count() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// ForEach calls fn for a snapshot of the live sessions until fn returns
// false. fn runs without the store lock held and may remove sessions.
func (st *SessionStore) ForEach(fn func(*Session) bool) {
	st.mu.RLock()
	sessions := make([]*Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		sessions = append(sessions, s)
	}
	st.mu.RUnlock()

	for _, s := range sessions {
		if !fn(s) {
			break
		}
	}
}

// Remove drops s and notifies its services with kind.
func (st *SessionStore) Remove(s *Session, kind SessionKind) {
	st.mu.Lock()
	if cur, ok := st.sessions[s.key]; ok && cur == s {
		delete(st.sessions, s.key)
	}
	active := len(st.sessions)
	st.mu.Unlock()

	st.finalize(s, kind)
	st.changed(active)
}

// expire removes sessions idle longer than the timeout. Listeners are
// notified after the lock is released.
func (st *SessionStore) expire(now time.Time) int {
	if st.timeout <= 0 {
		return 0
	}

	st.mu.Lock()
	var expired []*Session
	for key, s := range st.sessions {
		if now.Sub(s.Last()) > st.timeout {
			expired = append(expired, s)
			delete(st.sessions, key)
		}
	}
	remaining := len(st.sessions)
	st.mu.Unlock()

	for _, s := range expired {
		st.finalize(s, SessionTimeout)
	}

	if len(expired) > 0 {
		st.changed(remaining)
		st.logger.Debug("expired sessions",
			"count", len(expired),
			"remaining", remaining)
	}
	return len(expired)
}

func (st *SessionStore) finalize(s *Session, kind SessionKind) {
	services, first := s.end()
	if !first {
		return
	}
	if kind == SessionTimeout {
		st.totalExpired.Add(1)
	} else {
		st.totalRemoved.Add(1)
	}
	for _, b := range services {
		l, ok := b.service.(SessionListener)
		if !ok {
			continue
		}
		err := b.sandbox.Run(func() error {
			l.SessionEvent(s, kind)
			return nil
		})
		if err != nil {
			st.logger.Warn("session listener failed",
				"service", ServiceName(b.service),
				"session", s.key,
				"error", err)
		}
	}
}

func (st *SessionStore) changed(active int) {
	if st.onChange != nil {
		st.onChange(active)
	}
}

// StoreStats contains aggregated session statistics.
type StoreStats struct {
	Active       int
	TotalCreated uint64
	TotalExpired uint64
	TotalRemoved uint64
}

// Stats returns aggregated session statistics.
func (st *SessionStore) Stats() StoreStats {
	return StoreStats{
		Active:       st.Count(),
		TotalCreated: st.totalCreated.Load(),
		TotalExpired: st.totalExpired.Load(),
		TotalRemoved: st.totalRemoved.Load(),
	}
}
