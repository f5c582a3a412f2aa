package server

import (
	"crypto/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rupy-dev/rupy/pkg/sandbox"
)

// SessionCookie is the cookie carrying the session key.
const SessionCookie = "key"

const keyAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// Session is per-client state shared by the services it passed through.
type Session struct {
	key     string
	store   *SessionStore
	created time.Time
	last    atomic.Int64

	mu       sync.RWMutex
	values   map[string]any
	services []boundService
	removed  bool
}

type boundService struct {
	service Service
	sandbox *sandbox.Context
}

// Key returns the session key.
func (s *Session) Key() string { return s.key }

// Created returns the creation time.
func (s *Session) Created() time.Time { return s.created }

// Last returns the time of the last request that used the session.
func (s *Session) Last() time.Time { return time.Unix(0, s.last.Load()) }

// Touch marks the session as used now.
func (s *Session) Touch() { s.last.Store(time.Now().UnixNano()) }

// Get returns the value stored under key.
func (s *Session) Get(key string) any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values[key]
}

// String returns the value under key if it is a string.
func (s *Session) String(key string) string {
	v, _ := s.Get(key).(string)
	return v
}

// Int returns the value under key if it is an int.
func (s *Session) Int(key string) int {
	v, _ := s.Get(key).(int)
	return v
}

// Put stores value under key. A nil value deletes the key.
func (s *Session) Put(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if value == nil {
		delete(s.values, key)
		return
	}
	s.values[key] = value
}

// Remove ends the session now, notifying its services with SessionRemove.
func (s *Session) Remove() {
	s.store.Remove(s, SessionRemove)
}

// add registers svc and reports whether it was new to the session.
func (s *Session) add(svc Service, sb *sandbox.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.services {
		if b.service == svc {
			return false
		}
	}
	s.services = append(s.services, boundService{service: svc, sandbox: sb})
	return true
}

// end marks the session removed and returns its services once.
func (s *Session) end() ([]boundService, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removed {
		return nil, false
	}
	s.removed = true
	return s.services, true
}

func randomKey(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic("server: crypto/rand failed: " + err.Error())
	}
	for i, b := range buf {
		buf[i] = keyAlphabet[int(b)%len(keyAlphabet)]
	}
	return string(buf)
}
