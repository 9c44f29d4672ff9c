// Package tokenstore owns the credential set for a single browser
// session. It is pure data access: no network calls and no token
// decoding happen here.
package tokenstore

import "sync"

// Kind identifies one slot of the credential set.
type Kind string

const (
	KindAccess       Kind = "access_token"
	KindRefresh      Kind = "refresh_token"
	KindID           Kind = "id_token"
	KindPKCEVerifier Kind = "pkce_verifier"
)

// kinds lists every slot Clear must wipe.
var kinds = []Kind{KindAccess, KindRefresh, KindID, KindPKCEVerifier}

// Backend is a session-scoped persistence medium. A Backend that has
// become unavailable is represented by nil; the Store degrades to
// no-ops in that case so callers see the same thing as "never logged
// in".
type Backend interface {
	Put(key, value string)
	Get(key string) (string, bool)
	Delete(key string)
}

// Store wraps the session-scoped backend and an optional legacy
// durable backend. The legacy backend is a read-only fallback for the
// access token: it is consulted only when the session slot is empty,
// and this subsystem never writes to it.
type Store struct {
	session Backend
	legacy  Backend
}

// New creates a Store over the given session-scoped backend. A nil
// backend means storage is unavailable; every operation becomes a
// no-op and every Get returns "".
func New(session Backend) *Store {
	return &Store{session: session}
}

// NewWithLegacyFallback creates a Store that additionally reads the
// access token from a legacy durable backend when the session slot is
// empty. The legacy backend is never written.
func NewWithLegacyFallback(session, legacy Backend) *Store {
	return &Store{session: session, legacy: legacy}
}

// Put stores a value for the given kind, fully superseding any prior
// value for that kind.
func (s *Store) Put(kind Kind, value string) {
	if s.session == nil {
		return
	}
	s.session.Put(string(kind), value)
}

// Get returns the stored value for the given kind, or "" when absent.
// Read order: session storage first, then the legacy fallback (access
// token only).
func (s *Store) Get(kind Kind) string {
	if s.session != nil {
		if v, ok := s.session.Get(string(kind)); ok {
			return v
		}
	}
	if kind == KindAccess && s.legacy != nil {
		if v, ok := s.legacy.Get(string(kind)); ok {
			return v
		}
	}
	return ""
}

// Clear removes every kind from session storage. The legacy backend is
// untouched: it is not owned by this subsystem.
func (s *Store) Clear() {
	if s.session == nil {
		return
	}
	for _, k := range kinds {
		s.session.Delete(string(k))
	}
}

// Memory is an in-memory Backend scoped to one browser session.
type Memory struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{values: make(map[string]string)}
}

// Put stores a value under the given key.
func (m *Memory) Put(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
}

// Get retrieves a value by key.
func (m *Memory) Get(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok
}

// Delete removes a value by key.
func (m *Memory) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
}
