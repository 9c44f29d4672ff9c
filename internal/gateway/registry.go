// Package gateway is the HTTP surface: it maps browser sessions to
// their login controllers, hosts the login and silent sign-on
// callbacks, and fronts the workbench API.
package gateway

import (
	"log/slog"
	"net/http"
	"sync"

	"aasgate/internal/backend"
	"aasgate/internal/protocol"
	"aasgate/internal/session"
	"aasgate/internal/tokenstore"
)

const sessionCookie = "aasgate_session"

// sessionEntry is everything scoped to one browser session. The store
// survives controller resets so credentials carry across page loads.
type sessionEntry struct {
	id    string
	store *tokenstore.Store

	mu         sync.Mutex
	controller *session.Controller
	api        *backend.Client
}

func (e *sessionEntry) Controller() *session.Controller {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.controller
}

func (e *sessionEntry) API() *backend.Client {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.api
}

// entryFactory builds the controller and API client for a session over
// its store.
type entryFactory func(store *tokenstore.Store) (*session.Controller, *backend.Client)

// Registry maps session IDs to their entries.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*sessionEntry
	build   entryFactory
	legacy  tokenstore.Backend
	logger  *slog.Logger
}

// NewRegistry creates a registry. legacy, when non-nil, becomes the
// read-only access-token fallback of every new session store.
func NewRegistry(build entryFactory, legacy tokenstore.Backend, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		entries: make(map[string]*sessionEntry),
		build:   build,
		legacy:  legacy,
		logger:  logger,
	}
}

// Get returns the entry for a session ID, creating it on first sight.
func (r *Registry) Get(id string) *sessionEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		return e
	}

	e := &sessionEntry{id: id}
	if r.legacy != nil {
		e.store = tokenstore.NewWithLegacyFallback(tokenstore.NewMemory(), r.legacy)
	} else {
		e.store = tokenstore.New(tokenstore.NewMemory())
	}
	e.controller, e.api = r.build(e.store)
	r.entries[id] = e
	r.logger.Debug("session created", "session", id)
	return e
}

// Reset replaces the session's controller while keeping its store. A
// login callback is a fresh page load, so the one-shot initialization
// must run again over the credentials accumulated so far.
func (r *Registry) Reset(id string) *sessionEntry {
	e := r.Get(id)
	controller, api := r.build(e.store)
	e.mu.Lock()
	e.controller = controller
	e.api = api
	e.mu.Unlock()
	return e
}

// sessionID reads the session cookie, minting one when absent.
func sessionID(w http.ResponseWriter, r *http.Request) (string, error) {
	if c, err := r.Cookie(sessionCookie); err == nil && c.Value != "" {
		return c.Value, nil
	}
	id, err := protocol.RandomHex(32)
	if err != nil {
		return "", err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   r.TLS != nil,
	})
	return id, nil
}
