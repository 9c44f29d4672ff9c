// Package guard gates protected views on the published session state.
// It holds no state of its own: every decision is a pure projection of
// the state the session controller publishes.
package guard

import (
	"net/http"

	"aasgate/internal/session"
)

// StateFunc resolves the session state for a request.
type StateFunc func(r *http.Request) session.State

// Middleware protects views behind the session lifecycle. While the
// session is not ready it answers with a waiting page instead of a
// verdict; an unauthenticated ready session is redirected to sign-in.
type Middleware struct {
	state      StateFunc
	signInPath string
	waiting    http.Handler
}

// New creates the middleware. waiting renders the "still signing in"
// response; pass nil for the built-in minimal page.
func New(state StateFunc, signInPath string, waiting http.Handler) *Middleware {
	if waiting == nil {
		waiting = http.HandlerFunc(defaultWaitingPage)
	}
	return &Middleware{state: state, signInPath: signInPath, waiting: waiting}
}

// Protect wraps a handler for authenticated users only.
func (m *Middleware) Protect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		st := m.state(r)
		if !st.Ready {
			// Not a verdict yet. Authenticated may read true from a
			// stored token that initialization will still reject, so
			// no branch below may run before ready.
			m.waiting.ServeHTTP(w, r)
			return
		}
		if !st.Authenticated {
			http.Redirect(w, r, m.signInPath, http.StatusFound)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func defaultWaitingPage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Retry-After", "1")
	w.WriteHeader(http.StatusServiceUnavailable)
	w.Write([]byte(`<!DOCTYPE html><html><head><meta http-equiv="refresh" content="1"><title>Signing in</title></head><body><p>Checking your session…</p></body></html>`))
}
