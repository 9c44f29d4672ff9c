package gateway

import (
	"sync"

	"aasgate/internal/oidc"
)

// FrameRegistry hosts the hidden silent sign-on frames. The manual flow
// launches a frame by registering its authorization URL here; the
// waiting page embeds an iframe that starts at the registered URL, and
// the frame's final redirect is posted back and delivered into the
// flow's one-shot channel.
type FrameRegistry struct {
	mu     sync.Mutex
	frames map[string]*pendingFrame
}

type pendingFrame struct {
	authURL string
	ch      *oidc.FrameChannel
}

// NewFrameRegistry creates an empty registry.
func NewFrameRegistry() *FrameRegistry {
	return &FrameRegistry{frames: make(map[string]*pendingFrame)}
}

// Launch registers a pending frame for the session.
func (r *FrameRegistry) Launch(sessionID, authURL string, ch *oidc.FrameChannel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames[sessionID] = &pendingFrame{authURL: authURL, ch: ch}
	return nil
}

// Release removes the session's pending frame. Messages arriving after
// release are dropped.
func (r *FrameRegistry) Release(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.frames, sessionID)
}

// AuthURL returns the authorization URL the session's frame should
// load, when one is pending.
func (r *FrameRegistry) AuthURL(sessionID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.frames[sessionID]
	if !ok {
		return "", false
	}
	return f.authURL, true
}

// Deliver routes a frame result to the waiting flow. The channel
// enforces the origin filter; a stale session simply drops the message.
func (r *FrameRegistry) Deliver(sessionID, origin, rawURL string) {
	r.mu.Lock()
	f, ok := r.frames[sessionID]
	r.mu.Unlock()
	if !ok {
		return
	}
	f.ch.Deliver(origin, rawURL)
}
