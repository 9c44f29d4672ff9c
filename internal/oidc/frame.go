package oidc

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// SilentTimeout bounds how long the hidden frame may take to report a
// result before the silent attempt counts as failed.
const SilentTimeout = 5 * time.Second

// ErrSilentTimeout reports that the hidden frame never answered within
// SilentTimeout.
var ErrSilentTimeout = errors.New("silent sign-on timed out")

// FrameChannel is a one-shot channel carrying the redirect URL produced
// by a hidden silent sign-on frame. Only the first message from the
// expected origin wins; duplicates, stragglers, and messages from any
// other origin are dropped.
type FrameChannel struct {
	origin string
	ch     chan string
	once   sync.Once
}

// NewFrameChannel creates a channel that accepts messages from the
// given origin only.
func NewFrameChannel(origin string) *FrameChannel {
	return &FrameChannel{origin: origin, ch: make(chan string, 1)}
}

// Deliver hands the frame's resulting URL to the waiting flow. Safe to
// call from any goroutine and any number of times.
func (f *FrameChannel) Deliver(origin, rawURL string) {
	if origin != f.origin {
		return
	}
	f.once.Do(func() { f.ch <- rawURL })
}

// Await blocks until a result arrives, the timeout elapses, or ctx is
// done.
func (f *FrameChannel) Await(ctx context.Context, clock clockwork.Clock, timeout time.Duration) (string, error) {
	select {
	case u := <-f.ch:
		return u, nil
	case <-clock.After(timeout):
		return "", ErrSilentTimeout
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// FrameLauncher loads an authorization URL in a hidden frame and routes
// the frame's final redirect URL into the channel. Release tears the
// frame and its listener down; the manual flow calls it on every exit
// path so no listener outlives its attempt.
type FrameLauncher interface {
	Launch(sessionID, authURL string, ch *FrameChannel) error
	Release(sessionID string)
}
