// Package session owns the authentication lifecycle for one browser
// session: detect the browser's capabilities, run the matching login
// path exactly once per page load, and publish the resulting state.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"aasgate/internal/fetch"
	"aasgate/internal/oidc"
)

// ErrNotInitialized reports an operation that needs a selected login
// path before Initialize has run.
var ErrNotInitialized = errors.New("session not initialized")

// Phase is where the controller stands in its initialization sequence.
type Phase int

const (
	PhaseUninitialized Phase = iota
	PhaseDetectingCapability
	PhaseStandardPending
	PhaseManualPending
	PhaseReady
)

func (p Phase) String() string {
	switch p {
	case PhaseUninitialized:
		return "uninitialized"
	case PhaseDetectingCapability:
		return "detecting-capability"
	case PhaseStandardPending:
		return "standard-pending"
	case PhaseManualPending:
		return "manual-pending"
	case PhaseReady:
		return "ready"
	default:
		return "unknown"
	}
}

// Identity describes the signed-in user as read from the access token.
type Identity struct {
	Subject   string    `json:"subject"`
	Username  string    `json:"username"`
	ExpiresAt time.Time `json:"expires_at"`
}

// State is the published session state. Ready reports whether
// initialization has finished; Authenticated is meaningless until it
// has.
type State struct {
	Ready         bool      `json:"ready"`
	Authenticated bool      `json:"authenticated"`
	Identity      *Identity `json:"identity,omitempty"`
}

// Flow is one login path. Both implementations live in the oidc
// package.
type Flow interface {
	Initialize(ctx context.Context, sessionID, currentURL string) oidc.Result
	LoginURL(state string) (string, error)
	LogoutURL() string
	Tokens() fetch.TokenProvider
}

// CapabilityProbe reports whether the user agent belongs to the browser
// family that needs the manual login path. It is a heuristic:
// misclassification degrades to interactive login, never to an error.
type CapabilityProbe func(userAgent string) bool

// Controller runs the login state machine for one browser session.
// Initialize is one-shot; every later call returns the settled state.
type Controller struct {
	standard Flow
	manual   Flow
	probe    CapabilityProbe
	publish  func(State)
	logger   *slog.Logger

	once sync.Once
	mu   sync.Mutex

	phase    Phase
	state    State
	flow     Flow
	cleanURL string
}

// NewController wires a controller from its two flows. publish, when
// non-nil, is invoked on every state change (under no lock).
func NewController(standard, manual Flow, probe CapabilityProbe, publish func(State), logger *slog.Logger) *Controller {
	if probe == nil {
		probe = NeedsManualFlow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		standard: standard,
		manual:   manual,
		probe:    probe,
		publish:  publish,
		logger:   logger,
	}
}

// Initialize runs the state machine once for this session's page load:
// capability detection, then the selected path's login cascade, then
// the ready state. Concurrent and repeated calls settle on the first
// run's outcome.
func (c *Controller) Initialize(ctx context.Context, sessionID, userAgent, currentURL string) State {
	c.once.Do(func() {
		c.setPhase(PhaseDetectingCapability)

		flow, phase := c.standard, PhaseStandardPending
		if c.probe(userAgent) {
			flow, phase = c.manual, PhaseManualPending
		}
		c.mu.Lock()
		c.flow = flow
		c.mu.Unlock()
		c.setPhase(phase)

		res := flow.Initialize(ctx, sessionID, currentURL)

		var st State
		st.Ready = true
		if res.Claims != nil {
			st.Authenticated = true
			st.Identity = &Identity{
				Subject:   res.Claims.Subject,
				Username:  res.Claims.Username,
				ExpiresAt: res.Claims.ExpiresAt,
			}
		}

		c.mu.Lock()
		c.phase = PhaseReady
		c.state = st
		c.cleanURL = res.CleanURL
		c.mu.Unlock()

		c.logger.Info("session ready",
			"path", phase.String(),
			"authenticated", st.Authenticated)
		if c.publish != nil {
			c.publish(st)
		}
	})
	return c.State()
}

func (c *Controller) setPhase(p Phase) {
	c.mu.Lock()
	c.phase = p
	c.mu.Unlock()
}

// State returns the current published state. Before initialization
// finishes it reports not ready, regardless of what storage holds.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Phase returns the controller's position in the state machine.
func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// CleanURL returns the redirect target that removes authorization
// response parameters from the visible URL, or "" when none is needed.
func (c *Controller) CleanURL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cleanURL
}

// LoginURL builds the interactive sign-in URL on the active path.
func (c *Controller) LoginURL(state string) (string, error) {
	c.mu.Lock()
	flow := c.flow
	c.mu.Unlock()
	if flow == nil {
		return "", ErrNotInitialized
	}
	return flow.LoginURL(state)
}

// Logout clears the credential set and returns the provider's
// end-session URL. The session stays ready and unauthenticated; no new
// capability detection happens.
func (c *Controller) Logout() string {
	c.mu.Lock()
	flow := c.flow
	st := State{Ready: c.state.Ready}
	c.state = st
	c.mu.Unlock()

	if c.publish != nil {
		c.publish(st)
	}
	if flow == nil {
		return ""
	}
	return flow.LogoutURL()
}

// Tokens returns the active path's token provider, or nil before
// initialization selected a path.
func (c *Controller) Tokens() fetch.TokenProvider {
	c.mu.Lock()
	flow := c.flow
	c.mu.Unlock()
	if flow == nil {
		return nil
	}
	return flow.Tokens()
}
