package oidc

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"aasgate/internal/fetch"
	"aasgate/internal/protocol"
	"aasgate/internal/tokenstore"
)

// manualRefreshWindow is how close to expiry the manual path refreshes
// the access token ahead of a request.
const manualRefreshWindow = 5 * time.Minute

// ManualFlow drives the authorization-code PKCE flow by hand. It exists
// for the browser family whose third-party storage restrictions break
// the library flow; everything the library would normally do (challenge
// generation, code exchange, refresh scheduling) is explicit here.
type ManualFlow struct {
	cfg      Config
	store    *tokenstore.Store
	endpoint *TokenEndpoint
	launcher FrameLauncher
	clock    clockwork.Clock
	logger   *slog.Logger
}

// NewManualFlow assembles the manual login path for one browser
// session.
func NewManualFlow(cfg Config, store *tokenstore.Store, endpoint *TokenEndpoint, launcher FrameLauncher, clock clockwork.Clock, logger *slog.Logger) *ManualFlow {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ManualFlow{cfg: cfg, store: store, endpoint: endpoint, launcher: launcher, clock: clock, logger: logger}
}

// Initialize runs the manual path's decision cascade for one page load:
// redeem a login callback if the URL carries one, otherwise reuse a
// stored token that is still valid, otherwise attempt silent sign-on.
// Every failure degrades to the unauthenticated ready state, never to
// an error.
func (f *ManualFlow) Initialize(ctx context.Context, sessionID, currentURL string) Result {
	resp := protocol.ParseAuthResponse(currentURL)
	if resp.IsCallback() {
		if claims := f.redeemCode(ctx, resp.Code, f.cfg.RedirectURI); claims != nil {
			return Result{Claims: claims, CleanURL: protocol.StripAuthParams(currentURL)}
		}
		// A dead code is not recoverable; see whether the provider
		// still has a session for us.
		return f.silentSignOn(ctx, sessionID)
	}
	if claims := f.reuseStoredToken(); claims != nil {
		return Result{Claims: claims}
	}
	return f.silentSignOn(ctx, sessionID)
}

// reuseStoredToken returns claims for the stored access token when it
// is present, well-formed, and not yet expired.
func (f *ManualFlow) reuseStoredToken() *protocol.TokenClaims {
	access := f.store.Get(tokenstore.KindAccess)
	if access == "" {
		return nil
	}
	claims, err := protocol.DecodeToken(access)
	if err != nil || !claims.ExpiresAt.After(f.clock.Now()) {
		// Stale or unreadable. Clear the set and let silent sign-on
		// decide; the refresh token is deliberately not used here.
		f.store.Clear()
		return nil
	}
	return claims
}

func (f *ManualFlow) silentSignOn(ctx context.Context, sessionID string) Result {
	verifier, err := protocol.NewVerifier()
	if err != nil {
		f.logger.Error("generate PKCE verifier", "error", err)
		return Result{}
	}
	f.store.Put(tokenstore.KindPKCEVerifier, verifier)

	ch := NewFrameChannel(f.cfg.Origin)
	authURL := f.authorizationURL(verifier, f.cfg.SilentRedirectURI, "", true)
	if err := f.launcher.Launch(sessionID, authURL, ch); err != nil {
		f.logger.Warn("silent sign-on frame unavailable", "error", err)
		return Result{}
	}
	defer f.launcher.Release(sessionID)

	resultURL, err := ch.Await(ctx, f.clock, SilentTimeout)
	if err != nil {
		f.logger.Info("silent sign-on gave no result", "error", err)
		return Result{}
	}

	resp := protocol.ParseAuthResponse(resultURL)
	if resp.Code == "" {
		if resp.Error != "" && resp.Error != "login_required" {
			f.logger.Warn("silent sign-on refused", "error", resp.Error, "description", resp.ErrorDescription)
		}
		return Result{}
	}
	if claims := f.redeemCode(ctx, resp.Code, f.cfg.SilentRedirectURI); claims != nil {
		return Result{Claims: claims}
	}
	return Result{}
}

// redeemCode exchanges an authorization code and persists the resulting
// credential set. Returns nil on any failure.
func (f *ManualFlow) redeemCode(ctx context.Context, code, redirectURI string) *protocol.TokenClaims {
	verifier := f.store.Get(tokenstore.KindPKCEVerifier)
	set, err := f.endpoint.ExchangeCode(ctx, code, verifier, redirectURI)
	if err != nil {
		f.logger.Warn("code exchange failed", "error", err)
		return nil
	}
	claims, err := protocol.DecodeToken(set.AccessToken)
	if err != nil {
		f.logger.Warn("exchanged access token unreadable", "error", err)
		return nil
	}
	f.persist(set)
	return claims
}

// persist writes a credential set, keeping the previous refresh token
// when the provider omitted one from the response.
func (f *ManualFlow) persist(set *TokenSet) {
	f.store.Put(tokenstore.KindAccess, set.AccessToken)
	if set.RefreshToken != "" {
		f.store.Put(tokenstore.KindRefresh, set.RefreshToken)
	}
	if set.IDToken != "" {
		f.store.Put(tokenstore.KindID, set.IDToken)
	}
	f.store.Put(tokenstore.KindPKCEVerifier, "")
}

// LoginURL mints a fresh PKCE verifier and returns the interactive
// authorization URL to send the user to.
func (f *ManualFlow) LoginURL(state string) (string, error) {
	verifier, err := protocol.NewVerifier()
	if err != nil {
		return "", fmt.Errorf("generate PKCE verifier: %w", err)
	}
	f.store.Put(tokenstore.KindPKCEVerifier, verifier)
	return f.authorizationURL(verifier, f.cfg.RedirectURI, state, false), nil
}

// LogoutURL clears the credential set and returns the provider's
// end-session URL, hinting the identity token when one was stored.
func (f *ManualFlow) LogoutURL() string {
	idToken := f.store.Get(tokenstore.KindID)
	f.store.Clear()

	q := url.Values{
		"client_id":                {f.cfg.ClientID},
		"post_logout_redirect_uri": {f.cfg.PostLogoutRedirectURI},
	}
	if idToken != "" {
		q.Set("id_token_hint", idToken)
	}
	return f.cfg.Endpoints.EndSession + "?" + q.Encode()
}

func (f *ManualFlow) authorizationURL(verifier, redirectURI, state string, silent bool) string {
	q := url.Values{
		"client_id":             {f.cfg.ClientID},
		"redirect_uri":          {redirectURI},
		"response_type":         {"code"},
		"scope":                 {strings.Join(f.cfg.Scopes, " ")},
		"code_challenge":        {protocol.ChallengeS256(verifier)},
		"code_challenge_method": {"S256"},
	}
	if state != "" {
		q.Set("state", state)
	}
	if silent {
		q.Set("prompt", "none")
	}
	return f.cfg.Endpoints.Authorization + "?" + q.Encode()
}

// Tokens returns the manual path's token provider for authenticated
// backend calls.
func (f *ManualFlow) Tokens() fetch.TokenProvider {
	return &manualTokens{flow: f}
}

type manualTokens struct {
	flow *ManualFlow
}

// Token returns the stored access token, refreshing it first when it is
// inside the validity margin.
func (t *manualTokens) Token(ctx context.Context) (string, error) {
	f := t.flow
	access := f.store.Get(tokenstore.KindAccess)
	if access != "" && !protocol.ExpiringWithin(access, manualRefreshWindow, f.clock.Now()) {
		return access, nil
	}
	return t.refresh(ctx)
}

// ForceRefresh always mints a new credential set from the refresh
// token.
func (t *manualTokens) ForceRefresh(ctx context.Context) (string, error) {
	return t.refresh(ctx)
}

func (t *manualTokens) refresh(ctx context.Context) (string, error) {
	f := t.flow
	refresh := f.store.Get(tokenstore.KindRefresh)
	if refresh == "" {
		return "", fetch.ErrNoCredential
	}
	set, err := f.endpoint.Refresh(ctx, refresh)
	if err != nil {
		// The refresh token is spent or rejected. Clearing here means
		// the next page load goes through silent sign-on instead of
		// looping on a dead credential.
		f.store.Clear()
		return "", fmt.Errorf("refresh credential set: %w", err)
	}
	f.persist(set)
	return set.AccessToken, nil
}
