package oidc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"github.com/jonboulle/clockwork"
	"golang.org/x/oauth2"

	"aasgate/internal/fetch"
	"aasgate/internal/protocol"
	"aasgate/internal/tokenstore"
)

// StandardClient wraps the discovered provider shared by every session
// on the standard login path. Discovery happens once at construction.
type StandardClient struct {
	cfg        Config
	provider   *gooidc.Provider
	verifier   *gooidc.IDTokenVerifier
	httpClient *http.Client
	logger     *slog.Logger
}

// NewStandardClient discovers the provider's configuration from its
// issuer URL.
func NewStandardClient(ctx context.Context, cfg Config, httpClient *http.Client, logger *slog.Logger) (*StandardClient, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx = gooidc.ClientContext(ctx, httpClient)
	provider, err := gooidc.NewProvider(ctx, cfg.Endpoints.Issuer)
	if err != nil {
		return nil, fmt.Errorf("discover OIDC provider: %w", err)
	}

	return &StandardClient{
		cfg:        cfg,
		provider:   provider,
		verifier:   provider.Verifier(&gooidc.Config{ClientID: cfg.ClientID}),
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

func (c *StandardClient) oauth2Config() *oauth2.Config {
	return &oauth2.Config{
		ClientID:    c.cfg.ClientID,
		RedirectURL: c.cfg.RedirectURI,
		Endpoint:    c.provider.Endpoint(),
		Scopes:      c.cfg.Scopes,
	}
}

// Flow creates the standard login path for one browser session.
func (c *StandardClient) Flow(store *tokenstore.Store, clock clockwork.Clock) *StandardFlow {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &StandardFlow{client: c, store: store, clock: clock, logger: c.logger}
}

// StandardFlow is the library-backed login path for one browser
// session. Token refresh scheduling, expiry margins, and the code
// exchange are all delegated to the client library; this type only
// persists the resulting credential sets and adapts them to the rest of
// the subsystem.
type StandardFlow struct {
	client *StandardClient
	store  *tokenstore.Store
	clock  clockwork.Clock
	logger *slog.Logger

	mu     sync.Mutex
	source oauth2.TokenSource
}

func (f *StandardFlow) ctxWithClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, f.client.httpClient)
}

// Initialize runs the standard path for one page load: redeem a login
// callback if the URL carries one, otherwise resume the session from
// the stored credential set. Failures degrade to the unauthenticated
// ready state.
func (f *StandardFlow) Initialize(ctx context.Context, sessionID, currentURL string) Result {
	resp := protocol.ParseAuthResponse(currentURL)
	if resp.IsCallback() {
		if claims := f.redeemCode(ctx, resp.Code); claims != nil {
			return Result{Claims: claims, CleanURL: protocol.StripAuthParams(currentURL)}
		}
		return Result{}
	}
	return f.resume(ctx)
}

// describeTokenError surfaces the provider's error code when the
// library wraps a token endpoint rejection.
func describeTokenError(err error) string {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.ErrorCode != "" {
		if re.ErrorDescription != "" {
			return re.ErrorCode + ": " + re.ErrorDescription
		}
		return re.ErrorCode
	}
	return err.Error()
}

func (f *StandardFlow) redeemCode(ctx context.Context, code string) *protocol.TokenClaims {
	verifier := f.store.Get(tokenstore.KindPKCEVerifier)
	tok, err := f.client.oauth2Config().Exchange(f.ctxWithClient(ctx), code, oauth2.VerifierOption(verifier))
	if err != nil {
		f.logger.Warn("library code exchange failed", "error", describeTokenError(err))
		return nil
	}

	if rawID, ok := tok.Extra("id_token").(string); ok && rawID != "" {
		if _, err := f.client.verifier.Verify(ctx, rawID); err != nil {
			f.logger.Warn("identity token rejected", "error", err)
			return nil
		}
	}

	claims, err := protocol.DecodeToken(tok.AccessToken)
	if err != nil {
		f.logger.Warn("exchanged access token unreadable", "error", err)
		return nil
	}

	f.persist(tok)
	f.setSource(f.client.oauth2Config().TokenSource(f.ctxWithClient(context.Background()), tok))
	return claims
}

// resume rebuilds the library token source from the stored credential
// set and lets it decide whether a refresh is due.
func (f *StandardFlow) resume(ctx context.Context) Result {
	access := f.store.Get(tokenstore.KindAccess)
	refresh := f.store.Get(tokenstore.KindRefresh)
	if access == "" && refresh == "" {
		return Result{}
	}

	stored := &oauth2.Token{AccessToken: access, RefreshToken: refresh}
	if access != "" {
		if claims, err := protocol.DecodeToken(access); err == nil {
			stored.Expiry = claims.ExpiresAt
		}
	}

	source := f.client.oauth2Config().TokenSource(f.ctxWithClient(context.Background()), stored)
	tok, err := source.Token()
	if err != nil {
		f.logger.Info("stored session not resumable", "error", describeTokenError(err))
		f.store.Clear()
		return Result{}
	}

	claims, err := protocol.DecodeToken(tok.AccessToken)
	if err != nil {
		f.logger.Warn("resumed access token unreadable", "error", err)
		f.store.Clear()
		return Result{}
	}

	f.persist(tok)
	f.setSource(source)
	return Result{Claims: claims}
}

func (f *StandardFlow) persist(tok *oauth2.Token) {
	f.store.Put(tokenstore.KindAccess, tok.AccessToken)
	if tok.RefreshToken != "" {
		f.store.Put(tokenstore.KindRefresh, tok.RefreshToken)
	}
	if rawID, ok := tok.Extra("id_token").(string); ok && rawID != "" {
		f.store.Put(tokenstore.KindID, rawID)
	}
	f.store.Put(tokenstore.KindPKCEVerifier, "")
}

func (f *StandardFlow) setSource(source oauth2.TokenSource) {
	f.mu.Lock()
	f.source = source
	f.mu.Unlock()
}

func (f *StandardFlow) currentSource() oauth2.TokenSource {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.source
}

// LoginURL mints a fresh PKCE verifier and returns the library-built
// authorization URL.
func (f *StandardFlow) LoginURL(state string) (string, error) {
	verifier := oauth2.GenerateVerifier()
	f.store.Put(tokenstore.KindPKCEVerifier, verifier)
	return f.client.oauth2Config().AuthCodeURL(state, oauth2.S256ChallengeOption(verifier)), nil
}

// LogoutURL clears the credential set and drops the token source, then
// returns the provider's end-session URL.
func (f *StandardFlow) LogoutURL() string {
	idToken := f.store.Get(tokenstore.KindID)
	f.store.Clear()
	f.setSource(nil)

	q := url.Values{
		"client_id":                {f.client.cfg.ClientID},
		"post_logout_redirect_uri": {f.client.cfg.PostLogoutRedirectURI},
	}
	if idToken != "" {
		q.Set("id_token_hint", idToken)
	}
	return f.client.cfg.Endpoints.EndSession + "?" + q.Encode()
}

// Tokens returns the standard path's token provider. It defers entirely
// to the library's token source, which refreshes within its own
// validity margin.
func (f *StandardFlow) Tokens() fetch.TokenProvider {
	return &standardTokens{flow: f}
}

type standardTokens struct {
	flow *StandardFlow
}

func (t *standardTokens) Token(ctx context.Context) (string, error) {
	f := t.flow
	source := f.currentSource()
	if source == nil {
		return "", fetch.ErrNoCredential
	}
	tok, err := source.Token()
	if err != nil {
		f.store.Clear()
		return "", fmt.Errorf("library token source: %w", err)
	}
	f.persist(tok)
	return tok.AccessToken, nil
}

// ForceRefresh rebuilds the source from the refresh token alone so the
// library cannot hand back the cached access token the server just
// rejected.
func (t *standardTokens) ForceRefresh(ctx context.Context) (string, error) {
	f := t.flow
	refresh := f.store.Get(tokenstore.KindRefresh)
	if refresh == "" {
		return "", fetch.ErrNoCredential
	}
	source := f.client.oauth2Config().TokenSource(f.ctxWithClient(ctx), &oauth2.Token{RefreshToken: refresh})
	tok, err := source.Token()
	if err != nil {
		f.store.Clear()
		return "", fmt.Errorf("refresh credential set: %w", err)
	}
	f.persist(tok)
	f.setSource(source)
	return tok.AccessToken, nil
}
