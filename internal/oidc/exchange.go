package oidc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

var (
	// ErrExchangeFailed reports that the token endpoint answered but
	// refused the grant.
	ErrExchangeFailed = errors.New("token exchange failed")

	// ErrNetwork reports that the token endpoint could not be reached
	// at all.
	ErrNetwork = errors.New("token endpoint unreachable")
)

// TokenSet is a full credential set minted by the token endpoint.
type TokenSet struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	IDToken      string `json:"id_token"`
}

// TokenEndpoint performs form-encoded grants against the provider's
// token endpoint for a public client (no client secret, PKCE only).
type TokenEndpoint struct {
	url      string
	clientID string
	client   *http.Client
	logger   *slog.Logger
}

// NewTokenEndpoint creates a client for the given token endpoint URL.
func NewTokenEndpoint(endpointURL, clientID string, client *http.Client, logger *slog.Logger) *TokenEndpoint {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenEndpoint{url: endpointURL, clientID: clientID, client: client, logger: logger}
}

// ExchangeCode redeems an authorization code together with the PKCE
// verifier that produced its challenge.
func (e *TokenEndpoint) ExchangeCode(ctx context.Context, code, verifier, redirectURI string) (*TokenSet, error) {
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {e.clientID},
		"code":          {code},
		"redirect_uri":  {redirectURI},
		"code_verifier": {verifier},
	}
	return e.post(ctx, form)
}

// Refresh mints a new credential set from a refresh token.
func (e *TokenEndpoint) Refresh(ctx context.Context, refreshToken string) (*TokenSet, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {e.clientID},
		"refresh_token": {refreshToken},
	}
	return e.post(ctx, form)
}

func (e *TokenEndpoint) post(ctx context.Context, form url.Values) (*TokenSet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrNetwork, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var oidcErr struct {
			Error       string `json:"error"`
			Description string `json:"error_description"`
		}
		if json.Unmarshal(body, &oidcErr) == nil && oidcErr.Error != "" {
			return nil, fmt.Errorf("%w: %s (%s)", ErrExchangeFailed, oidcErr.Error, oidcErr.Description)
		}
		return nil, fmt.Errorf("%w: status %d", ErrExchangeFailed, resp.StatusCode)
	}

	var set TokenSet
	if err := json.Unmarshal(body, &set); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrExchangeFailed, err)
	}
	if set.AccessToken == "" {
		return nil, fmt.Errorf("%w: response carries no access token", ErrExchangeFailed)
	}
	return &set, nil
}
