// Package fetch wraps backend API calls with bearer-token handling: it
// guarantees a non-expired access token is attached to every request
// and retries exactly once after a refresh when the server answers 401.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
)

var (
	// ErrNoCredential reports that a refresh was required but no
	// refresh token is available. Interactive login is the only way
	// forward.
	ErrNoCredential = errors.New("no credential available")

	// ErrAuthRequired reports that the server rejected the request
	// even after a fresh token was attached. The session must go back
	// through interactive sign-in.
	ErrAuthRequired = errors.New("authentication required")
)

// TokenProvider supplies bearer tokens for one browser session. Each
// login path ships its own implementation.
type TokenProvider interface {
	// Token returns a token valid at the time of the call, refreshing
	// ahead of expiry per the path's validity margin.
	Token(ctx context.Context) (string, error)

	// ForceRefresh discards the current access token and mints a new
	// credential set from the refresh token.
	ForceRefresh(ctx context.Context) (string, error)
}

// Client issues authenticated HTTP requests.
type Client struct {
	http   *http.Client
	tokens TokenProvider
	logger *slog.Logger
}

// New creates a Client over the given transport and token provider.
func New(httpClient *http.Client, tokens TokenProvider, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{http: httpClient, tokens: tokens, logger: logger}
}

// Do issues the request with a valid bearer token attached. Caller
// headers are preserved; Content-Type defaults to application/json
// unless the caller sets it. On a 401 response it performs exactly one
// refresh-and-retry cycle. A second 401 yields ErrAuthRequired; a
// failed refresh yields the refresh error. Never more than two
// underlying HTTP requests are made per call.
func (c *Client) Do(ctx context.Context, method, url string, body []byte, header http.Header) (*http.Response, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := c.send(ctx, method, url, body, header, token)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	resp.Body.Close()

	c.logger.Debug("backend rejected token, refreshing once", "url", url)
	token, err = c.tokens.ForceRefresh(ctx)
	if err != nil {
		return nil, err
	}

	resp, err = c.send(ctx, method, url, body, header, token)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		return nil, ErrAuthRequired
	}
	return resp, nil
}

func (c *Client) send(ctx context.Context, method, url string, body []byte, header http.Header, token string) (*http.Response, error) {
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for name, values := range header {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backend request: %w", err)
	}
	return resp, nil
}
