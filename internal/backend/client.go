// Package backend calls the model workbench API. Authenticated calls
// go through the fetch wrapper so token attachment and the single
// refresh-retry happen in one place; the guest tier uses plain HTTP.
package backend

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
	"time"

	"aasgate/internal/fetch"
	"aasgate/internal/protocol"
)

// Model is one digital-twin document as the workbench API represents
// it.
type Model struct {
	ID          string          `json:"id,omitempty"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Content     json.RawMessage `json:"content,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at,omitzero"`
}

// APIError carries the user-facing message for a backend failure.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return e.Message
}

// Doer issues an authenticated request. Implemented by fetch.Client.
type Doer interface {
	Do(ctx context.Context, method, url string, body []byte, header http.Header) (*http.Response, error)
}

// Client is the workbench API client for one browser session.
type Client struct {
	baseURL string
	authed  Doer
	http    *http.Client
	logger  *slog.Logger
}

// New creates a Client. authed handles authenticated calls; httpClient
// serves the guest tier.
func New(baseURL string, authed Doer, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		authed:  authed,
		http:    httpClient,
		logger:  logger,
	}
}

// ListModels returns the models the signed-in user may see.
func (c *Client) ListModels(ctx context.Context) ([]Model, error) {
	var models []Model
	if err := c.doJSON(ctx, http.MethodGet, "/models", nil, &models); err != nil {
		return nil, err
	}
	return models, nil
}

// GetModel fetches one model by ID.
func (c *Client) GetModel(ctx context.Context, id string) (*Model, error) {
	var m Model
	if err := c.doJSON(ctx, http.MethodGet, "/models/"+url.PathEscape(id), nil, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// CreateModel stores a new model and returns it with its assigned ID.
func (c *Client) CreateModel(ctx context.Context, m *Model) (*Model, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode model: %w", err)
	}
	var created Model
	if err := c.doJSON(ctx, http.MethodPost, "/models", body, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// UpdateModel replaces a model's content.
func (c *Client) UpdateModel(ctx context.Context, id string, m *Model) (*Model, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode model: %w", err)
	}
	var updated Model
	if err := c.doJSON(ctx, http.MethodPut, "/models/"+url.PathEscape(id), body, &updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

// DeleteModel removes a model.
func (c *Client) DeleteModel(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, "/models/"+url.PathEscape(id), nil, nil)
}

// ListTemplates returns the model skeletons offered as starting points.
func (c *Client) ListTemplates(ctx context.Context) ([]Model, error) {
	var templates []Model
	if err := c.doJSON(ctx, http.MethodGet, "/templates", nil, &templates); err != nil {
		return nil, err
	}
	return templates, nil
}

// DownloadModel returns the model's serialized document for export.
func (c *Client) DownloadModel(ctx context.Context, id string) ([]byte, error) {
	resp, err := c.authed.Do(ctx, http.MethodGet, c.baseURL+"/models/"+url.PathEscape(id)+"/download", nil, nil)
	if err != nil {
		return nil, c.wrapTransport(err)
	}
	defer resp.Body.Close()
	if err := c.checkStatus(resp); err != nil {
		return nil, err
	}
	return io.ReadAll(resp.Body)
}

// ListGuestModels returns the publicly readable models without any
// credential attached.
func (c *Client) ListGuestModels(ctx context.Context) ([]Model, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/guest/models", nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, c.wrapTransport(err)
	}
	defer resp.Body.Close()
	if err := c.checkStatus(resp); err != nil {
		return nil, err
	}

	var models []Model
	if err := json.NewDecoder(resp.Body).Decode(&models); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return models, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body []byte, out any) error {
	resp, err := c.authed.Do(ctx, method, c.baseURL+path, body, nil)
	if err != nil {
		return c.wrapTransport(err)
	}
	defer resp.Body.Close()
	if err := c.checkStatus(resp); err != nil {
		return err
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// wrapTransport turns a transport-level failure into an APIError with a
// connection message. Auth failures from the token layer pass through
// untouched so callers can route them to sign-in.
func (c *Client) wrapTransport(err error) error {
	if errors.Is(err, fetch.ErrNoCredential) || errors.Is(err, fetch.ErrAuthRequired) {
		return err
	}
	return &APIError{Message: "Could not reach the server: " + protocol.CleanGoErrorMessage(err.Error())}
}

func (c *Client) checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if resp.StatusCode == http.StatusUnauthorized {
		if code, desc, _ := protocol.ParseWWWAuthenticate(resp.Header.Get("WWW-Authenticate")); code != "" {
			c.logger.Warn("backend rejected credential", "error", code, "description", desc)
		}
	}
	c.logger.Warn("backend rejected request",
		"status", resp.StatusCode,
		"url", resp.Request.URL.Path)
	return &APIError{StatusCode: resp.StatusCode, Message: statusMessage(resp.StatusCode)}
}

// statusMessage maps a backend status to the message shown to the
// user.
func statusMessage(code int) string {
	switch code {
	case http.StatusUnauthorized:
		return "Your session has expired. Please sign in again."
	case http.StatusForbidden:
		return "You do not have permission to perform this action."
	case http.StatusNotFound:
		return "The requested model was not found."
	default:
		return fmt.Sprintf("The server reported an error (status %d).", code)
	}
}
