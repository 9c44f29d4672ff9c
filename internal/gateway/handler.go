package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/jonboulle/clockwork"

	"aasgate/internal/backend"
	"aasgate/internal/config"
	"aasgate/internal/fetch"
	"aasgate/internal/guard"
	"aasgate/internal/oidc"
	"aasgate/internal/protocol"
	"aasgate/internal/session"
	"aasgate/internal/tokenstore"
)

const stateCookie = "aasgate_state"

type ctxKey struct{}

// Handler is the gateway's HTTP surface.
type Handler struct {
	cfg      *config.Config
	sessions *Registry
	frames   *FrameRegistry
	guard    *guard.Middleware
	guest    *backend.Client
	logger   *slog.Logger
}

// New assembles the handler. standard carries the discovered provider
// shared by all sessions; endpoint is the manual path's token client.
func New(cfg *config.Config, oidcCfg oidc.Config, standard *oidc.StandardClient, endpoint *oidc.TokenEndpoint, frames *FrameRegistry, legacy tokenstore.Backend, httpClient *http.Client, clock clockwork.Clock, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	h := &Handler{
		cfg:    cfg,
		frames: frames,
		guest:  backend.New(cfg.Backend.BaseURL, nil, httpClient, logger),
		logger: logger,
	}

	build := func(store *tokenstore.Store) (*session.Controller, *backend.Client) {
		standardFlow := standard.Flow(store, clock)
		manualFlow := oidc.NewManualFlow(oidcCfg, store, endpoint, frames, clock, logger)
		ctrl := session.NewController(standardFlow, manualFlow, session.NeedsManualFlow, nil, logger)
		authed := fetch.New(httpClient, &controllerTokens{ctrl: ctrl}, logger)
		return ctrl, backend.New(cfg.Backend.BaseURL, authed, httpClient, logger)
	}
	h.sessions = NewRegistry(build, legacy, logger)

	h.guard = guard.New(func(r *http.Request) session.State {
		if e := entryFrom(r); e != nil {
			return e.Controller().State()
		}
		return session.State{}
	}, "/auth/login", http.HandlerFunc(h.handleWaiting))

	return h
}

// controllerTokens adapts a controller's active flow to the fetch
// wrapper.
type controllerTokens struct {
	ctrl *session.Controller
}

func (t *controllerTokens) Token(ctx context.Context) (string, error) {
	p := t.ctrl.Tokens()
	if p == nil {
		return "", fetch.ErrNoCredential
	}
	return p.Token(ctx)
}

func (t *controllerTokens) ForceRefresh(ctx context.Context) (string, error) {
	p := t.ctrl.Tokens()
	if p == nil {
		return "", fetch.ErrNoCredential
	}
	return p.ForceRefresh(ctx)
}

// RegisterRoutes registers all gateway routes on the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("/", h.withSession(h.guard.Protect(http.HandlerFunc(h.handleIndex))))

	mux.Handle("GET /auth/login", h.withSession(http.HandlerFunc(h.handleLogin)))
	mux.Handle("GET /auth/callback", h.withSession(http.HandlerFunc(h.handleCallback)))
	mux.Handle("GET /auth/logout", h.withSession(http.HandlerFunc(h.handleLogout)))
	mux.Handle("GET /auth/session", h.withSession(http.HandlerFunc(h.handleSession)))

	mux.Handle("GET /auth/silent/start", h.withSession(http.HandlerFunc(h.handleSilentStart)))
	mux.HandleFunc("GET /auth/silent/callback", h.handleSilentCallback)
	mux.Handle("POST /auth/silent/result", h.withSession(http.HandlerFunc(h.handleSilentResult)))

	mux.Handle("GET /api/models", h.withSession(http.HandlerFunc(h.handleListModels)))
	mux.Handle("POST /api/models", h.withSession(http.HandlerFunc(h.handleCreateModel)))
	mux.Handle("GET /api/models/{id}", h.withSession(http.HandlerFunc(h.handleGetModel)))
	mux.Handle("PUT /api/models/{id}", h.withSession(http.HandlerFunc(h.handleUpdateModel)))
	mux.Handle("DELETE /api/models/{id}", h.withSession(http.HandlerFunc(h.handleDeleteModel)))
	mux.Handle("GET /api/models/{id}/download", h.withSession(http.HandlerFunc(h.handleDownloadModel)))
	mux.Handle("GET /api/templates", h.withSession(http.HandlerFunc(h.handleListTemplates)))
	mux.HandleFunc("GET /api/guest/models", h.handleGuestModels)

	mux.HandleFunc("GET /healthz", h.handleHealthz)
}

// withSession resolves (or mints) the browser session and kicks off
// initialization when this is the session's first sighting.
func (h *Handler) withSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := sessionID(w, r)
		if err != nil {
			h.logger.Error("mint session id", "error", err)
			http.Error(w, "session unavailable", http.StatusInternalServerError)
			return
		}
		e := h.sessions.Get(id)

		// The login callback reinitializes explicitly; everything else
		// triggers the one-shot initialization in the background so
		// the waiting page can render while it runs.
		if r.URL.Path != h.cfg.Auth.CallbackPath && e.Controller().Phase() == session.PhaseUninitialized {
			ua, pageURL := r.UserAgent(), h.cfg.PublicURL+r.URL.RequestURI()
			go e.Controller().Initialize(context.Background(), e.id, ua, pageURL)
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, e)))
	})
}

func entryFrom(r *http.Request) *sessionEntry {
	e, _ := r.Context().Value(ctxKey{}).(*sessionEntry)
	return e
}

func (h *Handler) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	e := entryFrom(r)
	st := e.Controller().State()

	username := ""
	if st.Identity != nil {
		username = st.Identity.Username
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := indexTmpl.Execute(w, struct{ Username string }{username}); err != nil {
		h.logger.Error("render index", "error", err)
	}
}

func (h *Handler) handleWaiting(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	io.WriteString(w, waitingPage)
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	e := entryFrom(r)
	ctrl := e.Controller()

	// Settle the session first; the user may already have one.
	st := ctrl.Initialize(r.Context(), e.id, r.UserAgent(), h.cfg.PublicURL+"/")
	if st.Authenticated {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}

	state, err := protocol.RandomHex(16)
	if err != nil {
		h.logger.Error("mint login state", "error", err)
		http.Error(w, "login unavailable", http.StatusInternalServerError)
		return
	}
	loginURL, err := ctrl.LoginURL(state)
	if err != nil {
		h.logger.Error("build login URL", "error", err)
		http.Error(w, "login unavailable", http.StatusInternalServerError)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    state,
		Path:     "/",
		MaxAge:   300,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   r.TLS != nil,
	})
	http.Redirect(w, r, loginURL, http.StatusFound)
}

func (h *Handler) handleCallback(w http.ResponseWriter, r *http.Request) {
	e := entryFrom(r)
	q := r.URL.Query()

	if errParam := q.Get("error"); errParam != "" {
		h.logger.Warn("login refused by provider",
			"error", errParam,
			"description", q.Get("error_description"))
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}

	c, err := r.Cookie(stateCookie)
	if err != nil || c.Value == "" || c.Value != q.Get("state") {
		h.logger.Warn("login state mismatch", "session", e.id)
		http.Error(w, "state mismatch", http.StatusBadRequest)
		return
	}
	http.SetCookie(w, &http.Cookie{Name: stateCookie, Value: "", Path: "/", MaxAge: -1})

	// A callback is a fresh page load: rebuild the controller over the
	// session's store and run the one-shot initialization with the
	// callback URL.
	e = h.sessions.Reset(e.id)
	e.Controller().Initialize(r.Context(), e.id, r.UserAgent(), h.cfg.PublicURL+r.URL.RequestURI())

	http.Redirect(w, r, h.postCallbackTarget(e.Controller().CleanURL()), http.StatusFound)
}

// postCallbackTarget picks where to land after a callback: the cleaned
// URL when it points at a real page, the workbench root otherwise.
func (h *Handler) postCallbackTarget(cleanURL string) string {
	if cleanURL == "" {
		return "/"
	}
	u, err := url.Parse(cleanURL)
	if err != nil || u.Path == h.cfg.Auth.CallbackPath {
		return "/"
	}
	return cleanURL
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	e := entryFrom(r)
	endSession := e.Controller().Logout()
	if endSession == "" {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}
	http.Redirect(w, r, endSession, http.StatusFound)
}

func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request) {
	e := entryFrom(r)
	ctrl := e.Controller()
	h.writeJSON(w, http.StatusOK, struct {
		session.State
		Phase string `json:"phase"`
	}{ctrl.State(), ctrl.Phase().String()})
}

func (h *Handler) handleSilentStart(w http.ResponseWriter, r *http.Request) {
	e := entryFrom(r)
	if authURL, ok := h.frames.AuthURL(e.id); ok {
		http.Redirect(w, r, authURL, http.StatusFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleSilentCallback(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if err := silentCallbackTmpl.Execute(w, struct{ Origin string }{h.cfg.Origin}); err != nil {
		h.logger.Error("render silent callback", "error", err)
	}
}

func (h *Handler) handleSilentResult(w http.ResponseWriter, r *http.Request) {
	e := entryFrom(r)
	body, err := io.ReadAll(io.LimitReader(r.Body, 8192))
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}
	h.frames.Deliver(e.id, r.Header.Get("Origin"), strings.TrimSpace(string(body)))
	w.WriteHeader(http.StatusNoContent)
}

// readyAPI rejects API calls until the session has settled.
func (h *Handler) readyAPI(w http.ResponseWriter, r *http.Request) (*sessionEntry, bool) {
	e := entryFrom(r)
	if !e.Controller().State().Ready {
		w.Header().Set("Retry-After", "1")
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "session is still initializing"})
		return nil, false
	}
	return e, true
}

func (h *Handler) handleListModels(w http.ResponseWriter, r *http.Request) {
	e, ok := h.readyAPI(w, r)
	if !ok {
		return
	}
	models, err := e.API().ListModels(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, models)
}

func (h *Handler) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	e, ok := h.readyAPI(w, r)
	if !ok {
		return
	}
	templates, err := e.API().ListTemplates(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, templates)
}

func (h *Handler) handleGetModel(w http.ResponseWriter, r *http.Request) {
	e, ok := h.readyAPI(w, r)
	if !ok {
		return
	}
	m, err := e.API().GetModel(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, m)
}

func (h *Handler) handleCreateModel(w http.ResponseWriter, r *http.Request) {
	e, ok := h.readyAPI(w, r)
	if !ok {
		return
	}
	var m backend.Model
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid model document"})
		return
	}
	created, err := e.API().CreateModel(r.Context(), &m)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) handleUpdateModel(w http.ResponseWriter, r *http.Request) {
	e, ok := h.readyAPI(w, r)
	if !ok {
		return
	}
	var m backend.Model
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid model document"})
		return
	}
	updated, err := e.API().UpdateModel(r.Context(), r.PathValue("id"), &m)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, updated)
}

func (h *Handler) handleDeleteModel(w http.ResponseWriter, r *http.Request) {
	e, ok := h.readyAPI(w, r)
	if !ok {
		return
	}
	if err := e.API().DeleteModel(r.Context(), r.PathValue("id")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleDownloadModel(w http.ResponseWriter, r *http.Request) {
	e, ok := h.readyAPI(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	data, err := e.API().DownloadModel(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="`+id+`.aasx"`)
	w.Write(data)
}

func (h *Handler) handleGuestModels(w http.ResponseWriter, r *http.Request) {
	models, err := h.guest.ListGuestModels(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, models)
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var apiErr *backend.APIError
	switch {
	case errors.As(err, &apiErr):
		status := apiErr.StatusCode
		if status == 0 {
			status = http.StatusBadGateway
		}
		h.writeJSON(w, status, map[string]string{"error": apiErr.Message})
	case errors.Is(err, fetch.ErrAuthRequired), errors.Is(err, fetch.ErrNoCredential):
		h.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Your session has expired. Please sign in again."})
	default:
		h.logger.Error("backend call failed", "error", err)
		h.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Something went wrong. Please try again."})
	}
}
