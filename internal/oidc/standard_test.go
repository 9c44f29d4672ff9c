package oidc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"aasgate/internal/fetch"
	"aasgate/internal/tokenstore"
)

// fakeProvider serves just enough OIDC discovery metadata for the
// library to accept it, plus a scriptable token endpoint.
type fakeProvider struct {
	srv         *httptest.Server
	tokenCalls  atomic.Int32
	handleGrant func(w http.ResponseWriter, r *http.Request)
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()
	p := &fakeProvider{}
	mux := http.NewServeMux()
	p.srv = httptest.NewServer(mux)
	t.Cleanup(p.srv.Close)

	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"issuer":                 p.srv.URL,
			"authorization_endpoint": p.srv.URL + "/auth",
			"token_endpoint":         p.srv.URL + "/token",
			"jwks_uri":               p.srv.URL + "/jwks",
			"end_session_endpoint":   p.srv.URL + "/logout",
		})
	})
	mux.HandleFunc("/jwks", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"keys":[]}`))
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		p.tokenCalls.Add(1)
		if p.handleGrant == nil {
			t.Error("unexpected token endpoint call")
			return
		}
		p.handleGrant(w, r)
	})
	return p
}

func (p *fakeProvider) config() Config {
	cfg := testConfig(p.srv.URL + "/token")
	cfg.Endpoints.Issuer = p.srv.URL
	return cfg
}

func newStandardFlow(t *testing.T, p *fakeProvider, store *tokenstore.Store) *StandardFlow {
	t.Helper()
	client, err := NewStandardClient(context.Background(), p.config(), p.srv.Client(), nil)
	if err != nil {
		t.Fatalf("NewStandardClient: %v", err)
	}
	return client.Flow(store, nil)
}

func grantJSON(w http.ResponseWriter, set TokenSet) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"access_token":  set.AccessToken,
		"refresh_token": set.RefreshToken,
		"token_type":    "Bearer",
		"expires_in":    300,
	})
}

func TestStandardInitializeCallback(t *testing.T) {
	p := newFakeProvider(t)
	access := makeToken(t, "alice", time.Now().Add(time.Hour))
	p.handleGrant = func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if got := r.PostForm.Get("grant_type"); got != "authorization_code" {
			t.Errorf("grant_type = %q", got)
		}
		if got := r.PostForm.Get("code_verifier"); got != "ver-1" {
			t.Errorf("code_verifier = %q, want ver-1", got)
		}
		grantJSON(w, TokenSet{AccessToken: access, RefreshToken: "rt-1"})
	}

	store := tokenstore.New(tokenstore.NewMemory())
	store.Put(tokenstore.KindPKCEVerifier, "ver-1")
	flow := newStandardFlow(t, p, store)

	res := flow.Initialize(context.Background(), "sid-1", "https://app.example.com/?code=c1&session_state=ss&state=s1")
	if res.Claims == nil || res.Claims.Username != "alice" {
		t.Fatalf("got %+v, want alice authenticated", res.Claims)
	}
	if strings.Contains(res.CleanURL, "code=") {
		t.Errorf("CleanURL still carries auth params: %q", res.CleanURL)
	}
	if store.Get(tokenstore.KindAccess) != access {
		t.Error("access token not persisted")
	}
}

func TestStandardInitializeResumesFromRefreshToken(t *testing.T) {
	p := newFakeProvider(t)
	access := makeToken(t, "alice", time.Now().Add(time.Hour))
	p.handleGrant = func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if got := r.PostForm.Get("grant_type"); got != "refresh_token" {
			t.Errorf("grant_type = %q", got)
		}
		grantJSON(w, TokenSet{AccessToken: access, RefreshToken: "rt-2"})
	}

	store := tokenstore.New(tokenstore.NewMemory())
	store.Put(tokenstore.KindRefresh, "rt-1")
	flow := newStandardFlow(t, p, store)

	res := flow.Initialize(context.Background(), "sid-1", "https://app.example.com/models")
	if res.Claims == nil || res.Claims.Username != "alice" {
		t.Fatalf("got %+v, want alice authenticated", res.Claims)
	}
	if store.Get(tokenstore.KindRefresh) != "rt-2" {
		t.Error("rotated refresh token not persisted")
	}
}

func TestStandardInitializeNoSession(t *testing.T) {
	p := newFakeProvider(t)
	store := tokenstore.New(tokenstore.NewMemory())
	flow := newStandardFlow(t, p, store)

	res := flow.Initialize(context.Background(), "sid-1", "https://app.example.com/")
	if res.Claims != nil {
		t.Fatal("want unauthenticated with an empty store")
	}
	if p.tokenCalls.Load() != 0 {
		t.Error("token endpoint called with nothing to resume")
	}
}

func TestStandardInitializeRejectedResumeClears(t *testing.T) {
	p := newFakeProvider(t)
	p.handleGrant = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant"}`))
	}

	store := tokenstore.New(tokenstore.NewMemory())
	store.Put(tokenstore.KindAccess, makeToken(t, "alice", time.Now().Add(-time.Minute)))
	store.Put(tokenstore.KindRefresh, "rt-dead")
	flow := newStandardFlow(t, p, store)

	res := flow.Initialize(context.Background(), "sid-1", "https://app.example.com/")
	if res.Claims != nil {
		t.Fatal("want unauthenticated after rejected refresh")
	}
	if store.Get(tokenstore.KindAccess) != "" || store.Get(tokenstore.KindRefresh) != "" {
		t.Error("credential set not cleared")
	}
}

func TestStandardLoginURL(t *testing.T) {
	p := newFakeProvider(t)
	store := tokenstore.New(tokenstore.NewMemory())
	flow := newStandardFlow(t, p, store)

	raw, err := flow.LoginURL("st-1")
	if err != nil {
		t.Fatalf("LoginURL: %v", err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	q := u.Query()
	if q.Get("code_challenge") == "" || q.Get("code_challenge_method") != "S256" {
		t.Errorf("missing PKCE challenge: %q", raw)
	}
	if q.Get("state") != "st-1" {
		t.Errorf("state = %q", q.Get("state"))
	}
	if store.Get(tokenstore.KindPKCEVerifier) == "" {
		t.Error("verifier not stored")
	}
}

func TestStandardTokensForceRefresh(t *testing.T) {
	p := newFakeProvider(t)
	access := makeToken(t, "alice", time.Now().Add(time.Hour))
	p.handleGrant = func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if got := r.PostForm.Get("grant_type"); got != "refresh_token" {
			t.Errorf("grant_type = %q", got)
		}
		grantJSON(w, TokenSet{AccessToken: access, RefreshToken: "rt-2"})
	}

	store := tokenstore.New(tokenstore.NewMemory())
	store.Put(tokenstore.KindRefresh, "rt-1")
	flow := newStandardFlow(t, p, store)

	got, err := flow.Tokens().ForceRefresh(context.Background())
	if err != nil {
		t.Fatalf("ForceRefresh: %v", err)
	}
	if got != access {
		t.Error("refreshed token not returned")
	}
}

func TestStandardTokensNoSession(t *testing.T) {
	p := newFakeProvider(t)
	store := tokenstore.New(tokenstore.NewMemory())
	flow := newStandardFlow(t, p, store)

	_, err := flow.Tokens().Token(context.Background())
	if !errors.Is(err, fetch.ErrNoCredential) {
		t.Fatalf("err = %v, want ErrNoCredential", err)
	}
}
