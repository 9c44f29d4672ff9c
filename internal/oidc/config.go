// Package oidc implements the two login paths against the identity
// provider: the standard path delegating to the certified OIDC client
// library, and the manual path driving the authorization-code PKCE
// exchange by hand for browsers where the library is unreliable.
package oidc

import (
	"strings"

	"aasgate/internal/protocol"
)

// Endpoints holds the provider endpoints for one realm.
type Endpoints struct {
	Issuer        string
	Authorization string
	Token         string
	EndSession    string
}

// RealmEndpoints derives the realm's endpoints from the provider base
// URL, following the realm path layout used by Keycloak-style servers.
func RealmEndpoints(baseURL, realm string) Endpoints {
	issuer := strings.TrimRight(baseURL, "/") + "/realms/" + realm
	return Endpoints{
		Issuer:        issuer,
		Authorization: issuer + "/protocol/openid-connect/auth",
		Token:         issuer + "/protocol/openid-connect/token",
		EndSession:    issuer + "/protocol/openid-connect/logout",
	}
}

// Config carries the relying-party settings shared by both login paths.
type Config struct {
	Endpoints Endpoints
	ClientID  string
	Scopes    []string

	// RedirectURI receives interactive login callbacks.
	RedirectURI string
	// SilentRedirectURI receives the hidden-frame callback.
	SilentRedirectURI string
	// PostLogoutRedirectURI is where the provider sends the user after
	// ending the session.
	PostLogoutRedirectURI string

	// Origin is the application's own origin. Silent-frame messages
	// from any other origin are dropped.
	Origin string
}

// Result is the outcome of a login-path initialization.
type Result struct {
	// Claims is nil when the path finished unauthenticated.
	Claims *protocol.TokenClaims

	// CleanURL, when non-empty, is the current URL with the
	// authorization response parameters removed. The caller must
	// replace the visible URL with it so credentials never linger in
	// history.
	CleanURL string
}
