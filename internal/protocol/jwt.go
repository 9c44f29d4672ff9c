package protocol

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrMalformedToken reports a token without the three-segment structure
// or with an undecodable payload.
var ErrMalformedToken = errors.New("malformed token")

// TokenClaims is the decoded payload of a bearer token. No signature
// verification happens here: the token arrives over a trusted channel
// from the issuing server, and this decode is a read, not an
// authorization decision.
type TokenClaims struct {
	Subject   string
	Username  string
	ExpiresAt time.Time
	Raw       map[string]any
}

// DecodeToken decodes the payload segment of a signed token and extracts
// its identity and expiry claims. Returns ErrMalformedToken if the token
// does not have three segments, the payload is not base64url JSON, or the
// exp claim is missing.
func DecodeToken(raw string) (*TokenClaims, error) {
	if strings.Count(raw, ".") != 2 {
		return nil, fmt.Errorf("%w: expected 3 segments", ErrMalformedToken)
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, fmt.Errorf("%w: missing exp claim", ErrMalformedToken)
	}

	tc := &TokenClaims{
		ExpiresAt: exp.Time,
		Raw:       map[string]any(claims),
	}
	if sub, err := claims.GetSubject(); err == nil {
		tc.Subject = sub
	}
	if name, ok := claims["preferred_username"].(string); ok && name != "" {
		tc.Username = name
	} else {
		tc.Username = tc.Subject
	}
	return tc, nil
}

// ExpiringWithin reports whether the token expires within the given
// window from now. A token that fails to decode counts as expiring:
// the failure mode leans toward re-authentication, never toward
// trusting an unreadable credential.
func ExpiringWithin(raw string, window time.Duration, now time.Time) bool {
	tc, err := DecodeToken(raw)
	if err != nil {
		return true
	}
	return tc.ExpiresAt.Sub(now) <= window
}

// Expired reports whether the token's exp claim is in the past.
func Expired(raw string, now time.Time) bool {
	return ExpiringWithin(raw, 0, now)
}
