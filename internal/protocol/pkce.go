package protocol

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// verifierBytes is the entropy of a PKCE code verifier. 32 bytes encode
// to a 43-character base64url string, within the RFC 7636 bounds.
const verifierBytes = 32

// NewVerifier generates a PKCE code verifier from a cryptographically
// secure random source, encoded as URL-safe base64 without padding.
func NewVerifier() (string, error) {
	b := make([]byte, verifierBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate PKCE verifier: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// ChallengeS256 derives the S256 code challenge for a verifier: the
// SHA-256 digest, base64url-encoded without padding.
func ChallengeS256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
