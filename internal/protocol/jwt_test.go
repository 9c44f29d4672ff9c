package protocol

import (
	"encoding/base64"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"
)

// makeToken builds an unsigned three-segment token with the given payload JSON.
func makeToken(payload string) string {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"RS256","typ":"JWT"}`))
	body := base64.RawURLEncoding.EncodeToString([]byte(payload))
	return header + "." + body + ".signature"
}

func TestDecodeToken(t *testing.T) {
	exp := time.Now().Add(10 * time.Minute).Unix()

	t.Run("valid token", func(t *testing.T) {
		token := makeToken(fmt.Sprintf(`{"sub":"user-1","preferred_username":"alice","exp":%d,"realm":"models"}`, exp))
		tc, err := DecodeToken(token)
		if err != nil {
			t.Fatalf("DecodeToken error: %v", err)
		}
		if tc.Subject != "user-1" {
			t.Errorf("Subject = %q, want user-1", tc.Subject)
		}
		if tc.Username != "alice" {
			t.Errorf("Username = %q, want alice", tc.Username)
		}
		if tc.ExpiresAt.Unix() != exp {
			t.Errorf("ExpiresAt = %d, want %d", tc.ExpiresAt.Unix(), exp)
		}
		if tc.Raw["realm"] != "models" {
			t.Errorf("Raw[realm] = %v, want models", tc.Raw["realm"])
		}
	})

	t.Run("username falls back to subject", func(t *testing.T) {
		token := makeToken(fmt.Sprintf(`{"sub":"user-2","exp":%d}`, exp))
		tc, err := DecodeToken(token)
		if err != nil {
			t.Fatalf("DecodeToken error: %v", err)
		}
		if tc.Username != "user-2" {
			t.Errorf("Username = %q, want user-2", tc.Username)
		}
	})

	t.Run("decode is idempotent", func(t *testing.T) {
		token := makeToken(fmt.Sprintf(`{"sub":"user-3","exp":%d,"groups":["a","b"]}`, exp))
		first, err := DecodeToken(token)
		if err != nil {
			t.Fatalf("first decode error: %v", err)
		}
		second, err := DecodeToken(token)
		if err != nil {
			t.Fatalf("second decode error: %v", err)
		}
		if !reflect.DeepEqual(first, second) {
			t.Errorf("decodes differ:\nfirst:  %+v\nsecond: %+v", first, second)
		}
	})

	t.Run("malformed inputs", func(t *testing.T) {
		tests := []struct {
			name  string
			token string
		}{
			{"empty", ""},
			{"two segments", "a.b"},
			{"opaque string", "not-a-jwt"},
			{"payload not base64 JSON", "eyJhbGciOiJSUzI1NiJ9.!!!.sig"},
			{"missing exp", makeToken(`{"sub":"user-4"}`)},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				if _, err := DecodeToken(tt.token); !errors.Is(err, ErrMalformedToken) {
					t.Errorf("DecodeToken(%q) error = %v, want ErrMalformedToken", tt.token, err)
				}
			})
		}
	})
}

func TestExpiringWithin(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tokenExpiringIn := func(d time.Duration) string {
		return makeToken(fmt.Sprintf(`{"sub":"u","exp":%d}`, now.Add(d).Unix()))
	}

	tests := []struct {
		name   string
		token  string
		window time.Duration
		want   bool
	}{
		{"well within validity", tokenExpiringIn(10 * time.Minute), 5 * time.Minute, false},
		{"inside window", tokenExpiringIn(3 * time.Minute), 5 * time.Minute, true},
		{"exactly at window boundary", tokenExpiringIn(5 * time.Minute), 5 * time.Minute, true},
		{"already expired", tokenExpiringIn(-time.Minute), 5 * time.Minute, true},
		{"zero window, valid token", tokenExpiringIn(time.Second), 0, false},
		{"undecodable counts as expiring", "garbage", 5 * time.Minute, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExpiringWithin(tt.token, tt.window, now); got != tt.want {
				t.Errorf("ExpiringWithin = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestExpired(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	past := makeToken(fmt.Sprintf(`{"sub":"u","exp":%d}`, now.Add(-time.Hour).Unix()))
	if !Expired(past, now) {
		t.Error("Expired = false for a token with exp in the past")
	}

	future := makeToken(fmt.Sprintf(`{"sub":"u","exp":%d}`, now.Add(time.Hour).Unix()))
	if Expired(future, now) {
		t.Error("Expired = true for a token with exp in the future")
	}
}
