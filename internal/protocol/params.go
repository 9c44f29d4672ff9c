package protocol

import (
	"net/url"
)

// AuthResponse holds the parameters of an authorization response
// redirect, parsed from a callback URL.
type AuthResponse struct {
	Code             string
	SessionState     string
	State            string
	Error            string
	ErrorDescription string
}

// IsCallback reports whether the response carries the code and
// session-state parameters of a return from an interactive login.
func (r AuthResponse) IsCallback() bool {
	return r.Code != "" && r.SessionState != ""
}

// ParseAuthResponse parses an authorization response from a full URL or
// a bare query string. Returns the zero value for unparseable input.
func ParseAuthResponse(raw string) AuthResponse {
	values := parseQuery(raw)
	return AuthResponse{
		Code:             values.Get("code"),
		SessionState:     values.Get("session_state"),
		State:            values.Get("state"),
		Error:            values.Get("error"),
		ErrorDescription: values.Get("error_description"),
	}
}

// StripAuthParams removes authorization-response parameters from a URL
// so that reloading the page does not re-trigger the code exchange.
// Returns the input unchanged if it cannot be parsed.
func StripAuthParams(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	for _, p := range []string{"code", "session_state", "state", "iss"} {
		q.Del(p)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// parseQuery handles both full URLs (with ?) and bare query strings.
func parseQuery(raw string) url.Values {
	if raw == "" {
		return url.Values{}
	}
	if u, err := url.Parse(raw); err == nil && u.RawQuery != "" {
		return u.Query()
	}
	values, err := url.ParseQuery(raw)
	if err != nil {
		return url.Values{}
	}
	return values
}
