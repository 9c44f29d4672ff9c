package session

import "strings"

// NeedsManualFlow reports whether the user agent belongs to the browser
// family whose third-party storage and frame restrictions make the
// library login path unreliable. Many engines advertise "Safari" in
// their user agent, so the WebKit family is recognized by exclusion.
func NeedsManualFlow(userAgent string) bool {
	ua := strings.ToLower(userAgent)
	if !strings.Contains(ua, "safari") {
		return false
	}
	for _, marker := range []string{"chrome", "chromium", "crios", "edg", "opr", "android"} {
		if strings.Contains(ua, marker) {
			return false
		}
	}
	return true
}
