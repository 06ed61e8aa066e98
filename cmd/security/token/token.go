package token

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"
)

// QueryParam is accepted where clients cannot set headers (browser WebSocket upgrades).
const QueryParam = "access_token"

// HashSHA256Hex returns a SHA-256 hex digest of s.
func HashSHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// Match reports whether presented equals expected in constant time.
func Match(presented, expected string) bool {
	a := sha256.Sum256([]byte(presented))
	b := sha256.Sum256([]byte(expected))
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}

// FromRequest extracts a bearer token from the Authorization header, falling back to the
// access_token query parameter when allowQuery is set.
func FromRequest(r *http.Request, allowQuery bool) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if scheme, rest, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(rest)
	}
	if allowQuery {
		return strings.TrimSpace(r.URL.Query().Get(QueryParam))
	}
	return ""
}

// Check validates the request against expected. An empty expected token disables the check.
func Check(r *http.Request, expected string, allowQuery bool) error {
	if expected == "" {
		return nil
	}
	got := FromRequest(r, allowQuery)
	if got == "" {
		return ErrMissing
	}
	if !Match(got, expected) {
		return ErrMismatch
	}
	return nil
}
