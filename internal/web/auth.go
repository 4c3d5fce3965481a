package web

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// authorizeRequest validates the request token when one is configured.
// Tokens are accepted from the "token" query parameter or an
// Authorization: Bearer header. With no token configured every request
// passes; fleetd binds to loopback by default.
func (s *Server) authorizeRequest(w http.ResponseWriter, r *http.Request) bool {
	if s.cfg.Token == "" {
		return true
	}

	supplied := r.URL.Query().Get("token")
	if supplied == "" {
		supplied = bearerToken(r)
	}
	if supplied == "" || !secureEqual(supplied, s.cfg.Token) {
		writeAPIError(w, http.StatusUnauthorized, "unauthorized", "invalid or missing token")
		return false
	}
	return true
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(h, prefix) {
		return strings.TrimSpace(h[len(prefix):])
	}
	return ""
}

func secureEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
