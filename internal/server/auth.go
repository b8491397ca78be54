package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// TokenValidator authorizes control-plane requests. The camera application
// supplies the real implementation backed by its session store; the server
// only asks whether a presented bearer token is currently valid.
type TokenValidator interface {
	ValidateToken(token string) bool
}

// StaticToken is a TokenValidator accepting a single preshared token.
// An empty token validates nothing.
type StaticToken string

// ValidateToken implements TokenValidator.
func (t StaticToken) ValidateToken(token string) bool {
	if t == "" || token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(t), []byte(token)) == 1
}

// requireAuth guards mutating endpoints with a bearer-token check. A nil
// validator leaves the control plane open, for installs that restrict access
// at the network layer instead.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.tokens == nil {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := bearerToken(r)
		if !ok || !s.tokens.ValidateToken(token) {
			s.log.Debug("control request rejected", "path", r.URL.Path, "client", clientID(r))
			writeError(w, http.StatusUnauthorized, "invalid or missing bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	return h[len(prefix):], true
}
