package api

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

// ValidateToken returns true if provided matches configured.
func ValidateToken(provided, configured string) bool {
	if configured == "" || provided == "" {
		return false
	}
	if len(provided) != len(configured) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(configured)) == 1
}

// ExtractBearerToken extracts a token from an Authorization: Bearer <token> header.
func ExtractBearerToken(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", errors.New("missing Authorization header")
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return "", errors.New("invalid Authorization header format")
	}
	token := strings.TrimSpace(h[len(prefix):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

// authMiddleware enforces the configured token. With no token configured the
// wrapped routes are open.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.Token == "" {
			next.ServeHTTP(w, r)
			return
		}
		token, err := ExtractBearerToken(r)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		if !ValidateToken(token, s.config.Token) {
			s.writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}
