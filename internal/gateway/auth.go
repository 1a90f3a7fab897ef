package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// authMiddleware guards every endpoint except /healthz with a single bearer
// token. An empty token disables auth entirely, the expected setup for a
// loopback-only deployment.
type authMiddleware struct {
	token string
}

func newAuthMiddleware(token string) *authMiddleware {
	return &authMiddleware{token: token}
}

// bearerToken extracts the client credential from the Authorization header,
// the X-API-Key header, or the api_key query parameter, in that order. The
// query form exists for WebSocket clients that cannot set headers.
func bearerToken(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("api_key")
}

func (am *authMiddleware) wrap(next http.Handler) http.Handler {
	if am.token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		candidate := bearerToken(r)
		if candidate == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "missing credential"})
			return
		}
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(am.token)) != 1 {
			writeJSON(w, http.StatusForbidden, map[string]any{"error": "invalid credential"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
