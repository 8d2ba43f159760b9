// Package middleware holds HTTP middleware shared by the server's endpoints.
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// openPaths are served without a bearer token: the health probe must work
// unauthenticated and the WebSocket endpoint checks its own query token.
var openPaths = map[string]bool{
	"/health": true,
	"/ws":     true,
}

// Auth guards the status API with a bearer token.
func Auth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if openPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			presented, ok := bearerToken(r)
			if !ok {
				http.Error(w, "missing or malformed bearer token", http.StatusUnauthorized)
				return
			}
			if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, rest, found := strings.Cut(r.Header.Get("Authorization"), " ")
	if !found || scheme != "Bearer" || rest == "" {
		return "", false
	}
	return rest, true
}
