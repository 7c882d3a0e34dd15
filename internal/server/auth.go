package server

import (
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// operatorAuthMiddleware guards the mutating operator endpoints with a
// Bearer token checked against the configured bcrypt hash. No hash
// configured means the hooks are disabled outright.
func operatorAuthMiddleware(tokenHash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if tokenHash == "" {
				writeError(w, http.StatusForbidden, "operator endpoints disabled")
				return
			}

			auth := r.Header.Get("Authorization")
			token, found := strings.CutPrefix(auth, "Bearer ")
			if !found || token == "" {
				writeError(w, http.StatusUnauthorized, "operator token required")
				return
			}

			if err := bcrypt.CompareHashAndPassword([]byte(tokenHash), []byte(token)); err != nil {
				writeError(w, http.StatusUnauthorized, "invalid operator token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
