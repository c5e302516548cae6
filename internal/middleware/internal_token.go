package middleware

import (
	"crypto/subtle"
	"net/http"
)

// InternalTokenHeader authenticates calls from the job pipeline.
const InternalTokenHeader = "X-Internal-Token"

// InternalToken guards settlement endpoints that only backend services may
// call. An empty token disables the check.
func InternalToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(InternalTokenHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
