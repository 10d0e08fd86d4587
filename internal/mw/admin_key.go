package mw

import (
	"crypto/subtle"
	"net/http"
)

const AdminKeyHeader = "X-Admin-Key"

// RequireAdminKey hides the wrapped handler behind 404 when no key is set.
func RequireAdminKey(adminKey string, next http.Handler) http.Handler {
	if adminKey == "" {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.NotFound(w, r)
		})
	}
	want := []byte(adminKey)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := []byte(r.Header.Get(AdminKeyHeader))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			WriteError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		WithSubject(next, "admin-key").ServeHTTP(w, r)
	})
}
