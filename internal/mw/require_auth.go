package mw

import (
	"net/http"
)

type AuthHandler interface {
	ValidateBearer(r *http.Request) (string, error)
}

func RequireAuth(auth AuthHandler, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sub, err := auth.ValidateBearer(r)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="weightgate"`)
			WriteError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		WithSubject(next, sub).ServeHTTP(w, r)
	})
}
