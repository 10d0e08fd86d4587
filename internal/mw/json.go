package mw

import (
	"encoding/json"
	"net/http"
)

// WriteJSON writes v with the given status. Encoding errors are dropped; the
// header is already on the wire.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func WriteError(w http.ResponseWriter, status int, code string) {
	WriteJSON(w, status, map[string]any{"error": code})
}
