package httpx

import (
	"encoding/json"
	"net/http"

	"github.com/ctfrange/ctfrange/internal/apperr"
)

// writeJSON writes JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError sends an error message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeAppError maps an error kind to an HTTP status. Internal kinds keep
// their detail out of the response body; the caller logs them.
func writeAppError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case apperr.Validation:
		status = http.StatusBadRequest
	case apperr.NotFound:
		status = http.StatusNotFound
	case apperr.Conflict:
		status = http.StatusConflict
	case apperr.Capacity:
		status = http.StatusServiceUnavailable
	}
	if kind == "" || kind.Internal() {
		writeError(w, status, "internal server error")
		return
	}
	writeError(w, status, apperr.MessageOf(err))
}
