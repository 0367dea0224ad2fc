package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/bidcraft/bidcraft/pkg/schema"
)

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeBidcraftError maps an error to an HTTP status by its code.
func writeBidcraftError(w http.ResponseWriter, err error) {
	var bErr *schema.BidcraftError
	if !errors.As(err, &bErr) {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	switch bErr.Code {
	case schema.ErrCodeNotFound:
		writeError(w, http.StatusNotFound, bErr.Message)
	case schema.ErrCodeValidation:
		writeError(w, http.StatusBadRequest, bErr.Message)
	case schema.ErrCodeThrottled:
		writeError(w, http.StatusTooManyRequests, bErr.Message)
	case schema.ErrCodeDispatch:
		writeError(w, http.StatusServiceUnavailable, bErr.Message)
	default:
		writeError(w, http.StatusInternalServerError, bErr.Message)
	}
}
