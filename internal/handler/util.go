package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/mindful-ai/companion/internal/service"
	"github.com/mindful-ai/companion/internal/store"
)

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// writeLookupError maps conversation lookup failures. Another owner's
// conversation is reported as missing.
func writeLookupError(w http.ResponseWriter, err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, store.ErrNotFound), errors.Is(err, service.ErrForbidden):
		writeError(w, http.StatusNotFound, "conversation not found")
	default:
		writeError(w, http.StatusInternalServerError, "failed to load conversation")
	}
	return true
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		return err
	}
	flusher.Flush()

	return nil
}
